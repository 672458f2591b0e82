package server

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ConsoleKind classifies a line of backend console output.
type ConsoleKind int

const (
	ConsoleOther ConsoleKind = iota
	ConsoleStarted
	ConsoleJoined
	ConsoleLeft
	ConsoleChat
)

// ConsoleLine is one parsed line of backend console output.
type ConsoleLine struct {
	Kind      ConsoleKind
	Timestamp time.Time // zero when the line has no [HH:MM:SS] prefix
	Player    string
	Message   string
	Startup   time.Duration // ConsoleStarted only
}

var (
	reConsoleTime = regexp.MustCompile(`^\[(\d{2}:\d{2}:\d{2})\]`)
	reStarted     = regexp.MustCompile(`Done \(([\d.]+)s\)! For help`)
	reJoined      = regexp.MustCompile(`:\s+([A-Za-z0-9_]{1,16}) joined the game`)
	reLeft        = regexp.MustCompile(`:\s+([A-Za-z0-9_]{1,16}) left the game`)
	reChat        = regexp.MustCompile(`:\s+(?:\[Not Secure\]\s+)?<([A-Za-z0-9_]{1,16})>\s+(.+)`)
)

// ParseConsoleLine recognizes startup completion, joins, leaves and chat in
// a vanilla-style server log line.
func ParseConsoleLine(line string) ConsoleLine {
	line = cleanLine(line)
	out := ConsoleLine{Kind: ConsoleOther, Message: line}

	if m := reConsoleTime.FindStringSubmatch(line); len(m) > 1 {
		out.Timestamp = parseTimestamp(m[1])
	}

	if m := reStarted.FindStringSubmatch(line); len(m) > 1 {
		out.Kind = ConsoleStarted
		if secs, err := strconv.ParseFloat(m[1], 64); err == nil {
			out.Startup = time.Duration(secs * float64(time.Second))
		}
		return out
	}
	if m := reJoined.FindStringSubmatch(line); len(m) > 1 {
		out.Kind = ConsoleJoined
		out.Player = m[1]
		return out
	}
	if m := reLeft.FindStringSubmatch(line); len(m) > 1 {
		out.Kind = ConsoleLeft
		out.Player = m[1]
		return out
	}
	if m := reChat.FindStringSubmatch(line); len(m) > 2 {
		out.Kind = ConsoleChat
		out.Player = m[1]
		out.Message = m[2]
	}
	return out
}

// parseTimestamp parses a HH:MM:SS timestamp as a time today.
func parseTimestamp(ts string) time.Time {
	t, err := time.Parse("15:04:05", ts)
	if err != nil {
		return time.Time{}
	}
	now := time.Now()
	return time.Date(now.Year(), now.Month(), now.Day(),
		t.Hour(), t.Minute(), t.Second(), 0, now.Location())
}

// cleanLine strips a BOM, NUL bytes and ANSI colour codes.
func cleanLine(line string) string {
	line = strings.TrimPrefix(line, "\xef\xbb\xbf")
	line = strings.ReplaceAll(line, "\x00", "")
	line = reANSI.ReplaceAllString(line, "")
	return strings.TrimSpace(line)
}

var reANSI = regexp.MustCompile(`\x1b\[[0-9;]*m`)
