// Package cli implements the interactive console: backend and session
// tables, manual suspend/resume and backend console commands.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/slumber-project/slumber/internal/config"
	"github.com/slumber-project/slumber/internal/db"
	"github.com/slumber-project/slumber/internal/events"
	"github.com/slumber-project/slumber/internal/idle"
	"github.com/slumber-project/slumber/internal/network"
	"github.com/slumber-project/slumber/internal/server"
)

// Backend is the backend supervisor as seen by the console.
type Backend interface {
	Snapshot() server.BackendSnapshot
	SendCommand(line string) error
	Mode() string
	Addr() string
}

// Controller is the idle controller as seen by the console.
type Controller interface {
	Snapshot(ctx context.Context) (idle.Snapshot, error)
}

// Proxy exposes live connections and counters.
type Proxy interface {
	Stats() network.Stats
	Registry() *network.ConnectionRegistry
}

// History reads finished sessions.
type History interface {
	RecentSessions(ctx context.Context, limit int) ([]db.SessionRecord, error)
}

// Deps are the components the console reads from. History may be nil.
type Deps struct {
	Backend    Backend
	Controller Controller
	Proxy      Proxy
	History    History
}

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg      *config.Config
	eventBus *events.EventBus
	deps     Deps

	in  io.Reader
	out io.Writer
}

// NewCLI creates a console reading commands from in and writing to out.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, deps Deps, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		cfg:      cfg,
		eventBus: eventBus,
		deps:     deps,
		in:       in,
		out:      out,
	}
}

// Start reads commands until ctx is cancelled or input ends.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nslumber console ready. Type 'help' for available commands.")

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			log.Warn().Err(err).Msg("console input failed")
		}
	}()

	for {
		fmt.Fprint(c.out, "slumber> ")
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			c.handleLine(ctx, line)
		}
	}
}

func (c *CLI) handleLine(ctx context.Context, line string) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return
	}
	if err := c.execute(ctx, strings.ToLower(parts[0]), parts[1:]); err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
	}
}

// execute processes a single console command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		return c.printStatus(ctx)
	case "sessions":
		return c.printSessions(ctx, args)
	case "connections", "conns":
		c.printConnections()
	case "suspend", "sleep":
		return c.command(ctx, events.EventSuspendBackend, "Backend suspended")
	case "resume", "wake":
		return c.command(ctx, events.EventResumeBackend, "Backend resumed")
	case "say":
		if len(args) == 0 {
			return errors.New("usage: say <message>")
		}
		return c.sendConsole("say " + strings.Join(args, " "))
	case "cmd":
		if len(args) == 0 {
			return errors.New("usage: cmd <console command>")
		}
		return c.sendConsole(strings.Join(args, " "))
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down slumber...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

func (c *CLI) printHelp() {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Command", "Description"})
	tw.SetAutoWrapText(false)
	tw.AppendBulk([][]string{
		{"status", "Backend, idle timer and proxy counters"},
		{"sessions [n]", "Live sessions and the last n finished ones"},
		{"connections", "Every open client connection"},
		{"suspend", "Suspend the backend now (no sessions only)"},
		{"resume", "Wake the backend"},
		{"say <message>", "Broadcast a message on the backend"},
		{"cmd <line>", "Send a raw backend console command"},
		{"quit", "Shut down slumber"},
	})
	tw.Render()
}

func (c *CLI) printStatus(ctx context.Context) error {
	backend := c.deps.Backend.Snapshot()
	snap, err := c.deps.Controller.Snapshot(ctx)
	if err != nil {
		return err
	}
	stats := c.deps.Proxy.Stats()

	deadline := "-"
	if snap.Deadline != nil {
		deadline = time.Until(*snap.Deadline).Round(time.Second).String()
	}
	pid := "-"
	if backend.PID > 0 {
		pid = strconv.Itoa(backend.PID)
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Backend", "Mode", "PID", "Sessions", "Suspend In", "Suspends", "Resumes", "Crashes"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	tw.Append([]string{
		backend.Status.String(),
		c.deps.Backend.Mode(),
		pid,
		strconv.Itoa(snap.Active),
		deadline,
		strconv.Itoa(backend.Suspends),
		strconv.Itoa(backend.Resumes),
		strconv.Itoa(backend.Crashes),
	})
	tw.Render()

	fmt.Fprintf(c.out, "  Listening on %s, backend %s\n", c.cfg.Proxy.ListenAddr(), c.deps.Backend.Addr())
	fmt.Fprintf(c.out, "  Accepted %d, rejected %d, status served %d, tunnels %d, backend unavailable %d\n",
		stats.Accepted, stats.Rejected, stats.StatusServed, stats.Tunnels, stats.Unavailable)
	if backend.LastError != "" {
		fmt.Fprintf(c.out, "  Last error: %s\n", backend.LastError)
	}
	return nil
}

func (c *CLI) printSessions(ctx context.Context, args []string) error {
	limit := 10
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid count: %s", args[0])
		}
		limit = n
	}

	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Session", "Client", "State", "Started", "Duration", "Up", "Down"})
	tw.SetAutoWrapText(false)

	for _, info := range c.deps.Proxy.Registry().List() {
		if !info.Tunnelled {
			continue
		}
		tw.Append([]string{
			shortID(info.ID),
			info.RemoteAddr,
			"live",
			info.ConnectedAt.Format(time.TimeOnly),
			time.Since(info.ConnectedAt).Round(time.Second).String(),
			formatBytes(info.BytesUp),
			formatBytes(info.BytesDown),
		})
	}

	if c.deps.History != nil {
		recent, err := c.deps.History.RecentSessions(ctx, limit)
		if err != nil {
			return err
		}
		for _, r := range recent {
			tw.Append([]string{
				shortID(r.ID),
				r.RemoteAddr,
				string(r.Reason),
				r.StartedAt.Format(time.DateTime),
				r.Duration().Round(time.Second).String(),
				formatBytes(r.BytesUp),
				formatBytes(r.BytesDown),
			})
		}
	}

	tw.Render()
	return nil
}

func (c *CLI) printConnections() {
	tw := tablewriter.NewWriter(c.out)
	tw.SetHeader([]string{"Connection", "Client", "State", "Tunnelled", "Idle"})
	tw.SetAutoWrapText(false)
	for _, info := range c.deps.Proxy.Registry().List() {
		tw.Append([]string{
			shortID(info.ID),
			info.RemoteAddr,
			info.State.String(),
			strconv.FormatBool(info.Tunnelled),
			time.Since(info.LastActivity).Round(time.Second).String(),
		})
	}
	tw.Render()
}

// command sends a control event and waits for its handler.
func (c *CLI) command(ctx context.Context, t events.EventType, done string) error {
	if err := c.eventBus.EmitSync(ctx, events.Event{Type: t, Source: "cli"}); err != nil {
		return err
	}
	fmt.Fprintln(c.out, done)
	return nil
}

func (c *CLI) sendConsole(line string) error {
	if err := c.deps.Backend.SendCommand(line); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Sent: %s\n", line)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
