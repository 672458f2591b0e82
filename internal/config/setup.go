package config

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// RunSetupWizard asks for the backend launch settings on first run and saves
// the result. It reads answers from in and writes prompts to out.
func RunSetupWizard(cfg *Config, in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "╔══════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           slumber - First Run Setup          ║")
	fmt.Fprintln(out, "╚══════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	for attempt := 0; ; attempt++ {
		askSettings(cfg, reader, out)

		result := Validate(cfg)
		if result.IsValid() {
			for _, w := range result.Warnings {
				log.Warn().Str("field", w.Field).Msg(w.Message)
			}
			break
		}

		fmt.Fprintln(out, "\nConfiguration has errors:")
		for _, e := range result.Errors {
			fmt.Fprintf(out, "  - [%s] %s\n", e.Field, e.Message)
		}
		if attempt >= 2 || !promptBool(reader, out, "Would you like to try again?", true) {
			return fmt.Errorf("configuration validation failed")
		}
	}

	if err := cfg.Save(); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "Configuration saved to %s\n", cfg.Path())
	fmt.Fprintln(out)
	return nil
}

func askSettings(cfg *Config, reader *bufio.Reader, out io.Writer) {
	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	fmt.Fprintln(out, "── Backend ──")
	b := &cfg.Backend
	b.JavaPath = promptString(reader, out, "Java executable", defaultJavaPath(b.JavaPath))
	b.ServerFile = promptString(reader, out, "Server jar", b.ServerFile)
	args := promptString(reader, out, "Server arguments", strings.Join(b.Arguments, " "))
	b.Arguments = strings.Fields(args)
	b.Port = promptInt(reader, out, "Backend port", b.Port)
	b.SuspendTimeoutSec = promptInt(reader, out, "Seconds idle before suspending", b.SuspendTimeoutSec)
	b.SuspendMode = promptString(reader, out, "Suspend mode (pause, stop, none)", b.SuspendMode)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── Proxy ──")
	cfg.Proxy.Port = promptInt(reader, out, "Proxy port", cfg.Proxy.Port)
	cfg.Status.MOTD = promptString(reader, out, "Message of the day", cfg.Status.MOTD)
	cfg.Status.MaxPlayers = promptInt(reader, out, "Max players", cfg.Status.MaxPlayers)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "── Notifications ──")
	cfg.ApplicationData.Discord.WebhookURL = promptString(reader, out,
		"Discord webhook URL (blank to disable)", cfg.ApplicationData.Discord.WebhookURL)
	cfg.ApplicationData.MQTT.Enabled = promptBool(reader, out, "Enable MQTT telemetry", cfg.ApplicationData.MQTT.Enabled)
}

// defaultJavaPath prefers a java found on PATH over the configured default
// when the default does not exist on this platform.
func defaultJavaPath(current string) string {
	if current != "" {
		if _, err := exec.LookPath(current); err == nil {
			return current
		}
	}
	name := "java"
	if runtime.GOOS == "windows" {
		name = "java.exe"
	}
	if p, err := exec.LookPath(name); err == nil {
		return p
	}
	return current
}

func promptString(reader *bufio.Reader, out io.Writer, prompt string, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultVal)
	} else {
		fmt.Fprintf(out, "  %s: ", prompt)
	}

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}

func promptInt(reader *bufio.Reader, out io.Writer, prompt string, defaultVal int) int {
	fmt.Fprintf(out, "  %s [%d]: ", prompt, defaultVal)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}

	val, err := strconv.Atoi(input)
	if err != nil {
		fmt.Fprintf(out, "    Invalid number, using default: %d\n", defaultVal)
		return defaultVal
	}
	return val
}

func promptBool(reader *bufio.Reader, out io.Writer, prompt string, defaultVal bool) bool {
	defaultStr := "no"
	if defaultVal {
		defaultStr = "yes"
	}

	fmt.Fprintf(out, "  %s [%s]: ", prompt, defaultStr)

	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(strings.ToLower(input))

	if input == "" {
		return defaultVal
	}

	return input == "yes" || input == "y" || input == "true" || input == "1"
}
