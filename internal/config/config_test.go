package config

import (
	"bytes"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Proxy.Port != 25565 || cfg.Backend.Port != 25575 {
		t.Fatalf("ports = %d/%d", cfg.Proxy.Port, cfg.Backend.Port)
	}
	if cfg.Backend.SuspendTimeout() != 300*time.Second {
		t.Fatalf("suspend timeout = %v", cfg.Backend.SuspendTimeout())
	}
	if cfg.Backend.JavaPath != "/bin/java" || cfg.Backend.ServerFile != "./server.jar" {
		t.Fatalf("launch = %s %s", cfg.Backend.JavaPath, cfg.Backend.ServerFile)
	}
	if len(cfg.Backend.Arguments) != 1 || cfg.Backend.Arguments[0] != "nogui" {
		t.Fatalf("arguments = %v", cfg.Backend.Arguments)
	}
	if cfg.Status.VersionName != "1.19.4" || cfg.Status.MaxPlayers != 100 || cfg.Status.Protocol != 0 {
		t.Fatalf("status = %+v", cfg.Status)
	}
	if got := cfg.Backend.Addr(); got != "127.0.0.1:25575" {
		t.Fatalf("backend addr = %s", got)
	}
	if got := cfg.Proxy.ListenAddr(); got != "0.0.0.0:25565" {
		t.Fatalf("listen addr = %s", got)
	}
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Path() != filepath.Join(dir, DefaultConfigFile) {
		t.Fatalf("path = %s", cfg.Path())
	}
	if _, err := os.Stat(cfg.Path()); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	partial := `{"backend": {"port": 30000, "suspend_timeout_sec": 60}, "status": {"motd": "hi"}}`
	if err := os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(partial), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.Port != 30000 || cfg.Backend.SuspendTimeoutSec != 60 || cfg.Status.MOTD != "hi" {
		t.Fatalf("overrides lost: %+v %+v", cfg.Backend, cfg.Status)
	}
	if cfg.Proxy.Port != DefaultProxyPort || cfg.Backend.SuspendMode != SuspendPause {
		t.Fatalf("defaults lost: proxy=%d mode=%s", cfg.Proxy.Port, cfg.Backend.SuspendMode)
	}

	// The file is re-saved with every field present.
	data, err := os.ReadFile(cfg.Path())
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if _, ok := raw["proxy"]["handshake_timeout_sec"]; !ok {
		t.Fatal("re-saved config is missing default fields")
	}
}

func TestLoadRejectsBadJSON(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad proxy port", func(c *Config) { c.Proxy.Port = 70000 }, "proxy.port"},
		{"port clash", func(c *Config) { c.Backend.Port = c.Proxy.Port }, "backend.port"},
		{"zero timeout", func(c *Config) { c.Backend.SuspendTimeoutSec = 0 }, "backend.suspend_timeout_sec"},
		{"unknown mode", func(c *Config) { c.Backend.SuspendMode = "hibernate" }, "backend.suspend_mode"},
		{"stop without auto start", func(c *Config) {
			c.Backend.AutoStart = false
			c.Backend.SuspendMode = SuspendStop
		}, "backend.suspend_mode"},
		{"negative players", func(c *Config) { c.Status.MaxPlayers = -1 }, "status.max_players"},
		{"plain http webhook", func(c *Config) {
			c.ApplicationData.Discord.WebhookURL = "http://example.com/hook"
		}, "application_data.discord.webhook_url"},
		{"api on proxy port", func(c *Config) { c.ApplicationData.API.Port = c.Proxy.Port }, "application_data.api.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			result := Validate(cfg)
			if result.IsValid() {
				t.Fatal("expected validation errors")
			}
			found := false
			for _, e := range result.Errors {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Fatalf("no error for %s in %v", tt.field, result.Errors)
			}
		})
	}
}

func TestValidateDefaultsHaveNoErrors(t *testing.T) {
	result := Validate(DefaultConfig())
	if !result.IsValid() {
		t.Fatalf("defaults invalid: %v", result.Errors)
	}
}

func TestValidateWarnsOnBusyProxyPort(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	cfg := DefaultConfig()
	cfg.Proxy.Port = ln.Addr().(*net.TCPAddr).Port
	result := Validate(cfg)

	for _, w := range result.Warnings {
		if w.Field == "proxy.port" {
			return
		}
	}
	t.Fatalf("no proxy.port warning in %v", result.Warnings)
}

func TestUpdateStatusField(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.UpdateStatusField("motd", "updated"); err != nil {
		t.Fatal(err)
	}
	if cfg.GetStatus().MOTD != "updated" {
		t.Fatal("motd not updated")
	}
	if err := cfg.UpdateStatusField("nope", 1); err == nil {
		t.Fatal("unknown field accepted")
	}
	if err := cfg.UpdateStatusField("max_players", "many"); err == nil {
		t.Fatal("wrong type accepted")
	}
}

func TestSetupWizard(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.path = filepath.Join(dir, DefaultConfigFile)

	answers := strings.Join([]string{
		"/usr/bin/java",      // java
		"/srv/mc/server.jar", // jar
		"nogui --forceUpgrade",
		"",     // backend port
		"120",  // suspend timeout
		"stop", // mode
		"",     // proxy port
		"Welcome",
		"",
		"",
		"no",
	}, "\n") + "\n"

	var out bytes.Buffer
	if err := RunSetupWizard(cfg, strings.NewReader(answers), &out); err != nil {
		t.Fatalf("RunSetupWizard: %v\n%s", err, out.String())
	}

	b := cfg.GetBackend()
	if b.JavaPath != "/usr/bin/java" || b.ServerFile != "/srv/mc/server.jar" {
		t.Fatalf("launch = %s %s", b.JavaPath, b.ServerFile)
	}
	if len(b.Arguments) != 2 || b.Arguments[1] != "--forceUpgrade" {
		t.Fatalf("arguments = %v", b.Arguments)
	}
	if b.SuspendTimeoutSec != 120 || b.SuspendMode != SuspendStop {
		t.Fatalf("suspend = %d %s", b.SuspendTimeoutSec, b.SuspendMode)
	}
	if cfg.GetStatus().MOTD != "Welcome" {
		t.Fatalf("motd = %q", cfg.GetStatus().MOTD)
	}
	if _, err := os.Stat(cfg.Path()); err != nil {
		t.Fatalf("config not saved: %v", err)
	}
}
