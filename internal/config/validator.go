package config

import (
	"fmt"
	"net"
	"os"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate checks every section of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateProxy(&cfg.Proxy, result)
	validateBackend(&cfg.Backend, result)
	validateStatus(&cfg.Status, result)
	validateApplicationData(&cfg.ApplicationData, result)

	if cfg.Proxy.Port == cfg.Backend.Port && sameHost(cfg.Proxy.ListenAddress, cfg.Backend.Address) {
		result.AddError("backend.port", "backend port must differ from the proxy port")
	}
	if cfg.ApplicationData.API.Enabled && cfg.ApplicationData.API.Port == cfg.Proxy.Port {
		result.AddError("application_data.api.port", "API port conflicts with the proxy port")
	}

	return result
}

func validateProxy(p *ProxyConfig, result *ValidationResult) {
	validatePort(p.Port, "proxy.port", result)
	if p.Port > 0 && p.Port <= 65535 && !IsPortAvailable(p.Port) {
		result.AddWarning("proxy.port", fmt.Sprintf("port %d is already in use", p.Port))
	}
	if net.ParseIP(p.ListenAddress) == nil && p.ListenAddress != "" && p.ListenAddress != "localhost" {
		result.AddError("proxy.listen_address", fmt.Sprintf("not an IP address: %s", p.ListenAddress))
	}
	if p.MaxConnections < 1 {
		result.AddError("proxy.max_connections", "must allow at least 1 connection")
	}
	if p.MaxConnectionsPerIP < 1 {
		result.AddWarning("proxy.max_connections_per_ip_per_sec", "per-IP rate limit is disabled")
	}
	if p.HandshakeTimeoutSec < 1 {
		result.AddError("proxy.handshake_timeout_sec", "handshake timeout must be at least 1 second")
	}
}

func validateBackend(b *BackendConfig, result *ValidationResult) {
	validatePort(b.Port, "backend.port", result)

	if strings.TrimSpace(b.Address) == "" {
		result.AddError("backend.address", "backend address is required")
	}

	if b.SuspendTimeoutSec < 1 {
		result.AddError("backend.suspend_timeout_sec", "suspend timeout must be at least 1 second")
	} else if b.SuspendTimeoutSec < 30 {
		result.AddWarning("backend.suspend_timeout_sec",
			"suspend timeout under 30 seconds may suspend between reconnects")
	}

	switch b.SuspendMode {
	case SuspendPause, SuspendStop, SuspendNone:
	default:
		result.AddError("backend.suspend_mode",
			fmt.Sprintf("unknown suspend mode %q (want pause, stop or none)", b.SuspendMode))
	}

	if b.RequiredProtocol < 0 {
		result.AddError("backend.required_protocol", "protocol version cannot be negative")
	}

	if b.DialTimeoutSec < 1 {
		result.AddError("backend.dial_timeout_sec", "dial timeout must be at least 1 second")
	}
	if b.ReadyTimeoutSec < b.DialTimeoutSec {
		result.AddWarning("backend.ready_timeout_sec", "ready timeout is shorter than the dial timeout")
	}

	if b.AutoStart {
		if strings.TrimSpace(b.JavaPath) == "" {
			result.AddError("backend.java_path", "java path is required when auto_start is on")
		} else if _, err := os.Stat(b.JavaPath); os.IsNotExist(err) {
			result.AddWarning("backend.java_path", fmt.Sprintf("file does not exist: %s", b.JavaPath))
		}
		if strings.TrimSpace(b.ServerFile) == "" {
			result.AddError("backend.server_file", "server file is required when auto_start is on")
		} else if _, err := os.Stat(b.ServerFile); os.IsNotExist(err) {
			result.AddWarning("backend.server_file", fmt.Sprintf("file does not exist: %s", b.ServerFile))
		}
	} else if b.SuspendMode == SuspendStop {
		result.AddError("backend.suspend_mode", "stop mode needs auto_start to bring the backend back")
	}
}

func validateStatus(s *StatusConfig, result *ValidationResult) {
	if s.MaxPlayers < 0 {
		result.AddError("status.max_players", "max players cannot be negative")
	}
	if s.Protocol < 0 {
		result.AddError("status.protocol", "protocol version cannot be negative")
	}
	if strings.TrimSpace(s.VersionName) == "" {
		result.AddWarning("status.version_name", "empty version name")
	}
	if s.FaviconPath != "" {
		if _, err := os.Stat(s.FaviconPath); os.IsNotExist(err) {
			result.AddWarning("status.favicon_path",
				fmt.Sprintf("favicon not found, status responses will omit it: %s", s.FaviconPath))
		}
	}
}

func validateApplicationData(data *ApplicationData, result *ValidationResult) {
	validateTimers(&data.Timers, result)

	if data.API.Enabled {
		validatePort(data.API.Port, "application_data.api.port", result)
		if data.API.Token == "" && !isLoopback(data.API.Address) {
			result.AddWarning("application_data.api.token",
				"API listens on a non-loopback address without a token")
		}
	}

	if strings.TrimSpace(data.Database.Path) == "" {
		result.AddError("application_data.database.path", "database path is required")
	}
	if data.Database.RetentionDays < 1 {
		result.AddError("application_data.database.retention_days", "retention days must be at least 1")
	}

	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application_data.mqtt.port", "invalid MQTT port")
		}
	}

	if data.Security.TLSEnabled {
		if strings.TrimSpace(data.Security.TLSCertFile) == "" {
			result.AddError("application_data.security.tls_cert_file",
				"TLS certificate file is required when TLS is enabled")
		}
		if strings.TrimSpace(data.Security.TLSKeyFile) == "" {
			result.AddError("application_data.security.tls_key_file",
				"TLS key file is required when TLS is enabled")
		}
	}

	if data.Security.RateLimitRPS < 1 {
		result.AddWarning("application_data.security.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}

	if data.Discord.WebhookURL != "" && !strings.HasPrefix(data.Discord.WebhookURL, "https://") {
		result.AddError("application_data.discord.webhook_url", "webhook URL must use https")
	}
}

func validateTimers(timers *TimerConfig, result *ValidationResult) {
	if timers.HeartbeatInterval < 10 {
		result.AddWarning("timers.heartbeat_interval",
			"heartbeat interval less than 10s may cause excessive traffic")
	}
	if timers.StaleSweepInterval < 1 {
		result.AddError("timers.stale_sweep_interval", "stale sweep interval must be at least 1 second")
	}
	if timers.LANAnnounceInterval < 1 {
		result.AddError("timers.lan_announce_interval", "LAN announce interval must be at least 1 second")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func sameHost(a, b string) bool {
	if a == b {
		return true
	}
	ipA, ipB := net.ParseIP(a), net.ParseIP(b)
	if ipA != nil && ipA.IsUnspecified() {
		return true
	}
	return ipA != nil && ipB != nil && ipA.Equal(ipB)
}

// IsPortAvailable checks if a port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
