// Package config handles configuration loading, validation, and persistence
// for the slumber proxy.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir   = "config"
	DefaultConfigFile  = "config.json"
	DefaultProxyPort   = 25565
	DefaultBackendPort = 25575
	DefaultAPIPort     = 5080
)

// Suspend modes for BackendConfig.SuspendMode.
const (
	SuspendPause = "pause"
	SuspendStop  = "stop"
	SuspendNone  = "none"
)

// Config is the root configuration structure. The proxy core reads it once
// at startup; only the API and the setup wizard write it.
type Config struct {
	mu   sync.RWMutex
	path string

	Proxy           ProxyConfig     `json:"proxy"`
	Backend         BackendConfig   `json:"backend"`
	Status          StatusConfig    `json:"status"`
	ApplicationData ApplicationData `json:"application_data"`
}

// ProxyConfig is the client-facing listener.
type ProxyConfig struct {
	ListenAddress       string `json:"listen_address"`
	Port                int    `json:"port"`
	MaxConnections      int    `json:"max_connections"`
	MaxConnectionsPerIP int    `json:"max_connections_per_ip_per_sec"`
	HandshakeTimeoutSec int    `json:"handshake_timeout_sec"`
	StaleAfterSec       int    `json:"stale_after_sec"`
}

// BackendConfig describes the game server behind the proxy and how it is
// launched and suspended.
type BackendConfig struct {
	Address           string   `json:"address"`
	Port              int      `json:"port"`
	SuspendTimeoutSec int      `json:"suspend_timeout_sec"`
	SuspendMode       string   `json:"suspend_mode"`
	SuspendOnStartup  bool     `json:"suspend_on_startup"`
	RequiredProtocol  int32    `json:"required_protocol"`
	JavaPath          string   `json:"java_path"`
	ServerFile        string   `json:"server_file"`
	Arguments         []string `json:"arguments"`
	WorkDirectory     string   `json:"work_directory"`
	AutoStart         bool     `json:"auto_start"`
	ForwardOutput     bool     `json:"forward_output"`
	DialTimeoutSec    int      `json:"dial_timeout_sec"`
	ReadyTimeoutSec   int      `json:"ready_timeout_sec"`
	StopTimeoutSec    int      `json:"stop_timeout_sec"`
}

// StatusConfig is what the proxy answers status requests with.
type StatusConfig struct {
	VersionName        string `json:"version_name"`
	Protocol           int32  `json:"protocol"` // 0 echoes the client's version
	MaxPlayers         int    `json:"max_players"`
	MOTD               string `json:"motd"`
	FaviconPath        string `json:"favicon_path"`
	EnforcesSecureChat bool   `json:"enforces_secure_chat"`
	PreviewsChat       bool   `json:"previews_chat"`
	ShowSessions       bool   `json:"show_sessions"`
	LANAnnounce        bool   `json:"lan_announce"`
}

// ApplicationData contains settings for everything around the proxy.
type ApplicationData struct {
	Timers   TimerConfig    `json:"timers"`
	API      APIConfig      `json:"api"`
	Database DatabaseConfig `json:"database"`
	Discord  DiscordConfig  `json:"discord"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Security SecurityConfig `json:"security"`
	Logging  LoggingConfig  `json:"logging"`
}

// TimerConfig holds health check and task interval settings.
type TimerConfig struct {
	GeneralHealthInterval  int `json:"general_health_interval_sec"`
	DiskCheckInterval      int `json:"disk_check_interval_sec"`
	StatsPollingInterval   int `json:"stats_polling_interval_sec"`
	HeartbeatInterval      int `json:"heartbeat_interval_sec"`
	StaleSweepInterval     int `json:"stale_sweep_interval_sec"`
	HistoryCleanupInterval int `json:"history_cleanup_interval_sec"`
	LANAnnounceInterval    int `json:"lan_announce_interval_sec"`
}

// APIConfig holds the management API listener settings.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
	Port    int    `json:"port"`
	Token   string `json:"token"`
}

// DatabaseConfig holds the history store settings.
type DatabaseConfig struct {
	Path          string `json:"path"`
	RetentionDays int    `json:"retention_days"`
}

// DiscordConfig holds Discord webhook settings.
type DiscordConfig struct {
	WebhookURL      string `json:"webhook_url"`
	NotifyOnSuspend bool   `json:"notify_on_suspend"`
	NotifyOnResume  bool   `json:"notify_on_resume"`
	NotifyOnCrash   bool   `json:"notify_on_crash"`
	NotifyOnDisk    bool   `json:"notify_on_disk"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// SecurityConfig holds API security settings.
type SecurityConfig struct {
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	IPWhitelist    []string `json:"ip_whitelist"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Proxy: ProxyConfig{
			ListenAddress:       "0.0.0.0",
			Port:                DefaultProxyPort,
			MaxConnections:      256,
			MaxConnectionsPerIP: 10,
			HandshakeTimeoutSec: 10,
			StaleAfterSec:       600,
		},
		Backend: BackendConfig{
			Address:           "127.0.0.1",
			Port:              DefaultBackendPort,
			SuspendTimeoutSec: 300,
			SuspendMode:       SuspendPause,
			SuspendOnStartup:  true,
			JavaPath:          "/bin/java",
			ServerFile:        "./server.jar",
			Arguments:         []string{"nogui"},
			AutoStart:         true,
			DialTimeoutSec:    5,
			ReadyTimeoutSec:   120,
			StopTimeoutSec:    30,
		},
		Status: StatusConfig{
			VersionName:        "1.19.4",
			MaxPlayers:         100,
			MOTD:               "A slumbering server",
			FaviconPath:        "favicon.png",
			EnforcesSecureChat: true,
			PreviewsChat:       true,
			ShowSessions:       true,
		},
		ApplicationData: ApplicationData{
			Timers: TimerConfig{
				GeneralHealthInterval:  60,
				DiskCheckInterval:      3600,
				StatsPollingInterval:   10,
				HeartbeatInterval:      60,
				StaleSweepInterval:     60,
				HistoryCleanupInterval: 3600,
				LANAnnounceInterval:    2,
			},
			API: APIConfig{
				Enabled: true,
				Address: "127.0.0.1",
				Port:    DefaultAPIPort,
			},
			Database: DatabaseConfig{
				Path:          "data/slumber.db",
				RetentionDays: 30,
			},
			Discord: DiscordConfig{
				NotifyOnSuspend: true,
				NotifyOnResume:  true,
				NotifyOnCrash:   true,
				NotifyOnDisk:    true,
			},
			MQTT: MQTTConfig{
				BrokerURL:   "localhost",
				Port:        1883,
				TopicPrefix: "slumber",
			},
			Security: SecurityConfig{
				RateLimitRPS: 20,
			},
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxSizeMB:  10,
				MaxBackups: 5,
			},
		},
	}
}

// Load reads configuration from a JSON file. A missing file is created with
// defaults; an existing one is overlaid on the defaults and saved back so new
// fields show up in it.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetBackend returns a copy of the backend configuration.
func (c *Config) GetBackend() BackendConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b := c.Backend
	b.Arguments = append([]string(nil), c.Backend.Arguments...)
	return b
}

// GetStatus returns a copy of the status configuration.
func (c *Config) GetStatus() StatusConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Status
}

// GetApplicationData returns a copy of the application data configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData
}

// UpdateStatusField updates one field of the status section by its JSON key.
func (c *Config) UpdateStatusField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, _ := json.Marshal(c.Status)
	m := make(map[string]interface{})
	json.Unmarshal(data, &m)

	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown status field %q", key)
	}
	m[key] = value

	updated, _ := json.Marshal(m)
	var status StatusConfig
	if err := json.Unmarshal(updated, &status); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}
	c.Status = status
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// IsFirstRun returns true when the backend is managed but its server file
// does not exist yet.
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.Backend.AutoStart {
		return false
	}
	_, err := os.Stat(c.Backend.ServerFile)
	return os.IsNotExist(err)
}

// ListenAddr is the proxy's host:port.
func (p ProxyConfig) ListenAddr() string {
	return net.JoinHostPort(p.ListenAddress, strconv.Itoa(p.Port))
}

// HandshakeTimeout is how long a new client has to send its first frame.
func (p ProxyConfig) HandshakeTimeout() time.Duration {
	return time.Duration(p.HandshakeTimeoutSec) * time.Second
}

// Addr is the backend's host:port.
func (b BackendConfig) Addr() string {
	return net.JoinHostPort(b.Address, strconv.Itoa(b.Port))
}

// SuspendTimeout is how long the proxy waits with no sessions before
// suspending the backend.
func (b BackendConfig) SuspendTimeout() time.Duration {
	return time.Duration(b.SuspendTimeoutSec) * time.Second
}

// DialTimeout bounds each backend connection attempt.
func (b BackendConfig) DialTimeout() time.Duration {
	return time.Duration(b.DialTimeoutSec) * time.Second
}

// ReadyTimeout bounds how long a wake waits for the backend to accept
// connections.
func (b BackendConfig) ReadyTimeout() time.Duration {
	return time.Duration(b.ReadyTimeoutSec) * time.Second
}

// StopTimeout bounds a graceful backend stop.
func (b BackendConfig) StopTimeout() time.Duration {
	return time.Duration(b.StopTimeoutSec) * time.Second
}

// Managed reports whether the proxy launches the backend itself.
func (b BackendConfig) Managed() bool {
	return b.AutoStart && b.JavaPath != "" && b.ServerFile != ""
}

// Addr is the API's host:port.
func (a APIConfig) Addr() string {
	return net.JoinHostPort(a.Address, strconv.Itoa(a.Port))
}
