package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// TOMLConfig represents the structure of the server config file. The same
// structure is accepted as YAML when the file name ends in .yaml or .yml.
type TOMLConfig struct {
	Server    ServerSection    `toml:"server" yaml:"server"`
	Limits    LimitsSection    `toml:"limits" yaml:"limits"`
	Sessions  SessionsSection  `toml:"sessions" yaml:"sessions"`
	Recording RecordingSection `toml:"recording" yaml:"recording"`
	Users     []UserEntry      `toml:"users" yaml:"users"`
}

type ServerSection struct {
	BindAddress   string `toml:"bind_address" yaml:"bind_address"`
	PublicHost    string `toml:"public_host" yaml:"public_host"`
	TCPPort       int    `toml:"tcp_port" yaml:"tcp_port"`
	WebSocketPort int    `toml:"websocket_port" yaml:"websocket_port"`
	AdminPort     int    `toml:"admin_port" yaml:"admin_port"`
	DatabasePath  string `toml:"database_path" yaml:"database_path"`
	Welcome       string `toml:"welcome" yaml:"welcome"`
	AdminUser     string `toml:"admin_user" yaml:"admin_user"`
	AdminPassword string `toml:"admin_password" yaml:"admin_password"` // bcrypt hash
	Debug         bool   `toml:"debug" yaml:"debug"`
}

type LimitsSection struct {
	MaxSessions        int     `toml:"max_sessions" yaml:"max_sessions"`
	SessionSizeLimit   int     `toml:"session_size_limit" yaml:"session_size_limit"`
	AutoResetThreshold int     `toml:"autoreset_threshold" yaml:"autoreset_threshold"`
	BatchMessages      int     `toml:"batch_messages" yaml:"batch_messages"`
	BatchBytes         int     `toml:"batch_bytes" yaml:"batch_bytes"`
	ChatRatePerSecond  float64 `toml:"chat_rate_per_second" yaml:"chat_rate_per_second"`
	ChatBurst          int     `toml:"chat_burst" yaml:"chat_burst"`
	LogLimit           int     `toml:"log_limit" yaml:"log_limit"`
}

type SessionsSection struct {
	AllowPersistent   bool     `toml:"allow_persistent" yaml:"allow_persistent"`
	AllowGuests       bool     `toml:"allow_guests" yaml:"allow_guests"`
	AllowGuestHosts   bool     `toml:"allow_guest_hosts" yaml:"allow_guest_hosts"`
	AnnounceAllowlist []string `toml:"announce_allowlist" yaml:"announce_allowlist"`
}

type RecordingSection struct {
	Directory                string `toml:"directory" yaml:"directory"`
	FileTemplate             string `toml:"file_template" yaml:"file_template"`
	MinimumIntervalMs        int    `toml:"minimum_interval_ms" yaml:"minimum_interval_ms"`
	TimestampIntervalSeconds int    `toml:"timestamp_interval_seconds" yaml:"timestamp_interval_seconds"`
	AutoflushSeconds         int    `toml:"autoflush_seconds" yaml:"autoflush_seconds"`
}

// UserEntry is a registered account
type UserEntry struct {
	Name         string `toml:"name" yaml:"name"`
	PasswordHash string `toml:"password_hash" yaml:"password_hash"`
	Moderator    bool   `toml:"moderator" yaml:"moderator"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:       27750,
			WebSocketPort: 27751,
			AdminPort:     27780,
			DatabasePath:  "~/.canvashub/canvashub.db",
			Welcome:       "Welcome to canvashub!",
		},
		Limits: LimitsSection{
			MaxSessions:        100,
			SessionSizeLimit:   100 * 1024 * 1024,
			AutoResetThreshold: 0,
			BatchMessages:      512,
			BatchBytes:         64 * 1024,
			ChatRatePerSecond:  2,
			ChatBurst:          10,
			LogLimit:           1000,
		},
		Sessions: SessionsSection{
			AllowPersistent: true,
			AllowGuests:     true,
			AllowGuestHosts: true,
		},
		Recording: RecordingSection{
			FileTemplate:             "{id}-{date}.cvrec.zst",
			MinimumIntervalMs:        0,
			TimestampIntervalSeconds: 0,
			AutoflushSeconds:         5,
		},
	}
}

// DefaultConfigFile is the documented config written on first start
const DefaultConfigFile = `# canvashub server configuration
# This file was auto-generated with default values
# Restart the server for changes to take effect
#
# Environment variables can override these settings:
# CANVASHUB_SECTION_KEY (e.g., CANVASHUB_SERVER_TCP_PORT=9000)
# A .env file next to this config is loaded first.

[server]
# Address to listen on, empty for all interfaces
# bind_address = "0.0.0.0"

# Host name clients use to reach this server, sent to listing servers
# public_host = "canvas.example.com"

# Port for TCP clients
tcp_port = 27750

# Port for WebSocket clients (/ws), 0 disables
websocket_port = 27751

# Port for the admin API (/api, /metrics, /health), 0 disables
# Never expose this port publicly
admin_port = 27780

# Path to SQLite database file, empty keeps everything in memory
database_path = "~/.canvashub/canvashub.db"

# Message shown to every user joining a session
welcome = "Welcome to canvashub!"

# Admin API credentials (HTTP basic auth). Generate the hash with
# canvashubd hash-password. Leave empty to disable authentication.
# admin_user = "admin"
# admin_password = "$2a$10$..."

debug = false

[limits]
# Maximum number of concurrent sessions
max_sessions = 100

# Maximum history size of a session in bytes
session_size_limit = 104857600

# History size at which operators are asked to reset the session, 0 disables
autoreset_threshold = 0

# Catch-up batch size
batch_messages = 512
batch_bytes = 65536

# Chat messages per second per user, and the allowed burst
chat_rate_per_second = 2.0
chat_burst = 10

# Log entries kept in memory
log_limit = 1000

[sessions]
allow_persistent = true
allow_guests = true
allow_guest_hosts = true

# Listing servers sessions may be announced to, empty allows any
# announce_allowlist = ["https://listing.example.com/"]

[recording]
# Directory for session recordings, empty disables recording
# directory = "~/.canvashub/recordings"

# {id}, {alias} and {date} are replaced. The extension picks the format:
# .cvrec binary, .cvtxt text, optionally followed by .lz4 or .zst
file_template = "{id}-{date}.cvrec.zst"

minimum_interval_ms = 0
timestamp_interval_seconds = 0
autoflush_seconds = 5

# Registered users
# [[users]]
# name = "alice"
# password_hash = "$2a$10$..."
# moderator = true
`

// LoadConfig loads configuration from a TOML or YAML file, creates default if
// not found, and applies .env and environment variable overrides
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	// Variables already set in the environment win over .env
	if err := godotenv.Load(filepath.Join(filepath.Dir(path), ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return TOMLConfig{}, fmt.Errorf("failed to load .env: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// If we can't write, run with defaults anyway
		_ = writeDefaultConfig(path)
		return applyEnvOverrides(config), nil
	}

	config, err := decodeConfigFile(path)
	if err != nil {
		return TOMLConfig{}, err
	}
	return applyEnvOverrides(config), nil
}

func decodeConfigFile(path string) (TOMLConfig, error) {
	config := DefaultTOMLConfig()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &config); err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if _, err := toml.DecodeFile(path, &config); err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	return config, nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

func envInt(key string, target *int) {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*target = n
		}
	}
}

func envBool(key string, target *bool) {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*target = b
		}
	}
}

func envString(key string, target *string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// applyEnvOverrides applies environment variable overrides to the config
// Environment variables follow the pattern: CANVASHUB_SECTION_KEY
// Example: CANVASHUB_SERVER_TCP_PORT=9000
func applyEnvOverrides(config TOMLConfig) TOMLConfig {
	// Server section
	envString("CANVASHUB_SERVER_BIND_ADDRESS", &config.Server.BindAddress)
	envString("CANVASHUB_SERVER_PUBLIC_HOST", &config.Server.PublicHost)
	envInt("CANVASHUB_SERVER_TCP_PORT", &config.Server.TCPPort)
	envInt("CANVASHUB_SERVER_WEBSOCKET_PORT", &config.Server.WebSocketPort)
	envInt("CANVASHUB_SERVER_ADMIN_PORT", &config.Server.AdminPort)
	envString("CANVASHUB_SERVER_DATABASE_PATH", &config.Server.DatabasePath)
	envString("CANVASHUB_SERVER_WELCOME", &config.Server.Welcome)
	envString("CANVASHUB_SERVER_ADMIN_USER", &config.Server.AdminUser)
	envString("CANVASHUB_SERVER_ADMIN_PASSWORD", &config.Server.AdminPassword)
	envBool("CANVASHUB_SERVER_DEBUG", &config.Server.Debug)

	// Limits section
	envInt("CANVASHUB_LIMITS_MAX_SESSIONS", &config.Limits.MaxSessions)
	envInt("CANVASHUB_LIMITS_SESSION_SIZE_LIMIT", &config.Limits.SessionSizeLimit)
	envInt("CANVASHUB_LIMITS_AUTORESET_THRESHOLD", &config.Limits.AutoResetThreshold)
	envInt("CANVASHUB_LIMITS_BATCH_MESSAGES", &config.Limits.BatchMessages)
	envInt("CANVASHUB_LIMITS_BATCH_BYTES", &config.Limits.BatchBytes)
	if val := os.Getenv("CANVASHUB_LIMITS_CHAT_RATE_PER_SECOND"); val != "" {
		if rate, err := strconv.ParseFloat(val, 64); err == nil {
			config.Limits.ChatRatePerSecond = rate
		}
	}
	envInt("CANVASHUB_LIMITS_CHAT_BURST", &config.Limits.ChatBurst)
	envInt("CANVASHUB_LIMITS_LOG_LIMIT", &config.Limits.LogLimit)

	// Sessions section
	envBool("CANVASHUB_SESSIONS_ALLOW_PERSISTENT", &config.Sessions.AllowPersistent)
	envBool("CANVASHUB_SESSIONS_ALLOW_GUESTS", &config.Sessions.AllowGuests)
	envBool("CANVASHUB_SESSIONS_ALLOW_GUEST_HOSTS", &config.Sessions.AllowGuestHosts)
	if val := os.Getenv("CANVASHUB_SESSIONS_ANNOUNCE_ALLOWLIST"); val != "" {
		// Comma-separated list of listing server URLs
		urls := strings.Split(val, ",")
		for i, u := range urls {
			urls[i] = strings.TrimSpace(u)
		}
		config.Sessions.AnnounceAllowlist = urls
	}

	// Recording section
	envString("CANVASHUB_RECORDING_DIRECTORY", &config.Recording.Directory)
	envString("CANVASHUB_RECORDING_FILE_TEMPLATE", &config.Recording.FileTemplate)
	envInt("CANVASHUB_RECORDING_MINIMUM_INTERVAL_MS", &config.Recording.MinimumIntervalMs)
	envInt("CANVASHUB_RECORDING_TIMESTAMP_INTERVAL_SECONDS", &config.Recording.TimestampIntervalSeconds)
	envInt("CANVASHUB_RECORDING_AUTOFLUSH_SECONDS", &config.Recording.AutoflushSeconds)

	return config
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(DefaultConfigFile), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ServerConfig holds the runtime server configuration
type ServerConfig struct {
	BindAddress   string
	PublicHost    string
	TCPPort       int
	WebSocketPort int // 0 = disabled
	AdminPort     int // 0 = disabled
	DatabasePath  string
	AdminUser     string
	AdminPassword string // bcrypt hash
	Debug         bool
	MaxSessions   int
	LogLimit      int

	AllowGuests     bool
	AllowGuestHosts bool
	Users           []UserEntry

	Session SessionConfig
}

// SessionConfig is the part of the configuration every session sees
type SessionConfig struct {
	Welcome            string
	SizeLimit          int
	AutoResetThreshold int
	BatchMessages      int
	BatchBytes         int
	ChatRate           float64
	ChatBurst          int
	AllowPersistent    bool
	AnnounceAllowlist  []string // empty allows any listing server
	StatusInterval     time.Duration

	RecordingDirectory         string // empty disables recording
	RecordingTemplate          string
	RecordingMinInterval       time.Duration
	RecordingTimestampInterval time.Duration
	RecordingAutoflush         time.Duration
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	c := DefaultTOMLConfig()
	cfg, _ := c.ToServerConfig()
	return cfg
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() (ServerConfig, error) {
	dbPath, err := expandHome(c.Server.DatabasePath)
	if err != nil {
		return ServerConfig{}, err
	}
	recDir, err := expandHome(c.Recording.Directory)
	if err != nil {
		return ServerConfig{}, err
	}

	cfg := ServerConfig{
		BindAddress:     c.Server.BindAddress,
		PublicHost:      c.Server.PublicHost,
		TCPPort:         c.Server.TCPPort,
		WebSocketPort:   c.Server.WebSocketPort,
		AdminPort:       c.Server.AdminPort,
		DatabasePath:    dbPath,
		AdminUser:       c.Server.AdminUser,
		AdminPassword:   c.Server.AdminPassword,
		Debug:           c.Server.Debug,
		MaxSessions:     c.Limits.MaxSessions,
		LogLimit:        c.Limits.LogLimit,
		AllowGuests:     c.Sessions.AllowGuests,
		AllowGuestHosts: c.Sessions.AllowGuestHosts,
		Users:           c.Users,
		Session: SessionConfig{
			Welcome:                    c.Server.Welcome,
			SizeLimit:                  c.Limits.SessionSizeLimit,
			AutoResetThreshold:         c.Limits.AutoResetThreshold,
			BatchMessages:              c.Limits.BatchMessages,
			BatchBytes:                 c.Limits.BatchBytes,
			ChatRate:                   c.Limits.ChatRatePerSecond,
			ChatBurst:                  c.Limits.ChatBurst,
			AllowPersistent:            c.Sessions.AllowPersistent,
			AnnounceAllowlist:          c.Sessions.AnnounceAllowlist,
			StatusInterval:             10 * time.Second,
			RecordingDirectory:         recDir,
			RecordingTemplate:          c.Recording.FileTemplate,
			RecordingMinInterval:       time.Duration(c.Recording.MinimumIntervalMs) * time.Millisecond,
			RecordingTimestampInterval: time.Duration(c.Recording.TimestampIntervalSeconds) * time.Second,
			RecordingAutoflush:         time.Duration(c.Recording.AutoflushSeconds) * time.Second,
		},
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1
	}
	if cfg.Session.ChatBurst <= 0 {
		cfg.Session.ChatBurst = 1
	}
	return cfg, nil
}
