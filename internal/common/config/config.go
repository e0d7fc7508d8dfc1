// Package config provides configuration management for vibe80.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Deployment modes.
const (
	ModeMonoUser  = "mono_user"
	ModeMultiUser = "multi_user"
)

// Storage backends.
const (
	StorageEmbedded = "embedded"
	StorageExternal = "external"
)

// Config holds all configuration sections for vibe80.
type Config struct {
	Deployment DeploymentConfig `mapstructure:"deployment"`
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Workspaces WorkspacesConfig `mapstructure:"workspaces"`
	Sessions   SessionsConfig   `mapstructure:"sessions"`
	Agent      AgentConfig      `mapstructure:"agent"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox"`
	Broadcast  BroadcastConfig  `mapstructure:"broadcast"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// DeploymentConfig selects the tenancy preset.
type DeploymentConfig struct {
	// Mode is mono_user (single implicit workspace, handoff URL auth)
	// or multi_user (workspaces created via API, id+secret login).
	Mode string `mapstructure:"mode"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	// PublicURL is the externally reachable base URL, used for handoff links.
	PublicURL string `mapstructure:"publicUrl"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	// Backend is embedded (SQLite file under dataRoot) or external (Redis).
	Backend string `mapstructure:"backend"`
	// DataRoot holds workspaces/, the SQLite file, and the mono auth token.
	DataRoot string `mapstructure:"dataRoot"`
	// HomeRoot holds per-workspace home directories.
	HomeRoot string `mapstructure:"homeRoot"`
	// SQLitePath overrides the default <dataRoot>/vibe80.db location.
	SQLitePath string `mapstructure:"sqlitePath"`
	// BusyTimeoutMS is the SQLite busy_timeout applied to every connection.
	BusyTimeoutMS int `mapstructure:"busyTimeoutMs"`
	// RedisAddr, RedisPassword, RedisDB configure the external backend.
	RedisAddr     string `mapstructure:"redisAddr"`
	RedisPassword string `mapstructure:"redisPassword"`
	RedisDB       int    `mapstructure:"redisDb"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// AuthConfig holds token lifecycle configuration.
type AuthConfig struct {
	// JWTKeyPath is the file holding the HS256 signing key.
	// Generated (0600) on first start when absent.
	JWTKeyPath string `mapstructure:"jwtKeyPath"`
	// AccessTokenTTL in seconds (default 900 = 15 minutes).
	AccessTokenTTL int `mapstructure:"accessTokenTtl"`
	// RefreshTokenTTL in seconds (default 2592000 = 30 days).
	RefreshTokenTTL int `mapstructure:"refreshTokenTtl"`
	// HandoffTokenTTL in seconds, capped at 60.
	HandoffTokenTTL int `mapstructure:"handoffTokenTtl"`
	// HandoffURLFile receives the mono-user bootstrap URL when set.
	HandoffURLFile string `mapstructure:"handoffUrlFile"`
	// HandoffQR prints a terminal QR code alongside the bootstrap URL.
	HandoffQR bool `mapstructure:"handoffQr"`
}

// WorkspacesConfig holds tenant allocation configuration.
type WorkspacesConfig struct {
	// UIDMin/UIDMax bound the uid (and gid) range handed to workspaces.
	UIDMin int `mapstructure:"uidMin"`
	UIDMax int `mapstructure:"uidMax"`
}

// SessionsConfig holds session lifecycle configuration.
type SessionsConfig struct {
	// IdleTTL in seconds: sessions idle longer are garbage collected.
	IdleTTL int `mapstructure:"idleTtl"`
	// MaxTTL in seconds: sessions older are garbage collected regardless of activity.
	MaxTTL int `mapstructure:"maxTtl"`
	// GCInterval in seconds between collector runs.
	GCInterval int `mapstructure:"gcInterval"`
	// DiffDebounceMS is the coalescing window for repo diff broadcasts.
	DiffDebounceMS int `mapstructure:"diffDebounceMs"`
}

// AgentConfig holds agent process supervision configuration.
type AgentConfig struct {
	// WakeupTimeout in seconds: default bounded wait for a client to reach ready.
	WakeupTimeout int `mapstructure:"wakeupTimeout"`
	// WakeupTimeoutMax in seconds: upper bound callers may request.
	WakeupTimeoutMax int `mapstructure:"wakeupTimeoutMax"`
	// StopGrace in seconds between cooperative stop, SIGTERM, and SIGKILL.
	StopGrace int `mapstructure:"stopGrace"`
	// ProvidersFile optionally overrides the built-in provider catalog (YAML).
	ProvidersFile string `mapstructure:"providersFile"`
	// RPCLogSize is the per-session wire-frame ring buffer length.
	RPCLogSize int `mapstructure:"rpcLogSize"`
}

// SandboxConfig holds the runas helper configuration.
type SandboxConfig struct {
	// RunasPath is the privileged exec helper binary.
	RunasPath string `mapstructure:"runasPath"`
	// Disabled skips the helper and runs children directly (tests, dev without root).
	Disabled bool `mapstructure:"disabled"`
	// ExtraEnvPassList adds variables to the default environment pass-list.
	ExtraEnvPassList []string `mapstructure:"extraEnvPassList"`
}

// BroadcastConfig holds fan-out tuning.
type BroadcastConfig struct {
	// QueueSize is the per-subscriber bounded event queue.
	QueueSize int `mapstructure:"queueSize"`
	// PingInterval in seconds between server pings.
	PingInterval int `mapstructure:"pingInterval"`
	// PongGrace in seconds allowed for a pong before disconnect.
	PongGrace int `mapstructure:"pongGrace"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// AccessTTL returns the access token lifetime as a time.Duration.
func (a *AuthConfig) AccessTTL() time.Duration {
	return time.Duration(a.AccessTokenTTL) * time.Second
}

// RefreshTTL returns the refresh token lifetime as a time.Duration.
func (a *AuthConfig) RefreshTTL() time.Duration {
	return time.Duration(a.RefreshTokenTTL) * time.Second
}

// HandoffTTL returns the handoff token lifetime as a time.Duration.
func (a *AuthConfig) HandoffTTL() time.Duration {
	return time.Duration(a.HandoffTokenTTL) * time.Second
}

// IdleTTLDuration returns the idle TTL as a time.Duration.
func (s *SessionsConfig) IdleTTLDuration() time.Duration {
	return time.Duration(s.IdleTTL) * time.Second
}

// MaxTTLDuration returns the max TTL as a time.Duration.
func (s *SessionsConfig) MaxTTLDuration() time.Duration {
	return time.Duration(s.MaxTTL) * time.Second
}

// GCIntervalDuration returns the GC interval as a time.Duration.
func (s *SessionsConfig) GCIntervalDuration() time.Duration {
	return time.Duration(s.GCInterval) * time.Second
}

// DiffDebounce returns the diff coalescing window as a time.Duration.
func (s *SessionsConfig) DiffDebounce() time.Duration {
	return time.Duration(s.DiffDebounceMS) * time.Millisecond
}

// WakeupTimeoutDuration returns the default wakeup wait as a time.Duration.
func (a *AgentConfig) WakeupTimeoutDuration() time.Duration {
	return time.Duration(a.WakeupTimeout) * time.Second
}

// WakeupTimeoutMaxDuration returns the wakeup wait ceiling as a time.Duration.
func (a *AgentConfig) WakeupTimeoutMaxDuration() time.Duration {
	return time.Duration(a.WakeupTimeoutMax) * time.Second
}

// StopGraceDuration returns the stop grace window as a time.Duration.
func (a *AgentConfig) StopGraceDuration() time.Duration {
	return time.Duration(a.StopGrace) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("VIBE80_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Deployment defaults
	v.SetDefault("deployment.mode", ModeMonoUser)

	// Server defaults. writeTimeout stays 0: session creation blocks on
	// network-bound clones with no server-side deadline.
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0)
	v.SetDefault("server.publicUrl", "")

	// Storage defaults
	v.SetDefault("storage.backend", StorageEmbedded)
	v.SetDefault("storage.dataRoot", "/var/lib/vibe80")
	v.SetDefault("storage.homeRoot", "/var/lib/vibe80/home")
	v.SetDefault("storage.sqlitePath", "")
	v.SetDefault("storage.busyTimeoutMs", 5000)
	v.SetDefault("storage.redisAddr", "")
	v.SetDefault("storage.redisPassword", "")
	v.SetDefault("storage.redisDb", 0)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "vibe80")
	v.SetDefault("nats.maxReconnects", 10)

	// Auth defaults
	v.SetDefault("auth.jwtKeyPath", "")
	v.SetDefault("auth.accessTokenTtl", 900)
	v.SetDefault("auth.refreshTokenTtl", 2592000)
	v.SetDefault("auth.handoffTokenTtl", 60)
	v.SetDefault("auth.handoffUrlFile", "")
	v.SetDefault("auth.handoffQr", true)

	// Workspace allocation defaults
	v.SetDefault("workspaces.uidMin", 20000)
	v.SetDefault("workspaces.uidMax", 29999)

	// Session lifecycle defaults
	v.SetDefault("sessions.idleTtl", 86400)
	v.SetDefault("sessions.maxTtl", 604800)
	v.SetDefault("sessions.gcInterval", 60)
	v.SetDefault("sessions.diffDebounceMs", 500)

	// Agent defaults
	v.SetDefault("agent.wakeupTimeout", 15)
	v.SetDefault("agent.wakeupTimeoutMax", 60)
	v.SetDefault("agent.stopGrace", 5)
	v.SetDefault("agent.providersFile", "")
	v.SetDefault("agent.rpcLogSize", 500)

	// Sandbox defaults
	v.SetDefault("sandbox.runasPath", "/usr/local/bin/vibe80-runas")
	v.SetDefault("sandbox.disabled", false)
	v.SetDefault("sandbox.extraEnvPassList", []string{})

	// Broadcast defaults
	v.SetDefault("broadcast.queueSize", 256)
	v.SetDefault("broadcast.pingInterval", 25)
	v.SetDefault("broadcast.pongGrace", 8)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix VIBE80_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ~/.vibe80/, or /etc/vibe80/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("VIBE80")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the documented deployment variables and for
	// camelCase config keys AutomaticEnv cannot derive.
	_ = v.BindEnv("deployment.mode", "DEPLOYMENT_MODE", "VIBE80_DEPLOYMENT_MODE")
	_ = v.BindEnv("storage.backend", "STORAGE_BACKEND", "VIBE80_STORAGE_BACKEND")
	_ = v.BindEnv("storage.dataRoot", "VIBE80_DATA_ROOT", "DATA_ROOT")
	_ = v.BindEnv("storage.homeRoot", "VIBE80_HOME_ROOT", "HOME_ROOT")
	_ = v.BindEnv("storage.sqlitePath", "VIBE80_SQLITE_PATH")
	_ = v.BindEnv("storage.busyTimeoutMs", "VIBE80_SQLITE_BUSY_TIMEOUT_MS")
	_ = v.BindEnv("storage.redisAddr", "VIBE80_REDIS_ADDR", "REDIS_ADDR")
	_ = v.BindEnv("storage.redisPassword", "VIBE80_REDIS_PASSWORD")
	_ = v.BindEnv("server.port", "PORT", "VIBE80_SERVER_PORT")
	_ = v.BindEnv("server.publicUrl", "VIBE80_PUBLIC_URL", "PUBLIC_URL")
	_ = v.BindEnv("auth.jwtKeyPath", "VIBE80_JWT_KEY_PATH", "JWT_KEY_PATH")
	_ = v.BindEnv("auth.handoffUrlFile", "VIBE80_HANDOFF_URL_FILE", "HANDOFF_URL_FILE")
	_ = v.BindEnv("auth.accessTokenTtl", "VIBE80_AUTH_ACCESS_TOKEN_TTL")
	_ = v.BindEnv("auth.refreshTokenTtl", "VIBE80_AUTH_REFRESH_TOKEN_TTL")
	_ = v.BindEnv("workspaces.uidMin", "VIBE80_WORKSPACES_UID_MIN")
	_ = v.BindEnv("workspaces.uidMax", "VIBE80_WORKSPACES_UID_MAX")
	_ = v.BindEnv("sessions.idleTtl", "VIBE80_SESSIONS_IDLE_TTL")
	_ = v.BindEnv("sessions.maxTtl", "VIBE80_SESSIONS_MAX_TTL")
	_ = v.BindEnv("sessions.gcInterval", "VIBE80_SESSIONS_GC_INTERVAL")
	_ = v.BindEnv("agent.wakeupTimeout", "VIBE80_AGENT_WAKEUP_TIMEOUT")
	_ = v.BindEnv("agent.providersFile", "VIBE80_AGENT_PROVIDERS_FILE")
	_ = v.BindEnv("sandbox.runasPath", "VIBE80_SANDBOX_RUNAS_PATH")
	_ = v.BindEnv("sandbox.disabled", "VIBE80_SANDBOX_DISABLED")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home + "/.vibe80")
	}
	v.AddConfigPath("/etc/vibe80/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Deployment.Mode != ModeMonoUser && cfg.Deployment.Mode != ModeMultiUser {
		errs = append(errs, "deployment.mode must be mono_user or multi_user")
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.PublicURL == "" {
		cfg.Server.PublicURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}

	switch cfg.Storage.Backend {
	case StorageEmbedded:
		if cfg.Storage.DataRoot == "" {
			errs = append(errs, "storage.dataRoot is required")
		}
		if cfg.Storage.BusyTimeoutMS <= 0 {
			errs = append(errs, "storage.busyTimeoutMs must be positive")
		}
	case StorageExternal:
		if cfg.Storage.RedisAddr == "" {
			errs = append(errs, "storage.redisAddr is required when storage.backend is external")
		}
	default:
		errs = append(errs, "storage.backend must be embedded or external")
	}
	if cfg.Storage.HomeRoot == "" {
		errs = append(errs, "storage.homeRoot is required")
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = cfg.Storage.DataRoot + "/vibe80.db"
	}

	if cfg.Auth.AccessTokenTTL <= 0 {
		errs = append(errs, "auth.accessTokenTtl must be positive")
	}
	if cfg.Auth.RefreshTokenTTL <= 0 {
		errs = append(errs, "auth.refreshTokenTtl must be positive")
	}
	if cfg.Auth.HandoffTokenTTL <= 0 || cfg.Auth.HandoffTokenTTL > 60 {
		errs = append(errs, "auth.handoffTokenTtl must be between 1 and 60 seconds")
	}
	if cfg.Auth.JWTKeyPath == "" {
		cfg.Auth.JWTKeyPath = cfg.Storage.DataRoot + "/jwt.key"
	}

	if cfg.Workspaces.UIDMin <= 0 || cfg.Workspaces.UIDMax < cfg.Workspaces.UIDMin {
		errs = append(errs, "workspaces.uidMin/uidMax must describe a non-empty positive range")
	}

	if cfg.Sessions.IdleTTL <= 0 || cfg.Sessions.MaxTTL <= 0 {
		errs = append(errs, "sessions.idleTtl and sessions.maxTtl must be positive")
	}
	if cfg.Sessions.GCInterval <= 0 {
		errs = append(errs, "sessions.gcInterval must be positive")
	}

	if cfg.Agent.WakeupTimeout <= 0 {
		errs = append(errs, "agent.wakeupTimeout must be positive")
	}
	if cfg.Agent.WakeupTimeoutMax < cfg.Agent.WakeupTimeout {
		errs = append(errs, "agent.wakeupTimeoutMax must be >= agent.wakeupTimeout")
	}
	if cfg.Agent.RPCLogSize <= 0 {
		errs = append(errs, "agent.rpcLogSize must be positive")
	}

	if cfg.Broadcast.QueueSize <= 0 {
		errs = append(errs, "broadcast.queueSize must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// MonoUser reports whether the instance runs in mono-user mode.
func (c *Config) MonoUser() bool {
	return c.Deployment.Mode == ModeMonoUser
}
