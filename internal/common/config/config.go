// Package config provides configuration management for Dockhand.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Dockhand.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Workspace   WorkspaceConfig   `mapstructure:"workspace"`
	Agent       AgentConfig       `mapstructure:"agent"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver selects the backend: "sqlite3" (default) or "pgx".
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EngineConfig holds container engine configuration.
type EngineConfig struct {
	// Provider selects the engine adapter: "cli" drives the engine binary
	// as a child process, "dockerd" uses the Docker API client.
	Provider string `mapstructure:"provider"`

	// Binary is the engine CLI to invoke for the cli provider (podman or docker).
	Binary string `mapstructure:"binary"`

	// Namespace prefixes every container and volume name managed here.
	Namespace string `mapstructure:"namespace"`

	// Sudo runs the engine binary through sudo. CONTAINER_HOST is
	// preserved across the sudo boundary when set.
	Sudo bool `mapstructure:"sudo"`

	// DisablePull skips image pulls entirely (air-gapped hosts).
	DisablePull bool `mapstructure:"disablePull"`

	// PullIntervalMinutes is the minimum gap between pulls of the same image.
	PullIntervalMinutes int `mapstructure:"pullIntervalMinutes"`

	// Host and APIVersion configure the dockerd provider.
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`

	// DefaultNetwork is attached to session containers when set.
	DefaultNetwork string `mapstructure:"defaultNetwork"`
}

// WorkspaceConfig holds git workspace provisioning configuration.
type WorkspaceConfig struct {
	// CacheVolume is the shared volume holding bare mirrors of every
	// repository cloned so far.
	CacheVolume string `mapstructure:"cacheVolume"`

	// UseReferenceClones clones against the cache mirror with --reference
	// --dissociate instead of a plain clone.
	UseReferenceClones bool `mapstructure:"useReferenceClones"`

	// BranchPrefix is prepended to the per-session working branch.
	BranchPrefix string `mapstructure:"branchPrefix"`

	// GitToken is injected into clone URLs and stripped from the remote
	// after cloning. Never logged.
	GitToken string `mapstructure:"gitToken"`

	// WorkerImage runs the clone and mirror steps.
	WorkerImage string `mapstructure:"workerImage"`
}

// AgentConfig holds agent runtime configuration.
type AgentConfig struct {
	// Image is the default session container image.
	Image string `mapstructure:"image"`

	// WorkDir is the working directory for agent invocations inside the
	// container.
	WorkDir string `mapstructure:"workDir"`

	// Binary is the agent executable inside the container. Also used as
	// the process discovery pattern.
	Binary string `mapstructure:"binary"`

	// Model overrides the agent's default model when set.
	Model string `mapstructure:"model"`
}

// CredentialsConfig holds agent credential propagation configuration.
type CredentialsConfig struct {
	// Enabled starts the host credential watcher.
	Enabled bool `mapstructure:"enabled"`

	// HostDir is the watched directory. Defaults to ~/.claude.
	HostDir string `mapstructure:"hostDir"`

	// AgentUser owns the copied files inside session containers.
	AgentUser string `mapstructure:"agentUser"`
}

// AuthConfig holds API authentication configuration.
// Authentication is disabled by default for local single-user use.
type AuthConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Secret is the shared login secret. A throwaway value is generated
	// in dev mode when unset.
	Secret string `mapstructure:"secret"`

	// IdleTimeout is how long a token survives without activity, in seconds.
	IdleTimeout int `mapstructure:"idleTimeout"`

	// RotationInterval is how often an active token is replaced, in seconds.
	RotationInterval int `mapstructure:"rotationInterval"`

	// ActivityThrottle is the minimum gap between last-activity writes
	// for the same session, in seconds.
	ActivityThrottle int `mapstructure:"activityThrottle"`

	// MaxLifetime caps a session's absolute age in seconds, regardless of
	// activity. Zero disables the cap.
	MaxLifetime int `mapstructure:"maxLifetime"`
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

// PullInterval returns the per-image pull rate limit as a time.Duration.
func (e *EngineConfig) PullInterval() time.Duration {
	return time.Duration(e.PullIntervalMinutes) * time.Minute
}

// IdleTimeoutDuration returns the idle timeout as a time.Duration.
func (a *AuthConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(a.IdleTimeout) * time.Second
}

// RotationIntervalDuration returns the rotation interval as a time.Duration.
func (a *AuthConfig) RotationIntervalDuration() time.Duration {
	return time.Duration(a.RotationInterval) * time.Second
}

// ActivityThrottleDuration returns the activity throttle as a time.Duration.
func (a *AuthConfig) ActivityThrottleDuration() time.Duration {
	return time.Duration(a.ActivityThrottle) * time.Second
}

// MaxLifetimeDuration returns the absolute session lifetime as a
// time.Duration, zero when the cap is disabled.
func (a *AuthConfig) MaxLifetimeDuration() time.Duration {
	return time.Duration(a.MaxLifetime) * time.Second
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
	if env := os.Getenv("DOCKHAND_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "dockhand.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "dockhand")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "dockhand")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "dockhand")
	v.SetDefault("nats.maxReconnects", 10)

	// Engine defaults
	v.SetDefault("engine.provider", "cli")
	v.SetDefault("engine.binary", "podman")
	v.SetDefault("engine.namespace", "dockhand")
	v.SetDefault("engine.sudo", false)
	v.SetDefault("engine.disablePull", false)
	v.SetDefault("engine.pullIntervalMinutes", 5)
	v.SetDefault("engine.host", "unix:///var/run/docker.sock")
	v.SetDefault("engine.apiVersion", "1.41")
	v.SetDefault("engine.defaultNetwork", "")

	// Workspace defaults
	v.SetDefault("workspace.cacheVolume", "dockhand-git-cache")
	v.SetDefault("workspace.useReferenceClones", true)
	v.SetDefault("workspace.branchPrefix", "dockhand/session-")
	v.SetDefault("workspace.gitToken", "")
	v.SetDefault("workspace.workerImage", "alpine/git:latest")

	// Agent defaults
	v.SetDefault("agent.image", "dockhand/agent:latest")
	v.SetDefault("agent.workDir", "/workspace")
	v.SetDefault("agent.binary", "/usr/bin/claude")
	v.SetDefault("agent.model", "")

	// Credentials defaults
	v.SetDefault("credentials.enabled", true)
	v.SetDefault("credentials.hostDir", "")
	v.SetDefault("credentials.agentUser", "agent")

	// Auth defaults
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.idleTimeout", 30*24*3600)   // 30 days
	v.SetDefault("auth.rotationInterval", 24*3600) // 24 hours
	v.SetDefault("auth.activityThrottle", 300)     // 5 minutes
	v.SetDefault("auth.maxLifetime", 90*24*3600)   // 90 days

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix DOCKHAND_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/dockhand/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("DOCKHAND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("engine.disablePull", "DOCKHAND_ENGINE_DISABLE_PULL")
	_ = v.BindEnv("engine.pullIntervalMinutes", "DOCKHAND_ENGINE_PULL_INTERVAL_MINUTES")
	_ = v.BindEnv("workspace.gitToken", "DOCKHAND_WORKSPACE_GIT_TOKEN", "GIT_TOKEN")
	_ = v.BindEnv("workspace.cacheVolume", "DOCKHAND_WORKSPACE_CACHE_VOLUME")
	_ = v.BindEnv("credentials.hostDir", "DOCKHAND_CREDENTIALS_HOST_DIR")
	_ = v.BindEnv("credentials.agentUser", "DOCKHAND_CREDENTIALS_AGENT_USER")
	_ = v.BindEnv("auth.idleTimeout", "DOCKHAND_AUTH_IDLE_TIMEOUT")
	_ = v.BindEnv("auth.rotationInterval", "DOCKHAND_AUTH_ROTATION_INTERVAL")
	_ = v.BindEnv("auth.activityThrottle", "DOCKHAND_AUTH_ACTIVITY_THROTTLE")
	_ = v.BindEnv("auth.maxLifetime", "DOCKHAND_AUTH_MAX_LIFETIME")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/dockhand/")

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
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation
	switch cfg.Database.Driver {
	case "sqlite3":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite3 driver")
		}
	case "pgx":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the pgx driver")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the pgx driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the pgx driver")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite3, pgx")
	}

	// Engine validation
	switch cfg.Engine.Provider {
	case "cli", "dockerd":
	default:
		errs = append(errs, "engine.provider must be one of: cli, dockerd")
	}
	if cfg.Engine.Namespace == "" {
		errs = append(errs, "engine.namespace must not be empty")
	}
	if cfg.Engine.PullIntervalMinutes <= 0 {
		errs = append(errs, "engine.pullIntervalMinutes must be positive")
	}

	// Auth validation - generate a throwaway secret when auth is enabled
	// without one (dev mode).
	if cfg.Auth.Enabled && cfg.Auth.Secret == "" {
		cfg.Auth.Secret = generateDevSecret()
	}
	if cfg.Auth.IdleTimeout <= 0 {
		errs = append(errs, "auth.idleTimeout must be positive")
	}
	if cfg.Auth.RotationInterval <= 0 {
		errs = append(errs, "auth.rotationInterval must be positive")
	}
	if cfg.Auth.ActivityThrottle < 0 {
		errs = append(errs, "auth.activityThrottle must not be negative")
	}
	if cfg.Auth.MaxLifetime < 0 {
		errs = append(errs, "auth.maxLifetime must not be negative")
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

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// generateDevSecret generates a random secret for development mode.
func generateDevSecret() string {
	// In production, users should set DOCKHAND_AUTH_SECRET
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
