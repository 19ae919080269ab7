// Package config provides configuration management for backportd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for backportd.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Docker   DockerConfig   `mapstructure:"docker"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	GitHub   GitHubConfig   `mapstructure:"github"`
	Oracle   OracleConfig   `mapstructure:"oracle"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
	Backport BackportConfig `mapstructure:"backport"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds job store configuration. Driver selects the backing
// store: "memory" (no persistence), "sqlite", or "postgres".
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite database file
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
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client configuration for the sandbox provisioner.
type DockerConfig struct {
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
	Network    string `mapstructure:"network"`
}

// SandboxConfig holds sandbox provisioning configuration.
type SandboxConfig struct {
	// Image is the default container image; it must carry a git binary.
	Image string `mapstructure:"image"`
	// WorkspaceBasePath is the host directory under which per-sandbox
	// workspaces are created and bind-mounted into containers.
	WorkspaceBasePath string `mapstructure:"workspaceBasePath"`
	// TTL is the hard wall-clock budget for one sandbox, in seconds.
	TTL          int    `mapstructure:"ttl"`
	MemoryMB     int    `mapstructure:"memoryMb"`
	CPUQuota     int64  `mapstructure:"cpuQuota"`
	ProfilesPath string `mapstructure:"profilesPath"`
	// ReapInterval is how often expired sandboxes are swept, in seconds.
	ReapInterval int `mapstructure:"reapInterval"`
}

// GitHubConfig holds source-control host configuration.
type GitHubConfig struct {
	Token      string `mapstructure:"token"`
	APIBaseURL string `mapstructure:"apiBaseUrl"`
	CloneHost  string `mapstructure:"cloneHost"`
}

// OracleConfig holds reasoning oracle configuration.
type OracleConfig struct {
	APIKey string `mapstructure:"apiKey"`
	Model  string `mapstructure:"model"`
	// BaseURL overrides the OpenAI API endpoint (proxies, compatible servers).
	BaseURL string `mapstructure:"baseUrl"`
	Timeout int    `mapstructure:"timeout"` // per-call timeout, in seconds
	// MaxDiffBytes truncates diffs before prompting; oversized diffs are cut
	// at this boundary with a truncation notice.
	MaxDiffBytes int `mapstructure:"maxDiffBytes"`
}

// WorkflowConfig holds orchestrator configuration.
type WorkflowConfig struct {
	MaxConcurrentJobs int  `mapstructure:"maxConcurrentJobs"`
	ResumeOnStart     bool `mapstructure:"resumeOnStart"`
}

// BackportConfig holds backport execution policy.
type BackportConfig struct {
	BranchPrefix   string `mapstructure:"branchPrefix"`
	CommitterName  string `mapstructure:"committerName"`
	CommitterEmail string `mapstructure:"committerEmail"`
	// FetchDepth bounds the shallow history fetched for the target branch.
	FetchDepth int `mapstructure:"fetchDepth"`
	// AllowedPermissions is the permission allow-list for trigger requesters.
	AllowedPermissions []string `mapstructure:"allowedPermissions"`
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

// TTLDuration returns the sandbox wall-clock budget as a time.Duration.
func (s *SandboxConfig) TTLDuration() time.Duration {
	return time.Duration(s.TTL) * time.Second
}

// ReapIntervalDuration returns the reaper sweep interval as a time.Duration.
func (s *SandboxConfig) ReapIntervalDuration() time.Duration {
	return time.Duration(s.ReapInterval) * time.Second
}

// TimeoutDuration returns the oracle call timeout as a time.Duration.
func (o *OracleConfig) TimeoutDuration() time.Duration {
	return time.Duration(o.Timeout) * time.Second
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
	if env := os.Getenv("BACKPORTD_ENV"); env == "production" || env == "prod" {
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

	// Database defaults - sqlite keeps jobs across restarts without any setup
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "backportd.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "backportd")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "backportd")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "backportd")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.network", "bridge")

	// Sandbox defaults
	v.SetDefault("sandbox.image", "alpine/git:latest")
	v.SetDefault("sandbox.workspaceBasePath", "/var/lib/backportd/workspaces")
	v.SetDefault("sandbox.ttl", 900) // 15 minutes
	v.SetDefault("sandbox.memoryMb", 1024)
	v.SetDefault("sandbox.cpuQuota", 0) // 0 means unlimited
	v.SetDefault("sandbox.profilesPath", "")
	v.SetDefault("sandbox.reapInterval", 60)

	// GitHub defaults
	v.SetDefault("github.token", "")
	v.SetDefault("github.apiBaseUrl", "https://api.github.com")
	v.SetDefault("github.cloneHost", "github.com")

	// Oracle defaults
	v.SetDefault("oracle.apiKey", "")
	v.SetDefault("oracle.model", "gpt-4o")
	v.SetDefault("oracle.baseUrl", "")
	v.SetDefault("oracle.timeout", 120)
	v.SetDefault("oracle.maxDiffBytes", 65536)

	// Workflow defaults
	v.SetDefault("workflow.maxConcurrentJobs", 4)
	v.SetDefault("workflow.resumeOnStart", true)

	// Backport defaults
	v.SetDefault("backport.branchPrefix", "backport")
	v.SetDefault("backport.committerName", "backportd")
	v.SetDefault("backport.committerEmail", "backportd@users.noreply.github.com")
	v.SetDefault("backport.fetchDepth", 50)
	v.SetDefault("backport.allowedPermissions", []string{"admin", "write", "maintain"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix BACKPORTD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/backportd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("BACKPORTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key
	// naming. The token and API key also accept their conventional names.
	_ = v.BindEnv("github.token", "BACKPORTD_GITHUB_TOKEN", "GITHUB_TOKEN")
	_ = v.BindEnv("github.apiBaseUrl", "BACKPORTD_GITHUB_API_BASE_URL")
	_ = v.BindEnv("oracle.apiKey", "BACKPORTD_ORACLE_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("oracle.baseUrl", "BACKPORTD_ORACLE_BASE_URL")
	_ = v.BindEnv("database.path", "BACKPORTD_DB_PATH", "BACKPORTD_DATABASE_PATH")
	_ = v.BindEnv("sandbox.workspaceBasePath", "BACKPORTD_SANDBOX_WORKSPACE_BASE_PATH")
	_ = v.BindEnv("workflow.maxConcurrentJobs", "BACKPORTD_WORKFLOW_MAX_CONCURRENT_JOBS")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/backportd/")

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
	case "memory":
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for the postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the postgres driver")
		}
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
	default:
		errs = append(errs, "database.driver must be one of: memory, sqlite, postgres")
	}

	// Sandbox validation
	if cfg.Sandbox.TTL <= 0 {
		errs = append(errs, "sandbox.ttl must be positive")
	}
	if cfg.Sandbox.MemoryMB <= 0 {
		errs = append(errs, "sandbox.memoryMb must be positive")
	}
	if cfg.Sandbox.Image == "" {
		errs = append(errs, "sandbox.image is required")
	}

	// GitHub/NATS/Docker validation - optional, degrade gracefully at call time

	// Oracle validation
	if cfg.Oracle.Timeout <= 0 {
		errs = append(errs, "oracle.timeout must be positive")
	}
	if cfg.Oracle.Model == "" {
		errs = append(errs, "oracle.model is required")
	}

	// Workflow validation
	if cfg.Workflow.MaxConcurrentJobs <= 0 {
		errs = append(errs, "workflow.maxConcurrentJobs must be positive")
	}

	// Backport validation
	if cfg.Backport.BranchPrefix == "" {
		errs = append(errs, "backport.branchPrefix is required")
	}
	if len(cfg.Backport.AllowedPermissions) == 0 {
		errs = append(errs, "backport.allowedPermissions must not be empty")
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
