package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/basket/flightrec/internal/otel"
)

type BusConfig struct {
	// SocketPath defaults to <state_dir>/run/eventbus.sock.
	SocketPath           string `yaml:"socket_path"`
	ConnectTimeoutMS     int    `yaml:"connect_timeout_ms"`
	Reconnect            bool   `yaml:"reconnect"`
	ReconnectDelayMS     int    `yaml:"reconnect_delay_ms"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
	QueueSize            int    `yaml:"queue_size"`
	DedupSize            int    `yaml:"dedup_size"`
}

type GitConfig struct {
	AuthorName  string `yaml:"author_name"`
	AuthorEmail string `yaml:"author_email"`
	LockRetries int    `yaml:"lock_retries"`
	AllowEmpty  bool   `yaml:"allow_empty"`
}

type MaintenanceConfig struct {
	Enabled bool `yaml:"enabled"`
	// Schedule is a 5-field cron expression for WAL checkpoint and
	// integrity check runs.
	Schedule string `yaml:"schedule"`
	// BackupSchedule, when set, also takes a VACUUM INTO backup under
	// <state_dir>/backups.
	BackupSchedule string `yaml:"backup_schedule"`
	BackupKeep     int    `yaml:"backup_keep"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	WorkspaceDir string `yaml:"workspace_dir"`
	// StateDir holds state.sqlite and the run/ socket directory. Defaults to
	// <workspace_dir>/.devs.
	StateDir string `yaml:"state_dir"`
	LogLevel string `yaml:"log_level"`

	Bus         BusConfig         `yaml:"bus"`
	Git         GitConfig         `yaml:"git"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	OTel        otel.Config       `yaml:"otel"`
}

// envOverrides are applied after config.yaml. Unset variables leave the
// file value alone.
type envOverrides struct {
	WorkspaceDir   string `env:"FLIGHTREC_WORKSPACE"`
	StateDir       string `env:"FLIGHTREC_STATE_DIR"`
	LogLevel       string `env:"FLIGHTREC_LOG_LEVEL"`
	SocketPath     string `env:"FLIGHTREC_SOCKET"`
	GitAuthorName  string `env:"FLIGHTREC_GIT_AUTHOR_NAME"`
	GitAuthorEmail string `env:"FLIGHTREC_GIT_AUTHOR_EMAIL"`
	OTelEnabled    *bool  `env:"FLIGHTREC_OTEL_ENABLED"`
	OTelExporter   string `env:"FLIGHTREC_OTEL_EXPORTER"`
	OTelEndpoint   string `env:"FLIGHTREC_OTEL_ENDPOINT"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// StatePath is the state file inside StateDir.
func (c Config) StatePath() string {
	return filepath.Join(c.StateDir, "state.sqlite")
}

func (c Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Bus.ConnectTimeoutMS) * time.Millisecond
}

func (c Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Bus.ReconnectDelayMS) * time.Millisecond
}

// Fingerprint returns a stable hash of the settings that matter at runtime.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "workspace=%s|state=%s|log=%s|socket=%s|git=%s<%s>|maint=%t:%s",
		c.WorkspaceDir, c.StateDir, c.LogLevel, c.Bus.SocketPath,
		c.Git.AuthorName, c.Git.AuthorEmail, c.Maintenance.Enabled, c.Maintenance.Schedule)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		WorkspaceDir: ".",
		LogLevel:     "info",
		Bus: BusConfig{
			ConnectTimeoutMS:     5000,
			ReconnectDelayMS:     1000,
			MaxReconnectAttempts: 10,
			QueueSize:            256,
			DedupSize:            1024,
		},
		Git: GitConfig{
			AuthorName:  "devs-agent",
			AuthorEmail: "devs@local",
			LockRetries: 3,
		},
		Maintenance: MaintenanceConfig{
			Schedule:   "*/15 * * * *",
			BackupKeep: 5,
		},
		OTel: otel.Config{Exporter: "none"},
	}
}

// HomeDir is FLIGHTREC_HOME, else ~/.flightrec.
func HomeDir() string {
	if override := os.Getenv("FLIGHTREC_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".flightrec")
}

// Load reads the configuration from HomeDir.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom applies defaults, then <homeDir>/config.yaml, then environment
// overrides, then normalizes. A missing config.yaml is not an error.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o700); err != nil {
		return cfg, fmt.Errorf("create flightrec home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	if err := normalize(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.WorkspaceDir, o.WorkspaceDir)
	set(&cfg.StateDir, o.StateDir)
	set(&cfg.LogLevel, o.LogLevel)
	set(&cfg.Bus.SocketPath, o.SocketPath)
	set(&cfg.Git.AuthorName, o.GitAuthorName)
	set(&cfg.Git.AuthorEmail, o.GitAuthorEmail)
	set(&cfg.OTel.Exporter, o.OTelExporter)
	set(&cfg.OTel.Endpoint, o.OTelEndpoint)
	if o.OTelEnabled != nil {
		cfg.OTel.Enabled = *o.OTelEnabled
	}
	return nil
}

func normalize(cfg *Config) error {
	d := defaultConfig()
	if strings.TrimSpace(cfg.WorkspaceDir) == "" {
		cfg.WorkspaceDir = d.WorkspaceDir
	}
	ws, err := filepath.Abs(cfg.WorkspaceDir)
	if err != nil {
		return fmt.Errorf("resolve workspace_dir: %w", err)
	}
	cfg.WorkspaceDir = ws

	if strings.TrimSpace(cfg.StateDir) == "" {
		cfg.StateDir = filepath.Join(cfg.WorkspaceDir, ".devs")
	} else if !filepath.IsAbs(cfg.StateDir) {
		cfg.StateDir = filepath.Join(cfg.WorkspaceDir, cfg.StateDir)
	}
	if cfg.Bus.SocketPath == "" {
		cfg.Bus.SocketPath = filepath.Join(cfg.StateDir, "run", "eventbus.sock")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.LogLevel)) {
	case "debug", "info", "warn", "warning", "error":
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	case "":
		cfg.LogLevel = d.LogLevel
	default:
		return fmt.Errorf("invalid log_level %q", cfg.LogLevel)
	}

	if cfg.Bus.ConnectTimeoutMS <= 0 {
		cfg.Bus.ConnectTimeoutMS = d.Bus.ConnectTimeoutMS
	}
	if cfg.Bus.ReconnectDelayMS <= 0 {
		cfg.Bus.ReconnectDelayMS = d.Bus.ReconnectDelayMS
	}
	if cfg.Bus.MaxReconnectAttempts <= 0 {
		cfg.Bus.MaxReconnectAttempts = d.Bus.MaxReconnectAttempts
	}
	if cfg.Bus.QueueSize <= 0 {
		cfg.Bus.QueueSize = d.Bus.QueueSize
	}
	if cfg.Bus.DedupSize <= 0 {
		cfg.Bus.DedupSize = d.Bus.DedupSize
	}
	if cfg.Git.LockRetries <= 0 {
		cfg.Git.LockRetries = d.Git.LockRetries
	}
	if cfg.Maintenance.Schedule == "" {
		cfg.Maintenance.Schedule = d.Maintenance.Schedule
	}
	if cfg.Maintenance.BackupKeep <= 0 {
		cfg.Maintenance.BackupKeep = d.Maintenance.BackupKeep
	}
	return nil
}
