// Package daemon manages the gpugov daemon lifecycle and configuration.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tutu-network/gpugov/internal/app/idle"
	"github.com/tutu-network/gpugov/internal/domain"
	"github.com/tutu-network/gpugov/internal/infra/lambda"
)

// Config holds all daemon configuration.
type Config struct {
	Policy   PolicyConfig   `toml:"policy"`
	SSH      SSHConfig      `toml:"ssh"`
	Provider ProviderConfig `toml:"provider"`
	Schedule ScheduleConfig `toml:"schedule"`
	API      APIConfig      `toml:"api"`
	Logging  LoggingConfig  `toml:"logging"`
}

// PolicyConfig holds the reclamation and retention policy.
type PolicyConfig struct {
	IdleThreshold    string   `toml:"idle_threshold"`
	MinRuntime       string   `toml:"min_runtime"`
	Retention        string   `toml:"retention"`
	AllowlistMarkers []string `toml:"allowlist_markers"`
	// KeyLimitCents enables per-key budgets when positive.
	KeyLimitCents int64 `toml:"key_limit_cents"`
}

// SSHConfig controls the remote channel.
type SSHConfig struct {
	User           string `toml:"user"`
	KeysDir        string `toml:"keys_dir"`
	DefaultKey     string `toml:"default_key"`
	InitScript     string `toml:"init_script"`
	CommandTimeout string `toml:"command_timeout"`
	ConnectTimeout string `toml:"connect_timeout"`
	InitTimeout    string `toml:"init_timeout"`
	// ConfigPath is the ssh config that receives the managed Host block;
	// empty disables it.
	ConfigPath  string `toml:"ssh_config"`
	DiskSamples bool   `toml:"disk_samples"`
}

// ProviderConfig controls the cloud API client.
type ProviderConfig struct {
	BaseURL           string  `toml:"base_url"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Timeout           string  `toml:"timeout"`
	Retries           int     `toml:"retries"`
}

// ScheduleConfig sets the cadence of each check under `gpugov serve`.
type ScheduleConfig struct {
	Reconcile    string `toml:"reconcile"`
	Idle         string `toml:"idle"`
	Budget       string `toml:"budget"`
	Availability string `toml:"availability"`
}

// APIConfig controls the HTTP status server.
type APIConfig struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	Metrics bool   `toml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level     string `toml:"level"`
	File      string `toml:"file"`
	MaxSizeMB int    `toml:"max_size_mb"`
	MaxFiles  int    `toml:"max_files"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	homeDir := gpugovHome()
	userHome, _ := os.UserHomeDir()
	return Config{
		Policy: PolicyConfig{
			IdleThreshold:    "2h",
			MinRuntime:       "4h",
			Retention:        "24h",
			AllowlistMarkers: append([]string(nil), domain.DefaultAllowlistMarkers...),
		},
		SSH: SSHConfig{
			User:           "ubuntu",
			KeysDir:        filepath.Join(homeDir, "keys"),
			DefaultKey:     filepath.Join(userHome, ".ssh", "id_rsa"),
			CommandTimeout: "30s",
			ConnectTimeout: "10s",
			InitTimeout:    "300s",
			ConfigPath:     filepath.Join(userHome, ".ssh", "config"),
			DiskSamples:    true,
		},
		Provider: ProviderConfig{
			BaseURL:           lambda.DefaultBaseURL,
			RequestsPerSecond: 1,
			Timeout:           "30s",
			Retries:           2,
		},
		Schedule: ScheduleConfig{
			Reconcile:    "1m",
			Idle:         "5m",
			Budget:       "5m",
			Availability: "10m",
		},
		API: APIConfig{
			Host:    "127.0.0.1",
			Port:    9465,
			Metrics: true,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 50,
			MaxFiles:  5,
		},
	}
}

// LoadConfig reads config from $GPUGOV_HOME/config.toml, falling back to
// defaults.
func LoadConfig() (Config, error) {
	return LoadConfigFile(filepath.Join(gpugovHome(), "config.toml"))
}

// LoadConfigFile reads config from path, falling back to defaults when the
// file does not exist.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.SSH.KeysDir = expandHome(cfg.SSH.KeysDir)
	cfg.SSH.DefaultKey = expandHome(cfg.SSH.DefaultKey)
	cfg.SSH.InitScript = expandHome(cfg.SSH.InitScript)
	cfg.SSH.ConfigPath = expandHome(cfg.SSH.ConfigPath)
	cfg.Logging.File = expandHome(cfg.Logging.File)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// SaveConfig writes the config to $GPUGOV_HOME/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(gpugovHome(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	return encoder.Encode(cfg)
}

// ReconcileInterval is the only reconcile cadence the ledger and the idle
// coverage gate support: each pass charges one minute and records one
// sample per GPU.
const ReconcileInterval = time.Minute

// Validate rejects durations that do not parse and a reconcile cadence
// other than ReconcileInterval. "0" disables the ticker for cron use.
func (c Config) Validate() error {
	for name, v := range map[string]string{
		"policy.idle_threshold": c.Policy.IdleThreshold,
		"policy.min_runtime":    c.Policy.MinRuntime,
		"policy.retention":      c.Policy.Retention,
		"ssh.command_timeout":   c.SSH.CommandTimeout,
		"ssh.connect_timeout":   c.SSH.ConnectTimeout,
		"ssh.init_timeout":      c.SSH.InitTimeout,
		"provider.timeout":      c.Provider.Timeout,
		"schedule.reconcile":    c.Schedule.Reconcile,
		"schedule.idle":         c.Schedule.Idle,
		"schedule.budget":       c.Schedule.Budget,
		"schedule.availability": c.Schedule.Availability,
	} {
		if v == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err != nil || d < 0 {
			return fmt.Errorf("config %s: invalid duration %q", name, v)
		}
	}
	if d := parseDuration(c.Schedule.Reconcile, ReconcileInterval); d != 0 && d != ReconcileInterval {
		return fmt.Errorf("config schedule.reconcile: must be %s or 0, got %q", ReconcileInterval, c.Schedule.Reconcile)
	}
	return nil
}

// IdlePolicy converts the policy section.
func (c Config) IdlePolicy() idle.Policy {
	def := idle.DefaultPolicy()
	markers := c.Policy.AllowlistMarkers
	if markers == nil {
		markers = def.Markers
	}
	return idle.Policy{
		IdleThreshold: parseDuration(c.Policy.IdleThreshold, def.IdleThreshold),
		MinRuntime:    parseDuration(c.Policy.MinRuntime, def.MinRuntime),
		Markers:       markers,
	}
}

// LambdaOptions converts the provider section.
func (c Config) LambdaOptions() lambda.Options {
	def := lambda.DefaultOptions()
	return lambda.Options{
		BaseURL:           c.Provider.BaseURL,
		Timeout:           parseDuration(c.Provider.Timeout, def.Timeout),
		Retries:           c.Provider.Retries,
		RequestsPerSecond: c.Provider.RequestsPerSecond,
		CatalogTTL:        def.CatalogTTL,
	}
}

// gpugovHome returns the gpugov data directory.
func gpugovHome() string {
	if env := os.Getenv("GPUGOV_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".gpugov")
}

// Home is exported for use by other packages.
func Home() string {
	return gpugovHome()
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
