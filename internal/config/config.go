package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the name of the lwreport configuration file
const ConfigFileName = "config.yaml"

// ConfigDirName is the name of the lwreport project directory
const ConfigDirName = ".lwreport"

// Config holds all lwreport configuration
type Config struct {
	API       APIConfig       `yaml:"api"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Storage   StorageConfig   `yaml:"storage"`
	Output    OutputConfig    `yaml:"output"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Server    ServerConfig    `yaml:"server"`
}

// APIConfig holds the platform credentials. Secret is never written by Save.
type APIConfig struct {
	Account    string   `yaml:"account"`
	SubAccount string   `yaml:"subaccount,omitempty"`
	KeyID      string   `yaml:"key_id"`
	Secret     string   `yaml:"secret,omitempty"`
	BaseURL    string   `yaml:"base_url,omitempty"`
	Timeout    Duration `yaml:"timeout"`

	// AllSubAccounts runs every report once per organization sub-account.
	AllSubAccounts bool `yaml:"all_subaccounts,omitempty"`
}

// FetchConfig controls pagination, pacing and retry of API pulls.
type FetchConfig struct {
	Concurrency       int                 `yaml:"concurrency"`
	RequestsPerSecond float64             `yaml:"requests_per_second"`
	MaxAttempts       int                 `yaml:"max_attempts"`
	RateLimitRetries  int                 `yaml:"rate_limit_retries"`
	InitialBackoff    Duration            `yaml:"initial_backoff"`
	MaxBackoff        Duration            `yaml:"max_backoff"`
	MaxWindow         map[string]Duration `yaml:"max_window,omitempty"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Backend   string `yaml:"backend"` // sqlite or dolt
	Path      string `yaml:"path"`
	BatchSize int    `yaml:"batch_size"`
	Commit    bool   `yaml:"commit"` // dolt only: commit after each run
}

// OutputConfig holds configuration for rendered artifacts
type OutputConfig struct {
	Dir     string   `yaml:"dir"`
	Formats []string `yaml:"formats"`
}

// PipelineConfig bounds a multi-report run.
type PipelineConfig struct {
	ParallelReports int      `yaml:"parallel_reports"`
	Timeout         Duration `yaml:"timeout"`
}

// LoggingConfig holds slog settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// TelemetryConfig holds tracing and metrics settings
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
	Insecure     bool   `yaml:"insecure,omitempty"`
	MetricsAddr  string `yaml:"metrics_addr,omitempty"`
}

// ServerConfig holds the HTTP API settings
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Duration is a time.Duration that reads and writes as "30s" in YAML.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// ErrConfigNotFound is returned when no config file can be found
var ErrConfigNotFound = errors.New("config file not found")

// ErrInvalidConfig is returned when config validation fails
var ErrInvalidConfig = errors.New("invalid configuration")

// Load reads config from .lwreport/config.yaml, falling back to defaults.
// It searches for the project directory starting from workDir and walking up
// the directory tree. Environment overrides are applied last.
func Load(workDir string) (*Config, error) {
	configDir, err := FindConfigDir(workDir)
	if err != nil {
		cfg := DefaultConfig()
		ApplyEnv(cfg, os.Getenv)
		return cfg, Validate(cfg)
	}

	return LoadFromPath(filepath.Join(configDir, ConfigFileName))
}

// LoadFromPath reads config from a specific path.
// Merges loaded config with defaults, applies the environment and validates the result.
func LoadFromPath(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := DefaultConfig()
			ApplyEnv(cfg, os.Getenv)
			return cfg, Validate(cfg)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	loaded := &Config{}
	if err := yaml.Unmarshal(data, loaded); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	merged := Merge(loaded, DefaultConfig())
	ApplyEnv(merged, os.Getenv)

	if err := Validate(merged); err != nil {
		return nil, err
	}

	return merged, nil
}

// ApplyEnv overlays LW_* and LWREPORT_* variables onto cfg.
// getenv is usually os.Getenv.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&cfg.API.Account, "LW_ACCOUNT")
	set(&cfg.API.SubAccount, "LW_SUBACCOUNT")
	set(&cfg.API.KeyID, "LW_API_KEY")
	set(&cfg.API.Secret, "LW_API_SECRET")
	set(&cfg.API.BaseURL, "LW_BASE_URL")
	set(&cfg.Storage.Backend, "LWREPORT_STORE")
	set(&cfg.Storage.Path, "LWREPORT_STORE_PATH")
	set(&cfg.Logging.Level, "LWREPORT_LOG_LEVEL")
	set(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// FindConfigDir locates the .lwreport directory by walking up from startDir.
func FindConfigDir(startDir string) (string, error) {
	absDir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}

	currentDir := absDir
	for {
		configDir := filepath.Join(currentDir, ConfigDirName)
		info, err := os.Stat(configDir)
		if err == nil && info.IsDir() {
			return configDir, nil
		}

		parentDir := filepath.Dir(currentDir)
		if parentDir == currentDir {
			return "", ErrConfigNotFound
		}
		currentDir = parentDir
	}
}

// EnsureConfigDir creates the .lwreport directory if it doesn't exist.
// Returns the path to the .lwreport directory.
func EnsureConfigDir(workDir string) (string, error) {
	absDir, err := filepath.Abs(workDir)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}

	configDir := filepath.Join(absDir, ConfigDirName)

	info, err := os.Stat(configDir)
	if err == nil {
		if info.IsDir() {
			return configDir, nil
		}
		return "", fmt.Errorf("%s exists but is not a directory", configDir)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}

	return configDir, nil
}

// Validate checks that config values are valid.
func Validate(cfg *Config) error {
	if !IsValidBackend(cfg.Storage.Backend) {
		return fmt.Errorf("%w: storage.backend must be one of %v, got %q",
			ErrInvalidConfig, ValidBackends, cfg.Storage.Backend)
	}

	if cfg.Storage.BatchSize <= 0 {
		return fmt.Errorf("%w: storage.batch_size must be positive, got %d",
			ErrInvalidConfig, cfg.Storage.BatchSize)
	}

	if cfg.Fetch.Concurrency <= 0 {
		return fmt.Errorf("%w: fetch.concurrency must be positive, got %d",
			ErrInvalidConfig, cfg.Fetch.Concurrency)
	}

	if cfg.Fetch.RequestsPerSecond < 0 {
		return fmt.Errorf("%w: fetch.requests_per_second must be non-negative, got %f",
			ErrInvalidConfig, cfg.Fetch.RequestsPerSecond)
	}

	if cfg.Fetch.MaxAttempts <= 0 {
		return fmt.Errorf("%w: fetch.max_attempts must be positive, got %d",
			ErrInvalidConfig, cfg.Fetch.MaxAttempts)
	}

	if cfg.Fetch.RateLimitRetries < 0 {
		return fmt.Errorf("%w: fetch.rate_limit_retries must be non-negative, got %d",
			ErrInvalidConfig, cfg.Fetch.RateLimitRetries)
	}

	if cfg.Fetch.MaxBackoff < cfg.Fetch.InitialBackoff {
		return fmt.Errorf("%w: fetch.max_backoff (%s) is below fetch.initial_backoff (%s)",
			ErrInvalidConfig, cfg.Fetch.MaxBackoff.Std(), cfg.Fetch.InitialBackoff.Std())
	}

	for objectType, window := range cfg.Fetch.MaxWindow {
		if window < 0 {
			return fmt.Errorf("%w: fetch.max_window[%s] must be non-negative",
				ErrInvalidConfig, objectType)
		}
	}

	for _, f := range cfg.Output.Formats {
		if !IsValidFormat(f) {
			return fmt.Errorf("%w: output.formats entry %q is not one of %v",
				ErrInvalidConfig, f, ValidFormats)
		}
	}

	if cfg.Pipeline.ParallelReports <= 0 {
		return fmt.Errorf("%w: pipeline.parallel_reports must be positive, got %d",
			ErrInvalidConfig, cfg.Pipeline.ParallelReports)
	}

	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("%w: logging.format must be text or json, got %q",
			ErrInvalidConfig, cfg.Logging.Format)
	}

	return nil
}

// RequireCredentials reports whether the API section is complete enough to
// contact the platform.
func (c *Config) RequireCredentials() error {
	switch {
	case c.API.Account == "":
		return fmt.Errorf("%w: api.account (or LW_ACCOUNT) is required", ErrInvalidConfig)
	case c.API.KeyID == "":
		return fmt.Errorf("%w: api.key_id (or LW_API_KEY) is required", ErrInvalidConfig)
	case c.API.Secret == "":
		return fmt.Errorf("%w: api.secret (or LW_API_SECRET) is required", ErrInvalidConfig)
	}
	return nil
}

// SaveDefault writes the default configuration to .lwreport/config.yaml in workDir.
// Creates the .lwreport directory if it doesn't exist.
func SaveDefault(workDir string) (string, error) {
	configDir, err := EnsureConfigDir(workDir)
	if err != nil {
		return "", err
	}

	configPath := filepath.Join(configDir, ConfigFileName)

	if _, err := os.Stat(configPath); err == nil {
		return "", fmt.Errorf("config file already exists: %s", configPath)
	}

	cfg := DefaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshaling config: %w", err)
	}

	header := "# lwreport configuration\n# Credentials may also come from LW_ACCOUNT, LW_API_KEY and LW_API_SECRET.\n\n"
	data = append([]byte(header), data...)

	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}

	return configPath, nil
}

// BaseURL returns the API root, derived from the account when not set.
func (c *Config) BaseURL() string {
	if c.API.BaseURL != "" {
		return strings.TrimRight(c.API.BaseURL, "/")
	}
	account := strings.TrimSuffix(c.API.Account, ".lacework.net")
	return fmt.Sprintf(DefaultBaseURLPattern, account)
}

// StorePath resolves the store location relative to the project directory.
func (c *Config) StorePath(projectDir string) string {
	if c.Storage.Path != "" {
		if filepath.IsAbs(c.Storage.Path) {
			return c.Storage.Path
		}
		return filepath.Join(projectDir, c.Storage.Path)
	}
	if c.Storage.Backend == "dolt" {
		return filepath.Join(projectDir, "dolt")
	}
	return filepath.Join(projectDir, "lwreport.db")
}

// OutputDir resolves the artifact directory relative to the project directory.
func (c *Config) OutputDir(projectDir string) string {
	if c.Output.Dir != "" {
		if filepath.IsAbs(c.Output.Dir) {
			return c.Output.Dir
		}
		return filepath.Join(projectDir, c.Output.Dir)
	}
	return filepath.Join(projectDir, "artifacts")
}

// WindowFor returns the maximum query window for an object type, 0 if unbounded.
func (c *Config) WindowFor(objectType string) time.Duration {
	return c.Fetch.MaxWindow[objectType].Std()
}
