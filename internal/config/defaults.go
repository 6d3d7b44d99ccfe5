package config

import "time"

// DefaultBaseURLPattern is expanded with the account name when api.base_url is empty.
const DefaultBaseURLPattern = "https://%s.lacework.net"

// DefaultConfig returns configuration with sensible defaults.
// These defaults are used when no config file exists or when
// config file is missing specific fields.
func DefaultConfig() *Config {
	week := Duration(7 * 24 * time.Hour)
	return &Config{
		API: APIConfig{
			Timeout: Duration(60 * time.Second),
		},
		Fetch: FetchConfig{
			Concurrency:       4,
			RequestsPerSecond: 8,
			MaxAttempts:       4,
			RateLimitRetries:  5,
			InitialBackoff:    Duration(time.Second),
			MaxBackoff:        Duration(30 * time.Second),
			MaxWindow: map[string]Duration{
				"Alerts":                        week,
				"AuditLogs":                     week,
				"CloudActivities":               week,
				"Configs/ComplianceEvaluations": week,
				"Vulnerabilities/Hosts":         week,
				"Vulnerabilities/Containers":    week,
				"Entities/Machines":             week,
			},
		},
		Storage: StorageConfig{
			Backend:   "sqlite",
			BatchSize: 500,
		},
		Output: OutputConfig{
			Formats: []string{"csv", "json"},
		},
		Pipeline: PipelineConfig{
			ParallelReports: 2,
			Timeout:         Duration(30 * time.Minute),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8484",
		},
	}
}

// Merge merges loaded config with defaults.
// Values from loaded config take precedence over defaults.
// Returns a new Config with merged values.
func Merge(loaded, defaults *Config) *Config {
	result := &Config{}

	result.API = mergeAPIConfig(loaded.API, defaults.API)
	result.Fetch = mergeFetchConfig(loaded.Fetch, defaults.Fetch)
	result.Storage = mergeStorageConfig(loaded.Storage, defaults.Storage)
	result.Output = mergeOutputConfig(loaded.Output, defaults.Output)

	result.Pipeline.ParallelReports = orInt(loaded.Pipeline.ParallelReports, defaults.Pipeline.ParallelReports)
	result.Pipeline.Timeout = orDuration(loaded.Pipeline.Timeout, defaults.Pipeline.Timeout)

	result.Logging.Level = orString(loaded.Logging.Level, defaults.Logging.Level)
	result.Logging.Format = orString(loaded.Logging.Format, defaults.Logging.Format)

	// Telemetry has no defaults; empty endpoint disables export
	result.Telemetry = loaded.Telemetry

	result.Server.Addr = orString(loaded.Server.Addr, defaults.Server.Addr)

	return result
}

func mergeAPIConfig(loaded, defaults APIConfig) APIConfig {
	result := loaded
	result.Timeout = orDuration(loaded.Timeout, defaults.Timeout)
	result.BaseURL = orString(loaded.BaseURL, defaults.BaseURL)
	return result
}

func mergeFetchConfig(loaded, defaults FetchConfig) FetchConfig {
	result := FetchConfig{}

	result.Concurrency = orInt(loaded.Concurrency, defaults.Concurrency)
	result.MaxAttempts = orInt(loaded.MaxAttempts, defaults.MaxAttempts)
	result.RateLimitRetries = orInt(loaded.RateLimitRetries, defaults.RateLimitRetries)
	result.InitialBackoff = orDuration(loaded.InitialBackoff, defaults.InitialBackoff)
	result.MaxBackoff = orDuration(loaded.MaxBackoff, defaults.MaxBackoff)

	if loaded.RequestsPerSecond != 0 {
		result.RequestsPerSecond = loaded.RequestsPerSecond
	} else {
		result.RequestsPerSecond = defaults.RequestsPerSecond
	}

	// Per-object windows: defaults first, loaded entries win
	result.MaxWindow = make(map[string]Duration, len(defaults.MaxWindow)+len(loaded.MaxWindow))
	for k, v := range defaults.MaxWindow {
		result.MaxWindow[k] = v
	}
	for k, v := range loaded.MaxWindow {
		result.MaxWindow[k] = v
	}

	return result
}

func mergeStorageConfig(loaded, defaults StorageConfig) StorageConfig {
	result := StorageConfig{}

	result.Backend = orString(loaded.Backend, defaults.Backend)
	result.Path = orString(loaded.Path, defaults.Path)
	result.BatchSize = orInt(loaded.BatchSize, defaults.BatchSize)

	// Commit is opt-in, zero value means off
	result.Commit = loaded.Commit

	return result
}

func mergeOutputConfig(loaded, defaults OutputConfig) OutputConfig {
	result := OutputConfig{}

	result.Dir = orString(loaded.Dir, defaults.Dir)

	if len(loaded.Formats) > 0 {
		result.Formats = loaded.Formats
	} else {
		result.Formats = defaults.Formats
	}

	return result
}

func orString(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func orInt(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}

func orDuration(v, def Duration) Duration {
	if v != 0 {
		return v
	}
	return def
}

// ValidBackends lists the supported storage backends
var ValidBackends = []string{"sqlite", "dolt"}

// IsValidBackend checks if the given backend name is supported
func IsValidBackend(backend string) bool {
	for _, valid := range ValidBackends {
		if backend == valid {
			return true
		}
	}
	return false
}

// ValidFormats lists the table formats the renderer can write
var ValidFormats = []string{"csv", "json", "yaml", "markdown", "html"}

// IsValidFormat checks if the given table format is supported
func IsValidFormat(format string) bool {
	for _, valid := range ValidFormats {
		if format == valid {
			return true
		}
	}
	return false
}
