package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Limiter is read once at startup; changes on reload are reported but
	// only take effect after a restart.
	Limiter LimiterConfig `json:"limiter"`

	Fetch   FetchConfig    `json:"fetch"`
	Batch   BatchConfig    `json:"batch"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Metrics MetricsConfig  `json:"metrics,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LimiterConfig controls admission into the shared task limiter.
//
// Zero values fall back to defaults:
//   - max_concurrent: 5
//   - requests_per_minute: 30
//   - requests_per_hour: 1000
//   - priority_weights: {"high": 5, "medium": 3, "low": 2}
//   - retry_delay: "1s"
type LimiterConfig struct {
	MaxConcurrent     int                `json:"max_concurrent,omitempty"`
	RequestsPerMinute int                `json:"requests_per_minute,omitempty"`
	RequestsPerHour   int                `json:"requests_per_hour,omitempty"`
	PriorityWeights   map[string]float64 `json:"priority_weights,omitempty"`
	RetryDelay        string             `json:"retry_delay,omitempty"`
}

// FetchConfig controls the outbound HTTP client used by batch targets.
type FetchConfig struct {
	Timeout      string `json:"timeout,omitempty"` // default: "15s"
	UserAgent    string `json:"user_agent,omitempty"`
	MaxBodyBytes int64  `json:"max_body_bytes,omitempty"` // default: 1 MiB
}

// BatchConfig describes the targets fetched on each run.
//
// Schedule accepts a cron spec (5 or 6 fields), a descriptor such as
// "@hourly", or "every <duration>". Empty disables periodic runs.
type BatchConfig struct {
	Schedule   string         `json:"schedule,omitempty"`
	RunOnStart bool           `json:"run_on_start,omitempty"`
	Timezone   string         `json:"timezone,omitempty"`
	Targets    []TargetConfig `json:"targets"`
}

type TargetConfig struct {
	ID       string `json:"id,omitempty"`
	URL      string `json:"url"`
	Priority string `json:"priority,omitempty"` // high|medium|low, default medium
}

// StorageConfig controls the optional outcome journal.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./pacer.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// MetricsConfig controls the optional HTTP server exposing Prometheus
// metrics and, when enabled, pprof.
//
// Prefer binding to localhost. A non-loopback address requires a token or
// allow_insecure.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:9108"
	Path          string `json:"path,omitempty"` // default: "/metrics"
	Pprof         bool   `json:"pprof,omitempty"`
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`
}
