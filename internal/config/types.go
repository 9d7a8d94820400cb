package config

import "time"

// Config represents the complete conduit configuration.
type Config struct {
	Executor ExecutorConfig `yaml:"executor"`
	Log      LogConfig      `yaml:"log"`
	Journal  JournalConfig  `yaml:"journal"`
	API      APIConfig      `yaml:"api"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Schedule ScheduleConfig `yaml:"schedule"`

	// Path is the absolute path the configuration was loaded from.
	Path string `yaml:"-"`
	// Digest is the BLAKE3 hash of the raw file contents.
	Digest string `yaml:"-"`
}

// ExecutorConfig sizes the executor. It is copied into each new executor;
// changes after construction have no effect on a live instance.
type ExecutorConfig struct {
	WorkerCount   int           `yaml:"worker_count"`
	QueueCapacity int           `yaml:"queue_capacity"` // -1 for unbounded
	PollTimeout   time.Duration `yaml:"poll_timeout"`
	PinWorkers    bool          `yaml:"pin_workers"`
}

// LogConfig selects the slog level and handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// JournalConfig defines the sqlite submission journal. An empty Path
// disables it.
type JournalConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// Token, when set, is required as a bearer token on every route except
	// /healthz and /metrics.
	Token string `yaml:"token,omitempty"`
}

// TracingConfig enables span export.
type TracingConfig struct {
	Stdout bool `yaml:"stdout"`
}

// ScheduleConfig lists graph files that serve submits periodically.
type ScheduleConfig struct {
	Tick    time.Duration   `yaml:"tick"`
	Entries []ScheduleEntry `yaml:"entries,omitempty"`
}

// ScheduleEntry submits every graph in File (or only the one named Graph)
// once per Every, offset by a random amount up to Jitter. Every accepts Go
// durations, "Nd" and "Nw", or hourly, daily and weekly.
type ScheduleEntry struct {
	Name   string        `yaml:"name"`
	File   string        `yaml:"file"`
	Graph  string        `yaml:"graph,omitempty"`
	Every  string        `yaml:"every"`
	Jitter time.Duration `yaml:"jitter,omitempty"`
}

// UnboundedCapacity is the queue_capacity value for an unbounded queue.
const UnboundedCapacity = -1

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Executor: ExecutorConfig{
			WorkerCount:   1,
			QueueCapacity: 200,
			PollTimeout:   100 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Journal: JournalConfig{
			Retention: 7 * 24 * time.Hour,
		},
		API: APIConfig{
			Listen: "127.0.0.1:8089",
		},
		Schedule: ScheduleConfig{
			Tick: time.Second,
		},
	}
}
