package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ErrNotFound is returned by Discover when no configuration file exists in
// any of the standard locations.
var ErrNotFound = errors.New("no config found")

// Load reads and parses configuration from a file. Fields missing from the
// file keep their Defaults. If a checksum sidecar (path + ".b3") exists, the
// file must match it.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if err := verifySidecar(absPath, data); err != nil {
		return nil, err
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.Path = absPath
	resolveSchedulePaths(cfg, filepath.Dir(absPath))
	return cfg, nil
}

// resolveSchedulePaths makes relative schedule files relative to the
// directory holding the configuration.
func resolveSchedulePaths(cfg *Config, dir string) {
	for i := range cfg.Schedule.Entries {
		f := cfg.Schedule.Entries[i].File
		if f != "" && !filepath.IsAbs(f) {
			cfg.Schedule.Entries[i].File = filepath.Join(dir, f)
		}
	}
}

// Parse decodes YAML configuration data, applies defaults and validates the
// result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()

	interpolated := interpolateEnv(string(data))
	dec := yaml.NewDecoder(strings.NewReader(interpolated))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg = applyConfigDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.Digest = Digest(data)
	return cfg, nil
}

// Discover finds a configuration file in the standard locations.
// Priority order: $CONDUIT_CONFIG, ~/.config/conduit/config.yaml,
// /etc/conduit/config.yaml, ./conduit.yaml.
func Discover() (string, error) {
	var candidates []string
	if p := os.Getenv("CONDUIT_CONFIG"); p != "" {
		candidates = append(candidates, p)
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "conduit", "config.yaml"))
	}
	candidates = append(candidates, "/etc/conduit/config.yaml", "conduit.yaml")

	for _, p := range candidates {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w (checked: $CONDUIT_CONFIG, ~/.config/conduit/config.yaml, /etc/conduit/config.yaml, ./conduit.yaml)", ErrNotFound)
}

// Encode renders cfg as YAML.
func Encode(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// applyConfigDefaults fills string fields left explicitly empty.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Log.Format
	}
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.Schedule.Tick == 0 {
		cfg.Schedule.Tick = defaults.Schedule.Tick
	}

	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left in place and rejected by validate.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	if cfg.Executor.WorkerCount < 1 {
		return fmt.Errorf("executor.worker_count must be at least 1 (got %d)", cfg.Executor.WorkerCount)
	}
	switch {
	case cfg.Executor.QueueCapacity == 0:
		return fmt.Errorf("executor.queue_capacity must not be 0; use a positive bound or %d for unbounded", UnboundedCapacity)
	case cfg.Executor.QueueCapacity < UnboundedCapacity:
		return fmt.Errorf("executor.queue_capacity must be positive or %d (got %d)", UnboundedCapacity, cfg.Executor.QueueCapacity)
	}
	if cfg.Executor.PollTimeout <= 0 {
		return fmt.Errorf("executor.poll_timeout must be positive")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error (got %q)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("log.format must be json or text (got %q)", cfg.Log.Format)
	}

	if m := envVarPattern.FindStringSubmatch(cfg.Journal.Path); m != nil {
		return fmt.Errorf("journal.path: environment variable ${%s} is not set", m[1])
	}
	if cfg.Journal.Retention < 0 {
		return fmt.Errorf("journal.retention must not be negative")
	}

	if cfg.API.Enabled {
		if m := envVarPattern.FindStringSubmatch(cfg.API.Listen); m != nil {
			return fmt.Errorf("api.listen: environment variable ${%s} is not set", m[1])
		}
		if m := envVarPattern.FindStringSubmatch(cfg.API.Token); m != nil {
			return fmt.Errorf("api.token: environment variable ${%s} is not set", m[1])
		}
	}

	return validateSchedule(cfg.Schedule)
}

func validateSchedule(sc ScheduleConfig) error {
	if sc.Tick < 0 {
		return fmt.Errorf("schedule.tick must be positive")
	}
	seen := make(map[string]bool, len(sc.Entries))
	for i, e := range sc.Entries {
		switch {
		case e.Name == "":
			return fmt.Errorf("schedule.entries[%d]: name is required", i)
		case seen[e.Name]:
			return fmt.Errorf("schedule.entries[%d]: duplicate name %q", i, e.Name)
		case e.File == "":
			return fmt.Errorf("schedule %q: file is required", e.Name)
		case envVarPattern.MatchString(e.File):
			return fmt.Errorf("schedule %q: file references an unset environment variable", e.Name)
		}
		every, err := ParseInterval(e.Every)
		if err != nil {
			return fmt.Errorf("schedule %q: %w", e.Name, err)
		}
		if e.Jitter < 0 || e.Jitter >= every {
			return fmt.Errorf("schedule %q: jitter must be in [0, every)", e.Name)
		}
		seen[e.Name] = true
	}
	return nil
}

// ParseInterval converts a schedule interval to a duration.
func ParseInterval(interval string) (time.Duration, error) {
	switch interval {
	case "hourly":
		return time.Hour, nil
	case "daily":
		return 24 * time.Hour, nil
	case "weekly":
		return 7 * 24 * time.Hour, nil
	}

	var d time.Duration
	if n, unit, ok := cutUnit(interval); ok {
		d = time.Duration(n) * unit
	} else {
		parsed, err := time.ParseDuration(interval)
		if err != nil {
			return 0, fmt.Errorf("invalid schedule interval %q: %w", interval, err)
		}
		d = parsed
	}
	if d <= 0 {
		return 0, fmt.Errorf("schedule interval must be positive: %q", interval)
	}
	return d, nil
}

// cutUnit parses the day and week forms that time.ParseDuration lacks.
func cutUnit(s string) (int64, time.Duration, bool) {
	if len(s) < 2 {
		return 0, 0, false
	}
	var unit time.Duration
	switch s[len(s)-1] {
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	default:
		return 0, 0, false
	}
	n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return n, unit, true
}
