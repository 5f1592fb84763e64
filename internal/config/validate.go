package config

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string. Empty means zero.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

var validPriorities = map[string]struct{}{"": {}, "high": {}, "medium": {}, "low": {}}

// Validate checks the fields that can be checked without building services.
// Every problem is reported, joined into one error.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	nonNegative := func(path string, v int) {
		if v < 0 {
			add(fmt.Errorf("%s must be >= 0", path))
		}
	}

	l := cfg.Limiter
	nonNegative("limiter.max_concurrent", l.MaxConcurrent)
	nonNegative("limiter.requests_per_minute", l.RequestsPerMinute)
	nonNegative("limiter.requests_per_hour", l.RequestsPerHour)
	if len(l.PriorityWeights) > 0 {
		for _, k := range []string{"high", "medium", "low"} {
			w, ok := l.PriorityWeights[k]
			switch {
			case !ok:
				add(fmt.Errorf("limiter.priority_weights.%s is required when weights are set", k))
			case w <= 0 || math.IsNaN(w) || math.IsInf(w, 0):
				add(fmt.Errorf("limiter.priority_weights.%s must be a positive number", k))
			}
		}
		for k := range l.PriorityWeights {
			if _, ok := validPriorities[k]; !ok || k == "" {
				add(fmt.Errorf("limiter.priority_weights: unknown lane %q", k))
			}
		}
	}
	_, err := ParseDurationField("limiter.retry_delay", l.RetryDelay)
	add(err)

	_, err = ParseDurationField("fetch.timeout", cfg.Fetch.Timeout)
	add(err)
	if cfg.Fetch.MaxBodyBytes < 0 {
		add(errors.New("fetch.max_body_bytes must be >= 0"))
	}

	for i, t := range cfg.Batch.Targets {
		path := fmt.Sprintf("batch.targets[%d]", i)
		u, err := url.Parse(strings.TrimSpace(t.URL))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add(fmt.Errorf("%s.url: must be an absolute http(s) URL, got %q", path, t.URL))
		}
		if _, ok := validPriorities[strings.ToLower(strings.TrimSpace(t.Priority))]; !ok {
			add(fmt.Errorf("%s.priority: unknown priority %q", path, t.Priority))
		}
	}
	if tz := strings.TrimSpace(cfg.Batch.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("batch.timezone: invalid %q: %w", tz, err))
		}
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "none", "file", "sqlite":
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		_, err = ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		add(err)
	}

	_, err = ParseDurationField("metrics.read_timeout", cfg.Metrics.ReadTimeout)
	add(err)
	_, err = ParseDurationField("metrics.idle_timeout", cfg.Metrics.IdleTimeout)
	add(err)
	if p := strings.TrimSpace(cfg.Metrics.Path); p != "" && !strings.HasPrefix(p, "/") {
		add(fmt.Errorf("metrics.path must start with '/', got %q", p))
	}

	return errors.Join(errs...)
}
