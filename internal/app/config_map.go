package app

import (
	"fmt"
	"strings"
	"time"

	"pacer/internal/batch"
	"pacer/internal/config"
	"pacer/internal/observability/metrics"
	"pacer/internal/storage"
	"pacer/internal/task/limiter"
	logx "pacer/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// mapLimiterConfig converts file config to limiter.Config. Zero fields stay
// zero so the limiter applies its own defaults.
func mapLimiterConfig(cfg *config.Config) (limiter.Config, error) {
	l := cfg.Limiter
	out := limiter.Config{
		MaxConcurrent:     l.MaxConcurrent,
		RequestsPerMinute: l.RequestsPerMinute,
		RequestsPerHour:   l.RequestsPerHour,
	}
	if len(l.PriorityWeights) > 0 {
		out.PriorityWeights = make(map[limiter.Priority]float64, len(l.PriorityWeights))
		for k, w := range l.PriorityWeights {
			p, err := limiter.ParsePriority(k)
			if err != nil || strings.TrimSpace(k) == "" {
				return limiter.Config{}, fmt.Errorf("limiter.priority_weights: unknown lane %q", k)
			}
			out.PriorityWeights[p] = w
		}
	}
	d, err := config.ParseDurationField("limiter.retry_delay", l.RetryDelay)
	if err != nil {
		return limiter.Config{}, err
	}
	out.RetryDelay = d
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
}

func mapMetricsConfig(cfg *config.Config) (metrics.Config, error) {
	m := cfg.Metrics
	read, err := config.ParseDurationOrDefault("metrics.read_timeout", m.ReadTimeout, 10*time.Second)
	if err != nil {
		return metrics.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("metrics.idle_timeout", m.IdleTimeout, time.Minute)
	if err != nil {
		return metrics.Config{}, err
	}
	return metrics.Config{
		Enabled:       m.Enabled,
		Addr:          strings.TrimSpace(m.Addr),
		Path:          m.Path,
		Pprof:         m.Pprof,
		Token:         strings.TrimSpace(m.Token),
		AllowInsecure: m.AllowInsecure,
		ReadTimeout:   read,
		IdleTimeout:   idle,
	}, nil
}

func mapTargets(cfg *config.Config) ([]batch.Target, error) {
	out := make([]batch.Target, 0, len(cfg.Batch.Targets))
	for i, t := range cfg.Batch.Targets {
		p, err := limiter.ParsePriority(t.Priority)
		if err != nil {
			return nil, fmt.Errorf("batch.targets[%d]: %w", i, err)
		}
		out = append(out, batch.Target{ID: strings.TrimSpace(t.ID), URL: strings.TrimSpace(t.URL), Priority: p})
	}
	return out, nil
}

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("batch.timezone: %w", err)
	}
	return loc, nil
}
