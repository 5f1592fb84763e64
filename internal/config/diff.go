package config

import (
	"reflect"
	"sort"
	"strings"

	logx "pacer/pkg/logx"
)

// restartSections never apply live; a change there needs a process restart.
var restartSections = map[string]bool{
	"limiter": true,
	"fetch":   true,
	"storage": true,
	"metrics": true,
}

// RequiresRestart reports whether a changed section only applies on restart.
func RequiresRestart(section string) bool { return restartSections[section] }

// SummarizeConfigChange returns the sorted list of changed sections and safe
// structured attrs for logging. Tokens are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Limiter, newCfg.Limiter) {
		l := newCfg.Limiter
		changed = append(changed, "limiter")
		attrs = append(attrs,
			logx.Int("limiter.max_concurrent", l.MaxConcurrent),
			logx.Int("limiter.requests_per_minute", l.RequestsPerMinute),
			logx.Int("limiter.requests_per_hour", l.RequestsPerHour),
			logx.String("limiter.retry_delay", strings.TrimSpace(l.RetryDelay)),
		)
	}

	if oldCfg.Fetch != newCfg.Fetch {
		changed = append(changed, "fetch")
		attrs = append(attrs,
			logx.String("fetch.timeout", strings.TrimSpace(newCfg.Fetch.Timeout)),
			logx.Int64("fetch.max_body_bytes", newCfg.Fetch.MaxBodyBytes),
		)
	}

	if !reflect.DeepEqual(oldCfg.Batch, newCfg.Batch) {
		changed = append(changed, "batch")
		attrs = append(attrs,
			logx.String("batch.schedule", strings.TrimSpace(newCfg.Batch.Schedule)),
			logx.Int("batch.targets", len(newCfg.Batch.Targets)),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	om, nm := oldCfg.Metrics, newCfg.Metrics
	if om.Enabled != nm.Enabled ||
		strings.TrimSpace(om.Addr) != strings.TrimSpace(nm.Addr) ||
		strings.TrimSpace(om.Path) != strings.TrimSpace(nm.Path) ||
		om.Pprof != nm.Pprof ||
		om.AllowInsecure != nm.AllowInsecure ||
		strings.TrimSpace(om.ReadTimeout) != strings.TrimSpace(nm.ReadTimeout) ||
		strings.TrimSpace(om.IdleTimeout) != strings.TrimSpace(nm.IdleTimeout) ||
		(strings.TrimSpace(om.Token) != "") != (strings.TrimSpace(nm.Token) != "") {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", nm.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(nm.Addr)),
			logx.Bool("metrics.pprof", nm.Pprof),
			logx.Bool("metrics.token_set", strings.TrimSpace(nm.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
