package app

import (
	"testing"
	"time"

	"pacer/internal/batch"
	"pacer/internal/config"
	"pacer/internal/storage"
	"pacer/internal/task/limiter"

	"github.com/google/go-cmp/cmp"
)

func TestMapLimiterConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      config.LimiterConfig
		want    limiter.Config
		wantErr bool
	}{
		{name: "zero keeps defaults to limiter", want: limiter.Config{}},
		{
			name: "full",
			in: config.LimiterConfig{
				MaxConcurrent:     3,
				RequestsPerMinute: 10,
				RequestsPerHour:   100,
				PriorityWeights:   map[string]float64{"HIGH": 0.6, "medium": 0.3, "Low": 0.1},
				RetryDelay:        "250ms",
			},
			want: limiter.Config{
				MaxConcurrent:     3,
				RequestsPerMinute: 10,
				RequestsPerHour:   100,
				PriorityWeights:   map[limiter.Priority]float64{limiter.High: 0.6, limiter.Medium: 0.3, limiter.Low: 0.1},
				RetryDelay:        250 * time.Millisecond,
			},
		},
		{name: "unknown lane", in: config.LimiterConfig{PriorityWeights: map[string]float64{"urgent": 1}}, wantErr: true},
		{name: "empty lane", in: config.LimiterConfig{PriorityWeights: map[string]float64{"": 1}}, wantErr: true},
		{name: "bad delay", in: config.LimiterConfig{RetryDelay: "soon"}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := mapLimiterConfig(&config.Config{Limiter: tt.in})
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("mapLimiterConfig: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		in          *config.StorageConfig
		want        storage.Config
		wantEnabled bool
		wantErr     bool
	}{
		{name: "absent"},
		{name: "none", in: &config.StorageConfig{Driver: "none", Path: "x"}},
		{
			name:        "sqlite default busy",
			in:          &config.StorageConfig{Driver: " SQLite ", Path: "./p.db"},
			want:        storage.Config{Driver: "sqlite", Path: "./p.db", BusyTimeout: 5 * time.Second},
			wantEnabled: true,
		},
		{
			name:        "file",
			in:          &config.StorageConfig{Driver: "file", Path: "./p", BusyTimeout: "2s"},
			want:        storage.Config{Driver: "file", Path: "./p", BusyTimeout: 2 * time.Second},
			wantEnabled: true,
		},
		{name: "missing path", in: &config.StorageConfig{Driver: "file"}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, enabled, err := mapStorageConfig(&config.Config{Storage: tt.in})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if enabled != tt.wantEnabled {
				t.Fatalf("enabled = %v, want %v", enabled, tt.wantEnabled)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMapTargets(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Batch: config.BatchConfig{Targets: []config.TargetConfig{
		{ID: " a ", URL: "https://example.com/a ", Priority: "high"},
		{URL: "https://example.com/b"},
	}}}
	got, err := mapTargets(cfg)
	if err != nil {
		t.Fatalf("mapTargets: %v", err)
	}
	want := []batch.Target{
		{ID: "a", URL: "https://example.com/a", Priority: limiter.High},
		{URL: "https://example.com/b", Priority: limiter.Medium},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}

	cfg.Batch.Targets[1].Priority = "urgent"
	if _, err := mapTargets(cfg); err == nil {
		t.Fatal("invalid priority should fail")
	}
}

func TestMapMetricsConfigDefaults(t *testing.T) {
	t.Parallel()
	got, err := mapMetricsConfig(&config.Config{Metrics: config.MetricsConfig{Enabled: true, Token: " t "}})
	if err != nil {
		t.Fatalf("mapMetricsConfig: %v", err)
	}
	if got.ReadTimeout != 10*time.Second || got.IdleTimeout != time.Minute || got.Token != "t" {
		t.Fatalf("got %+v", got)
	}
	if _, err := mapMetricsConfig(&config.Config{Metrics: config.MetricsConfig{ReadTimeout: "x"}}); err == nil {
		t.Fatal("bad read_timeout should fail")
	}
}
