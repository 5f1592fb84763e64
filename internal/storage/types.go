package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Outcome is one settled task. Keep it compact and schema-stable.
type Outcome struct {
	At         time.Time `json:"at"`
	TaskID     string    `json:"task_id"`
	Priority   string    `json:"priority"`
	OK         bool      `json:"ok"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}
