package limiter

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"
)

// Priority selects the lane a task waits in.
type Priority int

const (
	High Priority = iota + 1
	Medium
	Low
)

// lanesInOrder is the fixed scan order used by the fair selector.
var lanesInOrder = [...]Priority{High, Medium, Low}

func (p Priority) String() string {
	switch p {
	case High:
		return "HIGH"
	case Medium:
		return "MEDIUM"
	case Low:
		return "LOW"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

func (p Priority) valid() bool { return p >= High && p <= Low }

// index maps a valid priority onto [0,3).
func (p Priority) index() int { return int(p) - 1 }

// ParsePriority accepts HIGH/MEDIUM/LOW in any case. Empty means Medium.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "HIGH":
		return High, nil
	case "", "MEDIUM":
		return Medium, nil
	case "LOW":
		return Low, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidPriority, s)
	}
}

// Work is a unit of work. The scheduler never cancels ctx; it is the context
// passed to Submit, so any cancellation is the caller's own.
type Work func(ctx context.Context) (any, error)

// Config controls admission. It is immutable once passed to New.
//
// Zero values take defaults:
//   - MaxConcurrent: 5
//   - RequestsPerMinute: 30
//   - RequestsPerHour: 1000
//   - PriorityWeights: HIGH=5 MEDIUM=3 LOW=2
//   - RetryDelay: 1s
type Config struct {
	MaxConcurrent     int
	RequestsPerMinute int
	RequestsPerHour   int

	// PriorityWeights must hold exactly HIGH, MEDIUM and LOW when set.
	PriorityWeights map[Priority]float64

	// RetryDelay is how long a rate-limited scheduler waits before
	// re-checking the rate gate.
	RetryDelay time.Duration
}

const (
	defaultMaxConcurrent     = 5
	defaultRequestsPerMinute = 30
	defaultRequestsPerHour   = 1000
	defaultRetryDelay        = time.Second
)

// DefaultWeights returns the default lane weights.
func DefaultWeights() map[Priority]float64 {
	return map[Priority]float64{High: 5, Medium: 3, Low: 2}
}

// DefaultConfig returns the configuration New uses for a zero Config.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:     defaultMaxConcurrent,
		RequestsPerMinute: defaultRequestsPerMinute,
		RequestsPerHour:   defaultRequestsPerHour,
		PriorityWeights:   DefaultWeights(),
		RetryDelay:        defaultRetryDelay,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = defaultMaxConcurrent
	}
	if c.RequestsPerMinute == 0 {
		c.RequestsPerMinute = defaultRequestsPerMinute
	}
	if c.RequestsPerHour == 0 {
		c.RequestsPerHour = defaultRequestsPerHour
	}
	if c.PriorityWeights == nil {
		c.PriorityWeights = DefaultWeights()
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = defaultRetryDelay
	}
	return c
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("%w: max_concurrent must be > 0, got %d", ErrInvalidConfig, c.MaxConcurrent)
	}
	if c.RequestsPerMinute <= 0 {
		return fmt.Errorf("%w: requests_per_minute must be > 0, got %d", ErrInvalidConfig, c.RequestsPerMinute)
	}
	if c.RequestsPerHour <= 0 {
		return fmt.Errorf("%w: requests_per_hour must be > 0, got %d", ErrInvalidConfig, c.RequestsPerHour)
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("%w: retry_delay must be > 0, got %s", ErrInvalidConfig, c.RetryDelay)
	}
	if len(c.PriorityWeights) != len(lanesInOrder) {
		return fmt.Errorf("%w: priority_weights needs exactly HIGH, MEDIUM and LOW, got %d entries", ErrInvalidConfig, len(c.PriorityWeights))
	}
	for _, p := range lanesInOrder {
		w, ok := c.PriorityWeights[p]
		if !ok {
			return fmt.Errorf("%w: priority_weights missing %s", ErrInvalidConfig, p)
		}
		if w <= 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("%w: priority_weights[%s] must be a positive number, got %v", ErrInvalidConfig, p, w)
		}
	}
	return nil
}

// SubmitOptions tags a submission. Zero Priority means Medium; an empty ID is
// replaced with a generated one.
type SubmitOptions struct {
	ID       string
	Priority Priority
}

// LaneCounts is a per-priority breakdown.
type LaneCounts struct {
	Total  int `json:"total"`
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

// Window is the occupancy of one rolling rate window.
type Window struct {
	Current int `json:"current"`
	Limit   int `json:"limit"`
}

// RateWindow holds both rolling windows.
type RateWindow struct {
	Minute Window `json:"minute"`
	Hour   Window `json:"hour"`
}

// Stats are lifetime counters. They are never reset by Clear.
type Stats struct {
	Submitted   uint64 `json:"submitted"`
	Completed   uint64 `json:"completed"`
	Failed      uint64 `json:"failed"`
	RateLimited uint64 `json:"rate_limited"`
	Cleared     uint64 `json:"cleared"`
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	InFlight      int        `json:"in_flight"`
	MaxConcurrent int        `json:"max_concurrent"`
	Queued        LaneCounts `json:"queued"`
	// Served counts dispatches per lane since the last Clear.
	Served     LaneCounts `json:"served"`
	RateWindow RateWindow `json:"rate_window"`
	Stats      Stats      `json:"stats"`
}

// Idle reports whether nothing is queued or running.
func (s Status) Idle() bool { return s.InFlight == 0 && s.Queued.Total == 0 }

// Event types published on the bus.
const (
	EventQueued       = "task.queued"
	EventStarted      = "task.started"
	EventCompleted    = "task.completed"
	EventFailed       = "task.failed"
	EventRateLimited  = "task.rate_limited"
	EventQueueCleared = "task.queue_cleared"
)

// TaskEvent is the payload of every lifecycle event.
type TaskEvent struct {
	ID       string        `json:"id,omitempty"`
	Priority string        `json:"priority,omitempty"`
	InFlight int           `json:"in_flight"`
	Queued   int           `json:"queued"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`

	// Rate window occupancy, set on task.rate_limited.
	MinuteCount int `json:"minute_count,omitempty"`
	HourCount   int `json:"hour_count,omitempty"`

	// Cleared is the number of dropped tasks on task.queue_cleared.
	Cleared int `json:"cleared,omitempty"`
}
