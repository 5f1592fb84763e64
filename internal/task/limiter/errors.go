package limiter

import "errors"

var (
	ErrInvalidConfig   = errors.New("limiter: invalid config")
	ErrInvalidPriority = errors.New("limiter: invalid priority")
	ErrNilWork         = errors.New("limiter: work is nil")
	ErrClosed          = errors.New("limiter: stopped")

	// ErrCleared settles tasks that were still queued when Clear ran.
	ErrCleared = errors.New("limiter: task removed by clear")

	// ErrTaskPanic wraps a panic raised by a task's work.
	ErrTaskPanic = errors.New("limiter: task panicked")
)
