package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"pacer/internal/eventbus"
	"pacer/internal/task/limiter"
	logx "pacer/pkg/logx"
)

const (
	appendTimeout = 2 * time.Second

	// maxPending bounds outcomes waiting for the store. Beyond it new
	// outcomes are dropped and counted.
	maxPending = 1 << 16
)

// Recorder persists task.completed and task.failed events from a bus.
//
// It listens synchronously, so every outcome the bus publishes is queued;
// the handler only appends under a mutex and never waits on the store.
type Recorder struct {
	store    Store
	log      logx.Logger
	unlisten func()

	mu      sync.Mutex
	cond    *sync.Cond
	pending []Outcome
	stopped bool

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

// NewRecorder starts listening on bus immediately, so outcomes published
// before Run starts are queued rather than lost.
func NewRecorder(st Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Recorder{store: st, log: log}
	r.cond = sync.NewCond(&r.mu)
	r.unlisten = bus.Listen(r.enqueue)
	return r
}

// Written reports how many outcomes were persisted.
func (r *Recorder) Written() uint64 { return r.written.Load() }

// Dropped reports outcomes discarded because the queue was full.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

func (r *Recorder) enqueue(e eventbus.Event) {
	o, ok := outcomeFromEvent(e)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if len(r.pending) >= maxPending {
		if n := r.dropped.Add(1); n == 1 || n%1000 == 0 {
			r.log.Warn("outcome queue full; dropping", logx.String("task", o.TaskID), logx.Uint64("dropped", n))
		}
		return
	}
	r.pending = append(r.pending, o)
	r.cond.Signal()
}

// Run writes queued outcomes until ctx is done. Outcomes still queued when
// ctx ends are written before Run returns; later ones are ignored.
func (r *Recorder) Run(ctx context.Context) error {
	defer r.unlisten()
	stopWake := context.AfterFunc(ctx, func() {
		r.mu.Lock()
		r.cond.Broadcast()
		r.mu.Unlock()
	})
	defer stopWake()

	for {
		r.mu.Lock()
		for len(r.pending) == 0 && ctx.Err() == nil {
			r.cond.Wait()
		}
		batch := r.pending
		r.pending = nil
		done := ctx.Err() != nil
		if done {
			r.stopped = true
		}
		r.mu.Unlock()

		// A batch already taken off the queue is written in full.
		wctx := context.WithoutCancel(ctx)
		for _, o := range batch {
			r.write(wctx, o)
		}
		if done {
			return nil
		}
	}
}

func (r *Recorder) write(ctx context.Context, o Outcome) {
	actx, cancel := context.WithTimeout(ctx, appendTimeout)
	err := r.store.AppendOutcome(actx, o)
	cancel()
	if err != nil {
		n := r.failed.Add(1)
		if n == 1 || n%100 == 0 {
			r.log.Warn("outcome append failed", logx.String("task", o.TaskID), logx.Uint64("failures", n), logx.Err(err))
		}
		return
	}
	r.written.Add(1)
}

func outcomeFromEvent(e eventbus.Event) (Outcome, bool) {
	if e.Type != limiter.EventCompleted && e.Type != limiter.EventFailed {
		return Outcome{}, false
	}
	te, ok := e.Data.(limiter.TaskEvent)
	if !ok {
		return Outcome{}, false
	}
	return Outcome{
		At:         e.Time,
		TaskID:     te.ID,
		Priority:   te.Priority,
		OK:         e.Type == limiter.EventCompleted,
		DurationMS: te.Duration.Milliseconds(),
		Error:      te.Error,
	}, true
}
