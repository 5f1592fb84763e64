package limiter

import (
	"context"
	"sync"
)

// Result is the caller's handle on a submitted task. It settles exactly once,
// with the work's own value and error.
type Result struct {
	id       string
	priority Priority

	once  sync.Once
	done  chan struct{}
	value any
	err   error
}

func newResult(id string, p Priority) *Result {
	return &Result{id: id, priority: p, done: make(chan struct{})}
}

func (r *Result) ID() string         { return r.id }
func (r *Result) Priority() Priority { return r.priority }

// Done is closed once the task has settled.
func (r *Result) Done() <-chan struct{} { return r.done }

// Wait blocks until the task settles or ctx is done. Giving up on the wait
// does not cancel the task.
func (r *Result) Wait(ctx context.Context) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-r.done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// settle reports whether this call was the one that settled the handle.
func (r *Result) settle(v any, err error) bool {
	settled := false
	r.once.Do(func() {
		r.value, r.err = v, err
		close(r.done)
		settled = true
	})
	return settled
}

// Do submits fn and waits for its typed result.
func Do[T any](ctx context.Context, s *Service, opt SubmitOptions, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if fn == nil {
		return zero, ErrNilWork
	}
	res, err := s.Submit(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	}, opt)
	if err != nil {
		return zero, err
	}
	v, err := res.Wait(ctx)
	if err != nil {
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}
