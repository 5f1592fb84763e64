package limiter

import (
	"fmt"
	"runtime/debug"
	"time"

	"pacer/internal/eventbus"
	logx "pacer/pkg/logx"
)

// slowTask is the duration above which completions log at info.
const slowTask = 750 * time.Millisecond

// advanceLocked dispatches queued tasks while a concurrency slot is free and
// the rate gate admits. Concurrency is checked first, so a task held back
// only by the rate gate stays queued and never counts as in flight.
func (s *Service) advanceLocked(evs []eventbus.Event) []eventbus.Event {
	for len(s.inFlight) < s.cfg.MaxConcurrent && s.lanes.total() > 0 {
		now := s.now()
		at := s.sinceStart(now)
		if !s.gate.admit(at) {
			s.stats.RateLimited++
			minute, hour := s.gate.occupancy(at)
			ev := TaskEvent{MinuteCount: minute, HourCount: hour}
			// Tag the denial with the task that was about to go.
			if head := s.lanes.peek(); head != nil {
				ev.ID, ev.Priority = head.id, head.priority.String()
			}
			evs = append(evs, s.eventLocked(EventRateLimited, now, ev))
			if s.warn.Allow() {
				s.log.Warn("task rate limited",
					logx.Int("minute", minute),
					logx.Int("minute_limit", s.cfg.RequestsPerMinute),
					logx.Int("hour", hour),
					logx.Int("hour_limit", s.cfg.RequestsPerHour),
					logx.Int("queued", s.lanes.total()),
					logx.Uint64("rate_limited", s.stats.RateLimited),
				)
			}
			s.armRetryLocked()
			break
		}

		p, ok := s.lanes.selectNext()
		if !ok {
			break
		}
		t := s.lanes.pop(p)
		s.inFlight[t.seq] = t
		s.gate.record(at)
		evs = append(evs, s.eventLocked(EventStarted, now, TaskEvent{ID: t.id, Priority: p.String()}))
		go s.run(t, now.Sub(t.enqueuedAt))
	}
	return evs
}

// armRetryLocked schedules one re-check of the rate gate. At most one retry
// timer is outstanding at a time.
func (s *Service) armRetryLocked() {
	if s.retry != nil {
		return
	}
	s.retry = time.AfterFunc(s.cfg.RetryDelay, s.onRetry)
}

func (s *Service) onRetry() {
	s.mu.Lock()
	s.retry = nil
	evs := s.advanceLocked(nil)
	s.unlockAndPublish(evs)
}

// run executes one task. Settlement happens in a deferred path so a failing
// or panicking task still frees its slot and re-triggers the queue.
func (s *Service) run(t *task, queueDelay time.Duration) {
	start := time.Now()
	s.log.Debug("task.started", logx.String("id", t.id), logx.String("priority", t.priority.String()), logx.Duration("queue_delay", queueDelay))

	var (
		v   any
		err error
	)
	defer func() {
		if r := recover(); r != nil {
			v = nil
			err = fmt.Errorf("%w: %v", ErrTaskPanic, r)
			s.log.Error("task.panic", logx.String("id", t.id), logx.Any("panic", r), logx.Stack(debug.Stack()))
		}
		s.settle(t, v, err, time.Since(start))
	}()
	v, err = t.work(t.ctx)
}

func (s *Service) settle(t *task, v any, err error, dur time.Duration) {
	s.mu.Lock()
	delete(s.inFlight, t.seq)
	now := s.now()
	ev := TaskEvent{ID: t.id, Priority: t.priority.String(), Duration: dur}
	typ := EventCompleted
	if err != nil {
		typ = EventFailed
		ev.Error = err.Error()
		s.stats.Failed++
	} else {
		s.stats.Completed++
	}
	evs := []eventbus.Event{s.eventLocked(typ, now, ev)}
	evs = s.advanceLocked(evs)
	s.unlockAndPublish(evs)

	switch {
	case err != nil:
		s.log.Warn("task.failed", logx.String("id", t.id), logx.String("priority", t.priority.String()), logx.Err(err), logx.Duration("dur", dur))
	case dur >= slowTask:
		s.log.Info("task.completed", logx.String("id", t.id), logx.String("priority", t.priority.String()), logx.Duration("dur", dur))
	default:
		s.log.Debug("task.completed", logx.String("id", t.id), logx.String("priority", t.priority.String()), logx.Duration("dur", dur))
	}

	t.result.settle(v, err)
	s.finish(1)
}
