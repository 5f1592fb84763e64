package limiter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"pacer/internal/eventbus"
	logx "pacer/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service is one independent scheduler instance: it owns its lanes, service
// counters, in-flight set and rate histories. All of that state is guarded by
// mu; work itself never runs under mu.
type Service struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus
	now func() time.Time
	// start anchors the rate histories; offsets from it are monotonic when
	// now is time.Now.
	start time.Time

	mu       sync.Mutex
	lanes    *lanes
	gate     *gate
	inFlight map[uint64]*task
	stats    Stats
	seq      uint64
	closed   bool
	retry    *time.Timer

	// pending counts tasks not yet fully settled (queued, running, or
	// publishing their final event). idleCh is closed while pending == 0.
	pending    int
	idleCh     chan struct{}
	idleClosed bool

	// Event delivery is ordered by ticket so subscribers observe events in
	// the order the state changes happened.
	pubSeq  uint64
	pubMu   sync.Mutex
	pubCond *sync.Cond
	pubNext uint64

	warn *rate.Limiter
}

type task struct {
	seq        uint64
	id         string
	priority   Priority
	work       Work
	ctx        context.Context
	enqueuedAt time.Time
	result     *Result
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option {
	return func(s *Service) { s.log = log }
}

// WithBus routes lifecycle events to bus.
//
// Handlers registered with bus.Listen run inside the limiter's ordered
// publish. They may call Status, but must not call Submit, Clear or Stop on
// the same Service: those publish too and would wait on the handler's own
// delivery. Hand such work to another goroutine, or use bus.Subscribe.
func WithBus(bus eventbus.Bus) Option {
	return func(s *Service) { s.bus = bus }
}

// WithClock overrides the time source used by the rate gate.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New validates cfg and returns a ready scheduler. Invalid configuration
// fails here, never at first submission.
func New(cfg Config, opts ...Option) (*Service, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	weights := make(map[Priority]float64, len(cfg.PriorityWeights))
	for p, w := range cfg.PriorityWeights {
		weights[p] = w
	}
	cfg.PriorityWeights = weights

	idle := make(chan struct{})
	close(idle)
	s := &Service{
		cfg:        cfg,
		now:        time.Now,
		lanes:      newLanes(weights),
		gate:       newGate(cfg.RequestsPerMinute, cfg.RequestsPerHour),
		inFlight:   make(map[uint64]*task, cfg.MaxConcurrent),
		idleCh:     idle,
		idleClosed: true,
		warn:       rate.NewLimiter(rate.Every(warnThrottleEvery), 1),
	}
	s.pubCond = sync.NewCond(&s.pubMu)
	for _, o := range opts {
		o(s)
	}
	s.start = s.now()
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s, nil
}

func (s *Service) sinceStart(now time.Time) time.Duration { return now.Sub(s.start) }

// Config returns the effective configuration.
func (s *Service) Config() Config {
	cfg := s.cfg
	cfg.PriorityWeights = make(map[Priority]float64, len(s.cfg.PriorityWeights))
	for p, w := range s.cfg.PriorityWeights {
		cfg.PriorityWeights[p] = w
	}
	return cfg
}

// Submit queues work and returns its result handle. The handle settles with
// exactly what work returns. ctx is handed to work unchanged; the scheduler
// itself never cancels a task.
func (s *Service) Submit(ctx context.Context, work Work, opt SubmitOptions) (*Result, error) {
	if work == nil {
		return nil, ErrNilWork
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p := opt.Priority
	if p == 0 {
		p = Medium
	}
	if !p.valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPriority, int(p))
	}
	id := strings.TrimSpace(opt.ID)
	if id == "" {
		id = newTaskID()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	now := s.now()
	s.seq++
	t := &task{
		seq:        s.seq,
		id:         id,
		priority:   p,
		work:       work,
		ctx:        ctx,
		enqueuedAt: now,
		result:     newResult(id, p),
	}
	s.lanes.enqueue(t)
	s.stats.Submitted++
	s.beginLocked(1)

	evs := []eventbus.Event{s.eventLocked(EventQueued, now, TaskEvent{ID: id, Priority: p.String()})}
	evs = s.advanceLocked(evs)
	s.unlockAndPublish(evs)
	return t.result, nil
}

// Status returns a snapshot of counters and rate window occupancy.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	minute, hour := s.gate.occupancy(s.sinceStart(s.now()))
	return Status{
		InFlight:      len(s.inFlight),
		MaxConcurrent: s.cfg.MaxConcurrent,
		Queued:        s.lanes.queuedCounts(),
		Served:        s.lanes.servedCounts(),
		RateWindow: RateWindow{
			Minute: Window{Current: minute, Limit: s.cfg.RequestsPerMinute},
			Hour:   Window{Current: hour, Limit: s.cfg.RequestsPerHour},
		},
		Stats: s.stats,
	}
}

// Drain blocks until no task is queued or running and every handle has
// settled. It returns ctx.Err() if ctx ends first.
func (s *Service) Drain(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.mu.Lock()
		if s.pending == 0 {
			s.mu.Unlock()
			return nil
		}
		ch := s.idleCh
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Clear drops every queued task and resets the lane service counters.
// Dropped handles settle with ErrCleared. Running tasks are unaffected.
// It returns the number of dropped tasks.
func (s *Service) Clear() int {
	s.mu.Lock()
	dropped := s.lanes.reset()
	s.stats.Cleared += uint64(len(dropped))
	now := s.now()
	ev := s.eventLocked(EventQueueCleared, now, TaskEvent{Cleared: len(dropped)})
	s.unlockAndPublish([]eventbus.Event{ev})

	for _, t := range dropped {
		t.result.settle(nil, ErrCleared)
	}
	if len(dropped) > 0 {
		s.log.Info("task queue cleared", logx.Int("dropped", len(dropped)))
	}
	s.finish(len(dropped))
	return len(dropped)
}

// Stop refuses new submissions, waits for queued and running work to finish,
// then releases the retry timer.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	err := s.Drain(ctx)

	s.mu.Lock()
	if s.retry != nil && s.pending == 0 {
		s.retry.Stop()
		s.retry = nil
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("limiter stop timed out", logx.Err(err))
		return err
	}
	s.log.Info("limiter stopped")
	return nil
}

func (s *Service) beginLocked(n int) {
	if s.pending == 0 && s.idleClosed {
		s.idleCh = make(chan struct{})
		s.idleClosed = false
	}
	s.pending += n
}

func (s *Service) finish(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.pending -= n
	if s.pending <= 0 {
		s.pending = 0
		if !s.idleClosed {
			close(s.idleCh)
			s.idleClosed = true
		}
	}
	s.mu.Unlock()
}

func (s *Service) eventLocked(typ string, now time.Time, ev TaskEvent) eventbus.Event {
	ev.InFlight = len(s.inFlight)
	ev.Queued = s.lanes.total()
	return eventbus.Event{Type: typ, Time: now, Data: ev}
}

// unlockAndPublish releases mu and delivers evs in ticket order.
func (s *Service) unlockAndPublish(evs []eventbus.Event) {
	if s.bus == nil || len(evs) == 0 {
		s.mu.Unlock()
		return
	}
	ticket := s.pubSeq
	s.pubSeq++
	s.mu.Unlock()

	s.pubMu.Lock()
	for s.pubNext != ticket {
		s.pubCond.Wait()
	}
	s.pubMu.Unlock()

	defer func() {
		s.pubMu.Lock()
		s.pubNext++
		s.pubCond.Broadcast()
		s.pubMu.Unlock()
	}()
	for _, e := range evs {
		s.bus.Publish(e)
	}
}

func newTaskID() string { return "task-" + uuid.NewString() }
