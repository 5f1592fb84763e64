package limiter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"pacer/internal/eventbus"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recorder collects events synchronously from the bus.
type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (r *recorder) handle(e eventbus.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) ids(typ string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e.Data.(TaskEvent).ID)
		}
	}
	return out
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestService(t *testing.T, cfg Config, opts ...Option) (*Service, *recorder) {
	t.Helper()
	bus := eventbus.New()
	rec := &recorder{}
	unsub := bus.Listen(rec.handle)
	t.Cleanup(unsub)

	s, err := New(cfg, append([]Option{WithBus(bus)}, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		s.Clear()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Drain(ctx)
	})
	return s, rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func mustWait(t *testing.T, r *Result) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	v, err := r.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("task %s did not settle", r.ID())
	}
	return v, err
}

func value(v any) Work {
	return func(context.Context) (any, error) { return v, nil }
}

func blockUntil(ch <-chan struct{}, v any) Work {
	return func(context.Context) (any, error) {
		<-ch
		return v, nil
	}
}

func TestNewDefaults(t *testing.T) {
	t.Parallel()
	s, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if diff := cmp.Diff(DefaultConfig(), s.Config()); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "negative max concurrent", cfg: Config{MaxConcurrent: -1}},
		{name: "negative per minute", cfg: Config{RequestsPerMinute: -5}},
		{name: "negative per hour", cfg: Config{RequestsPerHour: -1}},
		{name: "negative retry delay", cfg: Config{RetryDelay: -time.Second}},
		{name: "missing weight", cfg: Config{PriorityWeights: map[Priority]float64{High: 1, Medium: 1}}},
		{name: "unknown lane", cfg: Config{PriorityWeights: map[Priority]float64{High: 1, Medium: 1, Priority(9): 1}}},
		{name: "extra lane", cfg: Config{PriorityWeights: map[Priority]float64{High: 1, Medium: 1, Low: 1, Priority(9): 1}}},
		{name: "zero weight", cfg: Config{PriorityWeights: map[Priority]float64{High: 1, Medium: 0, Low: 1}}},
		{name: "nan weight", cfg: Config{PriorityWeights: map[Priority]float64{High: 1, Medium: math.NaN(), Low: 1}}},
		{name: "empty weights", cfg: Config{PriorityWeights: map[Priority]float64{}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.cfg)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("New error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestSubmitReturnsWorkValue(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, Config{})

	for _, v := range []any{"success", 0, nil} {
		r, err := s.Submit(context.Background(), value(v), SubmitOptions{ID: "custom"})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		got, err := mustWait(t, r)
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
		if got != v {
			t.Fatalf("value = %v, want %v", got, v)
		}
		if r.ID() != "custom" || r.Priority() != Medium {
			t.Fatalf("handle = (%s, %s), want (custom, MEDIUM)", r.ID(), r.Priority())
		}
	}
	if st := s.Status(); st.Stats.Submitted != 3 || st.Stats.Completed != 3 {
		t.Fatalf("stats = %+v, want 3 submitted, 3 completed", st.Stats)
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, Config{})

	if _, err := s.Submit(context.Background(), nil, SubmitOptions{}); !errors.Is(err, ErrNilWork) {
		t.Fatalf("nil work error = %v, want ErrNilWork", err)
	}
	if _, err := s.Submit(context.Background(), value(1), SubmitOptions{Priority: Priority(7)}); !errors.Is(err, ErrInvalidPriority) {
		t.Fatalf("bad priority error = %v, want ErrInvalidPriority", err)
	}
	r, err := s.Submit(context.Background(), value(1), SubmitOptions{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if r.ID() == "" {
		t.Fatal("expected generated task id")
	}
	mustWait(t, r)
}

func TestConcurrencyCapNeverExceeded(t *testing.T) {
	t.Parallel()
	s, rec := newTestService(t, Config{MaxConcurrent: 2})

	var running, peak atomic.Int32
	results := make([]*Result, 0, 5)
	for i := 0; i < 5; i++ {
		i := i
		r, err := s.Submit(context.Background(), func(context.Context) (any, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			running.Add(-1)
			return i, nil
		}, SubmitOptions{ID: fmt.Sprintf("t%d", i)})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if st := s.Status(); st.InFlight > 2 {
			t.Fatalf("InFlight = %d, want <= 2", st.InFlight)
		}
		results = append(results, r)
	}

	for i, r := range results {
		v, err := mustWait(t, r)
		if err != nil || v != i {
			t.Fatalf("result %d = (%v, %v), want (%d, nil)", i, v, err, i)
		}
	}
	if peak.Load() > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak.Load())
	}

	// Replay the event stream: started never outruns completed by more than 2.
	open := 0
	for _, typ := range rec.types() {
		switch typ {
		case EventStarted:
			open++
			if open > 2 {
				t.Fatalf("observed %d started without an intervening completion", open)
			}
		case EventCompleted, EventFailed:
			open--
		}
	}
}

func TestHighPriorityDispatchesFirstWhenSlotFrees(t *testing.T) {
	t.Parallel()
	s, rec := newTestService(t, Config{MaxConcurrent: 2})

	releaseA := make(chan struct{})
	releaseB := make(chan struct{})
	slowA, _ := s.Submit(context.Background(), blockUntil(releaseA, "slow"), SubmitOptions{ID: "slow-a"})
	slowB, _ := s.Submit(context.Background(), blockUntil(releaseB, "slow"), SubmitOptions{ID: "slow-b"})

	low, _ := s.Submit(context.Background(), value("low"), SubmitOptions{ID: "low", Priority: Low})
	medium, _ := s.Submit(context.Background(), value("medium"), SubmitOptions{ID: "medium", Priority: Medium})
	high, _ := s.Submit(context.Background(), value("high"), SubmitOptions{ID: "high", Priority: High})

	st := s.Status()
	if st.InFlight != 2 || st.Queued != (LaneCounts{Total: 3, High: 1, Medium: 1, Low: 1}) {
		t.Fatalf("status = %+v, want 2 in flight and one queued per lane", st)
	}

	close(releaseA)
	waitFor(t, "third dispatch", func() bool { return len(rec.ids(EventStarted)) >= 3 })
	if got := rec.ids(EventStarted)[2]; got != "high" {
		t.Fatalf("first dispatch after a slot freed = %s, want high", got)
	}

	close(releaseB)
	for _, r := range []*Result{slowA, slowB, high, medium, low} {
		if _, err := mustWait(t, r); err != nil {
			t.Fatalf("%s: %v", r.ID(), err)
		}
	}
}

func TestPerLaneFIFO(t *testing.T) {
	t.Parallel()
	s, rec := newTestService(t, Config{MaxConcurrent: 1})

	release := make(chan struct{})
	if _, err := s.Submit(context.Background(), blockUntil(release, nil), SubmitOptions{ID: "blocker"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	want := map[string][]string{}
	prios := []Priority{Low, High, Medium, Low, High, High, Medium, Low, Medium, High, Low, Low}
	for i, p := range prios {
		id := fmt.Sprintf("%s-%d", p, i)
		want[p.String()] = append(want[p.String()], id)
		if _, err := s.Submit(context.Background(), value(id), SubmitOptions{ID: id, Priority: p}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	got := map[string][]string{}
	rec.mu.Lock()
	for _, e := range rec.events {
		if e.Type != EventStarted {
			continue
		}
		ev := e.Data.(TaskEvent)
		if ev.ID == "blocker" {
			continue
		}
		got[ev.Priority] = append(got[ev.Priority], ev.ID)
	}
	rec.mu.Unlock()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("per-lane dispatch order mismatch (-want +got):\n%s", diff)
	}
}

func TestFailurePropagatesVerbatim(t *testing.T) {
	t.Parallel()
	s, rec := newTestService(t, Config{MaxConcurrent: 1})

	boom := errors.New("task failed")
	bad, _ := s.Submit(context.Background(), func(context.Context) (any, error) { return nil, boom }, SubmitOptions{ID: "bad"})
	good, _ := s.Submit(context.Background(), value("ok"), SubmitOptions{ID: "good"})

	if _, err := mustWait(t, bad); err != boom {
		t.Fatalf("error = %v, want the original error value", err)
	}
	if v, err := mustWait(t, good); err != nil || v != "ok" {
		t.Fatalf("next task = (%v, %v), want (ok, nil)", v, err)
	}
	st := s.Status()
	if st.Stats.Failed != 1 || st.Stats.Completed != 1 || st.InFlight != 0 {
		t.Fatalf("status = %+v, want 1 failed, 1 completed, idle", st)
	}
	if diff := cmp.Diff([]string{"bad"}, rec.ids(EventFailed)); diff != "" {
		t.Fatalf("failed events mismatch (-want +got):\n%s", diff)
	}
}

func TestPanicBecomesError(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, Config{MaxConcurrent: 1})

	r, _ := s.Submit(context.Background(), func(context.Context) (any, error) { panic("kaboom") }, SubmitOptions{})
	next, _ := s.Submit(context.Background(), value(1), SubmitOptions{})

	if _, err := mustWait(t, r); !errors.Is(err, ErrTaskPanic) {
		t.Fatalf("error = %v, want ErrTaskPanic", err)
	}
	if _, err := mustWait(t, next); err != nil {
		t.Fatalf("next task error: %v", err)
	}
}

func TestRateLimitDelaysInsteadOfRejecting(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	s, rec := newTestService(t,
		Config{MaxConcurrent: 5, RequestsPerMinute: 10, RequestsPerHour: 100, RetryDelay: 5 * time.Millisecond},
		WithClock(clock.Now),
	)

	results := make([]*Result, 11)
	for i := range results {
		r, err := s.Submit(context.Background(), value(i), SubmitOptions{ID: fmt.Sprintf("t%d", i)})
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		results[i] = r
	}
	for _, r := range results[:10] {
		if _, err := mustWait(t, r); err != nil {
			t.Fatalf("%s: %v", r.ID(), err)
		}
	}

	// Several retry ticks pass while the clock stands still.
	time.Sleep(40 * time.Millisecond)
	select {
	case <-results[10].Done():
		t.Fatal("11th task ran inside a full minute window")
	default:
	}
	st := s.Status()
	if st.InFlight != 0 || st.Queued.Total != 1 {
		t.Fatalf("status = %+v, want 0 in flight and 1 queued", st)
	}
	if st.RateWindow.Minute != (Window{Current: 10, Limit: 10}) {
		t.Fatalf("minute window = %+v, want 10/10", st.RateWindow.Minute)
	}
	if st.Stats.RateLimited == 0 || len(rec.ids(EventRateLimited)) == 0 {
		t.Fatal("expected rate limited counter and events")
	}

	clock.Advance(61 * time.Second)
	v, err := mustWait(t, results[10])
	if err != nil || v != 10 {
		t.Fatalf("11th task = (%v, %v), want (10, nil)", v, err)
	}
}

func TestRateLimitedEventNamesWaitingTask(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	s, rec := newTestService(t,
		Config{MaxConcurrent: 5, RequestsPerMinute: 1, RequestsPerHour: 100, RetryDelay: 5 * time.Millisecond},
		WithClock(clock.Now),
	)

	first, err := s.Submit(context.Background(), value(1), SubmitOptions{ID: "first"})
	if err != nil {
		t.Fatalf("Submit first: %v", err)
	}
	if _, err := mustWait(t, first); err != nil {
		t.Fatalf("first: %v", err)
	}
	waiting, err := s.Submit(context.Background(), value(2), SubmitOptions{ID: "waiting", Priority: Low})
	if err != nil {
		t.Fatalf("Submit waiting: %v", err)
	}
	waitFor(t, "rate limited event", func() bool { return len(rec.ids(EventRateLimited)) > 0 })

	rec.mu.Lock()
	var ev TaskEvent
	for _, e := range rec.events {
		if e.Type == EventRateLimited {
			ev = e.Data.(TaskEvent)
			break
		}
	}
	rec.mu.Unlock()
	want := TaskEvent{ID: "waiting", Priority: "LOW", MinuteCount: 1, HourCount: 1}
	got := TaskEvent{ID: ev.ID, Priority: ev.Priority, MinuteCount: ev.MinuteCount, HourCount: ev.HourCount}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("rate limited event mismatch (-want +got):\n%s", diff)
	}
	clock.Advance(61 * time.Second)
	if _, err := mustWait(t, waiting); err != nil {
		t.Fatalf("waiting: %v", err)
	}
}

func TestListenHandlerMayReadStatus(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	s, err := New(Config{}, WithBus(bus))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var mu sync.Mutex
	var seen []int
	unlisten := bus.Listen(func(e eventbus.Event) {
		if e.Type != EventCompleted {
			return
		}
		st := s.Status()
		mu.Lock()
		seen = append(seen, int(st.Stats.Completed))
		mu.Unlock()
	})
	defer unlisten()

	for i := 0; i < 3; i++ {
		r, err := s.Submit(context.Background(), value(i), SubmitOptions{})
		if err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		if _, err := mustWait(t, r); err != nil {
			t.Fatalf("task %d: %v", i, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]int{1, 2, 3}, seen); diff != "" {
		t.Fatalf("completed counts seen by handler (-want +got):\n%s", diff)
	}
}

func TestDrain(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, Config{MaxConcurrent: 2})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := s.Drain(ctx); err != nil {
		t.Fatalf("Drain on idle: %v", err)
	}
	if took := time.Since(start); took > 20*time.Millisecond {
		t.Fatalf("Drain on idle took %s", took)
	}

	var results []*Result
	for i := 0; i < 3; i++ {
		r, _ := s.Submit(context.Background(), func(context.Context) (any, error) {
			time.Sleep(30 * time.Millisecond)
			return nil, nil
		}, SubmitOptions{})
		results = append(results, r)
	}

	dctx, dcancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer dcancel()
	if err := s.Drain(dctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	for _, r := range results {
		select {
		case <-r.Done():
		default:
			t.Fatalf("%s not settled after Drain", r.ID())
		}
	}
	if st := s.Status(); !st.Idle() {
		t.Fatalf("status after Drain = %+v, want idle", st)
	}
}

func TestDrainHonoursContext(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, Config{MaxConcurrent: 1})
	release := make(chan struct{})
	defer close(release)
	s.Submit(context.Background(), blockUntil(release, nil), SubmitOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Drain error = %v, want DeadlineExceeded", err)
	}
}

func TestClearLeavesInFlightAlone(t *testing.T) {
	t.Parallel()
	s, rec := newTestService(t, Config{MaxConcurrent: 1})

	release := make(chan struct{})
	running, _ := s.Submit(context.Background(), blockUntil(release, "kept"), SubmitOptions{ID: "running"})
	q1, _ := s.Submit(context.Background(), value(1), SubmitOptions{ID: "q1", Priority: High})
	q2, _ := s.Submit(context.Background(), value(2), SubmitOptions{ID: "q2", Priority: Low})

	if n := s.Clear(); n != 2 {
		t.Fatalf("Clear = %d, want 2", n)
	}
	st := s.Status()
	if st.Queued.Total != 0 || st.InFlight != 1 || st.Served != (LaneCounts{}) {
		t.Fatalf("status after Clear = %+v, want empty lanes, 1 in flight, zero served", st)
	}
	for _, r := range []*Result{q1, q2} {
		if _, err := mustWait(t, r); !errors.Is(err, ErrCleared) {
			t.Fatalf("%s error = %v, want ErrCleared", r.ID(), err)
		}
	}

	close(release)
	if v, err := mustWait(t, running); err != nil || v != "kept" {
		t.Fatalf("in-flight task = (%v, %v), want (kept, nil)", v, err)
	}
	if got := s.Status().Stats; got.Cleared != 2 || got.Completed != 1 {
		t.Fatalf("stats = %+v, want 2 cleared, 1 completed", got)
	}
	if n := len(rec.ids(EventQueueCleared)); n != 1 {
		t.Fatalf("queue_cleared events = %d, want 1", n)
	}
}

func TestEventSequenceForOneTask(t *testing.T) {
	t.Parallel()
	s, rec := newTestService(t, Config{})
	r, _ := s.Submit(context.Background(), value(nil), SubmitOptions{ID: "solo", Priority: High})
	mustWait(t, r)

	want := []string{EventQueued, EventStarted, EventCompleted}
	if diff := cmp.Diff(want, rec.types()); diff != "" {
		t.Fatalf("event sequence mismatch (-want +got):\n%s", diff)
	}
	rec.mu.Lock()
	started := rec.events[1].Data.(TaskEvent)
	rec.mu.Unlock()
	if started.ID != "solo" || started.Priority != "HIGH" || started.InFlight != 1 {
		t.Fatalf("started payload = %+v", started)
	}
}

func TestDoTyped(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, Config{})
	got, err := Do(context.Background(), s, SubmitOptions{Priority: Low}, func(context.Context) (int, error) { return 42, nil })
	if err != nil || got != 42 {
		t.Fatalf("Do = (%d, %v), want (42, nil)", got, err)
	}

	want := errors.New("nope")
	if _, err := Do(context.Background(), s, SubmitOptions{}, func(context.Context) (string, error) { return "", want }); err != want {
		t.Fatalf("Do error = %v, want %v", err, want)
	}
}

func TestStopRejectsNewWork(t *testing.T) {
	t.Parallel()
	s, _ := newTestService(t, Config{})
	r, _ := s.Submit(context.Background(), value(1), SubmitOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-r.Done():
	default:
		t.Fatal("queued work should finish before Stop returns")
	}
	if _, err := s.Submit(context.Background(), value(2), SubmitOptions{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Submit after Stop error = %v, want ErrClosed", err)
	}
}

func TestInstancesAreIndependent(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	a, _ := newTestService(t, Config{RequestsPerMinute: 1, RetryDelay: time.Millisecond}, WithClock(clock.Now))
	b, _ := newTestService(t, Config{RequestsPerMinute: 1, RetryDelay: time.Millisecond}, WithClock(clock.Now))

	first, _ := a.Submit(context.Background(), value(1), SubmitOptions{})
	mustWait(t, first)
	blocked, _ := a.Submit(context.Background(), value(2), SubmitOptions{})

	other, _ := b.Submit(context.Background(), value(3), SubmitOptions{})
	if _, err := mustWait(t, other); err != nil {
		t.Fatalf("second instance blocked by first: %v", err)
	}
	select {
	case <-blocked.Done():
		t.Fatal("first instance should still be rate limited")
	default:
	}
}
