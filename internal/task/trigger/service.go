package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	logx "pacer/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Job is invoked on every tick with the context passed to Start.
type Job func(ctx context.Context)

// Entry describes one registered schedule.
type Entry struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next,omitempty"`
	Prev time.Time `json:"prev,omitempty"`
}

type def struct {
	name  string
	spec  string
	sched cron.Schedule
	job   Job
	id    cron.EntryID
}

// Service fires named jobs on cron or interval schedules. A tick that lands
// while the previous run of the same job is still going is skipped.
type Service struct {
	log logx.Logger
	loc *time.Location

	mu   sync.Mutex
	defs map[string]*def
	c    *cron.Cron
	ctx  context.Context
}

func New(loc *time.Location, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Service{log: log, loc: loc, defs: map[string]*def{}}
}

// Add registers or replaces a named job. It may be called before or after
// Start.
func (s *Service) Add(name, spec string, job Job) error {
	if name == "" {
		return errors.New("trigger: name required")
	}
	if job == nil {
		return errors.New("trigger: job required")
	}
	sched, err := ParseSchedule(spec)
	if err != nil {
		return fmt.Errorf("trigger %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old := s.defs[name]; old != nil && s.c != nil {
		s.c.Remove(old.id)
	}
	d := &def{name: name, spec: spec, sched: sched, job: job}
	s.defs[name] = d
	if s.c != nil {
		s.scheduleLocked(d)
	}
	s.log.Debug("trigger registered", logx.String("name", name), logx.String("spec", spec))
	return nil
}

// Remove unregisters a job. It reports whether the name was known.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.defs[name]
	if d == nil {
		return false
	}
	if s.c != nil {
		s.c.Remove(d.id)
	}
	delete(s.defs, name)
	return true
}

func (s *Service) scheduleLocked(d *def) {
	job := cron.NewChain(
		cron.Recover(cronLogger{s.log}),
		cron.SkipIfStillRunning(cronLogger{s.log}),
	).Then(cron.FuncJob(func() {
		start := time.Now()
		d.job(s.ctx)
		s.log.Debug("trigger fired", logx.String("name", d.name), logx.Duration("took", time.Since(start)))
	}))
	d.id = s.c.Schedule(d.sched, job)
}

// Start begins firing. Jobs receive ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.c = cron.New(cron.WithParser(parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		s.scheduleLocked(d)
	}
	s.c.Start()
	s.log.Info("trigger service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop halts firing and waits for running jobs until ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		s.log.Info("trigger service stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entries lists registered jobs sorted by name.
func (s *Service) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.defs))
	for _, d := range s.defs {
		e := Entry{Name: d.name, Spec: d.spec}
		if s.c != nil {
			ce := s.c.Entry(d.id)
			e.Next, e.Prev = ce.Next, ce.Prev
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Warn("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
