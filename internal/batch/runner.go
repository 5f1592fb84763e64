// Package batch fans a list of fetch targets through the shared limiter and
// collects a per-target report.
package batch

import (
	"context"
	"errors"
	"time"

	"pacer/internal/fetch"
	"pacer/internal/task/limiter"
	logx "pacer/pkg/logx"
)

// Submitter is satisfied by *limiter.Service.
type Submitter interface {
	Submit(ctx context.Context, work limiter.Work, opt limiter.SubmitOptions) (*limiter.Result, error)
}

type Target struct {
	ID       string
	URL      string
	Priority limiter.Priority
}

type Item struct {
	ID       string        `json:"id"`
	URL      string        `json:"url"`
	Priority string        `json:"priority"`
	Status   int           `json:"status,omitempty"`
	Bytes    int64         `json:"bytes,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	Err      string        `json:"err,omitempty"`
}

type Report struct {
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Items    []Item    `json:"items"`
	OK       int       `json:"ok"`
	Failed   int       `json:"failed"`
}

type Runner struct {
	Limiter Submitter
	Fetch   *fetch.Client
	Log     logx.Logger
}

// Run submits every target, then waits for all of them. Items keep target
// order. If ctx ends first, unfinished items report ctx.Err(); the tasks
// themselves keep running inside the limiter.
func (r *Runner) Run(ctx context.Context, targets []Target) Report {
	rep := Report{Started: time.Now(), Items: make([]Item, len(targets))}
	handles := make([]*limiter.Result, len(targets))

	for i, t := range targets {
		p := t.Priority
		if p == 0 {
			p = limiter.Medium
		}
		rep.Items[i] = Item{ID: t.ID, URL: t.URL, Priority: p.String()}
		res, err := r.Limiter.Submit(ctx, r.Fetch.Work(t.URL), limiter.SubmitOptions{ID: t.ID, Priority: p})
		if err != nil {
			rep.Items[i].Err = err.Error()
			continue
		}
		rep.Items[i].ID = res.ID()
		handles[i] = res
	}

	for i, res := range handles {
		if res == nil {
			continue
		}
		v, err := res.Wait(ctx)
		it := &rep.Items[i]
		if resp, ok := v.(fetch.Response); ok {
			it.Status, it.Bytes, it.Duration = resp.Status, resp.Bytes, resp.Duration
		}
		var se *fetch.StatusError
		if errors.As(err, &se) {
			it.Status = se.Status
		}
		if err != nil {
			it.Err = err.Error()
		}
	}

	for _, it := range rep.Items {
		if it.Err == "" {
			rep.OK++
		} else {
			rep.Failed++
		}
	}
	rep.Finished = time.Now()

	r.Log.Info("batch finished",
		logx.Int("targets", len(targets)),
		logx.Int("ok", rep.OK),
		logx.Int("failed", rep.Failed),
		logx.Duration("took", rep.Finished.Sub(rep.Started)),
	)
	return rep
}
