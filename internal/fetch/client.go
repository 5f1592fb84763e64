// Package fetch turns outbound HTTP GETs into limiter work items.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"pacer/internal/task/limiter"
)

const (
	defaultTimeout      = 15 * time.Second
	defaultMaxBodyBytes = 1 << 20
	defaultUserAgent    = "pacer/1"
)

// Observer receives one call per request. status is 0 on transport errors.
type Observer interface {
	ObserveFetch(status int, d time.Duration)
}

// Response summarizes a completed fetch. The body is counted, not kept.
type Response struct {
	URL      string        `json:"url"`
	Status   int           `json:"status"`
	Bytes    int64         `json:"bytes"`
	Duration time.Duration `json:"duration"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Status)
}

type Client struct {
	HTTP         *http.Client
	UserAgent    string
	MaxBodyBytes int64
	Observer     Observer
}

// New returns a client with its own http.Client bounded by timeout.
func New(timeout time.Duration, userAgent string, maxBody int64) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		HTTP:         &http.Client{Timeout: timeout},
		UserAgent:    userAgent,
		MaxBodyBytes: maxBody,
	}
}

// Get fetches url, reading at most MaxBodyBytes of the body.
func (c *Client) Get(ctx context.Context, url string) (Response, error) {
	hc := c.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: defaultTimeout}
	}
	limit := c.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	ua := c.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Response{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	req.Header.Set("User-Agent", ua)

	resp, err := hc.Do(req)
	if err != nil {
		c.observe(0, time.Since(start))
		return Response{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	n, err := io.Copy(io.Discard, io.LimitReader(resp.Body, limit))
	out := Response{URL: url, Status: resp.StatusCode, Bytes: n, Duration: time.Since(start)}
	c.observe(resp.StatusCode, out.Duration)
	if err != nil {
		return out, fmt.Errorf("fetch %s: read body: %w", url, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, &StatusError{URL: url, Status: resp.StatusCode}
	}
	return out, nil
}

func (c *Client) observe(status int, d time.Duration) {
	if c.Observer != nil {
		c.Observer.ObserveFetch(status, d)
	}
}

// Work wraps Get as a limiter work item. The value is a Response.
func (c *Client) Work(url string) limiter.Work {
	return func(ctx context.Context) (any, error) {
		resp, err := c.Get(ctx, url)
		if err != nil {
			return nil, err
		}
		return resp, nil
	}
}
