package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "pacer/pkg/logx"
)

// fileStore appends outcomes to <prefix>.outcomes.jsonl.
type fileStore struct {
	log  logx.Logger
	path string

	mu sync.Mutex
	f  *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	p := filepath.Join(dir, base) + ".outcomes.jsonl"
	f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: p, f: f}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendOutcome(_ context.Context, o Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("outcome file closed")
	}
	return json.NewEncoder(s.f).Encode(o)
}

// RecentOutcomes scans the journal keeping a ring of the last limit records.
// Malformed lines (e.g. a torn final write) are skipped.
func (s *fileStore) RecentOutcomes(ctx context.Context, limit int) ([]Outcome, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]Outcome, limit)
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var o Outcome
		if err := json.Unmarshal(sc.Bytes(), &o); err != nil {
			s.log.Debug("skipping malformed outcome line", logx.Err(err))
			continue
		}
		ring[n%limit] = o
		n++
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	count := n
	if count > limit {
		count = limit
	}
	out := make([]Outcome, 0, count)
	for i := 0; i < count; i++ {
		out = append(out, ring[(n-1-i)%limit])
	}
	return out, nil
}
