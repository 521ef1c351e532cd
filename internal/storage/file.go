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

	logx "wsched/pkg/logx"
)

// fileStore appends results to <path> as JSON Lines and keeps the newest
// records in memory for Recent. When the file has grown to several times
// the retention it is rewritten with only the retained records.
type fileStore struct {
	log    logx.Logger
	path   string
	retain int

	mu     sync.Mutex
	f      *os.File
	ring   []ResultRecord
	head   int // next write slot
	n      int
	writes int // lines in the file
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, path: path, retain: cfg.retain()}
	s.ring = make([]ResultRecord, s.retain)
	if err := s.replay(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.f = f
	return s, nil
}

func (s *fileStore) replay() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	bad := 0
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec ResultRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			bad++
			continue
		}
		s.push(rec)
		s.writes++
	}
	if bad > 0 {
		s.log.Warn("skipped corrupt result lines", logx.String("path", s.path), logx.Int("count", bad))
	}
	return sc.Err()
}

func (s *fileStore) push(rec ResultRecord) {
	s.ring[s.head] = rec
	s.head = (s.head + 1) % len(s.ring)
	if s.n < len(s.ring) {
		s.n++
	}
}

func (s *fileStore) AppendResult(ctx context.Context, r ResultRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrDisabled
	}
	if _, err := s.f.Write(b); err != nil {
		return err
	}
	s.push(r)
	s.writes++
	if s.writes >= 4*s.retain {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("result log compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Recent(ctx context.Context, limit int) ([]ResultRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > s.n {
		limit = s.n
	}
	out := make([]ResultRecord, 0, limit)
	for i := 1; i <= limit; i++ {
		out = append(out, s.ring[(s.head-i+len(s.ring))%len(s.ring)])
	}
	return out, nil
}

// compactLocked rewrites the file with the retained records, oldest first.
func (s *fileStore) compactLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for i := s.n; i >= 1; i-- {
		if err := enc.Encode(s.ring[(s.head-i+len(s.ring))%len(s.ring)]); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	_ = s.f.Close()
	if err := os.Rename(tmp, s.path); err != nil {
		return s.reopenLocked(err)
	}
	s.writes = s.n
	return s.reopenLocked(nil)
}

func (s *fileStore) reopenLocked(cause error) error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.f = nil
		return errors.Join(cause, err)
	}
	s.f = f
	return cause
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
