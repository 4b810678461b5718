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
	"time"

	logx "distmon/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.polls.jsonl (append-only JSON Lines, pruned by rewrite)
//   - <prefix>.audit.jsonl (append-only JSON Lines, never pruned)
//
// Pruning rewrites the polls file through a temp file + rename so a crash
// mid-prune leaves either the old or the new file, never a torn one.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	pollsPath string
	pollsFile *os.File
	auditFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	pollsPath := prefix + ".polls.jsonl"
	auditPath := prefix + ".audit.jsonl"

	pf, err := os.OpenFile(pollsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = pf.Close()
		return nil, err
	}

	return &fileStore{
		log:       log,
		pollsPath: pollsPath,
		pollsFile: pf,
		auditFile: af,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.pollsFile != nil {
		err1 = s.pollsFile.Close()
		s.pollsFile = nil
	}
	if s.auditFile != nil {
		err2 = s.auditFile.Close()
		s.auditFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendPoll(ctx context.Context, r PollRecord) error {
	_ = ctx
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollsFile == nil {
		return errors.New("polls file closed")
	}
	return json.NewEncoder(s.pollsFile).Encode(r)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) PrunePolls(ctx context.Context, olderThan time.Time) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollsFile == nil {
		return 0, errors.New("polls file closed")
	}

	src, err := os.Open(s.pollsPath)
	if err != nil {
		return 0, err
	}

	tmpPath := s.pollsPath + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		_ = src.Close()
		return 0, err
	}

	dropped := 0
	enc := json.NewEncoder(tmp)
	sc := bufio.NewScanner(src)
	for sc.Scan() {
		var r PollRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// Unparseable line: drop it along with the expired records.
			dropped++
			continue
		}
		if r.At.Before(olderThan) {
			dropped++
			continue
		}
		if err := enc.Encode(r); err != nil {
			_ = src.Close()
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return 0, err
		}
	}
	_ = src.Close()
	if err := sc.Err(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}

	if err := os.Rename(tmpPath, s.pollsPath); err != nil {
		_ = os.Remove(tmpPath)
		return 0, err
	}

	// Swap the append handle onto the rewritten file.
	_ = s.pollsFile.Close()
	pf, err := os.OpenFile(s.pollsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.pollsFile = nil
		return dropped, err
	}
	s.pollsFile = pf

	if dropped > 0 {
		s.log.Debug("poll history pruned", logx.Int("dropped", dropped))
	}
	return dropped, nil
}
