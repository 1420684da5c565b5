package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"sentinel/internal/exchange"
	logx "sentinel/pkg/logx"
)

// fileStore is a dependency-free persistence backend layered on memStore.
//
// Files:
//   - <prefix>.findings.jsonl       (append-only JSON Lines)
//   - <prefix>.plugins.snapshot.json (rewritten atomically on each change)
//
// The findings journal is compacted to the retained window once it holds
// twice as many lines as the memory bound.
type fileStore struct {
	*memStore
	log logx.Logger

	findingsPath string
	pluginsPath  string
	journal      *os.File
	lines        int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		memStore:     newMem(cfg.MaxFindings),
		log:          log,
		findingsPath: prefix + ".findings.jsonl",
		pluginsPath:  prefix + ".plugins.snapshot.json",
	}
	n, err := s.replayFindings()
	if err != nil {
		return nil, err
	}
	s.lines = n
	if err := s.loadPlugins(); err != nil {
		return nil, err
	}

	jf, err := os.OpenFile(s.findingsPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("findings", len(s.order)), logx.Int("plugins", len(s.plugins)))
	return s, nil
}

// replayFindings loads the journal. A torn last line (crash mid-write) is skipped.
func (s *fileStore) replayFindings() (int, error) {
	f, err := os.Open(s.findingsPath)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 8<<20)
	lines := 0
	for sc.Scan() {
		lines++
		var fd exchange.Finding
		if err := json.Unmarshal(sc.Bytes(), &fd); err != nil || fd.ID == "" {
			s.log.Warn("skipping corrupt finding record", logx.Int("line", lines))
			continue
		}
		s.putFindingLocked(fd)
	}
	return lines, sc.Err()
}

func (s *fileStore) loadPlugins() error {
	b, err := os.ReadFile(s.pluginsPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var list []PluginDescriptor
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	for _, d := range list {
		s.plugins[d.ID] = d
	}
	return nil
}

func (s *fileStore) PutFinding(_ context.Context, f exchange.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(f); err != nil {
		return err
	}
	s.putFindingLocked(f)
	s.lines++
	if s.lines >= 2*s.max {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("findings compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.findingsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, id := range s.order {
		if err := enc.Encode(s.findings[id]); err != nil {
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
	if err := os.Rename(tmp, s.findingsPath); err != nil {
		return err
	}
	_ = s.journal.Close()
	jf, err := os.OpenFile(s.findingsPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		s.journal = nil
		return err
	}
	s.journal = jf
	s.lines = len(s.order)
	return nil
}

func (s *fileStore) PutPlugin(_ context.Context, d PluginDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	s.plugins[d.ID] = d
	return s.snapshotPluginsLocked()
}

func (s *fileStore) DeletePlugin(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plugins[id]; !ok {
		return nil
	}
	delete(s.plugins, id)
	return s.snapshotPluginsLocked()
}

func (s *fileStore) snapshotPluginsLocked() error {
	list := make([]PluginDescriptor, 0, len(s.plugins))
	for _, d := range s.plugins {
		list = append(list, d)
	}
	b, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.pluginsPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.pluginsPath)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}
