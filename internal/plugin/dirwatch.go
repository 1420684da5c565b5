package plugin

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"sentinel/internal/config"
	logx "sentinel/pkg/logx"
)

// Ext is the plugin source file extension inside plugins_dir.
const Ext = ".tengo"

const dirDebounce = 200 * time.Millisecond

// Reconcile applies plugins_dir and the plugins section of cfg.
//
// Every <id>.tengo in plugins_dir is loaded enabled unless cfg.Plugins says
// otherwise. A config entry may point at another file, set the allowlist or
// disable the plugin. Plugins that came from the directory or config and are
// no longer described anywhere are removed; API-loaded plugins are left alone.
func (m *Manager) Reconcile(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		return nil
	}
	pc := &pluginConfig{dir: strings.TrimSpace(cfg.PluginsDir), plugins: cfg.Plugins}
	m.pcfg.Store(pc)

	ids := map[string]struct{}{}
	var errs []error
	if pc.dir != "" {
		names, err := listDir(pc.dir)
		if err != nil {
			errs = append(errs, err)
		}
		for _, id := range names {
			ids[id] = struct{}{}
		}
	}
	for id := range pc.plugins {
		ids[id] = struct{}{}
	}

	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)
	for _, id := range sorted {
		if err := m.syncOne(ctx, pc, id); err != nil {
			errs = append(errs, err)
		}
	}

	// Drop what the directory or config no longer describes.
	m.mu.RLock()
	var stale []string
	for id, e := range m.entries {
		if _, ok := ids[id]; ok {
			continue
		}
		if e.source == SourceDir || e.source == SourceConfig {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()
	for _, id := range stale {
		m.log.Info("plugin no longer configured; removing", logx.String("plugin", id))
		_ = m.Remove(ctx, id)
	}
	return errors.Join(errs...)
}

// listDir returns the ids of plugin files in dir.
func listDir(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read plugins_dir: %w", err)
	}
	var out []string
	for _, de := range ents {
		if de.IsDir() {
			continue
		}
		if id, ok := idFromFile(de.Name()); ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func idFromFile(name string) (string, bool) {
	if !strings.EqualFold(filepath.Ext(name), Ext) {
		return "", false
	}
	id := strings.TrimSuffix(name, filepath.Ext(name))
	return id, config.ValidPluginID(id)
}

// sourcePath returns the file that holds id's code.
func (pc *pluginConfig) sourcePath(id string) string {
	if raw, ok := pc.plugins[id]; ok && strings.TrimSpace(raw.File) != "" {
		f := strings.TrimSpace(raw.File)
		if !filepath.IsAbs(f) && pc.dir != "" {
			f = filepath.Join(pc.dir, f)
		}
		return f
	}
	if pc.dir == "" {
		return ""
	}
	return filepath.Join(pc.dir, id+Ext)
}

// syncOne brings a single plugin in line with its file and config entry.
func (m *Manager) syncOne(ctx context.Context, pc *pluginConfig, id string) error {
	raw, inConfig := pc.plugins[id]
	spec := LoadSpec{ID: id, Enabled: true, Source: SourceDir}
	if inConfig {
		spec.Enabled, spec.Allow, spec.Source = raw.Enabled, raw.Allow, SourceConfig
	}

	var code []byte
	if p := pc.sourcePath(id); p != "" {
		b, err := os.ReadFile(p)
		switch {
		case err == nil:
			code = b
		case errors.Is(err, os.ErrNotExist):
		default:
			return fmt.Errorf("plugin %s: %w", id, err)
		}
	}

	m.mu.RLock()
	e := m.entries[id]
	var (
		known     = e != nil
		oldSource string
		oldCode   string
	)
	if known {
		oldSource, oldCode = e.source, e.code
	}
	m.mu.RUnlock()

	switch {
	case code != nil:
		spec.Code = string(code)
	case inConfig && known:
		// Config tunes a plugin loaded through the API or restored from the store.
		spec.Code, spec.Source = oldCode, oldSource
	case known && (oldSource == SourceDir || oldSource == SourceConfig):
		m.log.Info("plugin file removed", logx.String("plugin", id))
		return m.Remove(ctx, id)
	default:
		if inConfig {
			m.log.Warn("configured plugin has no source file", logx.String("plugin", id), logx.String("path", pc.sourcePath(id)))
		}
		return nil
	}
	if _, err := m.Load(ctx, spec); err != nil {
		return fmt.Errorf("plugin %s: %w", id, err)
	}
	return nil
}

// WatchDir reloads plugins whose files change in the current plugins_dir.
// Writes are debounced per file. The watcher restarts with backoff if it
// breaks and returns when ctx ends.
func (m *Manager) WatchDir(ctx context.Context) error {
	dir := m.pcfg.Load().dir
	if dir == "" {
		<-ctx.Done()
		return nil
	}

	var (
		timersMu sync.Mutex
		timers   = map[string]*time.Timer{}
	)
	schedule := func(id string) {
		timersMu.Lock()
		defer timersMu.Unlock()
		if t := timers[id]; t != nil {
			t.Stop()
		}
		timers[id] = time.AfterFunc(dirDebounce, func() {
			timersMu.Lock()
			delete(timers, id)
			timersMu.Unlock()
			if ctx.Err() != nil {
				return
			}
			if err := m.syncOne(ctx, m.pcfg.Load(), id); err != nil {
				m.log.Warn("plugin reload failed", logx.String("plugin", id), logx.Err(err))
			}
		})
	}
	defer func() {
		timersMu.Lock()
		for _, t := range timers {
			t.Stop()
		}
		timersMu.Unlock()
	}()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	wait := 250 * time.Millisecond
	for ctx.Err() == nil {
		err := m.watchDirOnce(ctx, dir, schedule)
		if ctx.Err() != nil {
			return nil
		}
		sleep := wait/2 + time.Duration(rng.Int63n(int64(wait)))
		m.log.Warn("plugin watcher stopped; restarting", logx.String("dir", dir), logx.Duration("backoff", sleep), logx.Err(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}
		if wait < 5*time.Second {
			wait *= 2
		}
	}
	return nil
}

func (m *Manager) watchDirOnce(ctx context.Context, dir string, changed func(id string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch init: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch add %s: %w", dir, err)
	}
	m.log.Debug("plugin watcher started", logx.String("dir", dir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("events channel closed")
			}
			id, ok := idFromFile(filepath.Base(ev.Name))
			if !ok {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				changed(id)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("errors channel closed")
			}
			if err == nil {
				continue
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("plugin watch overflow; rescanning", logx.String("dir", dir))
				names, _ := listDir(dir)
				for _, id := range names {
					changed(id)
				}
				continue
			}
			m.log.Warn("plugin watch error", logx.Err(err), logx.String("dir", dir))
			if errors.Is(err, fsnotify.ErrClosed) {
				return err
			}
		}
	}
}
