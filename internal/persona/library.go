package persona

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// #region library

// Library holds the loaded content. Turns read Current; only Reload swaps
// it, so a turn never sees content change underneath it.
type Library struct {
	path    string
	current atomic.Pointer[Content]
	pending atomic.Bool
	loads   atomic.Int64
	mu      sync.Mutex // serializes Reload
	logger  *zap.Logger
}

// NewLibrary loads path. An empty path serves Default and cannot reload.
func NewLibrary(path string, logger *zap.Logger) (*Library, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Library{path: path, logger: logger.With(zap.String("component", "persona"))}
	if path == "" {
		c := Default()
		l.current.Store(&c)
		l.loads.Add(1)
		return l, nil
	}
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// FromContent wraps already loaded content.
func FromContent(c Content, logger *zap.Logger) (*Library, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Library{logger: logger.With(zap.String("component", "persona"))}
	c = c.clone()
	l.current.Store(&c)
	l.loads.Add(1)
	return l, nil
}

// Current returns a copy of the loaded content.
func (l *Library) Current() Content {
	return l.current.Load().clone()
}

// Reload re-reads the file. On failure the previous content stays active.
func (l *Library) Reload() error {
	if l.path == "" {
		return fmt.Errorf("reload: no persona file configured")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	c, err := LoadFile(l.path)
	if err != nil {
		l.logger.Warn("reload failed, keeping previous content", zap.Error(err))
		return err
	}
	l.current.Store(&c)
	l.pending.Store(false)
	n := l.loads.Add(1)
	l.logger.Info("persona loaded", zap.String("path", l.path), zap.Int64("generation", n), zap.Strings("agents", c.AgentNames()))
	return nil
}

// Pending reports whether the file changed since the last load.
func (l *Library) Pending() bool { return l.pending.Load() }

// Generation counts successful loads.
func (l *Library) Generation() int64 { return l.loads.Load() }

// #endregion

// #region watch

// Watch marks a reload as pending whenever the persona file changes. It
// never reloads by itself. Watch blocks until ctx is done.
func (l *Library) Watch(ctx context.Context, debounce time.Duration) error {
	if l.path == "" {
		<-ctx.Done()
		return nil
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	// Editors replace files on save; watch the directory and filter by name.
	dir := filepath.Dir(l.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(l.path)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn("watch error", zap.Error(err))
		case <-fire:
			fire = nil
			if !l.pending.Swap(true) {
				l.logger.Info("persona file changed, reload pending", zap.String("path", l.path))
			}
		}
	}
}

// #endregion
