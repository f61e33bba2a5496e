package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ChangeHandler receives the freshly loaded configuration after the
// watched file changes. Handlers must be fast; slow work belongs in a
// goroutine.
type ChangeHandler func(cfg *Config)

// Manager hot-reloads the queue and retry sections of the config file.
// Other sections take effect only on restart.
type Manager struct {
	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	mu       sync.RWMutex
	current  *Config
	handlers []ChangeHandler

	// Editors often replace rather than modify; debounce coalesces the
	// rename/create/write burst into one reload.
	debounce time.Duration
}

// NewManager loads path once and prepares the watcher.
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	return &Manager{
		path:     path,
		logger:   logger,
		watcher:  watcher,
		current:  cfg,
		debounce: 200 * time.Millisecond,
	}, nil
}

// Current returns the latest loaded configuration.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// OnChange registers a handler invoked after each successful reload.
func (m *Manager) OnChange(fn ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, fn)
}

// Watch blocks, reloading on file changes, until ctx is done.
func (m *Manager) Watch(ctx context.Context) error {
	// Watch the directory: file replacement would orphan a file watch.
	if err := m.watcher.Add(filepath.Dir(m.path)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}
	defer m.watcher.Close()

	var timer *time.Timer
	reload := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(m.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(m.debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("config watcher error", zap.Error(err))
		case <-reload:
			m.reload()
		}
	}
}

func (m *Manager) reload() {
	next, err := Load(m.path)
	if err != nil {
		m.logger.Error("config reload failed, keeping previous",
			zap.String("path", m.path), zap.Error(err))
		return
	}

	m.mu.Lock()
	prev := m.current
	// Hot-reloadable sections only; the rest keeps its boot values.
	merged := *prev
	merged.Queue = next.Queue
	merged.Retry = next.Retry
	m.current = &merged
	handlers := append([]ChangeHandler(nil), m.handlers...)
	m.mu.Unlock()

	m.logger.Info("config reloaded",
		zap.String("path", m.path),
		zap.Int("queue_max_age_sec", merged.Queue.MaxAgeSec),
		zap.Int("retry_max_attempts", merged.Retry.MaxAttempts))
	for _, fn := range handlers {
		fn(&merged)
	}
}

// WriteExample writes a commented starter config to path, refusing to
// overwrite an existing file.
func WriteExample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}
	doc := map[string]any{
		"queue": map[string]any{
			"max_age_sec":  86400,
			"buffer_sec":   3600,
			"receive_rate": 0,
		},
		"retry": map[string]any{
			"base":         "1s",
			"factor":       2.0,
			"jitter":       0.2,
			"max_delay":    "5m",
			"max_attempts": 10,
		},
		"logging": map[string]any{"level": "info"},
		"redis":   map[string]any{"url": "redis://localhost:6379"},
	}
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}
