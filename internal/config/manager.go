package config

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ReloadCallback is called with the previous and the new configuration
// after a reload passed validation. Returning an error rejects the reload.
type ReloadCallback func(old, new *Config) error

// Manager holds the current configuration and reloads it when the
// config file changes.
type Manager struct {
	path      string
	logger    *zap.Logger
	debounce  time.Duration
	mu        sync.RWMutex
	config    *Config
	callbacks []ReloadCallback
}

// NewManager loads path (optional) over the defaults and environment.
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	m := &Manager{path: path, logger: logger, debounce: 500 * time.Millisecond}
	cfg, err := m.load()
	if err != nil {
		return nil, err
	}
	m.config = cfg
	return m, nil
}

// Load reads the configuration once without watching.
func Load(path string) (*Config, error) {
	m := &Manager{path: path, logger: zap.NewNop()}
	return m.load()
}

func (m *Manager) load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults go in as a config layer so every key is known to the
	// environment lookup.
	defaults, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("encode defaults: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if m.path != "" {
		if _, err := os.Stat(m.path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", m.path, err)
		}
		v.SetConfigFile(m.path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", m.path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Current returns the active configuration. Callers must not mutate it.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

func (m *Manager) OnReload(cb ReloadCallback) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, cb)
	m.mu.Unlock()
}

// Reload re-reads the file. The active configuration is kept when the new
// one fails validation or a callback rejects it.
func (m *Manager) Reload() error {
	next, err := m.load()
	if err != nil {
		return err
	}

	m.mu.RLock()
	prev := m.config
	callbacks := append([]ReloadCallback(nil), m.callbacks...)
	m.mu.RUnlock()

	for _, cb := range callbacks {
		if err := cb(prev, next); err != nil {
			return fmt.Errorf("reload callback failed: %w", err)
		}
	}

	m.mu.Lock()
	m.config = next
	m.mu.Unlock()
	m.logger.Info("Configuration reloaded", zap.String("path", m.path))
	return nil
}

// Watch reloads on file changes until ctx is done. Editors often replace
// the file, so the parent directory is watched.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		m.logger.Info("No config file to watch, hot-reload disabled")
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	dir := filepath.Dir(m.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		debounceTimer := time.NewTimer(0)
		debounceTimer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !sameFile(event.Name, m.path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounceTimer.Reset(m.debounce)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Error("File watcher error", zap.Error(err))
			case <-debounceTimer.C:
				if err := m.Reload(); err != nil {
					m.logger.Error("Failed to reload configuration", zap.Error(err))
				}
			}
		}
	}()
	m.logger.Info("Watching configuration", zap.String("path", m.path))
	return nil
}

func sameFile(a, b string) bool {
	ia, errA := os.Stat(a)
	ib, errB := os.Stat(b)
	if errA != nil || errB != nil {
		return strings.TrimPrefix(a, "./") == strings.TrimPrefix(b, "./")
	}
	return os.SameFile(ia, ib)
}
