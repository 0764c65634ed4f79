package config

import (
	"fmt"
	"sync"
	"sync/atomic"

	"threatwatch/metrics"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Manager owns the live configuration. Readers take an immutable snapshot
// with Current; a reload builds a new Config and swaps the pointer.
type Manager struct {
	v            *viper.Viper
	explicitPath bool
	current      atomic.Pointer[Config]
	logger       *zap.SugaredLogger

	mu        sync.Mutex
	listeners []Listener
}

// Listener validates a candidate config and prepares derived state.
// The returned commit func runs only once every listener has accepted.
type Listener func(*Config) (commit func(), err error)

// NewManager loads the configuration and returns a manager serving it
func NewManager(path string, logger *zap.SugaredLogger) (*Manager, error) {
	m := &Manager{
		v:            newViper(path),
		explicitPath: path != "",
		logger:       logger,
	}
	cfg, err := readAndDecode(m.v, m.explicitPath)
	if err != nil {
		return nil, err
	}
	if err := LoadSecrets(cfg); err != nil {
		return nil, err
	}
	m.current.Store(cfg)
	return m, nil
}

// NewStaticManager wraps an already built config; Reload is not available
func NewStaticManager(cfg *Config, logger *zap.SugaredLogger) *Manager {
	m := &Manager{logger: logger}
	m.current.Store(cfg)
	return m
}

// Current returns the active snapshot. Callers must not modify it.
func (m *Manager) Current() *Config {
	return m.current.Load()
}

// OnChange registers fn for every reload.
// If any listener returns an error the reload is rejected and the old snapshot stays.
func (m *Manager) OnChange(fn Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Reload re-reads the config file and swaps the snapshot if it is valid
func (m *Manager) Reload() error {
	if m.v == nil {
		return fmt.Errorf("config manager has no backing file")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := readAndDecode(m.v, m.explicitPath)
	if err != nil {
		return err
	}
	if err := LoadSecrets(cfg); err != nil {
		return err
	}
	commits := make([]func(), 0, len(m.listeners))
	for _, fn := range m.listeners {
		commit, err := fn(cfg)
		if err != nil {
			return fmt.Errorf("config rejected: %w", err)
		}
		if commit != nil {
			commits = append(commits, commit)
		}
	}

	m.current.Store(cfg)
	for _, commit := range commits {
		commit()
	}
	return nil
}

// Watch reloads on every change to the config file
func (m *Manager) Watch() {
	if m.v == nil {
		return
	}
	m.v.OnConfigChange(func(e fsnotify.Event) {
		if err := m.Reload(); err != nil {
			metrics.ConfigReloads.WithLabelValues("rejected").Inc()
			m.logger.Errorw("Config reload rejected, keeping previous configuration",
				"file", e.Name,
				"error", err)
			return
		}
		metrics.ConfigReloads.WithLabelValues("applied").Inc()
		m.logger.Infow("Configuration reloaded", "file", e.Name)
	})
	m.v.WatchConfig()
}
