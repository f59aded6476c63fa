package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"sync"

	logx "relaybot/pkg/logx"
)

// ConfigManager owns the config file: it loads it, reloads it on demand or
// on change, and hands each new version to subscribers.
type ConfigManager struct {
	path    string
	log     logx.Logger
	secrets func() (Secrets, error)

	mu      sync.RWMutex
	cfg     *Config
	version uint64

	subsMu sync.Mutex
	subs   map[chan *Config]struct{}
}

func NewConfigManager(path string) *ConfigManager {
	return &ConfigManager{
		path:    path,
		log:     logx.Nop(),
		secrets: LoadSecrets,
		subs:    make(map[chan *Config]struct{}),
	}
}

func (m *ConfigManager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

func (m *ConfigManager) Path() string { return m.path }

// Parse builds a Config from the file without committing it: the file is
// decoded over Default, unknown keys are rejected, environment secrets
// win over file values, then the result is validated.
func (m *ConfigManager) Parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	doc, format, err := coerceToJSON(m.path, raw)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s config %s: %w", format, m.path, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode %s config %s: unexpected data after the document", format, m.path)
	}

	env, err := m.secrets()
	if err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	env.Overlay(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load parses and commits without notifying subscribers.
func (m *ConfigManager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	m.swap(cfg)
	return cfg, nil
}

func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Reload re-reads the file. A rejected file leaves the running config in
// place; an unchanged one is not republished.
func (m *ConfigManager) Reload() error {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config reload rejected", logx.String("path", m.path), logx.Err(err))
		return err
	}
	if !m.swap(cfg) {
		m.log.Debug("config unchanged", logx.String("path", m.path))
		return nil
	}
	m.broadcast(cfg)
	m.log.Info("config reloaded", logx.String("path", m.path))
	return nil
}

// swap commits cfg and reports whether its content differs from the
// previous version.
func (m *ConfigManager) swap(cfg *Config) bool {
	v := fingerprint(cfg)
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := m.cfg == nil || v == 0 || v != m.version
	m.cfg, m.version = cfg, v
	return changed
}

func fingerprint(cfg *Config) uint64 {
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Subscribe returns a channel that always holds the newest unread config.
// The cancel func closes it.
func (m *ConfigManager) Subscribe() (<-chan *Config, func()) {
	ch := make(chan *Config, 1)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, ch)
			m.subsMu.Unlock()
			close(ch)
		})
	}
}

func (m *ConfigManager) broadcast(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		// Replace an unread older version.
		select {
		case <-ch:
		default:
		}
		ch <- cfg
	}
}
