package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// OverridesConfig holds per-director config overrides loaded from a
// second file, the Go-native analog of the teacher's tenant-overrides
// document — same merge shape, aimed at backend directors instead of
// tenants.
type OverridesConfig struct {
	Directors map[string]Config `yaml:"directors"`
}

// Manager resolves the effective Config for a given director, merging
// its overrides on top of the global config.
type Manager struct {
	global    *Config
	overrides map[string]Config
	mu        sync.RWMutex
}

// NewManager loads the master config plus an optional overrides file.
// A missing overrides file is not an error — it just means no director
// has a non-default configuration.
func NewManager(masterPath, overridesPath string) (*Manager, error) {
	master, err := LoadConfig(masterPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(overridesPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manager{global: master, overrides: make(map[string]Config)}, nil
		}
		return nil, err
	}
	defer f.Close()

	var oc OverridesConfig
	if err := yaml.NewDecoder(f).Decode(&oc); err != nil {
		return nil, err
	}

	return &Manager{global: master, overrides: oc.Directors}, nil
}

// Get returns the effective config for a director: the global config with
// the director's non-zero Session.MaxRestarts and Session.SessionLingerMs,
// its whole Backend block when Backend.ConnectTimeoutMs is non-zero, and
// its Directors list when non-empty. Other override fields are ignored.
func (m *Manager) Get(director string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.global

	override, ok := m.overrides[director]
	if !ok {
		return &effective
	}

	if override.Session.MaxRestarts != 0 {
		effective.Session.MaxRestarts = override.Session.MaxRestarts
	}
	if override.Session.SessionLingerMs != 0 {
		effective.Session.SessionLingerMs = override.Session.SessionLingerMs
	}
	if override.Backend.ConnectTimeoutMs != 0 {
		effective.Backend = override.Backend
	}
	if len(override.Directors) > 0 {
		effective.Directors = override.Directors
	}

	return &effective
}

// Reload re-reads the overrides file in place, picking up operator
// edits without a process restart.
func (m *Manager) Reload(overridesPath string) error {
	f, err := os.Open(overridesPath)
	if err != nil {
		return err
	}
	defer f.Close()

	var oc OverridesConfig
	if err := yaml.NewDecoder(f).Decode(&oc); err != nil {
		return err
	}

	m.mu.Lock()
	m.overrides = oc.Directors
	m.mu.Unlock()
	return nil
}
