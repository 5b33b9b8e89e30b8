// Package lifecycle supervises provider lifetimes: boot recovery from the
// persisted manifest, probing and registering predefined providers, periodic
// health sweeps, and orderly shutdown.
package lifecycle

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"toolgate/internal/registry"
)

// PersistedProvider is the minimal record needed to resurrect a provider
// across gateway restarts. Predefined providers are never persisted; they are
// re-derived from the built-in table on every boot.
type PersistedProvider struct {
	RegistryIDHint string   `yaml:"registry_id_hint"`
	DisplayName    string   `yaml:"display_name,omitempty"`
	Kind           string   `yaml:"kind"`
	Endpoint       string   `yaml:"endpoint,omitempty"`
	Provenance     string   `yaml:"provenance"`
	Command        string   `yaml:"command,omitempty"`
	Args           []string `yaml:"args,omitempty"`
}

// Spawned reports whether this provider was started by us and must be
// respawned, as opposed to an external one we merely reconnect to.
func (p PersistedProvider) Spawned() bool {
	return p.Provenance == registry.ProvenanceSpawned.String()
}

type manifestFile struct {
	Providers []PersistedProvider `yaml:"providers"`
}

// Store persists the provider manifest to a YAML file. Writes go through a
// temp file and rename so a crash mid-write never corrupts the manifest.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore opens a manifest store at path. The file may not exist yet.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the manifest. A missing file is an empty manifest, not an error.
func (s *Store) Load() ([]PersistedProvider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var mf manifestFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", s.path, err)
	}
	return mf.Providers, nil
}

// Save writes the full provider list atomically.
func (s *Store) Save(providers []PersistedProvider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(providers)
}

func (s *Store) saveLocked(providers []PersistedProvider) error {
	data, err := yaml.Marshal(manifestFile{Providers: providers})
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".manifest-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp manifest: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close manifest: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("commit manifest: %w", err)
	}
	return nil
}

// Upsert adds or replaces one provider record, keyed by registry ID hint.
func (s *Store) Upsert(p PersistedProvider) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	providers, err := s.loadLocked()
	if err != nil {
		return err
	}
	replaced := false
	for i := range providers {
		if providers[i].RegistryIDHint == p.RegistryIDHint {
			providers[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		providers = append(providers, p)
	}
	return s.saveLocked(providers)
}

// Remove drops one provider record. Removing an absent record is a no-op.
func (s *Store) Remove(registryIDHint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	providers, err := s.loadLocked()
	if err != nil {
		return err
	}
	kept := providers[:0]
	for _, p := range providers {
		if p.RegistryIDHint != registryIDHint {
			kept = append(kept, p)
		}
	}
	if len(kept) == len(providers) {
		return nil
	}
	return s.saveLocked(kept)
}

func (s *Store) loadLocked() ([]PersistedProvider, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var mf manifestFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", s.path, err)
	}
	return mf.Providers, nil
}
