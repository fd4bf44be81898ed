package entity

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/srg/rvlink/internal/device"
	"gopkg.in/yaml.v3"
)

// NameCacheVersion is the current version of the cache file format.
const NameCacheVersion = 1

// DefaultName is the generic label used until metadata resolves a friendly name.
func DefaultName(kind Kind, key Key) string {
	return fmt.Sprintf("%s %d-%d", kind, key.Table, key.ID)
}

type nameCacheFile struct {
	Version     int                          `yaml:"version"`
	SavedAt     time.Time                    `yaml:"saved_at"`
	Peripherals map[string]map[string]string `yaml:"peripherals,omitempty"`
}

// NameCache is the persistent map PeripheralIdentity -> {entity key -> name}.
// It is the only state that outlives a session and is shared by every session,
// so all access is guarded. Each change is written back immediately.
type NameCache struct {
	mu    sync.RWMutex
	path  string
	names map[string]map[string]string
}

// OpenNameCache loads the cache at path. A missing file is an empty cache; an
// empty path keeps the cache in memory only.
func OpenNameCache(path string) (*NameCache, error) {
	c := &NameCache{path: path, names: make(map[string]map[string]string)}
	if path == "" {
		return c, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read name cache: %w", err)
	}

	var f nameCacheFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse name cache %s: %w", path, err)
	}
	for id, names := range f.Peripherals {
		if names != nil {
			c.names[id] = names
		}
	}
	return c, nil
}

// Path returns the backing file, or "" for an in-memory cache.
func (c *NameCache) Path() string { return c.path }

// Lookup returns the cached friendly name for an entity.
func (c *NameCache) Lookup(id device.PeripheralIdentity, key Key) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.names[id.String()][key.String()]
	return name, ok
}

// NameFor returns the cached name or the generic fallback.
func (c *NameCache) NameFor(id device.PeripheralIdentity, kind Kind, key Key) string {
	if name, ok := c.Lookup(id, key); ok && name != "" {
		return name
	}
	return DefaultName(kind, key)
}

// Set stores a resolved name and persists the cache when it changed.
func (c *NameCache) Set(id device.PeripheralIdentity, key Key, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ident := id.String()
	names, ok := c.names[ident]
	if !ok {
		names = make(map[string]string)
		c.names[ident] = names
	}
	if names[key.String()] == name {
		return false, nil
	}
	names[key.String()] = name
	return true, c.saveLocked()
}

// Names returns a copy of the names cached for one peripheral.
func (c *NameCache) Names(ident string) map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.names[ident]))
	for k, v := range c.names[ident] {
		out[k] = v
	}
	return out
}

// Identities returns every peripheral with cached names, sorted.
func (c *NameCache) Identities() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.names))
	for id := range c.names {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Clear forgets one peripheral, or every peripheral when ident is empty.
func (c *NameCache) Clear(ident string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ident == "" {
		c.names = make(map[string]map[string]string)
	} else {
		delete(c.names, ident)
	}
	return c.saveLocked()
}

func (c *NameCache) saveLocked() error {
	if c.path == "" {
		return nil
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	data, err := yaml.Marshal(nameCacheFile{
		Version:     NameCacheVersion,
		SavedAt:     time.Now().UTC(),
		Peripherals: c.names,
	})
	if err != nil {
		return fmt.Errorf("failed to encode name cache: %w", err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write name cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("failed to replace name cache: %w", err)
	}
	return nil
}
