// Copyright 2025 Agentside
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// ManifestGlob matches manifest files underneath a plugin directory.
// Each plugin lives in its own subdirectory with a manifest.yaml at its root.
const ManifestGlob = "*/manifest.{yaml,yml}"

// Registry holds the loaded plugin manifests, keyed by plugin name.
// Reload replaces the whole set atomically; readers always see a
// consistent snapshot.
type Registry struct {
	dir string

	mu        sync.RWMutex
	manifests map[string]*Manifest
}

// NewRegistry creates a registry backed by the given plugin directory and
// performs an initial load.
func NewRegistry(dir string) (*Registry, error) {
	r := &Registry{
		dir:       dir,
		manifests: make(map[string]*Manifest),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Dir returns the plugin directory this registry scans.
func (r *Registry) Dir() string {
	return r.dir
}

// Reload rescans the plugin directory and replaces the manifest set.
// A manifest that fails to parse or validate fails the whole reload so a
// broken deploy never half-applies.
func (r *Registry) Reload() error {
	matches, err := doublestar.Glob(os.DirFS(r.dir), ManifestGlob)
	if err != nil {
		return fmt.Errorf("failed to scan plugin directory %s: %w", r.dir, err)
	}

	loaded := make(map[string]*Manifest, len(matches))
	for _, rel := range matches {
		path := filepath.Join(r.dir, rel)
		m, err := LoadFile(path)
		if err != nil {
			return err
		}
		if _, dup := loaded[m.Name]; dup {
			return fmt.Errorf("duplicate plugin manifest for %q (%s)", m.Name, path)
		}
		loaded[m.Name] = m
	}

	r.mu.Lock()
	r.manifests = loaded
	r.mu.Unlock()

	return nil
}

// LoadFile parses and validates a single manifest file.
func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	m.path = path

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}

	return &m, nil
}

// Get returns the manifest for a plugin, or an error if it is unknown.
func (r *Registry) Get(pluginID string) (*Manifest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.manifests[pluginID]
	if !ok {
		return nil, fmt.Errorf("unknown plugin %q", pluginID)
	}
	return m, nil
}

// List returns all loaded manifests sorted by name.
func (r *Registry) List() []*Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Manifest, 0, len(r.manifests))
	for _, m := range r.manifests {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of loaded manifests.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.manifests)
}
