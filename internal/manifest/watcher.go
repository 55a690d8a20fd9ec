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
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher monitors the plugin directory for manifest changes and triggers
// debounced registry reloads.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	registry  *Registry
	logger    *slog.Logger

	// debounceDelay is the delay before reloading after file changes.
	debounceDelay time.Duration

	// onReload is invoked after each successful reload (optional).
	onReload func()

	mu            sync.Mutex
	pendingReload *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WatcherConfig configures the manifest watcher.
type WatcherConfig struct {
	// Registry is the manifest registry to reload on changes.
	Registry *Registry

	// Logger is used for structured logging (optional).
	Logger *slog.Logger

	// DebounceDelay is the delay before reloading after file changes
	// (defaults to 200ms).
	DebounceDelay time.Duration

	// OnReload is invoked after each successful reload (optional).
	OnReload func()
}

// NewWatcher creates a watcher over the registry's plugin directory.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	debounceDelay := cfg.DebounceDelay
	if debounceDelay == 0 {
		debounceDelay = 200 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &Watcher{
		fsWatcher:     fsWatcher,
		registry:      cfg.Registry,
		logger:        logger,
		debounceDelay: debounceDelay,
		onReload:      cfg.OnReload,
		ctx:           ctx,
		cancel:        cancel,
	}

	// fsnotify is not recursive: watch the root plus each plugin subdir.
	if err := w.addWatches(); err != nil {
		cancel()
		_ = fsWatcher.Close()
		return nil, err
	}

	w.wg.Add(1)
	go w.processEvents()

	return w, nil
}

// addWatches registers the plugin directory and its immediate subdirectories.
func (w *Watcher) addWatches() error {
	dir := w.registry.Dir()
	if err := w.fsWatcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch plugin directory %s: %w", dir, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read plugin directory %s: %w", dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub := filepath.Join(dir, e.Name())
		if err := w.fsWatcher.Add(sub); err != nil {
			w.logger.Warn("failed to watch plugin subdirectory", "path", sub, "error", err)
		}
	}
	return nil
}

// processEvents processes filesystem events and schedules reloads.
func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Create) {
				// A new plugin directory needs its own watch.
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.fsWatcher.Add(event.Name)
					w.scheduleReload()
					continue
				}
			}

			if isManifestFile(event.Name) && (event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)) {
				w.logger.Info("plugin manifest changed", "file", event.Name, "op", event.Op.String())
				w.scheduleReload()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("manifest watcher error", "error", err)

		case <-w.ctx.Done():
			return
		}
	}
}

// isManifestFile reports whether the path looks like a plugin manifest.
func isManifestFile(path string) bool {
	base := filepath.Base(path)
	return strings.EqualFold(base, "manifest.yaml") || strings.EqualFold(base, "manifest.yml")
}

// scheduleReload schedules a debounced registry reload.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	if w.pendingReload != nil {
		w.pendingReload.Stop()
	}
	w.pendingReload = time.AfterFunc(w.debounceDelay, w.reload)
	w.mu.Unlock()
}

// reload performs the registry reload and fires the callback.
func (w *Watcher) reload() {
	w.mu.Lock()
	w.pendingReload = nil
	w.mu.Unlock()

	if err := w.registry.Reload(); err != nil {
		w.logger.Error("manifest reload failed", "error", err)
		return
	}

	w.logger.Info("plugin manifests reloaded", "count", w.registry.Count())

	if w.onReload != nil {
		w.onReload()
	}
}

// Close shuts down the watcher.
func (w *Watcher) Close() error {
	w.cancel()

	w.mu.Lock()
	if w.pendingReload != nil {
		w.pendingReload.Stop()
		w.pendingReload = nil
	}
	w.mu.Unlock()

	w.wg.Wait()
	return w.fsWatcher.Close()
}
