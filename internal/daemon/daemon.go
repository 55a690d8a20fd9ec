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

// Package daemon wires the plugin orchestration subsystem into a
// running process: store, manifest registry, port allocator, worker
// manager, MCP client factory, and the admin HTTP surface.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/agentside/plugind/internal/auth"
	internallog "github.com/agentside/plugind/internal/log"
	"github.com/agentside/plugind/internal/manifest"
	"github.com/agentside/plugind/internal/mcpclient"
	"github.com/agentside/plugind/internal/ports"
	"github.com/agentside/plugind/internal/store"
	"github.com/agentside/plugind/internal/worker"
	"github.com/agentside/plugind/pkg/observability"
)

// Options carries build-time identity.
type Options struct {
	Version   string
	Commit    string
	BuildDate string
}

// Daemon is the plugind process.
type Daemon struct {
	cfg      *Config
	opts     Options
	logger   *slog.Logger
	provider *observability.Provider

	store     *store.Store
	manifests *manifest.Registry
	watcher   *manifest.Watcher
	allocator *ports.Allocator
	manager   *worker.Manager
	factory   *mcpclient.Factory

	server *http.Server
	ln     net.Listener

	mu      sync.Mutex
	started bool
}

// New assembles the daemon. Nothing is running until Start.
func New(cfg *Config, opts Options) (*Daemon, error) {
	logger := internallog.WithComponent(internallog.New(internallog.FromEnv()), "daemon")

	provider, err := observability.NewProvider(observability.Config{
		ServiceName:    "plugind",
		ServiceVersion: opts.Version,
		SampleRatio:    cfg.TraceSampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize observability: %w", err)
	}

	cipher, err := store.LoadCipher()
	if err != nil {
		return nil, fmt.Errorf("failed to load config cipher: %w", err)
	}
	if cipher == nil {
		logger.Warn("config encryption key not set, encrypted config values will be unavailable")
	}

	st, err := store.Open(store.Config{Path: cfg.DBPath, Cipher: cipher})
	if err != nil {
		return nil, fmt.Errorf("failed to open instance store: %w", err)
	}

	registry, err := manifest.NewRegistry(cfg.ManifestDir)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to load manifests: %w", err)
	}

	var allocOpts []ports.Option
	if cfg.PortMin != 0 {
		allocOpts = append(allocOpts, ports.WithRange(cfg.PortMin, cfg.PortMax))
	}
	allocator := ports.NewAllocator(allocOpts...)

	var tokens *auth.TokenIssuer
	if cfg.TokenSecret != "" {
		tokens, err = auth.NewTokenIssuer([]byte(cfg.TokenSecret), "plugind", 0)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("invalid token secret: %w", err)
		}
	}

	oauthEndpoints := make(map[string]*auth.OAuthEndpoint, len(cfg.OAuth))
	for pluginID, oc := range cfg.OAuth {
		oauthEndpoints[pluginID] = &auth.OAuthEndpoint{
			TokenURL:     oc.TokenURL,
			ClientID:     oc.ClientID,
			ClientSecret: oc.ClientSecret,
			Scopes:       oc.Scopes,
		}
	}

	d := &Daemon{
		cfg:       cfg,
		opts:      opts,
		logger:    logger,
		provider:  provider,
		store:     st,
		manifests: registry,
		allocator: allocator,
	}

	d.manager = worker.NewManager(worker.Config{
		Store:          st,
		Manifests:      registry,
		Ports:          allocator,
		Logger:         logger,
		APIBaseURL:     cfg.APIBaseURL,
		Tokens:         tokens,
		OAuthEndpoints: oauthEndpoints,
		Readiness: worker.ReadinessConfig{
			Attempts: cfg.ReadinessAttempts,
			Interval: cfg.ReadinessInterval,
		},
		StopGrace: cfg.StopGrace,
		// d.factory is assigned below, before any worker can start.
		OnReady: func(info *worker.WorkerInfo) { d.factory.WarmTools(info) },
	})
	d.factory = mcpclient.NewFactory(registry, d.manager, st, logger)

	return d, nil
}

// Manager exposes the worker manager for embedding callers.
func (d *Daemon) Manager() *worker.Manager { return d.manager }

// Clients exposes the MCP client factory for embedding callers.
func (d *Daemon) Clients() *mcpclient.Factory { return d.factory }

// Start reconciles persisted state, begins watching manifests, and
// serves the admin HTTP surface until Shutdown.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	// Workers never survive a daemon restart, so rows claiming
	// otherwise are stale.
	if _, err := d.manager.Reconcile(ctx); err != nil {
		return fmt.Errorf("failed to reconcile instance state: %w", err)
	}

	watcher, err := manifest.NewWatcher(manifest.WatcherConfig{
		Registry: d.manifests,
		Logger:   d.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to watch manifest directory: %w", err)
	}
	d.watcher = watcher

	ln, err := net.Listen("tcp", d.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", d.cfg.ListenAddr, err)
	}
	d.ln = ln

	d.server = &http.Server{
		Handler:           d.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	d.logger.Info("daemon started",
		slog.String("listen_addr", ln.Addr().String()),
		slog.String("manifest_dir", d.cfg.ManifestDir),
		slog.Int("manifests", d.manifests.Count()),
		slog.String("version", d.opts.Version))

	if err := d.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops all workers, disconnects MCP clients, and tears down
// the admin server. Safe to call when Start never ran.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		d.store.Close()
		return nil
	}
	d.started = false

	d.logger.Info("graceful shutdown initiated",
		slog.Int("active_workers", d.manager.Count()))

	d.manager.StopAll(ctx)
	d.factory.DisconnectAll()

	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			d.logger.Warn("failed to close manifest watcher", "error", err)
		}
	}
	if d.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := d.server.Shutdown(shutdownCtx); err != nil {
			d.logger.Error("admin server shutdown error", "error", err)
		}
	}
	if err := d.provider.Shutdown(ctx); err != nil {
		d.logger.Warn("observability shutdown error", "error", err)
	}
	if err := d.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	d.logger.Info("shutdown complete")
	return nil
}
