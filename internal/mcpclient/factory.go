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

package mcpclient

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/agentside/plugind/internal/auth"
	"github.com/agentside/plugind/internal/log"
	"github.com/agentside/plugind/internal/manifest"
	"github.com/agentside/plugind/internal/store"
	"github.com/agentside/plugind/internal/worker"
)

// Factory hands out the right client per plugin manifest: remote
// JSON-RPC for remote connections, loopback HTTP for lifecycle-managed
// workers, and stdio pipes for simple local plugins that never bind a
// port.
type Factory struct {
	manifests *manifest.Registry
	manager   *worker.Manager
	store     *store.Store
	logger    *slog.Logger

	mu      sync.Mutex
	clients map[string]Client
}

// NewFactory creates a client factory.
func NewFactory(manifests *manifest.Registry, manager *worker.Manager, st *store.Store, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		manifests: manifests,
		manager:   manager,
		store:     st,
		logger:    log.WithComponent(logger, "mcpclient.factory"),
		clients:   make(map[string]Client),
	}
}

// ClientFor returns a client for the (organization, plugin) pair,
// constructing and caching one on first use.
func (f *Factory) ClientFor(ctx context.Context, orgID, pluginID string) (Client, error) {
	key := orgID + ":" + pluginID

	f.mu.Lock()
	if client, ok := f.clients[key]; ok {
		f.mu.Unlock()
		return client, nil
	}
	f.mu.Unlock()

	client, err := f.build(ctx, orgID, pluginID)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.clients[key]; ok {
		// Lost a construction race; keep the winner.
		_ = client.Disconnect()
		return existing, nil
	}
	f.clients[key] = client
	return client, nil
}

func (f *Factory) build(ctx context.Context, orgID, pluginID string) (Client, error) {
	mf, err := f.manifests.Get(pluginID)
	if err != nil {
		return nil, fmt.Errorf("unknown plugin %q: %w", pluginID, err)
	}

	if mf.IsRemote() {
		return NewRemoteClient(mf.Connection.URL, f.headersProvider(orgID, pluginID), f.logger), nil
	}

	// Local plugins that expose an HTTP surface run under the lifecycle
	// manager; plain MCP plugins get a direct stdio pipe instead.
	if mf.HasCapability(manifest.CapabilityHTTP) || mf.HasCapability(manifest.CapabilityRoutes) {
		return NewLocalHTTPClient(orgID, pluginID, f.manager, f.logger), nil
	}

	return f.buildStdio(ctx, orgID, pluginID, mf)
}

// headersProvider recomputes auth headers from freshly loaded state on
// every call, so refreshed tokens flow into remote requests without
// client reconstruction.
func (f *Factory) headersProvider(orgID, pluginID string) func() map[string]string {
	return func() map[string]string {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		inst, err := f.store.Get(ctx, orgID, pluginID)
		if err != nil {
			f.logger.Warn("failed to load instance for headers",
				slog.String(log.OrgIDKey, orgID),
				slog.String(log.PluginIDKey, pluginID),
				"error", err)
			return nil
		}
		return auth.Select(auth.Params{Instance: inst}).Headers()
	}
}

// buildStdio spawns the legacy long-lived child and wires a transport
// to its pipes.
func (f *Factory) buildStdio(ctx context.Context, orgID, pluginID string, mf *manifest.Manifest) (Client, error) {
	source := mf.Runner.Source
	if source == "" {
		source = mf.Path()
	}
	// The child outlives the construction context: it is a long-lived
	// pipe peer torn down only by Disconnect.
	args := append([]string{mf.Runner.Entry, "--plugin", source, "--org", orgID, "--mode", "stdio"}, mf.Runner.Args...)
	cmd := exec.Command(mf.RunnerCommand(), args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to pipe stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to pipe stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to pipe stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to spawn stdio plugin: %w", err)
	}

	lg := log.WithWorker(f.logger, orgID, pluginID)
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			lg.Warn("plugin output", "stream", "stderr", "line", scanner.Text())
		}
	}()

	transport := NewStdioTransport(stdin, stdout, lg, 0)
	go func() {
		// Reaps the child and rejects any requests still in flight.
		_ = cmd.Wait()
		transport.Close()
	}()

	shutdown := func() error {
		if cmd.Process != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
	return NewStdioClient(transport, shutdown), nil
}

// WarmTools is the lifecycle manager's post-start hook: a best-effort
// tool discovery whose failure never fails the start.
func (f *Factory) WarmTools(info *worker.WorkerInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), listToolsTimeout)
	defer cancel()

	client, err := f.ClientFor(ctx, info.OrganizationID, info.PluginID)
	if err != nil {
		return
	}
	if _, err := client.ListTools(ctx); err != nil {
		f.logger.Debug("tool discovery failed",
			slog.String(log.OrgIDKey, info.OrganizationID),
			slog.String(log.PluginIDKey, info.PluginID),
			"error", err)
	}
}

// DisconnectAll tears down every cached client, used at daemon
// shutdown.
func (f *Factory) DisconnectAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, client := range f.clients {
		if err := client.Disconnect(); err != nil {
			f.logger.Warn("failed to disconnect client", "key", key, "error", err)
		}
		delete(f.clients, key)
	}
}
