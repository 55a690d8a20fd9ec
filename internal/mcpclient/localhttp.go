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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentside/plugind/internal/log"
	"github.com/agentside/plugind/internal/worker"
)

// Timeouts for worker-local requests. Tool execution gets a larger
// budget because the underlying third-party API calls may be slow.
const (
	listToolsTimeout = 10 * time.Second
	callToolTimeout  = 60 * time.Second
)

// WorkerEnsurer starts a worker on demand and hands back its handle.
// *worker.Manager satisfies it.
type WorkerEnsurer interface {
	EnsureRunning(ctx context.Context, orgID, pluginID string) (*worker.WorkerInfo, error)
}

// LocalHTTPClient talks to a lifecycle-managed worker over its loopback
// port. Every call lazily ensures the worker is running first.
type LocalHTTPClient struct {
	orgID    string
	pluginID string
	manager  WorkerEnsurer
	client   *http.Client
	logger   *slog.Logger
}

// NewLocalHTTPClient creates a client for one (organization, plugin)
// pair.
func NewLocalHTTPClient(orgID, pluginID string, manager WorkerEnsurer, logger *slog.Logger) *LocalHTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalHTTPClient{
		orgID:    orgID,
		pluginID: pluginID,
		manager:  manager,
		client:   &http.Client{},
		logger:   log.WithWorker(log.WithComponent(logger, "mcpclient"), orgID, pluginID),
	}
}

// Initialize ensures the worker is running.
func (c *LocalHTTPClient) Initialize(ctx context.Context) error {
	_, err := c.manager.EnsureRunning(ctx, c.orgID, c.pluginID)
	return err
}

// Ready reports whether a live worker exists without starting one.
func (c *LocalHTTPClient) Ready() bool {
	type runner interface {
		IsRunning(orgID, pluginID string) bool
	}
	if m, ok := c.manager.(runner); ok {
		return m.IsRunning(c.orgID, c.pluginID)
	}
	return false
}

// ListTools fetches the worker's advertised tools.
func (c *LocalHTTPClient) ListTools(ctx context.Context) ([]Tool, error) {
	info, err := c.manager.EnsureRunning(ctx, c.orgID, c.pluginID)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure worker: %w", err)
	}
	info.Touch()

	ctx, cancel := context.WithTimeout(ctx, listToolsTimeout)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/mcp/list-tools", info.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list-tools request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("list-tools returned %d: %s", resp.StatusCode, body)
	}

	var result toolsListResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode tool list: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes a tool on the worker. Network and HTTP failures are
// folded into the result rather than returned, so the orchestration
// layer can treat them as normal data.
func (c *LocalHTTPClient) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	info, err := c.manager.EnsureRunning(ctx, c.orgID, c.pluginID)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to ensure worker: %v", err)), nil
	}
	info.Touch()

	ctx, cancel := context.WithTimeout(ctx, callToolTimeout)
	defer cancel()

	payload, err := json.Marshal(map[string]any{
		"toolName":  name,
		"arguments": args,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("failed to encode arguments: %v", err)), nil
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/mcp/call-tool", info.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errorResult(err.Error()), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("tool call transport failure", "tool", name, "error", err)
		return errorResult(fmt.Sprintf("tool call failed: %v", err)), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to read response: %v", err)), nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("tool call returned error status", "tool", name, "status", resp.StatusCode)
		return errorResult(fmt.Sprintf("worker returned %d: %s", resp.StatusCode, body)), nil
	}

	var result ToolResult
	if err := json.Unmarshal(body, &result); err != nil {
		return errorResult(fmt.Sprintf("failed to decode tool result: %v", err)), nil
	}
	return &result, nil
}

// Disconnect is a no-op: worker lifetime belongs to the lifecycle
// manager, not the client.
func (c *LocalHTTPClient) Disconnect() error {
	return nil
}
