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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/agentside/plugind/internal/log"
	"github.com/agentside/plugind/pkg/httpclient"
)

// RemoteClient speaks JSON-RPC 2.0 over HTTP POST to a cloud-hosted MCP
// endpoint. Auth headers are recomputed per call through the headers
// provider, so refreshed tokens are picked up automatically.
type RemoteClient struct {
	url     string
	headers func() map[string]string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	mu    sync.Mutex
	ready bool
	tools []Tool
}

// RemoteOption configures a RemoteClient.
type RemoteOption func(*RemoteClient)

// WithHTTPClient overrides the HTTP client (tests).
func WithHTTPClient(client *http.Client) RemoteOption {
	return func(c *RemoteClient) { c.client = client }
}

// WithRateLimit overrides the default request rate of 10/s, burst 20.
func WithRateLimit(limit rate.Limit, burst int) RemoteOption {
	return func(c *RemoteClient) { c.limiter = rate.NewLimiter(limit, burst) }
}

// NewRemoteClient creates a client for a remote MCP endpoint. The
// headers provider may be nil for unauthenticated endpoints.
func NewRemoteClient(url string, headers func() map[string]string, logger *slog.Logger, opts ...RemoteOption) *RemoteClient {
	if headers == nil {
		headers = func() map[string]string { return nil }
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &RemoteClient{
		url:     url,
		headers: headers,
		client:  defaultRemoteHTTPClient(),
		limiter: rate.NewLimiter(10, 20),
		logger:  log.WithComponent(logger, "mcpclient.remote"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// defaultRemoteHTTPClient builds the shared outbound client. JSON-RPC
// calls are POSTs, which the retry layer leaves alone, so retries only
// ever apply to idempotent traffic.
func defaultRemoteHTTPClient() *http.Client {
	client, err := httpclient.New(httpclient.DefaultConfig())
	if err != nil {
		return &http.Client{Timeout: 30 * time.Second}
	}
	return client
}

// Initialize performs the MCP handshake: an explicit initialize call
// followed by tools/list to warm the tool cache, so a half-initialized
// client never serves a stale cache.
func (c *RemoteClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.ready {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      clientInfo{Name: "plugind", Version: "1.0"},
	}
	if _, err := c.call(ctx, methodInitialize, params); err != nil {
		return fmt.Errorf("initialize handshake failed: %w", err)
	}

	tools, err := c.fetchTools(ctx)
	if err != nil {
		return fmt.Errorf("initial tools/list failed: %w", err)
	}

	c.mu.Lock()
	c.tools = tools
	c.ready = true
	c.mu.Unlock()
	return nil
}

// Ready implements Client.
func (c *RemoteClient) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// ListTools refreshes and returns the remote tool list, initializing
// first when needed.
func (c *RemoteClient) ListTools(ctx context.Context) ([]Tool, error) {
	if err := c.Initialize(ctx); err != nil {
		return nil, err
	}

	tools, err := c.fetchTools(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
	return tools, nil
}

// CachedTools returns the last fetched tool list without a network
// round-trip.
func (c *RemoteClient) CachedTools() []Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Tool(nil), c.tools...)
}

// CallTool invokes a remote tool, re-initializing lazily when needed.
// JSON-RPC errors fold into the result; envelope violations surface as
// errors.
func (c *RemoteClient) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	if err := c.Initialize(ctx); err != nil {
		return errorResult(fmt.Sprintf("client initialization failed: %v", err)), nil
	}

	result, err := c.call(ctx, methodToolsCall, toolsCallParams{Name: name, Arguments: args})
	if err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) {
			return errorResult(rpcErr.Message), nil
		}
		return errorResult(fmt.Sprintf("tool call failed: %v", err)), nil
	}

	var content any
	if len(result) > 0 {
		if err := json.Unmarshal(result, &content); err != nil {
			return errorResult(fmt.Sprintf("failed to decode tool result: %v", err)), nil
		}
	}
	return &ToolResult{Content: content}, nil
}

// Disconnect implements Client. The next use re-initializes.
func (c *RemoteClient) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = false
	c.tools = nil
	return nil
}

func (c *RemoteClient) fetchTools(ctx context.Context) ([]Tool, error) {
	result, err := c.call(ctx, methodToolsList, nil)
	if err != nil {
		return nil, err
	}
	var parsed toolsListResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode tool list: %w", err)
	}
	return parsed.Tools, nil
}

// call performs one JSON-RPC round-trip with a fresh UUID id and fresh
// auth headers.
func (c *RemoteClient) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	payload, err := json.Marshal(newRequest(id, method, params))
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers() {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s returned %d: %s", method, resp.StatusCode, body)
	}

	var envelope rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if err := envelope.validate(id); err != nil {
		return nil, err
	}
	if envelope.Error != nil {
		return nil, envelope.Error
	}
	return envelope.Result, nil
}
