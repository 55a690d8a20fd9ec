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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/agentside/plugind/internal/log"
)

// DefaultStdioTimeout bounds one stdio JSON-RPC round-trip.
const DefaultStdioTimeout = 30 * time.Second

// ErrProcessTerminated rejects every request still pending when the
// child process exits.
var ErrProcessTerminated = errors.New("process terminated")

// stdioResult is delivered to exactly one waiting caller.
type stdioResult struct {
	resp *rpcResponse
	err  error
}

// pendingRequest correlates one in-flight request with its response.
// Every entry is resolved, rejected, or timed out exactly once.
type pendingRequest struct {
	ch    chan stdioResult
	timer *time.Timer
}

// StdioTransport carries newline-delimited JSON-RPC over a child
// process's standard streams. Ids are sequential per transport instance
// and never reused while outstanding.
type StdioTransport struct {
	stdin   io.Writer
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	nextID  int64
	pending map[int64]*pendingRequest
	closed  bool
}

// NewStdioTransport wires a transport to a child's stdin and stdout.
// The caller owns the process; the transport reads stdout until EOF and
// then rejects all pending requests.
func NewStdioTransport(stdin io.Writer, stdout io.Reader, logger *slog.Logger, timeout time.Duration) *StdioTransport {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout == 0 {
		timeout = DefaultStdioTimeout
	}
	t := &StdioTransport{
		stdin:   stdin,
		logger:  log.WithComponent(logger, "mcpclient.stdio"),
		timeout: timeout,
		pending: make(map[int64]*pendingRequest),
	}
	go t.readLoop(stdout)
	return t
}

// Call sends one request and blocks for its response, the per-request
// timeout, or context cancellation, whichever comes first.
func (t *StdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrProcessTerminated
	}
	t.nextID++
	id := t.nextID

	entry := &pendingRequest{ch: make(chan stdioResult, 1)}
	entry.timer = time.AfterFunc(t.timeout, func() {
		t.evict(id, fmt.Errorf("request %d timed out after %s", id, t.timeout))
	})
	t.pending[id] = entry
	t.mu.Unlock()

	payload, err := json.Marshal(newRequest(id, method, params))
	if err != nil {
		t.evict(id, nil)
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	payload = append(payload, '\n')

	if _, err := t.stdin.Write(payload); err != nil {
		t.evict(id, nil)
		return nil, fmt.Errorf("failed to write request: %w", err)
	}

	select {
	case res := <-entry.ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.resp.Error != nil {
			return nil, res.resp.Error
		}
		return res.resp.Result, nil
	case <-ctx.Done():
		t.evict(id, nil)
		return nil, ctx.Err()
	}
}

// PendingCount returns the number of outstanding requests.
func (t *StdioTransport) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Close rejects every pending request with ErrProcessTerminated and
// refuses further calls. Idempotent.
func (t *StdioTransport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for id, entry := range t.pending {
		entry.timer.Stop()
		entry.ch <- stdioResult{err: ErrProcessTerminated}
		delete(t.pending, id)
	}
}

// evict removes one pending entry, delivering err to its waiter when
// non-nil.
func (t *StdioTransport) evict(id int64, err error) {
	t.mu.Lock()
	entry, ok := t.pending[id]
	if ok {
		entry.timer.Stop()
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if ok && err != nil {
		entry.ch <- stdioResult{err: err}
	}
}

// readLoop parses response lines off stdout. A response with no
// matching pending entry is logged and dropped, defensive against
// duplicate or late delivery. EOF closes the transport.
func (t *StdioTransport) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		// Copy: RawMessage fields would otherwise alias the scanner's
		// reusable buffer.
		line := append([]byte(nil), scanner.Bytes()...)

		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			t.logger.Warn("dropping unparseable response line", "error", err)
			continue
		}

		var id int64
		if err := json.Unmarshal(resp.ID, &id); err != nil {
			t.logger.Warn("dropping response with non-numeric id", "id", string(resp.ID))
			continue
		}

		t.mu.Lock()
		entry, ok := t.pending[id]
		if ok {
			entry.timer.Stop()
			delete(t.pending, id)
		}
		t.mu.Unlock()

		if !ok {
			t.logger.Warn("dropping response with no pending request", "id", id)
			continue
		}
		entry.ch <- stdioResult{resp: &resp}
	}

	t.Close()
}

// StdioClient is the legacy local path: one long-lived child process
// per (organization, plugin) key, spoken to over pipes, no port
// allocation at all.
type StdioClient struct {
	transport *StdioTransport
	shutdown  func() error

	mu    sync.Mutex
	ready bool
}

// NewStdioClient wraps a transport and an optional process shutdown
// hook.
func NewStdioClient(transport *StdioTransport, shutdown func() error) *StdioClient {
	return &StdioClient{transport: transport, shutdown: shutdown}
}

// Initialize performs the MCP handshake over the pipe.
func (c *StdioClient) Initialize(ctx context.Context) error {
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
	if _, err := c.transport.Call(ctx, methodInitialize, params); err != nil {
		return fmt.Errorf("initialize handshake failed: %w", err)
	}

	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	return nil
}

// Ready implements Client.
func (c *StdioClient) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// ListTools implements Client.
func (c *StdioClient) ListTools(ctx context.Context) ([]Tool, error) {
	result, err := c.transport.Call(ctx, methodToolsList, nil)
	if err != nil {
		return nil, err
	}
	var parsed toolsListResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode tool list: %w", err)
	}
	return parsed.Tools, nil
}

// CallTool implements Client. Transport and JSON-RPC failures fold into
// the result.
func (c *StdioClient) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	result, err := c.transport.Call(ctx, methodToolsCall, toolsCallParams{Name: name, Arguments: args})
	if err != nil {
		return errorResult(err.Error()), nil
	}

	var content any
	if len(result) > 0 {
		if err := json.Unmarshal(result, &content); err != nil {
			return errorResult(fmt.Sprintf("failed to decode tool result: %v", err)), nil
		}
	}
	return &ToolResult{Content: content}, nil
}

// Disconnect closes the transport and shuts the child down.
func (c *StdioClient) Disconnect() error {
	c.transport.Close()
	c.mu.Lock()
	c.ready = false
	c.mu.Unlock()
	if c.shutdown != nil {
		return c.shutdown()
	}
	return nil
}
