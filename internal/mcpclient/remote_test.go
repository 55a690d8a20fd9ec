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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// remoteServer is a scriptable JSON-RPC MCP endpoint.
type remoteServer struct {
	*httptest.Server

	mu      sync.Mutex
	methods []string
	headers []http.Header
	// onCall overrides the tools/call response.
	onCall func(req rpcRequest) any
	// mangleID breaks response id correlation.
	mangleID bool
}

func newRemoteServer(t *testing.T) *remoteServer {
	s := &remoteServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		s.mu.Lock()
		s.methods = append(s.methods, req.Method)
		s.headers = append(s.headers, r.Header.Clone())
		s.mu.Unlock()

		id := req.ID
		if s.mangleID {
			id = "mismatched"
		}

		var result any
		switch req.Method {
		case methodInitialize:
			result = map[string]any{"protocolVersion": protocolVersion}
		case methodToolsList:
			result = map[string]any{"tools": []map[string]any{
				{"name": "echo", "description": "echoes input", "inputSchema": map[string]any{"type": "object"}},
			}}
		case methodToolsCall:
			if s.onCall != nil {
				result = s.onCall(req)
			} else {
				result = map[string]any{"echoed": req.Params}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *remoteServer) calledMethods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.methods...)
}

func TestRemoteClient_InitializeHandshake(t *testing.T) {
	server := newRemoteServer(t)
	client := NewRemoteClient(server.URL, nil, nil)

	require.NoError(t, client.Initialize(context.Background()))
	assert.True(t, client.Ready())

	// initialize first, then tools/list to warm the cache.
	assert.Equal(t, []string{methodInitialize, methodToolsList}, server.calledMethods())

	tools := client.CachedTools()
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)

	// Second Initialize is a no-op.
	require.NoError(t, client.Initialize(context.Background()))
	assert.Len(t, server.calledMethods(), 2)
}

func TestRemoteClient_ListToolsInitializesLazily(t *testing.T) {
	server := newRemoteServer(t)
	client := NewRemoteClient(server.URL, nil, nil)

	tools, err := client.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)
	assert.NotEmpty(t, tools[0].InputSchema)

	assert.Equal(t, []string{methodInitialize, methodToolsList, methodToolsList}, server.calledMethods())
}

func TestRemoteClient_CallTool(t *testing.T) {
	server := newRemoteServer(t)
	client := NewRemoteClient(server.URL, nil, nil)

	result, err := client.CallTool(context.Background(), "echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	require.False(t, result.IsError)

	content, err := json.Marshal(result.Content)
	require.NoError(t, err)
	assert.Contains(t, string(content), `"text":"hi"`)
}

func TestRemoteClient_HeadersRecomputedPerCall(t *testing.T) {
	server := newRemoteServer(t)

	var mu sync.Mutex
	token := "token-1"
	client := NewRemoteClient(server.URL, func() map[string]string {
		mu.Lock()
		defer mu.Unlock()
		return map[string]string{"Authorization": "Bearer " + token}
	}, nil)

	require.NoError(t, client.Initialize(context.Background()))

	mu.Lock()
	token = "token-2"
	mu.Unlock()

	_, err := client.CallTool(context.Background(), "echo", nil)
	require.NoError(t, err)

	server.mu.Lock()
	defer server.mu.Unlock()
	first := server.headers[0].Get("Authorization")
	last := server.headers[len(server.headers)-1].Get("Authorization")
	assert.Equal(t, "Bearer token-1", first)
	assert.Equal(t, "Bearer token-2", last)
}

func TestRemoteClient_IDMismatchIsError(t *testing.T) {
	server := newRemoteServer(t)
	server.mangleID = true
	client := NewRemoteClient(server.URL, nil, nil)

	err := client.Initialize(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not match request id")
}

func TestRemoteClient_RPCErrorFoldsIntoResult(t *testing.T) {
	server := newRemoteServer(t)
	client := NewRemoteClient(server.URL, nil, nil)
	require.NoError(t, client.Initialize(context.Background()))

	// Swap the handler to return a JSON-RPC error for tools/call.
	errServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"error":   map[string]any{"code": -32000, "message": "upstream exploded"},
		})
	}))
	defer errServer.Close()
	client.url = errServer.URL

	result, err := client.CallTool(context.Background(), "echo", nil)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, result.Error, "upstream exploded")
}

func TestRemoteClient_NonOKStatusIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer server.Close()

	client := NewRemoteClient(server.URL, nil, nil)
	err := client.Initialize(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
