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
	"encoding/json"
	"fmt"
)

const jsonrpcVersion = "2.0"

// MCP method names.
const (
	methodInitialize = "initialize"
	methodToolsList  = "tools/list"
	methodToolsCall  = "tools/call"
)

// protocolVersion is the MCP protocol revision announced during the
// initialize handshake.
const protocolVersion = "2024-11-05"

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

func newRequest(id any, method string, params any) *rpcRequest {
	return &rpcRequest{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params}
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// validate checks the response envelope against the request id. A
// mismatch indicates transport-level corruption or a multiplexing bug
// and is an error, never silently ignored.
func (r *rpcResponse) validate(wantID any) error {
	if r.JSONRPC != jsonrpcVersion {
		return fmt.Errorf("invalid jsonrpc version %q", r.JSONRPC)
	}
	want, err := json.Marshal(wantID)
	if err != nil {
		return fmt.Errorf("failed to encode request id: %w", err)
	}
	if string(r.ID) != string(want) {
		return fmt.Errorf("response id %s does not match request id %s", r.ID, want)
	}
	return nil
}

// initializeParams is the MCP handshake payload.
type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// toolsListResult is the payload of a tools/list response.
type toolsListResult struct {
	Tools []Tool `json:"tools"`
}

// toolsCallParams is the payload of a tools/call request.
type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}
