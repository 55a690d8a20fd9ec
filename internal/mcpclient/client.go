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

// Package mcpclient provides a uniform tool-calling interface over
// three transports: loopback HTTP to a lifecycle-managed worker, JSON-RPC
// over the public internet to a remote MCP endpoint, and newline JSON-RPC
// over a child process's standard streams.
package mcpclient

import (
	"context"
	"encoding/json"
)

// Client is the uniform MCP surface. Whether a call crosses a process
// boundary, a loopback HTTP boundary, or the public internet is hidden
// behind it.
type Client interface {
	// Initialize prepares the client for use. Safe to call more than
	// once; later calls are no-ops on an initialized client.
	Initialize(ctx context.Context) error
	// ListTools returns the tools the plugin advertises. Failures
	// surface as errors: there is no meaningful partial result.
	ListTools(ctx context.Context) ([]Tool, error)
	// CallTool invokes a tool. Transport failures are converted into a
	// ToolResult with IsError set rather than an error, so callers can
	// treat tool failure as normal data.
	CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error)
	// Ready reports whether the client can serve calls without further
	// setup.
	Ready() bool
	// Disconnect releases the client's resources.
	Disconnect() error
}

// Tool describes one tool a plugin advertises.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// UnmarshalJSON accepts both input_schema and inputSchema spellings.
func (t *Tool) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name           string          `json:"name"`
		Description    string          `json:"description"`
		InputSchema    json.RawMessage `json:"inputSchema"`
		InputSchemaAlt json.RawMessage `json:"input_schema"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t.Name = raw.Name
	t.Description = raw.Description
	t.InputSchema = raw.InputSchema
	if len(t.InputSchema) == 0 {
		t.InputSchema = raw.InputSchemaAlt
	}
	return nil
}

// ToolResult is the outcome of one tool call. IsError marks a failed
// call whose Error field explains why; Content may still carry partial
// output.
type ToolResult struct {
	Content any    `json:"content,omitempty"`
	IsError bool   `json:"isError,omitempty"`
	Error   string `json:"error,omitempty"`
}

// errorResult builds a failed ToolResult.
func errorResult(msg string) *ToolResult {
	return &ToolResult{IsError: true, Error: msg}
}
