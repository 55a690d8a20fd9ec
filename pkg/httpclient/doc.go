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

// Package httpclient builds http.Clients with consistent timeout, retry,
// and logging behavior for outbound traffic: remote MCP servers, OAuth
// token endpoints, and webhook deliveries.
//
// A client from New composes two transport layers over the standard
// library transport:
//   - a logging layer that emits a structured log line per request with
//     the URL sanitized (sensitive query parameters redacted), sets the
//     User-Agent, and propagates a request ID from the context as the
//     X-Request-ID header
//   - a retry layer that retries transient failures (5xx, 408, 429,
//     network errors) with exponential backoff, jitter, and Retry-After
//     support
//
// Retries apply only to idempotent methods (GET, HEAD, OPTIONS) unless
// Config.AllowNonIdempotentRetry is set. JSON-RPC callers that POST
// should leave it off and handle retries at the protocol level.
//
//	cfg := httpclient.DefaultConfig()
//	cfg.Timeout = 60 * time.Second
//	client, err := httpclient.New(cfg)
package httpclient
