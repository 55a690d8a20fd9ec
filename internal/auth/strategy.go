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

// Package auth turns a plugin instance's stored credentials into HTTP
// headers for remote calls or environment variables for local workers,
// and knows how to validate and refresh itself.
package auth

import (
	"context"

	"github.com/agentside/plugind/internal/manifest"
	"github.com/agentside/plugind/internal/store"
)

// Strategy derives auth material from a single credential snapshot.
// Headers and EnvVars must agree: both are computed from the same
// underlying state without re-fetching from storage mid-call.
type Strategy interface {
	// Headers returns HTTP headers for remote and local-HTTP calls.
	Headers() map[string]string
	// EnvVars returns environment variables injected into a spawned
	// worker process.
	EnvVars() map[string]string
	// Valid reports whether the credentials are usable right now.
	Valid() bool
	// Refresh renews the credentials where the method supports it.
	Refresh(ctx context.Context) error
}

// Params carries everything strategy selection can draw on.
type Params struct {
	Instance *store.PluginInstance
	// Config is the worker-resolved config value map, consulted for
	// api_key material when no auth state exists.
	Config map[string]any
	// OAuth configures the token endpoint for refresh. Optional;
	// without it refresh is unavailable and stale tokens are used
	// as-is.
	OAuth *OAuthEndpoint
	// OnSave persists refreshed credentials. Optional.
	OnSave func(ctx context.Context, state *store.AuthState) error
}

// Select picks the strategy for an instance. An explicit authMethod
// wins; otherwise an OAuth-shaped auth state (credentials carrying an
// access or refresh token) selects OAuth, and everything else falls
// back to API key.
func Select(p Params) Strategy {
	method := p.Instance.AuthMethod
	if method == "" {
		if oauthShaped(p.Instance.AuthState) {
			method = manifest.AuthMethodOAuth
		} else {
			method = manifest.AuthMethodAPIKey
		}
	}

	switch method {
	case manifest.AuthMethodOAuth:
		return NewOAuthStrategy(p)
	default:
		return NewAPIKeyStrategy(p)
	}
}

func oauthShaped(state *store.AuthState) bool {
	if state == nil || state.Credentials == nil {
		return false
	}
	return state.Credentials.RefreshToken != "" || state.Credentials.AccessToken != ""
}
