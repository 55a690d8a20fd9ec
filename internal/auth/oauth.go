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

package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/agentside/plugind/internal/store"
)

// ExpiryBuffer is the window before expiry in which a token is treated
// as needing refresh before use, not merely after failure.
const ExpiryBuffer = 5 * time.Minute

// OAuthEndpoint configures the token endpoint used for refresh.
type OAuthEndpoint struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// OAuthStrategy holds OAuth credentials with expiry-aware validity and
// refresh-token renewal.
type OAuthStrategy struct {
	mu       sync.RWMutex
	creds    store.Credentials
	methodID string

	endpoint *OAuthEndpoint
	onSave   func(ctx context.Context, state *store.AuthState) error
	orgID    string
	pluginID string
}

// NewOAuthStrategy builds an OAuth strategy from the instance's stored
// auth state.
func NewOAuthStrategy(p Params) *OAuthStrategy {
	s := &OAuthStrategy{
		endpoint: p.OAuth,
		onSave:   p.OnSave,
	}
	if p.Instance != nil {
		s.orgID = p.Instance.OrganizationID
		s.pluginID = p.Instance.PluginID
		if p.Instance.AuthState != nil {
			s.methodID = p.Instance.AuthState.MethodID
			if p.Instance.AuthState.Credentials != nil {
				s.creds = *p.Instance.AuthState.Credentials
			}
		}
	}
	return s
}

// Headers implements Strategy.
func (s *OAuthStrategy) Headers() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.creds.AccessToken == "" {
		return map[string]string{}
	}
	return map[string]string{"Authorization": "Bearer " + s.creds.AccessToken}
}

// EnvVars implements Strategy.
func (s *OAuthStrategy) EnvVars() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	env := map[string]string{}
	if s.creds.AccessToken != "" {
		env["PLUGIN_ACCESS_TOKEN"] = s.creds.AccessToken
	}
	if s.creds.RefreshToken != "" {
		env["PLUGIN_REFRESH_TOKEN"] = s.creds.RefreshToken
	}
	return env
}

// Valid reports whether the access token exists and has not expired.
func (s *OAuthStrategy) Valid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.AccessToken != "" && !s.creds.Expired(0)
}

// NeedsRefresh reports whether the token is inside the expiry buffer.
func (s *OAuthStrategy) NeedsRefresh() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.Expired(ExpiryBuffer)
}

// Expired reports whether the token is past its actual expiry. Used by
// the lifecycle manager to decide whether a failed refresh is fatal.
func (s *OAuthStrategy) Expired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.Expired(0)
}

// Credentials returns a copy of the current credential snapshot.
func (s *OAuthStrategy) Credentials() store.Credentials {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds
}

// Refresh exchanges the refresh token for a new access token and
// persists the result through OnSave when configured.
func (s *OAuthStrategy) Refresh(ctx context.Context) error {
	if s.endpoint == nil || s.endpoint.TokenURL == "" {
		return fmt.Errorf("no oauth token endpoint configured")
	}

	s.mu.Lock()
	if s.creds.RefreshToken == "" {
		s.mu.Unlock()
		return fmt.Errorf("no refresh token available")
	}
	seed := &oauth2.Token{
		AccessToken:  s.creds.AccessToken,
		RefreshToken: s.creds.RefreshToken,
		// Force the token source to refresh rather than reuse.
		Expiry: time.Now().Add(-time.Minute),
	}
	s.mu.Unlock()

	cfg := &oauth2.Config{
		ClientID:     s.endpoint.ClientID,
		ClientSecret: s.endpoint.ClientSecret,
		Scopes:       s.endpoint.Scopes,
		Endpoint:     oauth2.Endpoint{TokenURL: s.endpoint.TokenURL},
	}

	token, err := cfg.TokenSource(ctx, seed).Token()
	if err != nil {
		return fmt.Errorf("token refresh failed: %w", err)
	}

	s.mu.Lock()
	s.creds.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		s.creds.RefreshToken = token.RefreshToken
	}
	if !token.Expiry.IsZero() {
		s.creds.ExpiresAt = token.Expiry.Unix()
	}
	snapshot := s.creds
	s.mu.Unlock()

	if s.onSave != nil {
		state := &store.AuthState{MethodID: s.methodID, Credentials: &snapshot}
		if err := s.onSave(ctx, state); err != nil {
			return fmt.Errorf("failed to persist refreshed credentials: %w", err)
		}
	}
	return nil
}
