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

import "context"

// APIKeyStrategy carries a static API key. No refresh, no expiry.
type APIKeyStrategy struct {
	key string
}

// NewAPIKeyStrategy builds an API key strategy from the instance's auth
// state, falling back to an apiKey config value.
func NewAPIKeyStrategy(p Params) *APIKeyStrategy {
	var key string
	if p.Instance != nil && p.Instance.AuthState != nil && p.Instance.AuthState.Credentials != nil {
		key = p.Instance.AuthState.Credentials.AccessToken
	}
	if key == "" {
		if v, ok := p.Config["apiKey"].(string); ok {
			key = v
		}
	}
	return &APIKeyStrategy{key: key}
}

// Headers implements Strategy.
func (s *APIKeyStrategy) Headers() map[string]string {
	if s.key == "" {
		return map[string]string{}
	}
	return map[string]string{"Authorization": "Bearer " + s.key}
}

// EnvVars implements Strategy.
func (s *APIKeyStrategy) EnvVars() map[string]string {
	if s.key == "" {
		return map[string]string{}
	}
	return map[string]string{"PLUGIN_API_KEY": s.key}
}

// Valid implements Strategy.
func (s *APIKeyStrategy) Valid() bool {
	return s.key != ""
}

// Refresh is a no-op: API keys do not expire.
func (s *APIKeyStrategy) Refresh(ctx context.Context) error {
	return nil
}
