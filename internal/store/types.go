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

// Package store persists per-organization plugin instance records: the
// tenant's configuration values, auth state, and the runtime bookkeeping
// that survives daemon restarts.
package store

import (
	"encoding/json"
	"time"
)

// RuntimeState describes where a plugin instance's worker is in its
// lifecycle.
type RuntimeState string

const (
	StateStopped  RuntimeState = "stopped"
	StateStarting RuntimeState = "starting"
	StateReady    RuntimeState = "ready"
	StateError    RuntimeState = "error"
)

// HealthStatus is the last observed health of a worker.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Credentials holds the secret material attached to an auth state. Extra
// provider-specific fields survive round-trips through the catch-all map.
type Credentials struct {
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	// ExpiresAt is a Unix timestamp in seconds. Zero means no expiry.
	ExpiresAt int64 `json:"expires_at,omitempty"`

	// Extra carries provider-specific fields (token_type, scope, ...).
	Extra map[string]any `json:"-"`
}

// MarshalJSON flattens Extra alongside the typed fields.
func (c Credentials) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(c.Extra)+3)
	for k, v := range c.Extra {
		out[k] = v
	}
	if c.AccessToken != "" {
		out["access_token"] = c.AccessToken
	}
	if c.RefreshToken != "" {
		out["refresh_token"] = c.RefreshToken
	}
	if c.ExpiresAt != 0 {
		out["expires_at"] = c.ExpiresAt
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits typed fields out of the raw object and keeps the
// remainder in Extra.
func (c *Credentials) UnmarshalJSON(data []byte) error {
	raw := make(map[string]any)
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if v, ok := raw["access_token"].(string); ok {
		c.AccessToken = v
	}
	if v, ok := raw["refresh_token"].(string); ok {
		c.RefreshToken = v
	}
	if v, ok := raw["expires_at"].(float64); ok {
		c.ExpiresAt = int64(v)
	}
	delete(raw, "access_token")
	delete(raw, "refresh_token")
	delete(raw, "expires_at")
	if len(raw) > 0 {
		c.Extra = raw
	}
	return nil
}

// Expired reports whether the credentials are past their expiry, with an
// optional buffer subtracted from the deadline.
func (c *Credentials) Expired(buffer time.Duration) bool {
	if c == nil || c.ExpiresAt == 0 {
		return false
	}
	return time.Now().Add(buffer).Unix() >= c.ExpiresAt
}

// AuthState records how a tenant authenticated a plugin and the resulting
// credentials.
type AuthState struct {
	MethodID    string       `json:"method_id,omitempty"`
	Credentials *Credentials `json:"credentials,omitempty"`
}

// ConfigValue is a single stored configuration entry. Null is a valid
// stored value and is distinct from "not present", so the store keeps
// explicit nulls.
type ConfigValue struct {
	Value     *string `json:"value"`
	Encrypted bool    `json:"encrypted,omitempty"`
}

// PluginInstance is one tenant's installation of a plugin.
type PluginInstance struct {
	ID             string                 `json:"id"`
	OrganizationID string                 `json:"organization_id"`
	PluginID       string                 `json:"plugin_id"`
	Enabled        bool                   `json:"enabled"`
	Config         map[string]ConfigValue `json:"config,omitempty"`
	AuthMethod     string                 `json:"auth_method,omitempty"`
	AuthState      *AuthState             `json:"auth_state,omitempty"`

	State         RuntimeState `json:"state"`
	Port          int          `json:"port,omitempty"`
	ProcessID     int          `json:"process_id,omitempty"`
	Health        HealthStatus `json:"health"`
	LastError     string       `json:"last_error,omitempty"`
	LastStartedAt *time.Time   `json:"last_started_at,omitempty"`
	LastStoppedAt *time.Time   `json:"last_stopped_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the registry key for this instance.
func (p *PluginInstance) Key() string {
	return p.OrganizationID + ":" + p.PluginID
}
