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

// Package manifest defines the plugin manifest schema and its loading.
//
// A manifest is supplied by the plugin author and is read-only to the
// orchestration core. It declares which capabilities the plugin provides,
// whether its MCP server runs locally or remotely, the config schema its
// settings UI and workers consume, and an allowlist of host environment
// variables that may be passed through to a spawned worker.
package manifest

import (
	"fmt"
	"regexp"
	"strings"
)

// Capability names a feature a plugin declares in its manifest.
const (
	// CapabilityMCP marks a plugin that exposes an MCP tool surface.
	CapabilityMCP = "mcp"
	// CapabilityRoutes marks a plugin that registers HTTP routes and needs
	// to call back into the platform API.
	CapabilityRoutes = "routes"
	// CapabilityHTTP marks a plugin whose worker exposes the managed local
	// HTTP surface (metadata probe, list-tools, call-tool, disable).
	CapabilityHTTP = "http"
)

// Connection types declared in a manifest.
const (
	// ConnectionLocal runs the plugin as a managed local worker process.
	ConnectionLocal = "local"
	// ConnectionRemote points at a cloud-hosted MCP endpoint.
	ConnectionRemote = "remote"
)

// Auth method identifiers stored on a plugin instance.
const (
	AuthMethodAPIKey = "api_key"
	AuthMethodOAuth  = "oauth"
)

// PluginIDRegex validates plugin identifiers.
// IDs must start with a letter and contain only letters, numbers, hyphens,
// and underscores. Maximum length is 64 characters.
var PluginIDRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,63}$`)

// Manifest describes a plugin as declared by its author.
type Manifest struct {
	// Name is the unique plugin identifier (e.g. "hubspot", "shopify").
	Name string `yaml:"name"`

	// Version is the plugin version string.
	Version string `yaml:"version,omitempty"`

	// Capabilities lists the features this plugin declares (mcp, routes, http).
	Capabilities []string `yaml:"capabilities,omitempty"`

	// Connection declares how the plugin's MCP server is reached.
	Connection Connection `yaml:"connection,omitempty"`

	// Env is an allowlist of host environment variable names that may be
	// copied verbatim into a spawned worker's environment.
	Env []string `yaml:"env,omitempty"`

	// ConfigSchema declares the per-organization config fields.
	ConfigSchema map[string]ConfigField `yaml:"configSchema,omitempty"`

	// Runner declares how to spawn a local worker for this plugin.
	Runner Runner `yaml:"runner,omitempty"`

	// path is the manifest file this was loaded from (diagnostics only).
	path string
}

// Connection declares how the plugin's MCP server is reached.
type Connection struct {
	// Type is "local" or "remote". Empty means local.
	Type string `yaml:"type,omitempty"`

	// URL is the cloud MCP endpoint, required when Type is "remote".
	URL string `yaml:"url,omitempty"`
}

// Runner declares how to spawn a local worker process.
type Runner struct {
	// Command is the runtime executable (default "node").
	Command string `yaml:"command,omitempty"`

	// Entry is the runner entry point script passed to the command.
	Entry string `yaml:"entry,omitempty"`

	// Source is the plugin's source path passed to the runner via --plugin.
	Source string `yaml:"source,omitempty"`

	// Args are extra arguments appended after the standard flags.
	Args []string `yaml:"args,omitempty"`
}

// ConfigField describes one field of a plugin's config schema.
type ConfigField struct {
	// Type is the field type (string, number, boolean, ...).
	Type string `yaml:"type,omitempty"`

	// Label is the human-readable field name for the settings UI.
	Label string `yaml:"label,omitempty"`

	// Required marks fields that must have a resolved value.
	Required bool `yaml:"required,omitempty"`

	// Encrypted marks fields stored encrypted at rest and masked on display.
	Encrypted bool `yaml:"encrypted,omitempty"`

	// Env names a host environment variable used as a fallback when no
	// database value is set.
	Env string `yaml:"env,omitempty"`

	// Default is the schema default, lowest in the resolution precedence.
	Default any `yaml:"default,omitempty"`
}

// HasCapability reports whether the manifest declares the named capability.
func (m *Manifest) HasCapability(name string) bool {
	for _, c := range m.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// IsRemote reports whether the plugin's MCP server is cloud-hosted.
func (m *Manifest) IsRemote() bool {
	return m.Connection.Type == ConnectionRemote
}

// Path returns the manifest file this was loaded from.
func (m *Manifest) Path() string {
	return m.path
}

// RunnerCommand returns the runner executable, defaulting to "node".
func (m *Manifest) RunnerCommand() string {
	if m.Runner.Command != "" {
		return m.Runner.Command
	}
	return "node"
}

// Validate checks the manifest for structural problems.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("plugin name is required")
	}
	if !PluginIDRegex.MatchString(m.Name) {
		return fmt.Errorf("invalid plugin name %q: must start with a letter and contain only letters, numbers, hyphens, and underscores", m.Name)
	}

	switch m.Connection.Type {
	case "", ConnectionLocal:
		// Local plugins with the managed HTTP surface need a runner entry.
		if m.HasCapability(CapabilityHTTP) && m.Runner.Entry == "" {
			return fmt.Errorf("runner.entry is required for http-capable local plugins")
		}
	case ConnectionRemote:
		if m.Connection.URL == "" {
			return fmt.Errorf("connection.url is required for remote plugins")
		}
		if !strings.HasPrefix(m.Connection.URL, "https://") && !strings.HasPrefix(m.Connection.URL, "http://") {
			return fmt.Errorf("connection.url must start with http:// or https://")
		}
	default:
		return fmt.Errorf("invalid connection.type %q (must be local or remote)", m.Connection.Type)
	}

	for _, env := range m.Env {
		if err := ValidateEnvName(env); err != nil {
			return fmt.Errorf("env allowlist: %w", err)
		}
	}

	for key, field := range m.ConfigSchema {
		if field.Env != "" {
			if err := ValidateEnvName(field.Env); err != nil {
				return fmt.Errorf("configSchema.%s: %w", key, err)
			}
		}
	}

	return nil
}

var envNameRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateEnvName validates an environment variable name.
func ValidateEnvName(name string) error {
	if name == "" {
		return fmt.Errorf("environment variable name is required")
	}
	if !envNameRegex.MatchString(name) {
		return fmt.Errorf("invalid environment variable name: %s", name)
	}
	return nil
}

// sensitiveKeyPatterns are patterns that indicate a sensitive value.
var sensitiveKeyPatterns = []string{
	"SECRET", "TOKEN", "KEY", "PASSWORD", "CREDENTIAL", "AUTH", "API_KEY",
}

// IsSensitiveEnvKey returns true if the key appears to contain sensitive data.
func IsSensitiveEnvKey(key string) bool {
	upperKey := strings.ToUpper(key)
	for _, pattern := range sensitiveKeyPatterns {
		if strings.Contains(upperKey, pattern) {
			return true
		}
	}
	return false
}

// RedactEnv redacts sensitive values from a KEY=VALUE environment list.
func RedactEnv(envs []string) []string {
	result := make([]string, len(envs))
	for i, env := range envs {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 && IsSensitiveEnvKey(parts[0]) {
			result[i] = parts[0] + "=***REDACTED***"
		} else {
			result[i] = env
		}
	}
	return result
}
