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

package daemon

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration, loaded from an optional YAML
// file with environment overrides on top. CLI flags override both.
type Config struct {
	// ManifestDir holds plugin manifest subdirectories.
	ManifestDir string `yaml:"manifest_dir"`

	// DBPath is the SQLite instance database path.
	DBPath string `yaml:"db_path"`

	// ListenAddr is the admin HTTP listen address (health, metrics,
	// status). Loopback by default.
	ListenAddr string `yaml:"listen_addr"`

	// APIBaseURL is handed to HTTP-capable workers for platform
	// callbacks.
	APIBaseURL string `yaml:"api_base_url"`

	// TokenSecret signs worker callback tokens. Load from the
	// PLUGIND_TOKEN_SECRET environment variable rather than the file
	// where possible. Empty disables token minting.
	TokenSecret string `yaml:"token_secret"`

	// StopGrace is the SIGTERM-to-SIGKILL window.
	StopGrace time.Duration `yaml:"stop_grace"`

	// ReadinessAttempts and ReadinessInterval tune the startup probe.
	ReadinessAttempts int           `yaml:"readiness_attempts"`
	ReadinessInterval time.Duration `yaml:"readiness_interval"`

	// PortMin and PortMax bound worker port allocation.
	PortMin int `yaml:"port_min"`
	PortMax int `yaml:"port_max"`

	// TraceSampleRatio is the fraction of root traces sampled.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`

	// OAuth maps plugin id to its token endpoint for refresh.
	OAuth map[string]OAuthConfig `yaml:"oauth"`
}

// OAuthConfig describes one plugin's OAuth token endpoint.
type OAuthConfig struct {
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Scopes       []string `yaml:"scopes"`
}

// DefaultConfig returns the daemon defaults.
func DefaultConfig() *Config {
	return &Config{
		ManifestDir:      "./plugins",
		DBPath:           "plugind.db",
		ListenAddr:       "127.0.0.1:9090",
		TraceSampleRatio: 1.0,
	}
}

// LoadConfig reads the config file at path (optional, "" skips it) and
// applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PLUGIND_MANIFEST_DIR"); v != "" {
		cfg.ManifestDir = v
	}
	if v := os.Getenv("PLUGIND_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("PLUGIND_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("PLUGIND_API_URL"); v != "" {
		cfg.APIBaseURL = v
	}
	if v := os.Getenv("PLUGIND_TOKEN_SECRET"); v != "" {
		cfg.TokenSecret = v
	}
}

// Validate checks field constraints that would otherwise surface as
// confusing runtime failures.
func (c *Config) Validate() error {
	if c.ManifestDir == "" {
		return fmt.Errorf("manifest_dir is required")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if (c.PortMin == 0) != (c.PortMax == 0) {
		return fmt.Errorf("port_min and port_max must be set together")
	}
	if c.PortMin != 0 && c.PortMin >= c.PortMax {
		return fmt.Errorf("port_min (%d) must be below port_max (%d)", c.PortMin, c.PortMax)
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("trace_sample_ratio must be in [0, 1], got %v", c.TraceSampleRatio)
	}
	return nil
}
