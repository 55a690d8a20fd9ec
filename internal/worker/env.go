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

package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/agentside/plugind/internal/manifest"
	"github.com/agentside/plugind/internal/store"
)

// Environment variable names in the worker process contract.
const (
	EnvOrgID     = "PLUGIN_ORG_ID"
	EnvPluginID  = "PLUGIN_ID"
	EnvPort      = "PORT"
	EnvConfig    = "PLUGIN_CONFIG"
	EnvAuthState = "PLUGIN_AUTH_STATE"
	EnvAPIURL    = "PLATFORM_API_URL"
	EnvAPIToken  = "PLATFORM_API_TOKEN"
)

// envSpec collects the inputs for a worker's environment.
type envSpec struct {
	OrgID     string
	PluginID  string
	Port      int
	Config    map[string]any
	AuthState *store.AuthState
	Manifest  *manifest.Manifest
	// APIBaseURL and APIToken are set when the plugin declares
	// HTTP-capable capabilities and needs to call back into the
	// platform.
	APIBaseURL string
	APIToken   string
	// StrategyEnv is the auth strategy's variable map.
	StrategyEnv map[string]string
	// Lookup resolves host environment variables for the manifest
	// allowlist. Nil means os.LookupEnv.
	Lookup func(string) (string, bool)
}

// buildEnv produces the full KEY=VALUE environment for a spawned worker.
// Only contract variables, strategy variables, and manifest-allowlisted
// host variables are passed through; the host environment is otherwise
// withheld.
func buildEnv(spec envSpec) ([]string, error) {
	lookup := spec.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}

	configJSON, err := json.Marshal(spec.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}

	vars := map[string]string{
		EnvOrgID:    spec.OrgID,
		EnvPluginID: spec.PluginID,
		EnvPort:     strconv.Itoa(spec.Port),
		EnvConfig:   string(configJSON),
		"NODE_ENV":  nodeEnv(lookup),
	}
	if path, ok := lookup("PATH"); ok {
		vars["PATH"] = path
	}

	if spec.AuthState != nil {
		authJSON, err := json.Marshal(spec.AuthState)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize auth state: %w", err)
		}
		vars[EnvAuthState] = string(authJSON)
	}

	if spec.APIBaseURL != "" {
		vars[EnvAPIURL] = spec.APIBaseURL
		if spec.APIToken != "" {
			vars[EnvAPIToken] = spec.APIToken
		}
	}

	for k, v := range spec.StrategyEnv {
		vars[k] = v
	}

	// Manifest allowlist: copied verbatim from the host environment.
	if spec.Manifest != nil {
		for _, name := range spec.Manifest.Env {
			if v, ok := lookup(name); ok {
				vars[name] = v
			}
		}
	}

	out := make([]string, 0, len(vars))
	for k, v := range vars {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

func nodeEnv(lookup func(string) (string, bool)) string {
	if v, ok := lookup("NODE_ENV"); ok && v != "" {
		return v
	}
	return "production"
}
