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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentside/plugind/internal/store"
)

const demoManifest = `name: demo
version: 1.0.0
capabilities:
  - mcp
  - http
runner:
  entry: worker.js
configSchema:
  apiKey:
    type: string
    env: DEMO_API_KEY
`

// One daemon per binary: a second observability provider would clash
// on the default Prometheus registry.
func TestDaemon(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "demo"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "demo", "manifest.yaml"), []byte(demoManifest), 0o644))

	cfg := DefaultConfig()
	cfg.ManifestDir = dir
	cfg.DBPath = ":memory:"

	d, err := New(cfg, Options{Version: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { d.store.Close() })

	require.NoError(t, d.store.Upsert(context.Background(), &store.PluginInstance{
		OrganizationID: "org-1",
		PluginID:       "demo",
		Enabled:        true,
		Config: map[string]store.ConfigValue{
			"apiKey": {Value: strPtr("sk-test")},
		},
	}))

	handler := d.routes()

	t.Run("healthz", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("metrics", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("status lists manifests and workers", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/status", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Version   string `json:"version"`
			Manifests int    `json:"manifests"`
			Workers   []any  `json:"workers"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Equal(t, "test", body.Version)
		require.Equal(t, 1, body.Manifests)
		require.Empty(t, body.Workers)
	})

	t.Run("list instances hides config and auth", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/orgs/org-1/plugins", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.NotContains(t, rec.Body.String(), "sk-test")
		require.Contains(t, rec.Body.String(), `"plugin_id":"demo"`)
	})

	t.Run("start unknown plugin is 404", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/orgs/org-1/plugins/ghost/start", nil))
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("stop without running worker is a no-op", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("POST", "/v1/orgs/org-1/plugins/demo/stop", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	})
}

func strPtr(s string) *string { return &s }
