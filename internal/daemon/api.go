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
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/agentside/plugind/internal/store"
	"github.com/agentside/plugind/internal/worker"
	"github.com/agentside/plugind/pkg/observability"
)

// routes builds the admin HTTP surface: health, metrics, and worker
// control. The listener is loopback by default; there is no auth layer
// here.
func (d *Daemon) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", d.handleHealth)
	mux.Handle("GET /metrics", observability.MetricsHandler())
	mux.HandleFunc("GET /v1/status", d.handleStatus)
	mux.HandleFunc("GET /v1/orgs/{org}/plugins", d.handleListInstances)
	mux.HandleFunc("POST /v1/orgs/{org}/plugins/{plugin}/start", d.handleStart)
	mux.HandleFunc("POST /v1/orgs/{org}/plugins/{plugin}/stop", d.handleStop)
	mux.HandleFunc("GET /v1/orgs/{org}/plugins/{plugin}/tools", d.handleTools)
	return mux
}

type workerStatus struct {
	OrganizationID string    `json:"organization_id"`
	PluginID       string    `json:"plugin_id"`
	Port           int       `json:"port"`
	PID            int       `json:"pid"`
	StartedAt      time.Time `json:"started_at"`
}

func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	infos := d.manager.Workers()
	workers := make([]workerStatus, 0, len(infos))
	for _, info := range infos {
		workers = append(workers, workerStatus{
			OrganizationID: info.OrganizationID,
			PluginID:       info.PluginID,
			Port:           info.Port,
			PID:            info.PID,
			StartedAt:      info.StartedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   d.opts.Version,
		"manifests": d.manifests.Count(),
		"workers":   workers,
	})
}

// instanceSummary is the externally visible slice of a plugin
// instance. Config values and auth state never leave the store here.
type instanceSummary struct {
	PluginID      string             `json:"plugin_id"`
	Enabled       bool               `json:"enabled"`
	State         store.RuntimeState `json:"state"`
	Health        store.HealthStatus `json:"health"`
	Port          int                `json:"port,omitempty"`
	LastError     string             `json:"last_error,omitempty"`
	LastStartedAt *time.Time         `json:"last_started_at,omitempty"`
	LastStoppedAt *time.Time         `json:"last_stopped_at,omitempty"`
}

func (d *Daemon) handleListInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := d.store.ListByOrg(r.Context(), r.PathValue("org"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	summaries := make([]instanceSummary, 0, len(instances))
	for _, inst := range instances {
		summaries = append(summaries, instanceSummary{
			PluginID:      inst.PluginID,
			Enabled:       inst.Enabled,
			State:         inst.State,
			Health:        inst.Health,
			Port:          inst.Port,
			LastError:     inst.LastError,
			LastStartedAt: inst.LastStartedAt,
			LastStoppedAt: inst.LastStoppedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": summaries})
}

func (d *Daemon) handleStart(w http.ResponseWriter, r *http.Request) {
	info, err := d.manager.Start(r.Context(), r.PathValue("org"), r.PathValue("plugin"))
	if err != nil {
		writeError(w, statusForWorkerError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, workerStatus{
		OrganizationID: info.OrganizationID,
		PluginID:       info.PluginID,
		Port:           info.Port,
		PID:            info.PID,
		StartedAt:      info.StartedAt,
	})
}

func (d *Daemon) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := d.manager.Stop(r.Context(), r.PathValue("org"), r.PathValue("plugin")); err != nil {
		writeError(w, statusForWorkerError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (d *Daemon) handleTools(w http.ResponseWriter, r *http.Request) {
	client, err := d.factory.ClientFor(r.Context(), r.PathValue("org"), r.PathValue("plugin"))
	if err != nil {
		writeError(w, statusForWorkerError(err), err)
		return
	}
	tools, err := client.ListTools(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

func statusForWorkerError(err error) int {
	switch worker.CodeOf(err) {
	case worker.ErrorCodeNotFound:
		return http.StatusNotFound
	case worker.ErrorCodeAlreadyRunning, worker.ErrorCodeNotEnabled:
		return http.StatusConflict
	case worker.ErrorCodePortsExhausted:
		return http.StatusServiceUnavailable
	case worker.ErrorCodeReadinessTimeout:
		return http.StatusGatewayTimeout
	case worker.ErrorCodeAuthExpired:
		return http.StatusUnauthorized
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
