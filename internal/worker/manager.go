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

// Package worker manages the lifecycle of per-organization plugin
// worker processes: spawning with an injected environment, readiness
// probing, registry tracking, and graceful or forced shutdown.
package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentside/plugind/internal/auth"
	"github.com/agentside/plugind/internal/log"
	"github.com/agentside/plugind/internal/manifest"
	"github.com/agentside/plugind/internal/pluginconfig"
	"github.com/agentside/plugind/internal/ports"
	"github.com/agentside/plugind/internal/store"
)

// DefaultStopGrace is the window between SIGTERM and SIGKILL.
const DefaultStopGrace = 5 * time.Second

// WorkerInfo is the in-memory handle for one live worker. The manager's
// registry is the single source of truth for "is this worker alive";
// entries are created on successful start and destroyed on process exit
// or explicit stop, never duplicated.
type WorkerInfo struct {
	OrganizationID string
	PluginID       string
	InstanceID     string
	Port           int
	PID            int
	StartedAt      time.Time

	lastActivity atomic.Int64

	cmd *exec.Cmd
	// exited closes the moment Wait returns; done closes after exit
	// cleanup (port release, deregistration, persistence) completes.
	exited chan struct{}
	done   chan struct{}
	// stopRequested marks an explicit stop so the exit handler records
	// a clean shutdown even when the process dies by signal.
	stopRequested atomic.Bool
	// abandoned marks a failed start that owns its own persistence; the
	// exit handler then skips the state write.
	abandoned atomic.Bool
}

// Key returns the registry key for this worker.
func (w *WorkerInfo) Key() string {
	return w.OrganizationID + ":" + w.PluginID
}

// Touch records activity, used to spot idle workers.
func (w *WorkerInfo) Touch() {
	w.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the most recent activity timestamp.
func (w *WorkerInfo) LastActivity() time.Time {
	return time.Unix(0, w.lastActivity.Load())
}

// Config wires the manager's collaborators.
type Config struct {
	Store     *store.Store
	Manifests *manifest.Registry
	Ports     *ports.Allocator
	Logger    *slog.Logger

	// APIBaseURL is handed to HTTP-capable workers for calling back
	// into the platform.
	APIBaseURL string
	// Tokens mints the platform API tokens for those callbacks.
	// Optional.
	Tokens *auth.TokenIssuer
	// OAuthEndpoints maps plugin id to its token endpoint for refresh.
	OAuthEndpoints map[string]*auth.OAuthEndpoint

	Readiness ReadinessConfig
	// StopGrace overrides DefaultStopGrace.
	StopGrace time.Duration

	// Env overrides host environment lookups (tests only).
	Env func(string) (string, bool)
	// NewCommand overrides process construction (tests only).
	NewCommand func(spec SpawnSpec) *exec.Cmd
	// OnReady, when set, runs asynchronously after each successful
	// start. Used for best-effort tool discovery; failures never fail
	// the start.
	OnReady func(info *WorkerInfo)
}

// Manager owns the worker registry and all lifecycle transitions.
type Manager struct {
	cfg        Config
	logger     *slog.Logger
	probe      *readinessProbe
	keys       *keyedMutex
	stopGrace  time.Duration
	newCommand func(spec SpawnSpec) *exec.Cmd
	httpClient *http.Client
	tracer     trace.Tracer

	mu      sync.RWMutex
	workers map[string]*WorkerInfo
}

// NewManager creates a worker lifecycle manager.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stopGrace := cfg.StopGrace
	if stopGrace == 0 {
		stopGrace = DefaultStopGrace
	}
	newCommand := cfg.NewCommand
	if newCommand == nil {
		newCommand = defaultCommand
	}
	return &Manager{
		cfg:        cfg,
		logger:     log.WithComponent(logger, "worker"),
		probe:      newReadinessProbe(cfg.Readiness),
		keys:       newKeyedMutex(),
		stopGrace:  stopGrace,
		newCommand: newCommand,
		httpClient: &http.Client{Timeout: 2 * time.Second},
		tracer:     otel.Tracer("plugind/worker"),
		workers:    make(map[string]*WorkerInfo),
	}
}

// IsRunning reports whether a live worker exists for the key.
func (m *Manager) IsRunning(orgID, pluginID string) bool {
	_, ok := m.Get(orgID, pluginID)
	return ok
}

// Get returns the registry entry for the key, if present.
func (m *Manager) Get(orgID, pluginID string) (*WorkerInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	info, ok := m.workers[orgID+":"+pluginID]
	return info, ok
}

// Count returns the number of live workers.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.workers)
}

// Workers returns a snapshot of the registry.
func (m *Manager) Workers() []*WorkerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	infos := make([]*WorkerInfo, 0, len(m.workers))
	for _, info := range m.workers {
		infos = append(infos, info)
	}
	return infos
}

// Start spawns a worker for the (organization, plugin) pair and blocks
// until it is ready. A duplicate start for a running key is a hard
// error; callers check IsRunning first or accept the error.
func (m *Manager) Start(ctx context.Context, orgID, pluginID string) (*WorkerInfo, error) {
	unlock := m.keys.Lock(orgID + ":" + pluginID)
	defer unlock()

	ctx, span := m.tracer.Start(ctx, "worker.start", trace.WithAttributes(
		attribute.String("org.id", orgID),
		attribute.String("plugin.id", pluginID),
	))
	defer span.End()

	info, err := m.start(ctx, orgID, pluginID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return info, nil
}

func (m *Manager) start(ctx context.Context, orgID, pluginID string) (*WorkerInfo, error) {
	began := time.Now()
	lg := m.logger.With(
		slog.String(log.OrgIDKey, orgID),
		slog.String(log.PluginIDKey, pluginID),
	)

	if m.IsRunning(orgID, pluginID) {
		workerStartsTotal.WithLabelValues("duplicate").Inc()
		return nil, NewError(ErrorCodeAlreadyRunning, "worker already running").
			WithDetail("%s:%s", orgID, pluginID)
	}

	mf, err := m.cfg.Manifests.Get(pluginID)
	if err != nil {
		workerStartsTotal.WithLabelValues("not_found").Inc()
		return nil, NewError(ErrorCodeNotFound, "unknown plugin").
			WithDetail("%s", pluginID).WithCause(err)
	}

	inst, err := m.cfg.Store.Get(ctx, orgID, pluginID)
	if err != nil {
		workerStartsTotal.WithLabelValues("not_found").Inc()
		if errors.Is(err, store.ErrNotFound) {
			return nil, NewError(ErrorCodeNotFound, "plugin not installed for organization").
				WithDetail("%s:%s", orgID, pluginID)
		}
		return nil, NewError(ErrorCodeInternal, "failed to load plugin instance").WithCause(err)
	}
	if !inst.Enabled {
		workerStartsTotal.WithLabelValues("not_enabled").Inc()
		return nil, NewError(ErrorCodeNotEnabled, "plugin is disabled").
			WithDetail("%s:%s", orgID, pluginID)
	}

	strategy := m.buildStrategy(inst)
	if err := m.refreshIfNeeded(ctx, lg, inst, strategy); err != nil {
		workerStartsTotal.WithLabelValues("auth_expired").Inc()
		m.markError(ctx, orgID, pluginID, err)
		return nil, err
	}

	// Persisted before any process work: a crash mid-start leaves a
	// visible "starting" row instead of silently appearing stopped.
	if err := m.cfg.Store.UpdateRuntime(ctx, orgID, pluginID, store.StateStarting, 0, 0, store.HealthUnknown, ""); err != nil {
		return nil, NewError(ErrorCodeInternal, "failed to persist starting state").WithCause(err)
	}

	port, err := m.cfg.Ports.Allocate()
	if err != nil {
		workerStartsTotal.WithLabelValues("ports_exhausted").Inc()
		werr := NewError(ErrorCodePortsExhausted, "port allocation failed").WithCause(err)
		m.markError(ctx, orgID, pluginID, werr)
		return nil, werr
	}

	info, err := m.spawn(ctx, lg, mf, inst, strategy, port)
	if err != nil {
		m.cfg.Ports.Release(port)
		m.markError(ctx, orgID, pluginID, err)
		return nil, err
	}

	if err := m.probe.wait(ctx, port); err != nil {
		workerStartsTotal.WithLabelValues("readiness_timeout").Inc()
		// Kill the orphan rather than leaking a process whose port
		// bookkeeping is already rolled back.
		info.abandoned.Store(true)
		m.killGroup(info)
		<-info.done
		m.markError(ctx, orgID, pluginID, err)
		return nil, err
	}

	if !m.register(info) {
		workerStartsTotal.WithLabelValues("exited").Inc()
		return nil, NewError(ErrorCodeSpawnFailed, "worker exited during startup").
			WithDetail("pid %d", info.PID)
	}

	if err := m.cfg.Store.UpdateRuntime(ctx, orgID, pluginID, store.StateReady, port, info.PID, store.HealthHealthy, ""); err != nil {
		lg.Warn("failed to persist ready state", "error", err)
	}

	workerStartsTotal.WithLabelValues("success").Inc()
	workerStartDuration.Observe(time.Since(began).Seconds())
	lg.Info("worker ready",
		slog.Int(log.PortKey, port),
		slog.Int(log.PIDKey, info.PID),
		slog.Int64(log.DurationKey, time.Since(began).Milliseconds()),
	)

	if m.cfg.OnReady != nil {
		// Best-effort discovery; never fails the start.
		go m.cfg.OnReady(info)
	}
	return info, nil
}

func (m *Manager) buildStrategy(inst *store.PluginInstance) auth.Strategy {
	return auth.Select(auth.Params{
		Instance: inst,
		OAuth:    m.cfg.OAuthEndpoints[inst.PluginID],
		OnSave: func(ctx context.Context, state *store.AuthState) error {
			return m.cfg.Store.SaveAuthState(ctx, inst.OrganizationID, inst.PluginID, state)
		},
	})
}

// refreshIfNeeded proactively refreshes an OAuth token inside the
// expiry buffer. A failed refresh is tolerated with a stale but
// unexpired token; an already-expired token makes it fatal.
func (m *Manager) refreshIfNeeded(ctx context.Context, lg *slog.Logger, inst *store.PluginInstance, strategy auth.Strategy) error {
	oauthStrategy, ok := strategy.(*auth.OAuthStrategy)
	if !ok || !oauthStrategy.NeedsRefresh() {
		return nil
	}

	if err := oauthStrategy.Refresh(ctx); err != nil {
		if oauthStrategy.Expired() {
			return NewError(ErrorCodeAuthExpired, "oauth token expired and refresh failed").
				WithDetail("re-authentication required").WithCause(err)
		}
		lg.Warn("token refresh failed, proceeding with stale token", "error", err)
		return nil
	}

	// The spawned worker must see the refreshed token.
	creds := oauthStrategy.Credentials()
	methodID := ""
	if inst.AuthState != nil {
		methodID = inst.AuthState.MethodID
	}
	inst.AuthState = &store.AuthState{MethodID: methodID, Credentials: &creds}
	lg.Info("oauth token refreshed before start")
	return nil
}

func (m *Manager) spawn(ctx context.Context, lg *slog.Logger, mf *manifest.Manifest, inst *store.PluginInstance, strategy auth.Strategy, port int) (*WorkerInfo, error) {
	values, err := pluginconfig.ResolveForWorker(inst, mf.ConfigSchema, m.cfg.Store.Cipher(), pluginconfig.Options{Env: m.cfg.Env})
	if err != nil {
		return nil, NewError(ErrorCodeConfig, "config resolution failed").WithCause(err)
	}

	var apiURL, apiToken string
	if mf.HasCapability(manifest.CapabilityHTTP) || mf.HasCapability(manifest.CapabilityRoutes) {
		apiURL = m.cfg.APIBaseURL
		if m.cfg.Tokens != nil {
			apiToken, err = m.cfg.Tokens.Issue(inst.OrganizationID, inst.PluginID)
			if err != nil {
				return nil, NewError(ErrorCodeInternal, "failed to issue platform token").WithCause(err)
			}
		}
	}

	env, err := buildEnv(envSpec{
		OrgID:       inst.OrganizationID,
		PluginID:    inst.PluginID,
		Port:        port,
		Config:      values,
		AuthState:   inst.AuthState,
		Manifest:    mf,
		APIBaseURL:  apiURL,
		APIToken:    apiToken,
		StrategyEnv: strategy.EnvVars(),
		Lookup:      m.cfg.Env,
	})
	if err != nil {
		return nil, NewError(ErrorCodeConfig, "failed to build worker environment").WithCause(err)
	}

	cmd := m.newCommand(SpawnSpec{Manifest: mf, OrgID: inst.OrganizationID, Port: port, Env: env})

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, NewError(ErrorCodeSpawnFailed, "failed to pipe stdout").WithCause(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, NewError(ErrorCodeSpawnFailed, "failed to pipe stderr").WithCause(err)
	}

	if err := cmd.Start(); err != nil {
		return nil, NewError(ErrorCodeSpawnFailed, "failed to spawn worker process").WithCause(err)
	}

	info := &WorkerInfo{
		OrganizationID: inst.OrganizationID,
		PluginID:       inst.PluginID,
		InstanceID:     inst.ID,
		Port:           port,
		PID:            cmd.Process.Pid,
		StartedAt:      time.Now(),
		cmd:            cmd,
		exited:         make(chan struct{}),
		done:           make(chan struct{}),
	}
	info.Touch()

	lg.Info("worker spawned", slog.Int(log.PortKey, port), slog.Int(log.PIDKey, info.PID))

	go m.pipeOutput(info, stdout, "stdout")
	go m.pipeOutput(info, stderr, "stderr")
	go m.watchExit(info)
	return info, nil
}

// pipeOutput forwards worker output lines into the daemon's logs.
func (m *Manager) pipeOutput(info *WorkerInfo, r io.Reader, stream string) {
	lg := log.WithWorker(m.logger, info.OrganizationID, info.PluginID)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if stream == "stderr" {
			lg.Warn("worker output", "stream", stream, "line", line)
		} else {
			lg.Info("worker output", "stream", stream, "line", line)
		}
	}
}

// watchExit runs once per worker: waits for the process, then releases
// the port, removes the registry entry, and persists the final state.
// A crash never leaves a dangling registry entry.
func (m *Manager) watchExit(info *WorkerInfo) {
	exitErr := info.cmd.Wait()
	close(info.exited)

	m.deregister(info)
	m.cfg.Ports.Release(info.Port)

	if !info.abandoned.Load() {
		m.persistExit(info, exitErr)
	}
	close(info.done)
}

func (m *Manager) persistExit(info *WorkerInfo, exitErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	lg := log.WithWorker(m.logger, info.OrganizationID, info.PluginID)

	clean := exitErr == nil || info.stopRequested.Load()
	if clean {
		lg.Info("worker stopped", slog.Int(log.PIDKey, info.PID))
		if err := m.cfg.Store.UpdateRuntime(ctx, info.OrganizationID, info.PluginID, store.StateStopped, 0, 0, store.HealthUnknown, ""); err != nil {
			lg.Warn("failed to persist stopped state", "error", err)
		}
		return
	}

	workerCrashesTotal.Inc()
	lg.Error("worker crashed", slog.Int(log.PIDKey, info.PID), "error", exitErr)
	if err := m.cfg.Store.UpdateRuntime(ctx, info.OrganizationID, info.PluginID, store.StateError, 0, 0, store.HealthUnhealthy, exitErr.Error()); err != nil {
		lg.Warn("failed to persist error state", "error", err)
	}
}

// markError persists a failed start so the row does not sit in
// "starting" forever.
func (m *Manager) markError(ctx context.Context, orgID, pluginID string, cause error) {
	if err := m.cfg.Store.UpdateRuntime(ctx, orgID, pluginID, store.StateError, 0, 0, store.HealthUnhealthy, cause.Error()); err != nil {
		m.logger.Warn("failed to persist error state",
			slog.String(log.OrgIDKey, orgID),
			slog.String(log.PluginIDKey, pluginID),
			"error", err)
	}
}

func (m *Manager) register(info *WorkerInfo) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-info.exited:
		return false
	default:
	}
	m.workers[info.Key()] = info
	workersRunning.Set(float64(len(m.workers)))
	return true
}

func (m *Manager) deregister(info *WorkerInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.workers[info.Key()]; ok && current == info {
		delete(m.workers, info.Key())
		workersRunning.Set(float64(len(m.workers)))
	}
}

// Stop shuts down the worker for the key. A missing worker is a no-op.
// Best-effort disable notification, then SIGTERM, then SIGKILL after
// the grace window.
func (m *Manager) Stop(ctx context.Context, orgID, pluginID string) error {
	unlock := m.keys.Lock(orgID + ":" + pluginID)
	defer unlock()

	ctx, span := m.tracer.Start(ctx, "worker.stop", trace.WithAttributes(
		attribute.String("org.id", orgID),
		attribute.String("plugin.id", pluginID),
	))
	defer span.End()

	info, ok := m.Get(orgID, pluginID)
	if !ok {
		return nil
	}

	lg := log.WithWorker(m.logger, orgID, pluginID)
	workerStopsTotal.Inc()
	info.stopRequested.Store(true)

	m.notifyDisable(ctx, info)

	if err := info.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		lg.Debug("SIGTERM failed, process may have already exited", "error", err)
	}

	select {
	case <-info.done:
	case <-time.After(m.stopGrace):
		lg.Warn("grace period elapsed, killing worker", slog.Int(log.PIDKey, info.PID))
		m.killGroup(info)
		<-info.done
	}
	return nil
}

// notifyDisable gives the worker a chance to quiesce before signals
// arrive. Failures are swallowed.
func (m *Manager) notifyDisable(ctx context.Context, info *WorkerInfo) {
	url := fmt.Sprintf("http://127.0.0.1:%d/disable", info.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}

func (m *Manager) killGroup(info *WorkerInfo) {
	// Negative pid addresses the whole process group.
	if err := syscall.Kill(-info.PID, syscall.SIGKILL); err != nil {
		_ = info.cmd.Process.Kill()
	}
}

// StopAll stops every live worker concurrently and waits for all of
// them, so the daemon can exit without orphaning children.
func (m *Manager) StopAll(ctx context.Context) {
	infos := m.Workers()

	var wg sync.WaitGroup
	for _, info := range infos {
		wg.Add(1)
		go func(info *WorkerInfo) {
			defer wg.Done()
			if err := m.Stop(ctx, info.OrganizationID, info.PluginID); err != nil {
				m.logger.Warn("failed to stop worker",
					slog.String(log.OrgIDKey, info.OrganizationID),
					slog.String(log.PluginIDKey, info.PluginID),
					"error", err)
			}
		}(info)
	}
	wg.Wait()
}

// EnsureRunning returns the live worker for the key, starting one if
// needed. A start that loses a race to another caller falls back to the
// winner's worker.
func (m *Manager) EnsureRunning(ctx context.Context, orgID, pluginID string) (*WorkerInfo, error) {
	if info, ok := m.Get(orgID, pluginID); ok {
		return info, nil
	}
	info, err := m.Start(ctx, orgID, pluginID)
	if err != nil {
		if IsCode(err, ErrorCodeAlreadyRunning) {
			if existing, ok := m.Get(orgID, pluginID); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return info, nil
}

// Reconcile runs once at daemon boot: the in-memory registry starts
// empty, so any instance persisted as starting or ready belonged to a
// previous daemon process and is marked stopped.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	n, err := m.cfg.Store.ResetRunning(ctx)
	if err != nil {
		return 0, fmt.Errorf("reconciliation failed: %w", err)
	}
	if n > 0 {
		m.logger.Info("reconciled stale worker records", "count", n)
	}
	return n, nil
}
