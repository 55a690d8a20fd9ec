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
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentside/plugind/internal/auth"
	"github.com/agentside/plugind/internal/manifest"
	"github.com/agentside/plugind/internal/ports"
	"github.com/agentside/plugind/internal/store"
)

// TestHelperWorker is not a real test: it is re-executed as the worker
// process by the manager tests. It serves the worker HTTP surface on
// PORT and exits cleanly on SIGTERM.
func TestHelperWorker(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_WORKER") != "1" {
		return
	}

	if os.Getenv("WORKER_NEVER_READY") == "1" {
		time.Sleep(time.Hour)
		os.Exit(0)
	}

	port := os.Getenv("PORT")
	ln, err := net.Listen("tcp", "127.0.0.1:"+port)
	if err != nil {
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metadata", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"name":"helper"}`)
	})
	mux.HandleFunc("/disable", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	go http.Serve(ln, mux)

	if ms := os.Getenv("WORKER_CRASH_AFTER_MS"); ms != "" {
		d, _ := strconv.Atoi(ms)
		time.Sleep(time.Duration(d) * time.Millisecond)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM)
	<-sig
	os.Exit(0)
}

// helperCommand re-executes the test binary as the worker process.
func helperCommand(extraEnv ...string) func(spec SpawnSpec) *exec.Cmd {
	return func(spec SpawnSpec) *exec.Cmd {
		cmd := exec.Command(os.Args[0], "-test.run=TestHelperWorker")
		cmd.Env = append(append([]string{"GO_WANT_HELPER_WORKER=1"}, spec.Env...), extraEnv...)
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
		return cmd
	}
}

const testManifest = `name: demo
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

type testEnv struct {
	manager *Manager
	store   *store.Store
	ports   *ports.Allocator
}

func newTestEnv(t *testing.T, opts func(cfg *Config)) *testEnv {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "demo"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "demo", "manifest.yaml"), []byte(testManifest), 0o644))
	registry, err := manifest.NewRegistry(dir)
	require.NoError(t, err)

	st, err := store.Open(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	allocator := ports.NewAllocator(ports.WithRange(20000, 29999))

	cfg := Config{
		Store:      st,
		Manifests:  registry,
		Ports:      allocator,
		Readiness:  ReadinessConfig{Attempts: 60, Interval: 50 * time.Millisecond},
		StopGrace:  2 * time.Second,
		NewCommand: helperCommand(),
		Env: func(key string) (string, bool) {
			if key == "DEMO_API_KEY" {
				return "env-value", true
			}
			return "", false
		},
	}
	if opts != nil {
		opts(&cfg)
	}

	return &testEnv{manager: NewManager(cfg), store: st, ports: allocator}
}

func (e *testEnv) seedInstance(t *testing.T, inst *store.PluginInstance) {
	t.Helper()
	require.NoError(t, e.store.Upsert(context.Background(), inst))
}

func TestStartAndStop(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedInstance(t, &store.PluginInstance{OrganizationID: "org-1", PluginID: "demo", Enabled: true})
	ctx := context.Background()

	info, err := env.manager.Start(ctx, "org-1", "demo")
	require.NoError(t, err)
	assert.True(t, env.manager.IsRunning("org-1", "demo"))
	assert.NotZero(t, info.Port)
	assert.NotZero(t, info.PID)
	assert.Equal(t, 1, env.ports.AllocatedCount())

	persisted, err := env.store.Get(ctx, "org-1", "demo")
	require.NoError(t, err)
	assert.Equal(t, store.StateReady, persisted.State)
	assert.Equal(t, store.HealthHealthy, persisted.Health)
	assert.Equal(t, info.Port, persisted.Port)
	assert.Equal(t, info.PID, persisted.ProcessID)

	require.NoError(t, env.manager.Stop(ctx, "org-1", "demo"))
	assert.False(t, env.manager.IsRunning("org-1", "demo"))
	assert.Equal(t, 0, env.ports.AllocatedCount())

	persisted, err = env.store.Get(ctx, "org-1", "demo")
	require.NoError(t, err)
	assert.Equal(t, store.StateStopped, persisted.State)
}

func TestStop_NoWorkerIsNoOp(t *testing.T) {
	env := newTestEnv(t, nil)

	require.NoError(t, env.manager.Stop(context.Background(), "org-1", "demo"))
}

func TestStart_DuplicateIsHardError(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedInstance(t, &store.PluginInstance{OrganizationID: "org-1", PluginID: "demo", Enabled: true})
	ctx := context.Background()

	_, err := env.manager.Start(ctx, "org-1", "demo")
	require.NoError(t, err)
	defer env.manager.Stop(ctx, "org-1", "demo")

	_, err = env.manager.Start(ctx, "org-1", "demo")
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrorCodeAlreadyRunning))
	assert.Equal(t, 1, env.manager.Count())
}

func TestStart_DisabledInstance(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedInstance(t, &store.PluginInstance{OrganizationID: "org-1", PluginID: "demo", Enabled: false})

	_, err := env.manager.Start(context.Background(), "org-1", "demo")
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrorCodeNotEnabled))
}

func TestStart_UnknownPlugin(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.manager.Start(context.Background(), "org-1", "nope")
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrorCodeNotFound))
}

func TestStart_ReadinessTimeoutKillsWorker(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.NewCommand = helperCommand("WORKER_NEVER_READY=1")
		cfg.Readiness = ReadinessConfig{Attempts: 3, Interval: 50 * time.Millisecond}
	})
	env.seedInstance(t, &store.PluginInstance{OrganizationID: "org-1", PluginID: "demo", Enabled: true})
	ctx := context.Background()

	_, err := env.manager.Start(ctx, "org-1", "demo")
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrorCodeReadinessTimeout))

	// Failure path rolled everything back: no registry entry, no leased
	// port, persisted error state.
	assert.False(t, env.manager.IsRunning("org-1", "demo"))
	assert.Equal(t, 0, env.ports.AllocatedCount())

	persisted, err := env.store.Get(ctx, "org-1", "demo")
	require.NoError(t, err)
	assert.Equal(t, store.StateError, persisted.State)
	assert.NotEmpty(t, persisted.LastError)
}

func TestWorkerCrashCleansUp(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.NewCommand = helperCommand("WORKER_CRASH_AFTER_MS=300")
	})
	env.seedInstance(t, &store.PluginInstance{OrganizationID: "org-1", PluginID: "demo", Enabled: true})
	ctx := context.Background()

	_, err := env.manager.Start(ctx, "org-1", "demo")
	require.NoError(t, err)
	require.Equal(t, 1, env.ports.AllocatedCount())

	require.Eventually(t, func() bool {
		return !env.manager.IsRunning("org-1", "demo")
	}, 5*time.Second, 50*time.Millisecond, "registry entry should be removed after crash")

	require.Eventually(t, func() bool {
		return env.ports.AllocatedCount() == 0
	}, 5*time.Second, 50*time.Millisecond, "port should be released after crash")

	require.Eventually(t, func() bool {
		persisted, err := env.store.Get(ctx, "org-1", "demo")
		return err == nil && persisted.State == store.StateError && persisted.Health == store.HealthUnhealthy
	}, 5*time.Second, 50*time.Millisecond, "instance should persist error state")
}

func TestStopAll(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedInstance(t, &store.PluginInstance{OrganizationID: "org-1", PluginID: "demo", Enabled: true})
	env.seedInstance(t, &store.PluginInstance{OrganizationID: "org-2", PluginID: "demo", Enabled: true})
	ctx := context.Background()

	_, err := env.manager.Start(ctx, "org-1", "demo")
	require.NoError(t, err)
	_, err = env.manager.Start(ctx, "org-2", "demo")
	require.NoError(t, err)
	require.Equal(t, 2, env.manager.Count())

	env.manager.StopAll(ctx)

	assert.Equal(t, 0, env.manager.Count())
	assert.Equal(t, 0, env.ports.AllocatedCount())
}

func TestEnsureRunning(t *testing.T) {
	env := newTestEnv(t, nil)
	env.seedInstance(t, &store.PluginInstance{OrganizationID: "org-1", PluginID: "demo", Enabled: true})
	ctx := context.Background()

	first, err := env.manager.EnsureRunning(ctx, "org-1", "demo")
	require.NoError(t, err)
	defer env.manager.Stop(ctx, "org-1", "demo")

	second, err := env.manager.EnsureRunning(ctx, "org-1", "demo")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, env.manager.Count())
}

func TestStart_RefreshesOAuthTokenBeforeSpawn(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "refreshed-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer tokenServer.Close()

	var mu sync.Mutex
	var capturedEnv []string
	env := newTestEnv(t, func(cfg *Config) {
		cfg.OAuthEndpoints = map[string]*auth.OAuthEndpoint{
			"demo": {TokenURL: tokenServer.URL, ClientID: "client-1"},
		}
		inner := helperCommand()
		cfg.NewCommand = func(spec SpawnSpec) *exec.Cmd {
			mu.Lock()
			capturedEnv = append([]string(nil), spec.Env...)
			mu.Unlock()
			return inner(spec)
		}
	})

	// Token expires in 3 minutes: inside the refresh buffer.
	env.seedInstance(t, &store.PluginInstance{
		OrganizationID: "org-1",
		PluginID:       "demo",
		Enabled:        true,
		AuthMethod:     "oauth",
		AuthState: &store.AuthState{
			MethodID: "oauth",
			Credentials: &store.Credentials{
				AccessToken:  "stale-token",
				RefreshToken: "rt-1",
				ExpiresAt:    time.Now().Add(3 * time.Minute).Unix(),
			},
		},
	})
	ctx := context.Background()

	_, err := env.manager.Start(ctx, "org-1", "demo")
	require.NoError(t, err)
	defer env.manager.Stop(ctx, "org-1", "demo")

	mu.Lock()
	defer mu.Unlock()
	var authStateJSON string
	for _, kv := range capturedEnv {
		if len(kv) > len(EnvAuthState) && kv[:len(EnvAuthState)+1] == EnvAuthState+"=" {
			authStateJSON = kv[len(EnvAuthState)+1:]
		}
	}
	require.NotEmpty(t, authStateJSON, "worker env should carry auth state")
	assert.Contains(t, authStateJSON, "refreshed-token")
	assert.NotContains(t, authStateJSON, "stale-token")

	// The refreshed credentials were also persisted.
	persisted, err := env.store.Get(ctx, "org-1", "demo")
	require.NoError(t, err)
	assert.Equal(t, "refreshed-token", persisted.AuthState.Credentials.AccessToken)
}

func TestStart_ExpiredTokenRefreshFailureIsFatal(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer tokenServer.Close()

	env := newTestEnv(t, func(cfg *Config) {
		cfg.OAuthEndpoints = map[string]*auth.OAuthEndpoint{
			"demo": {TokenURL: tokenServer.URL, ClientID: "client-1"},
		}
	})
	env.seedInstance(t, &store.PluginInstance{
		OrganizationID: "org-1",
		PluginID:       "demo",
		Enabled:        true,
		AuthMethod:     "oauth",
		AuthState: &store.AuthState{
			Credentials: &store.Credentials{
				AccessToken:  "dead-token",
				RefreshToken: "rt-1",
				ExpiresAt:    time.Now().Add(-time.Hour).Unix(),
			},
		},
	})
	ctx := context.Background()

	_, err := env.manager.Start(ctx, "org-1", "demo")
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrorCodeAuthExpired))

	persisted, err := env.store.Get(ctx, "org-1", "demo")
	require.NoError(t, err)
	assert.Equal(t, store.StateError, persisted.State)
}

func TestReconcile(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	env.seedInstance(t, &store.PluginInstance{OrganizationID: "org-1", PluginID: "demo", Enabled: true})
	require.NoError(t, env.store.UpdateRuntime(ctx, "org-1", "demo", store.StateReady, 5001, 99, store.HealthHealthy, ""))

	n, err := env.manager.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	persisted, err := env.store.Get(ctx, "org-1", "demo")
	require.NoError(t, err)
	assert.Equal(t, store.StateStopped, persisted.State)
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := newKeyedMutex()

	var order []int
	var mu sync.Mutex

	unlock := km.Lock("a")
	done := make(chan struct{})
	go func() {
		u := km.Lock("a")
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		u()
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	order = append(order, 1)
	mu.Unlock()
	unlock()

	<-done
	assert.Equal(t, []int{1, 2}, order)
}

func TestKeyedMutex_IndependentKeys(t *testing.T) {
	km := newKeyedMutex()

	unlockA := km.Lock("a")
	defer unlockA()

	acquired := make(chan struct{})
	go func() {
		u := km.Lock("b")
		u()
		close(acquired)
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("different keys should not block each other")
	}
}
