package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apeirography/comfy-bootstrap/internal/comfy"
	"github.com/apeirography/comfy-bootstrap/internal/comput3"
	"github.com/apeirography/comfy-bootstrap/internal/config"
	"github.com/apeirography/comfy-bootstrap/internal/service/provisioner"
)

// fakeBackend emulates the provisioning API and the workload's management
// API behind a single test server.
type fakeBackend struct {
	mu sync.Mutex

	// paths records every request path in arrival order.
	paths []string
	// rebooted flips after the restart trigger arrives.
	rebooted bool
	// downProbes counts post-reboot health probes still answered as down.
	downProbes int
	// modelInstalled flips after the whitelisted model install is enqueued.
	modelInstalled bool
}

const artifactHash = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

func (b *fakeBackend) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		defer b.mu.Unlock()

		b.paths = append(b.paths, r.URL.Path)

		switch {
		case r.URL.Path == "/launch":
			_ = json.NewEncoder(w).Encode(map[string]string{
				"node":     "node-1",
				"workload": "workload-1",
			})
		case r.URL.Path == "/api/queue":
			if b.rebooted && b.downProbes > 0 {
				b.downProbes--

				w.WriteHeader(http.StatusServiceUnavailable)

				return
			}

			w.WriteHeader(http.StatusOK)
		case strings.HasPrefix(r.URL.Path, "/api/customnode/getlist"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"custom_nodes": []map[string]any{
					{
						"title":     "Ultimate SD Upscale",
						"id":        "ultimate-sd-upscale",
						"reference": "https://github.com/a/usdu",
						"state":     "not-installed",
					},
				},
			})
		case strings.HasPrefix(r.URL.Path, "/api/externalmodel/getlist"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"models": []map[string]any{
					{
						"name": "Wan Video VAE", "filename": "wan_vae.safetensors",
						"base": "WanVideo", "save_path": "vae", "installed": b.modelInstalled,
					},
				},
			})
		case strings.HasPrefix(r.URL.Path, "/api/customnode/versions/"):
			w.WriteHeader(http.StatusNotFound)
		case r.URL.Path == "/api/manager/queue/install_model":
			b.modelInstalled = true
		case r.URL.Path == "/api/manager/reboot":
			b.rebooted = true
			b.downProbes = 2
		case r.URL.Path == "/api/prompt":
			_ = json.NewEncoder(w).Encode(map[string]string{"prompt_id": "p-1"})
		case strings.HasPrefix(r.URL.Path, "/api/history/"):
			_, _ = w.Write([]byte(`{"p-1": {"status": {"completed": true}}}`))
		case r.URL.Path == "/api/manager/queue/status":
			_, _ = w.Write([]byte(`{"is_processing": false, "in_progress_count": 0}`))
		}
	})
}

// requestIndex returns the position of the first request to a path, or -1.
func (b *fakeBackend) requestIndex(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, p := range b.paths {
		if p == path {
			return i
		}
	}

	return -1
}

// writeRunConfig persists a configuration pointing at the test server.
func writeRunConfig(t *testing.T, ts *httptest.Server, cfg *config.Config) string {
	t.Helper()

	cfg.APIKey = "c3_api_integration"
	cfg.APIBase = ts.URL
	cfg.EndpointOverride = ts.URL

	path := filepath.Join(t.TempDir(), config.DefaultConfigFilename)
	require.NoError(t, config.Save(path, cfg))

	return path
}

// fastRunOptions tightens every window so the cycle finishes in milliseconds.
func fastRunOptions(configPath string) *provisioner.Options {
	return &provisioner.Options{
		ConfigPath:     configPath,
		BootDelay:      time.Millisecond,
		ReadyTimeout:   2 * time.Second,
		DowntimeWindow: 300 * time.Millisecond,
		RestartTimeout: 2 * time.Second,
		SettleDelay:    -1,
		ComfyOptions: []comfy.Option{
			comfy.WithRetryBackoff(time.Millisecond, 5*time.Millisecond),
			comfy.WithQueuePollInterval(time.Millisecond),
			comfy.WithCallTimeout(2 * time.Second),
			comfy.WithEnqueueAttempts(2),
		},
		Out: &strings.Builder{},
	}
}

// TestRun_FullProvisioningCycle drives a complete run against the fake
// backend: launch, whitelisted installs, restart, then direct-URL installs.
func TestRun_FullProvisioningCycle(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	ts := httptest.NewServer(backend.handler())
	defer ts.Close()

	configPath := writeRunConfig(t, ts, &config.Config{
		NodeQueries:  []string{"ultimate upscale"},
		ModelQueries: []string{"wan video vae"},
		GitHubNodes:  []string{"https://github.com/a/extra-nodes"},
		DirectModels: []config.DirectModel{
			{
				URL:       "https://host/pinned.safetensors",
				Filename:  "pinned.safetensors",
				Subfolder: "loras",
				SHA256:    artifactHash,
			},
		},
	})

	opts := fastRunOptions(configPath)
	out := &strings.Builder{}
	opts.Out = out

	require.NoError(t, provisioner.Run(context.Background(), opts))

	// Every install mechanism was exercised.
	require.GreaterOrEqual(t, backend.requestIndex("/api/manager/queue/install"), 0)
	require.GreaterOrEqual(t, backend.requestIndex("/api/manager/queue/install_model"), 0)
	require.GreaterOrEqual(t, backend.requestIndex("/api/customnode/install/git_url"), 0)

	// The pinned direct model rides the downloader workflow, and only after
	// the restart trigger.
	reboot := backend.requestIndex("/api/manager/reboot")
	direct := backend.requestIndex("/api/prompt")
	require.GreaterOrEqual(t, reboot, 0)
	require.Greater(t, direct, reboot)

	// The summary reports a fully clean run: the whitelisted node, the
	// baseline plugin, the GitHub node, the whitelisted model and the
	// direct-URL model.
	require.Contains(t, out.String(), "5 installed, 0 failed, 0 flagged, 0 skipped")
}

// TestRun_LaunchRejectedIsFatal aborts before touching any install endpoint
// when the provisioning API refuses the launch.
func TestRun_LaunchRejectedIsFatal(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/launch" {
			w.WriteHeader(http.StatusPaymentRequired)
			return
		}

		backend.handler().ServeHTTP(w, r)
	}))
	defer ts.Close()

	configPath := writeRunConfig(t, ts, &config.Config{
		NodeQueries: []string{"ultimate upscale"},
	})

	err := provisioner.Run(context.Background(), fastRunOptions(configPath))
	require.ErrorIs(t, err, comput3.ErrLaunchRejected)
	require.Equal(t, -1, backend.requestIndex("/api/manager/queue/install"))
}

// TestRun_LaunchTimeoutAbortsBeforeInstalls aborts the run without a single
// install call when the workload never becomes reachable after launch.
func TestRun_LaunchTimeoutAbortsBeforeInstalls(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/launch" {
			backend.handler().ServeHTTP(w, r)
			return
		}

		backend.mu.Lock()
		backend.paths = append(backend.paths, r.URL.Path)
		backend.mu.Unlock()

		// The workload was reserved but never boots.
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	configPath := writeRunConfig(t, ts, &config.Config{
		NodeQueries: []string{"ultimate upscale"},
		GitHubNodes: []string{"https://github.com/a/extra-nodes"},
	})

	opts := fastRunOptions(configPath)
	opts.ReadyTimeout = 100 * time.Millisecond

	err := provisioner.Run(context.Background(), opts)
	require.ErrorIs(t, err, comput3.ErrLaunchTimeout)

	for _, path := range []string{
		"/api/manager/queue/install",
		"/api/customnode/install/git_url",
		"/api/externalmodel/install_url",
		"/api/prompt",
	} {
		require.Equal(t, -1, backend.requestIndex(path))
	}
}

// TestRun_RestartFailureSkipsDirectInstalls returns an error and records the
// direct models as skipped when the application never comes back.
func TestRun_RestartFailureSkipsDirectInstalls(t *testing.T) {
	t.Parallel()

	backend := &fakeBackend{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/manager/reboot" {
			// Trigger accepted, but the application stays down for good.
			backend.mu.Lock()
			backend.rebooted = true
			backend.downProbes = 1 << 20
			backend.mu.Unlock()

			return
		}

		backend.handler().ServeHTTP(w, r)
	}))
	defer ts.Close()

	configPath := writeRunConfig(t, ts, &config.Config{
		DirectModels: []config.DirectModel{
			{URL: "https://host/pinned.safetensors", Filename: "pinned.safetensors", Subfolder: "loras"},
		},
	})

	opts := fastRunOptions(configPath)
	opts.RestartTimeout = 100 * time.Millisecond

	out := &strings.Builder{}
	opts.Out = out

	err := provisioner.Run(context.Background(), opts)
	require.Error(t, err)
	require.Equal(t, -1, backend.requestIndex("/api/externalmodel/install_url"))
	require.Equal(t, -1, backend.requestIndex("/api/prompt"))
	require.Contains(t, out.String(), "restart cycle failed")
}
