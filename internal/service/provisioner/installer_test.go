package provisioner

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apeirography/comfy-bootstrap/internal/comfy"
	"github.com/apeirography/comfy-bootstrap/internal/config"
	"github.com/apeirography/comfy-bootstrap/internal/domain/provision"
)

// newTestInstaller binds an installer to a test server with short backoffs.
func newTestInstaller(t *testing.T, ts *httptest.Server) *installer {
	t.Helper()

	handle := &provision.WorkloadHandle{
		Node:    "test",
		APIBase: ts.URL + "/api",
		Root:    ts.URL,
	}

	client, err := comfy.NewClient(handle, "c3_api_test",
		comfy.WithRetryBackoff(time.Millisecond, 5*time.Millisecond),
		comfy.WithQueuePollInterval(time.Millisecond),
		comfy.WithCallTimeout(2*time.Second),
		comfy.WithEnqueueAttempts(2),
	)
	require.NoError(t, err)

	return &installer{client: client, report: &RunReport{}}
}

// writeIdleQueue answers a queue status probe with a drained queue.
func writeIdleQueue(w http.ResponseWriter) {
	_, _ = w.Write([]byte(`{"is_processing": false, "in_progress_count": 0}`))
}

// byName indexes report items for assertions.
func byName(t *testing.T, report *RunReport, name string) ItemResult {
	t.Helper()

	for _, item := range report.Items() {
		if item.Name == name {
			return item
		}
	}

	t.Fatalf("report has no item named %q", name)

	return ItemResult{}
}

// TestInstallWhitelistedNodes_ResolvesAndRecords covers the full range of
// per-query outcomes within one batch: a clean match, an ambiguous query, an
// unknown query and an already-installed node.
func TestInstallWhitelistedNodes_ResolvesAndRecords(t *testing.T) {
	t.Parallel()

	catalog := map[string]any{
		"custom_nodes": []map[string]any{
			{"title": "Ultimate SD Upscale", "id": "ultimate-sd-upscale", "reference": "https://github.com/a/usdu", "state": "not-installed"},
			{"title": "Frame Pack Alpha", "id": "frame-pack-alpha", "reference": "https://github.com/a/fpa", "state": "not-installed"},
			{"title": "Frame Pack Beta", "id": "frame-pack-beta", "reference": "https://github.com/a/fpb", "state": "not-installed"},
			{"title": "Video Helper Suite", "id": "video-helper-suite", "reference": "https://github.com/a/vhs", "state": "installed"},
		},
	}

	var (
		mu       sync.Mutex
		enqueued []string
	)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		switch {
		case strings.HasPrefix(r.URL.Path, "/api/customnode/getlist"):
			_ = json.NewEncoder(w).Encode(catalog)
		case strings.HasPrefix(r.URL.Path, "/api/customnode/versions/"):
			w.WriteHeader(http.StatusNotFound)
		case r.URL.Path == "/api/manager/queue/install":
			var payload map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			enqueued = append(enqueued, payload["id"].(string))
		case r.URL.Path == "/api/manager/queue/status":
			writeIdleQueue(w)
		}
	}))
	defer ts.Close()

	inst := newTestInstaller(t, ts)
	inst.InstallWhitelistedNodes(context.Background(), catalogRequests(provision.KindNode, []string{
		"ultimate upscale",
		"Frame Pack",
		"quantum sprocket",
		"video helper suite",
	}))

	mu.Lock()
	require.Equal(t, []string{"ultimate-sd-upscale"}, enqueued)
	mu.Unlock()

	require.Equal(t, StatusInstalled, byName(t, inst.report, "Ultimate SD Upscale").Status)
	require.Equal(t, StatusFailed, byName(t, inst.report, "Frame Pack").Status)
	require.Equal(t, StatusFailed, byName(t, inst.report, "quantum sprocket").Status)

	already := byName(t, inst.report, "Video Helper Suite")
	require.Equal(t, StatusSkipped, already.Status)
	require.Equal(t, "already installed", already.Note)
}

// TestInstallWhitelistedModels_ResolvesByFilename matches a query against a
// model's stored filename and drives the install to completion.
func TestInstallWhitelistedModels_ResolvesByFilename(t *testing.T) {
	t.Parallel()

	var (
		mu        sync.Mutex
		installed bool
	)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()

		switch {
		case strings.HasPrefix(r.URL.Path, "/api/externalmodel/getlist"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"models": []map[string]any{
					{
						"name": "Wan Video VAE", "filename": "wan_vae.safetensors",
						"base": "WanVideo", "save_path": "vae", "installed": installed,
					},
				},
			})
		case r.URL.Path == "/api/manager/queue/install_model":
			installed = true
		case r.URL.Path == "/api/manager/queue/status":
			writeIdleQueue(w)
		}
	}))
	defer ts.Close()

	inst := newTestInstaller(t, ts)
	inst.InstallWhitelistedModels(context.Background(),
		catalogRequests(provision.KindModel, []string{"wan_vae.safetensors"}))

	mu.Lock()
	require.True(t, installed)
	mu.Unlock()

	require.Equal(t, StatusInstalled, byName(t, inst.report, "Wan Video VAE").Status)
	require.False(t, inst.report.HasFailures())
}

// TestInstallBaselineNode_FatalOnRefusal surfaces a terminal refusal of the
// baseline plugin as an error instead of a recorded per-item failure only.
func TestInstallBaselineNode_FatalOnRefusal(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/customnode/install/git_url" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		writeIdleQueue(w)
	}))
	defer ts.Close()

	inst := newTestInstaller(t, ts)

	err := inst.InstallBaselineNode(context.Background())
	require.ErrorIs(t, err, ErrBaselineInstall)
	require.Equal(t, StatusFailed, byName(t, inst.report, BaselineNodeURL).Status)
}

// TestInstallGitHubNodes_ContinuesPastFailure keeps installing the remaining
// repositories after one fails terminally.
func TestInstallGitHubNodes_ContinuesPastFailure(t *testing.T) {
	t.Parallel()

	const (
		badRepo  = "https://github.com/a/broken"
		goodRepo = "https://github.com/a/working"
	)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/customnode/install/git_url" {
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)

			if strings.Contains(string(body), badRepo) {
				w.WriteHeader(http.StatusBadRequest)
				return
			}

			return
		}

		writeIdleQueue(w)
	}))
	defer ts.Close()

	inst := newTestInstaller(t, ts)
	inst.InstallGitHubNodes(context.Background(), gitRequests([]string{badRepo, goodRepo}))

	require.Equal(t, StatusFailed, byName(t, inst.report, badRepo).Status)
	require.Equal(t, StatusInstalled, byName(t, inst.report, goodRepo).Status)
	require.True(t, inst.report.HasFailures())
}

// TestInstallDirectModels_VerifiesChecksums covers the three checksum
// outcomes: a pinned model whose downloader run succeeds installs, a pinned
// model whose run errors flags, and an unpinned model installs through the
// manager without ever touching the downloader workflow.
func TestInstallDirectModels_VerifiesChecksums(t *testing.T) {
	t.Parallel()

	var (
		mu          sync.Mutex
		managerURLs []string
		promptURLs  []string
	)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/externalmodel/install_url":
			var payload map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))

			mu.Lock()
			managerURLs = append(managerURLs, payload["url"].(string))
			mu.Unlock()
		case "/api/prompt":
			var payload struct {
				Prompt map[string]struct {
					Inputs map[string]any `json:"inputs"`
				} `json:"prompt"`
			}

			require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
			url := payload.Prompt["20"].Inputs["url"].(string)

			mu.Lock()
			promptURLs = append(promptURLs, url)
			mu.Unlock()

			id := "p-good"
			if strings.Contains(url, "tampered") {
				id = "p-bad"
			}

			_ = json.NewEncoder(w).Encode(map[string]string{"prompt_id": id})
		case "/api/history/p-good":
			_, _ = w.Write([]byte(`{"p-good": {"status": {"completed": true}}}`))
		case "/api/history/p-bad":
			_, _ = w.Write([]byte(`{"p-bad": {"status": {"status": "error"}}}`))
		case "/api/manager/queue/status":
			writeIdleQueue(w)
		}
	}))
	defer ts.Close()

	inst := newTestInstaller(t, ts)
	inst.InstallDirectModels(context.Background(), directRequests([]config.DirectModel{
		{URL: "https://host/verified.safetensors", Filename: "verified.safetensors", Subfolder: "loras", SHA256: strings.Repeat("ab", 32)},
		{URL: "https://host/tampered.safetensors", Filename: "tampered.safetensors", Subfolder: "loras", SHA256: strings.Repeat("cd", 32)},
		{URL: "https://host/unpinned.safetensors", Filename: "unpinned.safetensors", Subfolder: "loras"},
	}))

	require.Equal(t, StatusInstalled, byName(t, inst.report, "verified.safetensors").Status)
	require.Equal(t, StatusInstalled, byName(t, inst.report, "unpinned.safetensors").Status)

	flagged := byName(t, inst.report, "tampered.safetensors")
	require.Equal(t, StatusFlagged, flagged.Status)
	require.ErrorIs(t, flagged.Err, ErrIntegrityMismatch)

	// Pinned models bypass the manager endpoints and the unpinned model
	// never reaches the workflow.
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"https://host/unpinned.safetensors"}, managerURLs)
	require.ElementsMatch(t, []string{
		"https://host/verified.safetensors",
		"https://host/tampered.safetensors",
	}, promptURLs)
}

// TestInstallDirectModels_ManagerRefusalFallsBackToWorkflow drives an
// unpinned model through the downloader workflow after every manager URL
// endpoint refuses it.
func TestInstallDirectModels_ManagerRefusalFallsBackToWorkflow(t *testing.T) {
	t.Parallel()

	var promptHits atomic.Int32

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/externalmodel/install_url", "/api/model/install_url",
			"/api/externalmodel/add_by_url", "/api/model/add_by_url":
			w.WriteHeader(http.StatusBadRequest)
		case "/api/prompt":
			promptHits.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]string{"prompt_id": "p-1"})
		case "/api/history/p-1":
			_, _ = w.Write([]byte(`{"p-1": {"status": {"completed": true}}}`))
		case "/api/manager/queue/status":
			writeIdleQueue(w)
		}
	}))
	defer ts.Close()

	inst := newTestInstaller(t, ts)
	inst.InstallDirectModels(context.Background(), directRequests([]config.DirectModel{
		{URL: "https://host/fallback.safetensors", Filename: "fallback.safetensors", Subfolder: "checkpoints"},
	}))

	require.Equal(t, StatusInstalled, byName(t, inst.report, "fallback.safetensors").Status)
	require.Equal(t, int32(1), promptHits.Load())
	require.False(t, inst.report.HasFailures())
}

// TestSkipDirectModels records every model as skipped with the given reason.
func TestSkipDirectModels(t *testing.T) {
	t.Parallel()

	inst := &installer{report: &RunReport{}}
	inst.SkipDirectModels(directRequests([]config.DirectModel{
		{Filename: "a.safetensors"},
		{Filename: "b.safetensors"},
	}), "restart cycle failed")

	require.Len(t, inst.report.Items(), 2)

	for _, item := range inst.report.Items() {
		require.Equal(t, StatusSkipped, item.Status)
		require.Equal(t, "restart cycle failed", item.Note)
	}
}
