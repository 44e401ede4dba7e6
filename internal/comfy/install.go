package comfy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/apeirography/comfy-bootstrap/internal/logger"
)

const (
	// DefaultQueueIdleTimeout bounds waiting for a node install to finish.
	DefaultQueueIdleTimeout = 3 * time.Minute

	// DefaultModelInstallTimeout bounds waiting for a whitelisted model install.
	DefaultModelInstallTimeout = 10 * time.Minute

	// DefaultDirectInstallTimeout bounds waiting for a direct-URL model install.
	DefaultDirectInstallTimeout = 15 * time.Minute

	// gitEnqueueAttempts bounds retries of git-URL node installs, which hit
	// warm-up proxy errors more often than catalog installs.
	gitEnqueueAttempts = 8
)

// errModelEntryIncomplete is returned when a matched model row misses install fields.
var errModelEntryIncomplete = errors.New("matched model entry missing base, save_path or filename")

// directInstallPaths are the direct-URL install endpoints, tried in order.
// Different manager builds expose different ones.
var directInstallPaths = []string{
	"/externalmodel/install_url",
	"/model/install_url",
	"/externalmodel/add_by_url",
	"/model/add_by_url",
}

// DirectModelRequest describes a direct-URL model install.
type DirectModelRequest struct {
	// URL is the direct download link.
	URL string
	// Filename is the name the server stores the artifact under.
	Filename string
	// Subfolder is the target subfolder inside the remote models directory.
	Subfolder string
	// SHA256 is an optional hex checksum forwarded to the server.
	SHA256 string
}

// enqueue POSTs an install request, retrying transient statuses with
// exponential backoff up to the attempt budget.
func (c *Client) enqueue(ctx context.Context, path string, body []byte, contentType string, attempts int) error {
	backoff := c.retryInitial

	for attempt := 1; attempt <= attempts; attempt++ {
		code, respBody, err := c.post(ctx, path, body, contentType)

		switch {
		case err == nil && code == http.StatusOK:
			return nil
		case err == nil && !isTransientStatus(code):
			return fmt.Errorf("%w: status %d: %s", ErrEnqueueFailed, code, excerpt(respBody))
		}

		if err != nil {
			logger.DebugKV(ctx, "Enqueue transport error", "path", path, "attempt", attempt, "error", err)
		} else {
			logger.DebugKV(ctx, "Enqueue transient status", "path", path, "attempt", attempt, "status", code)
		}

		if err := sleep(ctx, backoff); err != nil {
			return err
		}

		backoff = c.nextBackoff(backoff)
	}

	return fmt.Errorf("%w: gave up after %d attempts", ErrEnqueueFailed, attempts)
}

// nodeInstallPayload mirrors the GUI's install request for a catalog node.
// Empty fields are pruned because strict servers reject them.
func nodeInstallPayload(info NodeInfo, latestTag string) map[string]any {
	repository := info.RepositoryURL()

	reference := info.Reference
	if reference == "" {
		reference = repository
	}

	installType := info.InstallType
	if installType == "" {
		installType = "git-clone"
	}

	entry := map[string]any{
		"author":            info.Author,
		"title":             info.Title,
		"id":                info.Slug(),
		"install_type":      installType,
		"repository":        repository,
		"reference":         reference,
		"channel":           "default",
		"mode":              "cache",
		"selected_version":  "latest",
		"skip_post_install": false,
		"state":             "not-installed",
		"trust":             true,
		"ui_id":             info.UIID,
		"version":           firstNonEmpty(info.Version, latestTag),
		"cnr_latest":        firstNonEmpty(info.CNRLatest, latestTag),
		"description":       info.Description,
	}

	if repository != "" {
		entry["files"] = []string{repository}
	}

	for k, v := range entry {
		switch value := v.(type) {
		case string:
			if value == "" {
				delete(entry, k)
			}
		}
	}

	return entry
}

// firstNonEmpty returns the first non-empty string.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}

// InstallNode installs a whitelisted node through the manager queue:
// reset, enqueue with GUI-parity payload, start, wait for the queue to drain.
func (c *Client) InstallNode(ctx context.Context, info NodeInfo) error {
	latestTag := latestVersionTag(c.NodeVersions(ctx, info.Slug()))

	payload, err := json.Marshal(nodeInstallPayload(info, latestTag))
	if err != nil {
		return fmt.Errorf("marshal node install payload: %w", err)
	}

	c.QueueReset(ctx)

	if err := c.enqueue(ctx, "/manager/queue/install", payload, plainTextContentType, c.enqueueAttempts); err != nil {
		return err
	}

	c.QueueStart(ctx)

	return c.WaitQueueIdle(ctx, DefaultQueueIdleTimeout)
}

// InstallModel installs a whitelisted model through the manager queue.
// Completion is detected by polling the catalog until the entry reports
// installed, since the queue may drain before the download finishes.
func (c *Client) InstallModel(ctx context.Context, info ModelInfo) error {
	if info.Base == "" || info.SavePath == "" || info.Filename == "" {
		return fmt.Errorf("%w: %+v", errModelEntryIncomplete, info)
	}

	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal model install payload: %w", err)
	}

	c.QueueReset(ctx)

	if err := c.enqueue(ctx, "/manager/queue/install_model", payload, plainTextContentType, c.enqueueAttempts); err != nil {
		return err
	}

	c.QueueStart(ctx)

	return c.WaitModelInstalled(ctx, info.Filename, DefaultModelInstallTimeout)
}

// WaitModelInstalled polls the model catalog until the named file reports
// installed or the timeout elapses.
func (c *Client) WaitModelInstalled(ctx context.Context, filename string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	lastNote := time.Time{}

	for time.Now().Before(deadline) {
		models, err := c.ModelCatalog(ctx)
		if err == nil {
			for _, m := range models {
				if strings.EqualFold(m.Filename, filename) && bool(m.Installed) {
					return nil
				}
			}
		}

		if time.Since(lastNote) > 10*time.Second {
			logger.Infof(ctx, "Waiting for %s to finish installing", filename)

			lastNote = time.Now()
		}

		if err := sleep(ctx, c.queuePoll); err != nil {
			return err
		}
	}

	return fmt.Errorf("%w: %s", ErrInstallTimeout, filename)
}

// InstallNodeFromGit installs a custom node from a GitHub repository URL.
// The endpoint accepts a raw-text body on current builds and a JSON body on
// older ones; both are tried within each attempt.
func (c *Client) InstallNodeFromGit(ctx context.Context, gitURL string) error {
	backoff := c.retryInitial

	for attempt := 1; attempt <= gitEnqueueAttempts; attempt++ {
		code, body, err := c.post(ctx, "/customnode/install/git_url", []byte(gitURL), plainTextContentType)
		if err == nil && code == http.StatusOK {
			c.QueueStart(ctx)
			return c.WaitQueueIdle(ctx, DefaultQueueIdleTimeout)
		}

		codeJSON, bodyJSON, errJSON := c.postJSON(ctx, "/customnode/install/git_url", map[string]string{"url": gitURL})
		if errJSON == nil && codeJSON == http.StatusOK {
			c.QueueStart(ctx)
			return c.WaitQueueIdle(ctx, DefaultQueueIdleTimeout)
		}

		transient := err != nil || errJSON != nil ||
			isTransientStatus(code) || isTransientStatus(codeJSON)
		if !transient {
			return fmt.Errorf("%w: git install returned %d/%d: %s",
				ErrEnqueueFailed, code, codeJSON, excerpt(append(body, bodyJSON...)))
		}

		logger.DebugKV(ctx, "Git install transient failure",
			"attempt", attempt, "status", code, "status_json", codeJSON)

		if err := sleep(ctx, backoff); err != nil {
			return err
		}

		backoff = c.nextBackoff(backoff)
	}

	return fmt.Errorf("%w: gave up after %d attempts", ErrEnqueueFailed, gitEnqueueAttempts)
}

// InstallModelByURL installs a non-whitelisted model from a direct URL.
// Manager builds expose the capability under several endpoint paths and two
// payload shapes; each combination is tried until one accepts the request.
func (c *Client) InstallModelByURL(ctx context.Context, req DirectModelRequest) error {
	c.QueueReset(ctx)

	payloads := []map[string]string{
		{
			"url":       req.URL,
			"filename":  req.Filename,
			"subfolder": req.Subfolder,
			"sha256":    req.SHA256,
		},
		{
			"url":       req.URL,
			"filename":  req.Filename,
			"save_path": "/app/ComfyUI/models/" + req.Subfolder,
			"sha256":    req.SHA256,
		},
	}

	var lastErr error

	for _, path := range directInstallPaths {
		for _, payload := range payloads {
			code, body, err := c.postJSON(ctx, path, payload)
			if err != nil {
				lastErr = err
				continue
			}

			if code != http.StatusOK {
				lastErr = fmt.Errorf("%s returned status %d: %s", path, code, excerpt(body))
				continue
			}

			c.QueueStart(ctx)

			return c.WaitQueueIdle(ctx, DefaultDirectInstallTimeout)
		}
	}

	return fmt.Errorf("%w: no direct install endpoint accepted %s: %w",
		ErrEnqueueFailed, req.Filename, lastErr)
}
