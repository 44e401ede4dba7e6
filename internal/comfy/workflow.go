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
	// DefaultWorkflowTimeout bounds waiting for a downloader workflow run.
	DefaultWorkflowTimeout = 30 * time.Minute

	// workflowDrainTimeout bounds the extra queue drain after a workflow
	// reports completion.
	workflowDrainTimeout = 5 * time.Minute

	// downloaderClassType is the plugin node that downloads model files
	// server-side and verifies an optional sha256.
	downloaderClassType = "DaimalyadModelDownloader"

	// downloaderNodeID keys the single node in the submitted graph.
	downloaderNodeID = "20"

	// downloaderClientID identifies our prompt submissions to the queue.
	downloaderClientID = "bootstrap-nonwhite-installer"

	// downloaderTitle is the node's display title in the graph metadata.
	downloaderTitle = "Model Downloader by DaimAlYad"

	// downloaderTimeoutSeconds is the per-download timeout the node enforces.
	downloaderTimeoutSeconds = 120

	// downloaderRetries is the node's own retry budget per download.
	downloaderRetries = 3

	// downloaderUserAgent is sent by the node when fetching the artifact.
	downloaderUserAgent = "ComfyUI-DaimalyadModelDownloader/1.0"
)

var (
	// ErrPromptRejected is returned when no prompt endpoint accepts a workflow.
	ErrPromptRejected = errors.New("workflow prompt was not accepted")
	// ErrWorkflowFailed is returned when a workflow run finishes with an error.
	ErrWorkflowFailed = errors.New("downloader workflow reported an error")
)

// SubmitDownloaderWorkflow installs a model by submitting a one-node graph
// that downloads the file server-side, then waits for that specific run to
// finish. When the reply carries no prompt id, completion degrades to a
// plain queue drain.
func (c *Client) SubmitDownloaderWorkflow(ctx context.Context, req DirectModelRequest) error {
	body, err := json.Marshal(downloaderPrompt(req))
	if err != nil {
		return fmt.Errorf("marshal downloader prompt: %w", err)
	}

	respBody, err := c.promptPost(ctx, body)
	if err != nil {
		return err
	}

	promptID := extractPromptID(respBody)
	if promptID == "" {
		logger.WarnKV(ctx, "Prompt accepted without an id, waiting for queue drain only",
			"filename", req.Filename)
		c.QueueStart(ctx)

		return c.WaitQueueIdle(ctx, DefaultDirectInstallTimeout)
	}

	logger.InfoKV(ctx, "Downloader workflow submitted",
		"filename", req.Filename, "prompt", promptID)

	c.QueueStart(ctx)

	if err := c.WaitWorkflowComplete(ctx, promptID, DefaultWorkflowTimeout); err != nil {
		return err
	}

	return c.WaitQueueIdle(ctx, workflowDrainTimeout)
}

// downloaderPrompt builds the one-node graph payload for a direct install.
func downloaderPrompt(req DirectModelRequest) map[string]any {
	return map[string]any{
		"prompt": map[string]any{
			downloaderNodeID: map[string]any{
				"class_type": downloaderClassType,
				"_meta":      map[string]string{"title": downloaderTitle},
				"inputs": map[string]any{
					"url":        req.URL,
					"subfolder":  req.Subfolder,
					"filename":   req.Filename,
					"overwrite":  true,
					"sha256":     req.SHA256,
					"timeout_s":  downloaderTimeoutSeconds,
					"retries":    downloaderRetries,
					"user_agent": downloaderUserAgent,
				},
			},
		},
		"client_id": downloaderClientID,
	}
}

// promptPost submits a graph to the prompt endpoint. The endpoint lives under
// the API base on current builds and under the application root on older
// ones; both are tried.
func (c *Client) promptPost(ctx context.Context, body []byte) ([]byte, error) {
	var lastErr error

	for _, base := range []string{c.apiBase, c.rootBase} {
		code, respBody, err := c.do(ctx, http.MethodPost, base+"/prompt", body, "application/json")
		if err != nil {
			lastErr = err
			continue
		}

		if code == http.StatusOK {
			return respBody, nil
		}

		lastErr = fmt.Errorf("%s/prompt returned status %d: %s", base, code, excerpt(respBody))
	}

	return nil, fmt.Errorf("%w: %w", ErrPromptRejected, lastErr)
}

// extractPromptID pulls the queue's run identifier out of a prompt reply.
// Builds differ: the id shows up as prompt_id, promptId or id, at the top
// level or nested under data.
func extractPromptID(body []byte) string {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil {
		return ""
	}

	if id := pickPromptID(top); id != "" {
		return id
	}

	if raw, ok := top["data"]; ok {
		var data map[string]json.RawMessage
		if err := json.Unmarshal(raw, &data); err == nil {
			return pickPromptID(data)
		}
	}

	return ""
}

// pickPromptID returns the first known id key holding a non-empty string.
func pickPromptID(fields map[string]json.RawMessage) string {
	for _, key := range []string{"prompt_id", "promptId", "id"} {
		raw, ok := fields[key]
		if !ok {
			continue
		}

		var id string
		if err := json.Unmarshal(raw, &id); err == nil && id != "" {
			return id
		}
	}

	return ""
}

// workflowStatus is the status block of a history record. Builds disagree on
// which field carries the state string.
type workflowStatus struct {
	Completed Truthy `json:"completed"`
	Status    string `json:"status"`
	StatusStr string `json:"status_str"`
	State     string `json:"state"`
	Error     Truthy `json:"error"`
}

// historyRecord is one run's history entry. Status is kept raw because some
// builds put a bare string there.
type historyRecord struct {
	Status  json.RawMessage            `json:"status"`
	Outputs map[string]json.RawMessage `json:"outputs"`
}

// parseHistory extracts the record for one prompt id from a history reply,
// accepting both the keyed-by-id shape and a bare record.
func parseHistory(body []byte, promptID string) (historyRecord, bool) {
	var keyed map[string]json.RawMessage
	if err := json.Unmarshal(body, &keyed); err != nil {
		return historyRecord{}, false
	}

	if raw, ok := keyed[promptID]; ok {
		var record historyRecord
		if err := json.Unmarshal(raw, &record); err == nil {
			return record, true
		}

		return historyRecord{}, false
	}

	if _, ok := keyed["status"]; ok {
		var record historyRecord
		if err := json.Unmarshal(body, &record); err == nil {
			return record, true
		}
	}

	if _, ok := keyed["outputs"]; ok {
		var record historyRecord
		if err := json.Unmarshal(body, &record); err == nil {
			return record, true
		}
	}

	return historyRecord{}, false
}

// outcome reports whether the run finished and whether it failed.
func (r historyRecord) outcome() (done, failed bool) {
	var status workflowStatus
	if len(r.Status) > 0 && json.Unmarshal(r.Status, &status) == nil {
		if bool(status.Completed) {
			return true, false
		}

		state := strings.ToLower(strings.TrimSpace(
			firstNonEmpty(status.Status, status.StatusStr, status.State)))

		switch state {
		case "success", "complete", "completed", "done":
			return true, false
		case "error", "failed", "fail", "exception":
			return true, true
		}

		if bool(status.Error) {
			return true, true
		}
	}

	// Outputs showing up means the run produced results.
	if len(r.Outputs) > 0 {
		return true, false
	}

	return false, false
}

// WaitWorkflowComplete polls the run history until the prompt finishes or the
// timeout elapses. Early 404s are tolerated while the record is created.
func (c *Client) WaitWorkflowComplete(ctx context.Context, promptID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	lastNote := time.Time{}

	for time.Now().Before(deadline) {
		code, body, err := c.get(ctx, "/history/"+promptID)
		if err == nil && code == http.StatusOK {
			if record, ok := parseHistory(body, promptID); ok {
				done, failed := record.outcome()
				if done && failed {
					return fmt.Errorf("%w: prompt %s", ErrWorkflowFailed, promptID)
				}

				if done {
					return nil
				}
			}
		}

		if time.Since(lastNote) > 10*time.Second {
			logger.Infof(ctx, "Waiting for workflow %s to complete", promptID)

			lastNote = time.Now()
		}

		if err := sleep(ctx, c.queuePoll); err != nil {
			return err
		}
	}

	return fmt.Errorf("%w: workflow %s", ErrInstallTimeout, promptID)
}
