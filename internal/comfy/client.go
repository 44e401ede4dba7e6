package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/apeirography/comfy-bootstrap/internal/domain/provision"
	"github.com/apeirography/comfy-bootstrap/internal/logger"
	"github.com/apeirography/comfy-bootstrap/internal/version"
)

const (
	// DefaultCallTimeout bounds individual management API calls.
	DefaultCallTimeout = 2 * time.Minute

	// DefaultQueuePollInterval is the delay between queue status probes.
	DefaultQueuePollInterval = 1500 * time.Millisecond

	// DefaultRetryInitial is the first backoff delay for transient failures.
	DefaultRetryInitial = 1500 * time.Millisecond

	// DefaultRetryMax caps the backoff delay for transient failures.
	DefaultRetryMax = 10 * time.Second

	// DefaultEnqueueAttempts bounds retries of install enqueue calls.
	DefaultEnqueueAttempts = 6

	// retryFactor grows the backoff delay between attempts.
	retryFactor = 1.7

	// queuePath is the liveness probe every readiness check starts from.
	queuePath = "/queue"

	// plainTextContentType is what the manager expects on enqueue bodies.
	plainTextContentType = "text/plain;charset=UTF-8"

	// bodyExcerptLimit caps response bodies quoted in error messages.
	bodyExcerptLimit = 260
)

var (
	// ErrReadyTimeout is returned when the application never reports healthy.
	ErrReadyTimeout = errors.New("application did not become ready in time")
	// ErrQueueTimeout is returned when the install queue never drains.
	ErrQueueTimeout = errors.New("install queue did not drain in time")
	// ErrInstallTimeout is returned when an install never completes.
	ErrInstallTimeout = errors.New("install did not complete in time")
	// ErrEnqueueFailed is returned when an enqueue call exhausts its retries
	// or fails terminally.
	ErrEnqueueFailed = errors.New("install enqueue failed")
	// errHandleRequired is returned when a client is built without a workload handle.
	errHandleRequired = errors.New("workload handle must be provided")
)

// Client talks to the hosted application's management API on one workload.
type Client struct {
	// apiBase is the management API base URL.
	apiBase string
	// rootBase is the application root URL, used as a prompt fallback.
	rootBase string
	// userKey authenticates management calls.
	userKey string
	// httpClient executes requests.
	httpClient *http.Client
	// callTimeout is the per-request deadline.
	callTimeout time.Duration
	// queuePoll is the delay between queue status probes.
	queuePoll time.Duration
	// retryInitial is the first transient-failure backoff delay.
	retryInitial time.Duration
	// retryMax caps the transient-failure backoff delay.
	retryMax time.Duration
	// enqueueAttempts bounds retries of enqueue calls.
	enqueueAttempts int
}

// Option configures client behaviour.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithCallTimeout sets the per-request deadline.
func WithCallTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.callTimeout = timeout
		}
	}
}

// WithQueuePollInterval sets the delay between queue status probes.
func WithQueuePollInterval(interval time.Duration) Option {
	return func(c *Client) {
		if interval > 0 {
			c.queuePoll = interval
		}
	}
}

// WithRetryBackoff sets the transient-failure backoff window.
func WithRetryBackoff(initial, maximum time.Duration) Option {
	return func(c *Client) {
		if initial > 0 {
			c.retryInitial = initial
		}

		if maximum > 0 {
			c.retryMax = maximum
		}
	}
}

// WithEnqueueAttempts bounds retries of install enqueue calls.
func WithEnqueueAttempts(attempts int) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.enqueueAttempts = attempts
		}
	}
}

// NewClient builds a management API client for the provided workload.
func NewClient(handle *provision.WorkloadHandle, userKey string, opts ...Option) (*Client, error) {
	if handle == nil || handle.APIBase == "" {
		return nil, errHandleRequired
	}

	c := &Client{
		apiBase:         strings.TrimRight(handle.APIBase, "/"),
		rootBase:        strings.TrimRight(handle.Root, "/"),
		userKey:         userKey,
		httpClient:      http.DefaultClient,
		callTimeout:     DefaultCallTimeout,
		queuePoll:       DefaultQueuePollInterval,
		retryInitial:    DefaultRetryInitial,
		retryMax:        DefaultRetryMax,
		enqueueAttempts: DefaultEnqueueAttempts,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// get issues an authenticated GET against the management API.
func (c *Client) get(ctx context.Context, path string) (int, []byte, error) {
	return c.do(ctx, http.MethodGet, c.apiBase+path, nil, "")
}

// post issues an authenticated POST with a raw body.
func (c *Client) post(ctx context.Context, path string, body []byte, contentType string) (int, []byte, error) {
	return c.do(ctx, http.MethodPost, c.apiBase+path, body, contentType)
}

// postJSON issues an authenticated POST with a JSON body.
func (c *Client) postJSON(ctx context.Context, path string, payload any) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal payload: %w", err)
	}

	return c.post(ctx, path, body, "application/json")
}

// do executes one HTTP call with auth headers and the per-call deadline.
func (c *Client) do(ctx context.Context, method, url string, body []byte, contentType string) (int, []byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(callCtx, method, url, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Accept", "*/*")
	req.Header.Set("User-Agent", version.UserAgent())

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	if c.userKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.userKey)
		req.Header.Set("comfy-user", c.userKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}

	return resp.StatusCode, respBody, nil
}

// isTransientStatus reports codes worth retrying: proxy errors during warm-up
// and queue contention.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusNotFound,
		http.StatusConflict,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// sleep waits for the given duration or until the context is done.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// nextBackoff grows a delay by the retry factor up to the configured cap.
func (c *Client) nextBackoff(d time.Duration) time.Duration {
	grown := time.Duration(float64(d) * retryFactor)
	if grown > c.retryMax {
		return c.retryMax
	}

	return grown
}

// Health probes the liveness endpoint and returns its status code.
func (c *Client) Health(ctx context.Context) (int, error) {
	code, _, err := c.get(ctx, queuePath)
	return code, err
}

// WaitReady polls the liveness endpoint plus the catalog list endpoints until
// the application answers, tolerating 404/502 during warm-up. The optional
// initial delay gives a freshly launched node time to boot before probing.
func (c *Client) WaitReady(ctx context.Context, initialDelay, timeout time.Duration) error {
	if initialDelay > 0 {
		logger.Infof(ctx, "Waiting %s for the node to boot", initialDelay)

		if err := sleep(ctx, initialDelay); err != nil {
			return err
		}
	}

	deadline := time.Now().Add(timeout)
	backoff := c.retryInitial
	attempt := 0

	for time.Now().Before(deadline) {
		attempt++

		codeQueue, _, _ := c.get(ctx, queuePath)
		codeNodes, _, _ := c.get(ctx, nodeCatalogPath)
		codeExternal, _, _ := c.get(ctx, externalModelCatalogPath)
		codeModels, _, _ := c.get(ctx, modelCatalogPath)

		if codeQueue == http.StatusOK &&
			(codeNodes == http.StatusOK || codeExternal == http.StatusOK || codeModels == http.StatusOK) {
			logger.InfoKV(ctx, "Management API is up",
				"queue", codeQueue, "nodes", codeNodes, "models", codeModels)

			return nil
		}

		logger.DebugKV(ctx, "Management API still warming",
			"attempt", attempt, "queue", codeQueue,
			"nodes", codeNodes, "external", codeExternal, "models", codeModels)

		if err := sleep(ctx, backoff); err != nil {
			return err
		}

		backoff = c.nextBackoff(backoff)
	}

	return fmt.Errorf("%w: waited %s", ErrReadyTimeout, timeout)
}

// Reboot triggers an application restart. The trigger is issued exactly once;
// proxy 502/503/504 replies count as initiated because the edge may drop the
// connection the moment the application goes down. Transport errors are
// treated the same way.
func (c *Client) Reboot(ctx context.Context) error {
	code, body, err := c.get(ctx, "/manager/reboot")
	if err != nil {
		logger.WarnKV(ctx, "Reboot request did not return, assuming restart initiated", "error", err)
		return nil
	}

	switch {
	case code == http.StatusOK:
		return nil
	case code == http.StatusBadGateway || code == http.StatusServiceUnavailable || code == http.StatusGatewayTimeout:
		logger.WarnKV(ctx, "Proxy error on reboot, assuming restart initiated", "status", code)
		return nil
	default:
		return fmt.Errorf("reboot returned status %d: %s", code, excerpt(body))
	}
}

// queueStatus is the manager's install queue state.
type queueStatus struct {
	// IsProcessing reports whether the queue worker is busy.
	IsProcessing bool `json:"is_processing"`
	// InProgressCount is the number of items currently being installed.
	InProgressCount int `json:"in_progress_count"`
}

// QueueReset clears the manager's install queue. Best effort.
func (c *Client) QueueReset(ctx context.Context) {
	if _, _, err := c.get(ctx, "/manager/queue/reset"); err != nil {
		logger.DebugKV(ctx, "Queue reset failed", "error", err)
	}
}

// QueueStart kicks the manager's install queue. Best effort: harmless when
// the queue is already running.
func (c *Client) QueueStart(ctx context.Context) {
	if _, _, err := c.get(ctx, "/manager/queue/start"); err != nil {
		logger.DebugKV(ctx, "Queue start failed", "error", err)
	}
}

// WaitQueueIdle polls the install queue until it drains or the timeout elapses.
func (c *Client) WaitQueueIdle(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		code, body, err := c.get(ctx, "/manager/queue/status")
		if err == nil && code == http.StatusOK {
			var status queueStatus
			if jsonErr := json.Unmarshal(body, &status); jsonErr == nil {
				if !status.IsProcessing && status.InProgressCount == 0 {
					return nil
				}
			}
		}

		if err := sleep(ctx, c.queuePoll); err != nil {
			return err
		}
	}

	return fmt.Errorf("%w: waited %s", ErrQueueTimeout, timeout)
}

// excerpt truncates a response body for inclusion in error messages.
// The cut backs up to a rune boundary so multibyte text stays valid.
func excerpt(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > bodyExcerptLimit {
		cut := bodyExcerptLimit
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}

		s = s[:cut] + "..."
	}

	return s
}
