package comput3

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
	"github.com/apeirography/comfy-bootstrap/internal/version"
)

const (
	// DefaultBaseURL is the production workload-provisioning API.
	DefaultBaseURL = "https://api.comput3.ai/api/v0"

	// DefaultCallTimeout bounds individual provisioning API calls.
	DefaultCallTimeout = 30 * time.Second

	// apiKeyHeader authenticates requests against the provisioning API.
	apiKeyHeader = "X-C3-API-KEY"

	// uiHostPrefix is prepended to node names when deriving the UI hostname.
	uiHostPrefix = "ui-"

	// bodyExcerptLimit caps response bodies quoted in error messages.
	bodyExcerptLimit = 256
)

var (
	// ErrLaunchRejected is returned when the provisioning API refuses a launch.
	ErrLaunchRejected = errors.New("workload launch rejected")
	// ErrLaunchTimeout is returned when a launched workload never becomes reachable.
	ErrLaunchTimeout = errors.New("workload did not become ready in time")
	// errAPIKeyRequired is returned when a client is built without credentials.
	errAPIKeyRequired = errors.New("api key must be provided")
)

// Client talks to the workload-provisioning API.
type Client struct {
	// baseURL is the provisioning API base URL.
	baseURL string
	// apiKey authenticates every request.
	apiKey string
	// httpClient executes requests.
	httpClient *http.Client
	// callTimeout is the per-call deadline.
	callTimeout time.Duration
	// endpointOverride, when set, replaces the derived workload root URL.
	endpointOverride string
}

// Option configures client behaviour.
type Option func(*Client)

// WithBaseURL overrides the provisioning API base URL.
func WithBaseURL(base string) Option {
	return func(c *Client) {
		if base != "" {
			c.baseURL = strings.TrimRight(base, "/")
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithCallTimeout sets a default timeout for provisioning API calls.
func WithCallTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.callTimeout = timeout
		}
	}
}

// WithEndpointOverride points workload handles at an explicit root URL
// instead of the one derived from the node name.
func WithEndpointOverride(base string) Option {
	return func(c *Client) {
		c.endpointOverride = strings.TrimRight(base, "/")
	}
}

// NewClient builds a provisioning API client.
func NewClient(apiKey string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errAPIKeyRequired
	}

	c := &Client{
		baseURL:     DefaultBaseURL,
		apiKey:      apiKey,
		httpClient:  http.DefaultClient,
		callTimeout: DefaultCallTimeout,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// launchRequest is the provisioning API launch payload.
type launchRequest struct {
	// Type selects the workload flavor.
	Type string `json:"type"`
	// Expires is the absolute unix timestamp at which the workload is reclaimed.
	Expires int64 `json:"expires"`
}

// launchResponse is the provisioning API launch reply.
type launchResponse struct {
	// Node is the assigned node name.
	Node string `json:"node"`
	// Workload is the reservation identifier.
	Workload string `json:"workload"`
}

// Launch requests one workload of the given type for the given duration and
// returns a handle carrying the derived management endpoints. The workload is
// never auto-terminated by this client; expiry is enforced server-side.
func (c *Client) Launch(ctx context.Context, workloadType string, duration time.Duration) (*provision.WorkloadHandle, error) {
	expires := time.Now().Add(duration)

	body, err := json.Marshal(launchRequest{
		Type:    workloadType,
		Expires: expires.Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal launch request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/launch", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build launch request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set(apiKeyHeader, c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("launch workload: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read launch response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s",
			ErrLaunchRejected, resp.StatusCode, excerpt(respBody))
	}

	var launched launchResponse
	if err := json.Unmarshal(respBody, &launched); err != nil {
		return nil, fmt.Errorf("%w: unexpected response: %s", ErrLaunchRejected, excerpt(respBody))
	}

	if launched.Node == "" {
		return nil, fmt.Errorf("%w: launch succeeded but no node in response: %s",
			ErrLaunchRejected, excerpt(respBody))
	}

	root := c.rootURL(launched.Node)

	return &provision.WorkloadHandle{
		Node:     launched.Node,
		Workload: launched.Workload,
		APIBase:  root + "/api",
		Root:     root,
		Expires:  expires,
	}, nil
}

// rootURL derives the hosted application's root URL from a node name.
func (c *Client) rootURL(node string) string {
	if c.endpointOverride != "" {
		return c.endpointOverride
	}

	host := node
	if !strings.HasPrefix(host, uiHostPrefix) {
		host = uiHostPrefix + host
	}

	return "https://" + host
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
