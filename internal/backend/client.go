package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aurora-ops/aurora-gateway/pkg/models"
)

// APIError is a non-2xx, non-404 response from the upstream backend.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.Status, e.Message)
}

// Client talks to the Aurora analysis backend. Every request carries
// the configured bearer token and the user-identity header.
type Client struct {
	baseURL        string
	token          string
	identityHeader string
	userID         string
	httpClient     *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithIdentity sets the identity header name and the user it reports.
func WithIdentity(header, userID string) Option {
	return func(c *Client) {
		if header != "" {
			c.identityHeader = header
		}
		c.userID = userID
	}
}

// WithTimeout bounds non-streaming requests.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New creates a backend client for the given base URL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		identityHeader: "X-Aurora-User",
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) newRequest(ctx context.Context, path string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userID != "" {
		req.Header.Set(c.identityHeader, c.userID)
	}
	return req, nil
}

// errorMessage extracts the {"error": ...} body text, falling back to
// the raw body when the upstream did not send JSON.
func errorMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = "no response body"
	}
	return msg
}

// FetchSnapshot pulls the current visualization snapshot for one
// incident. A 404 or an empty data field means no snapshot exists yet
// and returns (nil, nil); the caller renders an empty state, not an
// error.
func (c *Client) FetchSnapshot(ctx context.Context, incidentID string) (*models.Snapshot, error) {
	req, err := c.newRequest(ctx, "/incidents/"+url.PathEscape(incidentID)+"/visualization")
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching snapshot: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort cleanup

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("reading snapshot body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Status: resp.StatusCode, Message: errorMessage(body)}
	}

	var payload struct {
		Data *models.Snapshot `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return payload.Data, nil
}

// ListIncidents returns all incidents visible to the configured user.
func (c *Client) ListIncidents(ctx context.Context) ([]models.Incident, error) {
	req, err := c.newRequest(ctx, "/incidents")
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing incidents: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort cleanup

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("reading incident list: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Status: resp.StatusCode, Message: errorMessage(body)}
	}

	var payload struct {
		Data []models.Incident `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decoding incident list: %w", err)
	}
	return payload.Data, nil
}

// IsAPIError reports whether err is an upstream APIError with the
// given status, 0 matching any status.
func IsAPIError(err error, status int) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return status == 0 || apiErr.Status == status
}
