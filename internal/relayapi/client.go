// Package relayapi is the REST side of the relay boundary: approval status
// lookups and the applicant roster.
package relayapi

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

	"github.com/wfounders/clubwallet/internal/protocol"
)

// ErrStatus marks a non-2xx response.
var ErrStatus = errors.New("unexpected relay status")

// Client provides HTTP access to the relay API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new relay API client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// WithHTTPClient swaps the underlying HTTP client
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// StatusResponse is the body of GET /is-approved
type StatusResponse struct {
	Status protocol.ApprovalStatus `json:"status"`
}

// IsApproved returns the relay's approval status for address
func (c *Client) IsApproved(ctx context.Context, address string) (protocol.ApprovalStatus, error) {
	q := url.Values{}
	q.Set("address", address)

	var resp StatusResponse
	if err := c.get(ctx, "/is-approved?"+q.Encode(), &resp); err != nil {
		return protocol.StatusUnregistered, err
	}
	if !resp.Status.Valid() {
		return protocol.StatusUnregistered, fmt.Errorf("relay returned unknown approval status %d", int(resp.Status))
	}
	return resp.Status, nil
}

// NewUsers returns the roster of candidates available for self-selection
func (c *Client) NewUsers(ctx context.Context) ([]protocol.Candidate, error) {
	var roster []protocol.Candidate
	if err := c.get(ctx, "/new-users", &roster); err != nil {
		return nil, err
	}
	return roster, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%w: HTTP %d: %s", ErrStatus, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
