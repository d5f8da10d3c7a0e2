// Package remotestore is the HTTP/JSON client for the authoritative remote
// session service. Every call carries an explicit per-request timeout; a
// timed-out call is a retryable failure like any other.
package remotestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"insightloop/internal/models"
)

const sessionsPath = "/api/research/sessions"

// Client talks to the remote research session API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient creates a client for the remote session service rooted at
// baseURL. timeout bounds every individual call.
func NewClient(baseURL string, timeout time.Duration) *Client {
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,

		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
		timeout: timeout,
	}
}

// SetTimeout updates the per-call timeout (policy hot reload).
func (c *Client) SetTimeout(timeout time.Duration) {
	c.timeout = timeout
	c.httpClient.Timeout = timeout
}

// List returns up to limit sessions, optionally filtered by user id.
func (c *Client) List(ctx context.Context, limit int, userID string) ([]models.Session, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if userID != "" {
		query.Set("user_id", userID)
	}

	path := sessionsPath
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var sessions []models.Session
	if err := c.do(ctx, http.MethodGet, path, nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// Get fetches one session by id, or ErrNotFound.
func (c *Client) Get(ctx context.Context, id string) (*models.Session, error) {
	var session models.Session
	if err := c.do(ctx, http.MethodGet, sessionsPath+"/"+url.PathEscape(id), nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Put writes the full current field set of session under its id.
func (c *Client) Put(ctx context.Context, session *models.Session) error {
	path := sessionsPath + "/" + url.PathEscape(session.SessionID)
	return c.do(ctx, http.MethodPut, path, wirePayload(session), nil)
}

// Create asks the remote store to allocate a session from partial data and
// returns the created record, including the server-allocated id when the
// payload carried none.
func (c *Client) Create(ctx context.Context, session *models.Session) (*models.Session, error) {
	var created models.Session
	if err := c.do(ctx, http.MethodPost, sessionsPath, wirePayload(session), &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// Delete removes a session by id. A 404 maps to ErrNotFound.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, sessionsPath+"/"+url.PathEscape(id), nil, nil)
}

// do runs one request against the remote API. Non-2xx responses become
// ErrNotFound (404) or an *APIError with the body's "detail" field when
// present, else the status line.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to serialize request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("remote request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Detail: errorDetail(resp)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// errorDetail extracts the "detail" field from an error response body,
// falling back to the status line.
func errorDetail(resp *http.Response) string {
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil && len(payload) > 0 {
		var body struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(payload, &body) == nil && body.Detail != "" {
			return body.Detail
		}
	}
	return resp.Status
}

// wirePayload strips the ephemeral sync status before a session goes on
// the wire; it is never persisted remotely.
func wirePayload(session *models.Session) *models.Session {
	out := session.Clone()
	out.Sync = nil
	return out
}
