// Package remote provides the HTTP client for the multi-device store. Rows
// live one table per collection, scoped by account and stamped server-side
// with updated_at (epoch ms), which is the authoritative ordering key.
package remote

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/marcus/flipstock/internal/models"
)

// Sentinel errors for common HTTP error classes.
var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
)

// Client is an HTTP client for the flipstock sync server.
type Client struct {
	BaseURL string
	HTTP    *http.Client

	mu    sync.RWMutex
	token string
}

// New creates a new remote client.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// SetToken installs a fresh access token (after login or refresh).
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token returns the current access token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Row is a remote record row as stored on the server.
type Row struct {
	ID        string        `json:"id"`
	AccountID string        `json:"account_id"`
	Data      models.Record `json:"data"`
	UpdatedAt int64         `json:"updated_at"` // epoch ms, server-assigned
}

// LoginResponse is the response from POST /v1/auth/login.
type LoginResponse struct {
	Token     string `json:"token"`
	AccountID string `json:"account_id"`
	ExpiresAt string `json:"expires_at"`
}

// RefreshResponse is the response from POST /v1/auth/refresh.
type RefreshResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// HealthResponse is the response from GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

type upsertRequest struct {
	Records []models.Record `json:"records"`
}

type deleteRequest struct {
	IDs []string `json:"ids"`
}

type batchResponse struct {
	Count int `json:"count"`
}

type fetchResponse struct {
	Rows []Row `json:"rows"`
}

// HealthCheck hits /healthz to verify server reachability.
func (c *Client) HealthCheck() (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doNoAuth("GET", "/healthz", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Login exchanges an API key for an access token. No auth required.
func (c *Client) Login(apiKey string) (*LoginResponse, error) {
	body := map[string]string{"api_key": apiKey}
	var resp LoginResponse
	if err := c.doNoAuth("POST", "/v1/auth/login", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Refresh exchanges the current token for a fresh one.
func (c *Client) Refresh() (*RefreshResponse, error) {
	var resp RefreshResponse
	if err := c.do("POST", "/v1/auth/refresh", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpsertBatch sends an upsert batch keyed by record id. Upserts are
// idempotent: re-sending the same records yields the same remote state.
func (c *Client) UpsertBatch(accountID, table string, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}
	path := fmt.Sprintf("/v1/accounts/%s/%s/upsert", accountID, table)
	return c.do("POST", path, upsertRequest{Records: records}, nil)
}

// DeleteBatch sends a delete-by-id batch.
func (c *Client) DeleteBatch(accountID, table string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	path := fmt.Sprintf("/v1/accounts/%s/%s/delete", accountID, table)
	return c.do("POST", path, deleteRequest{IDs: ids}, nil)
}

// FetchSince returns rows with updated_at strictly after since (epoch ms).
// since == 0 fetches the whole table (full bootstrap).
func (c *Client) FetchSince(accountID, table string, since int64) ([]Row, error) {
	params := url.Values{}
	if since > 0 {
		params.Set("updated_after", strconv.FormatInt(since, 10))
	}
	path := fmt.Sprintf("/v1/accounts/%s/%s", accountID, table)
	if enc := params.Encode(); enc != "" {
		path += "?" + enc
	}
	var resp fetchResponse
	if err := c.do("GET", path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Rows, nil
}

// --- HTTP helpers ---

// apiError is the standard error body from the server.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}

// do executes an authenticated HTTP request.
func (c *Client) do(method, path string, body, result any) error {
	return c.doRequest(method, path, body, result, true)
}

// doNoAuth executes an unauthenticated HTTP request.
func (c *Client) doNoAuth(method, path string, body, result any) error {
	return c.doRequest(method, path, body, result, false)
}

func (c *Client) doRequest(method, path string, body, result any, auth bool) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		if tok := c.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Code != "" {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Message)
			case http.StatusForbidden:
				return fmt.Errorf("%w: %s", ErrForbidden, apiErr.Message)
			case http.StatusNotFound:
				return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)
			default:
				return &apiErr
			}
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}
