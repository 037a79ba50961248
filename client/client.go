// Package client is a small Go SDK for the rpgate HTTP API.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// Client calls a running gateway.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New returns a client for the gateway at baseURL.
func New(baseURL string) *Client {
	return &Client{BaseURL: strings.TrimSuffix(baseURL, "/"), HTTPClient: http.DefaultClient}
}

// LoginResult is the gateway's answer to /login.
type LoginResult struct {
	AuthorizationURL string `json:"authorization_url"`
	State            string `json:"state"`
}

// APIError is a non-2xx gateway response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("rpgate: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("rpgate: %d: %s", e.Status, e.Message)
}

// NewIdempotencyKey returns a fresh random key for a mutating request.
func NewIdempotencyKey() string {
	return uuid.NewString()
}

// Login starts an authorization attempt. Keep State: it must be passed back
// to Callback as originalState.
func (c *Client) Login(ctx context.Context) (LoginResult, error) {
	var out LoginResult
	err := c.do(ctx, http.MethodGet, "/login", nil, &out)
	return out, err
}

// Callback finishes the flow with the state and code the IdP redirected with,
// returning the gateway session token.
func (c *Client) Callback(ctx context.Context, state, code, originalState string) (string, error) {
	q := url.Values{}
	q.Set("state", state)
	q.Set("code", code)
	q.Set("original_state", originalState)
	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := c.do(ctx, http.MethodGet, "/callback?"+q.Encode(), nil, &out); err != nil {
		return "", err
	}
	return out.AccessToken, nil
}

// Delete removes the caller's user record.
func (c *Client) Delete(ctx context.Context, token, resourceID, idempotencyKey string) (string, error) {
	return c.mutate(ctx, http.MethodDelete, token, resourceID, idempotencyKey)
}

// Put replaces a resource.
func (c *Client) Put(ctx context.Context, token, resourceID, idempotencyKey string) (string, error) {
	return c.mutate(ctx, http.MethodPut, token, resourceID, idempotencyKey)
}

// Patch partially updates a resource.
func (c *Client) Patch(ctx context.Context, token, resourceID, idempotencyKey string) (string, error) {
	return c.mutate(ctx, http.MethodPatch, token, resourceID, idempotencyKey)
}

func (c *Client) mutate(ctx context.Context, method, token, resourceID, idempotencyKey string) (string, error) {
	headers := http.Header{}
	if token != "" {
		headers.Set("Authorization", "Bearer "+token)
	}
	if idempotencyKey != "" {
		headers.Set("Idempotency-Key", idempotencyKey)
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, method, "/resource/"+url.PathEscape(resourceID), headers, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

func (c *Client) do(ctx context.Context, method, path string, headers http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(c.BaseURL, "/")+path, nil)
	if err != nil {
		return err
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var payload struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
			apiErr.Code = payload.Code
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
