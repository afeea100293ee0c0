package glowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Glow HTTP API client for polling dashboards.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. The bearer token is either a
// personal access token secret or a delegated app token.
func New(baseURL, bearerToken string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: bearerToken,
		Timeout:     10 * time.Second,
	}
}

// Job represents the API job model.
type Job struct {
	ID         string          `json:"id"`
	Owner      string          `json:"owner"`
	Kind       string          `json:"kind"`
	Parameters json.RawMessage `json:"parameters"`
	State      string          `json:"state"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
	CreatedAt  string          `json:"created_at"`
	UpdatedAt  string          `json:"updated_at"`
}

// Terminal reports whether the job has finished.
func (j Job) Terminal() bool {
	switch j.State {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

// Token represents personal access token metadata. Secret material never
// appears here except in the issue response.
type Token struct {
	ID        string   `json:"id"`
	Owner     string   `json:"owner"`
	Name      string   `json:"name,omitempty"`
	Scopes    []string `json:"scopes"`
	CreatedAt string   `json:"created_at"`
	ExpiresAt *string  `json:"expires_at,omitempty"`
	Revoked   bool     `json:"revoked"`
	Secret    string   `json:"secret,omitempty"`
}

// AppGrant represents an authorized third-party app.
type AppGrant struct {
	ID        string   `json:"id"`
	Owner     string   `json:"owner"`
	ClientID  string   `json:"client_id"`
	Scopes    []string `json:"scopes"`
	GrantedAt string   `json:"granted_at"`
	Revoked   bool     `json:"revoked"`
}

// AppToken is the result of a grant exchange.
type AppToken struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitJob submits a job of the given kind.
func (c *Client) SubmitJob(ctx context.Context, kind string, parameters any) (Job, error) {
	body := map[string]any{
		"kind":       kind,
		"parameters": parameters,
	}
	var resp Job
	err := c.do(ctx, http.MethodPost, "jobs", body, &resp)
	return resp, err
}

// GetJob fetches one job.
func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, "jobs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListJobs returns the caller's jobs, newest first. A zero limit uses the
// server default; state may be empty.
func (c *Client) ListJobs(ctx context.Context, state string, limit int) ([]Job, error) {
	endpoint := "jobs"
	var params []string
	if state != "" {
		params = append(params, "state="+url.QueryEscape(state))
	}
	if limit > 0 {
		params = append(params, fmt.Sprintf("limit=%d", limit))
	}
	if len(params) > 0 {
		endpoint += "?" + strings.Join(params, "&")
	}
	var resp []Job
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CancelJob requests cooperative cancellation.
func (c *Client) CancelJob(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, "jobs/"+url.PathEscape(id)+"/cancel", nil, &resp)
	return resp, err
}

// WaitJob polls until the job reaches a terminal state or ctx expires.
func (c *Client) WaitJob(ctx context.Context, id string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = time.Second
	}
	for {
		j, err := c.GetJob(ctx, id)
		if err != nil {
			return Job{}, err
		}
		if j.Terminal() {
			return j, nil
		}
		select {
		case <-ctx.Done():
			return j, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// IssueToken mints a personal access token. The returned Secret is shown
// exactly once; store it.
func (c *Client) IssueToken(ctx context.Context, name string, scopes []string, ttlSeconds int) (Token, error) {
	body := map[string]any{
		"name":        name,
		"scopes":      scopes,
		"ttl_seconds": ttlSeconds,
	}
	var resp Token
	err := c.do(ctx, http.MethodPost, "tokens", body, &resp)
	return resp, err
}

// ListTokens returns the caller's token metadata.
func (c *Client) ListTokens(ctx context.Context) ([]Token, error) {
	var resp []Token
	err := c.do(ctx, http.MethodGet, "tokens", nil, &resp)
	return resp, err
}

// RevokeToken revokes a token. Revoking twice is not an error.
func (c *Client) RevokeToken(ctx context.Context, id string) (Token, error) {
	var resp Token
	err := c.do(ctx, http.MethodPost, "tokens/"+url.PathEscape(id)+"/revoke", nil, &resp)
	return resp, err
}

// RecordGrant records the outcome of an app consent flow.
func (c *Client) RecordGrant(ctx context.Context, clientID string, scopes []string) (AppGrant, error) {
	body := map[string]any{
		"client_id": clientID,
		"scopes":    scopes,
	}
	var resp AppGrant
	err := c.do(ctx, http.MethodPost, "authorized-apps", body, &resp)
	return resp, err
}

// ListGrants returns the caller's authorized apps.
func (c *Client) ListGrants(ctx context.Context) ([]AppGrant, error) {
	var resp []AppGrant
	err := c.do(ctx, http.MethodGet, "authorized-apps", nil, &resp)
	return resp, err
}

// RevokeGrant revokes an app grant.
func (c *Client) RevokeGrant(ctx context.Context, id string) (AppGrant, error) {
	var resp AppGrant
	err := c.do(ctx, http.MethodPost, "authorized-apps/"+url.PathEscape(id)+"/revoke", nil, &resp)
	return resp, err
}

// ExchangeAppToken exchanges a grant for a short-lived delegated token.
func (c *Client) ExchangeAppToken(ctx context.Context, grantID string) (AppToken, error) {
	var resp AppToken
	err := c.do(ctx, http.MethodPost, "authorized-apps/"+url.PathEscape(grantID)+"/token", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
