package api

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

// HTTPClient talks to the gateway admin surface over HTTP with a bearer
// token.
type HTTPClient struct {
	baseURL string
	token   string
	hc      *http.Client
}

func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		hc:      &http.Client{Timeout: 5 * time.Minute}, // boot can take minutes
	}
}

func (c *HTTPClient) Boot(ctx context.Context, tenantID string, req *BootRequest) error {
	return c.do(ctx, http.MethodPost, "/boot?tenant="+url.QueryEscape(tenantID), req, nil)
}

func (c *HTTPClient) Restart(ctx context.Context, tenantID string) error {
	return c.do(ctx, http.MethodPost, "/restart?tenant="+url.QueryEscape(tenantID), nil, nil)
}

func (c *HTTPClient) Logs(ctx context.Context, tenantID string) (*Logs, error) {
	var out Logs
	if err := c.do(ctx, http.MethodGet, "/logs?tenant="+url.QueryEscape(tenantID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) ListTenants(ctx context.Context) (*TenantList, error) {
	var out TenantList
	if err := c.do(ctx, http.MethodGet, "/tenants", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) Sweep(ctx context.Context, dryRun bool) (*SweepReport, error) {
	path := "/debug/sweep"
	if dryRun {
		path += "?dry_run=true"
	}
	var out SweepReport
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("gateway: %s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("gateway: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
