package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/yegors/webchat/internal/config"
	"github.com/yegors/webchat/pkg/logger"
)

// Client handles HTTP requests to the chat gateway. It carries the
// static API key and the parent-page identity headers the server uses
// for tenant resolution.
type Client struct {
	cfg        config.GatewayConfig
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a new gateway API client
func NewClient(cfg config.GatewayConfig, log *logger.Logger) *Client {
	timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: log.Named("gateway-client"),
	}
}

// newRequest builds a gateway request with auth and page-identity
// headers attached
func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.cfg.APIKey))
	if c.cfg.Origin != "" {
		req.Header.Set("X-Website-Origin", c.cfg.Origin)
	}
	if c.cfg.Domain != "" {
		req.Header.Set("X-Website-Domain", c.cfg.Domain)
	}

	return req, nil
}

// doJSON executes a single request and decodes a 2xx JSON response into
// target. Non-2xx responses come back as a *statusError carrying the
// status code and body.
func (c *Client) doJSON(req *http.Request, target any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &statusError{status: resp.StatusCode, body: string(bodyBytes)}
	}

	if target != nil {
		if err := json.Unmarshal(bodyBytes, target); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// statusError is a non-2xx gateway response
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d, response: %s", e.status, e.body)
}

// userInfoFrom assembles the optional known-user attributes forwarded
// on init and message requests
func userInfoFrom(cfg config.GatewayConfig) map[string]string {
	info := make(map[string]string)
	if cfg.UserName != "" {
		info["name"] = cfg.UserName
	}
	if cfg.UserEmail != "" {
		info["email"] = cfg.UserEmail
	}
	if len(info) == 0 {
		return nil
	}
	return info
}

// query builds a URL query string from non-empty values
func query(values map[string]string) string {
	q := url.Values{}
	for k, v := range values {
		if v != "" {
			q.Set(k, v)
		}
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}
