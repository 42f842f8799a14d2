package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultAttemptTimeout = 30 * time.Second
	defaultUserAgent      = "NightlineIphoneBridge/0.1.0"
	maxErrorBody          = 512
)

// Client posts JSON to the remote server's bridge webhook endpoints. Each call
// is a single attempt; retries belong to the Deliverer.
type Client struct {
	baseURL    string
	clientID   string
	secret     string
	userAgent  string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL        string
	ClientID       string
	Secret         string
	AttemptTimeout time.Duration
	UserAgent      string
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// NewClient creates a Client. The secret is sent on every request and never logged.
func NewClient(opts ClientOptions) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		clientID:   opts.ClientID,
		secret:     opts.Secret,
		userAgent:  opts.UserAgent,
		timeout:    opts.AttemptTimeout,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
	}
	if c.userAgent == "" {
		c.userAgent = defaultUserAgent
	}
	if c.timeout <= 0 {
		c.timeout = defaultAttemptTimeout
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// URL returns the absolute URL for an endpoint path such as PathMessage.
func (c *Client) URL(path string) string {
	return c.baseURL + "/webhooks/iphone-bridge/" + url.PathEscape(c.clientID) + path
}

// Configured reports whether a base URL and client id are set.
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.clientID != ""
}

// Post marshals v and sends it to path in a single attempt bounded by the
// attempt timeout. Non-2xx responses are returned as *HTTPError.
func (c *Client) Post(ctx context.Context, path string, v any) error {
	if !c.Configured() {
		return permanent(fmt.Errorf("remote base URL or client id not configured"))
	}
	body, err := json.Marshal(v)
	if err != nil {
		return permanent(fmt.Errorf("marshaling payload: %w", err))
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.URL(path), bytes.NewReader(body))
	if err != nil {
		return permanent(fmt.Errorf("creating request: %w", err))
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// HealthCheck reports whether the remote server answers GET /health with 200.
func (c *Client) HealthCheck(ctx context.Context) bool {
	if !c.Configured() {
		return false
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.URL(PathHealth), nil)
	if err != nil {
		return false
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("remote health check failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Bridge-Secret", c.secret)
	req.Header.Set("User-Agent", c.userAgent)
}
