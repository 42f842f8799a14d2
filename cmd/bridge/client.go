package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Nightline-AI/iphone-bridge/internal/api"
	"github.com/Nightline-AI/iphone-bridge/internal/bridge"
	"github.com/Nightline-AI/iphone-bridge/internal/config"
	"github.com/Nightline-AI/iphone-bridge/internal/sink"
	"github.com/Nightline-AI/iphone-bridge/internal/storage"
)

type apiClient struct {
	baseURL    string
	secret     string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.LoadUnvalidated()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.Remote.WebhookSecret == "" {
		return nil, errors.New("remote.webhook_secret is not set; the local API requires it")
	}

	return &apiClient{
		baseURL:    localURL(cfg),
		secret:     cfg.Remote.WebhookSecret,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// localURL is the address CLI commands use to reach a bridge bound to
// cfg.Server. Wildcard binds are reached over loopback.
func localURL(cfg config.Config) string {
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
}

func (c *apiClient) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set(api.SecretHeader, c.secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is the bridge running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

func decodeJSON(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("server returned %d (failed to read body: %w)", resp.StatusCode, err)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// send posts to /send. 400 and 502 carry a SendResponse body, so they are
// decoded rather than treated as transport errors.
func (c *apiClient) send(ctx context.Context, phone, text string) (api.SendResponse, int, error) {
	resp, err := c.post(ctx, "/send", api.SendRequest{Phone: phone, Text: text})
	if err != nil {
		return api.SendResponse{}, 0, err
	}
	defer resp.Body.Close()

	var out api.SendResponse
	switch resp.StatusCode {
	case http.StatusOK, http.StatusBadRequest, http.StatusBadGateway:
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return api.SendResponse{}, resp.StatusCode, fmt.Errorf("decoding send response: %w", err)
		}
		return out, resp.StatusCode, nil
	default:
		body, _ := io.ReadAll(resp.Body)
		return api.SendResponse{}, resp.StatusCode, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}
}

// remoteBridge serves the MCP layer from a running bridge's HTTP API.
type remoteBridge struct {
	client  *apiClient
	timeout time.Duration
}

func (r remoteBridge) Send(ctx context.Context, handle, text string) sink.Result {
	out, code, err := r.client.send(ctx, handle, text)
	if err != nil {
		return sink.Result{Error: err.Error(), Kind: sink.KindDelivery}
	}
	res := sink.Result{Success: out.Success, MessageID: out.MessageID, Error: out.Error}
	if !out.Success {
		res.Kind = sink.KindDelivery
		if code == http.StatusBadRequest {
			res.Kind = sink.KindValidation
		}
	}
	return res
}

func (r remoteBridge) Status(ctx context.Context) (bridge.StatusReport, error) {
	resp, err := r.client.get(ctx, "/status")
	if err != nil {
		return bridge.StatusReport{}, err
	}
	var report bridge.StatusReport
	if err := decodeJSON(resp, &report); err != nil {
		return bridge.StatusReport{}, err
	}
	return report, nil
}

func (r remoteBridge) ListFailedForwards(limit int) ([]storage.FailedForward, error) {
	var rows []storage.FailedForward
	err := r.list(fmt.Sprintf("/failures?limit=%d", limit), &rows)
	return rows, err
}

func (r remoteBridge) GetRecentSends(limit int) ([]storage.SentMessage, error) {
	var rows []storage.SentMessage
	err := r.list(fmt.Sprintf("/sends?limit=%d", limit), &rows)
	return rows, err
}

func (r remoteBridge) list(path string, v any) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	resp, err := r.client.get(ctx, path)
	if err != nil {
		return err
	}
	return decodeJSON(resp, v)
}
