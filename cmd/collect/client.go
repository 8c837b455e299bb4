package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fieldkit/shopcollector/internal/collector"
	"github.com/fieldkit/shopcollector/internal/config"
	"github.com/fieldkit/shopcollector/internal/location"
)

// apiClient talks to a running "collect serve" on the loopback port.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

var newAPIClient = func() (*apiClient, error) {
	cfg, err := config.LoadUnvalidated()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &apiClient{
		baseURL:    serverURL(cfg),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func serverURL(cfg config.Config) string {
	return fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
}

func (c *apiClient) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server not reachable, is collect serve running? (%w)", err)
	}
	return resp, nil
}

func (c *apiClient) get(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, path)
}

func (c *apiClient) post(ctx context.Context, path string) (*http.Response, error) {
	return c.do(ctx, http.MethodPost, path)
}

func (c *apiClient) status(ctx context.Context) (collector.Status, error) {
	var st collector.Status
	resp, err := c.get(ctx, "/status")
	if err != nil {
		return st, err
	}
	err = decodeJSON(resp, &st)
	return st, err
}

func (c *apiClient) refresh(ctx context.Context) (location.Status, error) {
	var st location.Status
	resp, err := c.post(ctx, "/api/location/refresh")
	if err != nil {
		return st, err
	}
	err = decodeJSON(resp, &st)
	return st, err
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
