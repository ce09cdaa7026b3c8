package gateway

// Package gateway is the HTTP/JSON client for the out-of-process
// collaborators: the AI reasoning service (frame capture and analysis,
// hypothesis generation, log pattern analysis), the fix-cycle service and
// the target status probe.
//
// Every call is a JSON request with a JSON response. Non-2xx responses are
// errors carrying the status code and a truncated body.

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNotConfigured is returned by calls to a service without a base URL.
var ErrNotConfigured = errors.New("gateway service not configured")

// Config holds the base URLs of the collaborating services.
type Config struct {
	ReasoningURL string
	FixCycleURL  string
	StatusURL    string
	Timeout      time.Duration
}

// sharedHTTPClient pools connections across all gateway clients.
var sharedHTTPClient = &http.Client{
	Timeout: 60 * time.Second,
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	},
}

// httpJSON is a thin JSON client bound to one base URL.
type httpJSON struct {
	baseURL    string
	httpClient *http.Client
}

func newHTTPJSON(baseURL string, timeout time.Duration) *httpJSON {
	client := sharedHTTPClient
	if timeout > 0 {
		client = &http.Client{Timeout: timeout, Transport: sharedHTTPClient.Transport}
	}
	return &httpJSON{baseURL: strings.TrimSuffix(baseURL, "/"), httpClient: client}
}

func (c *httpJSON) get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *httpJSON) post(ctx context.Context, path string, in, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, in, out)
}

func (c *httpJSON) do(ctx context.Context, method, path string, in, out interface{}) error {
	if c == nil || c.baseURL == "" {
		return ErrNotConfigured
	}
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s %s: encode: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: truncate(string(data), 200)}
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%s %s: decode: %w", method, path, err)
		}
	}
	return nil
}

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.Code, e.Body)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
