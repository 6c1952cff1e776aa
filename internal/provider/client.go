// Package provider holds the outbound HTTP client for the upstream LLM
// API. Outbound headers are built from scratch: nothing from the inbound
// request crosses over except a small allowlist, and the client's
// Authorization header never reaches upstream.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sentinelops/sentinel/internal/apierr"
)

// headerAllowlist is the complete set of inbound headers that may be
// forwarded upstream. Everything else — Authorization above all — is
// dropped. This is part of the security contract.
var headerAllowlist = map[string]bool{
	"content-type": true,
	"accept":       true,
	"user-agent":   true,
	"x-request-id": true,
}

// FilterHeaders reduces inbound headers to the forwardable allowlist.
func FilterHeaders(in http.Header) http.Header {
	out := make(http.Header)
	for name, values := range in {
		if !headerAllowlist[strings.ToLower(name)] {
			continue
		}
		for _, v := range values {
			out.Add(name, v)
		}
	}
	return out
}

// Client is the shared, connection-pooled upstream client.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds the upstream client. The timeout must accommodate
// long-lived streams.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Transport: transport, Timeout: timeout},
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, passthrough http.Header) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	for name, values := range FilterHeaders(passthrough) {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if req.Header.Get("Content-Type") == "" && body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// ChatCompletions posts a chat completion and returns the raw response
// body. Provider error statuses map onto the gateway taxonomy.
func (c *Client) ChatCompletions(ctx context.Context, body map[string]any, passthrough http.Header) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, apierr.Internal("marshal upstream request: %v", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/chat/completions", bytes.NewReader(payload), passthrough)
	if err != nil {
		return nil, apierr.Internal("build upstream request: %v", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, upstreamTransportError(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apierr.Upstream("read upstream response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, data)
	}
	return data, nil
}

// ChatCompletionsStream posts a streaming chat completion and returns the
// SSE body for the caller to drain. The caller owns closing it.
func (c *Client) ChatCompletionsStream(ctx context.Context, body map[string]any, passthrough http.Header) (io.ReadCloser, error) {
	body["stream"] = true
	if _, ok := body["stream_options"]; !ok {
		body["stream_options"] = map[string]any{"include_usage": true}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, apierr.Internal("marshal upstream request: %v", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/chat/completions", bytes.NewReader(payload), passthrough)
	if err != nil {
		return nil, apierr.Internal("build upstream request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, upstreamTransportError(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		return nil, statusError(resp.StatusCode, data)
	}
	return resp.Body, nil
}

// ForwardRaw relays a /v1/* pass-through request and returns the raw
// upstream response. The caller copies status, headers, and body through.
func (c *Client) ForwardRaw(ctx context.Context, method, path string, body io.Reader, passthrough http.Header) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, path, body, passthrough)
	if err != nil {
		return nil, apierr.Internal("build upstream request: %v", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, upstreamTransportError(ctx, err)
	}
	return resp, nil
}

func upstreamTransportError(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return apierr.Unavailable("upstream timed out", 0)
	}
	return apierr.Upstream("upstream request failed: %v", err)
}

// statusError maps a provider error response onto the gateway taxonomy,
// carrying through the provider's message when it has one.
func statusError(status int, body []byte) error {
	message := providerErrorMessage(body)
	switch {
	case status == http.StatusTooManyRequests:
		return &apierr.Error{Kind: apierr.KindRateLimited, Message: message}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		// The gateway's own provider credential failed; the client did
		// not cause this.
		return apierr.Upstream("provider rejected gateway credentials")
	case status == http.StatusBadRequest:
		return &apierr.Error{Kind: apierr.KindInvalidRequest, Message: message}
	case status >= 500:
		return apierr.Upstream("provider error (%d): %s", status, message)
	default:
		return apierr.Upstream("provider returned status %d: %s", status, message)
	}
}

func providerErrorMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	msg := string(body)
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		msg = "upstream error"
	}
	return msg
}
