// Package governance talks to the external identity/governance API: token
// validation, per-user limits, the tier table, and usage reporting.
package governance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sentinelops/sentinel/internal/apierr"
	"github.com/sentinelops/sentinel/internal/router"
)

// AuthenticatedUser is the profile returned for a valid bearer token.
type AuthenticatedUser struct {
	ExternalID string `json:"external_id"`
	Email      string `json:"email"`
	UserID     string `json:"user_id"`
}

// Limits is a user's rate-limit override. Zero values mean "use the
// gateway defaults".
type Limits struct {
	RateLimitRequests      int `json:"rate_limit_requests"`
	RateLimitWindowSeconds int `json:"rate_limit_window_seconds"`
}

// UsageIncrement is one unit of usage attributed to a user.
type UsageIncrement struct {
	ExternalID   string `json:"external_id"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	RequestCount int    `json:"request_count"`
	Model        string `json:"model,omitempty"`
}

// Client is the HTTP client for the governance API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds a governance client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Me validates a user bearer token and returns the profile.
func (c *Client) Me(ctx context.Context, bearerToken string) (*AuthenticatedUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/users/me", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+bearerToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apierr.Unavailable("governance unreachable", 0)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var user AuthenticatedUser
		if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
			return nil, apierr.Internal("governance returned malformed profile: %v", err)
		}
		return &user, nil
	case resp.StatusCode == http.StatusForbidden:
		return nil, apierr.New(apierr.KindForbidden, "access denied")
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, apierr.Unauthorized("invalid token")
	default:
		return nil, apierr.Unauthorized("token validation failed")
	}
}

// LimitsFor fetches a user's rate-limit override.
func (c *Client) LimitsFor(ctx context.Context, externalID string) (*Limits, error) {
	var limits Limits
	if err := c.getJSON(ctx, "/api/v1/limits/external/"+externalID, &limits); err != nil {
		return nil, err
	}
	return &limits, nil
}

// TierConfig fetches the global tier table.
func (c *Client) TierConfig(ctx context.Context) (*router.TierConfig, error) {
	var cfg router.TierConfig
	if err := c.getJSON(ctx, "/api/v1/tiers/config", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ReportUsage posts a single usage increment.
func (c *Client) ReportUsage(ctx context.Context, inc UsageIncrement) error {
	return c.postJSON(ctx, "/api/v1/usage/external/increment", inc)
}

// ReportUsageBatch posts aggregated increments for many users at once.
func (c *Client) ReportUsageBatch(ctx context.Context, batch []UsageIncrement) error {
	return c.postJSON(ctx, "/api/v1/usage/external/batch-increment", map[string]any{
		"increments": batch,
	})
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("governance request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("governance returned status %d for %s", resp.StatusCode, path)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *Client) postJSON(ctx context.Context, path string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("governance request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("governance returned status %d for %s", resp.StatusCode, path)
	}
	return nil
}
