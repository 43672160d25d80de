package recommender

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/de-tools/iam-sentry/pkg/models/domain"
)

// TransientError marks a quota or availability failure of the recommender
// service: the caller may retry or skip the target, the run continues.
type TransientError struct {
	Scope  string
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("recommender: transient failure for %s: %v", e.Scope, e.Err)
	}
	return fmt.Sprintf("recommender: transient failure for %s (status %d)", e.Scope, e.Status)
}

func (e *TransientError) Unwrap() error { return e.Err }

// TerminalError marks a permission failure: retrying cannot help.
type TerminalError struct {
	Scope  string
	Status int
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("recommender: access denied for %s (status %d)", e.Scope, e.Status)
}

// API is the recommendation-source capability consumed by the source
// plugin.
type API interface {
	ListScopes(ctx context.Context) ([]string, error)
	ListFindings(ctx context.Context, scopeID string) ([]domain.Finding, error)
	FetchDetail(ctx context.Context, findingID string) (*domain.FindingDetail, error)
}

// Client talks to the recommendation service over HTTP. Requests are rate
// limited client side and retried on transient failures by the underlying
// retryable client.
type Client struct {
	base    string
	token   string
	http    *retryablehttp.Client
	limiter *rate.Limiter
}

type ClientConfig struct {
	Endpoint   string
	Token      string
	Timeout    time.Duration
	MaxRetries int
	// RatePerSecond caps outgoing calls; the recommender quota is shared
	// with everything else running against the project.
	RatePerSecond float64
	Burst         int
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("recommender endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}

	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = cfg.MaxRetries
	httpClient.HTTPClient.Timeout = cfg.Timeout
	httpClient.Logger = nil

	return &Client{
		base:    cfg.Endpoint,
		token:   cfg.Token,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
	}, nil
}

type scopeList struct {
	Scopes []string `json:"scopes"`
}

func (c *Client) ListScopes(ctx context.Context) ([]string, error) {
	var out scopeList
	if err := c.get(ctx, "/v1/scopes", "", &out); err != nil {
		return nil, err
	}
	return out.Scopes, nil
}

type findingList struct {
	Findings []domain.Finding `json:"findings"`
}

func (c *Client) ListFindings(ctx context.Context, scopeID string) ([]domain.Finding, error) {
	var out findingList
	path := fmt.Sprintf("/v1/scopes/%s/recommendations", scopeID)
	if err := c.get(ctx, path, scopeID, &out); err != nil {
		return nil, err
	}
	return out.Findings, nil
}

func (c *Client) FetchDetail(ctx context.Context, findingID string) (*domain.FindingDetail, error) {
	var out domain.FindingDetail
	path := fmt.Sprintf("/v1/recommendations/%s", findingID)
	if err := c.get(ctx, path, findingID, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path, scope string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limiter: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("building request for %s: %w", path, err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Do only fails on transport errors or exhausted retries, both of
		// which are worth retrying on a later run.
		return &TransientError{Scope: scope, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return &TerminalError{Scope: scope, Status: resp.StatusCode}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return &TransientError{Scope: scope, Status: resp.StatusCode}
	default:
		return fmt.Errorf("recommender: unexpected status %d for %s", resp.StatusCode, path)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransientError{Scope: scope, Err: err}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding recommender response for %s: %w", path, err)
	}
	return nil
}
