package policystore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sony/gobreaker"

	"github.com/de-tools/iam-sentry/pkg/models/domain"
	"github.com/de-tools/iam-sentry/pkg/services/remediation"
)

// Client implements the policy store write-path capability over HTTP.
// Writes go through a circuit breaker: a policy service rejecting every
// request should stop a remediation run quickly instead of burning the
// change budget on failures.
type Client struct {
	base  string
	token string
	http  *retryablehttp.Client
	cb    *gobreaker.CircuitBreaker
}

type ClientConfig struct {
	Endpoint string
	Token    string
	Timeout  time.Duration
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("policy store endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 2
	httpClient.HTTPClient.Timeout = cfg.Timeout
	httpClient.Logger = nil
	// A version conflict is a correctness signal, not a transient fault;
	// it must reach the executor's read-mutate-write loop untouched.
	httpClient.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "policy-store",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	return &Client{
		base:  cfg.Endpoint,
		token: cfg.Token,
		http:  httpClient,
		cb:    cb,
	}, nil
}

type policyEnvelope struct {
	Policy  domain.Policy `json:"policy"`
	Version string        `json:"version"`
}

func (c *Client) GetPolicy(ctx context.Context, resource string) (domain.Policy, string, error) {
	var out policyEnvelope
	path := fmt.Sprintf("/v1/resources/%s/policy", resource)
	if err := c.call(ctx, http.MethodGet, path, nil, &out); err != nil {
		return domain.Policy{}, "", err
	}
	return out.Policy, out.Version, nil
}

func (c *Client) SetPolicy(ctx context.Context, resource string, policy domain.Policy, version string) error {
	path := fmt.Sprintf("/v1/resources/%s/policy", resource)
	body := policyEnvelope{Policy: policy, Version: version}

	_, err := c.cb.Execute(func() (any, error) {
		return nil, c.call(ctx, http.MethodPut, path, body, nil)
	})
	return err
}

func (c *Client) MarkApplied(ctx context.Context, findingID, version string) error {
	path := fmt.Sprintf("/v1/recommendations/%s/applied", findingID)
	return c.call(ctx, http.MethodPost, path, map[string]string{"etag": version}, nil)
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s %s: %w", method, path, err)
		}
		buf = bytes.NewReader(raw)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.base+path, buf)
	if err != nil {
		return fmt.Errorf("building %s %s: %w", method, path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("policy store %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent:
	case resp.StatusCode == http.StatusConflict:
		return remediation.ErrConflict
	default:
		return fmt.Errorf("policy store %s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading policy store response: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding policy store response: %w", err)
	}
	return nil
}
