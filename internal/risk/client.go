package risk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// CheckPath is the scoring endpoint relative to the service base URL.
const CheckPath = "/api/v1/ai/fraud/check"

var (
	ErrTimeout   = errors.New("risk: scoring deadline exceeded")
	ErrStatus    = errors.New("risk: unexpected status")
	ErrMalformed = errors.New("risk: malformed response")
)

// Tier is a coarse bucket of a fraud score.
type Tier string

const (
	TierLow      Tier = "low"
	TierMedium   Tier = "medium"
	TierHigh     Tier = "high"
	TierCritical Tier = "critical"
)

// Assessment is the scoring result for one request.
type Assessment struct {
	FraudScore        float64 `json:"fraud_score"`
	RiskTier          Tier    `json:"risk_tier"`
	RecommendedAction string  `json:"recommended_action"`
}

// Critical reports whether the assessment must block the request.
func (a *Assessment) Critical() bool {
	return a != nil && Tier(strings.ToLower(string(a.RiskTier))) == TierCritical
}

// CheckRequest describes the request being scored.
type CheckRequest struct {
	AccountID  string `json:"account_id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	IPAddress  string `json:"ip_address"`
	UserAgent  string `json:"user_agent"`
	Method     string `json:"method"`
	Path       string `json:"path"`
}

// ClientConfig configures the scoring client.
type ClientConfig struct {
	BaseURL        string
	ConnectTimeout time.Duration
	Timeout        time.Duration
}

// Client calls the risk-scoring service under a hard deadline.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

// NewClient creates a client with a 1s connect timeout and 2s total
// deadline unless configured otherwise.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.Timeout,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.Timeout,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
	}
}

// Timeout returns the total deadline of one Check.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Check scores req. It returns no later than the configured deadline even
// if the transport does not honour cancellation promptly.
func (c *Client) Check(ctx context.Context, req CheckRequest) (*Assessment, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type result struct {
		assessment *Assessment
		err        error
	}
	ch := make(chan result, 1)
	go func() {
		a, err := c.do(ctx, req)
		ch <- result{a, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil && ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, r.err)
		}
		return r.assessment, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}

func (c *Client) do(ctx context.Context, req CheckRequest) (*Assessment, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+CheckPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to call risk service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}

	var a Assessment
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if a.RiskTier == "" {
		return nil, fmt.Errorf("%w: missing risk_tier", ErrMalformed)
	}
	return &a, nil
}
