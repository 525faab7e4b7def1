// Package upstream issues the actual provider HTTP calls for resolved route
// plans over one shared, pooled client.
package upstream

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/worldline-go/klient"

	"github.com/routiium/routiium/internal/convert"
	"github.com/routiium/routiium/internal/router"
)

// Config wires the shared upstream client.
type Config struct {
	// Timeout bounds non-streaming calls. Streaming calls are bounded only
	// by client disconnect.
	Timeout time.Duration

	Proxy              string
	InsecureSkipVerify bool
}

// Client is the shared upstream HTTP client: keep-alive pooling, HTTP/2
// ALPN, proxy environment honored, retries disabled (LLM calls are
// exactly-once; clients retry).
type Client struct {
	client  *klient.Client
	timeout time.Duration
}

func New(cfg Config) (*Client, error) {
	opts := []klient.OptionClientFn{
		klient.WithLogger(slog.Default()),
		klient.WithDisableRetry(true),
		klient.WithDisableBaseURLCheck(true),
	}
	if cfg.Proxy != "" {
		opts = append(opts, klient.WithProxy(cfg.Proxy))
	}
	if cfg.InsecureSkipVerify {
		opts = append(opts, klient.WithInsecureSkipVerify(true))
	}

	client, err := klient.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create upstream client: %w", err)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}

	return &Client{client: client, timeout: cfg.Timeout}, nil
}

// Call is one upstream request.
type Call struct {
	Plan   router.Plan
	Body   []byte
	Bearer string // provider key (managed) or the client's bearer (passthrough)
	Stream bool
}

// URL returns the endpoint for the plan's mode.
func (c Call) URL() string {
	base := strings.TrimSuffix(c.Plan.BaseURL, "/")
	if c.Plan.Mode == convert.SurfaceResponses {
		return base + "/responses"
	}
	return base + "/chat/completions"
}

// Do issues the call and returns the raw response. The caller owns the body.
// Non-streaming calls are cut off at the configured timeout; streaming calls
// follow the request context so client disconnect aborts the upstream read.
func (c *Client) Do(ctx context.Context, call Call) (*http.Response, context.CancelFunc, error) {
	cancel := context.CancelFunc(func() {})
	if !call.Stream {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, call.URL(), bytes.NewReader(call.Body))
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("create upstream request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if call.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+call.Bearer)
	}
	if call.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range call.Plan.ExtraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.client.HTTP.Do(req)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	return resp, cancel, nil
}
