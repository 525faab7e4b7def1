// Package mcp provides an HTTP JSON-RPC client for Model Context Protocol
// servers and a manager that federates tools from several of them.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/worldline-go/klient"
)

const protocolVersion = "2024-11-05"

// Tool is a named tool with a JSON-Schema input description.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// rpcError is the JSON-RPC error object; it doubles as the Go error so
// server-side failures carry their code through wrapped chains.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Client talks JSON-RPC over HTTP to a single MCP server. It is built the
// same way the upstream client drives provider endpoints: one klient with a
// full per-request URL, retries disabled, and every round trip funneled
// through a single helper.
type Client struct {
	endpoint string
	client   *klient.Client

	seq     atomic.Int64
	session atomic.Value // string, server-assigned via X-Session-ID
}

// NewClient connects to an MCP server and runs the initialize handshake.
func NewClient(ctx context.Context, baseURL string) (*Client, error) {
	hc, err := klient.New(
		klient.WithBaseURL(baseURL),
		klient.WithLogger(slog.Default()),
		klient.WithDisableRetry(true),
		klient.WithDisableEnvValues(true),
	)
	if err != nil {
		return nil, fmt.Errorf("create MCP client: %w", err)
	}

	c := &Client{
		endpoint: strings.TrimSuffix(baseURL, "/") + "/mcp",
		client:   hc,
	}

	var welcome struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"serverInfo"`
	}
	if err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]string{
			"name":    "routiium",
			"version": "1.0.0",
		},
	}, &welcome); err != nil {
		return nil, fmt.Errorf("MCP handshake with %s: %w", baseURL, err)
	}

	slog.Info("MCP server ready",
		"server_name", welcome.ServerInfo.Name,
		"server_version", welcome.ServerInfo.Version,
		"protocol", welcome.ProtocolVersion,
	)

	c.notify(ctx, "notifications/initialized")

	return c, nil
}

// call performs one JSON-RPC round trip and decodes the result into out.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	envelope := map[string]any{
		"jsonrpc": "2.0",
		"id":      c.seq.Add(1),
		"method":  method,
	}
	if params != nil {
		envelope["params"] = params
	}

	var reply struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}

	req, err := c.newRequest(ctx, envelope)
	if err != nil {
		return err
	}

	if err := c.client.Do(req, func(resp *http.Response) error {
		if resp.StatusCode != http.StatusOK {
			payload, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("%s returned status %d: %s", method, resp.StatusCode, payload)
		}

		if session := resp.Header.Get("X-Session-ID"); session != "" {
			c.session.Store(session)
		}

		return json.NewDecoder(resp.Body).Decode(&reply)
	}); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	if reply.Error != nil {
		return fmt.Errorf("%s: %w", method, reply.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(reply.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}

	return nil
}

// notify sends a one-way notification (no id, no result). Delivery is best
// effort; MCP servers may answer with an empty body or a 202.
func (c *Client) notify(ctx context.Context, method string) {
	req, err := c.newRequest(ctx, map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
	})
	if err != nil {
		return
	}

	if err := c.client.Do(req, func(resp *http.Response) error {
		io.Copy(io.Discard, resp.Body)
		return nil
	}); err != nil {
		slog.Debug("MCP notification not delivered", "method", method, "error", err)
	}
}

// newRequest builds the POST carrying one JSON-RPC envelope, attaching the
// session id once the server has assigned one.
func (c *Client) newRequest(ctx context.Context, envelope map[string]any) (*http.Request, error) {
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encode rpc envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	if session, ok := c.session.Load().(string); ok && session != "" {
		req.Header.Set("X-Session-ID", session)
	}

	return req, nil
}

// ListTools enumerates the server's tools.
func (c *Client) ListTools(ctx context.Context) ([]Tool, error) {
	var result struct {
		Tools []Tool `json:"tools"`
	}
	if err := c.call(ctx, "tools/list", nil, &result); err != nil {
		return nil, err
	}

	return result.Tools, nil
}

// CallTool invokes a tool and returns its concatenated text content. A
// result flagged isError becomes a Go error carrying that text. Tool
// execution is not on the proxy request path; this exists for admin tooling.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (string, error) {
	params := map[string]any{"name": name}
	if len(arguments) > 0 {
		params["arguments"] = arguments
	}

	var result struct {
		IsError bool `json:"isError"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := c.call(ctx, "tools/call", params, &result); err != nil {
		return "", err
	}

	var text strings.Builder
	for _, block := range result.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	if result.IsError {
		return "", fmt.Errorf("tool %s failed: %s", name, text.String())
	}

	return text.String(), nil
}

// Close tells the server the session is over.
func (c *Client) Close() {
	c.notify(context.Background(), "notifications/cancelled")
}
