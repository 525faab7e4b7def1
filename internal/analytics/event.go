// Package analytics captures one event per gateway request and writes it to
// a pluggable backend off the request path.
package analytics

import (
	"time"

	"github.com/google/uuid"
)

// Event is the full lifecycle record of one request.
type Event struct {
	ID         string          `json:"id"`
	TimestampS float64         `json:"timestamp_s"`
	Request    RequestInfo     `json:"request"`
	Response   ResponseInfo    `json:"response"`
	Perf       PerformanceInfo `json:"performance"`
	Auth       AuthInfo        `json:"auth"`
	Routing    RoutingInfo     `json:"routing"`
	Usage      UsageInfo       `json:"usage"`
	Cost       CostInfo        `json:"cost"`
}

type RequestInfo struct {
	Endpoint     string `json:"endpoint"`
	Method       string `json:"method"`
	Model        string `json:"model,omitempty"`
	Stream       bool   `json:"stream"`
	SizeBytes    int    `json:"size_bytes"`
	MessageCount int    `json:"message_count,omitempty"`
	InputTokens  *int   `json:"input_tokens,omitempty"`
	UserAgent    string `json:"user_agent,omitempty"`
	ClientIP     string `json:"client_ip,omitempty"`
}

type ResponseInfo struct {
	Status       int    `json:"status"`
	SizeBytes    int    `json:"size_bytes"`
	OutputTokens *int   `json:"output_tokens,omitempty"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
}

type PerformanceInfo struct {
	DurationMS int64  `json:"duration_ms"`
	TTFBMS     *int64 `json:"ttfb_ms,omitempty"`
	UpstreamMS *int64 `json:"upstream_ms,omitempty"`
}

type AuthInfo struct {
	Authenticated bool   `json:"authenticated"`
	KeyID         string `json:"key_id,omitempty"`
	KeyLabel      string `json:"key_label,omitempty"`
	Method        string `json:"method,omitempty"` // "managed" | "passthrough"
}

type RoutingInfo struct {
	Backend             string   `json:"backend"`
	UpstreamMode        string   `json:"upstream_mode,omitempty"`
	MCPEnabled          bool     `json:"mcp_enabled"`
	MCPServers          []string `json:"mcp_servers,omitempty"`
	SystemPromptApplied bool     `json:"system_prompt_applied"`
}

type UsageInfo struct {
	PromptTokens     *int `json:"prompt_tokens,omitempty"`
	CompletionTokens *int `json:"completion_tokens,omitempty"`
	CachedTokens     *int `json:"cached_tokens,omitempty"`
	ReasoningTokens  *int `json:"reasoning_tokens,omitempty"`
}

// CostInfo is denominated in integer micro-dollars (1e-6 USD) so aggregation
// stays exact.
type CostInfo struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
	Cached int64 `json:"cached"`
	Total  int64 `json:"total"`
}

// NewEvent stamps identity and time on a fresh event.
func NewEvent() Event {
	return Event{
		ID:         uuid.NewString(),
		TimestampS: float64(time.Now().UnixMilli()) / 1000,
	}
}

// Time returns the event timestamp as a time.Time.
func (e *Event) Time() time.Time {
	return time.UnixMilli(int64(e.TimestampS * 1000))
}

// Aggregate summarizes a window of events.
type Aggregate struct {
	Count         int            `json:"count"`
	SuccessCount  int            `json:"success_count"`
	ErrorCount    int            `json:"error_count"`
	StreamCount   int            `json:"stream_count"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	PromptTokens  int64          `json:"prompt_tokens"`
	OutputTokens  int64          `json:"completion_tokens"`
	CostTotal     int64          `json:"cost_total"` // micro-dollars
	ByModel       map[string]int `json:"by_model"`
	ByEndpoint    map[string]int `json:"by_endpoint"`
}

// aggregateEvents folds events into an Aggregate. Shared by backends that
// aggregate by scanning.
func aggregateEvents(events []Event) *Aggregate {
	agg := &Aggregate{
		ByModel:    make(map[string]int),
		ByEndpoint: make(map[string]int),
	}

	var totalDuration int64
	for _, ev := range events {
		agg.Count++
		if ev.Response.Success {
			agg.SuccessCount++
		} else {
			agg.ErrorCount++
		}
		if ev.Request.Stream {
			agg.StreamCount++
		}

		totalDuration += ev.Perf.DurationMS
		if ev.Usage.PromptTokens != nil {
			agg.PromptTokens += int64(*ev.Usage.PromptTokens)
		}
		if ev.Usage.CompletionTokens != nil {
			agg.OutputTokens += int64(*ev.Usage.CompletionTokens)
		}
		agg.CostTotal += ev.Cost.Total

		if ev.Request.Model != "" {
			agg.ByModel[ev.Request.Model]++
		}
		if ev.Request.Endpoint != "" {
			agg.ByEndpoint[ev.Request.Endpoint]++
		}
	}

	if agg.Count > 0 {
		agg.AvgDurationMS = float64(totalDuration) / float64(agg.Count)
	}

	return agg
}

// Stats reports backend health.
type Stats struct {
	Backend string `json:"backend"`
	Count   int    `json:"count"`
	Dropped int64  `json:"dropped"`
}
