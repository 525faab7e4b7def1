package server

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// ─── Analytics administration ───

// parseTimeRange reads optional start/end query parameters (RFC3339 or unix
// seconds).
func parseTimeRange(r *http.Request) (start, end time.Time, err error) {
	parse := func(value string) (time.Time, error) {
		if value == "" {
			return time.Time{}, nil
		}
		if unix, convErr := strconv.ParseInt(value, 10, 64); convErr == nil {
			return time.Unix(unix, 0), nil
		}
		return time.Parse(time.RFC3339, value)
	}

	start, err = parse(r.URL.Query().Get("start"))
	if err != nil {
		return start, end, fmt.Errorf("invalid start: %w", err)
	}
	end, err = parse(r.URL.Query().Get("end"))
	if err != nil {
		return start, end, fmt.Errorf("invalid end: %w", err)
	}
	return start, end, nil
}

// AnalyticsStats handles GET /analytics/stats.
func (s *Server) AnalyticsStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.recorder.Stats(r.Context())
	if err != nil {
		slog.Error("analytics stats failed", "error", err)
		httpResponse(w, fmt.Sprintf("failed to read stats: %v", err), http.StatusInternalServerError)
		return
	}

	httpResponseJSON(w, stats, http.StatusOK)
}

// AnalyticsEvents handles GET /analytics/events?start=&end=&limit=.
func (s *Server) AnalyticsEvents(w http.ResponseWriter, r *http.Request) {
	start, end, err := parseTimeRange(r)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, convErr := strconv.Atoi(v)
		if convErr != nil || parsed < 0 {
			httpResponse(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	events, err := s.recorder.Backend().Query(r.Context(), start, end, limit)
	if err != nil {
		slog.Error("analytics query failed", "error", err)
		httpResponse(w, fmt.Sprintf("failed to query events: %v", err), http.StatusInternalServerError)
		return
	}

	httpResponseJSON(w, map[string]any{"events": events, "count": len(events)}, http.StatusOK)
}

// AnalyticsAggregate handles GET /analytics/aggregate?start=&end=.
func (s *Server) AnalyticsAggregate(w http.ResponseWriter, r *http.Request) {
	start, end, err := parseTimeRange(r)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	agg, err := s.recorder.Backend().Aggregate(r.Context(), start, end)
	if err != nil {
		slog.Error("analytics aggregate failed", "error", err)
		httpResponse(w, fmt.Sprintf("failed to aggregate events: %v", err), http.StatusInternalServerError)
		return
	}

	httpResponseJSON(w, agg, http.StatusOK)
}

// AnalyticsExport handles GET /analytics/export?format=json|csv.
func (s *Server) AnalyticsExport(w http.ResponseWriter, r *http.Request) {
	start, end, err := parseTimeRange(r)
	if err != nil {
		httpResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	events, err := s.recorder.Backend().Query(r.Context(), start, end, 0)
	if err != nil {
		slog.Error("analytics export failed", "error", err)
		httpResponse(w, fmt.Sprintf("failed to export events: %v", err), http.StatusInternalServerError)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" || format == "json" {
		httpResponseJSON(w, map[string]any{"events": events}, http.StatusOK)
		return
	}
	if format != "csv" {
		httpResponse(w, fmt.Sprintf("unknown export format %q", format), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="analytics.csv"`)

	cw := csv.NewWriter(w)
	cw.Write([]string{
		"id", "timestamp_s", "endpoint", "model", "stream", "status",
		"duration_ms", "prompt_tokens", "completion_tokens", "cost_total_micro",
	})
	for _, ev := range events {
		prompt, completion := "", ""
		if ev.Usage.PromptTokens != nil {
			prompt = strconv.Itoa(*ev.Usage.PromptTokens)
		}
		if ev.Usage.CompletionTokens != nil {
			completion = strconv.Itoa(*ev.Usage.CompletionTokens)
		}

		cw.Write([]string{
			ev.ID,
			strconv.FormatFloat(ev.TimestampS, 'f', 3, 64),
			ev.Request.Endpoint,
			ev.Request.Model,
			strconv.FormatBool(ev.Request.Stream),
			strconv.Itoa(ev.Response.Status),
			strconv.FormatInt(ev.Perf.DurationMS, 10),
			prompt,
			completion,
			strconv.FormatInt(ev.Cost.Total, 10),
		})
	}
	cw.Flush()
}

// AnalyticsClear handles POST /analytics/clear.
func (s *Server) AnalyticsClear(w http.ResponseWriter, r *http.Request) {
	if err := s.recorder.Backend().Clear(r.Context()); err != nil {
		slog.Error("analytics clear failed", "error", err)
		httpResponse(w, fmt.Sprintf("failed to clear events: %v", err), http.StatusInternalServerError)
		return
	}

	httpResponse(w, "analytics cleared", http.StatusOK)
}
