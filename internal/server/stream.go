package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/routiium/routiium/internal/convert"
)

// sseBridge is the converter's per-stream reshaper; both directions satisfy
// it.
type sseBridge interface {
	Next(data []byte) ([][]byte, error)
	Done() bool
}

// streamResponse forwards an upstream SSE stream to the client, reshaping
// events on the fly when the surfaces differ and emitting keep-alive
// comments while the upstream is idle.
func (s *Server) streamResponse(w http.ResponseWriter, r *http.Request, resp *http.Response, st *proxyState) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.fail(w, st, http.StatusInternalServerError, kindInternal, "no_flush", "streaming not supported by this server")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	var ttfb *int64
	bytesOut := 0
	markFirstByte := func() {
		if ttfb == nil {
			ms := time.Since(st.start).Milliseconds()
			ttfb = &ms
		}
	}

	writeData := func(payload []byte) {
		markFirstByte()
		n, _ := fmt.Fprintf(w, "data: %s\n\n", payload)
		bytesOut += n
		flusher.Flush()
	}

	// A non-2xx upstream answer on a streaming request becomes a single SSE
	// error event followed by the terminal sentinel.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		writeData(errorEventPayload(resp.StatusCode, body))
		writeData([]byte("[DONE]"))

		st.event.Response.Status = resp.StatusCode
		st.event.Response.SizeBytes = bytesOut
		st.event.Response.Error = fmt.Sprintf("upstream status %d", resp.StatusCode)
		st.event.Perf.TTFBMS = ttfb
		s.record(st, resp.StatusCode, bytesOut)
		return
	}

	cross := st.surface != st.plan.Mode
	var bridge sseBridge
	if cross {
		if st.surface == convert.SurfaceChat {
			bridge = convert.NewResponsesToChatBridge("chatcmpl-"+ulid.Make().String(), st.model())
		} else {
			bridge = convert.NewChatToResponsesBridge("resp_"+ulid.Make().String(), st.model())
		}
	}

	// Reader goroutine: upstream lines in arrival order. Closing the channel
	// signals upstream EOF; the request context, which the upstream call was
	// issued with, aborts the read.
	lines := make(chan string, 64)
	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-r.Context().Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			slog.Debug("upstream stream read ended", "error", err)
		}
	}()

	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()

	usage := &streamUsageSniffer{upstreamMode: st.plan.Mode}

	for {
		select {
		case <-r.Context().Done():
			st.event.Response.Status = http.StatusOK
			st.event.Response.SizeBytes = bytesOut
			st.event.Response.Error = "client disconnected"
			st.event.Perf.TTFBMS = ttfb
			st.applyUsage(usage.usage)
			s.record(st, 0, bytesOut)
			return

		case <-keepAlive.C:
			n, _ := fmt.Fprint(w, ": keep-alive\n\n")
			bytesOut += n
			flusher.Flush()

		case line, open := <-lines:
			if !open {
				// Upstream finished. A bridged chat client still needs the
				// sentinel; passthrough forwarded whatever the upstream sent.
				if cross && st.surface == convert.SurfaceChat {
					writeData([]byte("[DONE]"))
				}

				st.event.Response.Status = http.StatusOK
				st.event.Response.SizeBytes = bytesOut
				st.event.Perf.TTFBMS = ttfb
				st.applyUsage(usage.usage)
				s.record(st, http.StatusOK, bytesOut)
				return
			}
			keepAlive.Reset(s.keepAlive)

			if !cross {
				// Same surface: forward the framing untouched.
				n, _ := fmt.Fprintf(w, "%s\n", line)
				bytesOut += n
				if line == "" {
					markFirstByte()
					flusher.Flush()
				}
				if data, ok := strings.CutPrefix(line, "data: "); ok {
					usage.sniff([]byte(data))
				}
				continue
			}

			data, ok := strings.CutPrefix(line, "data: ")
			if !ok {
				continue // event:/id:/comment lines carry no bridged payload
			}
			if data == "[DONE]" {
				continue // terminal framing is re-emitted on our side
			}

			usage.sniff([]byte(data))

			payloads, err := bridge.Next([]byte(data))
			if err != nil {
				slog.Error("SSE bridge failed", "surface", st.surface, "error", err)
				writeData(errorEventPayload(http.StatusBadGateway, nil))
				writeData([]byte("[DONE]"))

				st.event.Response.Status = http.StatusOK
				st.event.Response.SizeBytes = bytesOut
				st.event.Response.Error = "bridge error: " + err.Error()
				st.event.Perf.TTFBMS = ttfb
				s.record(st, http.StatusOK, bytesOut)
				return
			}
			for _, p := range payloads {
				writeData(p)
			}
		}
	}
}

// errorEventPayload builds the error envelope for a streamed error.
func errorEventPayload(status int, body []byte) []byte {
	if len(body) > 0 && json.Valid(body) {
		var probe struct {
			Error json.RawMessage `json:"error"`
		}
		if err := json.Unmarshal(body, &probe); err == nil && len(probe.Error) > 0 {
			payload, _ := json.Marshal(map[string]json.RawMessage{"error": probe.Error})
			return payload
		}
	}

	payload, _ := json.Marshal(errorBody{
		Error: errorDetail{
			Message: fmt.Sprintf("upstream returned status %d", status),
			Type:    kindUpstreamError,
			Code:    "upstream_error",
		},
	})
	return payload
}

// streamUsageSniffer extracts token usage from stream payloads for the
// analytics event: chat chunks report usage on a trailing chunk, responses
// streams inside response.completed.
type streamUsageSniffer struct {
	upstreamMode string
	usage        *convert.ChatUsage
}

func (sn *streamUsageSniffer) sniff(data []byte) {
	if sn.upstreamMode == convert.SurfaceChat {
		var chunk convert.ChatChunk
		if err := json.Unmarshal(data, &chunk); err == nil && chunk.Usage != nil {
			sn.usage = chunk.Usage
		}
		return
	}

	var ev struct {
		Type     string `json:"type"`
		Response *struct {
			Usage *convert.ResponsesUsage `json:"usage"`
		} `json:"response"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return
	}
	if ev.Response != nil && ev.Response.Usage != nil {
		sn.usage = convert.UsageToChat(ev.Response.Usage)
	}
}
