package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/routiium/routiium/internal/convert"
)

// Convert handles POST /convert: a Chat Completions request in, the
// equivalent Responses request out. Nothing is forwarded and no auth is
// required; the endpoint exists so clients can inspect the translation.
func (s *Server) Convert(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpError(w, http.StatusBadRequest, kindInvalidRequest, "read_error", "failed to read request body")
		return
	}

	var req convert.ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpError(w, http.StatusBadRequest, kindInvalidRequest, "invalid_body", "invalid JSON: "+err.Error())
		return
	}

	prompts := s.getPrompts()
	out, err := convert.ChatToResponsesRequest(&req, convert.RequestOptions{
		ExtractInstructions: prompts.ExtractInstructions,
		Conversation:        r.URL.Query().Get("conversation_id"),
	})
	if err != nil {
		var invalid *convert.InvalidRequestError
		if errors.As(err, &invalid) {
			httpError(w, http.StatusBadRequest, kindInvalidRequest, "invalid_body", err.Error())
			return
		}
		httpError(w, http.StatusInternalServerError, kindInternal, "convert_error", err.Error())
		return
	}

	httpResponseJSON(w, out, http.StatusOK)
}
