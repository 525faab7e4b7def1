package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/routiium/routiium/internal/keys"
)

// ─── Managed key administration ───

// generateKeyRequest is the JSON body for POST /keys/generate.
type generateKeyRequest struct {
	Label      string     `json:"label,omitempty"`
	TTLSeconds *int       `json:"ttl_seconds,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Scopes     []string   `json:"scopes,omitempty"`
}

// generateKeyResponse is returned once on creation; the full token is never
// shown again.
type generateKeyResponse struct {
	Token string      `json:"token"`
	Key   keys.Record `json:"key"`
}

type keysListResponse struct {
	Keys []keys.Record `json:"keys"`
}

// ListKeys handles GET /keys. Secrets are never part of Record's JSON shape.
func (s *Server) ListKeys(w http.ResponseWriter, r *http.Request) {
	records, err := s.keys.List(r.Context())
	if err != nil {
		slog.Error("list keys failed", "error", err)
		httpResponse(w, fmt.Sprintf("failed to list keys: %v", err), http.StatusInternalServerError)
		return
	}

	if records == nil {
		records = []keys.Record{}
	}

	httpResponseJSON(w, keysListResponse{Keys: records}, http.StatusOK)
}

// GenerateKey handles POST /keys/generate.
func (s *Server) GenerateKey(w http.ResponseWriter, r *http.Request) {
	var req generateKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpResponse(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	token, rec, err := s.keys.Issue(r.Context(), keys.IssueRequest{
		Label:      req.Label,
		TTLSeconds: req.TTLSeconds,
		ExpiresAt:  req.ExpiresAt,
		Scopes:     req.Scopes,
	})
	if err != nil {
		if errors.Is(err, keys.ErrPolicy) {
			httpResponse(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("key generation failed", "error", err)
		httpResponse(w, fmt.Sprintf("failed to generate key: %v", err), http.StatusInternalServerError)
		return
	}

	httpResponseJSON(w, generateKeyResponse{Token: token, Key: *rec}, http.StatusCreated)
}

// RevokeKey handles POST /keys/revoke. Revocation is final.
func (s *Server) RevokeKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		httpResponse(w, "id is required", http.StatusBadRequest)
		return
	}

	if err := s.keys.Revoke(r.Context(), req.ID); err != nil {
		if errors.Is(err, keys.ErrNotFound) {
			httpResponse(w, "key not found", http.StatusNotFound)
			return
		}
		slog.Error("key revocation failed", "id", req.ID, "error", err)
		httpResponse(w, fmt.Sprintf("failed to revoke key: %v", err), http.StatusInternalServerError)
		return
	}

	httpResponse(w, "revoked", http.StatusOK)
}

// SetKeyExpiration handles POST /keys/set_expiration. A null expires_at with
// no ttl_seconds clears the expiry when policy allows it.
func (s *Server) SetKeyExpiration(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID         string     `json:"id"`
		ExpiresAt  *time.Time `json:"expires_at"`
		TTLSeconds *int       `json:"ttl_seconds,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		httpResponse(w, "id is required", http.StatusBadRequest)
		return
	}

	expiresAt := req.ExpiresAt
	if expiresAt == nil && req.TTLSeconds != nil {
		if *req.TTLSeconds <= 0 {
			httpResponse(w, "ttl_seconds must be positive", http.StatusBadRequest)
			return
		}
		t := time.Now().UTC().Add(time.Duration(*req.TTLSeconds) * time.Second)
		expiresAt = &t
	}

	if err := s.keys.SetExpiration(r.Context(), req.ID, expiresAt); err != nil {
		switch {
		case errors.Is(err, keys.ErrNotFound):
			httpResponse(w, "key not found", http.StatusNotFound)
		case errors.Is(err, keys.ErrPolicy):
			httpResponse(w, err.Error(), http.StatusBadRequest)
		default:
			slog.Error("set key expiration failed", "id", req.ID, "error", err)
			httpResponse(w, fmt.Sprintf("failed to set expiration: %v", err), http.StatusInternalServerError)
		}
		return
	}

	httpResponse(w, "expiration updated", http.StatusOK)
}
