// Package keys issues and verifies the gateway's opaque managed tokens
// ("sk_<id>.<secret>"). Secrets are never persisted; stores hold a salted
// SHA-256 hash and verification compares in constant time.
package keys

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/worldline-go/types"
)

var (
	// ErrInvalidToken covers malformed tokens, unknown ids, and wrong secrets.
	ErrInvalidToken = errors.New("invalid token")
	// ErrRevoked is returned for tokens whose key was revoked.
	ErrRevoked = errors.New("token revoked")
	// ErrExpired is returned for tokens past their expiry.
	ErrExpired = errors.New("token expired")
	// ErrPolicy is returned when issuance violates the configured policy.
	ErrPolicy = errors.New("key policy violation")
)

const (
	tokenPrefix = "sk_"
	idBytes     = 16 // 32 hex chars
	secretBytes = 32 // 64 hex chars
	saltBytes   = 16
)

// Record is the stored shape of an issued key. The secret itself exists only
// in the token returned once at creation.
type Record struct {
	ID         string                 `json:"id"`
	SecretHash string                 `json:"-"`
	Salt       string                 `json:"-"`
	Label      string                 `json:"label,omitempty"`
	Scopes     types.Slice[string]    `json:"scopes,omitempty"`
	CreatedAt  types.Time             `json:"created_at"`
	ExpiresAt  types.Null[types.Time] `json:"expires_at"` // zero value = no expiry
	RevokedAt  types.Null[types.Time] `json:"revoked_at"` // revocation is final
}

// Expired reports whether the record is past its expiry at t.
func (r *Record) Expired(t time.Time) bool {
	return r.ExpiresAt.Valid && r.ExpiresAt.V.Time.Before(t)
}

// Revoked reports whether the record was revoked.
func (r *Record) Revoked() bool {
	return r.RevokedAt.Valid
}

// Policy controls key issuance.
type Policy struct {
	// RequireExpiration rejects creation without ttl_seconds or expires_at.
	RequireExpiration bool
	// AllowNoExpiration permits explicitly non-expiring keys even when
	// RequireExpiration is on.
	AllowNoExpiration bool
	// DefaultTTLSeconds fills in a TTL when the caller omits one.
	DefaultTTLSeconds int
}

// IssueRequest describes a key to create. TTLSeconds and ExpiresAt are
// mutually exclusive; ExpiresAt wins when both are set.
type IssueRequest struct {
	Label      string
	TTLSeconds *int
	ExpiresAt  *time.Time
	Scopes     []string
}

// Manager verifies and manages keys against a pluggable store.
type Manager struct {
	store  Store
	policy Policy
}

func NewManager(store Store, policy Policy) *Manager {
	return &Manager{store: store, policy: policy}
}

// Store exposes the backing store, for status reporting.
func (m *Manager) Store() Store { return m.store }

// Issue creates a key and returns the full token exactly once, together with
// the stored record.
func (m *Manager) Issue(ctx context.Context, req IssueRequest) (string, *Record, error) {
	expiresAt, err := m.resolveExpiry(req)
	if err != nil {
		return "", nil, err
	}

	id, err := randomHex(idBytes)
	if err != nil {
		return "", nil, fmt.Errorf("generate key id: %w", err)
	}
	secret, err := randomHex(secretBytes)
	if err != nil {
		return "", nil, fmt.Errorf("generate secret: %w", err)
	}
	salt, err := randomHex(saltBytes)
	if err != nil {
		return "", nil, fmt.Errorf("generate salt: %w", err)
	}

	rec := Record{
		ID:         id,
		SecretHash: hashSecret(salt, secret),
		Salt:       salt,
		Label:      req.Label,
		Scopes:     req.Scopes,
		CreatedAt:  types.NewTime(time.Now().UTC()),
	}
	if expiresAt != nil {
		rec.ExpiresAt = types.NewTimeNull(expiresAt.UTC())
	}

	if err := m.store.Put(ctx, rec); err != nil {
		return "", nil, fmt.Errorf("store key: %w", err)
	}

	return tokenPrefix + id + "." + secret, &rec, nil
}

func (m *Manager) resolveExpiry(req IssueRequest) (*time.Time, error) {
	if req.ExpiresAt != nil {
		// expires_at wins over ttl_seconds when both are provided.
		t := *req.ExpiresAt
		return &t, nil
	}

	if req.TTLSeconds != nil {
		if *req.TTLSeconds <= 0 {
			return nil, fmt.Errorf("%w: ttl_seconds must be positive", ErrPolicy)
		}
		t := time.Now().UTC().Add(time.Duration(*req.TTLSeconds) * time.Second)
		return &t, nil
	}

	if m.policy.DefaultTTLSeconds > 0 {
		t := time.Now().UTC().Add(time.Duration(m.policy.DefaultTTLSeconds) * time.Second)
		return &t, nil
	}

	if m.policy.RequireExpiration && !m.policy.AllowNoExpiration {
		return nil, fmt.Errorf("%w: expiration is required (set ttl_seconds or expires_at)", ErrPolicy)
	}

	return nil, nil
}

// Verify checks a full token and returns its record on success.
func (m *Manager) Verify(ctx context.Context, token string) (*Record, error) {
	id, secret, ok := splitToken(token)
	if !ok {
		return nil, ErrInvalidToken
	}

	rec, err := m.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("key lookup: %w", err)
	}

	if rec.Revoked() {
		return nil, ErrRevoked
	}
	if rec.Expired(time.Now().UTC()) {
		return nil, ErrExpired
	}

	if subtle.ConstantTimeCompare([]byte(hashSecret(rec.Salt, secret)), []byte(rec.SecretHash)) != 1 {
		return nil, ErrInvalidToken
	}

	return rec, nil
}

// Revoke marks a key revoked. Revocation is final.
func (m *Manager) Revoke(ctx context.Context, id string) error {
	return m.store.Revoke(ctx, id, time.Now().UTC())
}

// SetExpiration updates a key's expiry; nil clears it (policy permitting).
func (m *Manager) SetExpiration(ctx context.Context, id string, expiresAt *time.Time) error {
	if expiresAt == nil && m.policy.RequireExpiration && !m.policy.AllowNoExpiration {
		return fmt.Errorf("%w: expiration cannot be removed", ErrPolicy)
	}
	return m.store.SetExpiration(ctx, id, expiresAt)
}

// List returns metadata for all keys.
func (m *Manager) List(ctx context.Context) ([]Record, error) {
	return m.store.List(ctx)
}

// DeleteExpired purges keys past their expiry. Called from a background
// sweep goroutine.
func (m *Manager) DeleteExpired(ctx context.Context) (int, error) {
	return m.store.DeleteExpired(ctx, time.Now().UTC())
}

// splitToken parses "sk_<id>.<secret>".
func splitToken(token string) (id, secret string, ok bool) {
	rest, found := strings.CutPrefix(token, tokenPrefix)
	if !found {
		return "", "", false
	}

	id, secret, found = strings.Cut(rest, ".")
	if !found || len(id) != idBytes*2 || secret == "" {
		return "", "", false
	}

	return id, secret, true
}

// hashSecret computes hex(SHA256(salt_bytes || secret)). The secret is
// hashed as the literal token text: hex-decoding it first would make
// verification case-insensitive, letting an a->A bit flip pass.
func hashSecret(salt, secret string) string {
	saltRaw, err := hex.DecodeString(salt)
	if err != nil {
		saltRaw = []byte(salt)
	}

	h := sha256.New()
	h.Write(saltRaw)
	h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil))
}

func randomHex(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}
