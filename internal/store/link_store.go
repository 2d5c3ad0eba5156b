// Package store defines the shared link store contract.
//
// The store holds two key families: pairing tokens with an opaque payload and
// a native TTL, and one "active link" pointer per instance used to enforce at
// most one live connect link per instance. The store's own TTL is the sole
// expiry authority — a token is valid iff it still exists.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable wraps any transport failure talking to the backing
// store. Callers must treat it as "assume nothing changed, retry next cycle".
var ErrStoreUnavailable = errors.New("link store unavailable")

// PageConnect is the only token page the reconciliation loop issues.
const PageConnect = "connect"

// MinShortenTTL is the floor applied when re-arming a token's TTL.
const MinShortenTTL = 5 * time.Second

// TokenPayload is the opaque payload carried by a pairing token.
type TokenPayload struct {
	Page     string `json:"page"`
	Instance string `json:"instance"`
	APIKey   string `json:"apikey"`
}

// IsConnect reports whether the payload describes a connect link for instance.
// An empty instance matches any.
func (p TokenPayload) IsConnect(instance string) bool {
	if p.Page != PageConnect {
		return false
	}
	return instance == "" || p.Instance == instance
}

// TokenRecord is a stored pairing token.
type TokenRecord struct {
	ExpiresAt time.Time
	Payload   TokenPayload
	OneTime   bool
	UsedAt    time.Time // zero if never used; informational only
}

// LinkStore is the shared, concurrency-safe token and active-pointer store.
//
// SetActiveIfAbsent is the only synchronization primitive the single-active-
// link invariant relies on: it must be a native atomic conditional set (set if
// not exists), never a read-then-write pair.
type LinkStore interface {
	// CreateToken writes a fresh token with the given TTL as a single atomic
	// unit and returns its random URL-safe identifier.
	CreateToken(ctx context.Context, ttl time.Duration, payload TokenPayload, oneTime bool) (string, error)

	// GetToken returns the token and true iff it still exists.
	GetToken(ctx context.Context, id string) (TokenRecord, bool, error)

	// ShortenToken re-arms the token's TTL to max(MinShortenTTL, ttl) and
	// refreshes the informational expiry field. No-op if the token is gone.
	ShortenToken(ctx context.Context, id string, ttl time.Duration) error

	// SetActiveIfAbsent atomically installs tokenID as the active connect
	// link for instance. Returns true on success, false when a pointer
	// already exists.
	SetActiveIfAbsent(ctx context.Context, instance, tokenID string, ttl time.Duration) (bool, error)

	// SetActive installs tokenID unconditionally. Last-resort path for the
	// degenerate case where a conditional set failed with no visible winner.
	SetActive(ctx context.Context, instance, tokenID string, ttl time.Duration) error

	// GetActive returns the active token ID for instance, if its target
	// token still exists and is a connect token for the same instance.
	// Stale pointers are deleted on read.
	GetActive(ctx context.Context, instance string) (string, bool, error)

	// ShortenActive re-arms the active pointer's TTL to max(MinShortenTTL, ttl).
	ShortenActive(ctx context.Context, instance string, ttl time.Duration) error

	DeleteToken(ctx context.Context, id string) error
	DeleteActive(ctx context.Context, instance string) error

	// ListTokenIDs and ListActiveInstances enumerate stored keys, unordered.
	// Used only by orphan cleanup.
	ListTokenIDs(ctx context.Context) ([]string, error)
	ListActiveInstances(ctx context.Context) ([]string, error)

	// Ping verifies store reachability. Used by the doctor command.
	Ping(ctx context.Context) error
}
