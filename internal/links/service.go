// Package links owns the pairing-link lifecycle: issuing connect links with
// at most one live link per instance, shortening them once the device pairs,
// and sweeping links whose instance no longer exists upstream.
package links

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pairlink/pairlink/internal/store"
)

// DefaultConnectedTTL is how long a link survives after its instance reports
// connected. Short on purpose: the link has done its job.
const DefaultConnectedTTL = 30 * time.Second

// Service manages connect links against the shared store.
type Service struct {
	store   store.LinkStore
	baseURL string
}

// NewService creates a link service. baseURL is the public address of the
// pairing page; when empty, links are rendered as relative paths.
func NewService(st store.LinkStore, baseURL string) *Service {
	return &Service{store: st, baseURL: baseURL}
}

// GetOrCreateConnectLink returns the live connect link for instance, creating
// one when none exists. Exactly one link is live per instance at any time; the
// store's conditional set is the only synchronization primitive used.
//
// created is true only when this call issued the returned token.
func (s *Service) GetOrCreateConnectLink(ctx context.Context, instance, apiKey string, ttl time.Duration) (token, url string, created bool, err error) {
	// Common path: a live link already exists, return it unchanged so
	// polling never spams new links.
	if existing, ok, err := s.store.GetActive(ctx, instance); err != nil {
		return "", "", false, fmt.Errorf("read active link: %w", err)
	} else if ok {
		return existing, s.BuildLink(existing), false, nil
	}

	payload := store.TokenPayload{Page: store.PageConnect, Instance: instance, APIKey: apiKey}
	tok, err := s.store.CreateToken(ctx, ttl, payload, false)
	if err != nil {
		return "", "", false, fmt.Errorf("create connect token: %w", err)
	}

	won, err := s.store.SetActiveIfAbsent(ctx, instance, tok, ttl)
	if err != nil {
		return "", "", false, fmt.Errorf("install active link: %w", err)
	}
	if won {
		return tok, s.BuildLink(tok), true, nil
	}

	// Race lost: a concurrent writer installed a link between our read and
	// the conditional set. Adopt the winner and dispose of our token.
	if winner, ok, err := s.store.GetActive(ctx, instance); err != nil {
		return "", "", false, fmt.Errorf("re-read active link: %w", err)
	} else if ok {
		if err := s.store.DeleteToken(ctx, tok); err != nil {
			slog.Warn("race-loser token cleanup failed, TTL will collect it",
				"instance", instance, "error", err)
		}
		return winner, s.BuildLink(winner), false, nil
	}

	// The conditional set failed yet no winner is visible. Should not
	// happen with a healthy store; force-install our token rather than
	// leave the instance without a link.
	slog.Warn("active link set-if-absent failed with no visible winner, force-setting",
		"instance", instance)
	if err := s.store.SetActive(ctx, instance, tok, ttl); err != nil {
		return "", "", false, fmt.Errorf("force-set active link: %w", err)
	}
	return tok, s.BuildLink(tok), true, nil
}

// ValidateToken reports whether id is a live connect token and returns its
// payload. The front-end calls this on every page hit and poll.
func (s *Service) ValidateToken(ctx context.Context, id string) (store.TokenPayload, bool) {
	if id == "" {
		return store.TokenPayload{}, false
	}
	rec, ok, err := s.store.GetToken(ctx, id)
	if err != nil {
		slog.Warn("token validation failed", "error", err)
		return store.TokenPayload{}, false
	}
	if !ok || !rec.Payload.IsConnect("") {
		return store.TokenPayload{}, false
	}
	return rec.Payload, true
}

// ShortenAfterConnected shrinks the token's remaining TTL once its instance
// reports connected, closing the exposure window, and keeps the instance's
// active pointer in step. Best-effort: failures are logged and swallowed so
// the caller's flow is never aborted.
func (s *Service) ShortenAfterConnected(ctx context.Context, id string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultConnectedTTL
	}

	rec, ok, err := s.store.GetToken(ctx, id)
	if err != nil || !ok {
		return
	}

	if err := s.store.ShortenToken(ctx, id, ttl); err != nil {
		slog.Warn("shorten token failed", "error", err)
		return
	}
	if rec.Payload.IsConnect("") && rec.Payload.Instance != "" {
		if err := s.store.ShortenActive(ctx, rec.Payload.Instance, ttl); err != nil {
			slog.Warn("shorten active pointer failed",
				"instance", rec.Payload.Instance, "error", err)
		}
	}
}

// CleanupOrphans removes active pointers and tokens whose instance is not in
// validNames, plus tokens with a missing or unparsable payload. Returns how
// many keys were removed. Runs once per reconciliation cycle.
func (s *Service) CleanupOrphans(ctx context.Context, validNames []string) int {
	valid := make(map[string]bool, len(validNames))
	for _, n := range validNames {
		valid[n] = true
	}

	removed := 0

	actives, err := s.store.ListActiveInstances(ctx)
	if err != nil {
		slog.Warn("orphan cleanup: listing active pointers failed", "error", err)
	}
	for _, name := range actives {
		if valid[name] {
			continue
		}
		if err := s.store.DeleteActive(ctx, name); err != nil {
			slog.Warn("orphan cleanup: delete active failed", "instance", name, "error", err)
			continue
		}
		slog.Info("orphan active link removed", "instance", name)
		removed++
	}

	tokens, err := s.store.ListTokenIDs(ctx)
	if err != nil {
		slog.Warn("orphan cleanup: listing tokens failed", "error", err)
	}
	for _, id := range tokens {
		rec, ok, err := s.store.GetToken(ctx, id)
		if err != nil {
			continue
		}
		if ok && rec.Payload.Instance != "" && valid[rec.Payload.Instance] {
			continue
		}
		if !ok {
			// Expired between list and read; nothing to delete.
			continue
		}
		if err := s.store.DeleteToken(ctx, id); err != nil {
			slog.Warn("orphan cleanup: delete token failed", "error", err)
			continue
		}
		slog.Info("orphan token removed", "instance", rec.Payload.Instance)
		removed++
	}

	return removed
}

// BuildLink renders the public pairing URL for a token.
func (s *Service) BuildLink(token string) string {
	if s.baseURL == "" {
		return "/?t=" + token
	}
	return s.baseURL + "?t=" + token
}
