// Package memory implements the link store in process memory.
//
// Used by tests and by --dev mode where no Redis is available. Semantics
// mirror the Redis backend: lazy TTL expiry on read, atomic set-if-absent for
// active pointers, self-healing active reads.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/pairlink/pairlink/internal/store"
)

type entry struct {
	record   store.TokenRecord
	deadline time.Time
}

type pointer struct {
	tokenID  string
	deadline time.Time
}

// Store is an in-process link store.
type Store struct {
	mu      sync.Mutex
	tokens  map[string]entry
	actives map[string]pointer
	now     func() time.Time
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		tokens:  make(map[string]entry),
		actives: make(map[string]pointer),
		now:     time.Now,
	}
}

// SetClock replaces the store's clock. Tests use it to step time past TTLs
// without sleeping.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) CreateToken(ctx context.Context, ttl time.Duration, payload store.TokenPayload, oneTime bool) (string, error) {
	id := store.NewTokenID()
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.tokens[id] = entry{
		record: store.TokenRecord{
			ExpiresAt: now.Add(ttl),
			Payload:   payload,
			OneTime:   oneTime,
		},
		deadline: now.Add(ttl),
	}
	return id, nil
}

func (s *Store) GetToken(ctx context.Context, id string) (store.TokenRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveToken(id)
	if !ok {
		return store.TokenRecord{}, false, nil
	}
	return e.record, true, nil
}

func (s *Store) ShortenToken(ctx context.Context, id string, ttl time.Duration) error {
	if ttl < store.MinShortenTTL {
		ttl = store.MinShortenTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.liveToken(id)
	if !ok {
		return nil
	}
	deadline := s.now().Add(ttl)
	e.deadline = deadline
	e.record.ExpiresAt = deadline
	s.tokens[id] = e
	return nil
}

func (s *Store) SetActiveIfAbsent(ctx context.Context, instance, tokenID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.livePointer(instance); ok {
		return false, nil
	}
	s.actives[instance] = pointer{tokenID: tokenID, deadline: s.now().Add(ttl)}
	return true, nil
}

func (s *Store) SetActive(ctx context.Context, instance, tokenID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actives[instance] = pointer{tokenID: tokenID, deadline: s.now().Add(ttl)}
	return nil
}

func (s *Store) GetActive(ctx context.Context, instance string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.livePointer(instance)
	if !ok {
		return "", false, nil
	}
	e, ok := s.liveToken(p.tokenID)
	if !ok || !e.record.Payload.IsConnect(instance) {
		delete(s.actives, instance)
		return "", false, nil
	}
	return p.tokenID, true, nil
}

func (s *Store) ShortenActive(ctx context.Context, instance string, ttl time.Duration) error {
	if ttl < store.MinShortenTTL {
		ttl = store.MinShortenTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.livePointer(instance)
	if !ok {
		return nil
	}
	p.deadline = s.now().Add(ttl)
	s.actives[instance] = p
	return nil
}

func (s *Store) DeleteToken(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, id)
	return nil
}

func (s *Store) DeleteActive(ctx context.Context, instance string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.actives, instance)
	return nil
}

func (s *Store) ListTokenIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.tokens))
	for id := range s.tokens {
		if _, ok := s.liveToken(id); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *Store) ListActiveInstances(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.actives))
	for name := range s.actives {
		if _, ok := s.livePointer(name); ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// liveToken returns the token entry, expiring it lazily. Caller holds mu.
func (s *Store) liveToken(id string) (entry, bool) {
	e, ok := s.tokens[id]
	if !ok {
		return entry{}, false
	}
	if !s.now().Before(e.deadline) {
		delete(s.tokens, id)
		return entry{}, false
	}
	return e, true
}

// livePointer returns the active pointer, expiring it lazily. Caller holds mu.
func (s *Store) livePointer(instance string) (pointer, bool) {
	p, ok := s.actives[instance]
	if !ok {
		return pointer{}, false
	}
	if !s.now().Before(p.deadline) {
		delete(s.actives, instance)
		return pointer{}, false
	}
	return p, true
}
