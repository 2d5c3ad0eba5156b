// Package redisdb implements the link store on Redis.
//
// Layout (compatible with the deployed key schema):
//
//	token:{id}                  hash: expires_at, payload, one_time, used_at; native TTL
//	connect_active:{instance}   scalar value = token id; native TTL
//
// Redis TTLs are the sole expiry authority. The single-active-link invariant
// rests on SET NX for the connect_active key.
package redisdb

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pairlink/pairlink/internal/store"
)

const (
	tokenPrefix  = "token:"
	activePrefix = "connect_active:"
	scanCount    = 200
)

// Store is a Redis-backed link store.
type Store struct {
	client *redis.Client
}

// New connects to the Redis instance at url (redis://host:port/db).
func New(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Store{client: redis.NewClient(opts)}, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *Store) CreateToken(ctx context.Context, ttl time.Duration, payload store.TokenPayload, oneTime bool) (string, error) {
	id := store.NewTokenID()
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal token payload: %w", err)
	}

	oneTimeFlag := "0"
	if oneTime {
		oneTimeFlag = "1"
	}
	key := tokenKey(id)

	// HSet and Expire run as one transaction so no TTL-less token is ever
	// visible to other readers.
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"expires_at": strconv.FormatInt(time.Now().Add(ttl).Unix(), 10),
		"payload":    string(raw),
		"one_time":   oneTimeFlag,
		"used_at":    "",
	})
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", unavailable("create token", err)
	}
	return id, nil
}

func (s *Store) GetToken(ctx context.Context, id string) (store.TokenRecord, bool, error) {
	h, err := s.client.HGetAll(ctx, tokenKey(id)).Result()
	if err != nil {
		return store.TokenRecord{}, false, unavailable("get token", err)
	}
	if len(h) == 0 {
		// HGetAll returns an empty map for missing keys.
		return store.TokenRecord{}, false, nil
	}
	return recordFromHash(h), true, nil
}

func (s *Store) ShortenToken(ctx context.Context, id string, ttl time.Duration) error {
	if ttl < store.MinShortenTTL {
		ttl = store.MinShortenTTL
	}
	key := tokenKey(id)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return unavailable("shorten token", err)
	}
	if exists == 0 {
		return nil
	}

	pipe := s.client.TxPipeline()
	pipe.Expire(ctx, key, ttl)
	pipe.HSet(ctx, key, "expires_at", strconv.FormatInt(time.Now().Add(ttl).Unix(), 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("shorten token", err)
	}
	return nil
}

func (s *Store) SetActiveIfAbsent(ctx context.Context, instance, tokenID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, activeKey(instance), tokenID, ttl).Result()
	if err != nil {
		return false, unavailable("set active nx", err)
	}
	return ok, nil
}

func (s *Store) SetActive(ctx context.Context, instance, tokenID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, activeKey(instance), tokenID, ttl).Err(); err != nil {
		return unavailable("set active", err)
	}
	return nil
}

// GetActive is a self-healing read: a pointer whose token is gone, or whose
// token no longer describes a connect link for this instance, is deleted and
// reported absent.
func (s *Store) GetActive(ctx context.Context, instance string) (string, bool, error) {
	id, err := s.client.Get(ctx, activeKey(instance)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, unavailable("get active", err)
	}

	rec, ok, err := s.GetToken(ctx, id)
	if err != nil {
		return "", false, err
	}
	if !ok || !rec.Payload.IsConnect(instance) {
		s.client.Del(ctx, activeKey(instance))
		return "", false, nil
	}
	return id, true, nil
}

func (s *Store) ShortenActive(ctx context.Context, instance string, ttl time.Duration) error {
	if ttl < store.MinShortenTTL {
		ttl = store.MinShortenTTL
	}
	if err := s.client.Expire(ctx, activeKey(instance), ttl).Err(); err != nil {
		return unavailable("shorten active", err)
	}
	return nil
}

func (s *Store) DeleteToken(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, tokenKey(id)).Err(); err != nil {
		return unavailable("delete token", err)
	}
	return nil
}

func (s *Store) DeleteActive(ctx context.Context, instance string) error {
	if err := s.client.Del(ctx, activeKey(instance)).Err(); err != nil {
		return unavailable("delete active", err)
	}
	return nil
}

func (s *Store) ListTokenIDs(ctx context.Context) ([]string, error) {
	return s.scanSuffixes(ctx, tokenPrefix)
}

func (s *Store) ListActiveInstances(ctx context.Context) ([]string, error) {
	return s.scanSuffixes(ctx, activePrefix)
}

// scanSuffixes walks prefix* with SCAN and returns key names with the prefix
// stripped. No ordering guarantee.
func (s *Store) scanSuffixes(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, prefix+"*", scanCount).Result()
		if err != nil {
			return nil, unavailable("scan "+prefix, err)
		}
		for _, k := range keys {
			out = append(out, strings.TrimPrefix(k, prefix))
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

func tokenKey(id string) string { return tokenPrefix + id }

func activeKey(instance string) string { return activePrefix + instance }

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, store.ErrStoreUnavailable, err)
}

// recordFromHash maps the stored hash fields onto a TokenRecord. Unparsable
// fields degrade to zero values; the payload keeps whatever parsed.
func recordFromHash(h map[string]string) store.TokenRecord {
	var rec store.TokenRecord
	if v, err := strconv.ParseInt(h["expires_at"], 10, 64); err == nil && v > 0 {
		rec.ExpiresAt = time.Unix(v, 0)
	}
	if v, err := strconv.ParseInt(h["used_at"], 10, 64); err == nil && v > 0 {
		rec.UsedAt = time.Unix(v, 0)
	}
	rec.OneTime = h["one_time"] == "1"
	json.Unmarshal([]byte(h["payload"]), &rec.Payload)
	return rec
}
