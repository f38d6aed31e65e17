// Package idempotency deduplicates workflow submissions carrying an
// X-Idempotency-Key header.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/caseflow/model"
)

// Store remembers the response of a committed submission and reserves keys
// while their submission is running.
type Store interface {
	// Reserve claims key for a new submission. When the key is already
	// saved with the same input hash the stored response is returned with
	// found set. A key reused with a different input hash, or one whose
	// submission is still running, is a CONFLICT.
	Reserve(ctx context.Context, key, inputHash string, ttl time.Duration) (result *model.ActionResponse, found bool, err error)

	// Save records a response under a reserved key for ttl.
	Save(ctx context.Context, key, inputHash string, result model.ActionResponse, ttl time.Duration) error

	// Release drops a reservation whose submission failed so the key can be
	// retried.
	Release(ctx context.Context, key string) error
}

type entry struct {
	InputHash string               `json:"input_hash"`
	Pending   bool                 `json:"pending,omitempty"`
	Result    model.ActionResponse `json:"result"`
}

// resolve interprets an existing entry for a Reserve call.
func (e entry) resolve(key, inputHash string) (*model.ActionResponse, bool, error) {
	if e.InputHash != inputHash {
		return nil, true, model.NewConflictError(fmt.Sprintf("idempotency key %q already used with different input", key))
	}
	if e.Pending {
		return nil, true, model.NewConflictError(fmt.Sprintf("idempotency key %q is in use by a running request", key))
	}
	result := e.Result
	return &result, true, nil
}

// FormatKey scopes a client key to the submitting user.
func FormatKey(userName, key string) string {
	return fmt.Sprintf("idem:workflow:%s:%s", userName, key)
}

// HashInput fingerprints a request body.
func HashInput(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store for tests and single-instance use.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates an in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry), now: time.Now}
}

// Reserve claims key or returns the saved response.
func (s *MemoryStore) Reserve(_ context.Context, key, inputHash string, ttl time.Duration) (*model.ActionResponse, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if e, ok := s.entries[key]; ok && !now.After(e.expiresAt) {
		return e.data.resolve(key, inputHash)
	}
	s.entries[key] = memEntry{
		data:      entry{InputHash: inputHash, Pending: true},
		expiresAt: now.Add(ttl),
	}
	return nil, false, nil
}

// Save records a response with a TTL.
func (s *MemoryStore) Save(_ context.Context, key, inputHash string, result model.ActionResponse, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{
		data:      entry{InputHash: inputHash, Result: result},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// Release drops a pending reservation.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.data.Pending {
		delete(s.entries, key)
	}
	return nil
}

// Len returns the number of live entries, pending ones included. Expired
// entries are dropped.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, k)
		}
	}
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store. Reservations are placeholder values
// written with SET NX.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a Redis-backed idempotency store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Reserve claims key or returns the saved response.
func (s *RedisStore) Reserve(ctx context.Context, key, inputHash string, ttl time.Duration) (*model.ActionResponse, bool, error) {
	placeholder, err := json.Marshal(entry{InputHash: inputHash, Pending: true})
	if err != nil {
		return nil, false, fmt.Errorf("marshal idempotency placeholder: %w", err)
	}

	// A second round covers an existing entry expiring between SETNX and GET.
	for range 2 {
		ok, err := s.client.SetNX(ctx, key, placeholder, ttl).Result()
		if err != nil {
			return nil, false, fmt.Errorf("redis setnx %q: %w", key, err)
		}
		if ok {
			return nil, false, nil
		}

		raw, err := s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, false, fmt.Errorf("redis get %q: %w", key, err)
		}
		var e entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
		}
		return e.resolve(key, inputHash)
	}
	return nil, false, fmt.Errorf("redis reserve %q: key kept expiring", key)
}

// Save records a response with a TTL, replacing the reservation.
func (s *RedisStore) Save(ctx context.Context, key, inputHash string, result model.ActionResponse, ttl time.Duration) error {
	data, err := json.Marshal(entry{InputHash: inputHash, Result: result})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Release deletes the reservation.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}
