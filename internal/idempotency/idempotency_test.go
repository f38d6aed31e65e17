package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/caseflow/model"
)

func testResponse() model.ActionResponse {
	return model.ActionResponse{
		Message:      "2 actions executed",
		RedirectURLs: []string{"/alerts/1", "/alerts/2"},
	}
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

// storeContract runs the behaviour shared by every Store implementation.
func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	key := FormatKey("alice", "k1")

	result, found, err := s.Reserve(ctx, key, "hash-a", time.Minute)
	if err != nil || found || result != nil {
		t.Fatalf("Reserve(empty) = %v, %v, %v", result, found, err)
	}

	_, found, err = s.Reserve(ctx, key, "hash-a", time.Minute)
	if !found || !model.HasCode(err, model.ErrConflict) {
		t.Errorf("Reserve(pending) = %v, %v, want CONFLICT", found, err)
	}

	if err := s.Save(ctx, key, "hash-a", testResponse(), time.Minute); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	result, found, err = s.Reserve(ctx, key, "hash-a", time.Minute)
	if err != nil {
		t.Fatalf("Reserve error: %v", err)
	}
	if !found || result == nil {
		t.Fatal("saved response not found")
	}
	if len(result.RedirectURLs) != 2 || result.RedirectURLs[1] != "/alerts/2" {
		t.Errorf("RedirectURLs = %v", result.RedirectURLs)
	}

	_, found, err = s.Reserve(ctx, key, "hash-b", time.Minute)
	if !found {
		t.Error("found = false on hash mismatch, want true")
	}
	if !model.HasCode(err, model.ErrConflict) {
		t.Errorf("error = %v, want CONFLICT", err)
	}
}

// releaseContract checks that a released reservation can be claimed again.
func releaseContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, _, err := s.Reserve(ctx, "k", "h", time.Minute); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := s.Release(ctx, "k"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	result, found, err := s.Reserve(ctx, "k", "h", time.Minute)
	if err != nil || found || result != nil {
		t.Fatalf("Reserve after release = %v, %v, %v", result, found, err)
	}
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
	releaseContract(t, NewMemoryStore())
}

func TestMemoryStore_expiry(t *testing.T) {
	s := NewMemoryStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	if err := s.Save(ctx, "k", "h", testResponse(), time.Second); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Second)
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0 (expired entry removed)", s.Len())
	}
	_, found, err := s.Reserve(ctx, "k", "h", time.Second)
	if err != nil || found {
		t.Fatalf("Reserve after expiry = %v, %v", found, err)
	}
}

func TestMemoryStore_releaseKeepsSavedResponse(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.Save(ctx, "k", "h", testResponse(), time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := s.Release(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := s.Reserve(ctx, "k", "h", time.Minute); !found {
		t.Error("saved response dropped by Release")
	}
}

func TestMemoryStore_concurrentReserve(t *testing.T) {
	s := NewMemoryStore()
	const callers = 16

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, found, err := s.Reserve(context.Background(), "k", "h", time.Minute); err == nil && !found {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	if n := winners.Load(); n != 1 {
		t.Errorf("reservations granted = %d, want 1", n)
	}
}

func TestRedisStore(t *testing.T) {
	_, client := newTestRedis(t)
	storeContract(t, NewRedisStore(client))
}

func TestRedisStore_release(t *testing.T) {
	_, client := newTestRedis(t)
	releaseContract(t, NewRedisStore(client))
}

func TestRedisStore_reservationExpires(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedisStore(client)
	ctx := context.Background()

	if _, _, err := s.Reserve(ctx, "k", "h", time.Second); err != nil {
		t.Fatal(err)
	}
	if ttl := mr.TTL("k"); ttl != time.Second {
		t.Errorf("placeholder TTL = %v, want 1s", ttl)
	}
	mr.FastForward(2 * time.Second)
	_, found, err := s.Reserve(ctx, "k", "h", time.Second)
	if err != nil || found {
		t.Fatalf("Reserve after expiry = %v, %v", found, err)
	}
}

func TestRedisStore_corruptEntry(t *testing.T) {
	mr, client := newTestRedis(t)
	if err := mr.Set("k", "not json"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := NewRedisStore(client).Reserve(context.Background(), "k", "h", time.Minute); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestHashInput(t *testing.T) {
	a := HashInput([]byte(`[{"actionCode":"close"}]`))
	b := HashInput([]byte(`[{"actionCode":"close"}]`))
	c := HashInput([]byte(`[{"actionCode":"open"}]`))
	if a != b || a == c || len(a) != 64 {
		t.Errorf("hashes a=%s b=%s c=%s", a, b, c)
	}
}
