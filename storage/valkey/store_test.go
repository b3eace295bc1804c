package valkey

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lingualeap/apiguard/storage"
)

// testStore creates a test store connected to a local Valkey instance.
// Tests will be skipped if the connection fails.
// Each test gets a unique prefix to ensure test isolation.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	prefix := fmt.Sprintf("apiguardtest:%s:", t.Name())

	store, err := New(Config{
		Address:   addr,
		KeyPrefix: prefix,
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}

	t.Cleanup(func() {
		cleanupTestKeys(t, store)
		store.Close()
	})

	cleanupTestKeys(t, store)
	return store
}

// cleanupTestKeys removes all test keys from Valkey
func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	pattern := s.prefix + "*"

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build(),
		).AsScanEntry()
		if err != nil {
			t.Logf("Warning: failed to scan for cleanup: %v", err)
			return
		}

		for _, key := range result.Elements {
			_ = s.client.Do(ctx, s.client.B().Del().Key(key).Build())
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}
}

func TestNew_RequiresAddress(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("New() with empty address should fail")
	}
}

func TestStore_IncrementWindow(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	rule := storage.WindowRule{Window: time.Minute, MaxRequests: 3, RuleClass: "general"}
	now := time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC)

	for i := 1; i <= 3; i++ {
		entry, ok, err := store.IncrementWindow(ctx, "ip:203.0.113.7", rule, now.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("IncrementWindow() error = %v", err)
		}
		if !ok {
			t.Fatalf("IncrementWindow() hit %d rejected, want accepted", i)
		}
		if entry.Count != i {
			t.Errorf("Count = %d, want %d", entry.Count, i)
		}
		if !entry.WindowStart.Equal(now.Add(time.Second)) {
			t.Errorf("WindowStart = %v, want %v", entry.WindowStart, now.Add(time.Second))
		}
	}

	entry, ok, err := store.IncrementWindow(ctx, "ip:203.0.113.7", rule, now.Add(10*time.Second))
	if err != nil {
		t.Fatalf("IncrementWindow() error = %v", err)
	}
	if ok {
		t.Error("IncrementWindow() over the limit was accepted")
	}
	if entry.Count != 3 {
		t.Errorf("Count after rejection = %d, want 3", entry.Count)
	}

	// next window
	later := now.Add(2 * time.Minute)
	entry, ok, err = store.IncrementWindow(ctx, "ip:203.0.113.7", rule, later)
	if err != nil {
		t.Fatalf("IncrementWindow() error = %v", err)
	}
	if !ok || entry.Count != 1 {
		t.Errorf("IncrementWindow() in new window = (%d, %v), want (1, true)", entry.Count, ok)
	}
	if !entry.WindowStart.Equal(later) {
		t.Errorf("WindowStart = %v, want %v", entry.WindowStart, later)
	}
}

func TestStore_IncrementWindow_MatchesApply(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	rule := storage.WindowRule{Window: 30 * time.Second, MaxRequests: 2, RuleClass: "auth"}
	start := time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC)
	offsets := []time.Duration{0, time.Second, 2 * time.Second, 30 * time.Second, 31 * time.Second, 45 * time.Second}

	var reference storage.RateLimitEntry
	for _, off := range offsets {
		now := start.Add(off)
		wantOK := reference.Apply(rule, now)

		entry, ok, err := store.IncrementWindow(ctx, "user:u1", rule, now)
		if err != nil {
			t.Fatalf("IncrementWindow() error = %v", err)
		}
		if ok != wantOK || entry.Count != reference.Count {
			t.Errorf("at +%v: got (%d, %v), want (%d, %v)", off, entry.Count, ok, reference.Count, wantOK)
		}
	}
}

func TestStore_IncrementWindow_Concurrent(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	rule := storage.WindowRule{Window: time.Minute, MaxRequests: 10, RuleClass: "general"}
	now := time.Now()

	var accepted atomic.Int64
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.IncrementWindow(ctx, "ip:198.51.100.1", rule, now)
			if err != nil {
				t.Errorf("IncrementWindow() error = %v", err)
				return
			}
			if ok {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := accepted.Load(); got != 10 {
		t.Errorf("accepted = %d, want 10", got)
	}
}

func TestStore_RateLimitEntry_PutGetPurge(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)

	if _, err := store.GetRateLimitEntry(ctx, "missing"); !errors.Is(err, storage.ErrRateLimitEntryNotFound) {
		t.Errorf("GetRateLimitEntry() error = %v, want ErrRateLimitEntryNotFound", err)
	}

	fresh := &storage.RateLimitEntry{Key: "fresh", Count: 4, WindowStart: now, Window: time.Minute, MaxRequests: 5, RuleClass: "general"}
	stale := &storage.RateLimitEntry{Key: "stale", Count: 1, WindowStart: now.Add(-10 * time.Minute), Window: time.Minute, MaxRequests: 5, RuleClass: "general"}
	for _, e := range []*storage.RateLimitEntry{fresh, stale} {
		if err := store.PutRateLimitEntry(ctx, e); err != nil {
			t.Fatalf("PutRateLimitEntry() error = %v", err)
		}
	}

	got, err := store.GetRateLimitEntry(ctx, "fresh")
	if err != nil {
		t.Fatalf("GetRateLimitEntry() error = %v", err)
	}
	if got.Count != 4 || got.MaxRequests != 5 || got.Window != time.Minute || got.RuleClass != "general" {
		t.Errorf("GetRateLimitEntry() = %+v, want %+v", got, fresh)
	}
	if !got.WindowStart.Equal(now) {
		t.Errorf("WindowStart = %v, want %v", got.WindowStart, now)
	}

	purged, err := store.PurgeStaleRateLimits(ctx, now)
	if err != nil {
		t.Fatalf("PurgeStaleRateLimits() error = %v", err)
	}
	if purged != 1 {
		t.Errorf("PurgeStaleRateLimits() = %d, want 1", purged)
	}
	if _, err := store.GetRateLimitEntry(ctx, "stale"); !errors.Is(err, storage.ErrRateLimitEntryNotFound) {
		t.Errorf("stale entry still present, err = %v", err)
	}
	if _, err := store.GetRateLimitEntry(ctx, "fresh"); err != nil {
		t.Errorf("fresh entry purged, err = %v", err)
	}
}

func TestStore_Blacklist(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	entry := &storage.BlacklistEntry{
		TokenHash:     "fp-1",
		UserID:        "u1",
		Reason:        "logout",
		BlacklistedAt: now,
		ExpiresAt:     now.Add(time.Hour),
	}

	if err := store.AddToBlacklist(ctx, entry); err != nil {
		t.Fatalf("AddToBlacklist() error = %v", err)
	}

	got, err := store.GetBlacklistEntry(ctx, "fp-1")
	if err != nil {
		t.Fatalf("GetBlacklistEntry() error = %v", err)
	}
	if got.UserID != "u1" || got.Reason != "logout" {
		t.Errorf("GetBlacklistEntry() = %+v, want %+v", got, entry)
	}
	if !got.ExpiresAt.Equal(entry.ExpiresAt) || !got.BlacklistedAt.Equal(entry.BlacklistedAt) {
		t.Errorf("timestamps = (%v, %v), want (%v, %v)", got.BlacklistedAt, got.ExpiresAt, entry.BlacklistedAt, entry.ExpiresAt)
	}

	if _, err := store.GetBlacklistEntry(ctx, "fp-unknown"); !errors.Is(err, storage.ErrBlacklistEntryNotFound) {
		t.Errorf("GetBlacklistEntry() error = %v, want ErrBlacklistEntryNotFound", err)
	}

	ttl, err := store.client.Do(ctx, store.client.B().Ttl().Key(store.blacklistKey("fp-1")).Build()).AsInt64()
	if err != nil {
		t.Fatalf("TTL error = %v", err)
	}
	if ttl <= 0 || ttl > 3600 {
		t.Errorf("TTL = %d, want within (0, 3600]", ttl)
	}
}

func TestStore_Blacklist_RejectsInvalidEntry(t *testing.T) {
	store := testStore(t)

	tests := []struct {
		name  string
		entry *storage.BlacklistEntry
	}{
		{"nil", nil},
		{"empty hash", &storage.BlacklistEntry{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := store.AddToBlacklist(context.Background(), tt.entry); err == nil {
				t.Error("AddToBlacklist() expected error")
			}
		})
	}
}
