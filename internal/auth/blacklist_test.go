package auth

import (
	"context"
	"testing"
	"time"
)

func TestBlacklistAddContains(t *testing.T) {
	b := NewMemoryBlacklist()
	ctx := context.Background()

	b.Add(ctx, "alice", "jti-1", time.Now().Add(time.Hour))

	if ok, _ := b.Contains(ctx, "alice", "jti-1"); !ok {
		t.Error("expected hit")
	}
	if ok, _ := b.Contains(ctx, "alice", "jti-2"); ok {
		t.Error("unexpected hit for different jti")
	}
	if ok, _ := b.Contains(ctx, "bob", "jti-1"); ok {
		t.Error("unexpected hit for different user")
	}
}

func TestBlacklistEntryExpires(t *testing.T) {
	b := NewMemoryBlacklist()
	ctx := context.Background()

	b.Add(ctx, "alice", "jti-1", time.Now().Add(10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	if ok, _ := b.Contains(ctx, "alice", "jti-1"); ok {
		t.Error("entry should no longer block after token expiry")
	}
}

func TestPurgeExpired(t *testing.T) {
	b := NewMemoryBlacklist()
	ctx := context.Background()
	now := time.Now()

	b.Add(ctx, "alice", "old-1", now.Add(-time.Minute))
	b.Add(ctx, "alice", "old-2", now.Add(-time.Second))
	b.Add(ctx, "alice", "live", now.Add(time.Hour))
	b.Add(ctx, "bob", "old-3", now.Add(-time.Hour))

	purged := b.PurgeExpired(ctx)
	if purged != 3 {
		t.Errorf("purged = %d, want 3", purged)
	}
	if ok, _ := b.Contains(ctx, "alice", "live"); !ok {
		t.Error("live entry lost during purge")
	}
	// bob's heap drained entirely; his bucket is gone.
	if ok, _ := b.Contains(ctx, "bob", "old-3"); ok {
		t.Error("expired entry survived purge")
	}
}

func TestDuplicateAddIsIdempotent(t *testing.T) {
	b := NewMemoryBlacklist()
	ctx := context.Background()
	exp := time.Now().Add(time.Hour)

	b.Add(ctx, "alice", "jti-1", exp)
	b.Add(ctx, "alice", "jti-1", exp)

	if got := b.PurgeExpired(ctx); got != 0 {
		t.Errorf("purged %d from live entries", got)
	}
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if hash == "hunter2" {
		t.Fatal("hash equals plaintext")
	}
	if !CheckPassword("hunter2", hash) {
		t.Error("correct password rejected")
	}
	if CheckPassword("wrong", hash) {
		t.Error("wrong password accepted")
	}
}
