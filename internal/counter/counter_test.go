package counter

import (
	"context"
	"testing"
	"time"

	"github.com/doorman-project/doorman/internal/config"
)

func TestMemoryIncr(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := m.Incr(ctx, "k")
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("Incr = %d, want %d", got, want)
		}
	}
	if got, _ := m.Get(ctx, "k"); got != 3 {
		t.Errorf("Get = %d", got)
	}
}

func TestMemoryExpire(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	m.Incr(ctx, "k")
	m.Expire(ctx, "k", 20*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	if got, _ := m.Get(ctx, "k"); got != 0 {
		t.Errorf("expected expired counter, got %d", got)
	}
	// A fresh increment starts over.
	if got, _ := m.Incr(ctx, "k"); got != 1 {
		t.Errorf("Incr after expiry = %d", got)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	m.Incr(ctx, "a")
	m.Incr(ctx, "a")
	m.Incr(ctx, "b")

	if got, _ := m.Get(ctx, "a"); got != 2 {
		t.Errorf("a = %d", got)
	}
	if got, _ := m.Get(ctx, "b"); got != 1 {
		t.Errorf("b = %d", got)
	}
}

func TestMultiWorkerGateRefusesMemory(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Workers = 4
	cfg.Backend.Mode = config.ModeMem

	if _, err := New(cfg, nil); err == nil {
		t.Fatal("expected refusal for multi-worker in-process backend")
	}
}

func TestSingleWorkerMemoryAllowed(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Workers = 1
	cfg.Backend.Mode = config.ModeMem

	c, err := New(cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	c.Close()
}

func TestDistributedRequiresClient(t *testing.T) {
	cfg := config.Default()
	cfg.Backend.Mode = config.ModeRedis
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("expected error without redis client")
	}
}
