package cache

import (
	"context"
	"testing"
	"time"
)

// TestMemorySetAndGet verifies basic round-trip behaviour of the in-process
// backend.
func TestMemorySetAndGet(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(ctx)
	defer c.Close()

	if err := c.Set(ctx, "k", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := c.Get(ctx, "k")
	if !ok || string(got) != "v" {
		t.Fatalf("Get = (%q, %v), want (\"v\", true)", got, ok)
	}

	if _, ok := c.Get(ctx, "missing"); ok {
		t.Fatal("expected miss for absent key")
	}
}

// TestMemoryLazyExpiry verifies that an expired entry is treated as a miss
// and evicted on access.
func TestMemoryLazyExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(ctx)
	defer c.Close()

	if err := c.Set(ctx, "short", []byte("v"), 10*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get(ctx, "short"); ok {
		t.Fatal("expected miss after TTL elapsed")
	}
	if c.Len() != 0 {
		t.Fatalf("expected lazy eviction on access, Len = %d", c.Len())
	}
}

// TestMemoryDelete verifies Delete removes an entry and is a no-op for
// missing keys.
func TestMemoryDelete(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(ctx)
	defer c.Close()

	if err := c.Set(ctx, "k", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("key should be gone after Delete")
	}
	if err := c.Delete(ctx, "never-existed"); err != nil {
		t.Fatalf("Delete of missing key: %v", err)
	}
}

// TestMemoryNonPositiveTTLNotStored verifies that a zero or negative TTL
// means "not cacheable": Set stores nothing instead of picking a default.
func TestMemoryNonPositiveTTLNotStored(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(ctx)
	defer c.Close()

	for _, ttl := range []time.Duration{0, -time.Second} {
		if err := c.Set(ctx, "k", []byte("v"), ttl); err != nil {
			t.Fatalf("Set(ttl=%v): %v", ttl, err)
		}
		if _, ok := c.Get(ctx, "k"); ok {
			t.Fatalf("entry stored despite ttl=%v", ttl)
		}
	}
	if got := c.Len(); got != 0 {
		t.Fatalf("Len = %d, want 0", got)
	}
}
