package syncutil

import (
	"testing"
	"time"
)

func TestTTLCache_GetSet(t *testing.T) {
	c := NewTTLCache[int](time.Minute, 10)
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected miss on empty cache")
	}
	c.Set("a", 1)
	v, ok := c.Get("a")
	if !ok || v != 1 {
		t.Fatalf("expected hit with 1, got %v %v", v, ok)
	}
}

func TestTTLCache_Expiry(t *testing.T) {
	c := NewTTLCache[string](time.Minute, 10)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("a", "x")
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected hit before expiry")
	}

	now = now.Add(2 * time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected miss after expiry")
	}
}

func TestTTLCache_Bounded(t *testing.T) {
	c := NewTTLCache[int](time.Minute, 3)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)
	c.Set("d", 4)
	if c.Len() > 3 {
		t.Fatalf("expected at most 3 entries, got %d", c.Len())
	}
	if v, ok := c.Get("d"); !ok || v != 4 {
		t.Fatal("expected the newest entry to survive eviction")
	}
}

func TestTTLCache_EvictsExpiredFirst(t *testing.T) {
	c := NewTTLCache[int](time.Minute, 2)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("old", 1)
	now = now.Add(2 * time.Minute)
	c.Set("fresh", 2)
	c.Set("newer", 3)

	if _, ok := c.Get("fresh"); !ok {
		t.Fatal("expected the unexpired entry to survive")
	}
	if _, ok := c.Get("old"); ok {
		t.Fatal("expected the expired entry to be gone")
	}
}

func TestTTLCache_DeletePrefixAndPurge(t *testing.T) {
	c := NewTTLCache[int](time.Minute, 10)
	c.Set("ten_a|users", 1)
	c.Set("ten_a|storage", 2)
	c.Set("ten_b|users", 3)

	c.DeletePrefix("ten_a|")
	if _, ok := c.Get("ten_a|users"); ok {
		t.Fatal("expected prefix delete to remove ten_a entries")
	}
	if _, ok := c.Get("ten_b|users"); !ok {
		t.Fatal("expected other tenants to be untouched")
	}

	c.Purge()
	if c.Len() != 0 {
		t.Fatalf("expected empty cache after purge, got %d", c.Len())
	}
}
