package lru

import "testing"

func TestCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := New[int](2)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Get("a")
	c.Put("c", 3)

	if _, ok := c.Get("b"); ok {
		t.Error("least recently used key b was not evicted")
	}
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Errorf("Get(a) = %d, %v, want 1, true", v, ok)
	}
	if c.Evictions() != 1 {
		t.Errorf("Evictions() = %d, want 1", c.Evictions())
	}
}

func TestCache_PutUpdatesValue(t *testing.T) {
	c := New[string](0)
	c.Put("k", "old")
	c.Put("k", "new")

	if v, _ := c.Get("k"); v != "new" {
		t.Errorf("Get(k) = %q, want new", v)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}

func TestCache_PruneAndEach(t *testing.T) {
	c := New[int](10)
	for i, k := range []string{"a", "b", "c", "d"} {
		c.Put(k, i)
	}

	removed := c.Prune(func(_ string, v int) bool { return v%2 == 1 })
	if removed != 2 || c.Len() != 2 {
		t.Errorf("Prune() removed %d, Len() = %d, want 2, 2", removed, c.Len())
	}

	sum := 0
	c.Each(func(_ string, v int) { sum += v })
	if sum != 2 {
		t.Errorf("sum of remaining values = %d, want 2", sum)
	}

	c.Remove("a")
	if _, ok := c.Get("a"); ok {
		t.Error("Get(a) after Remove() found a value")
	}
}
