package cache

import (
	"testing"
	"time"
)

func TestGetSetDelete(t *testing.T) {
	c := New(NoExpiration, 0, 0)

	if _, ok := c.Get("a"); ok {
		t.Fatalf("Get on empty cache returned ok")
	}

	c.Set("a", 1, NoExpiration)
	val, ok := c.Get("a")
	if !ok || val.(int) != 1 {
		t.Fatalf("Get = %v, %v; want 1, true", val, ok)
	}

	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Fatalf("Get after Delete returned ok")
	}
}

func TestCapacityEvictsLRU(t *testing.T) {
	c := New(NoExpiration, 0, 2)

	c.Set("a", 1, NoExpiration)
	c.Set("b", 2, NoExpiration)
	c.Get("a") // touch a, making b the least-recently-used
	c.Set("c", 3, NoExpiration)

	if _, ok := c.Get("b"); ok {
		t.Fatalf("b should have been evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("a should still be present")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatalf("c should still be present")
	}
}

func TestPerItemExpiration(t *testing.T) {
	c := New(NoExpiration, 0, 0)

	c.Set("a", 1, 10*time.Millisecond)
	if _, ok := c.Get("a"); !ok {
		t.Fatalf("a should still be present immediately after Set")
	}

	time.Sleep(30 * time.Millisecond)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("a should have expired")
	}
}

func TestDefaultExpiration(t *testing.T) {
	c := New(10*time.Millisecond, 0, 0)

	c.Set("a", 1, DefaultExpiration)
	c.Set("b", 2, NoExpiration)

	time.Sleep(30 * time.Millisecond)
	if _, ok := c.Get("a"); ok {
		t.Fatalf("a should have expired under the cache's default")
	}
	if _, ok := c.Get("b"); !ok {
		t.Fatalf("b was set with NoExpiration and should still be present")
	}
}
