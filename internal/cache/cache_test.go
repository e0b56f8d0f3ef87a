package cache

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func newTestCache(ttl time.Duration) (*TTLCache[bool], *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := New[bool](ttl)
	c.now = clock.Now
	return c, clock
}

func TestTTLCache_SetAndGet(t *testing.T) {
	c, _ := newTestCache(time.Hour)
	defer c.Stop()

	c.Set("ab/abcdef", true)
	c.Set("cd/cdef01", false)

	if v, ok := c.Get("ab/abcdef"); !ok || !v {
		t.Errorf("Get(ab/abcdef) = %v, %v; want true, true", v, ok)
	}
	if v, ok := c.Get("cd/cdef01"); !ok || v {
		t.Errorf("Get(cd/cdef01) = %v, %v; want false, true", v, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Error("Expected missing key to be absent")
	}
}

func TestTTLCache_Expiry(t *testing.T) {
	c, clock := newTestCache(time.Hour)
	defer c.Stop()

	c.Set("key", true)

	clock.Advance(59 * time.Minute)
	if _, ok := c.Get("key"); !ok {
		t.Error("Expected key to be live before TTL")
	}

	clock.Advance(time.Minute)
	if _, ok := c.Get("key"); ok {
		t.Error("Expected key to expire at TTL")
	}

	c.sweep()
	if c.Len() != 0 {
		t.Errorf("Expected sweep to remove expired entry, got %d entries", c.Len())
	}
}

func TestTTLCache_DeletePrefix(t *testing.T) {
	c, _ := newTestCache(time.Hour)
	defer c.Stop()

	c.Set("ab/1", true)
	c.Set("ab/2", true)
	c.Set("cd/1", true)

	c.DeletePrefix("ab/")

	if c.Len() != 1 {
		t.Errorf("Expected 1 entry after DeletePrefix, got %d", c.Len())
	}
	if _, ok := c.Get("cd/1"); !ok {
		t.Error("Expected cd/1 to survive")
	}

	c.Delete("cd/1")
	c.Set("x", true)
	c.Clear()
	if c.Len() != 0 {
		t.Errorf("Expected empty cache after Clear, got %d", c.Len())
	}
}

func TestTTLCache_StopTwice(t *testing.T) {
	c := New[int](time.Second)
	c.Stop()
	c.Stop()
}
