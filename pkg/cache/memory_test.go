package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemory_TTL(t *testing.T) {
	now := time.Now()
	c := NewMemory[string, int](time.Minute, 0)
	c.now = func() time.Time { return now }

	c.Set("a", 1, 0)
	c.Set("b", 2, 10*time.Second)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	now = now.Add(30 * time.Second)
	_, ok = c.Get("b")
	assert.False(t, ok, "b expired")
	_, ok = c.Get("a")
	assert.True(t, ok)

	now = now.Add(time.Minute)
	assert.Equal(t, 1, c.CleanupExpired())
	assert.Zero(t, c.Len())
}

func TestMemory_EvictsOldestWhenFull(t *testing.T) {
	now := time.Now()
	c := NewMemory[string, string](time.Hour, 2)
	c.now = func() time.Time { return now }

	c.Set("first", "1", 0)
	now = now.Add(time.Second)
	c.Set("second", "2", 0)
	now = now.Add(time.Second)
	c.Set("second", "2b", 0) // overwrite does not evict
	assert.Equal(t, 2, c.Len())

	c.Set("third", "3", 0)
	_, ok := c.Get("first")
	assert.False(t, ok)
	v, ok := c.Get("second")
	assert.True(t, ok)
	assert.Equal(t, "2b", v)
}

func TestMemory_Delete(t *testing.T) {
	c := NewMemory[int, bool](time.Minute, 0)
	c.Set(1, true, 0)
	c.Delete(1)
	_, ok := c.Get(1)
	assert.False(t, ok)

	stop := c.StartCleanup(time.Millisecond)
	stop()
	stop()
}
