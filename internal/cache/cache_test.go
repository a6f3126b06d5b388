// SPDX-License-Identifier: MIT

package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSet(t *testing.T) {
	c := New[string](0)

	c.Set("key1", "value1", 5*time.Minute)

	val, ok := c.Get("key1")
	require.True(t, ok, "expected to find key1")
	assert.Equal(t, "value1", val)

	_, ok = c.Get("nonexistent")
	assert.False(t, ok, "expected not to find nonexistent key")
}

func TestExpiration(t *testing.T) {
	c := New[string](0)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("shortlived", "value", 50*time.Millisecond)

	val, ok := c.Get("shortlived")
	require.True(t, ok)
	assert.Equal(t, "value", val)

	// Just before expiry the entry survives.
	now = now.Add(49 * time.Millisecond)
	_, ok = c.Get("shortlived")
	assert.True(t, ok)

	// Past expiry the entry is dropped on read.
	now = now.Add(2 * time.Millisecond)
	_, ok = c.Get("shortlived")
	assert.False(t, ok, "expected key to be expired")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Evictions)
	assert.Equal(t, 0, stats.CurrentSize)
}

func TestLastWins(t *testing.T) {
	c := New[int](0)
	c.Set("k", 1, time.Minute)
	c.Set("k", 2, time.Minute)

	val, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 2, val)
}

func TestDeleteAndClear(t *testing.T) {
	c := New[string](0)

	c.Set("key1", "value1", 5*time.Minute)
	c.Set("key2", "value2", 5*time.Minute)

	c.Delete("key1")
	_, ok := c.Get("key1")
	assert.False(t, ok)

	c.Clear()
	_, ok = c.Get("key2")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats().CurrentSize)
}

func TestStats(t *testing.T) {
	c := New[string](0)

	c.Set("key1", "value1", 5*time.Minute)
	c.Set("key2", "value2", 5*time.Minute)

	c.Get("key1")        // hit
	c.Get("key1")        // hit
	c.Get("nonexistent") // miss

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(2), stats.Sets)
	assert.Equal(t, 2, stats.CurrentSize)
}

func TestJanitor(t *testing.T) {
	c := New[string](20 * time.Millisecond)
	defer c.Stop()

	c.Set("key1", "value1", 10*time.Millisecond)
	c.Set("longLived", "value2", 10*time.Second)

	assert.Eventually(t, func() bool {
		return c.Stats().CurrentSize == 1
	}, time.Second, 10*time.Millisecond, "janitor should sweep expired entry")

	_, ok := c.Get("longLived")
	assert.True(t, ok)
}
