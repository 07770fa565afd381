package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localBackends() map[string]Cache {
	config := LocalConfig{
		MaxSize:           100,
		DefaultExpiration: 5 * time.Minute,
		CleanupInterval:   10 * time.Minute,
	}
	return map[string]Cache{
		"lru":     NewLocalCache(config),
		"gocache": NewGoCache(config),
		"layered": NewLayeredCache(NewGoCache(config), config, DefaultOptions()),
	}
}

func TestLocalCache(t *testing.T) {
	ctx := context.Background()
	for name, c := range localBackends() {
		c := c
		t.Run(name, func(t *testing.T) {
			defer c.Close()

			_, ok := c.Get(ctx, "missing")
			assert.False(t, ok)

			require.NoError(t, c.Set(ctx, "test_key", "test_value", time.Minute))
			got, ok := c.Get(ctx, "test_key")
			assert.True(t, ok)
			assert.Equal(t, "test_value", got)

			require.NoError(t, c.Delete(ctx, "test_key"))
			_, ok = c.Get(ctx, "test_key")
			assert.False(t, ok)
		})
	}
}

func TestSetNX(t *testing.T) {
	ctx := context.Background()
	for name, c := range localBackends() {
		c := c
		t.Run(name, func(t *testing.T) {
			ok, err := c.SetNX(ctx, "idem", "1", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = c.SetNX(ctx, "idem", "2", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestLRUEvictsOldest(t *testing.T) {
	c := NewLocalCache(LocalConfig{MaxSize: 2, DefaultExpiration: time.Minute})
	ctx := context.Background()
	c.Set(ctx, "a", "1", 0)
	c.Set(ctx, "b", "2", 0)
	c.Set(ctx, "c", "3", 0)

	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)
	v, ok := c.Get(ctx, "c")
	assert.True(t, ok)
	assert.Equal(t, "3", v)
}

func TestUnsupportedType(t *testing.T) {
	_, err := NewCache(Config{Type: "memcached"})
	assert.Error(t, err)
}
