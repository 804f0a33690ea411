package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCreateIsIdempotent(t *testing.T) {
	r := NewRegistry(NewMemoryStore(), Options{})
	defer r.Close()

	a, err := r.Create("one")
	require.NoError(t, err)
	b, err := r.Create("one")
	require.NoError(t, err)
	assert.Same(t, a, b)

	got, ok := r.Get("one")
	assert.True(t, ok)
	assert.Same(t, a, got)
}

func TestRegistryLoadRediscoversCaches(t *testing.T) {
	store := NewMemoryStore()

	first := NewRegistry(store, Options{})
	for _, id := range []FileID{"alpha", "beta"} {
		c, err := first.Create(id)
		require.NoError(t, err)
		require.NoError(t, c.SetInfo(testInfo(id)))
	}
	c, _ := first.Get("alpha")
	require.NoError(t, c.StoreChunk(0, chunkBytes(t, testInfo("alpha"), 0)))

	// A fresh registry over the same store sees both files.
	second := NewRegistry(store, Options{})
	require.NoError(t, second.Load(context.Background()))
	assert.Equal(t, []FileID{"alpha", "beta"}, second.List())

	reloaded, ok := second.Get("alpha")
	require.True(t, ok)
	keys, err := reloaded.GetCachedKeys()
	require.NoError(t, err)
	assert.Equal(t, []int{0}, keys)
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry(NewMemoryStore(), Options{})
	defer r.Close()

	c, err := r.Create("gone")
	require.NoError(t, err)
	require.NoError(t, c.SetInfo(testInfo("gone")))

	var cleaned []FileID
	r.OnCleanup(func(id FileID) { cleaned = append(cleaned, id) })

	require.NoError(t, r.Remove("gone"))
	_, ok := r.Get("gone")
	assert.False(t, ok)
	assert.Equal(t, []FileID{"gone"}, cleaned)

	assert.NoError(t, r.Remove("never-existed"))
}

func TestRegistryForwardsUpdates(t *testing.T) {
	r := NewRegistry(NewMemoryStore(), Options{})
	defer r.Close()

	var updated []FileID
	r.OnUpdate(func(id FileID) { updated = append(updated, id) })

	c, err := r.Create("watched")
	require.NoError(t, err)
	require.NoError(t, c.SetInfo(testInfo("watched")))

	assert.Equal(t, []FileID{"watched"}, updated)
}
