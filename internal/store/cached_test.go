package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voyagen/popcornguide/internal/cache"
	"github.com/voyagen/popcornguide/internal/logging"
)

func newTestCachedStore(t *testing.T) *CachedStore {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	r, err := cache.New(url)
	require.NoError(t, err)
	require.NoError(t, r.Ping(context.Background()))
	t.Cleanup(func() { r.Close() })
	return NewCachedStore(newTestStore(t), r, logging.Discard())
}

func TestCachedStoreContract(t *testing.T) {
	runStoreContract(t, newTestCachedStore(t))
}

func TestCachedStoreInvalidatesOnFavorite(t *testing.T) {
	s := newTestCachedStore(t)
	ctx := context.Background()
	id := seedPlaylist(t, s, "c1")

	ch, err := s.GetChannel(ctx, id, "c1")
	require.NoError(t, err)
	assert.False(t, ch.IsFavorite)

	require.NoError(t, s.SetChannelFavorite(ctx, id, "c1", true))
	ch, err = s.GetChannel(ctx, id, "c1")
	require.NoError(t, err)
	assert.True(t, ch.IsFavorite)
}

func TestFilterHashDistinguishesFilters(t *testing.T) {
	fav := true
	a := filterHash(ChannelFilter{PlaylistID: "p", Limit: 50})
	b := filterHash(ChannelFilter{PlaylistID: "p", Limit: 50, Favorite: &fav})
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, filterHash(ChannelFilter{PlaylistID: "p", Limit: 50}))
}
