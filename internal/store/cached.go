package store

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/voyagen/popcornguide/internal/cache"
	"github.com/voyagen/popcornguide/internal/models"
)

// Cache TTLs for different entity types.
const (
	ttlPlaylists  = 2 * time.Minute
	ttlPlaylist   = 5 * time.Minute
	ttlCategories = 5 * time.Minute
	ttlChannels   = 1 * time.Minute
	ttlChannel    = 5 * time.Minute
)

// CachedStore wraps a Store with a Redis read-through layer for playlists,
// categories and channels. Programs, history and settings are time-sensitive
// and always go to the inner store.
type CachedStore struct {
	Store
	cache *cache.Redis
	log   *logrus.Entry
}

// NewCachedStore creates a CachedStore that wraps inner with Redis caching.
func NewCachedStore(inner Store, c *cache.Redis, log *logrus.Entry) *CachedStore {
	return &CachedStore{Store: inner, cache: c, log: log.WithField("component", "cache")}
}

func playlistKey(id string) string { return "playlist:" + id }

func categoriesKey(playlistID string) string { return "categories:" + playlistID }

func channelKey(playlistID, channelID string) string {
	return "channel:" + playlistID + ":" + channelID
}

// readThrough serves key from Redis or loads and stores it.
func readThrough[T any](ctx context.Context, c *CachedStore, key string, ttl time.Duration, load func() (T, error)) (T, error) {
	if v, err := cache.Get[T](ctx, c.cache, key); err == nil {
		return v, nil
	} else if !cache.IsMiss(err) {
		c.log.WithError(err).WithField("key", key).Warn("cache get failed")
	}
	v, err := load()
	if err != nil {
		return v, err
	}
	if err := cache.Set(ctx, c.cache, key, v, ttl); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("cache set failed")
	}
	return v, nil
}

// --- cached read operations ---

func (c *CachedStore) ListPlaylists(ctx context.Context) ([]models.Playlist, error) {
	return readThrough(ctx, c, "playlists:all", ttlPlaylists, func() ([]models.Playlist, error) {
		return c.Store.ListPlaylists(ctx)
	})
}

func (c *CachedStore) GetPlaylist(ctx context.Context, playlistID string) (*models.Playlist, error) {
	return readThrough(ctx, c, playlistKey(playlistID), ttlPlaylist, func() (*models.Playlist, error) {
		return c.Store.GetPlaylist(ctx, playlistID)
	})
}

func (c *CachedStore) ListCategories(ctx context.Context, playlistID string) ([]models.Category, error) {
	return readThrough(ctx, c, categoriesKey(playlistID), ttlCategories, func() ([]models.Category, error) {
		return c.Store.ListCategories(ctx, playlistID)
	})
}

// channelListResult is a helper type to cache the ListChannels tuple.
type channelListResult struct {
	Channels []models.Channel `json:"channels"`
	Total    int              `json:"total"`
}

func (c *CachedStore) ListChannels(ctx context.Context, filter ChannelFilter) ([]models.Channel, int, error) {
	key := fmt.Sprintf("channels:%s:%s", filter.PlaylistID, filterHash(filter))
	v, err := readThrough(ctx, c, key, ttlChannels, func() (channelListResult, error) {
		channels, total, err := c.Store.ListChannels(ctx, filter)
		return channelListResult{Channels: channels, Total: total}, err
	})
	if err != nil {
		return nil, 0, err
	}
	return v.Channels, v.Total, nil
}

func (c *CachedStore) GetChannel(ctx context.Context, playlistID, channelID string) (*models.Channel, error) {
	return readThrough(ctx, c, channelKey(playlistID, channelID), ttlChannel, func() (*models.Channel, error) {
		return c.Store.GetChannel(ctx, playlistID, channelID)
	})
}

// --- write operations with cache invalidation ---

func (c *CachedStore) CreatePlaylist(ctx context.Context, p *models.Playlist, categories []models.Category, channels []models.Channel) error {
	if err := c.Store.CreatePlaylist(ctx, p, categories, channels); err != nil {
		return err
	}
	c.invalidate(ctx, "playlists:all")
	return nil
}

func (c *CachedStore) ReplacePlaylistChannels(ctx context.Context, playlistID string, guideURL *string, categories []models.Category, channels []models.Channel) error {
	if err := c.Store.ReplacePlaylistChannels(ctx, playlistID, guideURL, categories, channels); err != nil {
		return err
	}
	c.invalidatePlaylist(ctx, playlistID)
	return nil
}

func (c *CachedStore) UpdatePlaylist(ctx context.Context, playlistID string, fields PlaylistUpdate) error {
	if err := c.Store.UpdatePlaylist(ctx, playlistID, fields); err != nil {
		return err
	}
	c.invalidate(ctx, playlistKey(playlistID), "playlists:all")
	return nil
}

func (c *CachedStore) DeletePlaylist(ctx context.Context, playlistID string) error {
	if err := c.Store.DeletePlaylist(ctx, playlistID); err != nil {
		return err
	}
	c.invalidatePlaylist(ctx, playlistID)
	return nil
}

func (c *CachedStore) SetChannelFavorite(ctx context.Context, playlistID, channelID string, favorite bool) error {
	if err := c.Store.SetChannelFavorite(ctx, playlistID, channelID, favorite); err != nil {
		return err
	}
	c.invalidate(ctx, channelKey(playlistID, channelID))
	c.invalidatePattern(ctx, "channels:"+playlistID+":*")
	return nil
}

// RecordPlay stamps last_watched_at, so cached channel rows go stale.
func (c *CachedStore) RecordPlay(ctx context.Context, playlistID, channelID string, at time.Time) error {
	if err := c.Store.RecordPlay(ctx, playlistID, channelID, at); err != nil {
		return err
	}
	c.invalidate(ctx, channelKey(playlistID, channelID))
	c.invalidatePattern(ctx, "channels:"+playlistID+":*")
	return nil
}

// --- helpers ---

func (c *CachedStore) invalidatePlaylist(ctx context.Context, playlistID string) {
	c.invalidate(ctx, playlistKey(playlistID), "playlists:all", categoriesKey(playlistID))
	c.invalidatePattern(ctx, "channels:"+playlistID+":*", "channel:"+playlistID+":*")
}

// invalidate deletes exact cache keys, logging any errors.
func (c *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if err := cache.Del(ctx, c.cache, keys...); err != nil && !cache.IsMiss(err) {
		c.log.WithError(err).WithField("keys", keys).Warn("cache del failed")
	}
}

// invalidatePattern deletes all keys matching the given glob patterns.
func (c *CachedStore) invalidatePattern(ctx context.Context, patterns ...string) {
	for _, p := range patterns {
		if err := cache.DelPattern(ctx, c.cache, p); err != nil {
			c.log.WithError(err).WithField("pattern", p).Warn("cache del pattern failed")
		}
	}
}

// filterHash produces a short deterministic hash for a ChannelFilter so it
// can be used as part of a cache key.
func filterHash(f ChannelFilter) string {
	category, favorite := "-", "-"
	if f.CategoryID != nil {
		category = *f.CategoryID
	}
	if f.Favorite != nil {
		favorite = fmt.Sprintf("%t", *f.Favorite)
	}
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%d", f.PlaylistID, category, favorite, f.Search, f.Limit, f.Offset)
	h := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", h[:8])
}
