package store

import (
	"context"
	"errors"
	"time"

	"github.com/voyagen/popcornguide/internal/models"
)

var (
	// ErrNotFound is returned by single-entity lookups when the row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConcurrentRefresh signals that a guide replace for a playlist was not
	// serialized. It indicates a locking bug, not a transient condition.
	ErrConcurrentRefresh = errors.New("concurrent guide refresh")
)

// Store defines persistence for playlists, categories, channels, programs,
// watch history and scoped settings.
type Store interface {
	// CreatePlaylist inserts the playlist, its categories and channels in one transaction.
	CreatePlaylist(ctx context.Context, p *models.Playlist, categories []models.Category, channels []models.Channel) error
	// ReplacePlaylistChannels swaps in a re-fetched channel list: surviving channel ids keep
	// is_favorite and last_watched_at, missing ones are removed (cascading to programs and history).
	ReplacePlaylistChannels(ctx context.Context, playlistID string, guideURL *string, categories []models.Category, channels []models.Channel) error
	// GetPlaylist returns a single playlist by id.
	GetPlaylist(ctx context.Context, playlistID string) (*models.Playlist, error)
	// ListPlaylists returns all playlists ordered by name.
	ListPlaylists(ctx context.Context) ([]models.Playlist, error)
	// UpdatePlaylist updates mutable fields of a playlist.
	UpdatePlaylist(ctx context.Context, playlistID string, fields PlaylistUpdate) error
	// DeletePlaylist removes the playlist and everything it owns atomically.
	DeletePlaylist(ctx context.Context, playlistID string) error

	// ListCategories returns the categories of a playlist in name order.
	ListCategories(ctx context.Context, playlistID string) ([]models.Category, error)
	// ListChannels returns channels matching the filter and the total count (before limit/offset).
	ListChannels(ctx context.Context, filter ChannelFilter) ([]models.Channel, int, error)
	// GetChannel returns a single channel (with category name joined).
	GetChannel(ctx context.Context, playlistID, channelID string) (*models.Channel, error)
	// SetChannelFavorite sets the favorite flag on a channel.
	SetChannelFavorite(ctx context.Context, playlistID, channelID string, favorite bool) error

	// ReplacePrograms deletes every program of the playlist and inserts programs
	// in one transaction, serialized per playlist. Duplicate ids keep the first entry.
	ReplacePrograms(ctx context.Context, playlistID string, programs []models.Program) (int, error)
	// ProgramsInRange returns programs intersecting [start, end) ordered by start time.
	ProgramsInRange(ctx context.Context, playlistID, channelID string, start, end time.Time) ([]models.Program, error)
	// CurrentProgram returns the program airing at t, or nil. When entries overlap,
	// the one with the latest start time wins (then the latest end time, then the greatest id).
	CurrentProgram(ctx context.Context, playlistID, channelID string, at time.Time) (*models.Program, error)
	// CurrentAndUpcoming returns the current program (if any) followed by programs
	// starting at or after t, ascending. limit <= 0 means no limit.
	CurrentAndUpcoming(ctx context.Context, playlistID, channelID string, at time.Time, limit int) ([]models.Program, error)
	// ChannelsWithValidProgramCount counts, per channel of the playlist, programs
	// that have not finished at t. Channels without programs map to 0.
	ChannelsWithValidProgramCount(ctx context.Context, playlistID string, at time.Time) (map[string]int, error)
	// DeleteProgramsEndedBefore prunes programs that ended before t across all playlists.
	DeleteProgramsEndedBefore(ctx context.Context, before time.Time) (int64, error)

	// RecordPlay bumps play_count and last_played for the channel's history row
	// (creating it) and stamps the channel's last_watched_at.
	RecordPlay(ctx context.Context, playlistID, channelID string, at time.Time) error
	// AddWatchTime adds elapsed watch time and records the playback position.
	AddWatchTime(ctx context.Context, w WatchTime) error
	// GetHistory returns the history row of a channel.
	GetHistory(ctx context.Context, playlistID, channelID string) (*models.ChannelHistory, error)
	// MostWatched ranks channels by cumulative watch time.
	MostWatched(ctx context.Context, playlistID string, limit int) ([]models.WatchedChannel, error)
	// RecentlyWatched lists channels by last play, newest first.
	RecentlyWatched(ctx context.Context, playlistID string, limit int) ([]models.WatchedChannel, error)

	// GetSetting returns a scoped setting value or ErrNotFound.
	GetSetting(ctx context.Context, key string) (string, error)
	// PutSetting writes a scoped setting value.
	PutSetting(ctx context.Context, key, value string) error

	Close() error
}

// ChannelFilter holds optional filters for listing channels.
type ChannelFilter struct {
	PlaylistID string
	CategoryID *string
	Favorite   *bool  // filter by favorite status
	Search     string // case-insensitive substring match on channel name
	Limit      int    // default 50, max 500
	Offset     int
}

// PlaylistUpdate holds mutable fields for PATCH /playlists/{id}.
// Pointer fields: nil = don't change, non-nil = set.
type PlaylistUpdate struct {
	Name      *string
	SourceURL *string
	GuideURL  *string
	// Touch sets last_updated to the given time.
	Touch *time.Time
}

// WatchTime is one flushed slice of watch time.
type WatchTime struct {
	PlaylistID string
	ChannelID  string
	ElapsedMs  int64
	PositionMs int64
	DurationMs int64
	At         time.Time
}

const (
	defaultChannelLimit = 50
	maxChannelLimit     = 500
	defaultHistoryLimit = 20
)

func (f *ChannelFilter) normalize() {
	if f.Limit <= 0 {
		f.Limit = defaultChannelLimit
	}
	if f.Limit > maxChannelLimit {
		f.Limit = maxChannelLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
}

func historyLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	return limit
}

// dedupePrograms drops programs whose id was already seen and programs that
// violate start < end.
func dedupePrograms(programs []models.Program) []models.Program {
	seen := make(map[string]bool, len(programs))
	out := make([]models.Program, 0, len(programs))
	for _, p := range programs {
		if seen[p.ID] || !p.StartTime.Before(p.EndTime) {
			continue
		}
		seen[p.ID] = true
		out = append(out, p)
	}
	return out
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*SQLite)(nil)
	_ Store = (*CachedStore)(nil)
)
