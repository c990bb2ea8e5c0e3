package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voyagen/popcornguide/internal/models"
)

var t0 = time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)

func ptr[T any](v T) *T { return &v }

// seedPlaylist creates a playlist with one "News" category holding the given channels.
func seedPlaylist(t *testing.T, s Store, channelIDs ...string) string {
	t.Helper()
	catID := "cat-news"
	p := &models.Playlist{
		Name:      "Test " + uuid.NewString()[:8],
		SourceURL: "http://example.com/list.m3u",
		GuideURL:  ptr("http://example.com/guide.xml"),
	}
	var channels []models.Channel
	for i, id := range channelIDs {
		channels = append(channels, models.Channel{
			ID:         id,
			Name:       "Channel " + id,
			StreamURL:  "http://example.com/" + id,
			CategoryID: &catID,
			Position:   i,
		})
	}
	require.NoError(t, s.CreatePlaylist(context.Background(), p, []models.Category{{ID: catID, Name: "News"}}, channels))
	require.NotEmpty(t, p.ID)
	return p.ID
}

func prog(channelID string, start time.Time, d time.Duration, title string) models.Program {
	return models.Program{
		ID:        models.ProgramID(channelID, start),
		ChannelID: channelID,
		Title:     title,
		StartTime: start,
		EndTime:   start.Add(d),
	}
}

func titles(programs []models.Program) []string {
	out := make([]string, 0, len(programs))
	for _, p := range programs {
		out = append(out, p.Title)
	}
	return out
}

// runStoreContract exercises behavior every Store implementation must share.
func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("PlaylistLifecycle", func(t *testing.T) {
		id := seedPlaylist(t, s, "c1", "c2")

		p, err := s.GetPlaylist(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "http://example.com/list.m3u", p.SourceURL)
		require.NotNil(t, p.GuideURL)
		assert.Equal(t, "http://example.com/guide.xml", *p.GuideURL)
		require.NotNil(t, p.CreatedAt)

		require.NoError(t, s.UpdatePlaylist(ctx, id, PlaylistUpdate{Name: ptr("Renamed"), GuideURL: ptr("")}))
		p, err = s.GetPlaylist(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "Renamed", p.Name)
		assert.Nil(t, p.GuideURL)

		require.NoError(t, s.DeletePlaylist(ctx, id))
		_, err = s.GetPlaylist(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.DeletePlaylist(ctx, id), ErrNotFound)
		assert.ErrorIs(t, s.UpdatePlaylist(ctx, id, PlaylistUpdate{Name: ptr("x")}), ErrNotFound)
	})

	t.Run("DeleteCascadesEverything", func(t *testing.T) {
		id := seedPlaylist(t, s, "c1")
		_, err := s.ReplacePrograms(ctx, id, []models.Program{prog("c1", t0, time.Hour, "A")})
		require.NoError(t, err)
		require.NoError(t, s.RecordPlay(ctx, id, "c1", t0))

		require.NoError(t, s.DeletePlaylist(ctx, id))

		_, err = s.GetChannel(ctx, id, "c1")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetHistory(ctx, id, "c1")
		assert.ErrorIs(t, err, ErrNotFound)
		programs, err := s.ProgramsInRange(ctx, id, "c1", t0.Add(-time.Hour), t0.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Empty(t, programs)
		categories, err := s.ListCategories(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, categories)
	})

	t.Run("ListChannelsFilters", func(t *testing.T) {
		id := seedPlaylist(t, s, "bbc1", "bbc2", "cnn")
		require.NoError(t, s.SetChannelFavorite(ctx, id, "cnn", true))

		all, total, err := s.ListChannels(ctx, ChannelFilter{PlaylistID: id})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, all, 3)
		assert.Equal(t, "bbc1", all[0].ID)
		require.NotNil(t, all[0].CategoryName)
		assert.Equal(t, "News", *all[0].CategoryName)

		found, total, err := s.ListChannels(ctx, ChannelFilter{PlaylistID: id, Search: "channel BBC"})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		assert.Len(t, found, 2)

		favs, total, err := s.ListChannels(ctx, ChannelFilter{PlaylistID: id, Favorite: ptr(true)})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, favs, 1)
		assert.Equal(t, "cnn", favs[0].ID)
		assert.True(t, favs[0].IsFavorite)

		page, total, err := s.ListChannels(ctx, ChannelFilter{PlaylistID: id, Limit: 1, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, page, 1)
		assert.Equal(t, "bbc2", page[0].ID)

		none, total, err := s.ListChannels(ctx, ChannelFilter{PlaylistID: id, CategoryID: ptr("other")})
		require.NoError(t, err)
		assert.Zero(t, total)
		assert.Empty(t, none)

		assert.ErrorIs(t, s.SetChannelFavorite(ctx, id, "missing", true), ErrNotFound)
	})

	t.Run("ReplaceChannelsKeepsUserState", func(t *testing.T) {
		id := seedPlaylist(t, s, "c1", "c2")
		require.NoError(t, s.SetChannelFavorite(ctx, id, "c1", true))
		require.NoError(t, s.RecordPlay(ctx, id, "c1", t0))
		require.NoError(t, s.RecordPlay(ctx, id, "c2", t0))

		movies := "cat-movies"
		err := s.ReplacePlaylistChannels(ctx, id, ptr("http://example.com/new.xml"),
			[]models.Category{{ID: movies, Name: "Movies"}},
			[]models.Channel{
				{ID: "c1", Name: "Renamed", StreamURL: "http://example.com/c1b", CategoryID: &movies},
				{ID: "c3", Name: "New", StreamURL: "http://example.com/c3", Position: 1},
			})
		require.NoError(t, err)

		c1, err := s.GetChannel(ctx, id, "c1")
		require.NoError(t, err)
		assert.Equal(t, "Renamed", c1.Name)
		assert.True(t, c1.IsFavorite)
		require.NotNil(t, c1.LastWatchedAt)
		require.NotNil(t, c1.CategoryName)
		assert.Equal(t, "Movies", *c1.CategoryName)

		_, err = s.GetChannel(ctx, id, "c2")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetHistory(ctx, id, "c2")
		assert.ErrorIs(t, err, ErrNotFound)

		p, err := s.GetPlaylist(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "http://example.com/new.xml", *p.GuideURL)

		assert.ErrorIs(t, s.ReplacePlaylistChannels(ctx, "missing", nil, nil, nil), ErrNotFound)
	})

	t.Run("ChannelCategoryMustExist", func(t *testing.T) {
		ghost := "cat-ghost"
		orphan := &models.Playlist{Name: "Orphan " + uuid.NewString()[:8], SourceURL: "http://example.com/o.m3u"}
		err := s.CreatePlaylist(ctx, orphan, nil,
			[]models.Channel{{ID: "c1", Name: "One", StreamURL: "http://example.com/c1", CategoryID: &ghost}})
		require.Error(t, err)

		id := seedPlaylist(t, s, "c1")
		err = s.ReplacePlaylistChannels(ctx, id, nil, nil,
			[]models.Channel{{ID: "c1", Name: "One", StreamURL: "http://example.com/c1", CategoryID: &ghost}})
		require.Error(t, err)

		c1, err := s.GetChannel(ctx, id, "c1")
		require.NoError(t, err)
		require.NotNil(t, c1.CategoryName)
		assert.Equal(t, "News", *c1.CategoryName)

		news := "cat-news"
		require.NoError(t, s.ReplacePlaylistChannels(ctx, id, nil,
			[]models.Category{{ID: news, Name: "Headlines"}},
			[]models.Channel{{ID: "c1", Name: "One", StreamURL: "http://example.com/c1", CategoryID: &news}}))
		c1, err = s.GetChannel(ctx, id, "c1")
		require.NoError(t, err)
		require.NotNil(t, c1.CategoryName)
		assert.Equal(t, "Headlines", *c1.CategoryName)

		require.NoError(t, s.ReplacePlaylistChannels(ctx, id, nil, nil,
			[]models.Channel{{ID: "c1", Name: "One", StreamURL: "http://example.com/c1"}}))
		cats, err := s.ListCategories(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, cats)
	})

	t.Run("ReplaceProgramsReplacesWholeSet", func(t *testing.T) {
		id := seedPlaylist(t, s, "c1", "c2")
		first := []models.Program{
			prog("c1", t0, time.Hour, "Old A"),
			prog("c2", t0, time.Hour, "Old B"),
		}
		n, err := s.ReplacePrograms(ctx, id, first)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		second := []models.Program{
			prog("c1", t0.Add(time.Hour), time.Hour, "New A"),
			prog("c1", t0.Add(time.Hour), time.Hour, "Duplicate"),
		}
		n, err = s.ReplacePrograms(ctx, id, second)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		got, err := s.ProgramsInRange(ctx, id, "c1", t0.Add(-24*time.Hour), t0.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, []string{"New A"}, titles(got))
		got, err = s.ProgramsInRange(ctx, id, "c2", t0.Add(-24*time.Hour), t0.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Empty(t, got)

		_, err = s.ReplacePrograms(ctx, "missing", second)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ProgramRoundTrip", func(t *testing.T) {
		id := seedPlaylist(t, s, "c1")
		p := prog("c1", t0, 90*time.Minute, "Film")
		p.Description = ptr("A film")
		p.Category = ptr("Movie")
		p.LogoURL = ptr("http://example.com/film.png")
		p.Credits = []models.Credit{{Role: "director", Name: "Jane Doe"}}
		_, err := s.ReplacePrograms(ctx, id, []models.Program{p})
		require.NoError(t, err)

		got, err := s.CurrentProgram(ctx, id, "c1", t0)
		require.NoError(t, err)
		require.NotNil(t, got)
		p.PlaylistID = id
		assert.Equal(t, p, *got)
	})

	t.Run("RangeAndCurrent", func(t *testing.T) {
		id := seedPlaylist(t, s, "c1")
		_, err := s.ReplacePrograms(ctx, id, []models.Program{
			prog("c1", t0, time.Hour, "A"),
			prog("c1", t0.Add(time.Hour), time.Hour, "B"),
			prog("c1", t0.Add(2*time.Hour), time.Hour, "C"),
		})
		require.NoError(t, err)

		got, err := s.ProgramsInRange(ctx, id, "c1", t0.Add(30*time.Minute), t0.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "B"}, titles(got))

		// Start inclusive, end exclusive.
		cur, err := s.CurrentProgram(ctx, id, "c1", t0.Add(time.Hour))
		require.NoError(t, err)
		require.NotNil(t, cur)
		assert.Equal(t, "B", cur.Title)

		cur, err = s.CurrentProgram(ctx, id, "c1", t0.Add(3*time.Hour))
		require.NoError(t, err)
		assert.Nil(t, cur)

		up, err := s.CurrentAndUpcoming(ctx, id, "c1", t0.Add(30*time.Minute), 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"A", "B", "C"}, titles(up))

		up, err = s.CurrentAndUpcoming(ctx, id, "c1", t0.Add(time.Hour), 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"B", "C"}, titles(up))

		up, err = s.CurrentAndUpcoming(ctx, id, "c1", t0.Add(-time.Hour), 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"A"}, titles(up))
	})

	t.Run("CurrentProgramTieBreak", func(t *testing.T) {
		id := seedPlaylist(t, s, "c1")
		long := prog("c1", t0, 2*time.Hour, "Long")
		short := prog("c1", t0.Add(30*time.Minute), 30*time.Minute, "Inner")
		sameStartLonger := models.Program{ID: "x2", ChannelID: "c1", Title: "Longer", StartTime: t0.Add(3 * time.Hour), EndTime: t0.Add(5 * time.Hour)}
		sameStartShorter := models.Program{ID: "x1", ChannelID: "c1", Title: "Shorter", StartTime: t0.Add(3 * time.Hour), EndTime: t0.Add(4 * time.Hour)}
		identA := models.Program{ID: "a", ChannelID: "c1", Title: "Ident A", StartTime: t0.Add(6 * time.Hour), EndTime: t0.Add(7 * time.Hour)}
		identB := models.Program{ID: "b", ChannelID: "c1", Title: "Ident B", StartTime: t0.Add(6 * time.Hour), EndTime: t0.Add(7 * time.Hour)}
		_, err := s.ReplacePrograms(ctx, id, []models.Program{long, short, sameStartLonger, sameStartShorter, identA, identB})
		require.NoError(t, err)

		for _, tt := range []struct {
			at   time.Time
			want string
		}{
			{t0.Add(10 * time.Minute), "Long"},
			{t0.Add(45 * time.Minute), "Inner"},
			{t0.Add(time.Hour + 10*time.Minute), "Long"},
			{t0.Add(3*time.Hour + time.Minute), "Longer"},
			{t0.Add(6*time.Hour + time.Minute), "Ident B"},
		} {
			cur, err := s.CurrentProgram(ctx, id, "c1", tt.at)
			require.NoError(t, err)
			require.NotNil(t, cur, tt.at)
			assert.Equal(t, tt.want, cur.Title, tt.at)
		}
	})

	t.Run("ValidProgramCount", func(t *testing.T) {
		id := seedPlaylist(t, s, "c1", "c2", "c3")
		_, err := s.ReplacePrograms(ctx, id, []models.Program{
			prog("c1", t0, time.Hour, "ended"),
			prog("c1", t0.Add(time.Hour), time.Hour, "running"),
			prog("c1", t0.Add(2*time.Hour), time.Hour, "later"),
			prog("c2", t0, time.Hour, "ended"),
		})
		require.NoError(t, err)

		counts, err := s.ChannelsWithValidProgramCount(ctx, id, t0.Add(90*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"c1": 2, "c2": 0, "c3": 0}, counts)
	})

	t.Run("History", func(t *testing.T) {
		id := seedPlaylist(t, s, "c1", "c2")
		_, err := s.GetHistory(ctx, id, "c1")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.RecordPlay(ctx, id, "missing", t0), ErrNotFound)

		require.NoError(t, s.RecordPlay(ctx, id, "c1", t0))
		require.NoError(t, s.AddWatchTime(ctx, WatchTime{PlaylistID: id, ChannelID: "c1", ElapsedMs: 40_000, PositionMs: 5_000, DurationMs: 60_000, At: t0.Add(40 * time.Second)}))
		require.NoError(t, s.RecordPlay(ctx, id, "c1", t0.Add(time.Minute)))
		require.NoError(t, s.AddWatchTime(ctx, WatchTime{PlaylistID: id, ChannelID: "c1", ElapsedMs: 2_000, PositionMs: 7_000, DurationMs: 60_000, At: t0.Add(62 * time.Second)}))

		h, err := s.GetHistory(ctx, id, "c1")
		require.NoError(t, err)
		assert.EqualValues(t, 2, h.PlayCount)
		assert.EqualValues(t, 42_000, h.TotalPlayedTimeMs)
		assert.EqualValues(t, 7_000, h.CurrentPositionMs)
		assert.EqualValues(t, 60_000, h.TotalDurationMs)
		assert.True(t, h.LastPlayedTimestamp.Equal(t0.Add(time.Minute)))

		c1, err := s.GetChannel(ctx, id, "c1")
		require.NoError(t, err)
		require.NotNil(t, c1.LastWatchedAt)
		assert.True(t, c1.LastWatchedAt.Equal(t0.Add(time.Minute)))

		require.NoError(t, s.RecordPlay(ctx, id, "c2", t0.Add(2*time.Minute)))

		most, err := s.MostWatched(ctx, id, 10)
		require.NoError(t, err)
		require.Len(t, most, 2)
		assert.Equal(t, "c1", most[0].Channel.ID)
		assert.EqualValues(t, 42_000, most[0].History.TotalPlayedTimeMs)

		recent, err := s.RecentlyWatched(ctx, id, 1)
		require.NoError(t, err)
		require.Len(t, recent, 1)
		assert.Equal(t, "c2", recent[0].Channel.ID)
	})

	t.Run("WatchTimeForDeletedChannel", func(t *testing.T) {
		id := seedPlaylist(t, s, "c1")
		w := WatchTime{PlaylistID: id, ChannelID: "c1", ElapsedMs: 10_000, At: t0}
		require.NoError(t, s.AddWatchTime(ctx, w))

		require.NoError(t, s.DeletePlaylist(ctx, id))
		assert.ErrorIs(t, s.AddWatchTime(ctx, w), ErrNotFound)
		assert.ErrorIs(t, s.AddWatchTime(ctx, WatchTime{PlaylistID: id, ChannelID: "ghost", ElapsedMs: 1, At: t0}), ErrNotFound)
	})

	t.Run("Settings", func(t *testing.T) {
		key := "test." + uuid.NewString()
		_, err := s.GetSetting(ctx, key)
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.PutSetting(ctx, key, "one"))
		require.NoError(t, s.PutSetting(ctx, key, "two"))
		v, err := s.GetSetting(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "two", v)
	})
}
