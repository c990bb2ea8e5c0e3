// Package service orchestrates playlist and guide ingestion: fetch, detect,
// parse and persist.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/voyagen/popcornguide/internal/cache"
	"github.com/voyagen/popcornguide/internal/fetcher"
	"github.com/voyagen/popcornguide/internal/logging"
	"github.com/voyagen/popcornguide/internal/models"
	"github.com/voyagen/popcornguide/internal/parser"
	"github.com/voyagen/popcornguide/internal/settings"
	"github.com/voyagen/popcornguide/internal/store"
	"github.com/voyagen/popcornguide/internal/telemetry"
)

var (
	// ErrMissingURL is returned when an import request has no playlist URL.
	ErrMissingURL = errors.New("playlist url is required")

	// ErrNoGuideURL is returned when a guide refresh has neither an override
	// nor a stored guide URL to fetch.
	ErrNoGuideURL = errors.New("playlist has no guide url")

	// ErrRefreshInProgress is returned when another process holds the guide
	// refresh lock of the playlist.
	ErrRefreshInProgress = errors.New("guide refresh already in progress")

	// ErrFetch wraps every failure to download a playlist or guide.
	ErrFetch = errors.New("fetch")
)

// Locker acquires the cross-process guide refresh lock of a playlist.
type Locker func(ctx context.Context, playlistID string) (unlock func(), err error)

// RedisLocker returns a Locker backed by cache.TryLock.
func RedisLocker(r *cache.Redis, ttl time.Duration) Locker {
	return func(ctx context.Context, playlistID string) (func(), error) {
		return cache.TryLock(ctx, r, cache.RefreshLockKey(playlistID), ttl)
	}
}

// Ingestor runs playlist imports and guide refreshes.
type Ingestor struct {
	Store    store.Store
	Fetcher  fetcher.Fetcher
	Settings *settings.Settings
	Log      *logrus.Entry
	Now      func() time.Time
	// Lock is optional. When set, guide refreshes of one playlist are also
	// serialized across processes.
	Lock Locker
}

// NewIngestor returns an Ingestor with a wall clock.
func NewIngestor(s store.Store, f fetcher.Fetcher, st *settings.Settings, log *logrus.Entry) *Ingestor {
	return &Ingestor{Store: s, Fetcher: f, Settings: st, Log: log, Now: time.Now}
}

func (in *Ingestor) now() time.Time {
	if in.Now == nil {
		return time.Now().UTC()
	}
	return in.Now().UTC()
}

func (in *Ingestor) log() *logrus.Entry {
	if in.Log == nil {
		return logging.Discard()
	}
	return in.Log
}

// ImportRequest describes a new playlist to import.
type ImportRequest struct {
	Name    string            `json:"name"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// ImportResult summarizes a playlist import or refresh.
type ImportResult struct {
	Playlist   models.Playlist     `json:"playlist"`
	Channels   int                 `json:"channels"`
	Categories int                 `json:"categories"`
	Warnings   []parser.EntryError `json:"warnings,omitempty"`
}

// GuideRefreshResult summarizes a guide refresh.
type GuideRefreshResult struct {
	PlaylistID  string              `json:"playlist_id"`
	Format      string              `json:"format"`
	Programs    int                 `json:"programs"`
	Unmatched   int                 `json:"unmatched"`
	Warnings    []parser.EntryError `json:"warnings,omitempty"`
	RefreshedAt time.Time           `json:"refreshed_at"`
}

// ImportPlaylist fetches and parses req.URL and stores it as a new playlist.
// Nothing is written unless fetch, detection and parsing all succeed.
func (in *Ingestor) ImportPlaylist(ctx context.Context, req ImportRequest) (res *ImportResult, err error) {
	start := time.Now()
	defer func() { telemetry.RecordIngestion("playlist", err, time.Since(start)) }()

	if strings.TrimSpace(req.URL) == "" {
		return nil, ErrMissingURL
	}
	log := in.log().WithField("url", logging.RedactURL(req.URL))

	parsed, err := in.fetchPlaylist(ctx, req.URL, req.Headers)
	if err != nil {
		log.WithError(err).Warn("playlist import failed")
		return nil, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = defaultName(req.URL)
	}
	p := &models.Playlist{
		Name:        name,
		SourceURL:   req.URL,
		GuideURL:    parsed.GuideURL,
		LastUpdated: in.now(),
	}
	if err := in.Store.CreatePlaylist(ctx, p, parsed.Categories, parsed.Channels); err != nil {
		return nil, fmt.Errorf("CreatePlaylist: %w", err)
	}

	log.WithFields(logrus.Fields{
		"playlist_id": p.ID,
		"channels":    len(parsed.Channels),
		"categories":  len(parsed.Categories),
		"warnings":    len(parsed.Warnings),
	}).Info("playlist imported")
	if len(parsed.Warnings) > 0 {
		log.WithField("playlist_id", p.ID).Debug("skipped entries: " + parser.Summarize(parsed.Warnings, 5))
	}
	return &ImportResult{
		Playlist:   *p,
		Channels:   len(parsed.Channels),
		Categories: len(parsed.Categories),
		Warnings:   parsed.Warnings,
	}, nil
}

// RefreshPlaylist refetches the playlist source and replaces its categories
// and channels. Channels that survive keep their favorite flag and last watch time.
func (in *Ingestor) RefreshPlaylist(ctx context.Context, playlistID string) (res *ImportResult, err error) {
	start := time.Now()
	defer func() { telemetry.RecordIngestion("playlist", err, time.Since(start)) }()

	p, err := in.Store.GetPlaylist(ctx, playlistID)
	if err != nil {
		return nil, err
	}
	log := in.log().WithFields(logrus.Fields{"playlist_id": playlistID, "url": logging.RedactURL(p.SourceURL)})

	parsed, err := in.fetchPlaylist(ctx, p.SourceURL, nil)
	if err != nil {
		log.WithError(err).Warn("playlist refresh failed")
		return nil, err
	}
	if err := in.Store.ReplacePlaylistChannels(ctx, playlistID, parsed.GuideURL, parsed.Categories, parsed.Channels); err != nil {
		return nil, fmt.Errorf("ReplacePlaylistChannels: %w", err)
	}
	p, err = in.Store.GetPlaylist(ctx, playlistID)
	if err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{
		"channels": len(parsed.Channels),
		"warnings": len(parsed.Warnings),
	}).Info("playlist refreshed")
	return &ImportResult{
		Playlist:   *p,
		Channels:   len(parsed.Channels),
		Categories: len(parsed.Categories),
		Warnings:   parsed.Warnings,
	}, nil
}

func (in *Ingestor) fetchPlaylist(ctx context.Context, rawURL string, headers map[string]string) (*parser.PlaylistResult, error) {
	content, err := in.Fetcher.Fetch(ctx, rawURL, headers)
	if err != nil {
		return nil, fmt.Errorf("%w playlist: %w", ErrFetch, err)
	}
	if err := parser.DetectPlaylist(content); err != nil {
		return nil, err
	}
	parsed, err := parser.ParsePlaylist(strings.NewReader(content))
	if err != nil {
		return nil, err
	}
	telemetry.AddParserWarnings(parser.FormatPlaylist.String(), len(parsed.Warnings))
	return parsed, nil
}

// RefreshGuide replaces every program of the playlist with the contents of its
// guide. guideURL overrides the stored guide URL when non-empty. A fetch or
// parse failure leaves the stored programs untouched.
func (in *Ingestor) RefreshGuide(ctx context.Context, playlistID, guideURL string) (res *GuideRefreshResult, err error) {
	start := time.Now()
	defer func() { telemetry.RecordIngestion("guide", err, time.Since(start)) }()

	p, err := in.Store.GetPlaylist(ctx, playlistID)
	if err != nil {
		return nil, err
	}
	if guideURL == "" && p.GuideURL != nil {
		guideURL = *p.GuideURL
	}
	if guideURL == "" {
		return nil, ErrNoGuideURL
	}
	log := in.log().WithFields(logrus.Fields{"playlist_id": playlistID, "url": logging.RedactURL(guideURL)})

	if in.Lock != nil {
		unlock, err := in.Lock(ctx, playlistID)
		if errors.Is(err, cache.ErrLocked) {
			return nil, ErrRefreshInProgress
		}
		if err != nil {
			return nil, fmt.Errorf("lock guide refresh: %w", err)
		}
		defer unlock()
	}

	content, err := in.Fetcher.Fetch(ctx, guideURL, nil)
	if err != nil {
		log.WithError(err).Warn("guide fetch failed")
		return nil, fmt.Errorf("%w guide: %w", ErrFetch, err)
	}
	guide, format, err := parser.ParseGuide(content)
	if err != nil {
		log.WithError(err).Warn("guide parse failed")
		return nil, err
	}
	telemetry.AddParserWarnings(format.String(), len(guide.Warnings))

	now := in.now()
	// The count map has a key for every channel of the playlist.
	known, err := in.Store.ChannelsWithValidProgramCount(ctx, playlistID, now)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	programs := make([]models.Program, 0, len(guide.Programs))
	unmatched := 0
	for _, prog := range guide.Programs {
		if _, ok := known[prog.ChannelID]; !ok {
			unmatched++
			continue
		}
		prog.PlaylistID = playlistID
		programs = append(programs, prog)
	}

	stored, err := in.Store.ReplacePrograms(ctx, playlistID, programs)
	if err != nil {
		if errors.Is(err, store.ErrConcurrentRefresh) {
			log.WithError(err).Error("guide replace was not serialized")
		}
		return nil, fmt.Errorf("ReplacePrograms: %w", err)
	}
	if err := in.Settings.SetGuideRefreshedAt(ctx, playlistID, now); err != nil {
		return nil, fmt.Errorf("SetGuideRefreshedAt: %w", err)
	}
	telemetry.AddPrograms(stored, unmatched)

	log.WithFields(logrus.Fields{
		"format":    format.String(),
		"programs":  stored,
		"unmatched": unmatched,
		"warnings":  len(guide.Warnings),
		"took":      time.Since(start).Round(time.Millisecond).String(),
	}).Info("guide refreshed")
	return &GuideRefreshResult{
		PlaylistID:  playlistID,
		Format:      format.String(),
		Programs:    stored,
		Unmatched:   unmatched,
		Warnings:    guide.Warnings,
		RefreshedAt: now,
	}, nil
}

// RefreshStaleGuides refreshes every playlist with a guide URL whose last
// refresh is missing or older than maxAge. Failures are logged and joined
// into the returned error; they do not stop the sweep.
func (in *Ingestor) RefreshStaleGuides(ctx context.Context, maxAge time.Duration) (int, error) {
	playlists, err := in.Store.ListPlaylists(ctx)
	if err != nil {
		return 0, fmt.Errorf("ListPlaylists: %w", err)
	}
	var (
		refreshed int
		errs      []error
	)
	for _, p := range playlists {
		if err := ctx.Err(); err != nil {
			return refreshed, err
		}
		if p.GuideURL == nil {
			continue
		}
		at, ok, err := in.Settings.GuideRefreshedAt(ctx, p.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok && in.now().Sub(at) < maxAge {
			continue
		}
		if _, err := in.RefreshGuide(ctx, p.ID, ""); err != nil {
			if !errors.Is(err, ErrRefreshInProgress) {
				in.log().WithError(err).WithField("playlist_id", p.ID).Warn("stale guide refresh failed")
				errs = append(errs, fmt.Errorf("playlist %s: %w", p.ID, err))
			}
			continue
		}
		refreshed++
	}
	return refreshed, errors.Join(errs...)
}

// PruneEndedPrograms deletes programs that ended more than retention ago.
func (in *Ingestor) PruneEndedPrograms(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := in.Store.DeleteProgramsEndedBefore(ctx, in.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("DeleteProgramsEndedBefore: %w", err)
	}
	if n > 0 {
		in.log().WithField("deleted", n).Info("pruned ended programs")
	}
	return n, nil
}

// defaultName derives a playlist name from its URL host.
func defaultName(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		return u.Host
	}
	return "playlist"
}
