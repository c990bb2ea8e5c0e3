package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/voyagen/popcornguide/internal/models"
)

func (s *SQLite) RecordPlay(ctx context.Context, playlistID, channelID string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("RecordPlay: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE channels SET last_watched_at = ? WHERE playlist_id = ? AND id = ?`,
		toMillis(at), playlistID, channelID)
	if err != nil {
		return fmt.Errorf("RecordPlay: update channel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO channel_history (id, playlist_id, channel_id, last_played, play_count)
		 VALUES (?, ?, ?, ?, 1)
		 ON CONFLICT (playlist_id, channel_id) DO UPDATE SET
		   play_count = channel_history.play_count + 1, last_played = excluded.last_played`,
		uuid.NewString(), playlistID, channelID, toMillis(at))
	if err != nil {
		return fmt.Errorf("RecordPlay: upsert history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("RecordPlay: commit: %w", err)
	}
	return nil
}

func (s *SQLite) AddWatchTime(ctx context.Context, w WatchTime) error {
	elapsed := w.ElapsedMs
	if elapsed < 0 {
		elapsed = 0
	}
	// Selecting from channels makes a write for a deleted channel affect no rows.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_history (id, playlist_id, channel_id, last_played, total_played_ms,
		   current_position_ms, total_duration_ms)
		 SELECT ?, c.playlist_id, c.id, ?, ?, ?, ?
		   FROM channels c WHERE c.playlist_id = ? AND c.id = ?
		 ON CONFLICT (playlist_id, channel_id) DO UPDATE SET
		   total_played_ms = channel_history.total_played_ms + excluded.total_played_ms,
		   current_position_ms = excluded.current_position_ms,
		   total_duration_ms = excluded.total_duration_ms`,
		uuid.NewString(), toMillis(w.At), elapsed, w.PositionMs, w.DurationMs, w.PlaylistID, w.ChannelID)
	if err != nil {
		return fmt.Errorf("AddWatchTime: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("AddWatchTime %s/%s: %w", w.PlaylistID, w.ChannelID, ErrNotFound)
	}
	return nil
}

const sqliteHistoryColumns = `h.id, h.channel_id, h.playlist_id, h.last_played, h.total_played_ms,
	h.play_count, h.current_position_ms, h.total_duration_ms`

func scanSQLiteHistory(scanner interface{ Scan(dest ...any) error }) (*models.ChannelHistory, error) {
	var (
		h          models.ChannelHistory
		lastPlayed int64
	)
	if err := scanner.Scan(&h.ID, &h.ChannelID, &h.PlaylistID, &lastPlayed, &h.TotalPlayedTimeMs,
		&h.PlayCount, &h.CurrentPositionMs, &h.TotalDurationMs); err != nil {
		return nil, err
	}
	h.LastPlayedTimestamp = fromMillis(lastPlayed)
	return &h, nil
}

func (s *SQLite) GetHistory(ctx context.Context, playlistID, channelID string) (*models.ChannelHistory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteHistoryColumns+` FROM channel_history h WHERE h.playlist_id = ? AND h.channel_id = ?`,
		playlistID, channelID)
	h, err := scanSQLiteHistory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetHistory: %w", err)
	}
	return h, nil
}

func (s *SQLite) watched(ctx context.Context, playlistID, orderBy string, limit int) ([]models.WatchedChannel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteChannelColumns+`, `+sqliteHistoryColumns+sqliteChannelFrom+`
		 JOIN channel_history h ON h.playlist_id = c.playlist_id AND h.channel_id = c.id
		 WHERE c.playlist_id = ?
		 ORDER BY `+orderBy+`
		 LIMIT ?`,
		playlistID, historyLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.WatchedChannel
	for rows.Next() {
		var (
			wc           models.WatchedChannel
			logo         sql.NullString
			categoryID   sql.NullString
			favorite     int
			lastWatched  sql.NullInt64
			categoryName sql.NullString
			lastPlayed   int64
		)
		ch, h := &wc.Channel, &wc.History
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.StreamURL, &logo, &categoryID, &ch.PlaylistID,
			&favorite, &lastWatched, &ch.Position, &categoryName,
			&h.ID, &h.ChannelID, &h.PlaylistID, &lastPlayed, &h.TotalPlayedTimeMs,
			&h.PlayCount, &h.CurrentPositionMs, &h.TotalDurationMs); err != nil {
			return nil, err
		}
		ch.LogoURL = nullString(logo)
		ch.CategoryID = nullString(categoryID)
		ch.IsFavorite = favorite != 0
		ch.LastWatchedAt = nullTime(lastWatched)
		ch.CategoryName = nullString(categoryName)
		h.LastPlayedTimestamp = fromMillis(lastPlayed)
		out = append(out, wc)
	}
	return out, rows.Err()
}

func (s *SQLite) MostWatched(ctx context.Context, playlistID string, limit int) ([]models.WatchedChannel, error) {
	out, err := s.watched(ctx, playlistID, "h.total_played_ms DESC, h.last_played DESC, c.id", limit)
	if err != nil {
		return nil, fmt.Errorf("MostWatched: %w", err)
	}
	return out, nil
}

func (s *SQLite) RecentlyWatched(ctx context.Context, playlistID string, limit int) ([]models.WatchedChannel, error) {
	out, err := s.watched(ctx, playlistID, "h.last_played DESC, c.id", limit)
	if err != nil {
		return nil, fmt.Errorf("RecentlyWatched: %w", err)
	}
	return out, nil
}

// --- settings ---

func (s *SQLite) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("GetSetting: %w", err)
	}
	return v, nil
}

func (s *SQLite) PutSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, toMillis(time.Now()))
	if err != nil {
		return fmt.Errorf("PutSetting: %w", err)
	}
	return nil
}
