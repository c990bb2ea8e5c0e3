package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/voyagen/popcornguide/internal/models"
)

const sqliteProgramColumns = `id, playlist_id, channel_id, title, description, start_time, end_time,
	category, logo_url, credits`

func scanSQLiteProgram(scanner interface{ Scan(dest ...any) error }) (*models.Program, error) {
	var (
		p           models.Program
		description sql.NullString
		start, end  int64
		category    sql.NullString
		logo        sql.NullString
		credits     sql.NullString
	)
	if err := scanner.Scan(&p.ID, &p.PlaylistID, &p.ChannelID, &p.Title, &description, &start, &end,
		&category, &logo, &credits); err != nil {
		return nil, err
	}
	p.Description = nullString(description)
	p.StartTime = fromMillis(start)
	p.EndTime = fromMillis(end)
	p.Category = nullString(category)
	p.LogoURL = nullString(logo)
	if credits.Valid && credits.String != "" {
		if err := json.Unmarshal([]byte(credits.String), &p.Credits); err != nil {
			return nil, fmt.Errorf("decode credits for %s: %w", p.ID, err)
		}
	}
	return &p, nil
}

func encodeCredits(credits []models.Credit) (any, error) {
	if len(credits) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(credits)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *SQLite) ReplacePrograms(ctx context.Context, playlistID string, programs []models.Program) (int, error) {
	unlock := s.lockGuide(playlistID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("ReplacePrograms: begin: %w", err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM playlists WHERE id = ?`, playlistID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("ReplacePrograms: lookup playlist: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM programs WHERE playlist_id = ?`, playlistID); err != nil {
		return 0, fmt.Errorf("ReplacePrograms: delete: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO programs (playlist_id, id, channel_id, title, description, start_time, end_time,
		   category, logo_url, credits)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (playlist_id, id) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("ReplacePrograms: prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, p := range dedupePrograms(programs) {
		credits, err := encodeCredits(p.Credits)
		if err != nil {
			return 0, fmt.Errorf("ReplacePrograms: encode credits: %w", err)
		}
		res, err := stmt.ExecContext(ctx, playlistID, p.ID, p.ChannelID, p.Title, strArg(p.Description),
			toMillis(p.StartTime), toMillis(p.EndTime), strArg(p.Category), strArg(p.LogoURL), credits)
		if err != nil {
			return 0, fmt.Errorf("ReplacePrograms: insert %s: %w", p.ID, err)
		}
		n, _ := res.RowsAffected()
		inserted += int(n)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("ReplacePrograms: commit: %w", err)
	}
	return inserted, nil
}

func (s *SQLite) queryPrograms(ctx context.Context, q string, args ...any) ([]models.Program, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Program
	for rows.Next() {
		p, err := scanSQLiteProgram(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *SQLite) ProgramsInRange(ctx context.Context, playlistID, channelID string, start, end time.Time) ([]models.Program, error) {
	out, err := s.queryPrograms(ctx,
		`SELECT `+sqliteProgramColumns+` FROM programs
		 WHERE playlist_id = ? AND channel_id = ? AND start_time < ? AND end_time > ?
		 ORDER BY start_time, id`,
		playlistID, channelID, toMillis(end), toMillis(start))
	if err != nil {
		return nil, fmt.Errorf("ProgramsInRange: %w", err)
	}
	return out, nil
}

func (s *SQLite) CurrentProgram(ctx context.Context, playlistID, channelID string, at time.Time) (*models.Program, error) {
	ms := toMillis(at)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteProgramColumns+` FROM programs
		 WHERE playlist_id = ? AND channel_id = ? AND start_time <= ? AND end_time > ?
		 ORDER BY start_time DESC, end_time DESC, id DESC
		 LIMIT 1`,
		playlistID, channelID, ms, ms)
	p, err := scanSQLiteProgram(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("CurrentProgram: %w", err)
	}
	return p, nil
}

func (s *SQLite) CurrentAndUpcoming(ctx context.Context, playlistID, channelID string, at time.Time, limit int) ([]models.Program, error) {
	current, err := s.CurrentProgram(ctx, playlistID, channelID, at)
	if err != nil {
		return nil, fmt.Errorf("CurrentAndUpcoming: %w", err)
	}
	var out []models.Program
	excluded := ""
	if current != nil {
		out = append(out, *current)
		excluded = current.ID
		if limit > 0 && len(out) >= limit {
			return out, nil
		}
	}
	n := -1
	if limit > 0 {
		n = limit - len(out)
	}
	upcoming, err := s.queryPrograms(ctx,
		`SELECT `+sqliteProgramColumns+` FROM programs
		 WHERE playlist_id = ? AND channel_id = ? AND start_time >= ? AND id <> ?
		 ORDER BY start_time, id
		 LIMIT ?`,
		playlistID, channelID, toMillis(at), excluded, n)
	if err != nil {
		return nil, fmt.Errorf("CurrentAndUpcoming: %w", err)
	}
	return append(out, upcoming...), nil
}

func (s *SQLite) ChannelsWithValidProgramCount(ctx context.Context, playlistID string, at time.Time) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, COUNT(p.id) FROM channels c
		 LEFT JOIN programs p ON p.playlist_id = c.playlist_id AND p.channel_id = c.id AND p.end_time > ?
		 WHERE c.playlist_id = ?
		 GROUP BY c.id`,
		toMillis(at), playlistID)
	if err != nil {
		return nil, fmt.Errorf("ChannelsWithValidProgramCount: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var (
			id    string
			count int
		)
		if err := rows.Scan(&id, &count); err != nil {
			return nil, fmt.Errorf("ChannelsWithValidProgramCount scan: %w", err)
		}
		out[id] = count
	}
	return out, rows.Err()
}

func (s *SQLite) DeleteProgramsEndedBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM programs WHERE end_time < ?`, toMillis(before))
	if err != nil {
		return 0, fmt.Errorf("DeleteProgramsEndedBefore: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
