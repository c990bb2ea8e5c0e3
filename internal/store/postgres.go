package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/voyagen/popcornguide/internal/models"
)

// Postgres implements Store using PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres store from a DSN. Caller must call Close when done.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close closes the connection pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// isSerializationFailure reports serialization_failure and deadlock_detected errors.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

// isForeignKeyViolation reports foreign_key_violation errors.
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

// argList accumulates positional query arguments.
type argList []any

func (a *argList) add(v any) string {
	*a = append(*a, v)
	return fmt.Sprintf("$%d", len(*a))
}

// --- playlists ---

func (p *Postgres) CreatePlaylist(ctx context.Context, pl *models.Playlist, categories []models.Category, channels []models.Channel) error {
	if pl.ID == "" {
		pl.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if pl.LastUpdated.IsZero() {
		pl.LastUpdated = now
	}
	if pl.CreatedAt == nil {
		pl.CreatedAt = &now
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("CreatePlaylist: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO playlists (id, name, source_url, guide_url, last_updated, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		pl.ID, pl.Name, pl.SourceURL, pl.GuideURL, pl.LastUpdated, *pl.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("CreatePlaylist: insert playlist: %w", err)
	}
	if err := pgInsertCategories(ctx, tx, pl.ID, categories); err != nil {
		return fmt.Errorf("CreatePlaylist: %w", err)
	}
	if err := pgUpsertChannels(ctx, tx, pl.ID, channels); err != nil {
		return fmt.Errorf("CreatePlaylist: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("CreatePlaylist: commit: %w", err)
	}
	return nil
}

func pgInsertCategories(ctx context.Context, tx pgx.Tx, playlistID string, categories []models.Category) error {
	if len(categories) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range categories {
		batch.Queue(`INSERT INTO categories (playlist_id, id, name) VALUES ($1, $2, $3)
			ON CONFLICT (playlist_id, id) DO UPDATE SET name = EXCLUDED.name`, playlistID, c.ID, c.Name)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert categories: %w", err)
	}
	return nil
}

func pgUpsertChannels(ctx context.Context, tx pgx.Tx, playlistID string, channels []models.Channel) error {
	if len(channels) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i := range channels {
		ch := &channels[i]
		ch.PlaylistID = playlistID
		batch.Queue(`INSERT INTO channels (playlist_id, id, name, stream_url, logo_url, category_id, is_favorite, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (playlist_id, id) DO UPDATE SET
			  name = EXCLUDED.name, stream_url = EXCLUDED.stream_url, logo_url = EXCLUDED.logo_url,
			  category_id = EXCLUDED.category_id, position = EXCLUDED.position`,
			playlistID, ch.ID, ch.Name, ch.StreamURL, ch.LogoURL, ch.CategoryID, ch.IsFavorite, ch.Position)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert channels: %w", err)
	}
	return nil
}

func (p *Postgres) ReplacePlaylistChannels(ctx context.Context, playlistID string, guideURL *string, categories []models.Category, channels []models.Channel) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ReplacePlaylistChannels: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE playlists SET guide_url = COALESCE($1, guide_url), last_updated = NOW() WHERE id = $2`,
		guideURL, playlistID)
	if err != nil {
		return fmt.Errorf("ReplacePlaylistChannels: update playlist: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	ids := make([]string, 0, len(channels))
	for _, ch := range channels {
		ids = append(ids, ch.ID)
	}
	// Programs and history of dropped channels go with them.
	for _, q := range []string{
		`DELETE FROM programs WHERE playlist_id = $1 AND NOT (channel_id = ANY($2))`,
		`DELETE FROM channel_history WHERE playlist_id = $1 AND NOT (channel_id = ANY($2))`,
		`DELETE FROM channels WHERE playlist_id = $1 AND NOT (id = ANY($2))`,
	} {
		if _, err := tx.Exec(ctx, q, playlistID, ids); err != nil {
			return fmt.Errorf("ReplacePlaylistChannels: prune: %w", err)
		}
	}
	// channels.category_id references categories, so stale categories are
	// removed after the channels have moved off them.
	if err := pgInsertCategories(ctx, tx, playlistID, categories); err != nil {
		return fmt.Errorf("ReplacePlaylistChannels: %w", err)
	}
	if err := pgUpsertChannels(ctx, tx, playlistID, channels); err != nil {
		return fmt.Errorf("ReplacePlaylistChannels: %w", err)
	}
	catIDs := make([]string, 0, len(categories))
	for _, c := range categories {
		catIDs = append(catIDs, c.ID)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM categories WHERE playlist_id = $1 AND NOT (id = ANY($2))`, playlistID, catIDs); err != nil {
		return fmt.Errorf("ReplacePlaylistChannels: delete categories: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ReplacePlaylistChannels: commit: %w", err)
	}
	return nil
}

const pgPlaylistColumns = `id, name, source_url, guide_url, last_updated, created_at`

func scanPgPlaylist(row pgx.Row) (*models.Playlist, error) {
	var (
		pl        models.Playlist
		createdAt time.Time
	)
	if err := row.Scan(&pl.ID, &pl.Name, &pl.SourceURL, &pl.GuideURL, &pl.LastUpdated, &createdAt); err != nil {
		return nil, err
	}
	pl.LastUpdated = pl.LastUpdated.UTC()
	createdAt = createdAt.UTC()
	pl.CreatedAt = &createdAt
	return &pl, nil
}

func (p *Postgres) GetPlaylist(ctx context.Context, playlistID string) (*models.Playlist, error) {
	pl, err := scanPgPlaylist(p.pool.QueryRow(ctx, `SELECT `+pgPlaylistColumns+` FROM playlists WHERE id = $1`, playlistID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetPlaylist: %w", err)
	}
	return pl, nil
}

func (p *Postgres) ListPlaylists(ctx context.Context) ([]models.Playlist, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+pgPlaylistColumns+` FROM playlists ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("ListPlaylists: %w", err)
	}
	defer rows.Close()
	var out []models.Playlist
	for rows.Next() {
		pl, err := scanPgPlaylist(rows)
		if err != nil {
			return nil, fmt.Errorf("ListPlaylists scan: %w", err)
		}
		out = append(out, *pl)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdatePlaylist(ctx context.Context, playlistID string, fields PlaylistUpdate) error {
	var (
		sets []string
		args argList
	)
	if fields.Name != nil {
		sets = append(sets, "name = "+args.add(*fields.Name))
	}
	if fields.SourceURL != nil {
		sets = append(sets, "source_url = "+args.add(*fields.SourceURL))
	}
	if fields.GuideURL != nil {
		sets = append(sets, "guide_url = NULLIF("+args.add(*fields.GuideURL)+", '')")
	}
	if fields.Touch != nil {
		sets = append(sets, "last_updated = "+args.add(*fields.Touch))
	}
	if len(sets) == 0 {
		_, err := p.GetPlaylist(ctx, playlistID)
		return err
	}
	q := `UPDATE playlists SET ` + strings.Join(sets, ", ") + ` WHERE id = ` + args.add(playlistID)
	tag, err := p.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("UpdatePlaylist: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) DeletePlaylist(ctx context.Context, playlistID string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("DeletePlaylist: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, q := range []string{
		`DELETE FROM programs WHERE playlist_id = $1`,
		`DELETE FROM channel_history WHERE playlist_id = $1`,
		`DELETE FROM channels WHERE playlist_id = $1`,
		`DELETE FROM categories WHERE playlist_id = $1`,
	} {
		if _, err := tx.Exec(ctx, q, playlistID); err != nil {
			return fmt.Errorf("DeletePlaylist: %w", err)
		}
	}
	tag, err := tx.Exec(ctx, `DELETE FROM playlists WHERE id = $1`, playlistID)
	if err != nil {
		return fmt.Errorf("DeletePlaylist: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("DeletePlaylist: commit: %w", err)
	}
	return nil
}

// --- categories & channels ---

func (p *Postgres) ListCategories(ctx context.Context, playlistID string) ([]models.Category, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, name, playlist_id FROM categories WHERE playlist_id = $1 ORDER BY name, id`, playlistID)
	if err != nil {
		return nil, fmt.Errorf("ListCategories: %w", err)
	}
	defer rows.Close()
	var out []models.Category
	for rows.Next() {
		var c models.Category
		if err := rows.Scan(&c.ID, &c.Name, &c.PlaylistID); err != nil {
			return nil, fmt.Errorf("ListCategories scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

const pgChannelColumns = `c.id, c.name, c.stream_url, c.logo_url, c.category_id, c.playlist_id,
	c.is_favorite, c.last_watched_at, c.position, cat.name`

const pgChannelFrom = ` FROM channels c
	LEFT JOIN categories cat ON cat.playlist_id = c.playlist_id AND cat.id = c.category_id`

func channelDest(ch *models.Channel) []any {
	return []any{&ch.ID, &ch.Name, &ch.StreamURL, &ch.LogoURL, &ch.CategoryID, &ch.PlaylistID,
		&ch.IsFavorite, &ch.LastWatchedAt, &ch.Position, &ch.CategoryName}
}

func (p *Postgres) ListChannels(ctx context.Context, filter ChannelFilter) ([]models.Channel, int, error) {
	filter.normalize()
	var args argList
	where := []string{"c.playlist_id = " + args.add(filter.PlaylistID)}
	if filter.CategoryID != nil {
		where = append(where, "c.category_id = "+args.add(*filter.CategoryID))
	}
	if filter.Favorite != nil {
		where = append(where, "c.is_favorite = "+args.add(*filter.Favorite))
	}
	if filter.Search != "" {
		where = append(where, "c.name ILIKE "+args.add(likePattern(filter.Search)))
	}
	cond := " WHERE " + strings.Join(where, " AND ")

	var total int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM channels c`+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListChannels count: %w", err)
	}

	q := `SELECT ` + pgChannelColumns + pgChannelFrom + cond +
		` ORDER BY c.position, c.id LIMIT ` + args.add(filter.Limit) + ` OFFSET ` + args.add(filter.Offset)
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListChannels: %w", err)
	}
	defer rows.Close()
	var out []models.Channel
	for rows.Next() {
		var ch models.Channel
		if err := rows.Scan(channelDest(&ch)...); err != nil {
			return nil, 0, fmt.Errorf("ListChannels scan: %w", err)
		}
		out = append(out, ch)
	}
	return out, total, rows.Err()
}

func (p *Postgres) GetChannel(ctx context.Context, playlistID, channelID string) (*models.Channel, error) {
	var ch models.Channel
	err := p.pool.QueryRow(ctx,
		`SELECT `+pgChannelColumns+pgChannelFrom+` WHERE c.playlist_id = $1 AND c.id = $2`,
		playlistID, channelID).Scan(channelDest(&ch)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetChannel: %w", err)
	}
	return &ch, nil
}

func (p *Postgres) SetChannelFavorite(ctx context.Context, playlistID, channelID string, favorite bool) error {
	tag, err := p.pool.Exec(ctx,
		`UPDATE channels SET is_favorite = $1 WHERE playlist_id = $2 AND id = $3`,
		favorite, playlistID, channelID)
	if err != nil {
		return fmt.Errorf("SetChannelFavorite: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- programs ---

const pgProgramColumns = `id, playlist_id, channel_id, title, description, start_time, end_time,
	category, logo_url, credits`

func scanPgProgram(row pgx.Row) (*models.Program, error) {
	var (
		pr      models.Program
		credits []byte
	)
	if err := row.Scan(&pr.ID, &pr.PlaylistID, &pr.ChannelID, &pr.Title, &pr.Description,
		&pr.StartTime, &pr.EndTime, &pr.Category, &pr.LogoURL, &credits); err != nil {
		return nil, err
	}
	pr.StartTime = pr.StartTime.UTC()
	pr.EndTime = pr.EndTime.UTC()
	if len(credits) > 0 {
		if err := json.Unmarshal(credits, &pr.Credits); err != nil {
			return nil, fmt.Errorf("decode credits for %s: %w", pr.ID, err)
		}
	}
	return &pr, nil
}

// ReplacePrograms locks the playlist row for the duration of the transaction so
// concurrent replaces for the same playlist run one after the other.
func (p *Postgres) ReplacePrograms(ctx context.Context, playlistID string, programs []models.Program) (int, error) {
	n, err := p.replacePrograms(ctx, playlistID, programs)
	if isSerializationFailure(err) {
		return 0, fmt.Errorf("ReplacePrograms: %w: %v", ErrConcurrentRefresh, err)
	}
	return n, err
}

func (p *Postgres) replacePrograms(ctx context.Context, playlistID string, programs []models.Program) (int, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("ReplacePrograms: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var id string
	err = tx.QueryRow(ctx, `SELECT id FROM playlists WHERE id = $1 FOR UPDATE`, playlistID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("ReplacePrograms: lock playlist: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM programs WHERE playlist_id = $1`, playlistID); err != nil {
		return 0, fmt.Errorf("ReplacePrograms: delete: %w", err)
	}

	rows := dedupePrograms(programs)
	n, err := tx.CopyFrom(ctx,
		pgx.Identifier{"programs"},
		[]string{"playlist_id", "id", "channel_id", "title", "description", "start_time", "end_time",
			"category", "logo_url", "credits"},
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			pr := rows[i]
			credits, err := encodeCredits(pr.Credits)
			if err != nil {
				return nil, err
			}
			return []any{playlistID, pr.ID, pr.ChannelID, pr.Title, pr.Description,
				pr.StartTime, pr.EndTime, pr.Category, pr.LogoURL, credits}, nil
		}),
	)
	if err != nil {
		return 0, fmt.Errorf("ReplacePrograms: copy: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("ReplacePrograms: commit: %w", err)
	}
	return int(n), nil
}

func (p *Postgres) queryPrograms(ctx context.Context, q string, args ...any) ([]models.Program, error) {
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Program
	for rows.Next() {
		pr, err := scanPgProgram(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *pr)
	}
	return out, rows.Err()
}

func (p *Postgres) ProgramsInRange(ctx context.Context, playlistID, channelID string, start, end time.Time) ([]models.Program, error) {
	out, err := p.queryPrograms(ctx,
		`SELECT `+pgProgramColumns+` FROM programs
		 WHERE playlist_id = $1 AND channel_id = $2 AND start_time < $3 AND end_time > $4
		 ORDER BY start_time, id`,
		playlistID, channelID, end, start)
	if err != nil {
		return nil, fmt.Errorf("ProgramsInRange: %w", err)
	}
	return out, nil
}

func (p *Postgres) CurrentProgram(ctx context.Context, playlistID, channelID string, at time.Time) (*models.Program, error) {
	pr, err := scanPgProgram(p.pool.QueryRow(ctx,
		`SELECT `+pgProgramColumns+` FROM programs
		 WHERE playlist_id = $1 AND channel_id = $2 AND start_time <= $3 AND end_time > $3
		 ORDER BY start_time DESC, end_time DESC, id DESC
		 LIMIT 1`,
		playlistID, channelID, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("CurrentProgram: %w", err)
	}
	return pr, nil
}

func (p *Postgres) CurrentAndUpcoming(ctx context.Context, playlistID, channelID string, at time.Time, limit int) ([]models.Program, error) {
	current, err := p.CurrentProgram(ctx, playlistID, channelID, at)
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
	var n *int
	if limit > 0 {
		rest := limit - len(out)
		n = &rest
	}
	upcoming, err := p.queryPrograms(ctx,
		`SELECT `+pgProgramColumns+` FROM programs
		 WHERE playlist_id = $1 AND channel_id = $2 AND start_time >= $3 AND id <> $4
		 ORDER BY start_time, id
		 LIMIT $5`,
		playlistID, channelID, at, excluded, n)
	if err != nil {
		return nil, fmt.Errorf("CurrentAndUpcoming: %w", err)
	}
	return append(out, upcoming...), nil
}

func (p *Postgres) ChannelsWithValidProgramCount(ctx context.Context, playlistID string, at time.Time) (map[string]int, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT c.id, COUNT(pr.id) FROM channels c
		 LEFT JOIN programs pr ON pr.playlist_id = c.playlist_id AND pr.channel_id = c.id AND pr.end_time > $1
		 WHERE c.playlist_id = $2
		 GROUP BY c.id`,
		at, playlistID)
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

func (p *Postgres) DeleteProgramsEndedBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM programs WHERE end_time < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("DeleteProgramsEndedBefore: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- history ---

func (p *Postgres) RecordPlay(ctx context.Context, playlistID, channelID string, at time.Time) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("RecordPlay: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE channels SET last_watched_at = $1 WHERE playlist_id = $2 AND id = $3`,
		at, playlistID, channelID)
	if err != nil {
		return fmt.Errorf("RecordPlay: update channel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO channel_history (id, playlist_id, channel_id, last_played, play_count)
		 VALUES ($1, $2, $3, $4, 1)
		 ON CONFLICT (playlist_id, channel_id) DO UPDATE SET
		   play_count = channel_history.play_count + 1, last_played = EXCLUDED.last_played`,
		uuid.NewString(), playlistID, channelID, at)
	if err != nil {
		return fmt.Errorf("RecordPlay: upsert history: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("RecordPlay: commit: %w", err)
	}
	return nil
}

func (p *Postgres) AddWatchTime(ctx context.Context, w WatchTime) error {
	elapsed := w.ElapsedMs
	if elapsed < 0 {
		elapsed = 0
	}
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO channel_history (id, playlist_id, channel_id, last_played, total_played_ms,
		   current_position_ms, total_duration_ms)
		 SELECT $1::text, c.playlist_id, c.id, $2::timestamptz, $3::bigint, $4::bigint, $5::bigint
		   FROM channels c WHERE c.playlist_id = $6 AND c.id = $7
		 ON CONFLICT (playlist_id, channel_id) DO UPDATE SET
		   total_played_ms = channel_history.total_played_ms + EXCLUDED.total_played_ms,
		   current_position_ms = EXCLUDED.current_position_ms,
		   total_duration_ms = EXCLUDED.total_duration_ms`,
		uuid.NewString(), w.At, elapsed, w.PositionMs, w.DurationMs, w.PlaylistID, w.ChannelID)
	if isForeignKeyViolation(err) || (err == nil && tag.RowsAffected() == 0) {
		// The channel is gone, or was deleted concurrently.
		return fmt.Errorf("AddWatchTime %s/%s: %w", w.PlaylistID, w.ChannelID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("AddWatchTime: %w", err)
	}
	return nil
}

const pgHistoryColumns = `h.id, h.channel_id, h.playlist_id, h.last_played, h.total_played_ms,
	h.play_count, h.current_position_ms, h.total_duration_ms`

func historyDest(h *models.ChannelHistory) []any {
	return []any{&h.ID, &h.ChannelID, &h.PlaylistID, &h.LastPlayedTimestamp, &h.TotalPlayedTimeMs,
		&h.PlayCount, &h.CurrentPositionMs, &h.TotalDurationMs}
}

func (p *Postgres) GetHistory(ctx context.Context, playlistID, channelID string) (*models.ChannelHistory, error) {
	var h models.ChannelHistory
	err := p.pool.QueryRow(ctx,
		`SELECT `+pgHistoryColumns+` FROM channel_history h WHERE h.playlist_id = $1 AND h.channel_id = $2`,
		playlistID, channelID).Scan(historyDest(&h)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetHistory: %w", err)
	}
	h.LastPlayedTimestamp = h.LastPlayedTimestamp.UTC()
	return &h, nil
}

func (p *Postgres) watched(ctx context.Context, playlistID, orderBy string, limit int) ([]models.WatchedChannel, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+pgChannelColumns+`, `+pgHistoryColumns+pgChannelFrom+`
		 JOIN channel_history h ON h.playlist_id = c.playlist_id AND h.channel_id = c.id
		 WHERE c.playlist_id = $1
		 ORDER BY `+orderBy+`
		 LIMIT $2`,
		playlistID, historyLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.WatchedChannel
	for rows.Next() {
		var wc models.WatchedChannel
		if err := rows.Scan(append(channelDest(&wc.Channel), historyDest(&wc.History)...)...); err != nil {
			return nil, err
		}
		wc.History.LastPlayedTimestamp = wc.History.LastPlayedTimestamp.UTC()
		out = append(out, wc)
	}
	return out, rows.Err()
}

func (p *Postgres) MostWatched(ctx context.Context, playlistID string, limit int) ([]models.WatchedChannel, error) {
	out, err := p.watched(ctx, playlistID, "h.total_played_ms DESC, h.last_played DESC, c.id", limit)
	if err != nil {
		return nil, fmt.Errorf("MostWatched: %w", err)
	}
	return out, nil
}

func (p *Postgres) RecentlyWatched(ctx context.Context, playlistID string, limit int) ([]models.WatchedChannel, error) {
	out, err := p.watched(ctx, playlistID, "h.last_played DESC, c.id", limit)
	if err != nil {
		return nil, fmt.Errorf("RecentlyWatched: %w", err)
	}
	return out, nil
}

// --- settings ---

func (p *Postgres) GetSetting(ctx context.Context, key string) (string, error) {
	var v string
	err := p.pool.QueryRow(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("GetSetting: %w", err)
	}
	return v, nil
}

func (p *Postgres) PutSetting(ctx context.Context, key, value string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		key, value)
	if err != nil {
		return fmt.Errorf("PutSetting: %w", err)
	}
	return nil
}
