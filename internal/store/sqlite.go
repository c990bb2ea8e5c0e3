package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/voyagen/popcornguide/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var sqliteSchema string

// SQLite implements Store on an embedded SQLite database. It is used for
// single-node deployments and in tests.
type SQLite struct {
	db *sql.DB

	mu         sync.Mutex
	guideLocks map[string]*guideLock
}

// guideLock serializes program replaces of one playlist. refs counts holders
// and waiters so the entry can be dropped once nobody uses it.
type guideLock struct {
	sync.Mutex
	refs int
}

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLite, error) {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Set("_txlock", "immediate")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("exec schema: %w", err)
	}
	return &SQLite{db: db, guideLocks: make(map[string]*guideLock)}, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// lockGuide acquires the program replace lock of playlistID and returns its
// release func.
func (s *SQLite) lockGuide(playlistID string) (unlock func()) {
	s.mu.Lock()
	l, ok := s.guideLocks[playlistID]
	if !ok {
		l = &guideLock{}
		s.guideLocks[playlistID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		s.mu.Lock()
		defer s.mu.Unlock()
		l.refs--
		if l.refs == 0 {
			delete(s.guideLocks, playlistID)
		}
	}
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func strArg(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// likePattern escapes LIKE wildcards in a user search term.
func likePattern(search string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(search) + "%"
}

// --- playlists ---

func (s *SQLite) CreatePlaylist(ctx context.Context, p *models.Playlist, categories []models.Category, channels []models.Channel) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if p.LastUpdated.IsZero() {
		p.LastUpdated = now
	}
	if p.CreatedAt == nil {
		p.CreatedAt = &now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("CreatePlaylist: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO playlists (id, name, source_url, guide_url, last_updated, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.SourceURL, strArg(p.GuideURL), toMillis(p.LastUpdated), toMillis(*p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("CreatePlaylist: insert playlist: %w", err)
	}
	if err := sqliteInsertCategories(ctx, tx, p.ID, categories); err != nil {
		return fmt.Errorf("CreatePlaylist: %w", err)
	}
	if err := sqliteUpsertChannels(ctx, tx, p.ID, channels); err != nil {
		return fmt.Errorf("CreatePlaylist: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("CreatePlaylist: commit: %w", err)
	}
	return nil
}

func sqliteInsertCategories(ctx context.Context, tx *sql.Tx, playlistID string, categories []models.Category) error {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO categories (playlist_id, id, name) VALUES (?, ?, ?)
		 ON CONFLICT (playlist_id, id) DO UPDATE SET name = excluded.name`)
	if err != nil {
		return fmt.Errorf("prepare categories: %w", err)
	}
	defer stmt.Close()
	for _, c := range categories {
		if _, err := stmt.ExecContext(ctx, playlistID, c.ID, c.Name); err != nil {
			return fmt.Errorf("insert category %q: %w", c.Name, err)
		}
	}
	return nil
}

// sqliteUpsertChannels inserts channels; existing rows keep is_favorite and last_watched_at.
func sqliteUpsertChannels(ctx context.Context, tx *sql.Tx, playlistID string, channels []models.Channel) error {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO channels (playlist_id, id, name, stream_url, logo_url, category_id, is_favorite, position)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (playlist_id, id) DO UPDATE SET
		   name = excluded.name, stream_url = excluded.stream_url, logo_url = excluded.logo_url,
		   category_id = excluded.category_id, position = excluded.position`)
	if err != nil {
		return fmt.Errorf("prepare channels: %w", err)
	}
	defer stmt.Close()
	for i := range channels {
		ch := &channels[i]
		ch.PlaylistID = playlistID
		if _, err := stmt.ExecContext(ctx, playlistID, ch.ID, ch.Name, ch.StreamURL, strArg(ch.LogoURL),
			strArg(ch.CategoryID), boolInt(ch.IsFavorite), ch.Position); err != nil {
			return fmt.Errorf("insert channel %q: %w", ch.ID, err)
		}
	}
	return nil
}

func (s *SQLite) ReplacePlaylistChannels(ctx context.Context, playlistID string, guideURL *string, categories []models.Category, channels []models.Channel) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ReplacePlaylistChannels: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE playlists SET guide_url = COALESCE(?, guide_url), last_updated = ? WHERE id = ?`,
		strArg(guideURL), toMillis(time.Now()), playlistID)
	if err != nil {
		return fmt.Errorf("ReplacePlaylistChannels: update playlist: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	existing, err := sqliteChannelIDs(ctx, tx, playlistID)
	if err != nil {
		return fmt.Errorf("ReplacePlaylistChannels: %w", err)
	}
	keep := make(map[string]bool, len(channels))
	for _, ch := range channels {
		keep[ch.ID] = true
	}
	for _, id := range existing {
		if keep[id] {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM programs WHERE playlist_id = ? AND channel_id = ?`, playlistID, id); err != nil {
			return fmt.Errorf("ReplacePlaylistChannels: delete programs: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM channel_history WHERE playlist_id = ? AND channel_id = ?`, playlistID, id); err != nil {
			return fmt.Errorf("ReplacePlaylistChannels: delete history: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM channels WHERE playlist_id = ? AND id = ?`, playlistID, id); err != nil {
			return fmt.Errorf("ReplacePlaylistChannels: delete channel: %w", err)
		}
	}

	// Categories go in before the channels that reference them and stale ones
	// are removed only once no channel points at them.
	if err := sqliteInsertCategories(ctx, tx, playlistID, categories); err != nil {
		return fmt.Errorf("ReplacePlaylistChannels: %w", err)
	}
	if err := sqliteUpsertChannels(ctx, tx, playlistID, channels); err != nil {
		return fmt.Errorf("ReplacePlaylistChannels: %w", err)
	}
	catIDs := make([]string, 0, len(categories))
	for _, c := range categories {
		catIDs = append(catIDs, c.ID)
	}
	keepCats, err := json.Marshal(catIDs)
	if err != nil {
		return fmt.Errorf("ReplacePlaylistChannels: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM categories WHERE playlist_id = ? AND id NOT IN (SELECT value FROM json_each(?))`,
		playlistID, string(keepCats)); err != nil {
		return fmt.Errorf("ReplacePlaylistChannels: delete categories: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ReplacePlaylistChannels: commit: %w", err)
	}
	return nil
}

func sqliteChannelIDs(ctx context.Context, tx *sql.Tx, playlistID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM channels WHERE playlist_id = ?`, playlistID)
	if err != nil {
		return nil, fmt.Errorf("list channel ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan channel id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const sqlitePlaylistColumns = `id, name, source_url, guide_url, last_updated, created_at`

func scanSQLitePlaylist(scanner interface{ Scan(dest ...any) error }) (*models.Playlist, error) {
	var (
		p           models.Playlist
		guideURL    sql.NullString
		lastUpdated int64
		createdAt   int64
	)
	if err := scanner.Scan(&p.ID, &p.Name, &p.SourceURL, &guideURL, &lastUpdated, &createdAt); err != nil {
		return nil, err
	}
	p.GuideURL = nullString(guideURL)
	p.LastUpdated = fromMillis(lastUpdated)
	created := fromMillis(createdAt)
	p.CreatedAt = &created
	return &p, nil
}

func (s *SQLite) GetPlaylist(ctx context.Context, playlistID string) (*models.Playlist, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqlitePlaylistColumns+` FROM playlists WHERE id = ?`, playlistID)
	p, err := scanSQLitePlaylist(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetPlaylist: %w", err)
	}
	return p, nil
}

func (s *SQLite) ListPlaylists(ctx context.Context) ([]models.Playlist, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqlitePlaylistColumns+` FROM playlists ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("ListPlaylists: %w", err)
	}
	defer rows.Close()
	var out []models.Playlist
	for rows.Next() {
		p, err := scanSQLitePlaylist(rows)
		if err != nil {
			return nil, fmt.Errorf("ListPlaylists scan: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *SQLite) UpdatePlaylist(ctx context.Context, playlistID string, fields PlaylistUpdate) error {
	var (
		sets []string
		args []any
	)
	if fields.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *fields.Name)
	}
	if fields.SourceURL != nil {
		sets = append(sets, "source_url = ?")
		args = append(args, *fields.SourceURL)
	}
	if fields.GuideURL != nil {
		sets = append(sets, "guide_url = NULLIF(?, '')")
		args = append(args, *fields.GuideURL)
	}
	if fields.Touch != nil {
		sets = append(sets, "last_updated = ?")
		args = append(args, toMillis(*fields.Touch))
	}
	if len(sets) == 0 {
		_, err := s.GetPlaylist(ctx, playlistID)
		return err
	}
	args = append(args, playlistID)
	res, err := s.db.ExecContext(ctx, `UPDATE playlists SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("UpdatePlaylist: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) DeletePlaylist(ctx context.Context, playlistID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("DeletePlaylist: begin: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM programs WHERE playlist_id = ?`,
		`DELETE FROM channel_history WHERE playlist_id = ?`,
		`DELETE FROM channels WHERE playlist_id = ?`,
		`DELETE FROM categories WHERE playlist_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, playlistID); err != nil {
			return fmt.Errorf("DeletePlaylist: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM playlists WHERE id = ?`, playlistID)
	if err != nil {
		return fmt.Errorf("DeletePlaylist: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("DeletePlaylist: commit: %w", err)
	}
	return nil
}

// --- categories & channels ---

func (s *SQLite) ListCategories(ctx context.Context, playlistID string) ([]models.Category, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, playlist_id FROM categories WHERE playlist_id = ? ORDER BY name, id`, playlistID)
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

const sqliteChannelColumns = `c.id, c.name, c.stream_url, c.logo_url, c.category_id, c.playlist_id,
	c.is_favorite, c.last_watched_at, c.position, cat.name`

const sqliteChannelFrom = ` FROM channels c
	LEFT JOIN categories cat ON cat.playlist_id = c.playlist_id AND cat.id = c.category_id`

func scanSQLiteChannel(scanner interface{ Scan(dest ...any) error }) (*models.Channel, error) {
	var (
		ch           models.Channel
		logo         sql.NullString
		categoryID   sql.NullString
		favorite     int
		lastWatched  sql.NullInt64
		categoryName sql.NullString
	)
	if err := scanner.Scan(&ch.ID, &ch.Name, &ch.StreamURL, &logo, &categoryID, &ch.PlaylistID,
		&favorite, &lastWatched, &ch.Position, &categoryName); err != nil {
		return nil, err
	}
	ch.LogoURL = nullString(logo)
	ch.CategoryID = nullString(categoryID)
	ch.IsFavorite = favorite != 0
	ch.LastWatchedAt = nullTime(lastWatched)
	ch.CategoryName = nullString(categoryName)
	return &ch, nil
}

func (s *SQLite) ListChannels(ctx context.Context, filter ChannelFilter) ([]models.Channel, int, error) {
	filter.normalize()
	where := []string{"c.playlist_id = ?"}
	args := []any{filter.PlaylistID}
	if filter.CategoryID != nil {
		where = append(where, "c.category_id = ?")
		args = append(args, *filter.CategoryID)
	}
	if filter.Favorite != nil {
		where = append(where, "c.is_favorite = ?")
		args = append(args, boolInt(*filter.Favorite))
	}
	if filter.Search != "" {
		where = append(where, `c.name LIKE ? ESCAPE '\'`)
		args = append(args, likePattern(filter.Search))
	}
	cond := " WHERE " + strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM channels c`+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListChannels count: %w", err)
	}

	q := `SELECT ` + sqliteChannelColumns + sqliteChannelFrom + cond + ` ORDER BY c.position, c.id LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, q, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListChannels: %w", err)
	}
	defer rows.Close()
	var out []models.Channel
	for rows.Next() {
		ch, err := scanSQLiteChannel(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("ListChannels scan: %w", err)
		}
		out = append(out, *ch)
	}
	return out, total, rows.Err()
}

func (s *SQLite) GetChannel(ctx context.Context, playlistID, channelID string) (*models.Channel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteChannelColumns+sqliteChannelFrom+` WHERE c.playlist_id = ? AND c.id = ?`,
		playlistID, channelID)
	ch, err := scanSQLiteChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetChannel: %w", err)
	}
	return ch, nil
}

func (s *SQLite) SetChannelFavorite(ctx context.Context, playlistID, channelID string, favorite bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE channels SET is_favorite = ? WHERE playlist_id = ? AND id = ?`,
		boolInt(favorite), playlistID, channelID)
	if err != nil {
		return fmt.Errorf("SetChannelFavorite: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
