package models

import "time"

// Channel represents a single stream entry from a playlist.
type Channel struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	StreamURL     string     `json:"stream_url"`
	LogoURL       *string    `json:"logo_url,omitempty"`
	CategoryID    *string    `json:"category_id,omitempty"`
	PlaylistID    string     `json:"playlist_id,omitempty"`
	IsFavorite    bool       `json:"is_favorite"`
	LastWatchedAt *time.Time `json:"last_watched_at,omitempty"`
	Position      int        `json:"position"`
	CategoryName  *string    `json:"category_name,omitempty"` // populated by read queries (joined from categories)
}
