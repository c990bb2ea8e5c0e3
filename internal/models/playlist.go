package models

import "time"

// Playlist represents one IPTV playlist source (e.g. one M3U URL) and owns
// its categories, channels, programs and watch history.
type Playlist struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	SourceURL   string     `json:"source_url"`
	GuideURL    *string    `json:"guide_url,omitempty"`
	LastUpdated time.Time  `json:"last_updated"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
}
