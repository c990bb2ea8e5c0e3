package models

// Category represents a channel group derived from a playlist group tag (e.g. group-title).
type Category struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PlaylistID string `json:"playlist_id,omitempty"`
}
