package models

import "time"

// ChannelHistory is the running watch aggregate for one channel of one playlist.
type ChannelHistory struct {
	ID                  string    `json:"id"`
	ChannelID           string    `json:"channel_id"`
	PlaylistID          string    `json:"playlist_id"`
	LastPlayedTimestamp time.Time `json:"last_played_timestamp"`
	TotalPlayedTimeMs   int64     `json:"total_played_time_ms"`
	PlayCount           int64     `json:"play_count"`
	CurrentPositionMs   int64     `json:"current_position_ms"`
	TotalDurationMs     int64     `json:"total_duration_ms"`
}

// WatchedChannel pairs a channel with its history row (most/recently watched listings).
type WatchedChannel struct {
	Channel Channel        `json:"channel"`
	History ChannelHistory `json:"history"`
}
