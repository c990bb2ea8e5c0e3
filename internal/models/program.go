package models

import (
	"strconv"
	"time"
)

// Program is one scheduled broadcast on a channel. StartTime is always before EndTime.
type Program struct {
	ID          string    `json:"id"`
	PlaylistID  string    `json:"playlist_id,omitempty"`
	ChannelID   string    `json:"channel_id"`
	Title       string    `json:"title"`
	Description *string   `json:"description,omitempty"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Category    *string   `json:"category,omitempty"`
	LogoURL     *string   `json:"logo_url,omitempty"`
	Credits     []Credit  `json:"credits,omitempty"`
}

// Credit is one person credited on a program (director, actor, presenter, ...).
type Credit struct {
	Role string `json:"role"`
	Name string `json:"name"`
}

// ProgramID returns the deterministic program id for a channel and start time,
// so that re-ingesting identical guide data yields identical ids.
func ProgramID(channelID string, start time.Time) string {
	return channelID + "_" + strconv.FormatInt(start.UnixMilli(), 10)
}

// AiringAt reports whether the program is on air at t (start inclusive, end exclusive).
func (p *Program) AiringAt(t time.Time) bool {
	return !t.Before(p.StartTime) && t.Before(p.EndTime)
}
