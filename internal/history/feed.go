package history

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidEvent is returned by Handle for events it cannot apply.
var ErrInvalidEvent = errors.New("invalid playback event")

// EventKind identifies a playback feed event.
type EventKind string

const (
	EventPlay     EventKind = "play"     // a channel was tuned (PlaylistID, ChannelID)
	EventState    EventKind = "state"    // decoder state changed (State)
	EventPosition EventKind = "position" // position/duration update (PositionMs, DurationMs)
	EventDuration EventKind = "duration" // duration became known (DurationMs)
	EventScreen   EventKind = "screen"   // display turned on or off (ScreenOn)
)

// PlayerState is a decoder-level state.
type PlayerState string

const (
	PlayerPlaying   PlayerState = "playing"
	PlayerPaused    PlayerState = "paused"
	PlayerBuffering PlayerState = "buffering"
	PlayerEnded     PlayerState = "ended"
	PlayerIdle      PlayerState = "idle"
)

// PlaybackEvent is one event emitted by the player.
type PlaybackEvent struct {
	Kind       EventKind   `json:"kind"`
	PlaylistID string      `json:"playlist_id,omitempty"`
	ChannelID  string      `json:"channel_id,omitempty"`
	State      PlayerState `json:"state,omitempty"`
	PositionMs int64       `json:"position_ms,omitempty"`
	DurationMs int64       `json:"duration_ms,omitempty"`
	ScreenOn   bool        `json:"screen_on,omitempty"`
}

// Feed maps playback events onto tracker transitions. It never calls back
// into the player.
type Feed struct {
	tracker *Tracker
}

// NewFeed returns a Feed driving tracker.
func NewFeed(tracker *Tracker) *Feed {
	return &Feed{tracker: tracker}
}

// Handle applies one event.
func (f *Feed) Handle(ctx context.Context, ev PlaybackEvent) error {
	t := f.tracker
	switch ev.Kind {
	case EventPlay:
		if ev.ChannelID == "" || ev.PlaylistID == "" {
			return fmt.Errorf("%w: play needs playlist_id and channel_id", ErrInvalidEvent)
		}
		return t.OnChannelPlay(ctx, ev.ChannelID, ev.PlaylistID)
	case EventState:
		switch ev.State {
		case PlayerPlaying:
			return t.OnPlaybackResumed(ctx)
		case PlayerPaused, PlayerBuffering:
			// Stalled playback is not watch time.
			return t.OnPlaybackPaused(ctx)
		case PlayerEnded, PlayerIdle:
			return t.OnPlaybackStopped(ctx)
		default:
			return fmt.Errorf("%w: unknown player state %q", ErrInvalidEvent, ev.State)
		}
	case EventPosition:
		t.OnPositionChanged(ev.PositionMs, ev.DurationMs)
		return nil
	case EventDuration:
		t.OnPositionChanged(-1, ev.DurationMs)
		return nil
	case EventScreen:
		return t.OnScreenStateChanged(ctx, ev.ScreenOn)
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, ev.Kind)
	}
}

// Run consumes events until events is closed or ctx is done. Handler errors
// are logged; they never stop the feed.
func (f *Feed) Run(ctx context.Context, events <-chan PlaybackEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := f.Handle(ctx, ev); err != nil {
				f.tracker.log.WithError(err).WithField("kind", ev.Kind).Warn("playback event failed")
			}
		}
	}
}
