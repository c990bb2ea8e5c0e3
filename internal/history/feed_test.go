package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedMapsEvents(t *testing.T) {
	tr, rec, clock := newTestTracker(t, 0)
	f := NewFeed(tr)
	ctx := context.Background()

	require.NoError(t, f.Handle(ctx, PlaybackEvent{Kind: EventPlay, PlaylistID: "p1", ChannelID: "c1"}))
	assert.Equal(t, Playing, tr.State())

	require.NoError(t, f.Handle(ctx, PlaybackEvent{Kind: EventPosition, PositionMs: 1_000, DurationMs: 90_000}))
	require.NoError(t, f.Handle(ctx, PlaybackEvent{Kind: EventDuration, DurationMs: 120_000}))
	st := tr.Status()
	assert.EqualValues(t, 1_000, st.PositionMs)
	assert.EqualValues(t, 120_000, st.DurationMs)

	clock.Advance(8 * time.Second)
	require.NoError(t, f.Handle(ctx, PlaybackEvent{Kind: EventState, State: PlayerBuffering}))
	assert.Equal(t, Paused, tr.State())
	clock.Advance(30 * time.Second)
	require.NoError(t, f.Handle(ctx, PlaybackEvent{Kind: EventState, State: PlayerPlaying}))
	assert.Equal(t, Playing, tr.State())

	clock.Advance(2 * time.Second)
	require.NoError(t, f.Handle(ctx, PlaybackEvent{Kind: EventScreen, ScreenOn: false}))
	clock.Advance(time.Minute)
	require.NoError(t, f.Handle(ctx, PlaybackEvent{Kind: EventScreen, ScreenOn: true}))
	clock.Advance(time.Second)
	require.NoError(t, f.Handle(ctx, PlaybackEvent{Kind: EventState, State: PlayerEnded}))

	assert.Equal(t, Idle, tr.State())
	assert.EqualValues(t, 11_000, rec.total("c1"))
}

func TestFeedRejectsBadEvents(t *testing.T) {
	tr, _, _ := newTestTracker(t, 0)
	f := NewFeed(tr)
	ctx := context.Background()

	tests := []struct {
		name string
		ev   PlaybackEvent
	}{
		{"play without channel", PlaybackEvent{Kind: EventPlay, PlaylistID: "p1"}},
		{"play without playlist", PlaybackEvent{Kind: EventPlay, ChannelID: "c1"}},
		{"unknown state", PlaybackEvent{Kind: EventState, State: "rewinding"}},
		{"unknown kind", PlaybackEvent{Kind: "seek"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, f.Handle(ctx, tt.ev), ErrInvalidEvent)
		})
	}
	assert.Equal(t, Idle, tr.State())
}

func TestFeedRunContinuesAfterErrors(t *testing.T) {
	tr, rec, clock := newTestTracker(t, 0)
	f := NewFeed(tr)

	events := make(chan PlaybackEvent)
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.Run(context.Background(), events)
	}()

	events <- PlaybackEvent{Kind: "bogus"}
	events <- PlaybackEvent{Kind: EventPlay, PlaylistID: "p1", ChannelID: "c1"}
	// Run handles events in order, so this send returns after the play was applied.
	events <- PlaybackEvent{Kind: EventPosition, PositionMs: 10}
	clock.Advance(4 * time.Second)
	events <- PlaybackEvent{Kind: EventState, State: PlayerIdle}
	close(events)
	<-done

	assert.Equal(t, Idle, tr.State())
	assert.EqualValues(t, 4_000, rec.total("c1"))
}
