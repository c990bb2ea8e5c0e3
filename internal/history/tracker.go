// Package history tracks watch time of the channel currently playing and
// persists it as per-channel history rows.
package history

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/voyagen/popcornguide/internal/logging"
	"github.com/voyagen/popcornguide/internal/store"
	"github.com/voyagen/popcornguide/internal/telemetry"
)

// DefaultFlushInterval is how often partial watch time is persisted while playing.
const DefaultFlushInterval = 30 * time.Second

const (
	flushTimeout   = 10 * time.Second
	maxPendingRows = 64
)

// ErrClosed is returned by handlers called after Close.
var ErrClosed = errors.New("history tracker closed")

// State is the logical playback state.
type State int

const (
	Idle State = iota
	Playing
	Paused
)

func (s State) String() string {
	switch s {
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	default:
		return "idle"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Recorder is the persistence the tracker writes to.
type Recorder interface {
	RecordPlay(ctx context.Context, playlistID, channelID string, at time.Time) error
	AddWatchTime(ctx context.Context, w store.WatchTime) error
}

// Options configures a Tracker.
type Options struct {
	FlushInterval time.Duration // default 30s
	Now           func() time.Time
	Log           *logrus.Entry
}

// Status is a snapshot of the tracker.
type Status struct {
	State      State  `json:"state"`
	PlaylistID string `json:"playlist_id,omitempty"`
	ChannelID  string `json:"channel_id,omitempty"`
	ScreenOn   bool   `json:"screen_on"`
	PositionMs int64  `json:"position_ms"`
	DurationMs int64  `json:"duration_ms"`
	PendingMs  int64  `json:"pending_ms"`
}

// Tracker is the watch-time state machine. One mutex guards the state, the
// session start and every flush, so periodic and manual flushes never count
// the same interval twice.
type Tracker struct {
	rec      Recorder
	interval time.Duration
	now      func() time.Time
	log      *logrus.Entry
	ticker   func(time.Duration) (<-chan time.Time, func())

	mu           sync.Mutex
	state        State
	playlistID   string
	channelID    string
	screenOn     bool
	sessionStart time.Time
	positionMs   int64
	durationMs   int64
	pending      []store.WatchTime // failed writes, retried oldest first
	closed       bool

	// generation changes whenever the periodic task is replaced or stopped.
	generation uint64
	cancel     context.CancelFunc
	done       chan struct{}
}

// New returns an idle tracker writing to rec.
func New(rec Recorder, opts Options) *Tracker {
	t := &Tracker{
		rec:      rec,
		interval: opts.FlushInterval,
		now:      opts.Now,
		log:      opts.Log,
		screenOn: true,
		ticker: func(d time.Duration) (<-chan time.Time, func()) {
			tk := time.NewTicker(d)
			return tk.C, tk.Stop
		},
	}
	if t.interval <= 0 {
		t.interval = DefaultFlushInterval
	}
	if t.now == nil {
		t.now = time.Now
	}
	if t.log == nil {
		t.log = logging.Discard()
	}
	t.log = t.log.WithField("component", "history")
	return t
}

// State returns the logical playback state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Status returns a snapshot of the tracker.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	var pending int64
	for _, w := range t.pending {
		pending += w.ElapsedMs
	}
	return Status{
		State:      t.state,
		PlaylistID: t.playlistID,
		ChannelID:  t.channelID,
		ScreenOn:   t.screenOn,
		PositionMs: t.positionMs,
		DurationMs: t.durationMs,
		PendingMs:  pending,
	}
}

// OnChannelPlay starts tracking channelID. Time accumulated on the previous
// channel is flushed first and its periodic task is cancelled before the new
// one starts. A channel the store does not know is rejected with
// store.ErrNotFound and leaves the tracker idle.
func (t *Tracker) OnChannelPlay(ctx context.Context, channelID, playlistID string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	var flushErr error
	if t.channelID != "" {
		flushErr = t.flushLocked(ctx)
	}
	cancel, done := t.stopTaskLocked()

	now := t.now()
	playErr := t.rec.RecordPlay(ctx, playlistID, channelID, now)
	if errors.Is(playErr, store.ErrNotFound) {
		// Unknown channel: the previous session has ended and nothing new starts.
		t.playlistID, t.channelID = "", ""
		t.positionMs, t.durationMs = 0, 0
		t.state = Idle
		t.mu.Unlock()
		join(cancel, done)
		return errors.Join(flushErr, playErr)
	}
	t.playlistID = playlistID
	t.channelID = channelID
	t.state = Playing
	t.sessionStart = now
	t.positionMs, t.durationMs = 0, 0
	t.startTaskLocked()
	t.mu.Unlock()

	join(cancel, done)
	if playErr != nil {
		t.log.WithError(playErr).WithField("channel_id", channelID).Warn("record play failed")
	}
	return errors.Join(flushErr, playErr)
}

// OnPlaybackPaused flushes the running session and pauses. No-op unless playing.
func (t *Tracker) OnPlaybackPaused(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Playing {
		return nil
	}
	err := t.flushLocked(ctx)
	t.state = Paused
	return err
}

// OnPlaybackResumed restarts the clock from now. No-op unless paused on a channel.
func (t *Tracker) OnPlaybackResumed(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Paused || t.channelID == "" {
		return nil
	}
	t.sessionStart = t.now()
	t.state = Playing
	return nil
}

// OnPlaybackStopped flushes, cancels the periodic task and goes idle. When it
// returns, no further flush for the stopped session can happen.
func (t *Tracker) OnPlaybackStopped(ctx context.Context) error {
	t.mu.Lock()
	err := t.stopLocked(ctx)
	cancel, done := t.stopTaskLocked()
	t.mu.Unlock()

	join(cancel, done)
	return err
}

// OnScreenStateChanged stops the clock while the screen is off without
// changing the logical state. Turning the screen on restarts the clock from now.
func (t *Tracker) OnScreenStateChanged(ctx context.Context, on bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if on == t.screenOn {
		return nil
	}
	if !on {
		var err error
		if t.state == Playing {
			err = t.flushLocked(ctx)
		}
		t.screenOn = false
		return err
	}
	t.screenOn = true
	t.sessionStart = t.now()
	return nil
}

// OnPositionChanged records the decoder position for resume.
func (t *Tracker) OnPositionChanged(positionMs, durationMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if positionMs >= 0 {
		t.positionMs = positionMs
	}
	if durationMs > 0 {
		t.durationMs = durationMs
	}
}

// Close stops tracking with a final flush. Pending writes that still fail are
// dropped and logged.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	err := t.stopLocked(ctx)
	if len(t.pending) > 0 {
		t.log.WithField("rows", len(t.pending)).Error("dropping unflushed watch time on close")
		t.pending = nil
	}
	cancel, done := t.stopTaskLocked()
	t.mu.Unlock()

	join(cancel, done)
	return err
}

func (t *Tracker) stopLocked(ctx context.Context) error {
	if t.channelID == "" {
		t.state = Idle
		return nil
	}
	err := t.flushLocked(ctx)
	t.playlistID, t.channelID = "", ""
	t.positionMs, t.durationMs = 0, 0
	t.state = Idle
	return err
}

func (t *Tracker) clockRunning() bool {
	return t.state == Playing && t.screenOn
}

// flushLocked persists time elapsed since the session start and advances the
// session start to now in the same critical section. Every queued row is tried
// on each flush: rows whose channel no longer exists are dropped, other
// failures stay queued for the next flush.
func (t *Tracker) flushLocked(ctx context.Context) error {
	now := t.now()
	if t.channelID != "" && t.clockRunning() {
		elapsed := now.Sub(t.sessionStart).Milliseconds()
		t.sessionStart = now
		if elapsed > 0 {
			t.enqueueLocked(store.WatchTime{
				PlaylistID: t.playlistID,
				ChannelID:  t.channelID,
				ElapsedMs:  elapsed,
				PositionMs: t.positionMs,
				DurationMs: t.durationMs,
				At:         now,
			})
		}
	}

	var errs []error
	kept := t.pending[:0]
	for _, w := range t.pending {
		err := t.rec.AddWatchTime(ctx, w)
		telemetry.RecordFlush(err, time.Duration(w.ElapsedMs)*time.Millisecond)
		switch {
		case err == nil:
		case errors.Is(err, store.ErrNotFound):
			t.log.WithError(err).WithFields(logrus.Fields{
				"playlist_id": w.PlaylistID,
				"channel_id":  w.ChannelID,
				"elapsed_ms":  w.ElapsedMs,
			}).Warn("dropping watch time for deleted channel")
		default:
			kept = append(kept, w)
			errs = append(errs, err)
		}
	}
	if len(kept) == 0 {
		t.pending = nil
	} else {
		t.pending = kept
	}
	return errors.Join(errs...)
}

// enqueueLocked appends w, merging it into the last queued row of the same channel.
func (t *Tracker) enqueueLocked(w store.WatchTime) {
	if n := len(t.pending); n > 0 {
		last := &t.pending[n-1]
		if last.PlaylistID == w.PlaylistID && last.ChannelID == w.ChannelID {
			last.ElapsedMs += w.ElapsedMs
			last.PositionMs, last.DurationMs, last.At = w.PositionMs, w.DurationMs, w.At
			return
		}
	}
	if len(t.pending) >= maxPendingRows {
		t.log.WithField("channel_id", t.pending[0].ChannelID).Error("pending watch time overflow, dropping oldest row")
		t.pending = t.pending[1:]
	}
	t.pending = append(t.pending, w)
}

func (t *Tracker) startTaskLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.cancel, t.done = cancel, done
	go t.run(ctx, t.generation, done)
}

// stopTaskLocked invalidates the running task. The caller must join it with
// join after releasing the mutex, since the task may be waiting for it.
func (t *Tracker) stopTaskLocked() (context.CancelFunc, chan struct{}) {
	t.generation++
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	return cancel, done
}

func join(cancel context.CancelFunc, done chan struct{}) {
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (t *Tracker) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)
	ticks, stop := t.ticker(t.interval)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			t.periodicFlush(ctx, gen)
		}
	}
}

// periodicFlush never returns an error: failures stay queued for the next tick.
func (t *Tracker) periodicFlush(ctx context.Context, gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.generation || ctx.Err() != nil {
		return
	}
	fctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := t.flushLocked(fctx); err != nil {
		t.log.WithError(err).WithField("channel_id", t.channelID).Warn("periodic flush failed, will retry")
	}
}
