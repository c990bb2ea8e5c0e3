// Package settings provides scoped key/value settings persisted through the
// store, with change subscribers.
package settings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/voyagen/popcornguide/internal/store"
)

// Backend persists setting values.
type Backend interface {
	GetSetting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value string) error
}

// Settings reads and writes settings and notifies subscribers of changes.
type Settings struct {
	backend Backend

	writeMu sync.Mutex // serializes compare-and-write in Set

	mu         sync.Mutex
	nextID     int
	subs       map[string]map[int]func(value string)
	prefixSubs map[int]prefixSub
}

type prefixSub struct {
	prefix string
	fn     func(key, value string)
}

// New returns Settings over backend.
func New(backend Backend) *Settings {
	return &Settings{
		backend:    backend,
		subs:       make(map[string]map[int]func(string)),
		prefixSubs: make(map[int]prefixSub),
	}
}

// Get returns the value of key and whether it is set.
func (s *Settings) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.backend.GetSetting(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("settings get %s: %w", key, err)
	}
	return v, true, nil
}

// Set writes value under key. Subscribers of key are called once, after the
// write, and only when the stored value actually changed.
func (s *Settings) Set(ctx context.Context, key, value string) error {
	s.writeMu.Lock()
	old, ok, err := s.Get(ctx, key)
	if err != nil {
		s.writeMu.Unlock()
		return err
	}
	if ok && old == value {
		s.writeMu.Unlock()
		return nil
	}
	if err := s.backend.PutSetting(ctx, key, value); err != nil {
		s.writeMu.Unlock()
		return fmt.Errorf("settings put %s: %w", key, err)
	}
	s.writeMu.Unlock()

	keyed, prefixed := s.subscribers(key)
	for _, fn := range keyed {
		fn(value)
	}
	for _, fn := range prefixed {
		fn(key, value)
	}
	return nil
}

// Subscribe registers fn for changes of key. The returned cancel removes it.
func (s *Settings) Subscribe(key string, fn func(value string)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	if s.subs[key] == nil {
		s.subs[key] = make(map[int]func(string))
	}
	s.subs[key][id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[key], id)
		if len(s.subs[key]) == 0 {
			delete(s.subs, key)
		}
	}
}

// SubscribePrefix registers fn for changes of every key starting with prefix.
func (s *Settings) SubscribePrefix(prefix string, fn func(key, value string)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.prefixSubs[id] = prefixSub{prefix: prefix, fn: fn}
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.prefixSubs, id)
	}
}

func (s *Settings) subscribers(key string) (keyed []func(string), prefixed []func(string, string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fn := range s.subs[key] {
		keyed = append(keyed, fn)
	}
	for _, sub := range s.prefixSubs {
		if strings.HasPrefix(key, sub.prefix) {
			prefixed = append(prefixed, sub.fn)
		}
	}
	return keyed, prefixed
}

const guideRefreshedPrefix = "guide.last_refreshed."

// GuideRefreshedKey is the setting holding a playlist's last successful guide refresh.
func GuideRefreshedKey(playlistID string) string {
	return guideRefreshedPrefix + playlistID
}

// OnGuideRefreshed calls fn after every recorded guide refresh of any playlist.
// Values that fail to parse are skipped.
func (s *Settings) OnGuideRefreshed(fn func(playlistID string, at time.Time)) (cancel func()) {
	return s.SubscribePrefix(guideRefreshedPrefix, func(key, value string) {
		at, err := time.Parse(time.RFC3339Nano, value)
		if err != nil {
			return
		}
		fn(strings.TrimPrefix(key, guideRefreshedPrefix), at)
	})
}

// GuideRefreshedAt returns when the playlist's guide was last refreshed.
func (s *Settings) GuideRefreshedAt(ctx context.Context, playlistID string) (time.Time, bool, error) {
	v, ok, err := s.Get(ctx, GuideRefreshedKey(playlistID))
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("settings: bad timestamp %q for %s: %w", v, playlistID, err)
	}
	return t, true, nil
}

// SetGuideRefreshedAt records a successful guide refresh.
func (s *Settings) SetGuideRefreshedAt(ctx context.Context, playlistID string, at time.Time) error {
	return s.Set(ctx, GuideRefreshedKey(playlistID), at.UTC().Format(time.RFC3339Nano))
}
