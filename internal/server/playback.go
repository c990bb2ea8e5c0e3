package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/voyagen/popcornguide/internal/history"
	"github.com/voyagen/popcornguide/internal/store"
)

func (s *Server) handlePlaybackStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.Status())
}

// handlePlaybackEvent applies one player event to the history tracker and
// returns the resulting status. A play event for an unknown channel is 404.
func (s *Server) handlePlaybackEvent(w http.ResponseWriter, r *http.Request) {
	var ev history.PlaybackEvent
	if err := decodeJSON(r, &ev); err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	if ev.Kind == history.EventPlay {
		if ev.PlaylistID == "" || ev.ChannelID == "" {
			s.writeErr(w, http.StatusBadRequest, fmt.Errorf("play event needs playlist_id and channel_id"))
			return
		}
		if _, err := s.store.GetChannel(r.Context(), ev.PlaylistID, ev.ChannelID); err != nil {
			s.fail(w, err)
			return
		}
	}

	if err := s.feed.Handle(r.Context(), ev); err != nil {
		switch {
		case errors.Is(err, history.ErrInvalidEvent):
			s.writeErr(w, http.StatusBadRequest, err)
		case errors.Is(err, history.ErrClosed):
			s.writeErr(w, http.StatusServiceUnavailable, err)
		case errors.Is(err, store.ErrNotFound):
			// Channel removed after the lookup above; the tracker stayed idle.
			s.fail(w, err)
		default:
			// Watch time that failed to persist stays queued in the tracker.
			s.log.WithError(err).WithField("kind", ev.Kind).Warn("playback event")
			writeJSON(w, http.StatusAccepted, s.tracker.Status())
		}
		return
	}
	writeJSON(w, http.StatusOK, s.tracker.Status())
}
