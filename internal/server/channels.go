package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/voyagen/popcornguide/internal/models"
	"github.com/voyagen/popcornguide/internal/store"
)

// defaultProgramWindow is the range served by the programs endpoint when end is omitted.
const defaultProgramWindow = 24 * time.Hour

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := store.ChannelFilter{
		PlaylistID: r.PathValue("id"),
		Search:     q.Get("search"),
	}
	if v := q.Get("category_id"); v != "" {
		filter.CategoryID = &v
	}
	if v := q.Get("favorite"); v != "" {
		switch v {
		case "true", "1":
			fav := true
			filter.Favorite = &fav
		case "false", "0":
			fav := false
			filter.Favorite = &fav
		default:
			s.writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid favorite: %s (use true or false)", v))
			return
		}
	}
	var err error
	if filter.Limit, err = queryInt(r, "limit", 50); err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	if filter.Offset, err = queryInt(r, "offset", 0); err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}

	// Apply defaults so the response reflects actual values used.
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 500 {
		filter.Limit = 500
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	channels, total, err := s.store.ListChannels(r.Context(), filter)
	if err != nil {
		s.fail(w, err)
		return
	}
	if channels == nil {
		channels = []models.Channel{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"channels": channels,
		"total":    total,
		"limit":    filter.Limit,
		"offset":   filter.Offset,
	})
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := s.store.GetChannel(r.Context(), r.PathValue("id"), r.PathValue("cid"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

type setFavoriteRequest struct {
	Favorite bool `json:"favorite"`
}

func (s *Server) handleSetFavorite(w http.ResponseWriter, r *http.Request) {
	playlistID, channelID := r.PathValue("id"), r.PathValue("cid")

	var req setFavoriteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.SetChannelFavorite(r.Context(), playlistID, channelID, req.Favorite); err != nil {
		s.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"playlist_id": playlistID,
		"channel_id":  channelID,
		"favorite":    req.Favorite,
	})
}

func (s *Server) handleChannelHistory(w http.ResponseWriter, r *http.Request) {
	h, err := s.store.GetHistory(r.Context(), r.PathValue("id"), r.PathValue("cid"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// handleProgramsInRange serves programs intersecting [start, end). start
// defaults to now and end to start plus 24h.
func (s *Server) handleProgramsInRange(w http.ResponseWriter, r *http.Request) {
	start, err := queryTime(r, "start", time.Now().UTC())
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	end, err := queryTime(r, "end", start.Add(defaultProgramWindow))
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	if !start.Before(end) {
		s.writeErr(w, http.StatusBadRequest, fmt.Errorf("start must be before end"))
		return
	}

	programs, err := s.store.ProgramsInRange(r.Context(), r.PathValue("id"), r.PathValue("cid"), start, end)
	if err != nil {
		s.fail(w, err)
		return
	}
	if programs == nil {
		programs = []models.Program{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"start":    start,
		"end":      end,
		"programs": programs,
	})
}

func (s *Server) handleCurrentProgram(w http.ResponseWriter, r *http.Request) {
	at, err := queryTime(r, "at", time.Now().UTC())
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	p, err := s.store.CurrentProgram(r.Context(), r.PathValue("id"), r.PathValue("cid"), at)
	if err != nil {
		s.fail(w, err)
		return
	}
	// A channel with nothing on air answers with a null program.
	writeJSON(w, http.StatusOK, map[string]any{
		"at":      at,
		"program": p,
	})
}

func (s *Server) handleUpcoming(w http.ResponseWriter, r *http.Request) {
	at, err := queryTime(r, "at", time.Now().UTC())
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	limit, err := queryInt(r, "limit", 10)
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	programs, err := s.store.CurrentAndUpcoming(r.Context(), r.PathValue("id"), r.PathValue("cid"), at, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if programs == nil {
		programs = []models.Program{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"at":       at,
		"programs": programs,
	})
}
