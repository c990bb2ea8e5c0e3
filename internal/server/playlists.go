package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/voyagen/popcornguide/internal/cache"
	"github.com/voyagen/popcornguide/internal/models"
	"github.com/voyagen/popcornguide/internal/service"
	"github.com/voyagen/popcornguide/internal/store"
)

// playlistResponse adds the last guide refresh time to a playlist.
type playlistResponse struct {
	models.Playlist
	GuideRefreshedAt *time.Time `json:"guide_refreshed_at,omitempty"`
}

func (s *Server) handleListPlaylists(w http.ResponseWriter, r *http.Request) {
	playlists, err := s.store.ListPlaylists(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if playlists == nil {
		playlists = []models.Playlist{}
	}
	writeJSON(w, http.StatusOK, playlists)
}

func validHTTPURL(raw string) bool {
	u, err := url.ParseRequestURI(raw)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https")
}

func (s *Server) handleImportPlaylist(w http.ResponseWriter, r *http.Request) {
	var req service.ImportRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	if req.URL == "" {
		s.writeErr(w, http.StatusBadRequest, service.ErrMissingURL)
		return
	}
	if !validHTTPURL(req.URL) {
		s.writeErr(w, http.StatusBadRequest, fmt.Errorf("url must be a valid http or https URL"))
		return
	}

	res, err := s.ingest.ImportPlaylist(r.Context(), req)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGetPlaylist(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := s.store.GetPlaylist(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	resp := playlistResponse{Playlist: *p}
	at, ok, err := s.ingest.Settings.GuideRefreshedAt(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if ok {
		resp.GuideRefreshedAt = &at
	}
	writeJSON(w, http.StatusOK, resp)
}

type updatePlaylistRequest struct {
	Name      *string `json:"name"`
	SourceURL *string `json:"source_url"`
	GuideURL  *string `json:"guide_url"` // "" clears the guide URL
}

func (s *Server) handleUpdatePlaylist(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req updatePlaylistRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		s.writeErr(w, http.StatusBadRequest, fmt.Errorf("name must not be empty"))
		return
	}
	if req.SourceURL != nil && !validHTTPURL(*req.SourceURL) {
		s.writeErr(w, http.StatusBadRequest, fmt.Errorf("source_url must be a valid http or https URL"))
		return
	}
	if req.GuideURL != nil && *req.GuideURL != "" && !validHTTPURL(*req.GuideURL) {
		s.writeErr(w, http.StatusBadRequest, fmt.Errorf("guide_url must be a valid http or https URL"))
		return
	}

	fields := store.PlaylistUpdate{
		Name:      req.Name,
		SourceURL: req.SourceURL,
		GuideURL:  req.GuideURL,
	}
	if err := s.store.UpdatePlaylist(r.Context(), id, fields); err != nil {
		s.fail(w, err)
		return
	}

	// Return the updated playlist.
	p, err := s.store.GetPlaylist(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDeletePlaylist(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeletePlaylist(r.Context(), r.PathValue("id")); err != nil {
		s.fail(w, err)
		return
	}
	writeNoContent(w)
}

func (s *Server) handleRefreshPlaylist(w http.ResponseWriter, r *http.Request) {
	res, err := s.ingest.RefreshPlaylist(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type refreshGuideRequest struct {
	GuideURL string `json:"guide_url"`
}

// handleRefreshGuide refreshes the guide inline, or with ?async=true hands it
// to the Redis refresh worker and answers 202.
func (s *Server) handleRefreshGuide(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req refreshGuideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}
	if req.GuideURL != "" && !validHTTPURL(req.GuideURL) {
		s.writeErr(w, http.StatusBadRequest, fmt.Errorf("guide_url must be a valid http or https URL"))
		return
	}

	if r.URL.Query().Get("async") == "true" {
		if s.redis == nil {
			s.writeErr(w, http.StatusServiceUnavailable, fmt.Errorf("async refresh needs REDIS_URL"))
			return
		}
		p, err := s.store.GetPlaylist(r.Context(), id)
		if err != nil {
			s.fail(w, err)
			return
		}
		if req.GuideURL == "" && p.GuideURL == nil {
			s.fail(w, service.ErrNoGuideURL)
			return
		}
		job := cache.RefreshJob{PlaylistID: id, GuideURL: req.GuideURL, RequestedAt: time.Now().UTC()}
		if err := cache.Enqueue(r.Context(), s.redis, cache.RefreshQueue, job); err != nil {
			s.writeErr(w, http.StatusInternalServerError, fmt.Errorf("enqueue: %w", err))
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"playlist_id": id,
			"queued":      true,
		})
		return
	}

	res, err := s.ingest.RefreshGuide(r.Context(), id, req.GuideURL)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGuideCoverage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	at, err := queryTime(r, "at", time.Now().UTC())
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	if _, err := s.store.GetPlaylist(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	counts, err := s.store.ChannelsWithValidProgramCount(r.Context(), id, at)
	if err != nil {
		s.fail(w, err)
		return
	}
	covered := 0
	for _, n := range counts {
		if n > 0 {
			covered++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"playlist_id": id,
		"at":          at,
		"channels":    counts,
		"covered":     covered,
	})
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetPlaylist(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	categories, err := s.store.ListCategories(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if categories == nil {
		categories = []models.Category{}
	}
	writeJSON(w, http.StatusOK, categories)
}

func (s *Server) handleMostWatched(w http.ResponseWriter, r *http.Request) {
	s.listWatched(w, r, s.store.MostWatched)
}

func (s *Server) handleRecentlyWatched(w http.ResponseWriter, r *http.Request) {
	s.listWatched(w, r, s.store.RecentlyWatched)
}

func (s *Server) listWatched(w http.ResponseWriter, r *http.Request, list func(ctx context.Context, playlistID string, limit int) ([]models.WatchedChannel, error)) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeErr(w, http.StatusBadRequest, err)
		return
	}
	watched, err := list(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if watched == nil {
		watched = []models.WatchedChannel{}
	}
	writeJSON(w, http.StatusOK, watched)
}
