// Package server exposes playlists, guides and watch history as a JSON HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/voyagen/popcornguide/api"
	"github.com/voyagen/popcornguide/internal/cache"
	"github.com/voyagen/popcornguide/internal/config"
	"github.com/voyagen/popcornguide/internal/fetcher"
	"github.com/voyagen/popcornguide/internal/history"
	"github.com/voyagen/popcornguide/internal/logging"
	"github.com/voyagen/popcornguide/internal/parser"
	"github.com/voyagen/popcornguide/internal/service"
	"github.com/voyagen/popcornguide/internal/store"
)

// Server holds dependencies for the HTTP API.
type Server struct {
	store   store.Store
	ingest  *service.Ingestor
	tracker *history.Tracker
	feed    *history.Feed
	redis   *cache.Redis // nil when REDIS_URL is not set
	cfg     *config.Config
	log     *logrus.Entry
	mux     *http.ServeMux
}

// New creates a Server and registers routes.
// rds may be nil; asynchronous guide refreshes are then unavailable.
func New(s store.Store, ing *service.Ingestor, tr *history.Tracker, cfg *config.Config, rds *cache.Redis, log *logrus.Entry) *Server {
	if log == nil {
		log = logging.Discard()
	}
	srv := &Server{
		store:   s,
		ingest:  ing,
		tracker: tr,
		feed:    history.NewFeed(tr),
		redis:   rds,
		cfg:     cfg,
		log:     log.WithField("component", "http"),
		mux:     http.NewServeMux(),
	}
	srv.routes()
	return srv
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	// Playlists
	s.mux.HandleFunc("GET /api/playlists", s.handleListPlaylists)
	s.mux.HandleFunc("POST /api/playlists", s.handleImportPlaylist)
	s.mux.HandleFunc("GET /api/playlists/{id}", s.handleGetPlaylist)
	s.mux.HandleFunc("PATCH /api/playlists/{id}", s.handleUpdatePlaylist)
	s.mux.HandleFunc("DELETE /api/playlists/{id}", s.handleDeletePlaylist)
	s.mux.HandleFunc("POST /api/playlists/{id}/refresh", s.handleRefreshPlaylist)
	s.mux.HandleFunc("POST /api/playlists/{id}/guide/refresh", s.handleRefreshGuide)
	s.mux.HandleFunc("GET /api/playlists/{id}/guide/coverage", s.handleGuideCoverage)
	s.mux.HandleFunc("GET /api/playlists/{id}/categories", s.handleListCategories)
	s.mux.HandleFunc("GET /api/playlists/{id}/history/most-watched", s.handleMostWatched)
	s.mux.HandleFunc("GET /api/playlists/{id}/history/recent", s.handleRecentlyWatched)

	// Channels
	s.mux.HandleFunc("GET /api/playlists/{id}/channels", s.handleListChannels)
	s.mux.HandleFunc("GET /api/playlists/{id}/channels/{cid}", s.handleGetChannel)
	s.mux.HandleFunc("PATCH /api/playlists/{id}/channels/{cid}/favorite", s.handleSetFavorite)
	s.mux.HandleFunc("GET /api/playlists/{id}/channels/{cid}/history", s.handleChannelHistory)
	s.mux.HandleFunc("GET /api/playlists/{id}/channels/{cid}/programs", s.handleProgramsInRange)
	s.mux.HandleFunc("GET /api/playlists/{id}/channels/{cid}/programs/now", s.handleCurrentProgram)
	s.mux.HandleFunc("GET /api/playlists/{id}/channels/{cid}/programs/upcoming", s.handleUpcoming)

	// Playback
	s.mux.HandleFunc("GET /api/playback", s.handlePlaybackStatus)
	s.mux.HandleFunc("POST /api/playback/events", s.handlePlaybackEvent)

	s.mux.Handle("GET /metrics", promhttp.Handler())

	// Docs
	s.mux.HandleFunc("GET /api/docs", handleSwaggerUI)
	s.mux.HandleFunc("GET /api/docs/openapi.yaml", handleOpenAPISpec)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Handler returns the API wrapped in the CORS and access-log middleware.
func (s *Server) Handler() http.Handler {
	return withCORS(withLogging(s.log, s))
}

// ListenAndServe starts the HTTP server on the configured port.
// It blocks until the server is shut down or ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := ":" + s.cfg.ServerPort
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.WithError(err).Warn("server shutdown")
		}
	}()

	s.log.WithField("addr", addr).Info("listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ListenAndServe: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"redis":    s.redis != nil,
		"playback": s.tracker.State(),
	})
}

// --- middleware ---

// withCORS adds CORS headers to every response and handles preflight OPTIONS requests.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// withLogging logs each request with method, path, status and duration.
func withLogging(log *logrus.Entry, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		entry := log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   sw.status,
			"duration": formatDuration(time.Since(start)),
		})
		if r.URL.RawQuery != "" {
			entry = entry.WithField("query", r.URL.RawQuery)
		}
		switch {
		case sw.status >= 500:
			entry.Error("request")
		case sw.status >= 400:
			entry.Warn("request")
		default:
			entry.Info("request")
		}
	})
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dus", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	default:
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
}

// --- helpers ---

// APIError is the standard error envelope for all error responses.
type APIError struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var perr *parser.ParseError
	var serr *fetcher.StatusError
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrMissingURL), errors.Is(err, service.ErrNoGuideURL):
		return http.StatusBadRequest
	case errors.Is(err, parser.ErrUnrecognizedFormat), errors.As(err, &perr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrRefreshInProgress), errors.Is(err, store.ErrConcurrentRefresh):
		return http.StatusConflict
	case errors.Is(err, fetcher.ErrTooLarge):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.As(err, &serr), errors.Is(err, service.ErrFetch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	s.writeErr(w, statusFor(err), err)
}

func (s *Server) writeErr(w http.ResponseWriter, status int, err error) {
	if status >= 500 {
		s.log.WithError(err).WithField("status", status).Error("request failed")
	}
	writeJSON(w, status, APIError{
		Status: status,
		Error:  http.StatusText(status),
		Detail: err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// queryTime parses an RFC 3339 query parameter, returning def when absent.
func queryTime(r *http.Request, name string, def time.Time) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: %s (use RFC 3339)", name, v)
	}
	return t.UTC(), nil
}

// queryInt parses an integer query parameter, returning def when absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %s", name, v)
	}
	return n, nil
}

// --- docs handlers ---

func handleOpenAPISpec(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(api.OpenAPISpec)
}

func handleSwaggerUI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, swaggerUIHTML)
}

const swaggerUIHTML = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>PopcornGuide API Docs</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
  <style>html{box-sizing:border-box;overflow-y:scroll}*,*:before,*:after{box-sizing:inherit}body{margin:0;background:#fafafa}</style>
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({
      url: "/api/docs/openapi.yaml",
      dom_id: "#swagger-ui",
      presets: [SwaggerUIBundle.presets.apis, SwaggerUIBundle.SwaggerUIStandalonePreset],
      layout: "BaseLayout",
    });
  </script>
</body>
</html>`
