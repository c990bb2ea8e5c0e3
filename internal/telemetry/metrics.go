// Package telemetry provides the Prometheus metrics of the ingestion and history pipelines.
package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Ingestion
	Ingestions        *prometheus.CounterVec   // kind=playlist|guide, result=ok|error
	IngestDuration    *prometheus.HistogramVec // kind
	ProgramsStored    prometheus.Counter
	UnmatchedPrograms prometheus.Counter
	ParserWarnings    *prometheus.CounterVec // format
	GuideRefreshedAt  *prometheus.GaugeVec   // playlist_id

	// History
	HistoryFlushes       prometheus.Counter
	HistoryFlushFailures prometheus.Counter
	WatchedSeconds       prometheus.Counter
)

// Init registers metrics with the default registry (idempotent).
func Init() {
	once.Do(func() {
		Ingestions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "popcornguide_ingestions_total", Help: "Playlist and guide ingestions by kind and result"}, []string{"kind", "result"})
		IngestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "popcornguide_ingest_duration_seconds", Help: "Ingestion duration seconds", Buckets: prometheus.DefBuckets}, []string{"kind"})
		ProgramsStored = promauto.NewCounter(prometheus.CounterOpts{Name: "popcornguide_programs_stored_total", Help: "Programs written by guide refreshes"})
		UnmatchedPrograms = promauto.NewCounter(prometheus.CounterOpts{Name: "popcornguide_programs_unmatched_total", Help: "Guide programs dropped because their channel is not in the playlist"})
		ParserWarnings = promauto.NewCounterVec(prometheus.CounterOpts{Name: "popcornguide_parser_warnings_total", Help: "Malformed entries skipped while parsing, by format"}, []string{"format"})
		GuideRefreshedAt = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "popcornguide_guide_last_refresh_timestamp_seconds", Help: "Unix time of the last successful guide refresh per playlist"}, []string{"playlist_id"})
		HistoryFlushes = promauto.NewCounter(prometheus.CounterOpts{Name: "popcornguide_history_flushes_total", Help: "Watch-time flushes written"})
		HistoryFlushFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "popcornguide_history_flush_failures_total", Help: "Watch-time flushes that failed and were kept pending"})
		WatchedSeconds = promauto.NewCounter(prometheus.CounterOpts{Name: "popcornguide_watched_seconds_total", Help: "Seconds of watch time recorded"})
	})
}

// RecordIngestion counts one ingestion and observes its duration. No-op before Init.
func RecordIngestion(kind string, err error, d time.Duration) {
	if Ingestions == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	Ingestions.WithLabelValues(kind, result).Inc()
	IngestDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// AddPrograms records stored and unmatched program counts of a guide refresh.
func AddPrograms(stored, unmatched int) {
	if ProgramsStored == nil {
		return
	}
	ProgramsStored.Add(float64(stored))
	UnmatchedPrograms.Add(float64(unmatched))
}

// AddParserWarnings counts skipped malformed entries for a format.
func AddParserWarnings(format string, n int) {
	if ParserWarnings == nil || n == 0 {
		return
	}
	ParserWarnings.WithLabelValues(format).Add(float64(n))
}

// SetGuideRefreshed records when a playlist's guide was last refreshed.
func SetGuideRefreshed(playlistID string, at time.Time) {
	if GuideRefreshedAt == nil {
		return
	}
	GuideRefreshedAt.WithLabelValues(playlistID).Set(float64(at.Unix()))
}

// RecordFlush counts a watch-time flush. elapsed is only added on success.
func RecordFlush(err error, elapsed time.Duration) {
	if HistoryFlushes == nil {
		return
	}
	if err != nil {
		HistoryFlushFailures.Inc()
		return
	}
	HistoryFlushes.Inc()
	WatchedSeconds.Add(elapsed.Seconds())
}
