package main

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/voyagen/popcornguide/internal/cache"
	"github.com/voyagen/popcornguide/internal/service"
	"github.com/voyagen/popcornguide/internal/settings"
	"github.com/voyagen/popcornguide/internal/telemetry"
)

// programRetention is how long finished programs are kept before pruning.
const programRetention = 24 * time.Hour

// runRefreshWorker continuously dequeues guide refresh jobs from Redis and
// processes them. It stops when ctx is cancelled (graceful shutdown).
func runRefreshWorker(ctx context.Context, rds *cache.Redis, ing *service.Ingestor, log *logrus.Entry) {
	log.Info("refresh worker started")
	for {
		select {
		case <-ctx.Done():
			log.Info("refresh worker stopping")
			return
		default:
		}

		job, err := cache.Dequeue(ctx, rds, cache.RefreshQueue, 5*time.Second)
		if err != nil {
			log.WithError(err).Warn("dequeue failed")
			time.Sleep(2 * time.Second)
			continue
		}
		if job == nil {
			continue // timeout, loop back to check ctx
		}

		jlog := log.WithFields(logrus.Fields{
			"playlist_id": job.PlaylistID,
			"queued_for":  time.Since(job.RequestedAt).Round(time.Millisecond).String(),
		})
		res, err := ing.RefreshGuide(ctx, job.PlaylistID, job.GuideURL)
		switch {
		case errors.Is(err, service.ErrRefreshInProgress):
			jlog.Info("guide refresh already running elsewhere, job dropped")
		case err != nil:
			jlog.WithError(err).Warn("queued guide refresh failed")
		default:
			jlog.WithField("programs", res.Programs).Debug("queued guide refresh done")
		}
	}
}

// runGuideScheduler refreshes stale guides and prunes finished programs every
// quarter of maxAge, starting immediately.
func runGuideScheduler(ctx context.Context, ing *service.Ingestor, maxAge time.Duration, log *logrus.Entry) {
	ticker := time.NewTicker(maxAge / 4)
	defer ticker.Stop()
	for {
		n, err := ing.RefreshStaleGuides(ctx, maxAge)
		if err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("stale guide sweep finished with errors")
		}
		if n > 0 {
			log.WithField("refreshed", n).Info("stale guides refreshed")
		}
		if _, err := ing.PruneEndedPrograms(ctx, programRetention); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("program pruning failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// watchGuideRefreshes exports each recorded guide refresh as a gauge sample.
func watchGuideRefreshes(st *settings.Settings, log *logrus.Entry) (cancel func()) {
	return st.OnGuideRefreshed(func(playlistID string, at time.Time) {
		telemetry.SetGuideRefreshed(playlistID, at)
		log.WithFields(logrus.Fields{"playlist_id": playlistID, "at": at}).Debug("guide refreshed")
	})
}
