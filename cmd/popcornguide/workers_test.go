package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voyagen/popcornguide/internal/logging"
	"github.com/voyagen/popcornguide/internal/settings"
	"github.com/voyagen/popcornguide/internal/store"
	"github.com/voyagen/popcornguide/internal/telemetry"
)

func TestWatchGuideRefreshesExportsGauge(t *testing.T) {
	telemetry.Init()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	st := settings.New(db)
	ctx := context.Background()

	cancel := watchGuideRefreshes(st, logging.Discard())
	at := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	require.NoError(t, st.SetGuideRefreshedAt(ctx, "p-watch", at))
	assert.Equal(t, float64(at.Unix()), testutil.ToFloat64(telemetry.GuideRefreshedAt.WithLabelValues("p-watch")))

	cancel()
	require.NoError(t, st.SetGuideRefreshedAt(ctx, "p-watch", at.Add(time.Hour)))
	assert.Equal(t, float64(at.Unix()), testutil.ToFloat64(telemetry.GuideRefreshedAt.WithLabelValues("p-watch")))
}
