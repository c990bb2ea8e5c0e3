package telemetry

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestHelpersBeforeInitAreNoops(t *testing.T) {
	// Only meaningful when this test runs first; the helpers must never panic either way.
	assert.NotPanics(t, func() {
		RecordIngestion("guide", nil, time.Second)
		AddPrograms(1, 1)
		AddParserWarnings("xmltv", 1)
		RecordFlush(nil, time.Second)
		SetGuideRefreshed("p1", time.Now())
	})
}

func TestRecordIngestion(t *testing.T) {
	Init()
	Init()

	before := testutil.ToFloat64(Ingestions.WithLabelValues("playlist", "error"))
	RecordIngestion("playlist", errors.New("boom"), 2*time.Second)
	assert.Equal(t, before+1, testutil.ToFloat64(Ingestions.WithLabelValues("playlist", "error")))
}

func TestRecordFlush(t *testing.T) {
	Init()

	okBefore := testutil.ToFloat64(HistoryFlushes)
	failBefore := testutil.ToFloat64(HistoryFlushFailures)
	secBefore := testutil.ToFloat64(WatchedSeconds)

	RecordFlush(nil, 30*time.Second)
	RecordFlush(errors.New("db down"), 10*time.Second)

	assert.Equal(t, okBefore+1, testutil.ToFloat64(HistoryFlushes))
	assert.Equal(t, failBefore+1, testutil.ToFloat64(HistoryFlushFailures))
	assert.Equal(t, secBefore+30, testutil.ToFloat64(WatchedSeconds))
}

func TestAddPrograms(t *testing.T) {
	Init()

	stored := testutil.ToFloat64(ProgramsStored)
	unmatched := testutil.ToFloat64(UnmatchedPrograms)
	AddPrograms(5, 2)
	assert.Equal(t, stored+5, testutil.ToFloat64(ProgramsStored))
	assert.Equal(t, unmatched+2, testutil.ToFloat64(UnmatchedPrograms))
}

func TestSetGuideRefreshed(t *testing.T) {
	Init()

	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	SetGuideRefreshed("p-metrics", at)
	assert.Equal(t, float64(at.Unix()), testutil.ToFloat64(GuideRefreshedAt.WithLabelValues("p-metrics")))
}
