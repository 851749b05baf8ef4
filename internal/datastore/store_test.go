package datastore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scorefollow/scorefollow-go/internal/conf"
	"github.com/scorefollow/scorefollow-go/internal/errors"
	"github.com/scorefollow/scorefollow-go/internal/observability/metrics"
	"github.com/scorefollow/scorefollow-go/internal/tracker"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(conf.DatabaseSettings{
		Enabled: true,
		Path:    filepath.Join(t.TempDir(), "sessions.db"),
	}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func matchedPosition(songTime float64, syllable int) tracker.Position {
	return tracker.Position{
		SongTime:    songTime,
		Syllable:    syllable,
		SectionName: "Verse",
		Chord:       "G",
		Confidence:  0.9,
		TempoRatio:  1.0,
		Matched:     true,
	}
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := Open(conf.DatabaseSettings{Enabled: true}, nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestOpenCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "sessions.db")
	s, err := Open(conf.DatabaseSettings{Enabled: true, Path: path}, nil, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()

	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Now()

	sess, err := s.BeginSession(ctx, "stage-rig", "Hallelujah", "maps/hallelujah.json", start)
	require.NoError(t, err)
	assert.Len(t, sess.ID, 36)
	assert.Equal(t, "stage-rig", sess.Name)
	assert.Nil(t, sess.StoppedAt)

	// insert snapshots out of order to prove ordered reads
	for _, perf := range []float64{2.0, 1.0, 3.0} {
		pos := matchedPosition(perf*0.9, int(perf))
		require.NoError(t, s.RecordSnapshot(ctx, sess.ID, start.Add(time.Duration(perf*float64(time.Second))), perf, pos))
	}
	require.NoError(t, s.RecordOnset(ctx, sess.ID, start.Add(time.Second), 1.0, 0.8, matchedPosition(0.9, 1)))
	rejected := tracker.Position{SongTime: 0.9, Syllable: 1, Confidence: 0.9, TempoRatio: 1.0}
	require.NoError(t, s.RecordOnset(ctx, sess.ID, start.Add(2*time.Second), 2.0, 0.4, rejected))

	summary := Summary{
		Blocks:          1000,
		Onsets:          2,
		Matches:         1,
		Rejects:         1,
		FinalSongTime:   2.7,
		FinalTempoRatio: 0.95,
		AvgConfidence:   0.82,
	}
	require.NoError(t, s.EndSession(ctx, sess.ID, start.Add(5*time.Second), summary))

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got.StoppedAt)
	assert.WithinDuration(t, start.Add(5*time.Second), *got.StoppedAt, time.Second)
	assert.Equal(t, uint64(1000), got.Blocks)
	assert.Equal(t, uint64(1), got.Matches)
	assert.Equal(t, uint64(1), got.Rejects)
	assert.InDelta(t, 0.95, got.FinalTempoRatio, 1e-9)
	assert.InDelta(t, 0.82, got.AvgConfidence, 1e-9)

	snaps, err := s.SessionSnapshots(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.Equal(t, []float64{1.0, 2.0, 3.0}, []float64{
		snaps[0].PerformanceTime, snaps[1].PerformanceTime, snaps[2].PerformanceTime,
	})
	assert.Equal(t, "Verse", snaps[0].Section)
	assert.Equal(t, "G", snaps[0].Chord)
	assert.True(t, snaps[0].Matched)

	events, err := s.SessionOnsets(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[0].Matched)
	assert.False(t, events[1].Matched)
	assert.InDelta(t, 0.8, events[0].Strength, 1e-9)
}

func TestEndSessionUnknownID(t *testing.T) {
	s := newTestStore(t)
	err := s.EndSession(context.Background(), "no-such-session", time.Now(), Summary{})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryState))
}

func TestGetSessionMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSession(context.Background(), "no-such-session")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryDatabase))
}

func TestRecentSessionsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	older, err := s.BeginSession(ctx, "rig", "First", "a.json", base)
	require.NoError(t, err)
	newer, err := s.BeginSession(ctx, "rig", "Second", "b.json", base.Add(30*time.Minute))
	require.NoError(t, err)

	sessions, err := s.RecentSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, newer.ID, sessions[0].ID)
	assert.Equal(t, older.ID, sessions[1].ID)

	limited, err := s.RecentSessions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, newer.ID, limited[0].ID)
}

func TestSessionSnapshotsLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess, err := s.BeginSession(ctx, "rig", "Song", "m.json", time.Now())
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		pos := matchedPosition(float64(i), i)
		require.NoError(t, s.RecordSnapshot(ctx, sess.ID, time.Now(), float64(i), pos))
	}

	snaps, err := s.SessionSnapshots(ctx, sess.ID, 2)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.InDelta(t, 1.0, snaps[0].PerformanceTime, 1e-9)
	assert.InDelta(t, 2.0, snaps[1].PerformanceTime, 1e-9)
}

func TestSnapshotAndQueryMetricsRecorded(t *testing.T) {
	registry := prometheus.NewRegistry()
	m, err := metrics.NewDatastoreMetrics(registry)
	require.NoError(t, err)

	s, err := Open(conf.DatabaseSettings{
		Enabled: true,
		Path:    filepath.Join(t.TempDir(), "sessions.db"),
	}, m, nil)
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()

	ctx := context.Background()
	sess, err := s.BeginSession(ctx, "rig", "Song", "m.json", time.Now())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.RecordSnapshot(ctx, sess.ID, time.Now(), float64(i), matchedPosition(float64(i), i)))
	}

	families, err := registry.Gather()
	require.NoError(t, err)
	byName := make(map[string]float64)
	for _, mf := range families {
		total := 0.0
		for _, metric := range mf.GetMetric() {
			if metric.GetCounter() != nil {
				total += metric.GetCounter().GetValue()
			}
		}
		byName[mf.GetName()] = total
	}

	assert.InDelta(t, 3.0, byName["datastore_position_snapshots_total"], 0.01)
	// gormLogger funnels every statement, so operations were counted too
	assert.Greater(t, byName["datastore_operations_total"], 0.0)
}
