// Package datastore persists performance sessions to SQLite: one row per
// session, interval position snapshots and every detected onset. It is an
// optional sink, gated by output.database.enabled.
package datastore

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/scorefollow/scorefollow-go/internal/conf"
	"github.com/scorefollow/scorefollow-go/internal/errors"
	"github.com/scorefollow/scorefollow-go/internal/logging"
	"github.com/scorefollow/scorefollow-go/internal/observability/metrics"
	"github.com/scorefollow/scorefollow-go/internal/tracker"
)

// Store is the SQLite-backed session log. Callers gate construction on
// settings.Output.Database.Enabled; Open itself assumes the sink is wanted.
type Store struct {
	db      *gorm.DB
	metrics *metrics.DatastoreMetrics
	log     *slog.Logger
}

// Open opens (creating if needed) the SQLite database at settings.Path and
// migrates the session tables. A nil metrics instance disables recording.
func Open(settings conf.DatabaseSettings, m *metrics.DatastoreMetrics, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = logging.ForService("datastore")
	}
	if settings.Path == "" {
		return nil, errors.Newf("datastore: database path is empty").
			Component("datastore").
			Category(errors.CategoryConfiguration).
			Build()
	}

	if dir := filepath.Dir(settings.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.New(err).
				Component("datastore").
				Category(errors.CategoryFileIO).
				Context("path", settings.Path).
				Build()
		}
	}

	var rec metrics.Recorder
	if m != nil {
		rec = m
	}
	db, err := gorm.Open(sqlite.Open(settings.Path), &gorm.Config{
		Logger: newGormLogger(rec, log),
	})
	if err != nil {
		return nil, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("path", settings.Path).
			Context("operation", "open").
			Build()
	}

	if err := db.AutoMigrate(&Session{}, &PositionSnapshot{}, &OnsetEvent{}); err != nil {
		return nil, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "auto_migrate").
			Build()
	}

	log.Info("session database ready", "path", settings.Path)
	return &Store{db: db, metrics: m, log: log}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "close").
			Build()
	}
	return sqlDB.Close()
}

// BeginSession inserts a new session row and returns it with a fresh id.
func (s *Store) BeginSession(ctx context.Context, name, mapTitle, mapPath string, startedAt time.Time) (*Session, error) {
	if startedAt.IsZero() {
		startedAt = time.Now()
	}
	sess := &Session{
		ID:        uuid.NewString(),
		Name:      name,
		MapTitle:  mapTitle,
		MapPath:   mapPath,
		StartedAt: startedAt,
	}
	if err := s.db.WithContext(ctx).Create(sess).Error; err != nil {
		return nil, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "begin_session").
			Build()
	}
	s.log.Debug("session recorded", "session_id", sess.ID, "map", mapTitle)
	return sess, nil
}

// RecordSnapshot persists one position sample for the session.
func (s *Store) RecordSnapshot(ctx context.Context, sessionID string, at time.Time, performanceTime float64, pos tracker.Position) error {
	snap := &PositionSnapshot{
		SessionID:       sessionID,
		CapturedAt:      at,
		PerformanceTime: performanceTime,
		SongTime:        pos.SongTime,
		SectionIndex:    pos.Section,
		LineIndex:       pos.Line,
		SyllableIndex:   pos.Syllable,
		Section:         pos.SectionName,
		Chord:           pos.Chord,
		Confidence:      pos.Confidence,
		TempoRatio:      pos.TempoRatio,
		Matched:         pos.Matched,
	}
	if err := s.db.WithContext(ctx).Create(snap).Error; err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "record_snapshot").
			Context("session_id", sessionID).
			Build()
	}
	if s.metrics != nil {
		s.metrics.RecordSnapshot()
	}
	return nil
}

// RecordOnset persists one detected onset and the position it produced.
func (s *Store) RecordOnset(ctx context.Context, sessionID string, at time.Time, performanceTime, strength float64, pos tracker.Position) error {
	event := &OnsetEvent{
		SessionID:       sessionID,
		DetectedAt:      at,
		PerformanceTime: performanceTime,
		Strength:        strength,
		Matched:         pos.Matched,
		SongTime:        pos.SongTime,
		SyllableIndex:   pos.Syllable,
		Confidence:      pos.Confidence,
	}
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "record_onset").
			Context("session_id", sessionID).
			Build()
	}
	return nil
}

// EndSession stamps the stop time and writes the summary counters.
func (s *Store) EndSession(ctx context.Context, sessionID string, stoppedAt time.Time, summary Summary) error {
	if stoppedAt.IsZero() {
		stoppedAt = time.Now()
	}
	res := s.db.WithContext(ctx).Model(&Session{}).Where("id = ?", sessionID).Updates(map[string]any{
		"stopped_at":        stoppedAt,
		"blocks":            summary.Blocks,
		"onsets":            summary.Onsets,
		"matches":           summary.Matches,
		"rejects":           summary.Rejects,
		"final_song_time":   summary.FinalSongTime,
		"final_tempo_ratio": summary.FinalTempoRatio,
		"avg_confidence":    summary.AvgConfidence,
	})
	if res.Error != nil {
		return errors.New(res.Error).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "end_session").
			Context("session_id", sessionID).
			Build()
	}
	if res.RowsAffected == 0 {
		return errors.Newf("datastore: session %s not found", sessionID).
			Component("datastore").
			Category(errors.CategoryState).
			Context("operation", "end_session").
			Build()
	}
	s.log.Debug("session closed",
		"session_id", sessionID,
		"matches", summary.Matches,
		"rejects", summary.Rejects,
	)
	return nil
}

// GetSession fetches one session row by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	if err := s.db.WithContext(ctx).First(&sess, "id = ?", sessionID).Error; err != nil {
		return nil, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "get_session").
			Context("session_id", sessionID).
			Build()
	}
	return &sess, nil
}

// RecentSessions returns up to limit sessions, newest first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	var sessions []Session
	err := s.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&sessions).Error
	if err != nil {
		return nil, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "recent_sessions").
			Build()
	}
	return sessions, nil
}

// SessionSnapshots returns the session's snapshots in performance order.
// A non-positive limit returns all of them.
func (s *Store) SessionSnapshots(ctx context.Context, sessionID string, limit int) ([]PositionSnapshot, error) {
	q := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("performance_time ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var snaps []PositionSnapshot
	if err := q.Find(&snaps).Error; err != nil {
		return nil, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "session_snapshots").
			Context("session_id", sessionID).
			Build()
	}
	return snaps, nil
}

// SessionOnsets returns the session's onset events in performance order.
func (s *Store) SessionOnsets(ctx context.Context, sessionID string) ([]OnsetEvent, error) {
	var events []OnsetEvent
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("performance_time ASC").
		Find(&events).Error
	if err != nil {
		return nil, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "session_onsets").
			Context("session_id", sessionID).
			Build()
	}
	return events, nil
}
