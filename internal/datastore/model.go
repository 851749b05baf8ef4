package datastore

import "time"

// Session is one tracked performance run.
type Session struct {
	ID        string `gorm:"primaryKey;type:varchar(36)"`
	Name      string
	MapTitle  string
	MapPath   string
	StartedAt time.Time  `gorm:"index"`
	StoppedAt *time.Time // nil while the session is live

	// Summary columns, written once at EndSession.
	Blocks          uint64
	Onsets          uint64
	Matches         uint64
	Rejects         uint64
	FinalSongTime   float64
	FinalTempoRatio float64
	AvgConfidence   float64
}

// PositionSnapshot is one persisted position sample, taken on the snapshot
// interval rather than per tick.
type PositionSnapshot struct {
	ID              uint      `gorm:"primaryKey"`
	SessionID       string    `gorm:"index;type:varchar(36)"`
	CapturedAt      time.Time `gorm:"index"`
	PerformanceTime float64
	SongTime        float64
	SectionIndex    int
	LineIndex       int
	SyllableIndex   int
	Section         string
	Chord           string
	Confidence      float64
	TempoRatio      float64
	Matched         bool
}

// OnsetEvent is one detected onset together with the position it produced.
type OnsetEvent struct {
	ID              uint      `gorm:"primaryKey"`
	SessionID       string    `gorm:"index;type:varchar(36)"`
	DetectedAt      time.Time `gorm:"index"`
	PerformanceTime float64
	Strength        float64
	Matched         bool
	SongTime        float64
	SyllableIndex   int
	Confidence      float64
}

// Summary carries the end-of-session counters written onto the Session row.
type Summary struct {
	Blocks          uint64
	Onsets          uint64
	Matches         uint64
	Rejects         uint64
	FinalSongTime   float64
	FinalTempoRatio float64
	AvgConfidence   float64
}
