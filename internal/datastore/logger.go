package datastore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/scorefollow/scorefollow-go/internal/errors"
	"github.com/scorefollow/scorefollow-go/internal/observability/metrics"
)

// slowQueryThreshold marks queries worth a warning. One second accommodates
// migration batches while still catching stalls on the snapshot path.
const slowQueryThreshold = time.Second

// gormLogger bridges GORM's logger interface onto slog and the metrics
// recorder so every query is measured without instrumenting call sites.
type gormLogger struct {
	slow  time.Duration
	level gormlogger.LogLevel
	rec   metrics.Recorder
	log   *slog.Logger
}

func newGormLogger(rec metrics.Recorder, log *slog.Logger) *gormLogger {
	return &gormLogger{
		slow:  slowQueryThreshold,
		level: gormlogger.Warn,
		rec:   rec,
		log:   log,
	}
}

// LogMode implements gormlogger.Interface.
func (l *gormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

// Info implements gormlogger.Interface.
func (l *gormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Info {
		l.log.InfoContext(ctx, fmt.Sprintf(msg, data...))
	}
}

// Warn implements gormlogger.Interface.
func (l *gormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Warn {
		l.log.WarnContext(ctx, fmt.Sprintf(msg, data...))
	}
}

// Error implements gormlogger.Interface.
func (l *gormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= gormlogger.Error {
		l.log.ErrorContext(ctx, "gorm error", "msg", fmt.Sprintf(msg, data...))
	}
}

// Trace implements gormlogger.Interface. It is the single funnel for query
// metrics: duration always, then success, slow or error accounting.
func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	op := sqlOperation(sql)

	if l.rec != nil {
		l.rec.RecordDuration(op, elapsed.Seconds())
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		if l.rec != nil {
			l.rec.RecordOperation(op, "error")
			l.rec.RecordError(op, categorizeError(err))
		}
		l.log.ErrorContext(ctx, "query failed",
			"sql", sql,
			"duration", elapsed,
			"rows_affected", rows,
			"error", err,
		)
	case l.slow > 0 && elapsed > l.slow:
		if l.rec != nil {
			l.rec.RecordOperation(op, "success")
		}
		l.log.WarnContext(ctx, "slow query",
			"sql", sql,
			"duration", elapsed,
			"rows_affected", rows,
			"threshold", l.slow,
		)
	default:
		if l.rec != nil {
			l.rec.RecordOperation(op, "success")
		}
		if l.level >= gormlogger.Info {
			l.log.DebugContext(ctx, "query executed",
				"sql", sql,
				"duration", elapsed,
				"rows_affected", rows,
			)
		}
	}
}

// sqlOperation maps a statement to a metric label by its leading keyword.
func sqlOperation(sql string) string {
	fields := strings.Fields(strings.TrimSpace(sql))
	if len(fields) == 0 {
		return "other"
	}
	switch strings.ToLower(fields[0]) {
	case "select":
		return metrics.OpDbQuery
	case "insert":
		return metrics.OpDbInsert
	case "update":
		return metrics.OpDbUpdate
	case "delete":
		return "delete"
	case "create", "alter", "drop", "pragma":
		return "schema"
	default:
		return "other"
	}
}

// categorizeError buckets database errors for the error metric.
func categorizeError(err error) string {
	if err == nil {
		return "none"
	}
	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "unique constraint") || strings.Contains(errStr, "duplicate key"):
		return "constraint_violation"
	case strings.Contains(errStr, "foreign key"):
		return "foreign_key_violation"
	case strings.Contains(errStr, "not null"):
		return "null_violation"
	case strings.Contains(errStr, "database is locked"):
		return "database_locked"
	case strings.Contains(errStr, "no such table") || strings.Contains(errStr, "no such column"):
		return "schema_mismatch"
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return "timeout"
	case strings.Contains(errStr, "disk") || strings.Contains(errStr, "i/o"):
		return "io_error"
	default:
		return "other"
	}
}
