package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/opsgate/internal/model"
)

// SQLiteLog implements ExecutionLog on a SQLite file. Timestamps are stored
// as unix nanoseconds so ordering and retention compare integers.
type SQLiteLog struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteLog opens (or creates) the execution history database at dbPath
func NewSQLiteLog(logger *zap.Logger, dbPath string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY churn
	db.SetMaxOpenConns(1)

	log := &SQLiteLog{
		logger: logger.Named("execution-history"),
		db:     db,
	}

	if err := log.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	log.logger.Info("Execution history opened", zap.String("path", dbPath))
	return log, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteLog) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS job_executions (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			job_name TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			status TEXT NOT NULL,
			scheduled_for INTEGER NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL,
			duration INTEGER NOT NULL,
			error TEXT,
			retry_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_job_executions_job_id ON job_executions(job_id);
		CREATE INDEX IF NOT EXISTS idx_job_executions_status ON job_executions(status);
		CREATE INDEX IF NOT EXISTS idx_job_executions_finished_at ON job_executions(finished_at);
	`)
	if err != nil {
		return errors.Wrap(err, "failed to initialize database")
	}
	return nil
}

// Append implements ExecutionLog.Append
func (s *SQLiteLog) Append(ctx context.Context, exec *model.JobExecution) error {
	var retryAt sql.NullInt64
	if exec.RetryAt != nil {
		retryAt = sql.NullInt64{Int64: exec.RetryAt.UnixNano(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_executions (
			id, job_id, job_name, attempt, status,
			scheduled_for, started_at, finished_at, duration, error, retry_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID,
		exec.JobID,
		exec.JobName,
		exec.Attempt,
		string(exec.Status),
		toNanos(exec.ScheduledFor),
		toNanos(exec.StartedAt),
		toNanos(exec.FinishedAt),
		int64(exec.Duration),
		sql.NullString{String: exec.Error, Valid: exec.Error != ""},
		retryAt,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to store execution %s", exec.ID)
	}
	return nil
}

// List implements ExecutionLog.List
func (s *SQLiteLog) List(ctx context.Context, filter ExecutionFilter) ([]*model.JobExecution, error) {
	query := `SELECT id, job_id, job_name, attempt, status, scheduled_for,
		started_at, finished_at, duration, error, retry_at FROM job_executions`

	var where []string
	var args []interface{}
	if filter.JobID != "" {
		where = append(where, "job_id = ?")
		args = append(args, filter.JobID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	query += " ORDER BY finished_at DESC, rowid DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list executions")
	}
	defer rows.Close()

	var execs []*model.JobExecution
	for rows.Next() {
		exec := &model.JobExecution{}
		var status string
		var scheduledFor, startedAt, finishedAt, duration int64
		var errorStr sql.NullString
		var retryAt sql.NullInt64

		err := rows.Scan(
			&exec.ID,
			&exec.JobID,
			&exec.JobName,
			&exec.Attempt,
			&status,
			&scheduledFor,
			&startedAt,
			&finishedAt,
			&duration,
			&errorStr,
			&retryAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan execution")
		}

		exec.Status = model.ExecutionStatus(status)
		exec.ScheduledFor = fromNanos(scheduledFor)
		exec.StartedAt = fromNanos(startedAt)
		exec.FinishedAt = fromNanos(finishedAt)
		exec.Duration = time.Duration(duration)
		if errorStr.Valid {
			exec.Error = errorStr.String
		}
		if retryAt.Valid {
			t := fromNanos(retryAt.Int64)
			exec.RetryAt = &t
		}

		execs = append(execs, exec)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error during row iteration")
	}

	return execs, nil
}

// ForJob implements ExecutionLog.ForJob
func (s *SQLiteLog) ForJob(ctx context.Context, jobID string) ([]*model.JobExecution, error) {
	return s.List(ctx, ExecutionFilter{JobID: jobID})
}

// DeleteBefore implements ExecutionLog.DeleteBefore
func (s *SQLiteLog) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM job_executions WHERE finished_at < ?", before.UnixNano())
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete executions")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get affected rows")
	}

	s.logger.Info("Deleted old execution records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

// Ping implements ExecutionLog.Ping
func (s *SQLiteLog) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteLog) Close() error {
	return s.db.Close()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
