package collab

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashureev/typeclash/internal/shared"
)

// sqliteRetryAttempts bounds the busy-retry loop for writes that race
// against other concurrent writers to the result database.
const sqliteRetryAttempts = 3

// execWithRetry retries a write a few times on SQLITE_BUSY / "database is
// locked", which WAL mode still surfaces under concurrent writers.
func execWithRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < sqliteRetryAttempts; attempt++ {
		err = fn()
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		select {
		case <-time.After(time.Duration(attempt+1) * 20 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// SQLiteResultSink is the reference ResultSink: a WAL-mode SQLite database
// with a unique index enforcing the (session/race id, identity id)
// idempotence law (§8).
type SQLiteResultSink struct {
	db *sql.DB
}

// NewSQLiteResultSink opens (creating if necessary) a WAL-mode SQLite
// database at dbPath, matching the teacher's busy-timeout/connection-pool
// tuning for a single-process server.
func NewSQLiteResultSink(dbPath string) (*SQLiteResultSink, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create result sink directory: %w", err)
		}
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open result sink database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping result sink database: %w", err)
	}

	sink := &SQLiteResultSink{db: db}
	if err := sink.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize result sink schema: %w", err)
	}
	return sink, nil
}

func (s *SQLiteResultSink) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS test_results (
		session_id TEXT NOT NULL,
		identity_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		limit_value INTEGER NOT NULL,
		wpm INTEGER NOT NULL,
		raw_wpm INTEGER NOT NULL,
		accuracy INTEGER NOT NULL,
		consistency INTEGER NOT NULL,
		errors INTEGER NOT NULL,
		elapsed_ms INTEGER NOT NULL,
		completed_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, identity_id)
	);
	CREATE TABLE IF NOT EXISTS race_results (
		race_id TEXT NOT NULL,
		identity_id TEXT NOT NULL,
		mode TEXT NOT NULL,
		limit_value INTEGER NOT NULL,
		wpm INTEGER NOT NULL,
		accuracy INTEGER NOT NULL,
		errors INTEGER NOT NULL,
		rank INTEGER NOT NULL,
		finish_ms INTEGER NOT NULL,
		completed_at INTEGER NOT NULL,
		PRIMARY KEY (race_id, identity_id)
	);
	`
	_, err := s.db.Exec(query)
	return err
}

// RecordTest persists a completed Test Session result. Idempotent: a second
// call with the same (session_id, identity_id) replaces the row rather than
// creating a duplicate.
func (s *SQLiteResultSink) RecordTest(ctx context.Context, result TestResult) error {
	query := `
	INSERT INTO test_results
		(session_id, identity_id, mode, limit_value, wpm, raw_wpm, accuracy, consistency, errors, elapsed_ms, completed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id, identity_id) DO UPDATE SET
		wpm=excluded.wpm, raw_wpm=excluded.raw_wpm, accuracy=excluded.accuracy,
		consistency=excluded.consistency, errors=excluded.errors,
		elapsed_ms=excluded.elapsed_ms, completed_at=excluded.completed_at`

	err := execWithRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query,
			result.SessionID, result.IdentityID, string(result.Mode), result.Limit,
			result.WPM, result.RawWPM, result.Accuracy, result.Consistency, result.Errors,
			result.ElapsedMS, result.CompletedAt.Unix())
		return err
	})
	if err != nil {
		return fmt.Errorf("record test result: %w", err)
	}
	return nil
}

// RecordRace persists one player's completed race result, idempotent on
// (race_id, identity_id).
func (s *SQLiteResultSink) RecordRace(ctx context.Context, result RaceResult) error {
	query := `
	INSERT INTO race_results
		(race_id, identity_id, mode, limit_value, wpm, accuracy, errors, rank, finish_ms, completed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(race_id, identity_id) DO UPDATE SET
		wpm=excluded.wpm, accuracy=excluded.accuracy, errors=excluded.errors,
		rank=excluded.rank, finish_ms=excluded.finish_ms, completed_at=excluded.completed_at`

	err := execWithRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query,
			result.RaceID, result.IdentityID, string(result.Mode), result.Limit,
			result.WPM, result.Accuracy, result.Errors, result.Rank, result.FinishMS,
			result.CompletedAt.Unix())
		return err
	})
	if err != nil {
		return fmt.Errorf("record race result: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteResultSink) Close() error {
	return s.db.Close()
}
