// Package history keeps a local record of upload sessions, including objects
// left in storage when finalization failed.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// ErrRecordNotFound is returned when a session is not in the history.
var ErrRecordNotFound = errors.New("upload record not found")

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Status is the outcome of an upload session.
type Status string

const (
	// StatusComplete indicates the video record was created.
	StatusComplete Status = "complete"
	// StatusFailed indicates the session failed before any bytes were stored.
	StatusFailed Status = "failed"
	// StatusOrphaned indicates the bytes were stored but finalization failed.
	StatusOrphaned Status = "orphaned"
	// StatusPurged indicates an orphaned object was deleted from storage.
	StatusPurged Status = "purged"
)

// Record is one finished upload session.
type Record struct {
	SessionID   uuid.UUID
	FileName    string
	ContentType string
	SizeBytes   int64
	Mode        string
	Status      Status
	// Stage is the stage the session failed in, empty when complete.
	Stage      string
	Reason     string
	ObjectName string
	VideoID    string
	StartedAt  time.Time
	FinishedAt time.Time
	PurgedAt   *time.Time
}

// SQLiteStore persists upload history in SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (or creates) history.db in dir.
func NewSQLiteStore(dir string, logger zerolog.Logger) (*SQLiteStore, error) {
	dbPath := filepath.Join(dir, "history.db")

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "history_store").Logger(),
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	store.logger.Debug().Str("path", dbPath).Msg("history database initialized")

	return store, nil
}

// migrate creates the necessary tables.
func (s *SQLiteStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS uploads (
			session_id TEXT PRIMARY KEY,
			file_name TEXT NOT NULL,
			content_type TEXT NOT NULL,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			mode TEXT NOT NULL,
			status TEXT NOT NULL,
			stage TEXT,
			reason TEXT,
			object_name TEXT,
			video_id TEXT,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			purged_at TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_uploads_status ON uploads(status);
		CREATE INDEX IF NOT EXISTS idx_uploads_finished_at ON uploads(finished_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Record stores a finished session, replacing any earlier row for the same ID.
func (s *SQLiteStore) Record(ctx context.Context, rec *Record) error {
	query := `
		INSERT INTO uploads (session_id, file_name, content_type, size_bytes, mode, status, stage, reason, object_name, video_id, started_at, finished_at, purged_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			status = excluded.status,
			stage = excluded.stage,
			reason = excluded.reason,
			object_name = excluded.object_name,
			video_id = excluded.video_id,
			finished_at = excluded.finished_at,
			purged_at = excluded.purged_at
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.SessionID.String(),
		rec.FileName,
		rec.ContentType,
		rec.SizeBytes,
		rec.Mode,
		string(rec.Status),
		nullString(rec.Stage),
		nullString(rec.Reason),
		nullString(rec.ObjectName),
		nullString(rec.VideoID),
		rec.StartedAt.UTC().Format(timeFormat),
		rec.FinishedAt.UTC().Format(timeFormat),
		nullTime(rec.PurgedAt),
	)
	if err != nil {
		return fmt.Errorf("insert upload record: %w", err)
	}

	return nil
}

// Get retrieves a session by ID.
func (s *SQLiteStore) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE session_id = ?`, id.String())

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	return rec, err
}

// List returns the most recent sessions, newest first. limit <= 0 returns all.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]*Record, error) {
	query := selectColumns + ` ORDER BY finished_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	return s.query(ctx, query)
}

// ListOrphans returns sessions whose objects are still in storage without a
// video record, oldest first.
func (s *SQLiteStore) ListOrphans(ctx context.Context) ([]*Record, error) {
	return s.query(ctx, selectColumns+` WHERE status = ? ORDER BY finished_at ASC`, string(StatusOrphaned))
}

// MarkPurged records that an orphaned object was deleted from storage.
func (s *SQLiteStore) MarkPurged(ctx context.Context, id uuid.UUID, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE uploads SET status = ?, purged_at = ? WHERE session_id = ? AND status = ?`,
		string(StatusPurged), at.UTC().Format(timeFormat), id.String(), string(StatusOrphaned),
	)
	if err != nil {
		return fmt.Errorf("mark purged: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// PruneOldEntries removes complete, failed and purged sessions older than
// the given duration. Orphans are kept until purged.
func (s *SQLiteStore) PruneOldEntries(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UTC().Format(timeFormat)

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM uploads WHERE status IN (?, ?, ?) AND finished_at < ?`,
		string(StatusComplete), string(StatusFailed), string(StatusPurged), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("prune old entries: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}

	return int(affected), nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const selectColumns = `
	SELECT session_id, file_name, content_type, size_bytes, mode, status, stage, reason, object_name, video_id, started_at, finished_at, purged_at
	FROM uploads`

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query uploads: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate uploads: %w", err)
	}

	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		idStr, fileName, contentType, mode, status string
		size                                       int64
		stage, reason, objectName, videoID         sql.NullString
		startedStr, finishedStr                    string
		purgedStr                                  sql.NullString
	)

	err := row.Scan(&idStr, &fileName, &contentType, &size, &mode, &status, &stage, &reason, &objectName, &videoID, &startedStr, &finishedStr, &purgedStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan row: %w", err)
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("parse session id: %w", err)
	}
	startedAt, err := time.Parse(timeFormat, startedStr)
	if err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	finishedAt, err := time.Parse(timeFormat, finishedStr)
	if err != nil {
		return nil, fmt.Errorf("parse finished_at: %w", err)
	}

	rec := &Record{
		SessionID:   id,
		FileName:    fileName,
		ContentType: contentType,
		SizeBytes:   size,
		Mode:        mode,
		Status:      Status(status),
		Stage:       stage.String,
		Reason:      reason.String,
		ObjectName:  objectName.String,
		VideoID:     videoID.String,
		StartedAt:   startedAt,
		FinishedAt:  finishedAt,
	}

	if purgedStr.Valid {
		if t, err := time.Parse(timeFormat, purgedStr.String); err == nil {
			rec.PurgedAt = &t
		}
	}

	return rec, nil
}

// nullString converts a string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeFormat), Valid: true}
}
