package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fleetingfiles/core"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		passphrase_hash BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		purging INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		storage_key TEXT NOT NULL UNIQUE,
		original_name TEXT NOT NULL,
		size INTEGER NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		uploaded_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS files_room_idx ON files (room_id, uploaded_at);`,
	`CREATE TABLE IF NOT EXISTS purge_jobs (
		room_name TEXT PRIMARY KEY,
		room_id TEXT NOT NULL,
		fire_at INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at INTEGER NOT NULL,
		leased_until INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		failed INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE INDEX IF NOT EXISTS purge_jobs_due_idx ON purge_jobs (failed, next_attempt_at);`,
}

type sqliteStore struct {
	db *sql.DB
}

// NewStore opens (or creates) the SQLite database and its tables. SQLite
// serializes writers, so the pool is limited to a single connection and every
// statement, including the conditional inserts, runs without interleaving.
func NewStore(dataSourceName string) (*sqliteStore, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA busy_timeout = 5000;`,
		`PRAGMA foreign_keys = ON;`,
	}
	for _, stmt := range append(pragmas, schema...) {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize sqlite database: %w", err)
		}
	}

	logrus.WithField("dataSourceName", dataSourceName).Debug("SQLite store ready")
	return &sqliteStore{db}, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// RoomStore implementation
func (s *sqliteStore) InsertRoom(ctx context.Context, room *core.Room) error {
	log := logrus.WithFields(logrus.Fields{"room": room.Name, "room_id": room.ID})

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, name, passphrase_hash, created_at, expires_at, purging)
		 VALUES (?, ?, ?, ?, ?, 0) ON CONFLICT(name) DO NOTHING`,
		room.ID, room.Name, room.PassphraseHash, millis(room.CreatedAt), millis(room.ExpiresAt))
	if err != nil {
		log.WithError(err).Error("Failed to insert room")
		return fmt.Errorf("failed to insert room %s: %w", room.Name, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrNameTaken
	}
	log.Debug("Room inserted")
	return nil
}

func (s *sqliteStore) GetRoom(ctx context.Context, name string) (*core.Room, error) {
	var (
		room             core.Room
		created, expires int64
		purging          int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, passphrase_hash, created_at, expires_at, purging FROM rooms WHERE name = ?`, name).
		Scan(&room.ID, &room.Name, &room.PassphraseHash, &created, &expires, &purging)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get room %s: %w", name, err)
	}
	room.CreatedAt = fromMillis(created)
	room.ExpiresAt = fromMillis(expires)
	room.Purging = purging != 0
	return &room, nil
}

func (s *sqliteStore) MarkPurging(ctx context.Context, roomID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE rooms SET purging = 1 WHERE id = ?`, roomID)
	if err != nil {
		return fmt.Errorf("failed to mark room %s purging: %w", roomID, err)
	}
	return nil
}

func (s *sqliteStore) DeleteRoom(ctx context.Context, roomID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE room_id = ?`, roomID); err != nil {
		return fmt.Errorf("failed to delete files of room %s: %w", roomID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, roomID); err != nil {
		return fmt.Errorf("failed to delete room %s: %w", roomID, err)
	}
	return tx.Commit()
}

// FileIndex implementation
func (s *sqliteStore) AddFile(ctx context.Context, file *core.File) error {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO files (id, room_id, storage_key, original_name, size, content_type, uploaded_at)
		 SELECT ?, ?, ?, ?, ?, ?, ?
		 WHERE EXISTS (SELECT 1 FROM rooms WHERE id = ? AND purging = 0)`,
		file.ID, file.RoomID, file.StorageKey, file.OriginalName, file.Size, file.ContentType, millis(file.UploadedAt), file.RoomID)
	if err != nil {
		logrus.WithError(err).WithField("file_id", file.ID).Error("Failed to add file")
		return fmt.Errorf("failed to add file %s: %w", file.ID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return core.ErrRoomExpired
	}
	return nil
}

const fileColumns = `id, room_id, storage_key, original_name, size, content_type, uploaded_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanFile(row scanner) (*core.File, error) {
	var (
		f        core.File
		uploaded int64
	)
	if err := row.Scan(&f.ID, &f.RoomID, &f.StorageKey, &f.OriginalName, &f.Size, &f.ContentType, &uploaded); err != nil {
		return nil, err
	}
	f.UploadedAt = fromMillis(uploaded)
	return &f, nil
}

func (s *sqliteStore) ListFiles(ctx context.Context, roomID string) ([]*core.File, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE room_id = ? ORDER BY uploaded_at, id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to list files of room %s: %w", roomID, err)
	}
	defer rows.Close()

	files := make([]*core.File, 0)
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (s *sqliteStore) GetFile(ctx context.Context, id string) (*core.File, error) {
	f, err := scanFile(s.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get file %s: %w", id, err)
	}
	return f, nil
}

func (s *sqliteStore) DeleteFiles(ctx context.Context, roomID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE room_id = ?`, roomID); err != nil {
		return fmt.Errorf("failed to delete files of room %s: %w", roomID, err)
	}
	return nil
}

// JobStore implementation
func (s *sqliteStore) UpsertJob(ctx context.Context, job *core.PurgeJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO purge_jobs (room_name, room_id, fire_at, attempts, next_attempt_at, leased_until, last_error, failed)
		 VALUES (?, ?, ?, 0, ?, 0, '', 0)
		 ON CONFLICT(room_name) DO UPDATE SET
		   room_id = excluded.room_id,
		   fire_at = excluded.fire_at,
		   attempts = 0,
		   next_attempt_at = excluded.next_attempt_at,
		   leased_until = 0,
		   last_error = '',
		   failed = 0`,
		job.RoomName, job.RoomID, millis(job.FireAt), millis(job.NextAttemptAt))
	if err != nil {
		return fmt.Errorf("failed to upsert purge job for %s: %w", job.RoomName, err)
	}
	return nil
}

const jobColumns = `room_name, room_id, fire_at, attempts, next_attempt_at, leased_until, last_error, failed`

func scanJob(row scanner) (*core.PurgeJob, error) {
	var (
		job                         core.PurgeJob
		fireAt, nextAt, leasedUntil int64
		failed                      int
	)
	if err := row.Scan(&job.RoomName, &job.RoomID, &fireAt, &job.Attempts, &nextAt, &leasedUntil, &job.LastError, &failed); err != nil {
		return nil, err
	}
	job.FireAt = fromMillis(fireAt)
	job.NextAttemptAt = fromMillis(nextAt)
	job.LeasedUntil = fromMillis(leasedUntil)
	job.Failed = failed != 0
	return &job, nil
}

func (s *sqliteStore) GetJob(ctx context.Context, roomName string) (*core.PurgeJob, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM purge_jobs WHERE room_name = ?`, roomName))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get purge job for %s: %w", roomName, err)
	}
	return job, nil
}

func (s *sqliteStore) DeleteJob(ctx context.Context, roomName, roomID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM purge_jobs WHERE room_name = ? AND room_id = ?`, roomName, roomID)
	if err != nil {
		return fmt.Errorf("failed to delete purge job for %s: %w", roomName, err)
	}
	return nil
}

func (s *sqliteStore) ClaimDueJobs(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*core.PurgeJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM purge_jobs
		 WHERE failed = 0 AND next_attempt_at <= ? AND leased_until <= ?
		 ORDER BY next_attempt_at LIMIT ?`,
		millis(now), millis(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select due purge jobs: %w", err)
	}

	jobs := make([]*core.PurgeJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	leasedUntil := now.Add(lease)
	for _, job := range jobs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE purge_jobs SET leased_until = ? WHERE room_name = ? AND room_id = ?`,
			millis(leasedUntil), job.RoomName, job.RoomID); err != nil {
			return nil, fmt.Errorf("failed to lease purge job for %s: %w", job.RoomName, err)
		}
		job.LeasedUntil = leasedUntil
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *sqliteStore) RescheduleJob(ctx context.Context, roomName, roomID string, attempts int, next time.Time, lastErr string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE purge_jobs SET attempts = ?, next_attempt_at = ?, leased_until = 0, last_error = ?
		 WHERE room_name = ? AND room_id = ?`,
		attempts, millis(next), lastErr, roomName, roomID)
	if err != nil {
		return fmt.Errorf("failed to reschedule purge job for %s: %w", roomName, err)
	}
	return nil
}

func (s *sqliteStore) ParkJob(ctx context.Context, roomName, roomID string, attempts int, lastErr string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE purge_jobs SET attempts = ?, failed = 1, leased_until = 0, last_error = ?
		 WHERE room_name = ? AND room_id = ?`,
		attempts, lastErr, roomName, roomID)
	if err != nil {
		return fmt.Errorf("failed to park purge job for %s: %w", roomName, err)
	}
	return nil
}

func (s *sqliteStore) ListUnscheduledRooms(ctx context.Context) ([]*core.Room, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.name, r.passphrase_hash, r.created_at, r.expires_at, r.purging
		 FROM rooms r
		 LEFT JOIN purge_jobs j ON j.room_name = r.name AND j.room_id = r.id
		 WHERE j.room_name IS NULL
		 ORDER BY r.name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list unscheduled rooms: %w", err)
	}
	defer rows.Close()

	rooms := make([]*core.Room, 0)
	for rows.Next() {
		var (
			room             core.Room
			created, expires int64
			purging          int
		)
		if err := rows.Scan(&room.ID, &room.Name, &room.PassphraseHash, &created, &expires, &purging); err != nil {
			return nil, err
		}
		room.CreatedAt = fromMillis(created)
		room.ExpiresAt = fromMillis(expires)
		room.Purging = purging != 0
		rooms = append(rooms, &room)
	}
	return rooms, rows.Err()
}
