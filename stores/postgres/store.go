package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleetingfiles/core"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		passphrase_hash BYTEA NOT NULL,
		created_at BIGINT NOT NULL,
		expires_at BIGINT NOT NULL,
		purging BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS files (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		storage_key TEXT NOT NULL UNIQUE,
		original_name TEXT NOT NULL,
		size BIGINT NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		uploaded_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS files_room_idx ON files (room_id, uploaded_at)`,
	`CREATE TABLE IF NOT EXISTS purge_jobs (
		room_name TEXT PRIMARY KEY,
		room_id TEXT NOT NULL,
		fire_at BIGINT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at BIGINT NOT NULL,
		leased_until BIGINT NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		failed BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS purge_jobs_due_idx ON purge_jobs (failed, next_attempt_at)`,
}

type pgStore struct {
	pool *pgxpool.Pool
}

// NewStore connects to PostgreSQL and creates the tables if needed.
func NewStore(ctx context.Context, databaseURL string) (*pgStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}

	for _, stmt := range schema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to initialize postgres schema: %w", err)
		}
	}

	logrus.Debug("PostgreSQL store ready")
	return &pgStore{pool: pool}, nil
}

func (s *pgStore) Close() error {
	s.pool.Close()
	return nil
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
func (s *pgStore) InsertRoom(ctx context.Context, room *core.Room) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO rooms (id, name, passphrase_hash, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (name) DO NOTHING`,
		room.ID, room.Name, room.PassphraseHash, millis(room.CreatedAt), millis(room.ExpiresAt))
	if err != nil {
		logrus.WithError(err).WithField("room", room.Name).Error("Failed to insert room")
		return fmt.Errorf("failed to insert room %s: %w", room.Name, err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNameTaken
	}
	return nil
}

func scanRoom(row pgx.Row) (*core.Room, error) {
	var (
		room             core.Room
		created, expires int64
	)
	if err := row.Scan(&room.ID, &room.Name, &room.PassphraseHash, &created, &expires, &room.Purging); err != nil {
		return nil, err
	}
	room.CreatedAt = fromMillis(created)
	room.ExpiresAt = fromMillis(expires)
	return &room, nil
}

func (s *pgStore) GetRoom(ctx context.Context, name string) (*core.Room, error) {
	room, err := scanRoom(s.pool.QueryRow(ctx,
		`SELECT id, name, passphrase_hash, created_at, expires_at, purging FROM rooms WHERE name = $1`, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get room %s: %w", name, err)
	}
	return room, nil
}

func (s *pgStore) MarkPurging(ctx context.Context, roomID string) error {
	if _, err := s.pool.Exec(ctx, `UPDATE rooms SET purging = TRUE WHERE id = $1`, roomID); err != nil {
		return fmt.Errorf("failed to mark room %s purging: %w", roomID, err)
	}
	return nil
}

func (s *pgStore) DeleteRoom(ctx context.Context, roomID string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM files WHERE room_id = $1`, roomID); err != nil {
			return fmt.Errorf("failed to delete files of room %s: %w", roomID, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM rooms WHERE id = $1`, roomID); err != nil {
			return fmt.Errorf("failed to delete room %s: %w", roomID, err)
		}
		return nil
	})
}

// FileIndex implementation. The FOR SHARE lock makes AddFile and MarkPurging
// mutually exclusive, so a purge never misses a file committed concurrently.
func (s *pgStore) AddFile(ctx context.Context, file *core.File) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO files (id, room_id, storage_key, original_name, size, content_type, uploaded_at)
		 SELECT $1, r.id, $3, $4, $5, $6, $7 FROM rooms r
		 WHERE r.id = $2 AND NOT r.purging
		 FOR SHARE`,
		file.ID, file.RoomID, file.StorageKey, file.OriginalName, file.Size, file.ContentType, millis(file.UploadedAt))
	if err != nil {
		return fmt.Errorf("failed to add file %s: %w", file.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrRoomExpired
	}
	return nil
}

const fileColumns = `id, room_id, storage_key, original_name, size, content_type, uploaded_at`

func scanFile(row pgx.Row) (*core.File, error) {
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

func (s *pgStore) ListFiles(ctx context.Context, roomID string) ([]*core.File, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+fileColumns+` FROM files WHERE room_id = $1 ORDER BY uploaded_at, id`, roomID)
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

func (s *pgStore) GetFile(ctx context.Context, id string) (*core.File, error) {
	f, err := scanFile(s.pool.QueryRow(ctx, `SELECT `+fileColumns+` FROM files WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get file %s: %w", id, err)
	}
	return f, nil
}

func (s *pgStore) DeleteFiles(ctx context.Context, roomID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM files WHERE room_id = $1`, roomID); err != nil {
		return fmt.Errorf("failed to delete files of room %s: %w", roomID, err)
	}
	return nil
}

// JobStore implementation
func (s *pgStore) UpsertJob(ctx context.Context, job *core.PurgeJob) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO purge_jobs (room_name, room_id, fire_at, next_attempt_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (room_name) DO UPDATE SET
		   room_id = EXCLUDED.room_id,
		   fire_at = EXCLUDED.fire_at,
		   attempts = 0,
		   next_attempt_at = EXCLUDED.next_attempt_at,
		   leased_until = 0,
		   last_error = '',
		   failed = FALSE`,
		job.RoomName, job.RoomID, millis(job.FireAt), millis(job.NextAttemptAt))
	if err != nil {
		return fmt.Errorf("failed to upsert purge job for %s: %w", job.RoomName, err)
	}
	return nil
}

const jobColumns = `room_name, room_id, fire_at, attempts, next_attempt_at, leased_until, last_error, failed`

func scanJob(row pgx.Row) (*core.PurgeJob, error) {
	var (
		job                         core.PurgeJob
		fireAt, nextAt, leasedUntil int64
	)
	if err := row.Scan(&job.RoomName, &job.RoomID, &fireAt, &job.Attempts, &nextAt, &leasedUntil, &job.LastError, &job.Failed); err != nil {
		return nil, err
	}
	job.FireAt = fromMillis(fireAt)
	job.NextAttemptAt = fromMillis(nextAt)
	job.LeasedUntil = fromMillis(leasedUntil)
	return &job, nil
}

func (s *pgStore) GetJob(ctx context.Context, roomName string) (*core.PurgeJob, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM purge_jobs WHERE room_name = $1`, roomName))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get purge job for %s: %w", roomName, err)
	}
	return job, nil
}

func (s *pgStore) DeleteJob(ctx context.Context, roomName, roomID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM purge_jobs WHERE room_name = $1 AND room_id = $2`, roomName, roomID); err != nil {
		return fmt.Errorf("failed to delete purge job for %s: %w", roomName, err)
	}
	return nil
}

// LockRoom takes a session advisory lock on the room name so purges in
// different processes do not overlap. The lock lives on one pooled
// connection until the returned func releases it.
func (s *pgStore) LockRoom(ctx context.Context, name string) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to acquire connection: %v", core.ErrStoreUnavailable, err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, name); err != nil {
		conn.Release()
		return nil, fmt.Errorf("%w: failed to lock room %s: %v", core.ErrStoreUnavailable, name, err)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, name); err != nil {
			// Closing the session drops its advisory locks.
			logrus.WithError(err).WithField("room", name).Warn("Failed to release room lock, closing connection")
			c := conn.Hijack()
			c.Close(ctx)
			return
		}
		conn.Release()
	}, nil
}

// ClaimDueJobs leases due jobs with SKIP LOCKED so several processes can
// poll the same table without claiming the same job.
func (s *pgStore) ClaimDueJobs(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*core.PurgeJob, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE purge_jobs SET leased_until = $2
		 WHERE room_name IN (
		   SELECT room_name FROM purge_jobs
		   WHERE NOT failed AND next_attempt_at <= $1 AND leased_until <= $1
		   ORDER BY next_attempt_at
		   LIMIT $3
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		millis(now), millis(now.Add(lease)), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim purge jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*core.PurgeJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *pgStore) RescheduleJob(ctx context.Context, roomName, roomID string, attempts int, next time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE purge_jobs SET attempts = $3, next_attempt_at = $4, leased_until = 0, last_error = $5
		 WHERE room_name = $1 AND room_id = $2`,
		roomName, roomID, attempts, millis(next), lastErr)
	if err != nil {
		return fmt.Errorf("failed to reschedule purge job for %s: %w", roomName, err)
	}
	return nil
}

func (s *pgStore) ParkJob(ctx context.Context, roomName, roomID string, attempts int, lastErr string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE purge_jobs SET attempts = $3, failed = TRUE, leased_until = 0, last_error = $4
		 WHERE room_name = $1 AND room_id = $2`,
		roomName, roomID, attempts, lastErr)
	if err != nil {
		return fmt.Errorf("failed to park purge job for %s: %w", roomName, err)
	}
	return nil
}

func (s *pgStore) ListUnscheduledRooms(ctx context.Context) ([]*core.Room, error) {
	rows, err := s.pool.Query(ctx,
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
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}
