package core

import (
	"context"
	"time"
)

type (
	// Room is a named, passphrase-protected container for files. ID is a
	// generation identifier: a room recreated under a reused name gets a new ID.
	Room struct {
		ID             string    `json:"id"`
		Name           string    `json:"name"`
		PassphraseHash []byte    `json:"-"`
		CreatedAt      time.Time `json:"createdAt"`
		ExpiresAt      time.Time `json:"expiresAt"`
		Purging        bool      `json:"-"`
	}

	// File is the index record of a blob owned by exactly one room.
	File struct {
		ID           string    `json:"id"`
		RoomID       string    `json:"-"`
		StorageKey   string    `json:"-"`
		OriginalName string    `json:"originalName"`
		Size         int64     `json:"size"`
		ContentType  string    `json:"contentType,omitempty"`
		UploadedAt   time.Time `json:"uploadedAt"`
	}

	// PurgeJob is the durable, one-per-room-name record of a pending purge.
	PurgeJob struct {
		RoomName      string
		RoomID        string
		FireAt        time.Time
		Attempts      int
		NextAttemptAt time.Time
		LeasedUntil   time.Time
		LastError     string
		Failed        bool
	}
)

// Live reports whether the room still accepts members at the given instant.
func (r *Room) Live(now time.Time) bool {
	return !r.Purging && now.Before(r.ExpiresAt)
}

type (
	// RoomStore owns room rows. It is the only path to room state.
	RoomStore interface {
		// InsertRoom adds the room only if no room with the same name exists.
		// The check and the insert are a single atomic step; a losing
		// concurrent creator gets ErrNameTaken.
		InsertRoom(ctx context.Context, room *Room) error

		// GetRoom returns the room registered under name or ErrNotFound.
		GetRoom(ctx context.Context, name string) (*Room, error)

		// MarkPurging flags the room so no new files can be attached to it.
		// Marking a missing room is not an error.
		MarkPurging(ctx context.Context, roomID string) error

		// DeleteRoom removes the room row. Deleting a missing room is a no-op.
		DeleteRoom(ctx context.Context, roomID string) error
	}

	// RoomLocker is implemented by room stores that several processes share.
	// LockRoom blocks until the caller holds the purge lock for the room
	// name; calling the returned func releases it.
	RoomLocker interface {
		LockRoom(ctx context.Context, name string) (func(), error)
	}

	// FileIndex owns file records and their link to the owning room.
	FileIndex interface {
		// AddFile records the file only while its room exists and is not
		// being purged; otherwise it returns ErrRoomExpired.
		AddFile(ctx context.Context, file *File) error

		// ListFiles returns the room's files ordered by upload time.
		ListFiles(ctx context.Context, roomID string) ([]*File, error)

		// GetFile returns a file by ID or ErrNotFound.
		GetFile(ctx context.Context, id string) (*File, error)

		// DeleteFiles removes every file record of the room.
		DeleteFiles(ctx context.Context, roomID string) error
	}

	// JobStore is the durable queue behind the expiry scheduler.
	JobStore interface {
		// UpsertJob stores the job, replacing any job for the same room name.
		UpsertJob(ctx context.Context, job *PurgeJob) error

		// GetJob returns the job for a room name or ErrNotFound.
		GetJob(ctx context.Context, roomName string) (*PurgeJob, error)

		// DeleteJob removes the room's job if it belongs to roomID.
		DeleteJob(ctx context.Context, roomName, roomID string) error

		// ClaimDueJobs leases up to limit jobs whose next attempt is due.
		ClaimDueJobs(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*PurgeJob, error)

		// RescheduleJob records a failed attempt and releases the lease.
		RescheduleJob(ctx context.Context, roomName, roomID string, attempts int, next time.Time, lastErr string) error

		// ParkJob marks the job as failed; it is no longer claimed.
		ParkJob(ctx context.Context, roomName, roomID string, attempts int, lastErr string) error

		// ListUnscheduledRooms returns rooms that have no job.
		ListUnscheduledRooms(ctx context.Context) ([]*Room, error)
	}

	// MetadataStore is the union of the stores a single backend provides.
	MetadataStore interface {
		RoomStore
		FileIndex
		JobStore
		Close() error
	}
)

type (
	// ObjectStore is the adapter over the durable blob store.
	ObjectStore interface {
		// Put stores data under key. Transport failures wrap ErrStoreUnavailable.
		Put(ctx context.Context, key string, data []byte, contentType string) error

		// DeleteMany removes all keys. Missing keys count as deleted.
		// Keys that could not be removed are reported by *PartialFailureError.
		DeleteMany(ctx context.Context, keys []string) error

		// Presign returns a link that retrieves key for ttl.
		Presign(ctx context.Context, key, downloadName string, ttl time.Duration) (string, error)
	}

	// BlobReader is implemented by object stores whose links are served by
	// this process rather than by the store itself.
	BlobReader interface {
		Get(ctx context.Context, key string) ([]byte, error)
	}

	// RoomEvents receives notifications about room activity.
	RoomEvents interface {
		FilesChanged(roomID string)
		RoomExpired(roomID string)
	}
)
