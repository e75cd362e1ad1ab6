package rooms

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"fleetingfiles/core"
	"fleetingfiles/metrics"
	"fleetingfiles/session"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

type Options struct {
	MaxUploadSize int64
	PresignTTL    time.Duration
	Events        core.RoomEvents
}

// Service is the room-scoped surface used by the HTTP handlers.
type Service struct {
	registry *Registry
	guard    *Guard
	files    core.FileIndex
	objects  core.ObjectStore
	sessions *session.Manager
	events   core.RoomEvents

	maxUploadSize int64
	presignTTL    time.Duration
	now           func() time.Time
}

func NewService(registry *Registry, guard *Guard, files core.FileIndex, objects core.ObjectStore, sessions *session.Manager, opts Options) *Service {
	return &Service{
		registry:      registry,
		guard:         guard,
		files:         files,
		objects:       objects,
		sessions:      sessions,
		events:        opts.Events,
		maxUploadSize: opts.MaxUploadSize,
		presignTTL:    opts.PresignTTL,
		now:           time.Now,
	}
}

// MaxUploadSize is the largest accepted upload in bytes.
func (s *Service) MaxUploadSize() int64 {
	return s.maxUploadSize
}

// CreateRoom creates a room and returns a membership token for it.
func (s *Service) CreateRoom(ctx context.Context, name, passphrase string) (string, *core.Room, error) {
	room, err := s.registry.Create(ctx, name, passphrase)
	if err != nil {
		return "", nil, err
	}
	token, err := s.sessions.Mint(room)
	if err != nil {
		return "", nil, fmt.Errorf("failed to mint session: %w", err)
	}
	return token, room, nil
}

// JoinRoom authenticates against an existing room and returns a token.
func (s *Service) JoinRoom(ctx context.Context, name, passphrase string) (string, *core.Room, error) {
	room, err := s.registry.Authenticate(ctx, name, passphrase)
	if err != nil {
		return "", nil, err
	}
	token, err := s.sessions.Mint(room)
	if err != nil {
		return "", nil, fmt.Errorf("failed to mint session: %w", err)
	}
	logrus.WithFields(logrus.Fields{"room": room.Name, "room_id": room.ID}).Debug("Member joined room")
	return token, room, nil
}

// LeaveRoom drops membership. Sessions are held by the caller, so nothing
// changes on the server.
func (s *Service) LeaveRoom(ctx context.Context, sess *session.Session) error {
	if sess != nil {
		logrus.WithField("room", sess.RoomName).Debug("Member left room")
	}
	return nil
}

// DeleteRoom purges the caller's room immediately.
func (s *Service) DeleteRoom(ctx context.Context, sess *session.Session) error {
	room, err := s.guard.RequireMembership(ctx, sess)
	if err != nil {
		return err
	}
	return s.registry.Delete(ctx, room)
}

// sanitizeFileName keeps the last path element of a client supplied name.
func sanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimSpace(path.Base(name))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}

// Upload stores body as a new file of the caller's room. Bodies larger than
// the upload cap are rejected before the object store is touched.
func (s *Service) Upload(ctx context.Context, sess *session.Session, originalName, contentType string, body io.Reader) (*core.File, error) {
	room, err := s.guard.RequireMembership(ctx, sess)
	if err != nil {
		return nil, err
	}

	name := sanitizeFileName(originalName)
	if body == nil || name == "" {
		metrics.UploadsRejected.WithLabelValues("no_file").Inc()
		return nil, core.ErrNoFile
	}

	data, err := io.ReadAll(io.LimitReader(body, s.maxUploadSize+1))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			metrics.UploadsRejected.WithLabelValues("too_large").Inc()
			return nil, core.ErrOversize
		}
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}
	if int64(len(data)) > s.maxUploadSize {
		metrics.UploadsRejected.WithLabelValues("too_large").Inc()
		return nil, core.ErrOversize
	}

	file := &core.File{
		ID:           ulid.Make().String(),
		RoomID:       room.ID,
		OriginalName: name,
		Size:         int64(len(data)),
		ContentType:  contentType,
		UploadedAt:   s.now(),
	}
	file.StorageKey = "rooms/" + room.ID + "/" + file.ID
	log := logrus.WithFields(logrus.Fields{"room": room.Name, "file_id": file.ID, "storage_key": file.StorageKey})

	if err := s.objects.Put(ctx, file.StorageKey, data, contentType); err != nil {
		metrics.UploadsRejected.WithLabelValues("store_unavailable").Inc()
		return nil, err
	}

	if err := s.files.AddFile(ctx, file); err != nil {
		// The room started purging after the blob was written; take it back.
		if delErr := s.objects.DeleteMany(ctx, []string{file.StorageKey}); delErr != nil {
			log.WithError(delErr).Error("Failed to remove blob of rejected upload")
		}
		metrics.UploadsRejected.WithLabelValues("room_expired").Inc()
		return nil, err
	}

	metrics.FilesUploaded.Inc()
	if s.events != nil {
		s.events.FilesChanged(room.ID)
	}
	log.WithField("size", file.Size).Info("File uploaded")
	return file, nil
}

// ListFiles returns the files of the caller's room, oldest first.
func (s *Service) ListFiles(ctx context.Context, sess *session.Session) ([]*core.File, error) {
	room, err := s.guard.RequireMembership(ctx, sess)
	if err != nil {
		return nil, err
	}
	return s.files.ListFiles(ctx, room.ID)
}

// Download returns a short-lived link to a file of the caller's room. A file
// of another room is reported exactly like a missing one.
func (s *Service) Download(ctx context.Context, sess *session.Session, fileID string) (string, error) {
	room, err := s.guard.RequireMembership(ctx, sess)
	if err != nil {
		return "", err
	}

	file, err := s.files.GetFile(ctx, fileID)
	if errors.Is(err, core.ErrNotFound) || (err == nil && !s.guard.CheckFileOwnership(file, room)) {
		return "", core.ErrNotFound
	}
	if err != nil {
		return "", err
	}

	link, err := s.objects.Presign(ctx, file.StorageKey, file.OriginalName, s.presignTTL)
	if err != nil {
		if errors.Is(err, core.ErrStoreUnavailable) {
			return "", err
		}
		return "", fmt.Errorf("%w: failed to sign download link: %v", core.ErrStoreUnavailable, err)
	}
	return link, nil
}
