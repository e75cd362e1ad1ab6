package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fleetingfiles/core"

	"github.com/sirupsen/logrus"
)

// memStore implements the room, file and job stores in memory. Everything is
// lost on restart, so it is meant for development and tests.
type memStore struct {
	mu     sync.RWMutex
	rooms  map[string]*core.Room      // name -> room
	files  map[string]*core.File      // file id -> file
	byRoom map[string]map[string]bool // room id -> file ids
	jobs   map[string]*core.PurgeJob  // room name -> job
}

// NewStore creates a new in-memory metadata store.
func NewStore() *memStore {
	return &memStore{
		rooms:  make(map[string]*core.Room),
		files:  make(map[string]*core.File),
		byRoom: make(map[string]map[string]bool),
		jobs:   make(map[string]*core.PurgeJob),
	}
}

func (s *memStore) Close() error { return nil }

func (s *memStore) InsertRoom(ctx context.Context, room *core.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rooms[room.Name]; exists {
		return core.ErrNameTaken
	}
	stored := *room
	s.rooms[room.Name] = &stored
	logrus.WithFields(logrus.Fields{"room": room.Name, "room_id": room.ID}).Debug("Room inserted")
	return nil
}

func (s *memStore) GetRoom(ctx context.Context, name string) (*core.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room, ok := s.rooms[name]
	if !ok {
		return nil, core.ErrNotFound
	}
	found := *room
	return &found, nil
}

func (s *memStore) roomByID(roomID string) *core.Room {
	for _, room := range s.rooms {
		if room.ID == roomID {
			return room
		}
	}
	return nil
}

func (s *memStore) MarkPurging(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if room := s.roomByID(roomID); room != nil {
		room.Purging = true
	}
	return nil
}

func (s *memStore) DeleteRoom(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if room := s.roomByID(roomID); room != nil {
		delete(s.rooms, room.Name)
	}
	s.deleteFilesLocked(roomID)
	return nil
}

func (s *memStore) AddFile(ctx context.Context, file *core.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room := s.roomByID(file.RoomID)
	if room == nil || room.Purging {
		return core.ErrRoomExpired
	}
	if _, exists := s.files[file.ID]; exists {
		return fmt.Errorf("file with id %s already exists", file.ID)
	}

	stored := *file
	s.files[file.ID] = &stored
	ids, ok := s.byRoom[file.RoomID]
	if !ok {
		ids = make(map[string]bool)
		s.byRoom[file.RoomID] = ids
	}
	ids[file.ID] = true
	return nil
}

func (s *memStore) ListFiles(ctx context.Context, roomID string) ([]*core.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	files := make([]*core.File, 0, len(s.byRoom[roomID]))
	for id := range s.byRoom[roomID] {
		f := *s.files[id]
		files = append(files, &f)
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].UploadedAt.Equal(files[j].UploadedAt) {
			return files[i].ID < files[j].ID
		}
		return files[i].UploadedAt.Before(files[j].UploadedAt)
	})
	return files, nil
}

func (s *memStore) GetFile(ctx context.Context, id string) (*core.File, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.files[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	found := *f
	return &found, nil
}

func (s *memStore) DeleteFiles(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deleteFilesLocked(roomID)
	return nil
}

func (s *memStore) deleteFilesLocked(roomID string) {
	for id := range s.byRoom[roomID] {
		delete(s.files, id)
	}
	delete(s.byRoom, roomID)
}

func (s *memStore) UpsertJob(ctx context.Context, job *core.PurgeJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[job.RoomName] = &core.PurgeJob{
		RoomName:      job.RoomName,
		RoomID:        job.RoomID,
		FireAt:        job.FireAt,
		NextAttemptAt: job.NextAttemptAt,
	}
	return nil
}

func (s *memStore) GetJob(ctx context.Context, roomName string) (*core.PurgeJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[roomName]
	if !ok {
		return nil, core.ErrNotFound
	}
	found := *job
	return &found, nil
}

func (s *memStore) DeleteJob(ctx context.Context, roomName, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.jobs[roomName]; ok && job.RoomID == roomID {
		delete(s.jobs, roomName)
	}
	return nil
}

func (s *memStore) ClaimDueJobs(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*core.PurgeJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*core.PurgeJob, 0)
	for _, job := range s.jobs {
		if job.Failed || job.NextAttemptAt.After(now) || job.LeasedUntil.After(now) {
			continue
		}
		due = append(due, job)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*core.PurgeJob, 0, len(due))
	for _, job := range due {
		job.LeasedUntil = now.Add(lease)
		c := *job
		claimed = append(claimed, &c)
	}
	return claimed, nil
}

func (s *memStore) RescheduleJob(ctx context.Context, roomName, roomID string, attempts int, next time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.jobs[roomName]; ok && job.RoomID == roomID {
		job.Attempts = attempts
		job.NextAttemptAt = next
		job.LeasedUntil = time.Time{}
		job.LastError = lastErr
	}
	return nil
}

func (s *memStore) ParkJob(ctx context.Context, roomName, roomID string, attempts int, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.jobs[roomName]; ok && job.RoomID == roomID {
		job.Attempts = attempts
		job.Failed = true
		job.LeasedUntil = time.Time{}
		job.LastError = lastErr
	}
	return nil
}

func (s *memStore) ListUnscheduledRooms(ctx context.Context) ([]*core.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms := make([]*core.Room, 0)
	for name, room := range s.rooms {
		if job, ok := s.jobs[name]; ok && job.RoomID == room.ID {
			continue
		}
		r := *room
		rooms = append(rooms, &r)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].Name < rooms[j].Name })
	return rooms, nil
}
