package rooms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fleetingfiles/core"
	"fleetingfiles/metrics"

	"github.com/sirupsen/logrus"
)

const (
	TriggerExpiry   = "expiry"
	TriggerExplicit = "explicit"
)

type roomLock struct {
	mu   sync.Mutex
	refs int
}

// Purger runs the purge sequence: blobs first, then file records, then the
// room record. A failed purge leaves every record in place so the whole room
// can be purged again.
type Purger struct {
	rooms   core.RoomStore
	files   core.FileIndex
	objects core.ObjectStore
	events  core.RoomEvents

	mu    sync.Mutex
	locks map[string]*roomLock
}

func NewPurger(rooms core.RoomStore, files core.FileIndex, objects core.ObjectStore, events core.RoomEvents) *Purger {
	return &Purger{
		rooms:   rooms,
		files:   files,
		objects: objects,
		events:  events,
		locks:   make(map[string]*roomLock),
	}
}

// lock serializes purges of the same room name within this process. Stores
// shared between processes also take their RoomLocker lock in Purge.
func (p *Purger) lock(name string) func() {
	p.mu.Lock()
	l, ok := p.locks[name]
	if !ok {
		l = &roomLock{}
		p.locks[name] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, name)
		}
		p.mu.Unlock()
	}
}

// PurgeExpired purges a room whose TTL elapsed.
func (p *Purger) PurgeExpired(ctx context.Context, name, roomID string) error {
	return p.Purge(ctx, name, roomID, TriggerExpiry)
}

// Purge deletes the room generation roomID registered under name. A room that
// is already gone, or that has been recreated under the same name, counts as
// purged.
func (p *Purger) Purge(ctx context.Context, name, roomID, trigger string) error {
	unlock := p.lock(name)
	defer unlock()

	log := logrus.WithFields(logrus.Fields{"room": name, "room_id": roomID, "trigger": trigger})

	if locker, ok := p.rooms.(core.RoomLocker); ok {
		release, err := locker.LockRoom(ctx, name)
		if err != nil {
			metrics.Purges.WithLabelValues(trigger, "failed").Inc()
			return fmt.Errorf("failed to lock room %s: %w", name, err)
		}
		defer release()
	}

	room, err := p.rooms.GetRoom(ctx, name)
	if errors.Is(err, core.ErrNotFound) || (err == nil && room.ID != roomID) {
		log.Debug("Room already purged")
		metrics.Purges.WithLabelValues(trigger, "noop").Inc()
		return nil
	}
	if err != nil {
		metrics.Purges.WithLabelValues(trigger, "failed").Inc()
		return fmt.Errorf("failed to load room %s: %w", name, err)
	}

	start := time.Now()
	if err := p.purge(ctx, roomID, log); err != nil {
		metrics.Purges.WithLabelValues(trigger, "failed").Inc()
		return err
	}
	metrics.PurgeDuration.Observe(time.Since(start).Seconds())
	metrics.Purges.WithLabelValues(trigger, "purged").Inc()

	if p.events != nil {
		p.events.RoomExpired(roomID)
	}
	log.Info("Room purged")
	return nil
}

func (p *Purger) purge(ctx context.Context, roomID string, log *logrus.Entry) error {
	if err := p.rooms.MarkPurging(ctx, roomID); err != nil {
		return err
	}

	files, err := p.files.ListFiles(ctx, roomID)
	if err != nil {
		return err
	}

	if len(files) > 0 {
		keys := make([]string, 0, len(files))
		for _, f := range files {
			keys = append(keys, f.StorageKey)
		}
		if err := p.objects.DeleteMany(ctx, keys); err != nil {
			log.WithError(err).WithField("file_count", len(keys)).Warn("Failed to delete room blobs")
			return err
		}
	}

	// Files go before the room so a crash in between leaves a room with
	// no files, which is safe to purge again.
	if err := p.files.DeleteFiles(ctx, roomID); err != nil {
		return err
	}
	return p.rooms.DeleteRoom(ctx, roomID)
}
