package rooms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"fleetingfiles/core"
	"fleetingfiles/metrics"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

const (
	MaxNameLength       = 30
	MaxPassphraseLength = 30
)

// Scheduler enrolls rooms for their expiry purge.
type Scheduler interface {
	Schedule(ctx context.Context, roomName, roomID string, fireAt time.Time) error
	Expedite(ctx context.Context, roomName, roomID string) error
	Cancel(ctx context.Context, roomName, roomID string) error
}

// Registry is the only path that creates, authenticates and deletes rooms.
type Registry struct {
	rooms     core.RoomStore
	scheduler Scheduler
	purger    *Purger
	ttl       time.Duration
	cost      int
	now       func() time.Time
}

func NewRegistry(rooms core.RoomStore, scheduler Scheduler, purger *Purger, ttl time.Duration) *Registry {
	return &Registry{
		rooms:     rooms,
		scheduler: scheduler,
		purger:    purger,
		ttl:       ttl,
		cost:      bcrypt.DefaultCost,
		now:       time.Now,
	}
}

func validateCredentials(name, passphrase string) error {
	if strings.TrimSpace(name) == "" || utf8.RuneCountInString(name) > MaxNameLength {
		return fmt.Errorf("%w: room name must be 1 to %d characters", core.ErrInvalidInput, MaxNameLength)
	}
	if passphrase == "" || utf8.RuneCountInString(passphrase) > MaxPassphraseLength {
		return fmt.Errorf("%w: passphrase must be 1 to %d characters", core.ErrInvalidInput, MaxPassphraseLength)
	}
	return nil
}

// Create registers a new room and enrolls its purge. Only the name must be
// unique; two rooms may share a passphrase.
func (r *Registry) Create(ctx context.Context, name, passphrase string) (*core.Room, error) {
	if err := validateCredentials(name, passphrase); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(passphrase), r.cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash passphrase: %w", err)
	}

	now := r.now()
	room := &core.Room{
		ID:             ulid.Make().String(),
		Name:           name,
		PassphraseHash: hash,
		CreatedAt:      now,
		ExpiresAt:      now.Add(r.ttl),
	}
	log := logrus.WithFields(logrus.Fields{"room": name, "room_id": room.ID})

	err = r.rooms.InsertRoom(ctx, room)
	if errors.Is(err, core.ErrNameTaken) {
		// An expired room still waiting for its purge does not hold the name.
		if err = r.reclaim(ctx, name); err == nil {
			err = r.rooms.InsertRoom(ctx, room)
		}
	}
	if err != nil {
		if errors.Is(err, core.ErrNameTaken) {
			metrics.RoomCreateConflicts.Inc()
			log.Debug("Room name already taken")
		}
		return nil, err
	}

	if err := r.scheduler.Schedule(ctx, room.Name, room.ID, room.ExpiresAt); err != nil {
		log.WithError(err).Error("Failed to schedule purge, rolling back room")
		if delErr := r.rooms.DeleteRoom(ctx, room.ID); delErr != nil {
			log.WithError(delErr).Error("Failed to roll back room")
		}
		return nil, fmt.Errorf("failed to schedule purge for room %s: %w", name, err)
	}

	metrics.RoomsCreated.Inc()
	log.WithField("fire_at", room.ExpiresAt).Info("Room created")
	return room, nil
}

// reclaim purges the room holding name if it is no longer live. It returns
// ErrNameTaken when the holder is live.
func (r *Registry) reclaim(ctx context.Context, name string) error {
	existing, err := r.rooms.GetRoom(ctx, name)
	if errors.Is(err, core.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing.Live(r.now()) {
		return core.ErrNameTaken
	}

	if err := r.purger.Purge(ctx, existing.Name, existing.ID, TriggerExpiry); err != nil {
		return fmt.Errorf("%w: failed to purge expired room %s: %v", core.ErrStoreUnavailable, name, err)
	}
	if err := r.scheduler.Cancel(ctx, existing.Name, existing.ID); err != nil {
		logrus.WithError(err).WithField("room", name).Warn("Failed to cancel purge job")
	}
	return nil
}

// Authenticate returns the live room matching name and passphrase. Every
// mismatch, including an expired room, yields ErrInvalidCredentials.
func (r *Registry) Authenticate(ctx context.Context, name, passphrase string) (*core.Room, error) {
	room, err := r.rooms.GetRoom(ctx, name)
	if errors.Is(err, core.ErrNotFound) {
		return nil, core.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !room.Live(r.now()) {
		return nil, core.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(room.PassphraseHash, []byte(passphrase)); err != nil {
		return nil, core.ErrInvalidCredentials
	}
	return room, nil
}

// Delete purges the room now and cancels its pending job. If the purge
// fails the job is moved up so the scheduler retries it.
func (r *Registry) Delete(ctx context.Context, room *core.Room) error {
	log := logrus.WithFields(logrus.Fields{"room": room.Name, "room_id": room.ID})

	if err := r.purger.Purge(ctx, room.Name, room.ID, TriggerExplicit); err != nil {
		if schedErr := r.scheduler.Expedite(ctx, room.Name, room.ID); schedErr != nil {
			log.WithError(schedErr).Error("Failed to reschedule purge after failed delete")
		}
		return err
	}

	if err := r.scheduler.Cancel(ctx, room.Name, room.ID); err != nil {
		log.WithError(err).Warn("Failed to cancel purge job")
	}
	return nil
}
