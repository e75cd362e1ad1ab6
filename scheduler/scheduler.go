package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"fleetingfiles/config"
	"fleetingfiles/core"
	"fleetingfiles/metrics"

	"github.com/sirupsen/logrus"
)

// Purger runs the purge of one room generation.
type Purger interface {
	PurgeExpired(ctx context.Context, roomName, roomID string) error
}

// Scheduler fires purge jobs from the durable job store. Jobs are claimed
// with a lease, so a job whose runner died is picked up again once the lease
// runs out. Purges are idempotent, which makes that redelivery harmless.
type Scheduler struct {
	jobs   core.JobStore
	purger Purger
	cfg    config.Scheduler
	now    func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(jobs core.JobStore, purger Purger, cfg config.Scheduler) *Scheduler {
	return &Scheduler{
		jobs:   jobs,
		purger: purger,
		cfg:    cfg,
		now:    time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Schedule durably records that the room must be purged at fireAt. It
// replaces any earlier job for the same name.
func (s *Scheduler) Schedule(ctx context.Context, roomName, roomID string, fireAt time.Time) error {
	return s.jobs.UpsertJob(ctx, &core.PurgeJob{
		RoomName:      roomName,
		RoomID:        roomID,
		FireAt:        fireAt,
		NextAttemptAt: fireAt,
	})
}

// Expedite moves the room's pending job up to now and keeps its attempt
// count. A parked or in-flight job is left alone. A missing job is enrolled
// afresh.
func (s *Scheduler) Expedite(ctx context.Context, roomName, roomID string) error {
	job, err := s.jobs.GetJob(ctx, roomName)
	if errors.Is(err, core.ErrNotFound) || (err == nil && job.RoomID != roomID) {
		return s.Schedule(ctx, roomName, roomID, s.now())
	}
	if err != nil {
		return err
	}

	now := s.now()
	if job.Failed || job.LeasedUntil.After(now) || !job.NextAttemptAt.After(now) {
		return nil
	}
	return s.jobs.RescheduleJob(ctx, roomName, roomID, job.Attempts, now, job.LastError)
}

// Cancel drops the room's pending job, if it still belongs to roomID.
func (s *Scheduler) Cancel(ctx context.Context, roomName, roomID string) error {
	return s.jobs.DeleteJob(ctx, roomName, roomID)
}

// Reconcile schedules every room that has no job, which happens when the
// process died between inserting a room and enrolling it.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	rooms, err := s.jobs.ListUnscheduledRooms(ctx)
	if err != nil {
		return err
	}
	for _, room := range rooms {
		if err := s.Schedule(ctx, room.Name, room.ID, room.ExpiresAt); err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"room":    room.Name,
			"room_id": room.ID,
			"fire_at": room.ExpiresAt,
		}).Warn("Scheduled purge for unscheduled room")
	}
	return nil
}

// Start reconciles the job store and polls it until ctx is done or Stop is
// called.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Reconcile(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("scheduler already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.loop(ctx, s.done)
	logrus.WithField("poll_interval", s.cfg.PollInterval).Info("Expiry scheduler started")
	return nil
}

// Stop ends polling and waits for the current cycle to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	logrus.Info("Expiry scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			logrus.WithError(err).Error("Expiry scheduler cycle failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims the jobs that are due and runs them. It returns how many
// jobs were run.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	metrics.SchedulerRuns.Inc()

	jobs, err := s.jobs.ClaimDueJobs(ctx, s.now(), s.cfg.Lease, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		s.run(ctx, job)
	}
	return len(jobs), nil
}

func (s *Scheduler) run(ctx context.Context, job *core.PurgeJob) {
	log := logrus.WithFields(logrus.Fields{
		"room":    job.RoomName,
		"room_id": job.RoomID,
		"attempt": job.Attempts + 1,
	})

	err := s.purger.PurgeExpired(ctx, job.RoomName, job.RoomID)
	if err == nil {
		if err := s.jobs.DeleteJob(ctx, job.RoomName, job.RoomID); err != nil {
			// The lease expires and the purge runs again as a no-op.
			log.WithError(err).Warn("Failed to remove finished purge job")
		}
		return
	}

	attempts := job.Attempts + 1
	if attempts >= s.cfg.MaxAttempts {
		metrics.SchedulerParked.Inc()
		log.WithError(err).Error("Purge failed too many times, parking job")
		if err := s.jobs.ParkJob(ctx, job.RoomName, job.RoomID, attempts, err.Error()); err != nil {
			log.WithError(err).Error("Failed to park purge job")
		}
		return
	}

	next := s.now().Add(s.backoff(attempts))
	metrics.SchedulerRetries.Inc()
	log.WithError(err).WithField("next_attempt_at", next).Warn("Purge failed, retrying later")
	if err := s.jobs.RescheduleJob(ctx, job.RoomName, job.RoomID, attempts, next, err.Error()); err != nil {
		log.WithError(err).Error("Failed to reschedule purge job")
	}
}

// backoff doubles BaseBackoff per failed attempt, capped at MaxBackoff.
func (s *Scheduler) backoff(attempts int) time.Duration {
	d := s.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= s.cfg.MaxBackoff {
			return s.cfg.MaxBackoff
		}
	}
	return min(d, s.cfg.MaxBackoff)
}
