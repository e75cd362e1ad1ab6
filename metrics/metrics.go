package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RoomsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetingfiles_rooms_created_total",
		Help: "Rooms successfully created.",
	})

	RoomCreateConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetingfiles_room_create_conflicts_total",
		Help: "Room creations rejected because the name was taken.",
	})

	FilesUploaded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetingfiles_files_uploaded_total",
		Help: "Files stored in rooms.",
	})

	UploadsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetingfiles_uploads_rejected_total",
		Help: "Uploads rejected, by reason.",
	}, []string{"reason"})

	// Purges counts purge sequence outcomes: purged, noop or failed.
	Purges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetingfiles_purges_total",
		Help: "Purge sequence executions, by outcome.",
	}, []string{"trigger", "outcome"})

	PurgeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetingfiles_purge_duration_seconds",
		Help:    "Duration of purge sequences that touched the object store.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	})

	SchedulerRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetingfiles_scheduler_runs_total",
		Help: "Expiry scheduler polling cycles.",
	})

	SchedulerRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetingfiles_scheduler_retries_total",
		Help: "Purge jobs rescheduled after a failed attempt.",
	})

	SchedulerParked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fleetingfiles_scheduler_parked_total",
		Help: "Purge jobs parked after exhausting their attempts.",
	})
)
