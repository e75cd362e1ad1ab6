package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fleetingfiles/config"
	"fleetingfiles/core"
	roomsapi "fleetingfiles/handlers/api/rooms"
	"fleetingfiles/handlers/blobs"
	"fleetingfiles/handlers/websocket"
	"fleetingfiles/presign"
	"fleetingfiles/rooms"
	"fleetingfiles/scheduler"
	"fleetingfiles/session"
	"fleetingfiles/stores"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

func setupRouter(svc *rooms.Service, sessions *session.Manager, signer *presign.Signer, objects core.ObjectStore, notifier *websocket.Notifier) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Mount("/api", roomsapi.Routes(svc, sessions))

	// S3 serves its own presigned links; the other backends are served here.
	if reader, ok := objects.(core.BlobReader); ok {
		r.Get("/blobs/*", blobs.HandleGet(signer, reader))
	}

	r.Mount("/socket.io/", notifier.Handler())
	return r
}

// linkSecret signs local blob links. It reuses the session secret, or a
// random key when none is configured.
func linkSecret(sessionSecret string) []byte {
	if sessionSecret != "" {
		return []byte("blob-links:" + sessionSecret)
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		logrus.Fatalf("Failed to generate link secret: %v", err)
	}
	return key
}

func main() {
	listenAddress := flag.String("listen", ":3002", "The address to listen on.")
	logLevel := flag.String("loglevel", "info", "The log level (debug, info, warn, error).")
	configPath := flag.String("config", "", "Optional YAML configuration file.")
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	store, err := stores.GetStore(ctx, cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open metadata store")
	}
	signer := presign.NewSigner(linkSecret(cfg.SessionSecret), cfg.PublicBaseURL)
	objects, err := stores.GetObjectStore(ctx, cfg, signer)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to open object store")
	}

	sessions := session.NewManager(cfg.SessionSecret)
	guard := rooms.NewGuard(store)
	notifier := websocket.NewServer(sessions, guard)

	purger := rooms.NewPurger(store, store, objects, notifier)
	sched := scheduler.New(store, purger, cfg.Scheduler)
	registry := rooms.NewRegistry(store, sched, purger, cfg.RoomTTL)
	svc := rooms.NewService(registry, guard, store, objects, sessions, rooms.Options{
		MaxUploadSize: cfg.MaxUploadSize,
		PresignTTL:    cfg.PresignTTL,
		Events:        notifier,
	})

	if err := sched.Start(ctx); err != nil {
		logrus.WithError(err).Fatal("Failed to start expiry scheduler")
	}

	srv := &http.Server{
		Addr:              *listenAddress,
		Handler:           setupRouter(svc, sessions, signer, objects, notifier),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logrus.WithFields(logrus.Fields{
		"addr":     *listenAddress,
		"room_ttl": cfg.RoomTTL,
	}).Info("starting server")
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithField("event", "start server").Fatal(err)
		}
	}()

	<-ctx.Done()
	logrus.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("HTTP server did not shut down cleanly")
	}
	sched.Stop()
	notifier.Close()
	if err := store.Close(); err != nil {
		logrus.WithError(err).Warn("Failed to close metadata store")
	}
}
