// Package main runs the local sync daemon: the sync engine, its scheduler,
// and a localhost HTTP/WebSocket surface for UI clients.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kimhsiao/recordnexus/internal/db"
	"github.com/kimhsiao/recordnexus/internal/logging"
	enginesync "github.com/kimhsiao/recordnexus/internal/sync"
	"github.com/kimhsiao/recordnexus/internal/sync/conflict"
	"github.com/kimhsiao/recordnexus/internal/sync/queue"
	"github.com/kimhsiao/recordnexus/internal/sync/retry"
	"github.com/kimhsiao/recordnexus/internal/sync/s3"
	"github.com/kimhsiao/recordnexus/internal/sync/scheduler"
	"github.com/kimhsiao/recordnexus/internal/sync/tombstone"
	"github.com/kimhsiao/recordnexus/internal/telemetry"
)

func main() {
	level := logrus.InfoLevel
	if os.Getenv("SYNC_DEBUG") != "" {
		level = logrus.DebugLevel
	}
	logging.Init(os.Stderr, level)

	dataDir := envOr("SYNC_DATA_DIR", "./data")
	owner := envOr("SYNC_OWNER", "")
	if owner == "" {
		logging.Error("SYNC_OWNER is required", nil, nil)
		os.Exit(1)
	}

	database, err := db.Open(dataDir)
	if err != nil {
		logging.Error("Failed to open database", err, nil)
		os.Exit(1)
	}
	defer database.Close()
	repo := db.NewRepository(database)

	q, err := queue.New(queue.DefaultConfig(dataDir + "/queue.json"))
	if err != nil {
		logging.Error("Failed to restore operation queue", err, nil)
		os.Exit(1)
	}

	blobs := s3.NewMinIOClient(&s3.MinIOConfig{
		Endpoint:   envOr("SYNC_S3_ENDPOINT", "localhost:9000"),
		BucketName: envOr("SYNC_S3_BUCKET", "recordnexus"),
		AccessKey:  os.Getenv("SYNC_S3_ACCESS_KEY"),
		SecretKey:  os.Getenv("SYNC_S3_SECRET_KEY"),
		UseSSL:     os.Getenv("SYNC_S3_SSL") != "",
	})

	cfg := enginesync.DefaultConfig(owner)
	cfg.AttachmentDir = dataDir + "/attachments"

	remote := newRemoteClient()
	coordinator := retry.NewCoordinator(nil)
	coordinator.RefreshCredentials = remote.RefreshCredentials

	engine, err := enginesync.NewEngine(cfg, enginesync.Deps{
		Local:      repo,
		Remote:     remote,
		Blobs:      blobs,
		Queue:      q,
		Retry:      coordinator,
		Resolver:   conflict.NewResolver(repo),
		Tombstones: tombstone.NewTracker(repo),
	})
	if err != nil {
		logging.Error("Failed to build sync engine", err, nil)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := telemetry.NewCollector()
	go collector.Run(ctx, engine.Events().Subscribe())

	hub := newWSHub()
	go hub.pump(engine.Events().Subscribe())

	sched := scheduler.New(scheduler.DefaultConfig(), engine)
	sched.Start(ctx)
	defer sched.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok", "service": "recordnexus-syncd"})
	})
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"syncing":   engine.IsSyncing(),
			"last_sync": engine.LastSync(),
			"conflicts": len(engine.Conflicts()),
			"counters":  collector.Snapshot(),
		})
	})
	mux.HandleFunc("/api/sync/trigger", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		sched.TriggerSync()
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/ws", handleWebSocket(hub))

	server := &http.Server{
		Addr:    "localhost:" + envOr("SYNC_PORT", "8090"),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logging.Info("Sync daemon listening", map[string]interface{}{"addr": server.Addr})
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.Error("HTTP server failed", err, nil)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
