package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sethvargo/go-retry"

	"atv.dev/internal/audit"
	"atv.dev/internal/authz"
	"atv.dev/internal/config"
	"atv.dev/internal/cryptox"
	"atv.dev/internal/documents"
	"atv.dev/internal/httpapi"
	"atv.dev/internal/migrations"
	"atv.dev/internal/obs"
	"atv.dev/internal/scan"
	"atv.dev/internal/services"
	"atv.dev/internal/storage"
)

var version = "1.2.0"

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	obs.Init()

	db, err := sql.Open("pgx", cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx := context.Background()
	// The database often comes up after the service in orchestrated
	// deployments; wait for it instead of crash-looping.
	backoff := retry.WithMaxDuration(2*time.Minute, retry.NewExponential(time.Second))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		return retry.RetryableError(db.PingContext(ctx))
	})
	if err != nil {
		log.Fatalf("database unreachable: %v", err)
	}

	if err := migrations.Up(ctx, db); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	box, err := cryptox.NewBox(cfg.FieldEncryptionKey)
	if err != nil {
		log.Fatalf("field encryption key: %v", err)
	}

	blobs, err := newStorage(ctx, cfg)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}

	var scanner scan.Scanner = scan.Noop{}
	if cfg.ScannerURL != "" {
		scanner = scan.NewClamAV(cfg.ScannerURL)
	}

	users := services.NewPGStore(db)
	api := httpapi.New(httpapi.Deps{
		Config:   *cfg,
		Version:  version,
		DB:       db,
		Resolver: services.NewResolver(users, services.WithKeyCacheTTL(cfg.APIKeyCacheTTL)),
		Users:    users,
		Policy:   documents.NewPolicy(authz.NewEvaluator(authz.NewPGGrantStore(db))),
		Docs:     documents.NewPGStore(db, box),
		Recorder: audit.NewRecorder(db, audit.NewPGEntryStore(db), cfg.AuditOrigin),
		Blobs:    blobs,
		Scanner:  scanner,
		Box:      box,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting atv-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(shutdownCtx)
	_ = db.Close()
	log.Println("Stopped")
}

func newStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	if cfg.S3Bucket == "" {
		return storage.NewLocal(cfg.MediaRoot, cfg.EnableFileDeletion), nil
	}
	return storage.NewS3(ctx, storage.S3Config{
		Bucket:      cfg.S3Bucket,
		Region:      cfg.S3Region,
		Endpoint:    cfg.S3Endpoint,
		AccessKey:   cfg.S3AccessKey,
		SecretKey:   cfg.S3SecretKey,
		AllowDelete: cfg.EnableFileDeletion,
	})
}
