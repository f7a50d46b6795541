// fcsandboxd serves the sandbox API: microVM lifecycle, exec and file
// operations over vsock, pause/resume snapshots.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/fcsandbox/fcsandbox/internal/api"
	"github.com/fcsandbox/fcsandbox/internal/artifacts"
	"github.com/fcsandbox/fcsandbox/internal/auth"
	"github.com/fcsandbox/fcsandbox/internal/config"
	"github.com/fcsandbox/fcsandbox/internal/db"
	"github.com/fcsandbox/fcsandbox/internal/events"
	"github.com/fcsandbox/fcsandbox/internal/sandbox"
	"github.com/fcsandbox/fcsandbox/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx := context.Background()

	if _, err := exec.LookPath(cfg.FirecrackerBin); err != nil {
		log.Fatalf("firecracker binary not found: %v", err)
	}

	store, err := artifacts.NewStore(cfg.BaseDir)
	if err != nil {
		log.Fatalf("failed to prepare %s: %v", cfg.BaseDir, err)
	}
	log.Printf("fcsandboxd: base directory %s", cfg.BaseDir)

	var opts []sandbox.Option

	if cfg.S3Bucket != "" {
		snapStore, err := storage.NewSnapshotStore(storage.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			ForcePathStyle:  cfg.S3ForcePathStyle,
		})
		if err != nil {
			log.Fatalf("failed to initialize snapshot store: %v", err)
		}
		opts = append(opts, sandbox.WithSnapshotStore(snapStore))
		log.Printf("fcsandboxd: snapshot replication to s3://%s", cfg.S3Bucket)
	}

	if cfg.NATSURL != "" {
		pub, err := events.NewPublisher(cfg.NATSURL)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		defer pub.Close()
		opts = append(opts, sandbox.WithEventPublisher(pub))
		log.Printf("fcsandboxd: publishing lifecycle events to %s", cfg.NATSURL)
	}

	if cfg.DatabaseURL != "" {
		pg, err := db.NewStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to connect to database: %v", err)
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			log.Fatalf("failed to run migrations: %v", err)
		}
		opts = append(opts, sandbox.WithDBStore(pg))
		log.Println("fcsandboxd: mirroring sandbox records to PostgreSQL")
	} else {
		log.Println("fcsandboxd: no FCSANDBOX_DATABASE_URL configured, running without PostgreSQL")
	}

	mgr := sandbox.NewManager(cfg, store, opts...)

	if err := mgr.Recover(ctx); err != nil {
		log.Fatalf("crash recovery failed: %v", err)
	}

	var jwtIssuer *auth.JWTIssuer
	if cfg.JWTSecret != "" {
		jwtIssuer = auth.NewJWTIssuer(cfg.JWTSecret)
		log.Println("fcsandboxd: issuing sandbox-scoped tokens")
	}

	srv := api.NewServer(mgr, cfg.APIKey, jwtIssuer)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		log.Printf("fcsandboxd: listening on %s", addr)
		if err := srv.Start(addr); err != nil {
			log.Printf("fcsandboxd: server stopped: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("fcsandboxd: received %v, shutting down", sig)

	srv.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	mgr.Close(shutdownCtx)
}
