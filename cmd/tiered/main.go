package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"tiered/internal/blob"
	"tiered/internal/catalog"
	"tiered/internal/policy"
	"tiered/internal/scheduler"
	"tiered/internal/service"
	"tiered/internal/tracker"
)

func Run(ctx context.Context) error {

	listen := flag.String("listen", "8080", "HTTP listen port")
	dataDir := flag.String("data-dir", "./data", "directory for the catalog and local tier storage")
	backend := flag.String("storage", "local", "tier storage backend: local or minio")
	interval := flag.Duration("tiering-interval", time.Hour, "how often to run tiering evaluation")
	moveConcurrency := flag.Int("move-concurrency", 4, "maximum parallel tier moves per run")

	hotIdle := flag.Duration("hot-idle", 30*24*time.Hour, "idle time before a HOT file demotes to WARM")
	coldIdle := flag.Duration("cold-idle", 90*24*time.Hour, "idle time before a file demotes to COLD")
	promoteThreshold := flag.Int64("promote-threshold", 10, "accesses inside the lookback window that trigger promotion")
	promoteWindow := flag.Duration("promote-window", 24*time.Hour, "lookback window for promotion frequency")

	minFileSize := flag.Int64("min-file-size", service.DefaultMinFileSize, "smallest accepted upload in bytes")
	maxFileSize := flag.Int64("max-file-size", service.DefaultMaxFileSize, "largest accepted upload in bytes")

	minioEndpoint := flag.String("minio-endpoint", "localhost:9000", "MinIO endpoint for the minio backend")
	minioSecure := flag.Bool("minio-secure", false, "use TLS when talking to MinIO")
	minioPrefix := flag.String("minio-bucket-prefix", "tiered", "bucket name prefix, one bucket per tier")

	flag.Parse()

	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           log.DebugLevel,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})

	slog.SetDefault(slog.New(handler))

	// Ensure data directory is absolute for easier debugging.
	absDataDir, err := filepath.Abs(*dataDir)
	if err != nil {
		return fmt.Errorf("failed to resolve data directory: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	cat, err := catalog.Open(ctx, filepath.Join(absDataDir, "catalog.sqlite"))
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	defer cat.Close()

	var store blob.Store
	switch *backend {
	case "local":
		store, err = blob.NewLocalStore(filepath.Join(absDataDir, "tiers"))
		if err != nil {
			return fmt.Errorf("failed to create local tier store: %w", err)
		}
	case "minio":
		store, err = blob.NewMinioStore(ctx, blob.MinioConfig{
			Endpoint:     *minioEndpoint,
			AccessKey:    os.Getenv("MINIO_ACCESS_KEY"),
			SecretKey:    os.Getenv("MINIO_SECRET_KEY"),
			Secure:       *minioSecure,
			BucketPrefix: *minioPrefix,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to MinIO: %w", err)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", *backend)
	}

	trk := tracker.New(cat)

	sched := scheduler.New(cat, store, trk, scheduler.Config{
		Policy: policy.Config{
			HotIdle:          *hotIdle,
			ColdIdle:         *coldIdle,
			PromoteThreshold: *promoteThreshold,
			PromoteWindow:    *promoteWindow,
		},
		MoveConcurrency: *moveConcurrency,
	})

	svc := service.New(cat, store, trk, sched, service.Config{
		MinFileSize: *minFileSize,
		MaxFileSize: *maxFileSize,
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", *listen),
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 20 * time.Second,
		ReadTimeout:       20 * time.Second,
		WriteTimeout:      20 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	eg.Go(func() error {
		slog.Info("Starting tiering loop", "interval", *interval)
		err := sched.Run(ctx, *interval)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	eg.Go(func() error {
		slog.Info("Starting HTTP server", "port", *listen, "storage", *backend)
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	slog.Info("Tiered storage service started")
	return eg.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx); err != nil {
		slog.Error("Service exited with error", "error", err)
	}
}
