// Package app provides the application lifecycle wiring for the Arroyo
// ingest service.
package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	httpapi "github.com/arroyodb/arroyo/internal/api/http"
	"github.com/arroyodb/arroyo/internal/catalog"
	"github.com/arroyodb/arroyo/internal/config"
	"github.com/arroyodb/arroyo/internal/ingest"
	"github.com/arroyodb/arroyo/internal/server"
	"github.com/arroyodb/arroyo/internal/store"
)

// App owns the ingest service components: the bucket catalog, the bucket
// store, the committer, and the HTTP API.
type App struct {
	cfg *config.Config

	catalog  *catalog.BucketCatalog
	buckets  *store.SQLiteStore
	writer   *ingest.Writer
	shutdown *server.ShutdownManager

	httpServer *http.Server

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// New creates a new App with the given configuration.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("app: invalid configuration: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("app: failed to create data dir: %w", err)
	}

	cat := catalog.New(catalog.Limits{
		BucketMaxCount:      cfg.Catalog.BucketMaxCount,
		BucketMaxSize:       cfg.Catalog.BucketMaxSizeBytes,
		IdleMemoryThreshold: cfg.Catalog.IdleMemoryThresholdBytes,
	})

	buckets, err := store.NewSQLiteStore(filepath.Join(cfg.DataDir, "buckets.db"))
	if err != nil {
		return nil, fmt.Errorf("app: failed to open bucket store: %w", err)
	}
	// A direct on-disk bucket delete invalidates the catalog's in-memory
	// state for that bucket.
	buckets.SetOnDelete(cat.Clear)

	writer := ingest.NewWriter(cat, buckets, ingest.WriterConfig{
		Options: catalog.Options{
			TimeField:            cfg.Catalog.TimeField,
			MetaField:            cfg.Catalog.MetaField,
			BucketMaxSpanSeconds: cfg.Catalog.BucketMaxSpanSeconds,
		},
	})

	if cfg.Storage.ArchiveEnabled {
		objects, err := newObjectStorage(cfg)
		if err != nil {
			buckets.Close()
			return nil, err
		}
		writer.SetArchiver(store.NewArchiver(objects, cfg.Storage.Prefix))
	}

	app := &App{
		cfg:      cfg,
		catalog:  cat,
		buckets:  buckets,
		writer:   writer,
		shutdown: server.NewShutdownManager(server.ShutdownConfig{}),
	}
	app.shutdown.RegisterCloser(buckets)
	return app, nil
}

func newObjectStorage(cfg *config.Config) (store.ObjectStorage, error) {
	switch cfg.Storage.Type {
	case "s3":
		return store.NewS3Storage(context.Background(), cfg.Storage.S3Bucket, store.S3Config{
			Region:       cfg.Storage.S3Region,
			Endpoint:     cfg.Storage.S3Endpoint,
			UsePathStyle: cfg.Storage.S3PathStyle,
		})
	default:
		return store.NewLocalStorage(cfg.Storage.LocalDir)
	}
}

// Catalog exposes the bucket catalog (used by tests and diagnostics).
func (a *App) Catalog() *catalog.BucketCatalog {
	return a.catalog
}

// Writer exposes the measurement committer.
func (a *App) Writer() *ingest.Writer {
	return a.writer
}

// Start launches the HTTP server.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("app: already running")
	}

	mw := httpapi.DefaultMiddleware()
	mux := http.NewServeMux()
	mux.Handle("/v1/write", a.trackRequests(mw(httpapi.NewWriteHandler(a.writer))))
	mux.Handle("/v1/stats", a.trackRequests(mw(httpapi.NewStatsHandler(a.catalog))))

	a.httpServer = &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      mux,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("app: ingest API listening on %s", a.cfg.HTTP.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("app: http server error: %v", err)
		}
	}()

	a.running = true
	return nil
}

// trackRequests wires the shutdown manager's in-flight accounting around a
// handler.
func (a *App) trackRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.shutdown.TrackRequest() {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		defer a.shutdown.UntrackRequest()
		next.ServeHTTP(w, r)
	})
}

// Wait blocks until a termination signal arrives, then shuts down.
func (a *App) Wait(ctx context.Context) error {
	return a.shutdown.ListenForSignals(ctx)
}

// Stop shuts the service down gracefully.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return nil
	}

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			log.Printf("app: http shutdown error: %v", err)
		}
	}
	err := a.shutdown.Shutdown(ctx, "stop requested")
	a.wg.Wait()
	a.running = false
	return err
}
