// Package main implements the arroyod binary: the Arroyo time-series
// ingest service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/arroyodb/arroyo/internal/app"
	"github.com/arroyodb/arroyo/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		httpAddr    string
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP listen address for the ingest API")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Arroyo - Time-Series Ingestion Engine\n\n")
		fmt.Fprintf(os.Stderr, "Usage: arroyod [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  arroyod --data-dir /data/arroyo\n")
		fmt.Fprintf(os.Stderr, "  arroyod --config /etc/arroyo/config.yaml\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  ARROYO_DATA_DIR       Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  ARROYO_HTTP_ADDR      HTTP listen address\n")
		fmt.Fprintf(os.Stderr, "  ARROYO_STORAGE_TYPE   Archival storage type (local, s3)\n")
		fmt.Fprintf(os.Stderr, "  ARROYO_S3_BUCKET      S3 bucket for archived commits\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}
	if showVersion {
		fmt.Printf("arroyod version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	// A .env file is optional; absence is not an error.
	_ = godotenv.Load()

	cfg, err := loadConfig(configFile, dataDir, httpAddr)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	printBanner(cfg)

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	waitErr := application.Wait(ctx)
	if err := application.Stop(context.Background()); err != nil && waitErr == nil {
		waitErr = err
	}
	if waitErr != nil {
		log.Printf("Shutdown error: %v", waitErr)
		os.Exit(1)
	}
}

// loadConfig loads configuration from file, environment, and command line
// flags, in increasing priority.
func loadConfig(configFile, dataDir, httpAddr string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}

	return cfg, nil
}

// printBanner prints the startup banner with configuration summary.
func printBanner(cfg *config.Config) {
	log.Printf("Arroyo %s starting", version)
	log.Printf("  Data Dir:    %s", cfg.DataDir)
	log.Printf("  HTTP:        %s", cfg.HTTP.Addr)
	log.Printf("  Bucket caps: count=%d size=%dB span=%ds",
		cfg.Catalog.BucketMaxCount, cfg.Catalog.BucketMaxSizeBytes, cfg.Catalog.BucketMaxSpanSeconds)
	log.Printf("  Idle memory: %dB", cfg.Catalog.IdleMemoryThresholdBytes)
	if cfg.Storage.ArchiveEnabled {
		log.Printf("  Archive:     %s", cfg.Storage.Type)
	}
}
