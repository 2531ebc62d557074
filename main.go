package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"estate_ingest/api"
	"estate_ingest/config"
	"estate_ingest/httputil"
	"estate_ingest/logging"
	"estate_ingest/models"
	"estate_ingest/progress"
	"estate_ingest/scheduler"
	"estate_ingest/scraper"
	"estate_ingest/services"
	"estate_ingest/storage"
	"estate_ingest/watch"
	"estate_ingest/workers"
)

var (
	scrapeSource = flag.String("scrape", "", "Run one job for the given source and exit")
	pages        = flag.Int("pages", 0, "Page count for -scrape (default: the site's configured pages)")
	watchSource  = flag.String("watch", "", "Follow the job for the given source in a terminal dashboard")
	apiBase      = flag.String("api", "http://localhost:8080", "Status API base URL for -watch")
)

func main() {
	flag.Parse()

	if *watchSource != "" {
		status, err := watch.Run(*apiBase, *watchSource)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if status.Error != nil {
			os.Exit(1)
		}
		return
	}

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logFile, err := logging.Setup(cfg.Logging.Path, cfg.Logging.MaxBytes, cfg.Logging.Backups)
	if err != nil {
		log.Printf("Warning: could not set up file logging: %v", err)
	} else {
		defer logFile.Close()
	}

	log.Println("Starting estate_ingest...")
	log.Printf("Loaded %d site configs", len(cfg.Sites))
	for _, id := range cfg.SiteIDs() {
		site := cfg.Sites[id]
		log.Printf("  - %s (%s, %d pages)", site.Name, id, site.Pages)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	canonical, err := openCanonical(ctx, &cfg.Canonical)
	if err != nil {
		log.Fatalf("Failed to open canonical store: %v", err)
	}
	defer canonical.Close()
	if err := canonical.SeedRoles(ctx); err != nil {
		log.Fatalf("Failed to seed roles: %v", err)
	}

	opsStore, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open SQLite: %v", err)
	}
	defer opsStore.Close()
	log.Printf("SQLite database: %s", cfg.DBPath)
	if n, err := opsStore.FailStaleRuns(); err != nil {
		log.Printf("Warning: could not close stale runs: %v", err)
	} else if n > 0 {
		log.Printf("Marked %d interrupted runs as failed", n)
	}

	clients := httputil.NewClients(&cfg.Scraper)
	if cfg.Scraper.ProxyURL != "" {
		log.Printf("Proxy: %s", maskConnectionString(cfg.Scraper.ProxyURL))
	}

	tracker := progress.NewTracker()
	engine := services.NewMergeEngine(canonical)
	orchestrator := scraper.NewOrchestrator(cfg, tracker, engine, clients.Scraping)
	orchestrator.SetStore(opsStore)

	if *scrapeSource != "" {
		if err := runOnce(orchestrator, *scrapeSource, *pages); err != nil {
			log.Fatalf("Scrape failed: %v", err)
		}
		log.Println("Scrape complete!")
		return
	}

	// Daemon mode
	server := api.NewHTTPServer(cfg.HTTP.Addr, api.NewServer(orchestrator, tracker, opsStore).Router())
	go func() {
		log.Printf("Status API listening on %s", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	sched := scheduler.New(cfg, orchestrator, opsStore)

	if cfg.S3.Enabled() {
		uploader, err := storage.NewS3Uploader(ctx, cfg.S3)
		if err != nil {
			log.Fatalf("Failed to configure S3: %v", err)
		}
		mirror := workers.NewImageMirror(canonical, uploader)
		mirror.SetLogger(func(level models.LogLevel, source, msg string) {
			if err := opsStore.Log(nil, level, msg, source); err != nil {
				log.Printf("Warning: failed to write mirror log: %v", err)
			}
		})
		sched.SetMirror(mirror)
		go mirror.Run(ctx, 20, cfg.Scheduler.MirrorInterval)
		log.Printf("Image mirror started (bucket %s)", cfg.S3.Bucket)
	} else {
		log.Println("S3_BUCKET not set, image mirror disabled")
	}

	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	log.Println("Daemon running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	sched.Stop()
	orchestrator.Shutdown()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Warning: HTTP shutdown: %v", err)
	}
	cancel()
	orchestrator.Wait()
	log.Println("Goodbye!")
}

func openCanonical(ctx context.Context, cfg *config.CanonicalConfig) (storage.CanonicalStore, error) {
	switch cfg.Driver {
	case "postgres":
		store, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		log.Printf("Connected to Postgres: %s", maskConnectionString(cfg.DatabaseURL))
		return store, nil
	case "sqlite", "":
		store, err := storage.NewGormStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.Printf("Canonical database: %s", cfg.SQLitePath)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown CANONICAL_DB driver %q", cfg.Driver)
	}
}

// runOnce starts a single job, waits for it and prints the final status.
func runOnce(o *scraper.Orchestrator, source string, pageCount int) error {
	if pageCount == 0 {
		pageCount = o.DefaultPages(source)
	}
	jobID, err := o.Start(source, pageCount, "")
	if err != nil {
		return err
	}
	log.Printf("Job %s started for %s (%d pages)", jobID, source, pageCount)
	o.Wait()

	status := o.Tracker().Snapshot(source)
	if status.Summary != nil {
		s := status.Summary
		fmt.Printf("%s: added %d, updated %d, skipped %d, errors %d\n", source, s.Added, s.Updated, s.Skipped, s.Errors)
	}
	if status.Error != nil {
		return errors.New(*status.Error)
	}
	return nil
}

// maskConnectionString masks password in connection string for logging
func maskConnectionString(connStr string) string {
	start := 0
	for i := 0; i < len(connStr)-3; i++ {
		if connStr[i:i+3] == "://" {
			start = i + 3
			break
		}
	}
	if start == 0 {
		return connStr
	}

	colonIdx := -1
	atIdx := -1
	for i := start; i < len(connStr); i++ {
		if connStr[i] == ':' && colonIdx == -1 {
			colonIdx = i
		}
		if connStr[i] == '@' {
			atIdx = i
			break
		}
	}

	if colonIdx > 0 && atIdx > colonIdx {
		return connStr[:colonIdx+1] + "****" + connStr[atIdx:]
	}
	return connStr
}
