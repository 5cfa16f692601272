// Command server runs the storage service's HTTP API: upload sessions,
// file download, deletion, and storage stats (spec §6), plus a background
// placement migrator that ages files between cache/warm/cold tiers.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/strongboxhq/strongbox/internal/applog"
	"github.com/strongboxhq/strongbox/internal/cas"
	"github.com/strongboxhq/strongbox/internal/config"
	"github.com/strongboxhq/strongbox/internal/download"
	"github.com/strongboxhq/strongbox/internal/gc"
	"github.com/strongboxhq/strongbox/internal/httpapi"
	"github.com/strongboxhq/strongbox/internal/metadata"
	"github.com/strongboxhq/strongbox/internal/placement"
	"github.com/strongboxhq/strongbox/internal/sessioncache"
	"github.com/strongboxhq/strongbox/internal/upload"
	"github.com/strongboxhq/strongbox/internal/versioning"
	"github.com/strongboxhq/strongbox/internal/workerpool"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "strongbox",
	Short: "strongbox is a multi-tenant, content-addressed, encrypted object storage service",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cobra.OnInitialize(func() { applog.SetLevel(logLevel) })
	rootCmd.AddCommand(serveCmd)
}

var (
	gcInterval        time.Duration
	placementInterval time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the storage service's HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&gcInterval, "gc-interval", 10*time.Minute, "how often to sweep for unreferenced blocks")
	serveCmd.Flags().DurationVar(&placementInterval, "placement-interval", time.Hour, "how often to run tier migration")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	meta, err := metadata.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}

	sessions, err := openSessionStore(cfg)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	defer func() { _ = sessions.Close() }()

	casStore, err := cas.NewStore(cfg.CASRoot)
	if err != nil {
		return fmt.Errorf("opening CAS store: %w", err)
	}

	dedup := &cas.Deduplicator{CAS: casStore, Metadata: meta, CrossUserDedup: cfg.CrossUserDedup}
	versions := &versioning.Manager{Metadata: meta, MaxVersionsPerFile: cfg.MaxVersionsPerFile, RetentionDays: cfg.VersionRetentionDays}
	pool := workerpool.New(0)

	uploadMgr := &upload.Manager{
		Config:     cfg,
		Metadata:   meta,
		Sessions:   sessions,
		CAS:        casStore,
		Dedup:      dedup,
		Versioning: versions,
		Pool:       pool,
		StagingDir: filepath.Join(cfg.ObjectsRoot, ".staging"),
	}
	downloadEngine := &download.Engine{Metadata: meta, CAS: casStore, Dedup: dedup, MasterKey: cfg.MasterKey}
	collector := &gc.Collector{Metadata: meta, CAS: casStore}
	migrator := &placement.Migrator{Metadata: meta, CAS: casStore, CacheTierAge: cfg.CacheTierAge, WarmTierAge: cfg.WarmTierAge}

	srv := &httpapi.Server{
		Config:   cfg,
		Upload:   uploadMgr,
		Download: downloadEngine,
		Metadata: meta,
		GC:       collector,
		Migrator: migrator,
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	go runPeriodically(ctx, gcInterval, func() {
		summary, err := collector.RunOnce(ctx)
		if err != nil {
			applog.Errorf("gc sweep failed: %v", err)
			return
		}
		applog.WithFields(applog.Fields{
			"deleted":     summary.Deleted,
			"repaired":    summary.Repaired,
			"freed_bytes": summary.FreedBytes,
		}).Infof("gc sweep complete")
	})
	go runPeriodically(ctx, placementInterval, func() {
		if err := migrator.RunOnce(ctx); err != nil {
			applog.Errorf("placement migration failed: %v", err)
		}
	})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		applog.Infof("listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		applog.Infof("shutting down")
	case err := <-errCh:
		return fmt.Errorf("serving: %w", err)
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

// openSessionStore picks Redis when configured, falling back to the
// embedded bbolt store for single-process deployments (spec §6: the
// session cache is pluggable, not mandatory infrastructure).
func openSessionStore(cfg *config.Config) (sessioncache.Store, error) {
	if cfg.RedisURL != "" {
		return sessioncache.NewRedisStore(cfg.RedisURL)
	}
	return sessioncache.NewBoltStore(filepath.Join(cfg.ObjectsRoot, ".sessions.db"))
}

func runPeriodically(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
