// Quince Server
//
// Features:
// - Capability-resolved multi-backend storage (S3, mounted shares, memory)
// - Asynchronous archive extraction and zip creation jobs
// - Hardened archive entry path validation
// - SSE job progress updates
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/quincefs/quince/internal/api"
	"github.com/quincefs/quince/internal/archive"
	"github.com/quincefs/quince/internal/auth"
	"github.com/quincefs/quince/internal/capability"
	"github.com/quincefs/quince/internal/config"
	"github.com/quincefs/quince/internal/events"
	"github.com/quincefs/quince/internal/items"
	"github.com/quincefs/quince/internal/jobs"
	"github.com/quincefs/quince/internal/logging"
	"github.com/quincefs/quince/internal/metrics"
	"github.com/quincefs/quince/internal/quota"
	"github.com/quincefs/quince/internal/ratelimit"
	"github.com/quincefs/quince/internal/storage"
	"github.com/quincefs/quince/internal/storage/mount"
	"github.com/quincefs/quince/internal/storage/router"
	s3storage "github.com/quincefs/quince/internal/storage/s3"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("Quince Server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize PostgreSQL
	logging.Info("connecting to PostgreSQL...")
	itemStore, err := items.New(cfg.DatabaseURL)
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	defer itemStore.Close()

	// Run migrations
	migrationsDir := findMigrationsDir()
	if migrationsDir != "" {
		logging.Info("running migrations...", zap.String("dir", migrationsDir))
		if err := itemStore.Migrate(migrationsDir); err != nil {
			logging.Fatal("migration failed", zap.Error(err))
		}
	}
	db := itemStore.DB()

	// Initialize auth
	authHandler := auth.New(cfg.JWTSecret)

	// Initialize job store
	jobStore, err := jobs.NewStore(cfg.JobStore, cfg.RedisURL, db, 10_000, cfg.JobTTL)
	if err != nil {
		logging.Fatal("job store init failed", zap.Error(err))
	}
	defer jobStore.Close()
	logging.Info("job store initialized", zap.String("kind", cfg.JobStore))

	// Initialize capability resolver, location store and storage router
	resolver := capability.NewResolver(cfg.MountsSafeForArchiveExtract)
	locationStore := storage.NewLocationStore(db)
	quotaStore := quota.NewStore(db)

	storageRouter, err := router.New(ctx, locationStore, resolver)
	if err != nil {
		logging.Fatal("storage router init failed", zap.Error(err))
	}
	defer storageRouter.Close()

	// Auto-create default storage location on first run (if no locations exist)
	if storageRouter.Default() == nil {
		name, backendType, backendConfig := defaultLocation(cfg)
		_, err := locationStore.Create(ctx, &storage.LocationRow{
			Name:        name,
			BackendType: backendType,
			Config:      backendConfig,
			IsDefault:   true,
		})
		if err != nil {
			logging.Fatal("failed to create default storage location", zap.Error(err))
		}
		if err := storageRouter.Reload(ctx); err != nil {
			logging.Fatal("failed to reload storage router", zap.Error(err))
		}
		logging.Info("auto-created default storage location",
			zap.String("backend", backendType),
			zap.String("name", name))
	}

	// Ensure the default location has a root folder
	defaultLoc := storageRouter.Default()
	if defaultLoc == nil {
		logging.Fatal("no default storage location after bootstrap")
	}
	if _, err := itemStore.EnsureRoot(ctx, defaultLoc.ID); err != nil {
		logging.Fatal("root folder bootstrap failed", zap.Error(err))
	}

	// Initialize SSE broadcaster
	broadcaster := events.NewBroadcaster()

	// Initialize the archive job engine
	engine := archive.NewEngine(jobStore, itemStore, storageRouter, broadcaster, archive.Options{
		Workers:        cfg.JobWorkers,
		Limits:         archive.Limits(cfg.ArchiveLimits),
		StrictSymlinks: cfg.ArchiveFSStrict,
		EntryTimeout:   cfg.JobEntryTimeout,
	})
	engine.Start(ctx)
	defer engine.Stop()

	// Initialize the job submission rate limiter (nil = unlimited)
	var limiter *ratelimit.Limiter
	if cfg.JobSubmissionsPerMin > 0 {
		limiter = ratelimit.New(cfg.JobSubmissionsPerMin)
		logging.Info("job submission rate limiting enabled",
			zap.Int("per_minute", cfg.JobSubmissionsPerMin))
	}

	// Create API server
	srv := api.NewServer(
		itemStore, storageRouter, engine, jobStore, authHandler,
		broadcaster, limiter, locationStore, quotaStore, db, cfg.MaxUploadSize,
	)

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Start HTTP(S) server
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	useTLS := cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
	if useTLS {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	// Graceful shutdown: stop accepting requests, then let the engine drain
	// at the next entry boundary via the deferred Stop.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
		metricsServer.Close()
	}()

	// Start periodic metrics update
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				itemStore.UpdateConnectionMetrics()
			}
		}
	}()

	// Start periodic rate limiter bucket cleanup
	if limiter != nil {
		go func() {
			ticker := time.NewTicker(1 * time.Hour)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					limiter.Cleanup(24 * time.Hour)
				}
			}
		}()
	}

	if useTLS {
		logging.Info("server listening (TLS 1.3)",
			zap.String("addr", cfg.ListenAddr),
			zap.String("cert", cfg.TLSCertFile))
		if err := httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	} else {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	}
}

// defaultLocation builds the bootstrap storage location from the environment
// configuration.
func defaultLocation(cfg *config.Config) (name, backendType string, backendConfig json.RawMessage) {
	switch cfg.StorageBackend {
	case "mount":
		backendConfig, _ = json.Marshal(mount.Config{
			MountPath: cfg.MountPath,
		})
		return "Default Mount", "mount", backendConfig
	case "memory":
		return "Default Memory", "memory", json.RawMessage(`{}`)
	default:
		backendConfig, _ = json.Marshal(s3storage.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
		return "Default S3", "s3", backendConfig
	}
}

func findMigrationsDir() string {
	candidates := []string{
		"migrations",
		"../migrations",
	}

	exe, _ := os.Executable()
	if exe != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "migrations"))
	}

	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}
