// fruitdrive server
//
// Features:
// - Per-user folder trees with cascading deletes
// - File upload, download, preview, rename, star and move
// - JWT sessions with bcrypt-hashed credentials
// - PostgreSQL or in-memory metadata
// - Local or S3-compatible blob storage
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/fruitdrive/internal/api"
	"github.com/fruitsalade/fruitdrive/internal/auth"
	"github.com/fruitsalade/fruitdrive/internal/blob"
	"github.com/fruitsalade/fruitdrive/internal/config"
	"github.com/fruitsalade/fruitdrive/internal/gateway"
	"github.com/fruitsalade/fruitdrive/internal/hierarchy"
	"github.com/fruitsalade/fruitdrive/internal/logging"
	"github.com/fruitsalade/fruitdrive/internal/metadata"
	"github.com/fruitsalade/fruitdrive/internal/metadata/memory"
	"github.com/fruitsalade/fruitdrive/internal/metadata/postgres"
	"github.com/fruitsalade/fruitdrive/internal/metrics"
	"github.com/fruitsalade/fruitdrive/internal/storage"
	"github.com/fruitsalade/fruitdrive/migrations"
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

	logging.Info("fruitdrive server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("metadata", cfg.MetadataBackend),
		zap.String("storage", cfg.StorageBackend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize metadata
	var metaStore metadata.Store
	switch cfg.MetadataBackend {
	case "memory":
		logging.Warn("using in-memory metadata; nothing survives a restart")
		metaStore = memory.New()
	default:
		logging.Info("connecting to PostgreSQL...")
		pg, err := postgres.New(cfg.DatabaseURL, postgres.Options{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
		})
		if err != nil {
			logging.Fatal("database connection failed", zap.Error(err))
		}

		logging.Info("running migrations...")
		if err := pg.Migrate(ctx, migrations.FS); err != nil {
			logging.Fatal("migration failed", zap.Error(err))
		}

		// Start periodic metrics update
		go func() {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					pg.UpdateConnectionMetrics()
				}
			}
		}()
		metaStore = pg
	}
	defer metaStore.Close()

	// Initialize blob storage
	backend, err := storage.NewBackend(ctx, cfg)
	if err != nil {
		logging.Fatal("storage backend init failed", zap.Error(err))
	}
	defer backend.Close()
	blobs := blob.New(backend)
	logging.Info("blob storage initialized", zap.String("backend", backend.Type()))

	// Initialize services
	authService := auth.New(metaStore, auth.Config{
		Secret:     cfg.JWTSecret,
		TokenTTL:   cfg.TokenTTL,
		BcryptCost: cfg.BcryptCost,
	})
	tree := hierarchy.New(metaStore, blobs)

	srv := api.NewServer(api.Deps{
		Auth:          authService,
		Gateway:       gateway.New(authService),
		Tree:          tree,
		Blobs:         blobs,
		MaxUploadSize: cfg.MaxUploadSize,
		CORSOrigins:   cfg.CORSOrigins,
		Health:        metaStore.Ping,
	})

	// Start metrics server
	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: metrics.Handler(),
		}
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	// Start HTTP(S) server
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	useTLS := cfg.UseTLS()
	if useTLS {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...", zap.Duration("timeout", cfg.ShutdownTimeout))
		cancel()

		shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer stop()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Error("http shutdown incomplete", zap.Error(err))
			httpServer.Close()
		}
		if metricsServer != nil {
			metricsServer.Shutdown(shutdownCtx)
		}
	}()

	if useTLS {
		logging.Info("server listening (TLS 1.3)",
			zap.String("addr", cfg.ListenAddr),
			zap.String("cert", cfg.TLSCertFile))
		err = httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
	} else {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		err = httpServer.ListenAndServe()
	}
	if !errors.Is(err, http.ErrServerClosed) {
		logging.Fatal("server error", zap.Error(err))
	}

	<-done
	logging.Info("server stopped")
}
