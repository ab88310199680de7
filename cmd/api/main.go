//	@title			Uploads API
//	@version		1.0
//	@description	Staged multipart upload service: splits multipart requests, stages files on disk and offloads them to object storage.
//
//	@host		localhost:8080
//	@BasePath	/api/v1
//
//	@securityDefinitions.apikey	BearerAuth
//	@in							header
//	@name						Authorization
//	@description				JWT Bearer token. Format: **Bearer {token}**

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	httpSwagger "github.com/swaggo/http-swagger/v2"
	"go.uber.org/zap"

	"github.com/radif/uploads/internal/config"
	"github.com/radif/uploads/internal/db"
	"github.com/radif/uploads/internal/ledger"
	"github.com/radif/uploads/internal/logging"
	appMiddleware "github.com/radif/uploads/internal/middleware"
	"github.com/radif/uploads/internal/staging"
	"github.com/radif/uploads/internal/storage"
	"github.com/radif/uploads/internal/upload"

	_ "github.com/radif/uploads/docs/swagger"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.IsProduction())
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	pool, err := db.Connect(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Fatalw("database connection failed", "error", err)
	}
	defer pool.Close()

	if err := db.Migrate(cfg.DatabaseURL, logger); err != nil {
		logger.Fatalw("database migration failed", "error", err)
	}

	store, err := newStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatalw("object storage init failed", "backend", cfg.StorageBackend, "error", err)
	}

	stage, err := staging.NewStore(cfg.StagingDir, logger)
	if err != nil {
		logger.Fatalw("staging init failed", "dir", cfg.StagingDir, "error", err)
	}

	sweeper, err := staging.StartSweeper(stage, cfg.StagingSweepSchedule, cfg.StagingMaxAge)
	if err != nil {
		logger.Fatalw("staging sweeper init failed", "error", err)
	}

	// Wire dependencies: repository → service → handler
	ledgerRepo := ledger.NewRepository(pool)
	ledgerHandler := ledger.NewHandler(ledgerRepo, cfg.UploadKeyPrefix, logger)

	splitter := upload.NewSplitter(stage, cfg.UploadMaxPayloadBytes, logger)
	uploadSvc := upload.NewService(store, stage, ledgerRepo, cfg.UploadConcurrency, logger)
	uploadHandler := upload.NewHandler(splitter, uploadSvc, cfg.UploadKeyPrefix, cfg.UploadMaxBodyBytes, logger)

	// Router
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(appMiddleware.Logger(logger))
	r.Use(chiMiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"Content-Length"},
		MaxAge:         300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Swagger UI — available at http://localhost:8080/swagger/
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		if cfg.JWTSecret != "" {
			r.Use(appMiddleware.RequireAuth(cfg.JWTSecret))
		} else {
			logger.Warn("JWT_SECRET is empty, upload routes are unauthenticated")
		}

		r.Route("/uploads", func(r chi.Router) {
			r.Post("/", uploadHandler.Upload)
			r.Get("/", ledgerHandler.List)
		})

		r.Route("/objects", func(r chi.Router) {
			r.Delete("/", uploadHandler.DeleteObjects)
			r.Get("/*", uploadHandler.FetchObject)
		})
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No read or write timeout: uploads and downloads stream large bodies.
	}

	// Start server in goroutine; wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Infow("server listening", "port", cfg.Port, "env", cfg.AppEnv, "backend", cfg.StorageBackend)
		logger.Infof("swagger UI at http://localhost:%s/swagger/", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalw("server error", "error", err)
		}
	}()

	<-quit
	logger.Info("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Let in-flight requests finish their uploads and staging cleanup first.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("forced shutdown", "error", err)
	}
	<-sweeper.Stop().Done()

	logger.Info("server stopped")
}

func newStorage(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (storage.Storage, error) {
	opts := storage.Options{
		Endpoint:   cfg.StorageEndpoint,
		AccessKey:  cfg.StorageAccessKey,
		SecretKey:  cfg.StorageSecretKey,
		Bucket:     cfg.StorageBucket,
		Region:     cfg.StorageRegion,
		UseSSL:     cfg.StorageUseSSL,
		PublicBase: cfg.StoragePublicBase,
	}

	switch cfg.StorageBackend {
	case config.BackendMinio:
		return storage.NewMinioStorage(ctx, opts, logger)
	case config.BackendS3:
		return storage.NewS3Storage(ctx, opts)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}
