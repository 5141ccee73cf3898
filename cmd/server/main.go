package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/Brownie44l1/normscan/internal/cache"
	"github.com/Brownie44l1/normscan/internal/classifier"
	"github.com/Brownie44l1/normscan/internal/config"
	"github.com/Brownie44l1/normscan/internal/handlers"
	"github.com/Brownie44l1/normscan/internal/logging"
	"github.com/Brownie44l1/normscan/internal/metrics"
	"github.com/Brownie44l1/normscan/internal/model"
	"github.com/Brownie44l1/normscan/internal/server"
	"github.com/Brownie44l1/normscan/internal/upload"
)

const artifactTimeout = 10 * time.Minute

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	store, err := upload.NewStore(cfg.Paths.UploadDir)
	if err != nil {
		return err
	}

	fetchCtx, cancel := context.WithTimeout(context.Background(), artifactTimeout)
	err = model.EnsureArtifact(fetchCtx, cfg.Model.Path, cfg.Model.URL, model.FetchOptions{
		Minio: model.MinioOptions{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Region:    cfg.Minio.Region,
			UseSSL:    cfg.Minio.UseSSL,
		},
		Logger: logger,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("failed to obtain model: %w", err)
	}

	meta, err := model.LoadMetadata(cfg.Model.MetadataPath)
	if err != nil {
		return err
	}

	modelServer, err := model.NewServer(cfg.Model.Path, meta, model.WithSharedLibrary(cfg.Model.ONNXLibPath))
	if err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}
	defer modelServer.Close()

	modelID, err := model.ArtifactDigest(cfg.Model.Path)
	if err != nil {
		return err
	}
	logger.Info("model loaded",
		zap.String("path", cfg.Model.Path),
		zap.String("digest", modelID),
		zap.String("input", modelServer.Metadata.InputName),
		zap.String("output", modelServer.Metadata.OutputName),
		zap.Int64s("input_shape", meta.InputShape),
	)

	predictionCache, closeCache, err := newCache(cfg, logger)
	if err != nil {
		return err
	}
	defer closeCache()

	m := metrics.New()
	pipeline := classifier.New(modelServer, meta.ImageSize, logger,
		classifier.WithCache(predictionCache, cfg.Cache.TTL),
		classifier.WithModelID(modelID),
		classifier.WithMetrics(m),
	)

	h := handlers.NewHandler(pipeline, store, logger)
	router, err := handlers.NewRouter(h, handlers.RouterConfig{
		StaticDir:          cfg.Paths.StaticDir,
		UploadDir:          store.Dir(),
		TemplateDir:        cfg.Paths.TemplateDir,
		MaxMultipartMemory: cfg.Server.MaxMultipartMemory,
		Metrics:            m,
		Logger:             logger,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("upload_dir", store.Dir()))
	return server.Serve(srv, cfg.Server.ShutdownTimeout, logger)
}

// newCache prefers redis when an address is configured and falls back to an
// in-process cache otherwise.
func newCache(cfg *config.Config, logger *zap.Logger) (cache.Cache, func(), error) {
	if cfg.Cache.RedisAddr == "" {
		return cache.NewMemoryCache(), func() {}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rc, err := cache.Dial(ctx, cfg.Cache.RedisAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info("prediction cache enabled", zap.String("redis", cfg.Cache.RedisAddr))
	return rc, func() { _ = rc.Close() }, nil
}
