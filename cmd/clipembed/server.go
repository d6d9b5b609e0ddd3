package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/common/webapi"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xxxsen/clipembed/internal/config"
	"github.com/xxxsen/clipembed/internal/db"
	"github.com/xxxsen/clipembed/internal/embedcache"
	"github.com/xxxsen/clipembed/internal/encoder"
	"github.com/xxxsen/clipembed/internal/handler"
	"github.com/xxxsen/clipembed/internal/job"
	"github.com/xxxsen/clipembed/internal/lifecycle"
	"github.com/xxxsen/clipembed/internal/metrics"
	"github.com/xxxsen/clipembed/internal/middleware"
	"github.com/xxxsen/clipembed/internal/repo"
	"github.com/xxxsen/clipembed/internal/schedule"
	"github.com/xxxsen/clipembed/internal/service"
	"github.com/xxxsen/clipembed/internal/weightstore"
)

func runServer(cfg *config.Config) error {
	logger := logutil.GetLogger(context.Background())
	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	logger.Info("starting server",
		zap.String("addr", addr),
		zap.String("model_dir", cfg.Model.Dir),
		zap.String("backend", cfg.Model.Backend),
		zap.String("weight_source", cfg.Model.Source.Type),
	)

	src, err := weightstore.New(cfg.Model.Source)
	if err != nil {
		return fmt.Errorf("init weight source: %w", err)
	}
	manager := lifecycle.NewManager(lifecycle.Options{
		Dir:            cfg.Model.Dir,
		Backend:        cfg.Model.Backend,
		LibPath:        cfg.Model.ORTLibPath,
		IntraOpThreads: cfg.Model.IntraOpThreads,
		Source:         src,
	})
	defer func() {
		if err := manager.Close(); err != nil {
			logger.Error("close model", zap.Error(err))
		}
	}()

	m := metrics.New()
	m.RegisterModelState(func() float64 { return float64(manager.State()) })

	scheduler := schedule.NewCronScheduler()
	enc := encoder.New(manager)
	if cfg.Cache.Database.Enabled() {
		conn, err := db.Open(cfg.Cache.Database)
		if err != nil {
			return fmt.Errorf("open cache db: %w", err)
		}
		defer conn.Close()
		if err := db.ApplyMigrations(conn); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		cacheRepo := repo.NewEmbeddingCacheRepo(conn)
		enc = embedcache.WrapDBCacheToEncoder(enc, cacheRepo, m.ObserveCacheLookup)
		if err := scheduler.AddJob(job.NewEmbeddingCacheCleanupJob(cacheRepo, cfg.Cache.MaxAgeDays), cfg.Cache.CleanupCron); err != nil {
			return fmt.Errorf("schedule cache cleanup: %w", err)
		}
	}
	enc = embedcache.WrapLruCacheToEncoder(enc, cfg.Cache.LRUSize, time.Duration(cfg.Cache.LRUTTLSeconds)*time.Second, m.ObserveCacheLookup)

	embedService := service.NewEmbedService(manager, enc, m)
	deps := handler.RouterDeps{
		Health:  handler.NewHealthHandler(embedService),
		Embed:   handler.NewEmbedHandler(embedService, handler.UploadLimitBytes(cfg.MaxUploadMB)),
		Metrics: m.Handler(),
	}

	engine, err := webapi.NewEngine(
		"/",
		addr,
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.TraceHeader(),
			middleware.Metrics(m),
			middleware.CORS(cfg.CORSAllowlist),
			gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})),
		),
	)
	if err != nil {
		return fmt.Errorf("init web engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", addr))
		serverErr <- engine.Run()
	}()
	g.Go(func() error {
		select {
		case err := <-serverErr:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		case <-gctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		err := manager.Initialize(gctx)
		if err != nil && gctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		return scheduler.Run(gctx)
	})

	err = g.Wait()
	logger.Info("server stopping...")
	return err
}
