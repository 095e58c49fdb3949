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

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"shadesnap/internal/arbitrator"
	"shadesnap/internal/cache"
	"shadesnap/internal/config"
	httphandlers "shadesnap/internal/http"
	"shadesnap/internal/image_list"
	"shadesnap/internal/image_renderer"
	"shadesnap/internal/logger"
	"shadesnap/internal/observe"
)

var version = "dev"

const warmupRetryDelay = 2 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	// Frames are decoded once and discarded, the operation cache only costs memory.
	vips.Startup(&vips.Config{
		ConcurrencyLevel: cfg.VipsConcurrency,
		MaxCacheMem:      0,
		MaxCacheFiles:    0,
		MaxCacheSize:     0,
		VectorEnabled:    true,
	})
	defer vips.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := observe.Setup(ctx, observe.Config{
		ServiceName:     "shadesnap",
		Version:         version,
		MetricsExporter: cfg.MetricsExporter,
		TracesExporter:  cfg.TracesExporter,
	})
	if err != nil {
		log.Fatal("Failed to initialize telemetry", zap.Error(err))
	}

	snapshots, err := cache.NewCache(cfg.CacheType, cfg.ImagesDir(), log)
	if err != nil {
		log.Fatal("Failed to initialize cache", zap.Error(err))
	}
	scanner := image_list.New(cfg.ImagesDir(), log)

	browser := image_renderer.New(image_renderer.Options{
		Width:          cfg.ViewportWidth,
		Height:         cfg.ViewportHeight,
		ChromePath:     cfg.ChromePath,
		ShadeThreshold: cfg.ShadeThreshold,
	}, image_renderer.NewFrames(), log)

	renderer := arbitrator.New(browser, log,
		arbitrator.WithTimeout(cfg.RenderTimeout),
		arbitrator.WithMetrics(provider.Metrics()),
		arbitrator.WithTracer(provider.Tracer()),
	)

	handlers := httphandlers.New(cfg, log, snapshots, scanner, renderer, provider.Metrics())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	if h := provider.Handler(); h != nil {
		mux.Handle("/metrics", h)
	}
	mux.HandleFunc("/", handlers.HandleRequest)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handlers.CORSMiddleware(handlers.RequestLoggingMiddleware(mux)),
	}

	log.Info("Starting shade snapshot server",
		zap.Int("port", cfg.Port),
		zap.String("url", cfg.URL),
		zap.String("public_dir", cfg.PublicDir),
		zap.String("cache", cfg.CacheType),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	// The listener is already accepting while the browser loads the map page,
	// requests in that window get the fallback image.
	g.Go(func() error {
		if err := renderer.Start(gctx, cfg.HomeURL()); err != nil {
			return err
		}
		handlers.Warmup(gctx, cfg.WarmupLocations, warmupRetryDelay)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("Server forced to shutdown", zap.Error(err))
		}
		return nil
	})

	runErr := g.Wait()
	if runErr != nil {
		log.Error("Server stopped with error", zap.Error(runErr))
	}

	handlers.Wait()
	browser.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := provider.Shutdown(shutdownCtx); err != nil {
		log.Error("Failed to flush telemetry", zap.Error(err))
	}

	log.Info("Server stopped")
	if runErr != nil {
		log.Sync()
		os.Exit(1)
	}
}
