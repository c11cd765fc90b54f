package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"lanecache/internal/backing"
	"lanecache/internal/cache"
	"lanecache/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "lanecache:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	// Signal-aware context is the root of ownership for long-lived background work.
	// When SIGINT/SIGTERM arrives, ctx is canceled and we initiate a clean shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}

	level, err := cfg.Level()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	db, err := openBacking(cfg)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	policy, err := cache.NewWritePolicy[string, int](cfg.WritePolicy, db, cfg.FlushInterval, logger)
	if err != nil {
		return err
	}

	c, err := cache.New[string, int](db, cache.Config[string, int]{
		Capacity:    cfg.Capacity,
		Lanes:       cfg.Lanes,
		WritePolicy: policy,
		Store:       cache.NewMapStore[string, int](cfg.CacheLatency),
		Logger:      logger,
		Metrics:     cache.NewMetrics("lanecache", reg),
	})
	if err != nil {
		return err
	}
	defer func() {
		// Pending writes get a bounded window to drain.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.Shutdown(shutdownCtx); err != nil {
			logger.Error("cache shutdown timed out, cancelling remaining operations", "error", err)
			if err := c.ShutdownNow(); err != nil {
				logger.Error("cache shutdown", "error", err)
			}
		}
	}()

	logger.Info("lanecache demo starting",
		"capacity", cfg.Capacity,
		"lanes", cfg.Lanes,
		"write_policy", cfg.WritePolicy,
		"backing", cfg.Backing.Kind,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("serving metrics", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		if err := scenario(gctx, c, logger); err != nil {
			return err
		}
		if cfg.MetricsAddr == "" {
			cancel()
			return nil
		}
		logger.Info("scenario done, serving metrics until interrupted")
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openBacking(cfg config.Config) (cache.BackingStore[string, int], error) {
	switch cfg.Backing.Kind {
	case config.BackingFS:
		return backing.NewFS[int](osfs.New(cfg.Backing.Dir), "data")
	default:
		db := backing.NewMemory[string, int](cfg.Backing.Latency)
		db.Seed("Raj", 100)
		db.Seed("Priyal", 200)
		return db, nil
	}
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

// scenario walks through a read-through miss, a hit, a write and a burst of
// concurrent reads across lanes.
func scenario(ctx context.Context, c *cache.Cache[string, int], logger *slog.Logger) error {
	access := func(key string) error {
		start := time.Now()
		res, err := c.AccessData(ctx, key).Await(ctx)
		if err != nil {
			return err
		}
		logger.Info("access", "key", key, "value", res.Value, "found", res.Found,
			"lane", c.Lane(key), "took", time.Since(start).Round(time.Millisecond))
		return nil
	}

	// -------------------------------------------------------------------
	// 1) Read-through: first access misses, second one hits
	// -------------------------------------------------------------------
	for _, key := range []string{"Raj", "Priyal", "Priyal"} {
		if err := access(key); err != nil {
			return err
		}
	}

	// -------------------------------------------------------------------
	// 2) Write, then read the new value back
	// -------------------------------------------------------------------
	v, err := c.UpdateData(ctx, "Priyal", 500).Await(ctx)
	if err != nil {
		return err
	}
	logger.Info("update", "key", "Priyal", "value", v)
	if err := access("Priyal"); err != nil {
		return err
	}

	// -------------------------------------------------------------------
	// 3) Concurrent reads: different keys proceed on their own lanes
	// -------------------------------------------------------------------
	g, gctx := errgroup.WithContext(ctx)
	for _, key := range []string{"Raj", "Priyal", "Amit", "Raj"} {
		g.Go(func() error {
			start := time.Now()
			res, err := c.AccessData(gctx, key).Await(gctx)
			if err != nil {
				return err
			}
			logger.Info("concurrent access", "key", key, "found", res.Found,
				"took", time.Since(start).Round(time.Millisecond))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("cache state", "keys", c.Keys(), "len", c.Len(), "stats", c.Stats())
	return nil
}
