package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/voyagen/popcornguide/internal/cache"
	"github.com/voyagen/popcornguide/internal/config"
	"github.com/voyagen/popcornguide/internal/fetcher"
	"github.com/voyagen/popcornguide/internal/history"
	"github.com/voyagen/popcornguide/internal/logging"
	"github.com/voyagen/popcornguide/internal/server"
	"github.com/voyagen/popcornguide/internal/service"
	"github.com/voyagen/popcornguide/internal/settings"
	"github.com/voyagen/popcornguide/internal/store"
	"github.com/voyagen/popcornguide/internal/telemetry"
)

// refreshLockTTL bounds how long a crashed process can block a playlist's guide refresh.
const refreshLockTTL = 10 * time.Minute

func main() {
	configPath := flag.String("config", "", "Optional config file path (YAML); else use env DATABASE_URL or SQLITE_PATH")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFromFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("popcornguide exited")
	}
}

func run(cfg *config.Config, log *logrus.Entry) error {
	telemetry.Init()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	// Connect to Redis if REDIS_URL is configured.
	var rds *cache.Redis
	var appStore store.Store = db
	if cfg.RedisURL != "" {
		rds, err = cache.New(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rds.Close()

		if err := rds.Ping(ctx); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		appStore = store.NewCachedStore(db, rds, log)
		log.Info("redis connected (caching, refresh lock and queue enabled)")
	} else {
		log.Info("redis disabled (REDIS_URL not set)")
	}

	st := settings.New(appStore)
	defer watchGuideRefreshes(st, log.WithField("component", "settings"))()
	fetch := fetcher.New(cfg.UserAgent, cfg.Timeout, cfg.MaxBytes, cfg.RateLimit)
	ing := service.NewIngestor(appStore, fetch, st, log.WithField("component", "ingest"))
	if rds != nil {
		ing.Lock = service.RedisLocker(rds, refreshLockTTL)
	}

	tracker := history.New(appStore, history.Options{
		FlushInterval: cfg.HistoryFlushInterval,
		Log:           log,
	})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tracker.Close(closeCtx); err != nil {
			log.WithError(err).Error("final watch-time flush failed")
		}
	}()

	if rds != nil {
		go runRefreshWorker(ctx, rds, ing, log.WithField("component", "refresh-worker"))
	}
	if cfg.GuideRefreshInterval > 0 {
		go runGuideScheduler(ctx, ing, cfg.GuideRefreshInterval, log.WithField("component", "scheduler"))
	} else {
		log.Info("guide scheduler disabled (GUIDE_REFRESH_INTERVAL=0)")
	}

	srv := server.New(appStore, ing, tracker, cfg, rds, log)
	if err := srv.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// openStore opens Postgres (running migrations first) when DATABASE_URL is
// set, else the embedded SQLite database.
func openStore(ctx context.Context, cfg *config.Config, log *logrus.Entry) (store.Store, error) {
	if cfg.UsesPostgres() {
		if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("db: %w", err)
		}
		log.WithField("database", logging.RedactURL(cfg.DatabaseURL)).Info("using postgres store")
		return pg, nil
	}
	lite, err := store.OpenSQLite(cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}
	log.WithField("path", cfg.SQLitePath).Info("using sqlite store")
	return lite, nil
}
