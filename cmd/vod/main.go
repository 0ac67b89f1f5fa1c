package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver
	"github.com/joho/godotenv"

	"github.com/belchote2025/stream-sub005/internal/addon"
	_ "github.com/belchote2025/stream-sub005/internal/addons/library"
	_ "github.com/belchote2025/stream-sub005/internal/addons/torznab"
	"github.com/belchote2025/stream-sub005/internal/config"
	"github.com/belchote2025/stream-sub005/internal/history"
	"github.com/belchote2025/stream-sub005/internal/httpapi"
	"github.com/belchote2025/stream-sub005/internal/janitor"
	"github.com/belchote2025/stream-sub005/internal/player"
	"github.com/belchote2025/stream-sub005/internal/torrentx"
)

// openDB returns nil when PG_DSN is unset; the service then runs without
// persistence.
func openDB(logger hclog.Logger) *sql.DB {
	dsn := config.PgDSN()
	if dsn == "" {
		logger.Warn("PG_DSN missing; addon state in memory, history disabled")
		return nil
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		logger.Error("open db", "error", err)
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		logger.Error("ping db", "error", err)
		os.Exit(1)
	}
	logger.Info("db connected")
	return db
}

func main() {
	_ = godotenv.Load(".env")

	config.Load()
	logger := config.SetupLogging()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db := openDB(logger)

	var store addon.Store = addon.NewMemoryStore()
	var hist *history.Store
	var onProgress func(player.Snapshot)
	if db != nil {
		sqlStore := addon.NewSQLStore(db)
		hist = history.NewStore(db)
		for name, migrate := range map[string]func(context.Context) error{
			"addons":  sqlStore.Migrate,
			"history": hist.Migrate,
		} {
			if err := migrate(rootCtx); err != nil {
				logger.Error("migrate", "table", name, "error", err)
				os.Exit(1)
			}
		}
		store = sqlStore
		onProgress = history.NewRecorder(hist, 15*time.Second, logger).Record
	}

	tor := torrentx.NewClient(torrentx.Config{
		DataDir:      config.DataRoot(),
		TrackersMode: config.TrackersMode(),
	}, logger)

	origin := config.PublicOrigin()
	players := player.NewManager(player.ManagerConfig{
		Factory: player.NewBackends(
			player.NativeConfig{
				MediaRoot:    config.MediaRoot(),
				Origin:       origin,
				Probe:        config.RemoteProbe(),
				ProbeTimeout: config.RemoteProbeTimeout(),
			},
			player.YouTubeConfig{
				Origin:      origin,
				VerifyEmbed: config.YouTubeVerifyEmbed(),
			},
			player.TorrentConfig{
				Source:       tor,
				WaitMetadata: config.WaitMetadata(),
				PlaySec:      config.TargetPlaySec(),
				PauseSec:     config.TargetPauseSec(),
			},
		),
		Origin:     origin,
		StreamURL:  func(id string) string { return origin + "/v1/player/stream?session=" + id },
		StaleAfter: config.SessionStaleAfter(),
		Logger:     logger,
		OnProgress: onProgress,
	})

	addons := addon.New(store,
		addon.WithLogger(logger),
		addon.WithDir(config.AddonsDir()),
		addon.WithDB(db),
	)
	if err := addons.Open(rootCtx); err != nil {
		logger.Error("addon registry", "error", err)
	}
	if config.AddonsWatch() {
		go func() {
			if err := addons.Watch(rootCtx); err != nil {
				logger.Warn("addon watch stopped", "error", err)
			}
		}()
	}

	jan := janitor.New(janitor.Config{
		Dir:      tor.DataDir(),
		MaxBytes: config.CacheMaxBytes(),
		TTL:      config.EvictTTL(),
		Held:     tor.HeldNames,
	}, logger)
	if jan.Enabled() {
		go jan.Run(rootCtx)
	}

	api := httpapi.New(httpapi.Deps{
		Players:       players,
		Addons:        addons,
		History:       hist,
		DataRoot:      config.DataRoot(),
		CacheMaxBytes: config.CacheMaxBytes(),
		Logger:        logger,
	})

	addr := config.ListenAddr()
	srv := &http.Server{
		Addr:     addr,
		Handler:  api.Handler(),
		ErrorLog: logger.Named("http").StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true}),
	}
	logger.Info("listening", "addr", addr, "media_root", config.MediaRoot(), "data_root", config.DataRoot(),
		"wait_metadata", config.WaitMetadata(), "trackers_mode", config.TrackersMode(), "addons_dir", config.AddonsDir())

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	<-rootCtx.Done()
	logger.Info("shutdown requested")

	shCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srv.Shutdown(shCtx)

	players.Shutdown()
	addons.Close(shCtx)
	tor.Close()
	if db != nil {
		_ = db.Close()
	}
	logger.Info("shutdown complete")
}
