package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"realm-steward/internal/bot"
	"realm-steward/internal/config"
	"realm-steward/internal/modules/audit"
	"realm-steward/internal/punish"
	"realm-steward/internal/storage"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to the YAML config file (overrides CONFIG_PATH)",
	}

	app := &cli.Command{
		Name:  "steward",
		Usage: "Realm quota and moderation bot",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Connect to Discord and serve commands",
				Flags: []cli.Flag{configFlag},
				Action: func(ctx context.Context, c *cli.Command) error {
					applyConfigFlag(c)
					return serve(ctx)
				},
			},
			{
				Name:  "migrate",
				Usage: "Apply database migrations and exit",
				Flags: []cli.Flag{configFlag},
				Action: func(ctx context.Context, c *cli.Command) error {
					applyConfigFlag(c)
					return migrate(ctx)
				},
			},
		},
	}

	return app.Run(context.Background(), os.Args)
}

func applyConfigFlag(c *cli.Command) {
	if path := c.String("config"); path != "" {
		_ = os.Setenv("CONFIG_PATH", path)
	}
}

func openStore(cfg config.Config) (*storage.Store, error) {
	return storage.Open(storage.Options{
		Driver:     cfg.Database.Driver,
		DSN:        cfg.Database.DSN,
		OpTimeout:  time.Duration(cfg.Database.OpTimeoutSeconds) * time.Second,
		MaxElapsed: time.Duration(cfg.Database.RetryMaxSeconds) * time.Second,
		MaxRetries: uint64(max(cfg.Database.MaxRetries, 0)),
	})
}

func migrate(ctx context.Context) error {
	cfg, err := config.Load(false)
	if err != nil {
		return err
	}
	logger, err := config.BuildLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		return err
	}
	if err := store.Migrate(); err != nil {
		return err
	}
	logger.Info("migrations applied", zap.String("driver", cfg.Database.Driver))
	return nil
}

func serve(ctx context.Context) error {
	cfg, err := config.Load(true)
	if err != nil {
		return err
	}

	logger, err := config.BuildLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	store, err := openStore(cfg)
	if err != nil {
		logger.Error("storage init failed", zap.Error(err))
		return err
	}
	defer store.Close()
	if err := store.Migrate(); err != nil {
		logger.Error("migrations failed", zap.Error(err))
		return err
	}
	if cfg.RetentionDays > 0 {
		if err := store.CleanupAuditLogs(ctx, cfg.RetentionDays); err != nil {
			logger.Warn("audit log cleanup failed", zap.Error(err))
		}
	}

	auditLogger := audit.NewLogger(store, logger)
	scheduler := punish.NewScheduler()

	botSvc, err := bot.New(cfg, logger, store, auditLogger, scheduler)
	if err != nil {
		logger.Error("bot init failed", zap.Error(err))
		return err
	}
	if err := botSvc.Start(); err != nil {
		logger.Error("bot start failed", zap.Error(err))
		return err
	}
	logger.Info("bot started", zap.String("driver", cfg.Database.Driver), zap.String("prefix", cfg.Prefix))

	var server *http.Server
	if cfg.Health.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := store.Ping(r.Context()); err != nil {
				http.Error(w, "store unavailable", http.StatusServiceUnavailable)
				return
			}
			_, _ = w.Write([]byte("ready"))
		})
		server = &http.Server{Addr: cfg.Health.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("health endpoint enabled", zap.String("addr", cfg.Health.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("health server error", zap.Error(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}
	logger.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if server != nil {
		_ = server.Shutdown(shutdownCtx)
	}
	botSvc.Close(shutdownCtx)
	return nil
}
