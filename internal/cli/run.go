package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"maxidomd/internal/config"
	"maxidomd/internal/engine"
	"maxidomd/internal/health"
	"maxidomd/internal/instance"
	"maxidomd/internal/logging"
	"maxidomd/internal/metrics"
	"maxidomd/internal/remote"
	"maxidomd/internal/store"
	"maxidomd/internal/surface"
)

var runNoWatch bool

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&runNoWatch, "no-watch", false, "Do not hot-reload the config file")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground",
	Long: "Starts the surface hub, the capture loop and the lockdown coordinator.\n" +
		"Only one daemon may run per data directory. SIGCONT after a suspension\n" +
		"re-runs the boot protocol; SIGINT and SIGTERM shut down gracefully.",
	RunE: runDaemon,
}

func runDaemon(cmd *cobra.Command, args []string) error {
	path := resolveConfigPath()
	if _, created, err := config.LoadOrCreate(path); err != nil {
		return err
	} else if created {
		fmt.Fprintf(cmd.ErrOrStderr(), "wrote default config to %s\n", path)
	}
	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	applyFlags(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	dataDir := filepath.Dir(cfg.Storage.Path)

	lock, err := instance.Acquire(dataDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	logger, err := logging.New(cfg.LoggerConfig())
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	crash := logging.NewCrashHandler(filepath.Join(dataDir, "crashes"), logger)
	defer crash.Recover("run")

	for _, w := range config.Lint(cfg).Warnings() {
		logger.Warn("config warning", "field", w.Field, "message", w.Message)
	}

	var audit *logging.AuditLogger
	if ac := cfg.AuditConfig(); ac != nil {
		if audit, err = logging.NewAuditLogger(ac); err != nil {
			return fmt.Errorf("init audit log: %w", err)
		}
		defer audit.Close()
		_ = audit.RecordStartup(version)
	}

	st, err := store.OpenWithTimeout(cfg.Storage.Path, cfg.BusyTimeout())
	if err != nil {
		return err
	}
	defer st.Close()
	persist := store.NewPersister(st, logger)
	defer persist.Close()

	rc, err := remote.New(cfg.RemoteClient(), logger)
	if err != nil {
		return err
	}

	m := metrics.NewDaemonMetrics(nil)
	hub := surface.NewHub(surface.Options{
		SendBuffer:      cfg.Server.SendBuffer,
		WriteTimeout:    cfg.WriteTimeout(),
		PingInterval:    cfg.PingInterval(),
		VerifyPerMinute: cfg.Server.VerifyPerMinute,
		VerifyBurst:     cfg.Server.VerifyBurst,
	}, logger, m)

	eng, err := engine.New(engine.Config{
		Aggregator: cfg.Aggregator(),
		QueueSize:  cfg.Session.QueueSize,
		MaxSkew:    cfg.MaxSkew(),
		Retention:  cfg.SessionRetention(),
	}, engine.Deps{
		Broadcaster: hub,
		Remote:      rc,
		Store:       st,
		Persister:   persist,
		Metrics:     m,
		Log:         logger,
		Audit:       audit,
		Crash:       crash,
	})
	if err != nil {
		return err
	}
	hub.Bind(eng, eng)

	checker := health.NewChecker()
	checker.RegisterFunc("store", true, health.PingCheck("store", st.Ping))
	checker.RegisterFunc("store_writes", false, health.FailureCountCheck("store writes", persist.Failures))
	checker.RegisterFunc("collaborator", false,
		health.HTTPReachableCheck(&http.Client{Timeout: 2 * time.Second}, cfg.Remote.BaseURL))

	srv := surface.NewServer(surface.ServerOptions{
		Addr:           cfg.Server.ListenAddr,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AuthToken:      cfg.Server.AuthToken,
	}, hub, checker, m, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !runNoWatch {
		watchConfig(ctx, loader, logger)
		defer loader.Close()
	}
	go watchResume(ctx, eng, logger)
	go tickUptime(ctx, m)

	logger.Info("maxidomd starting",
		"version", version, "config", loader.Path(), "data_dir", dataDir,
		"listen", cfg.Server.ListenAddr, "collaborator", cfg.Remote.BaseURL)

	errCh := make(chan error, 2)
	go func() { errCh <- eng.Run(ctx) }()
	go func() { errCh <- srv.ListenAndServe(ctx) }()
	checker.SetReady(true)

	first := <-errCh
	checker.SetReady(false)
	cancel()
	second := <-errCh

	persist.Flush()
	logger.Info("maxidomd stopped")
	return errors.Join(first, second)
}

// watchConfig applies live-safe settings from config edits. Session and
// server settings need a restart.
func watchConfig(ctx context.Context, loader *config.Loader, logger *logging.Logger) {
	if err := loader.Watch(); err != nil {
		logger.Warn("config hot reload disabled", "error", err)
		return
	}
	loader.OnChange(func(c *config.Config) {
		applyFlags(c)
		lc := c.LoggerConfig()
		logger.SetLevel(lc.Level)
		logger.Info("configuration reloaded", "level", logging.LevelString(lc.Level))
	})
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-loader.Errors():
				logger.Warn("config reload rejected", "error", err)
			}
		}
	}()
}

func watchResume(ctx context.Context, eng *engine.Engine, logger *logging.Logger) {
	ch := make(chan os.Signal, 1)
	notifyResume(ch)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			logger.Info("resumed by host, re-running boot protocol")
			if err := eng.Resume(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("resume", "error", err)
			}
		}
	}
}

func tickUptime(ctx context.Context, m *metrics.DaemonMetrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		m.UpdateUptime()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
