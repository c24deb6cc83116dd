package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	// Links the pgx driver for store.driver=postgres.
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/alamin-khalid/planet-orchestrator/internal/api"
	"github.com/alamin-khalid/planet-orchestrator/internal/bootstrap"
	"github.com/alamin-khalid/planet-orchestrator/internal/clock"
	"github.com/alamin-khalid/planet-orchestrator/internal/config"
	"github.com/alamin-khalid/planet-orchestrator/internal/observability"
	"github.com/alamin-khalid/planet-orchestrator/internal/registry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "orchestrator",
		Short: "Planet calculation orchestrator for Unity worker fleets",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration control plane",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(configPath)
		},
	}
	root.AddCommand(serve)
	return root
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	shutdownTrace, err := observability.InitTracingFromEnv("planet-orchestrator")
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	store, err := bootstrap.NewStore(cfg)
	if err != nil {
		return err
	}
	index, err := bootstrap.NewIndex(cfg)
	if err != nil {
		return err
	}
	reg := registry.New(store)
	clk := clock.NewReal()
	engine := bootstrap.NewEngine(cfg, store, index, reg, clk, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// No WebSocket survives a restart; reset the world before the loops
	// start acting on it.
	if err := engine.ReconcileStartup(ctx); err != nil {
		return err
	}

	apiServer := api.NewServer(engine, logger, clk, api.ServerConfig{
		Host:       cfg.Server.Host,
		Port:       cfg.Server.Port,
		EnableCORS: cfg.Server.EnableCORS,
		Debug:      cfg.Server.Debug,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })
	g.Go(func() error { return engine.RunHealth(gctx) })
	g.Go(func() error { return apiServer.Serve(gctx) })

	logger.Info("orchestrator started",
		"store", cfg.Store.Driver, "index", cfg.Index.Backend,
		"addr", cfg.Server.Host, "port", cfg.Server.Port)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("orchestrator shut down")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}
