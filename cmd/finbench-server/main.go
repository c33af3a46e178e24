package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"finbench/internal/app"
	"finbench/internal/config"
	"finbench/internal/httpapi"
	"finbench/internal/util"
)

func main() {
	cfgPath := flag.String("config", "config/finbench.yaml", "path to the YAML config")
	noGather := flag.Bool("no-gather", false, "serve the API without the market schedulers")
	flag.Parse()

	if p := os.Getenv("FINBENCH_CONFIG"); p != "" {
		*cfgPath = p
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, logCloser := util.NewLoggerWithOptions(cfg.LogOptions())
	defer logCloser.Close()
	slog.SetDefault(logger)

	if err := run(cfg, logger, !*noGather); err != nil {
		logger.Error("server stopped", "error", err)
		logCloser.Close()
		os.Exit(1)
	}
	logger.Info("finbench-server stopped")
}

func run(cfg *config.Config, logger *slog.Logger, gathering bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, logger, app.Options{Stream: true, Kafka: true, USHolidays: true})
	if err != nil {
		return err
	}
	defer a.Close()

	var stream http.Handler
	if a.Hub != nil {
		stream = a.Hub
	}
	srv := httpapi.New(httpapi.Deps{
		Config:  cfg,
		Store:   a.Store,
		Service: a.Service,
		Symbols: a.Symbols,
		Stream:  stream,
		Metrics: a.Metrics,
		Logger:  logger,
	})

	g, ctx := errgroup.WithContext(ctx)
	if a.Hub != nil {
		g.Go(func() error {
			a.Hub.Run(ctx)
			return nil
		})
	}
	if gathering {
		for _, gt := range a.Gatherers() {
			g.Go(func() error {
				logger.Info("starting gatherer", "name", gt.Name())
				if err := gt.Run(ctx); err != nil && ctx.Err() == nil {
					return err
				}
				return nil
			})
		}
	}
	g.Go(func() error { return srv.Run(ctx) })

	logger.Info("finbench-server started", "addr", cfg.Server.Host, "port", cfg.Server.Port, "sources", a.Sources.Providers())
	return g.Wait()
}
