package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/subcommands"

	"finbench/internal/app"
	"finbench/internal/config"
	"finbench/internal/domain"
	"finbench/internal/symbol"
	"finbench/internal/util"
)

// openApp loads the config and wires the local components. The CLI works
// directly on the store; no server needs to be running.
func openApp(ctx context.Context, tweak func(*config.Config)) (*app.App, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if tweak != nil {
		tweak(cfg)
	}
	opts := cfg.LogOptions()
	opts.Format = "text"
	logger, _ := util.NewLoggerWithOptions(opts)
	return app.New(ctx, cfg, logger, app.Options{})
}

func fail(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	return subcommands.ExitFailure
}

func usage(format string, args ...any) subcommands.ExitStatus {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	return subcommands.ExitUsageError
}

func printJSON(v any) subcommands.ExitStatus {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fail("%v", err)
	}
	return subcommands.ExitSuccess
}

func hints(market, assetType string) symbol.Hints {
	return symbol.Hints{
		Market: domain.Market(strings.ToUpper(market)),
		Type:   domain.AssetType(strings.ToUpper(assetType)),
	}
}

// canonicalArgs parses every positional argument as a canonical id.
func canonicalArgs(args []string) ([]domain.CanonicalID, error) {
	ids := make([]domain.CanonicalID, 0, len(args))
	for _, a := range args {
		id, err := domain.ParseCanonicalID(a)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
