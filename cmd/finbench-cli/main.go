package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/google/subcommands"
)

const version = "0.3.0"

var configPath = flag.String("config", defaultConfig(), "path to the YAML config")

func defaultConfig() string {
	if p := os.Getenv("FINBENCH_CONFIG"); p != "" {
		return p
	}
	return "config/finbench.yaml"
}

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(&versionCmd{}, "")

	for _, c := range []subcommands.Command{
		&canonCmd{}, &registerCmd{}, &assetsCmd{},
	} {
		commander.Register(c, "registry")
	}
	for _, c := range []subcommands.Command{
		&backfillCmd{}, &syncCmd{}, &fundamentalsCmd{},
	} {
		commander.Register(c, "ingestion")
	}
	for _, c := range []subcommands.Command{
		&processRawCmd{}, &repairCmd{}, &overlayCmd{}, &exportCmd{}, &migrateCmd{},
	} {
		commander.Register(c, "maintenance")
	}
	commander.Register(&statusCmd{}, "server")

	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	status := commander.Execute(ctx)
	cancel()
	os.Exit(int(status))
}
