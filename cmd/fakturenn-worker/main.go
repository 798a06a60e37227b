// fakturenn-worker runs the job coordinator without the HTTP API. Multiple
// workers share the jobs stream's coordinator consumer, so each job.started
// event is executed by exactly one process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/fakturenn/internal/bus"
	"github.com/ternarybob/fakturenn/internal/common"
	"github.com/ternarybob/fakturenn/internal/coordinator"
	"github.com/ternarybob/fakturenn/internal/exports"
	"github.com/ternarybob/fakturenn/internal/sources"
	"github.com/ternarybob/fakturenn/internal/storage/sqlite"
)

var (
	configFile  = flag.String("config", "", "Configuration file path")
	showVersion = flag.Bool("version", false, "Print version information")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("Fakturenn worker version %s\n", common.GetFullVersion())
		os.Exit(0)
	}

	paths := []string{}
	if *configFile != "" {
		paths = append(paths, *configFile)
	} else if _, err := os.Stat("fakturenn.toml"); err == nil {
		paths = append(paths, "fakturenn.toml")
	}

	config, err := common.LoadFromFiles(paths...)
	if err != nil {
		arbor.NewLogger().Fatal().Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	logger := common.SetupLogger(config)
	common.PrintBanner(common.GetVersion())

	storage, err := sqlite.NewManager(logger, &config.Storage.SQLite)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize storage")
	}
	defer storage.Close()

	msgBus, err := bus.NewManager(logger, &config.Bus)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize message bus")
	}
	defer msgBus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := exports.NewRegistry(logger)
	runner := sources.NewRunner(logger, config.Jobs.WorkDir, &config.Sources)
	coord := coordinator.New(logger, storage, msgBus, runner, registry, config)

	done := make(chan error, 1)
	go func() { done <- coord.Start(ctx) }()

	logger.Info().Msg("Worker ready - Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info().Msg("Interrupt signal received")
		cancel()
		<-done
	case err := <-done:
		if err != nil {
			logger.Fatal().Err(err).Msg("Coordinator failed")
		}
	}
	logger.Info().Msg("Shutdown complete")
}
