package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/fakturenn/internal/bus"
	"github.com/ternarybob/fakturenn/internal/common"
	"github.com/ternarybob/fakturenn/internal/coordinator"
	"github.com/ternarybob/fakturenn/internal/exports"
	"github.com/ternarybob/fakturenn/internal/handlers"
	"github.com/ternarybob/fakturenn/internal/interfaces"
	"github.com/ternarybob/fakturenn/internal/models"
	"github.com/ternarybob/fakturenn/internal/server"
	"github.com/ternarybob/fakturenn/internal/services/auth"
	"github.com/ternarybob/fakturenn/internal/services/jobs"
	"github.com/ternarybob/fakturenn/internal/services/scheduler"
	"github.com/ternarybob/fakturenn/internal/sources"
	"github.com/ternarybob/fakturenn/internal/storage/sqlite"
)

// configPaths allows multiple -config flags; later files override earlier ones
type configPaths []string

func (c *configPaths) String() string { return fmt.Sprintf("%v", *c) }

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles configPaths
	serverPort  = flag.Int("port", 0, "Server port (overrides config)")
	serverHost  = flag.String("host", "", "Server host (overrides config)")
	showVersion = flag.Bool("version", false, "Print version information")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("Fakturenn version %s\n", common.GetFullVersion())
		os.Exit(0)
	}

	if len(configFiles) == 0 {
		if _, err := os.Stat("fakturenn.toml"); err == nil {
			configFiles = append(configFiles, "fakturenn.toml")
		}
	}

	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		arbor.NewLogger().Fatal().Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}
	common.ApplyFlagOverrides(config, *serverPort, *serverHost)

	logger := common.SetupLogger(config)
	common.PrintBanner(common.GetVersion())

	logger.Info().
		Str("environment", config.Environment).
		Str("db_path", config.Storage.SQLite.Path).
		Str("bus_path", config.Bus.Path).
		Int("port", config.Server.Port).
		Msg("Configuration loaded")

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

	if err := bootstrapAdmin(ctx, logger, storage); err != nil {
		logger.Fatal().Err(err).Msg("Failed to bootstrap admin user")
	}

	// Services
	authService := auth.NewService(logger, storage)
	jobService := jobs.NewService(logger, storage, msgBus)
	registry := exports.NewRegistry(logger)
	runner := sources.NewRunner(logger, config.Jobs.WorkDir, &config.Sources)

	// The coordinator runs embedded; a separate fakturenn-worker process can
	// share the same stream and consumer name for horizontal scaling.
	coord := coordinator.New(logger, storage, msgBus, runner, registry, config)
	go func() {
		if err := coord.Start(ctx); err != nil {
			logger.Error().Err(err).Msg("Coordinator stopped")
		}
	}()
	msgBus.StartRetentionJanitor(ctx)

	var reloader handlers.ScheduleReloader
	if config.Scheduler.Enabled {
		sched := scheduler.New(logger, storage, jobService)
		if err := sched.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("Failed to start scheduler")
		}
		defer sched.Stop()
		reloader = sched
	}

	// HTTP server
	h := server.Handlers{
		API:        handlers.NewAPIHandler(logger),
		Auth:       handlers.NewAuthHandler(authService, logger),
		User:       handlers.NewUserHandler(storage, logger),
		Automation: handlers.NewAutomationHandler(storage, jobService, reloader, logger),
		Job:        handlers.NewJobHandler(jobService, logger),
		History:    handlers.NewHistoryHandler(storage, jobService, logger),
	}

	srv := server.New(logger, config, authService, h)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Server failed")
		}
	}()

	logger.Info().
		Str("url", fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)).
		Msg("Fakturenn ready - Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info().Msg("Interrupt signal received")

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}
	logger.Info().Msg("Shutdown complete")
}

// bootstrapAdmin creates the initial admin account on an empty database. The
// password comes from FAKTURENN_ADMIN_PASSWORD or is generated and logged
// once.
func bootstrapAdmin(ctx context.Context, logger arbor.ILogger, storage interfaces.StorageManager) error {
	users, err := storage.Users().ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(users) > 0 {
		return nil
	}

	password := os.Getenv("FAKTURENN_ADMIN_PASSWORD")
	generated := password == ""
	if generated {
		buf := make([]byte, 12)
		if _, err := rand.Read(buf); err != nil {
			return err
		}
		password = hex.EncodeToString(buf)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	admin := &models.User{
		Username:       "admin",
		Email:          "admin@localhost",
		HashedPassword: hash,
		Role:           models.RoleAdmin,
		Active:         true,
	}
	if _, err := storage.Users().CreateUser(ctx, admin); err != nil {
		return err
	}

	if generated {
		logger.Warn().Str("username", "admin").Str("password", password).Msg("Created initial admin user with generated password, change it immediately")
	} else {
		logger.Info().Str("username", "admin").Msg("Created initial admin user")
	}
	return nil
}
