package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/browsergate/internal/adapters"
	"github.com/ternarybob/browsergate/internal/browser"
	"github.com/ternarybob/browsergate/internal/common"
	"github.com/ternarybob/browsergate/internal/handlers"
	"github.com/ternarybob/browsergate/internal/pool"
	"github.com/ternarybob/browsergate/internal/registry"
	"github.com/ternarybob/browsergate/internal/scheduler"
	"github.com/ternarybob/browsergate/internal/server"
	"github.com/ternarybob/browsergate/internal/worker"
)

var (
	// Command-line flags
	dataDir      = flag.String("data", "data", "Data directory (config, browser profiles, temp files)")
	serverPort   = flag.Int("port", 0, "Server port (overrides config)")
	serverPortP  = flag.Int("p", 0, "Server port (shorthand, overrides config)")
	serverHost   = flag.String("host", "", "Server host (overrides config)")
	loginMode    = flag.Bool("login", false, "Start with visible browser and no navigation handlers for manual login")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")

	// Global state
	config *common.Config
	logger arbor.ILogger
)

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("BrowserGate version %s\n", common.GetVersion())
		os.Exit(0)
	}

	// Merge port flags (shorthand takes precedence)
	finalPort := *serverPort
	if *serverPortP != 0 {
		finalPort = *serverPortP
	}

	// Startup sequence (REQUIRED ORDER):
	// 1. Load config (defaults -> file -> env)
	// 2. Apply CLI overrides (highest priority)
	// 3. Initialize logger
	// 4. Print banner
	// 5. Preflight checks
	var err error
	config, err = common.LoadConfig(*dataDir)
	if err != nil {
		arbor.NewLogger().Fatal().Str("data_dir", *dataDir).Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}

	if finalPort != 0 {
		config.Server.Port = finalPort
	}
	if *serverHost != "" {
		config.Server.Host = *serverHost
	}
	if *loginMode {
		// Manual logins need a visible window.
		config.Browser.Headless = false
	}

	logger = common.InitLogger(config)
	common.PrintBanner(common.GetVersion())

	common.InstallCrashHandler(config.TempDir())
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 1<<16)
			n := runtime.Stack(buf, false)
			common.WriteCrashFile(r, string(buf[:n]))
			os.Exit(1)
		}
	}()

	if err := common.Preflight(config); err != nil {
		logger.Error().Err(err).Msg("Preflight check failed")
		os.Exit(common.ExitPreflight)
	}

	logger.Info().
		Str("data_dir", config.DataDir).
		Int("port", config.Server.Port).
		Str("host", config.Server.Host).
		Str("strategy", config.Backend.Pool.Strategy).
		Bool("login_mode", *loginMode).
		Msg("Application configuration loaded")

	// Adapter registry: fixed set, sealed before any traffic.
	reg := registry.New(logger)
	if err := reg.Register(adapters.NewQwenAdapter(logger)); err != nil {
		logger.Fatal().Err(err).Msg("Failed to register qwen adapter")
	}
	if err := reg.Register(adapters.NewIdeogramAdapter(logger)); err != nil {
		logger.Fatal().Err(err).Msg("Failed to register ideogram adapter")
	}
	reg.Seal()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Browser instances and workers come up sequentially so profile
	// locks and login prompts appear one at a time.
	var instances []*browser.Instance
	var workers []*worker.Worker
	for idx := range config.Backend.Pool.Instances {
		instCfg := &config.Backend.Pool.Instances[idx]
		inst := browser.NewInstance(config, instCfg, logger)
		instances = append(instances, inst)

		for widx := range instCfg.Workers {
			workerCfg := &instCfg.Workers[widx]
			w, err := worker.New(config, workerCfg, inst, reg, logger)
			if err != nil {
				logger.Fatal().Err(err).Msg("Invalid worker configuration")
			}
			if err := w.Init(ctx, *loginMode); err != nil {
				// A dead upstream should not take the whole gateway
				// down; the worker stays out of the candidate set.
				logger.Error().Str("worker", workerCfg.Name).Err(err).Msg("Worker initialization failed")
			}
			workers = append(workers, w)
		}
	}
	defer func() {
		for _, w := range workers {
			w.Close()
		}
		for _, inst := range instances {
			inst.Shutdown()
		}
	}()

	p := pool.New(config, workers, logger)
	q := pool.NewQueue(config, p, logger)
	q.Run(ctx)

	monitor := scheduler.NewMonitor(config, p, logger)
	if err := monitor.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to start idle monitor")
	}

	srv := server.New(config, &server.Handlers{
		Chat:    handlers.NewChatHandler(config, p, q, logger),
		Models:  handlers.NewModelsHandler(config, reg, logger),
		Cookies: handlers.NewCookiesHandler(config, p, logger),
		Admin:   handlers.NewAdminHandler(config, p, q, logger),
		LogsWS:  handlers.NewLogsWSHandler(config, logger),
	}, logger)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Fatal().Str("panic", fmt.Sprintf("%v", r)).Msg("Server goroutine panicked")
			}
		}()

		if err := srv.Start(); err != nil {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Give goroutine a moment to start
	time.Sleep(100 * time.Millisecond)

	logger.Info().
		Str("url", fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)).
		Msg("Server ready - Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info().Msg("Interrupt signal received")

	// Graceful shutdown: stop intake first, then let in-flight tasks
	// drain inside the HTTP shutdown grace period.
	logger.Info().Msg("Shutting down server")
	monitor.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}

	q.Stop()
	cancel()

	logger.Info().Msg("Server stopped")
}
