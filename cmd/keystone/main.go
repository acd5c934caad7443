package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/khayzz13/keystone/host/config"
	"github.com/khayzz13/keystone/host/gateway"
	"github.com/khayzz13/keystone/host/history"
	"github.com/khayzz13/keystone/host/netpolicy"
	"github.com/khayzz13/keystone/host/plugins"
	"github.com/khayzz13/keystone/host/processes"
)

const shutdownGrace = 10 * time.Second

// Host collects every long-lived component so that nothing lives in package
// globals. Built once in main, torn down in reverse order.
type Host struct {
	Logger   *slog.Logger
	Config   *config.Config
	History  *history.Store
	Registry *plugins.Registry
	Policy   *netpolicy.Policy
	Fleet    *processes.Fleet
	Gateway  *gateway.Server
}

// Shutdown tears the host down front to back: stop accepting gateway
// requests, stop the peers, unload plugins, close the history store last so
// the teardown itself still gets recorded.
func (h *Host) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if h.Gateway != nil {
		if err := h.Gateway.Shutdown(ctx); err != nil {
			h.Logger.Error("Gateway shutdown failed", "error", err)
		}
	}
	if err := h.Fleet.Shutdown(ctx); err != nil {
		h.Logger.Error("Fleet shutdown incomplete", "error", err)
	}
	h.Registry.Close()
	if err := h.History.Close(); err != nil {
		h.Logger.Error("Failed to close history store", "error", err)
	}
}

// resolveEngine locates the peer engine binary: the explicit flag value, a
// keystone-worker sitting next to this executable, or one on PATH.
func resolveEngine(flagValue string) (string, error) {
	if flagValue != "" {
		return filepath.Abs(flagValue)
	}
	if exe, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exe), "keystone-worker")
		if _, err := os.Stat(sibling); err == nil {
			return sibling, nil
		}
	}
	return exec.LookPath("keystone-worker")
}

func main() {
	var rootFlag = flag.String("root", "", "App root directory (default: KEYSTONE_ROOT or cwd)")
	var configFlag = flag.String("config", "", "Explicit config file path (default: probe the app root)")
	var engineFlag = flag.String("engine", "", "Peer engine binary (default: keystone-worker next to this binary)")
	var devFlag = flag.Bool("dev", false, "Force dev mode: eval and gateway on regardless of config")
	flag.Parse()

	// 1. Setup logger
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	logger.Info("Starting Keystone host")

	// 2. Resolve the app root and load configuration
	root, err := config.ResolveRoot(*rootFlag)
	if err != nil {
		logger.Error("Failed to resolve app root", "error", err)
		os.Exit(1)
	}

	var cfg *config.Config
	if *configFlag != "" {
		cfg, err = config.LoadFile(root, *configFlag)
	} else {
		cfg, err = config.Load(root)
	}
	if err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if *devFlag {
		on := true
		cfg.Eval.Enabled = &on
		cfg.Gateway.Enabled = &on
	}
	logger.Info("Configuration loaded", "app", cfg.Name, "root", cfg.Root,
		"source", cfg.SourceFile, "packaged", cfg.Packaged, "workers", len(cfg.Workers))

	// 3. Open the lifecycle history store
	store, err := history.Open(filepath.Join(cfg.Root, "data", "history.db"), logger)
	if err != nil {
		logger.Error("Failed to open history store", "error", err)
		os.Exit(1)
	}

	// 4. Plugin registry and network policy
	registry := plugins.NewRegistry(plugins.Options{Logger: logger, History: store})
	policy := netpolicy.New(cfg.Network, cfg.Packaged)

	// 5. Build the peer fleet
	fleet := processes.NewFleet(processes.FleetConfig{
		Logger:    logger,
		Root:      cfg.Root,
		AllowEval: cfg.EvalEnabled(),
		History:   store,
		Hooks: processes.FleetHooks{
			OnServicePush: func(peer, channel string, data json.RawMessage) {
				logger.Debug("Service push with no window layer attached",
					"peer", peer, "channel", channel, "bytes", len(data))
			},
		},
	})

	host := &Host{
		Logger:   logger,
		Config:   cfg,
		History:  store,
		Registry: registry,
		Policy:   policy,
		Fleet:    fleet,
	}

	// 6. Spawn the primary engine and the configured workers
	engine, err := resolveEngine(*engineFlag)
	if err != nil {
		logger.Error("Failed to locate peer engine binary", "error", err)
		os.Exit(1)
	}
	logger.Info("Using peer engine", "path", engine)

	if err := fleet.SpawnPrimary(processes.WorkerConfig{
		Command:       engine,
		ServicesDir:   cfg.Services.Dir,
		BrowserAccess: true,
	}); err != nil {
		logger.Error("Failed to spawn primary peer", "error", err)
		os.Exit(1)
	}

	for _, w := range cfg.Workers {
		wc := processes.WorkerConfig{
			Name:            w.Name,
			Command:         engine,
			ServicesDir:     w.ServicesDir,
			BrowserAccess:   w.BrowserAccess,
			AllowedChannels: w.AllowedChannels,
			MaxRestarts:     w.MaxRestarts,
		}
		if w.BackoffBaseMs > 0 {
			wc.BackoffBase = time.Duration(w.BackoffBaseMs) * time.Millisecond
		}
		if err := fleet.Spawn(wc); err != nil {
			// The fleet records the failure; the host stays up with the
			// workers that did start.
			logger.Error("Failed to spawn worker", "worker", w.Name, "error", err)
		}
	}

	// 7. Start the loopback gateway in dev mode
	if cfg.GatewayEnabled() {
		secret, err := gateway.WriteSecret(filepath.Join(cfg.Root, "data", "gateway.secret"))
		if err != nil {
			logger.Error("Failed to write gateway secret", "error", err)
			os.Exit(1)
		}
		srv := gateway.NewServer(gateway.Config{
			Logger:    logger,
			AppName:   cfg.Name,
			Port:      cfg.Gateway.Port,
			Secret:    secret,
			Fleet:     fleet,
			Registry:  registry,
			History:   store,
			Policy:    policy,
			AllowEval: cfg.EvalEnabled(),
		})
		port, err := srv.Start()
		if err != nil {
			logger.Error("Failed to start gateway", "error", err)
			os.Exit(1)
		}
		host.Gateway = srv
		logger.Info("Gateway ready", "port", port)
	}

	// 8. Wait for a shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received signal, initiating graceful shutdown", "signal", sig.String())

	host.Shutdown()
	logger.Info("Keystone host stopped")
}
