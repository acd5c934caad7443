// The keystone-worker binary is the reference peer harness: it speaks the
// host protocol on stdin/stdout, loads WASM service modules from
// KEYSTONE_SERVICES_DIR, and serves static web content when the host granted
// browser access. Each module file registers one service named after the
// file, so search.wasm answers queries for "search".
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/khayzz13/keystone/peerlib"
	"github.com/khayzz13/keystone/wasm"
)

func main() {
	// Stdout carries the host protocol, so logs go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	cfg := peerlib.FromEnv()
	logger = logger.With("worker", cfg.WorkerName)
	logger.Info("Starting worker", "servicesDir", cfg.ServicesDir, "browserAccess", cfg.BrowserAccess)

	ctx := context.Background()
	runtime, err := wasm.NewRuntime(ctx, logger)
	if err != nil {
		logger.Error("Failed to create WASM runtime", "error", err)
		os.Exit(1)
	}
	defer runtime.Close(ctx)

	peer := peerlib.New(cfg, peerlib.Options{Logger: logger})

	paths, err := wasm.DiscoverServices(cfg.ServicesDir)
	if err != nil {
		logger.Error("Failed to scan services directory", "error", err)
		os.Exit(1)
	}
	for _, path := range paths {
		svc, err := runtime.LoadService(ctx, path)
		if err != nil {
			// A broken module disables its service, not the worker.
			logger.Error("Failed to load service module", "path", path, "error", err)
			continue
		}
		peer.HandleService(svc.Name(), func(args json.RawMessage) (any, error) {
			return svc.Invoke(ctx, svc.Name(), args)
		})
		logger.Info("Registered service", "name", svc.Name(), "path", path)
	}

	port := 0
	if cfg.BrowserAccess {
		webDir := filepath.Join(cfg.Root, "web")
		if _, err := os.Stat(webDir); err == nil {
			p, stop, err := peer.Serve(webDir)
			if err != nil {
				logger.Error("Failed to start web listener", "error", err)
				os.Exit(1)
			}
			defer stop(ctx)
			port = p
			logger.Info("Serving web content", "dir", webDir, "port", port)
		}
	}

	peer.OnShutdown(func() {
		logger.Info("Shutdown requested by host")
	})

	if err := peer.Ready(nil, nil, port); err != nil {
		logger.Error("Failed to send ready handshake", "error", err)
		os.Exit(1)
	}

	if err := peer.Run(); err != nil {
		logger.Error("Worker loop failed", "error", err)
		os.Exit(1)
	}
	logger.Info("Worker stopped")
}
