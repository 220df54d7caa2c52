// Package main implements the imagesync node service, the worker side of
// the fleet. It keeps a local store of boot artifacts and carries out the
// leaf work the coordinator dispatches to it.
//
// The node is responsible for:
//   - Registering with the coordinator, announcing its endpoints
//   - Checking free disk space against a requirement
//   - Downloading artifacts from upstream or from peer nodes
//   - Serving committed artifacts to peers under /boot-resources/
//   - Deleting and pruning artifacts on request
//   - Reporting download progress to the coordinator
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                Node                     │
//	├─────────────────────────────────────────┤
//	│  HTTP API (worker.Service):             │
//	│    /health            - Health check    │
//	│    /info              - Node info       │
//	│    /disk/check        - Admission       │
//	│    /download          - Fetch artifact  │
//	│    /artifacts/*       - Leaf work       │
//	│    /boot-resources/*  - Peer serving    │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    storage.Store      - Local files     │
//	│    download.Executor  - Fetch + verify  │
//	│    diskcheck.Checker  - Free space      │
//	└─────────────────────────────────────────┘
//
// Configuration comes from the YAML file named by --config or
// IMAGESYNC_CONFIG, then NODE_ID, NODE_LISTEN, NODE_ADDR,
// COORDINATOR_ADDR, STORE_DIR and NODE_ENDPOINTS, then flags.
//
// Example usage:
//
//	NODE_ID=rack-1 \
//	NODE_ADDR=http://10.0.0.5:8081 \
//	NODE_ENDPOINTS=http://10.0.0.5:5248/MAAS \
//	COORDINATOR_ADDR=http://10.0.0.1:8080 \
//	./node --store-dir /var/lib/imagesync/boot-resources
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/dreamware/imagesync/internal/clock"
	"github.com/dreamware/imagesync/internal/cluster"
	"github.com/dreamware/imagesync/internal/config"
	"github.com/dreamware/imagesync/internal/diskcheck"
	"github.com/dreamware/imagesync/internal/download"
	"github.com/dreamware/imagesync/internal/storage"
	"github.com/dreamware/imagesync/internal/worker"
)

// registerBackoff spaces registration attempts while the coordinator
// comes up.
var registerBackoff = download.RetryPolicy{Initial: 400 * time.Millisecond, Max: 5 * time.Second, Multiplier: 1.5}

func main() {
	if err := run(os.Args[1:], os.Getenv); err != nil {
		fmt.Fprintln(os.Stderr, "node:", err)
		os.Exit(1)
	}
}

func loadConfig(args []string, getenv func(string) string) (*config.Config, error) {
	fs := pflag.NewFlagSet("node", pflag.ContinueOnError)
	configPath := fs.String("config", "", "path to the YAML configuration file (default $"+config.EnvConfigPath+")")
	id := fs.String("id", "", "node id")
	listen := fs.String("listen", "", "address to listen on")
	addr := fs.String("addr", "", "address the coordinator reaches this node at")
	coord := fs.String("coordinator", "", "coordinator URL")
	storeDir := fs.String("store-dir", "", "artifact store directory")
	endpoints := fs.StringSlice("endpoint", nil, "base URL peers fetch boot resources from (repeatable)")
	logLevel := fs.String("log-level", "", "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.Load(*configPath, getenv)
	if err != nil {
		return nil, err
	}
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&cfg.Node.ID, *id)
	override(&cfg.Node.Listen, *listen)
	override(&cfg.Node.Addr, *addr)
	override(&cfg.Node.CoordinatorAddr, *coord)
	override(&cfg.Node.StoreDir, *storeDir)
	override(&cfg.Log.Level, *logLevel)
	if len(*endpoints) > 0 {
		cfg.Node.Endpoints = *endpoints
	}
	if err := cfg.ValidateNode(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newService wires the node's store, executor and disk checker behind
// the worker API.
func newService(cfg *config.Config, logger *slog.Logger) (*worker.Service, error) {
	nc := cfg.Node
	store, err := storage.NewStore(nc.StoreDir, logger)
	if err != nil {
		return nil, err
	}
	executor := download.New(store, download.Options{
		ReportInterval:   nc.ReportInterval,
		LockPollInterval: nc.LockPollInterval,
		Logger:           logger,
	})
	return worker.New(worker.Config{
		NodeID:            nc.ID,
		Store:             store,
		Downloader:        executor,
		Checker:           diskcheck.New(nc.StoreDir, store, nil, logger),
		Progress:          cluster.NewProgressReporter(nc.CoordinatorAddr, nc.ID, logger),
		HeartbeatInterval: nc.HeartbeatInterval,
		DownloadTimeout:   nc.DownloadTimeout,
		Logger:            logger,
	}), nil
}

func run(args []string, getenv func(string) string) error {
	cfg, err := loadConfig(args, getenv)
	if err != nil {
		return err
	}
	logger := cfg.Log.NewLogger(os.Stderr).With("node_id", cfg.Node.ID)

	svc, err := newService(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              cfg.Node.Listen,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("node listening", "addr", cfg.Node.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	self := cluster.NodeInfo{ID: cfg.Node.ID, Addr: cfg.Node.Addr, Endpoints: cfg.NodeEndpoints()}
	if err := register(ctx, clock.Real(), cfg.Node.CoordinatorAddr, self, cfg.Node.RegisterAttempts, registerBackoff, logger); err != nil {
		if serr := shutdown(srv); serr != nil {
			logger.Warn("http shutdown", "error", serr)
		}
		return err
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}
	if err := shutdown(srv); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	logger.Info("node stopped")
	return nil
}

func shutdown(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// register announces node to the coordinator, retrying up to attempts
// times. The node cannot take work until it is registered.
func register(ctx context.Context, clk clock.Clock, coord string, node cluster.NodeInfo, attempts int, backoff download.RetryPolicy, logger *slog.Logger) error {
	body := cluster.RegisterRequest{Node: node}
	var lastErr error
	for i := 0; i < attempts; i++ {
		lastErr = cluster.PostJSON(ctx, coord+"/register", body, nil)
		if lastErr == nil {
			logger.Info("registered with coordinator", "coordinator", coord, "endpoints", node.Endpoints)
			return nil
		}
		if i+1 == attempts {
			break
		}
		logger.Warn("register failed, retrying", "attempt", i+1, "error", lastErr)
		select {
		case <-clk.After(backoff.Delay(i)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("register with coordinator: %w", lastErr)
}
