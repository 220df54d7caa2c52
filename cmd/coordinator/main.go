// Package main implements the imagesync coordinator, which keeps a fleet
// of nodes in sync with the desired set of boot artifacts.
//
// The coordinator is responsible for:
//   - Accepting node registrations and tracking node health
//   - Running orchestration runs: admission, one sync task per
//     artifact, peer fan-out, retention and pruning
//   - Checkpointing runs and tasks so a restart resumes them
//   - Retiring artifacts fleet-wide on request
//   - Aggregating download progress reported by nodes
//
// HTTP API:
//
//	POST /register          - Node registration
//	GET  /nodes             - Registered nodes and their health
//	GET  /health            - Health check
//	POST /progress          - Progress report from a node
//	GET  /progress          - Progress per logical id and node
//	POST /sync              - Start an orchestration run (async)
//	GET  /sync              - Status of the last run
//	GET  /tasks             - Active sync tasks
//	POST /artifacts/delete  - Retire artifacts on every node
//
// Example usage:
//
//	./coordinator --config /etc/imagesync/imagesync.yaml --sync-on-start
//
//	curl -X POST localhost:8080/sync
//	curl localhost:8080/tasks
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/dreamware/imagesync/internal/catalog"
	"github.com/dreamware/imagesync/internal/checkpoint"
	"github.com/dreamware/imagesync/internal/clock"
	"github.com/dreamware/imagesync/internal/cluster"
	"github.com/dreamware/imagesync/internal/config"
	"github.com/dreamware/imagesync/internal/coordinator"
	"github.com/dreamware/imagesync/internal/download"
)

func main() {
	if err := run(os.Args[1:], os.Getenv); err != nil {
		fmt.Fprintln(os.Stderr, "coordinator:", err)
		os.Exit(1)
	}
}

// loadConfig layers flags over the file and environment.
func loadConfig(args []string, getenv func(string) string) (*config.Config, bool, error) {
	fs := pflag.NewFlagSet("coordinator", pflag.ContinueOnError)
	configPath := fs.String("config", "", "path to the YAML configuration file (default $"+config.EnvConfigPath+")")
	listen := fs.String("listen", "", "address to listen on")
	stateDB := fs.String("state-db", "", "checkpoint database path")
	catalogPath := fs.String("catalog", "", "desired-set manifest (YAML or JSONC)")
	primary := fs.String("primary-node", "", "node that fetches from upstream")
	logLevel := fs.String("log-level", "", "debug, info, warn or error")
	syncOnStart := fs.Bool("sync-on-start", false, "start an orchestration run once listening")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}

	cfg, err := config.Load(*configPath, getenv)
	if err != nil {
		return nil, false, err
	}
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&cfg.Coordinator.Listen, *listen)
	override(&cfg.Coordinator.StateDB, *stateDB)
	override(&cfg.Coordinator.Catalog, *catalogPath)
	override(&cfg.Coordinator.PrimaryNode, *primary)
	override(&cfg.Log.Level, *logLevel)
	if err := cfg.ValidateCoordinator(); err != nil {
		return nil, false, err
	}
	return cfg, *syncOnStart, nil
}

func run(args []string, getenv func(string) string) error {
	cfg, syncOnStart, err := loadConfig(args, getenv)
	if err != nil {
		return err
	}
	logger := cfg.Log.NewLogger(os.Stderr)

	state, err := checkpoint.Open(cfg.Coordinator.StateDB, logger)
	if err != nil {
		return err
	}
	defer state.Close()

	fleet := cluster.NewClient(&http.Client{}, clock.Real(), cfg.Coordinator.HeartbeatTimeout, logger)
	srv, err := newServer(cfg, state, fleet, logger)
	if err != nil {
		return err
	}
	defer srv.runs.Wait()
	defer srv.orch.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	srv.base = ctx

	httpSrv := &http.Server{
		Addr:              cfg.Coordinator.Listen,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("coordinator listening", "addr", cfg.Coordinator.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	go srv.health.Start(ctx, srv.dir.Nodes)
	go func() {
		report, err := srv.orch.Resume(ctx)
		switch {
		case err != nil:
			logger.Error("resume failed", "error", err)
		case report != nil:
			logger.Info("resumed run finished", "run_id", report.ID)
		}
		if syncOnStart {
			srv.startRun()
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	logger.Info("coordinator stopped")
	return nil
}

// runStatus is the coordinator's view of orchestration runs started
// through its API.
type runStatus struct {
	Running    int                    `json:"running"`
	Last       *coordinator.RunReport `json:"last,omitempty"`
	LastError  string                 `json:"last_error,omitempty"`
	FinishedAt time.Time              `json:"finished_at,omitempty"`
}

type server struct {
	dir      *coordinator.Directory
	health   *coordinator.HealthMonitor
	orch     *coordinator.Orchestrator
	progress *coordinator.ProgressTable
	clock    clock.Clock
	logger   *slog.Logger
	base     context.Context

	mu     sync.Mutex
	status runStatus
	runs   sync.WaitGroup
}

func newServer(cfg *config.Config, state *checkpoint.Store, fleet coordinator.Fleet, logger *slog.Logger) (*server, error) {
	cc := cfg.Coordinator
	clk := clock.Real()
	s := &server{
		dir:      coordinator.NewDirectory(),
		progress: coordinator.NewProgressTable(clk),
		clock:    clk,
		logger:   logger,
		base:     context.Background(),
	}
	s.health = coordinator.NewHealthMonitor(coordinator.HealthOptions{
		Interval: cc.HealthInterval,
		Clock:    clk,
		Logger:   logger,
		OnUnhealthy: func(id string) {
			logger.Warn("node excluded from endpoint resolution", "node_id", id)
		},
	})
	s.dir.SetHealth(s.health)

	slack := cc.BootloaderSlack
	if slack == 0 {
		slack = -1
	}
	orch, err := coordinator.New(coordinator.Options{
		Fleet:            fleet,
		Catalog:          catalog.NewFileCatalog(cc.Catalog),
		Retention:        catalog.NewFileRetention(cc.RetentionFile, logger),
		Directory:        s.dir,
		Checkpoints:      state,
		Progress:         s.progress,
		Clock:            clk,
		Logger:           logger,
		PrimaryNode:      cc.PrimaryNode,
		Proxy:            cc.Proxy,
		MaxFanOutSources: cc.MaxFanOutSources,
		MinFreeSpace:     cc.MinFreeSpace,
		BootloaderSlack:  slack,
		DeleteAttempts:   cc.DeleteAttempts,
		CatalogTimeout:   cc.CatalogTimeout,
		DiskCheckTimeout: cc.DiskCheckTimeout,
		StatusTimeout:    cc.DiskCheckTimeout,
		DownloadTimeout:  cc.DownloadTimeout,
		DeleteTimeout:    cc.DeleteTimeout,
		Retry:            download.RetryPolicy{Initial: cc.RetryInitial, Max: cc.RetryMax, Multiplier: 2},
	})
	if err != nil {
		return nil, err
	}
	s.orch = orch
	return s, nil
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("GET /nodes", s.handleListNodes)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /progress", s.handleProgressReport)
	mux.HandleFunc("GET /progress", s.handleProgress)
	mux.HandleFunc("POST /sync", s.handleSync)
	mux.HandleFunc("GET /sync", s.handleSyncStatus)
	mux.HandleFunc("GET /tasks", s.handleTasks)
	mux.HandleFunc("POST /artifacts/delete", s.handleRetire)
	return mux
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Node.ID == "" || req.Node.Addr == "" {
		http.Error(w, "missing id/addr", http.StatusBadRequest)
		return
	}
	if len(req.Node.Endpoints) == 0 {
		req.Node.Endpoints = []string{req.Node.Addr}
	}
	s.dir.Register(req.Node)
	s.logger.Info("node registered", "node_id", req.Node.ID, "addr", req.Node.Addr, "endpoints", req.Node.Endpoints)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListNodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Nodes  []cluster.NodeInfo                  `json:"nodes"`
		Health map[string]*coordinator.NodeHealth `json:"health"`
	}{Nodes: s.dir.Nodes(), Health: s.health.AllNodeHealth()})
}

func (s *server) handleProgressReport(w http.ResponseWriter, r *http.Request) {
	var report cluster.ProgressReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	s.progress.Record(report)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleProgress(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.progress.Snapshot())
}

func (s *server) handleSync(w http.ResponseWriter, _ *http.Request) {
	s.startRun()
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) handleSyncStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	status := s.status
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, status)
}

func (s *server) handleTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Tasks []coordinator.TaskInfo `json:"tasks"`
	}{Tasks: s.orch.Tasks()})
}

func (s *server) handleRetire(w http.ResponseWriter, r *http.Request) {
	var req cluster.DeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if len(req.Files) == 0 {
		http.Error(w, "no files", http.StatusBadRequest)
		return
	}
	if err := s.orch.Retire(r.Context(), req.Files); err != nil {
		status := http.StatusBadGateway
		if !download.IsRetryable(err) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	deleted := make([]string, 0, len(req.Files))
	for _, f := range req.Files {
		deleted = append(deleted, f.Filename)
	}
	writeJSON(w, http.StatusOK, cluster.DeleteResponse{Deleted: deleted})
}

// startRun launches an orchestration run in the background. A run still
// waiting is superseded by the new one.
func (s *server) startRun() {
	s.mu.Lock()
	s.status.Running++
	s.mu.Unlock()

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		report, err := s.orch.Run(s.base)
		if err != nil {
			s.logger.Warn("sync run did not complete", "error", err)
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		s.status.Running--
		if errors.Is(err, coordinator.ErrSuperseded) {
			return
		}
		s.status.Last = report
		s.status.LastError = ""
		if err != nil {
			s.status.LastError = err.Error()
		}
		s.status.FinishedAt = s.clock.Now()
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
