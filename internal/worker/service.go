// Package worker is the node side of the fleet: an HTTP service that
// executes leaf work dispatched by the coordinator against the node's
// local artifact store, and serves committed artifacts to peers.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/dreamware/imagesync/internal/artifact"
	"github.com/dreamware/imagesync/internal/clock"
	"github.com/dreamware/imagesync/internal/cluster"
	"github.com/dreamware/imagesync/internal/diskcheck"
	"github.com/dreamware/imagesync/internal/download"
	"github.com/dreamware/imagesync/internal/storage"
)

const (
	// DefaultHeartbeatInterval keeps a download stream well inside the
	// coordinator's default heartbeat timeout.
	DefaultHeartbeatInterval = 3 * time.Second

	// DefaultDownloadTimeout bounds one download dispatch.
	DefaultDownloadTimeout = 2 * time.Hour

	lockPollInterval = time.Second
)

// Downloader is the executor the service dispatches to.
type Downloader interface {
	Download(ctx context.Context, req download.Request, sink download.ProgressSink, hb download.Heartbeat) (bool, error)
}

// Config wires a Service. Store, Downloader and Checker are required.
type Config struct {
	NodeID            string
	Store             *storage.Store
	Downloader        Downloader
	Checker           *diskcheck.Checker
	Progress          download.ProgressSink
	Clock             clock.Clock
	HeartbeatInterval time.Duration
	DownloadTimeout   time.Duration
	Logger            *slog.Logger
}

// Service handles the node API.
type Service struct {
	nodeID            string
	store             *storage.Store
	downloader        Downloader
	checker           *diskcheck.Checker
	progress          download.ProgressSink
	clock             clock.Clock
	heartbeatInterval time.Duration
	downloadTimeout   time.Duration
	logger            *slog.Logger
	active            atomic.Int64
}

// New creates a Service from cfg.
func New(cfg Config) *Service {
	s := &Service{
		nodeID:            cfg.NodeID,
		store:             cfg.Store,
		downloader:        cfg.Downloader,
		checker:           cfg.Checker,
		progress:          cfg.Progress,
		clock:             cfg.Clock,
		heartbeatInterval: cfg.HeartbeatInterval,
		downloadTimeout:   cfg.DownloadTimeout,
		logger:            cfg.Logger,
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	if s.heartbeatInterval <= 0 {
		s.heartbeatInterval = DefaultHeartbeatInterval
	}
	if s.downloadTimeout <= 0 {
		s.downloadTimeout = DefaultDownloadTimeout
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s.logger = s.logger.With("node_id", s.nodeID)
	return s
}

// Handler returns the node API routes.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	mux.HandleFunc("GET /info", s.handleInfo)
	mux.HandleFunc("POST /disk/check", s.handleDiskCheck)
	mux.HandleFunc("POST /download", s.handleDownload)
	mux.HandleFunc("GET /artifacts/status", s.handleStatus)
	mux.HandleFunc("POST /artifacts/delete", s.handleDelete)
	mux.HandleFunc("POST /artifacts/prune", s.handlePrune)
	mux.HandleFunc("GET /boot-resources/{filename}/", s.handleBootResource)
	mux.HandleFunc("GET /boot-resources/{filename}", s.handleBootResource)
	return mux
}

// InfoResponse describes the node and its store.
type InfoResponse struct {
	NodeID          string          `json:"node_id"`
	StoreRoot       string          `json:"store_root"`
	Usage           int64           `json:"usage"`
	ActiveDownloads int64           `json:"active_downloads"`
	Artifacts       []storage.Entry `json:"artifacts"`
}

func (s *Service) handleInfo(w http.ResponseWriter, _ *http.Request) {
	entries, err := s.store.List()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var usage int64
	for _, e := range entries {
		usage += e.Size
	}
	writeJSON(w, http.StatusOK, InfoResponse{
		NodeID:          s.nodeID,
		StoreRoot:       s.store.Root(),
		Usage:           usage,
		ActiveDownloads: s.active.Load(),
		Artifacts:       entries,
	})
}

func (s *Service) handleDiskCheck(w http.ResponseWriter, r *http.Request) {
	var req diskcheck.Requirement
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.checker.Check(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleDownload runs the executor and streams NDJSON: a heartbeat line
// each interval in which the executor showed signs of life, then one
// verdict line.
func (s *Service) handleDownload(w http.ResponseWriter, r *http.Request) {
	var req download.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := req.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.downloadTimeout)
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}
	enc := json.NewEncoder(w)
	emit := func(ev cluster.DownloadEvent) {
		if err := enc.Encode(ev); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	type verdict struct {
		ok  bool
		err error
	}
	var alive atomic.Bool
	done := make(chan verdict, 1)
	s.active.Add(1)
	go func() {
		defer s.active.Add(-1)
		ok, err := s.downloader.Download(ctx, req, s.progress, func() { alive.Store(true) })
		done <- verdict{ok: ok, err: err}
	}()

	ticker := s.clock.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if alive.Swap(false) {
				emit(cluster.DownloadEvent{Heartbeat: true})
			}
		case v := <-done:
			ev := cluster.DownloadEvent{Done: true, OK: v.ok}
			if v.err != nil {
				ev.Error = v.err.Error()
				ev.NonRetryable = !download.IsRetryable(v.err)
				s.logger.Warn("download failed",
					"artifact", req.Artifact.Ref.String(),
					"error", v.err,
				)
			}
			emit(ev)
			return
		}
	}
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	a := artifact.Artifact{Ref: artifact.Ref{SHA256: q.Get("sha256"), Filename: q.Get("filename")}}
	if sz := q.Get("size"); sz != "" {
		size, err := strconv.ParseInt(sz, 10, 64)
		if err != nil {
			http.Error(w, "bad size", http.StatusBadRequest)
			return
		}
		a.Size = size
	}
	if err := a.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	valid, err := s.store.File(a).Valid()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, cluster.StatusResponse{Valid: valid})
}

// handleDelete removes each artifact under its lock, waiting for a
// running download of the same artifact to finish first.
func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req cluster.DeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	for _, ref := range req.Files {
		if err := ref.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	resp := cluster.DeleteResponse{Deleted: []string{}}
	for _, ref := range req.Files {
		h := s.store.File(artifact.Artifact{Ref: ref})
		if err := s.waitLock(r.Context(), h); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		err := h.Unlink()
		h.Unlock()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp.Deleted = append(resp.Deleted, ref.Filename)
		s.logger.Info("artifact deleted", "artifact", ref.String())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) waitLock(ctx context.Context, h storage.Handle) error {
	for {
		ok, err := h.TryLock()
		if err != nil || ok {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(lockPollInterval):
		}
	}
}

// handlePrune removes every data file whose name is not expected.
// Artifacts that are locked by a running download are skipped.
func (s *Service) handlePrune(w http.ResponseWriter, r *http.Request) {
	var req cluster.PruneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	keep := make(map[string]struct{}, len(req.Expected))
	for _, name := range req.Expected {
		keep[name] = struct{}{}
	}

	entries, err := s.store.List()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := cluster.PruneResponse{Removed: []string{}}
	var errs []error
	for _, e := range entries {
		if _, ok := keep[e.Filename]; ok {
			continue
		}
		removed, err := s.pruneOne(e)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if removed {
			resp.Removed = append(resp.Removed, e.Filename)
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("prune incomplete", "error", err)
	}
	if len(resp.Removed) > 0 {
		s.logger.Info("pruned artifacts", "removed", resp.Removed)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) pruneOne(e storage.Entry) (bool, error) {
	if e.SHA256 == "" {
		return true, s.store.Remove(e.Filename)
	}
	h := s.store.File(artifact.Artifact{Ref: artifact.Ref{SHA256: e.SHA256, Filename: e.Filename}})
	ok, err := h.TryLock()
	if err != nil || !ok {
		return false, err
	}
	defer h.Unlock()
	return true, h.Unlink()
}

// handleBootResource serves a committed artifact to peers, honouring
// range requests so an interrupted fan-out can resume.
func (s *Service) handleBootResource(w http.ResponseWriter, r *http.Request) {
	f, entry, err := s.store.Open(r.PathValue("filename"))
	if err != nil {
		if errors.Is(err, storage.ErrNotCommitted) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if entry.SHA256 != "" {
		w.Header().Set("ETag", strconv.Quote(entry.SHA256))
	}
	http.ServeContent(w, r, entry.Filename, info.ModTime(), f)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
