package coordinator

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dreamware/imagesync/internal/clock"
	"github.com/dreamware/imagesync/internal/cluster"
)

// Health states.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	// StatusSuspect marks a node whose last probe failed but which is
	// still below the failure threshold. It keeps its endpoints.
	StatusSuspect   = "suspect"
	StatusUnhealthy = "unhealthy"
)

const (
	defaultHealthTimeout     = 2 * time.Second
	defaultHealthMaxFailures = 3
)

// NodeHealth tracks the health status of a single node.
type NodeHealth struct {
	LastCheck        time.Time `json:"last_check"`
	LastHealthy      time.Time `json:"last_healthy"`
	NodeID           string    `json:"node_id"`
	Status           string    `json:"status"`
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// CheckFunc probes one node and returns nil when it is healthy.
type CheckFunc func(ctx context.Context, node cluster.NodeInfo) error

// HealthOptions configures a HealthMonitor. Zero fields take defaults.
type HealthOptions struct {
	Interval    time.Duration
	Timeout     time.Duration
	MaxFailures int
	Check       CheckFunc
	OnUnhealthy func(nodeID string)
	Clock       clock.Clock
	Logger      *slog.Logger
}

// HealthMonitor polls every registered node's /health endpoint. A node is
// marked unhealthy after MaxFailures consecutive failed probes; the
// endpoint directory then resolves it to no endpoints so runs fail fast
// instead of dispatching onto it.
type HealthMonitor struct {
	nodes       map[string]*NodeHealth
	check       CheckFunc
	onUnhealthy func(nodeID string)
	clock       clock.Clock
	logger      *slog.Logger
	interval    time.Duration
	timeout     time.Duration
	maxFailures int
	mu          sync.RWMutex
}

// NewHealthMonitor returns a monitor ready to Start.
func NewHealthMonitor(opts HealthOptions) *HealthMonitor {
	h := &HealthMonitor{
		nodes:       make(map[string]*NodeHealth),
		check:       opts.Check,
		onUnhealthy: opts.OnUnhealthy,
		clock:       opts.Clock,
		logger:      opts.Logger,
		interval:    opts.Interval,
		timeout:     opts.Timeout,
		maxFailures: opts.MaxFailures,
	}
	if h.check == nil {
		h.check = defaultHealthCheck
	}
	if h.clock == nil {
		h.clock = clock.Real()
	}
	if h.logger == nil {
		h.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if h.interval <= 0 {
		h.interval = 10 * time.Second
	}
	if h.timeout <= 0 {
		h.timeout = defaultHealthTimeout
	}
	if h.maxFailures <= 0 {
		h.maxFailures = defaultHealthMaxFailures
	}
	return h
}

// Start checks every node returned by nodes immediately and then once per
// interval. It blocks until ctx is canceled.
func (h *HealthMonitor) Start(ctx context.Context, nodes func() []cluster.NodeInfo) {
	ticker := h.clock.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("health monitor started", "interval", h.interval)
	h.CheckAll(ctx, nodes())
	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx, nodes())
		case <-ctx.Done():
			h.logger.Info("health monitor stopped")
			return
		}
	}
}

// CheckAll probes nodes concurrently and forgets nodes no longer listed.
func (h *HealthMonitor) CheckAll(ctx context.Context, nodes []cluster.NodeInfo) {
	current := make(map[string]bool, len(nodes))
	var wg sync.WaitGroup
	for _, node := range nodes {
		current[node.ID] = true
		wg.Add(1)
		go func(node cluster.NodeInfo) {
			defer wg.Done()
			h.checkNode(ctx, node)
		}(node)
	}
	wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	for id := range h.nodes {
		if !current[id] {
			delete(h.nodes, id)
			h.logger.Info("node removed from health monitoring", "node_id", id)
		}
	}
}

func (h *HealthMonitor) checkNode(ctx context.Context, node cluster.NodeInfo) {
	h.mu.Lock()
	health, ok := h.nodes[node.ID]
	if !ok {
		now := h.clock.Now()
		health = &NodeHealth{NodeID: node.ID, Status: StatusUnknown, LastCheck: now, LastHealthy: now}
		h.nodes[node.ID] = health
	}
	h.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, h.timeout)
	err := h.check(cctx, node)
	cancel()

	h.mu.Lock()
	defer h.mu.Unlock()
	health.LastCheck = h.clock.Now()
	if err == nil {
		if health.Status == StatusUnhealthy {
			h.logger.Info("node recovered", "node_id", node.ID)
		}
		health.Status = StatusHealthy
		health.ConsecutiveFails = 0
		health.LastHealthy = health.LastCheck
		return
	}

	health.ConsecutiveFails++
	h.logger.Warn("health check failed",
		"node_id", node.ID,
		"attempt", health.ConsecutiveFails,
		"max_failures", h.maxFailures,
		"error", err)
	if health.Status == StatusUnhealthy {
		return
	}
	if health.ConsecutiveFails < h.maxFailures {
		health.Status = StatusSuspect
		return
	}
	health.Status = StatusUnhealthy
	h.logger.Error("node marked unhealthy", "node_id", node.ID, "failures", health.ConsecutiveFails)
	if h.onUnhealthy != nil {
		go h.onUnhealthy(node.ID)
	}
}

func defaultHealthCheck(ctx context.Context, node cluster.NodeInfo) error {
	addr := node.Addr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return cluster.GetJSON(ctx, strings.TrimRight(addr, "/")+"/health", nil)
}

// NodeHealth returns a copy of one node's record, nil when unmonitored.
func (h *HealthMonitor) NodeHealth(nodeID string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.nodes[nodeID]
	if !ok {
		return nil
	}
	cp := *health
	return &cp
}

// AllNodeHealth returns copies of every record keyed by node id.
func (h *HealthMonitor) AllNodeHealth() map[string]*NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]*NodeHealth, len(h.nodes))
	for id, health := range h.nodes {
		cp := *health
		out[id] = &cp
	}
	return out
}

// IsHealthy reports whether the last probe of nodeID succeeded.
func (h *HealthMonitor) IsHealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.nodes[nodeID]
	return ok && health.Status == StatusHealthy
}

// IsUnhealthy reports whether nodeID crossed the failure threshold.
// Unmonitored and not-yet-probed nodes are not unhealthy.
func (h *HealthMonitor) IsUnhealthy(nodeID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.nodes[nodeID]
	return ok && health.Status == StatusUnhealthy
}
