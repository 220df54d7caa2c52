package coordinator

import (
	"sync"
	"time"

	"github.com/dreamware/imagesync/internal/clock"
	"github.com/dreamware/imagesync/internal/cluster"
)

// ProgressEntry is the latest byte count one node reported for one
// logical id.
type ProgressEntry struct {
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProgressTable collects download progress reported by nodes, keyed by
// logical id and then node id. It is safe for concurrent use.
type ProgressTable struct {
	mu      sync.RWMutex
	entries map[string]map[string]ProgressEntry
	clock   clock.Clock
}

// NewProgressTable returns an empty table. A nil clock means real time.
func NewProgressTable(clk clock.Clock) *ProgressTable {
	if clk == nil {
		clk = clock.Real()
	}
	return &ProgressTable{entries: make(map[string]map[string]ProgressEntry), clock: clk}
}

// Record stores a node's report.
func (p *ProgressTable) Record(r cluster.ProgressReport) {
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range r.LogicalIDs {
		nodes, ok := p.entries[id]
		if !ok {
			nodes = make(map[string]ProgressEntry)
			p.entries[id] = nodes
		}
		nodes[r.NodeID] = ProgressEntry{Size: r.Size, UpdatedAt: now}
	}
}

// Report sets every node's count for ids to size. The orchestrator calls
// it with zero when a task is abandoned.
func (p *ProgressTable) Report(ids []string, size int64) {
	now := p.clock.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		for node := range p.entries[id] {
			p.entries[id][node] = ProgressEntry{Size: size, UpdatedAt: now}
		}
	}
}

// Snapshot returns a copy of the table.
func (p *ProgressTable) Snapshot() map[string]map[string]ProgressEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]map[string]ProgressEntry, len(p.entries))
	for id, nodes := range p.entries {
		cp := make(map[string]ProgressEntry, len(nodes))
		for node, e := range nodes {
			cp[node] = e
		}
		out[id] = cp
	}
	return out
}
