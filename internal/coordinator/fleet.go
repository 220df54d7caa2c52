package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/imagesync/internal/artifact"
	"github.com/dreamware/imagesync/internal/cluster"
	"github.com/dreamware/imagesync/internal/diskcheck"
	"github.com/dreamware/imagesync/internal/download"
)

var (
	// ErrNoEndpoints is returned when a node has no reachable address.
	// It aborts the run and is never retried.
	ErrNoEndpoints = errors.New("node has no endpoints")

	// ErrNoNodes is returned when a run starts with an empty fleet.
	ErrNoNodes = errors.New("no nodes registered")
)

// Fleet dispatches leaf work onto a specific node. *cluster.Client
// implements it over HTTP.
type Fleet interface {
	CheckDisk(ctx context.Context, node cluster.NodeInfo, req diskcheck.Requirement) (diskcheck.Result, error)
	Download(ctx context.Context, node cluster.NodeInfo, req download.Request) (bool, error)
	Valid(ctx context.Context, node cluster.NodeInfo, a artifact.Artifact) (bool, error)
	Delete(ctx context.Context, node cluster.NodeInfo, refs []artifact.Ref) error
	Prune(ctx context.Context, node cluster.NodeInfo, expected []string) ([]string, error)
}

// Catalog supplies the desired set for a run.
type Catalog interface {
	Desired(ctx context.Context) (artifact.DesiredSet, error)
}

// Retention is told which logical ids to keep once a run converged.
type Retention interface {
	Finalize(ctx context.Context, retainedIDs []string) error
}

// healthGate reports nodes the health monitor has given up on.
type healthGate interface {
	IsUnhealthy(nodeID string) bool
}

// Directory is the set of registered nodes and the endpoint directory
// built from it. It is safe for concurrent use.
type Directory struct {
	mu     sync.RWMutex
	nodes  map[string]cluster.NodeInfo
	health healthGate
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{nodes: make(map[string]cluster.NodeInfo)}
}

// SetHealth gates endpoint resolution on h. Nodes h reports unhealthy
// resolve to no endpoints.
func (d *Directory) SetHealth(h healthGate) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.health = h
}

// Register adds or replaces a node.
func (d *Directory) Register(node cluster.NodeInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	node.Endpoints = slices.Clone(node.Endpoints)
	d.nodes[node.ID] = node
}

// Remove forgets a node.
func (d *Directory) Remove(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.nodes, id)
}

// Node returns the node with the given id.
func (d *Directory) Node(id string) (cluster.NodeInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.nodes[id]
	return n, ok
}

// Nodes returns every registered node ordered by id.
func (d *Directory) Nodes() []cluster.NodeInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, 0, len(d.nodes))
	for id := range d.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]cluster.NodeInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, d.nodes[id])
	}
	return out
}

// Resolve returns node id to reachable base addresses.
func (d *Directory) Resolve() map[string][]string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string][]string, len(d.nodes))
	for id, n := range d.nodes {
		if d.health != nil && d.health.IsUnhealthy(id) {
			out[id] = nil
			continue
		}
		out[id] = slices.Clone(n.Endpoints)
	}
	return out
}

// CheckEndpoints fails when the map is empty or any node has no
// addresses. The error is non-retryable.
func CheckEndpoints(endpoints map[string][]string) error {
	if len(endpoints) == 0 {
		return download.NonRetryable(ErrNoNodes)
	}
	var missing []string
	for id, addrs := range endpoints {
		if len(addrs) == 0 {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	slices.Sort(missing)
	return download.NonRetryable(fmt.Errorf("%w: %s", ErrNoEndpoints, strings.Join(missing, ", ")))
}
