package coordinator

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dreamware/imagesync/internal/artifact"
	"github.com/dreamware/imagesync/internal/checkpoint"
	"github.com/dreamware/imagesync/internal/cluster"
	"github.com/dreamware/imagesync/internal/diskcheck"
	"github.com/dreamware/imagesync/internal/download"
)

var (
	hashA = strings.Repeat("a", 64)
	hashB = strings.Repeat("b", 64)
	fpA   = artifact.Fingerprint(hashA)
)

type dispatched struct {
	node string
	req  download.Request
}

// fakeFleet records every leaf call and simulates node stores as a set of
// valid hashes per node.
type fakeFleet struct {
	mu         sync.Mutex
	valid      map[string]map[string]bool
	downloads  []dispatched
	disk       map[string]diskcheck.Result
	diskReqs   []diskcheck.Requirement
	gates      map[string]chan struct{}
	errs       map[string][]error
	full       map[string]bool
	noStatus   bool
	deletes    map[string]int
	deleteErrs map[string][]error
	prunes     map[string][]string
	started    chan string
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{
		valid:      make(map[string]map[string]bool),
		disk:       make(map[string]diskcheck.Result),
		gates:      make(map[string]chan struct{}),
		errs:       make(map[string][]error),
		full:       make(map[string]bool),
		deletes:    make(map[string]int),
		deleteErrs: make(map[string][]error),
		prunes:     make(map[string][]string),
		started:    make(chan string, 64),
	}
}

// gate makes every download of sha block until the returned channel is
// closed.
func (f *fakeFleet) gate(sha string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[sha] = ch
	return ch
}

func (f *fakeFleet) markValid(node, sha string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markValidLocked(node, sha)
}

func (f *fakeFleet) markValidLocked(node, sha string) {
	if f.valid[node] == nil {
		f.valid[node] = make(map[string]bool)
	}
	f.valid[node][sha] = true
}

func (f *fakeFleet) downloadsFor(node string) []download.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []download.Request
	for _, d := range f.downloads {
		if d.node == node {
			out = append(out, d.req)
		}
	}
	return out
}

func (f *fakeFleet) deleteCount(node string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deletes[node]
}

func (f *fakeFleet) CheckDisk(_ context.Context, node cluster.NodeInfo, req diskcheck.Requirement) (diskcheck.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.diskReqs = append(f.diskReqs, req)
	if res, ok := f.disk[node.ID]; ok {
		return res, nil
	}
	return diskcheck.Result{OK: true, Free: 1 << 40, Required: req.Required()}, nil
}

func (f *fakeFleet) Download(ctx context.Context, node cluster.NodeInfo, req download.Request) (bool, error) {
	f.mu.Lock()
	f.downloads = append(f.downloads, dispatched{node: node.ID, req: req})
	gate := f.gates[req.Artifact.SHA256]
	f.mu.Unlock()

	select {
	case f.started <- node.ID + "/" + req.Artifact.Filename:
	default:
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if errs := f.errs[node.ID]; len(errs) > 0 {
		f.errs[node.ID] = errs[1:]
		return false, errs[0]
	}
	if f.full[node.ID] {
		return false, nil
	}
	f.markValidLocked(node.ID, req.Artifact.SHA256)
	return true, nil
}

func (f *fakeFleet) Valid(_ context.Context, node cluster.NodeInfo, a artifact.Artifact) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.noStatus {
		return false, nil
	}
	return f.valid[node.ID][a.SHA256], nil
}

func (f *fakeFleet) Delete(_ context.Context, node cluster.NodeInfo, refs []artifact.Ref) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes[node.ID]++
	if errs := f.deleteErrs[node.ID]; len(errs) > 0 {
		f.deleteErrs[node.ID] = errs[1:]
		return errs[0]
	}
	for _, ref := range refs {
		delete(f.valid[node.ID], ref.SHA256)
	}
	return nil
}

func (f *fakeFleet) Prune(_ context.Context, node cluster.NodeInfo, expected []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prunes[node.ID] = expected
	return nil, nil
}

func waitStarted(t *testing.T, f *fakeFleet, want string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-f.started:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("download %s never started", want)
		}
	}
}

type retentionRecorder struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (r *retentionRecorder) Finalize(_ context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, ids)
	return r.err
}

func (r *retentionRecorder) Calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type mutableCatalog struct {
	mu      sync.Mutex
	desired artifact.DesiredSet
}

func (c *mutableCatalog) set(d artifact.DesiredSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.desired = d
}

func (c *mutableCatalog) Desired(context.Context) (artifact.DesiredSet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desired, nil
}

type harness struct {
	o         *Orchestrator
	fleet     *fakeFleet
	dir       *Directory
	store     *checkpoint.Store
	retention *retentionRecorder
	catalog   *mutableCatalog
}

func registerNode(dir *Directory, id string) {
	dir.Register(cluster.NodeInfo{
		ID:        id,
		Addr:      "http://" + id + ":8081",
		Endpoints: []string{"http://" + id + ":5248/MAAS"},
	})
}

func newHarness(t *testing.T, nodes []string, mutate func(*Options)) *harness {
	t.Helper()
	store, err := checkpoint.Open(filepath.Join(t.TempDir(), "state.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	h := &harness{
		fleet:     newFakeFleet(),
		dir:       NewDirectory(),
		store:     store,
		retention: &retentionRecorder{},
		catalog:   &mutableCatalog{},
	}
	for _, id := range nodes {
		registerNode(h.dir, id)
	}
	opts := Options{
		Fleet:       h.fleet,
		Catalog:     h.catalog,
		Retention:   h.retention,
		Directory:   h.dir,
		Checkpoints: store,
		Retry:       download.RetryPolicy{MaxAttempts: 1},
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.o, err = New(opts)
	require.NoError(t, err)
	t.Cleanup(h.o.Close)
	return h
}

func resource(sha, filename string, size int64) artifact.Resource {
	return artifact.Resource{
		Artifact: artifact.Artifact{
			Ref:        artifact.Ref{SHA256: sha, Filename: filename},
			Size:       size,
			LogicalIDs: []string{"ubuntu/noble/" + filename},
		},
		Sources: []string{"http://images.example.com/" + filename},
	}
}

func peerURL(node, filename string) string {
	return "http://" + node + ":5248/MAAS/boot-resources/" + filename + "/"
}
