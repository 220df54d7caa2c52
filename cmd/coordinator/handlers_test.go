package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/imagesync/internal/artifact"
	"github.com/dreamware/imagesync/internal/checkpoint"
	"github.com/dreamware/imagesync/internal/clock"
	"github.com/dreamware/imagesync/internal/cluster"
	"github.com/dreamware/imagesync/internal/config"
	"github.com/dreamware/imagesync/internal/coordinator"
	"github.com/dreamware/imagesync/internal/diskcheck"
	"github.com/dreamware/imagesync/internal/download"
)

// stubFleet answers every leaf operation without touching a network.
type stubFleet struct {
	mu        sync.Mutex
	deleteErr error
	deleted   map[string][]artifact.Ref
	pruned    map[string][]string
}

func (f *stubFleet) CheckDisk(context.Context, cluster.NodeInfo, diskcheck.Requirement) (diskcheck.Result, error) {
	return diskcheck.Result{OK: true}, nil
}

func (f *stubFleet) Download(context.Context, cluster.NodeInfo, download.Request) (bool, error) {
	return true, nil
}

func (f *stubFleet) Valid(context.Context, cluster.NodeInfo, artifact.Artifact) (bool, error) {
	return true, nil
}

func (f *stubFleet) Delete(_ context.Context, node cluster.NodeInfo, refs []artifact.Ref) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if f.deleted == nil {
		f.deleted = make(map[string][]artifact.Ref)
	}
	f.deleted[node.ID] = append(f.deleted[node.ID], refs...)
	return nil
}

func (f *stubFleet) Prune(_ context.Context, node cluster.NodeInfo, expected []string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pruned == nil {
		f.pruned = make(map[string][]string)
	}
	f.pruned[node.ID] = expected
	return nil, nil
}

func newTestServer(t *testing.T, fleet *stubFleet) *server {
	t.Helper()
	dir := t.TempDir()
	manifest := filepath.Join(dir, "images.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte("resources: []\nretained_ids: []\n"), 0o644))

	cfg := config.Default()
	cfg.Coordinator.StateDB = filepath.Join(dir, "state.db")
	cfg.Coordinator.Catalog = manifest
	cfg.Coordinator.RetentionFile = filepath.Join(dir, "retention.yaml")
	cfg.Coordinator.DeleteAttempts = 1
	require.NoError(t, cfg.ValidateCoordinator())

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	state, err := checkpoint.Open(cfg.Coordinator.StateDB, logger)
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })

	srv, err := newServer(cfg, state, fleet, logger)
	require.NoError(t, err)
	t.Cleanup(func() {
		srv.runs.Wait()
		srv.orch.Close()
	})
	return srv
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, r))
	return rec
}

func TestHandleRegister(t *testing.T) {
	srv := newTestServer(t, &stubFleet{})
	h := srv.routes()

	tests := []struct {
		name       string
		body       any
		wantStatus int
	}{
		{"valid node", cluster.RegisterRequest{Node: cluster.NodeInfo{ID: "rack-1", Addr: "http://rack-1:8081"}}, http.StatusNoContent},
		{"with endpoints", cluster.RegisterRequest{Node: cluster.NodeInfo{ID: "rack-2", Addr: "http://rack-2:8081", Endpoints: []string{"http://10.0.0.2:5248/MAAS"}}}, http.StatusNoContent},
		{"missing id", cluster.RegisterRequest{Node: cluster.NodeInfo{Addr: "http://x"}}, http.StatusBadRequest},
		{"missing addr", cluster.RegisterRequest{Node: cluster.NodeInfo{ID: "x"}}, http.StatusBadRequest},
		{"bad json", "{nope", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantStatus, do(t, h, http.MethodPost, "/register", tt.body).Code)
		})
	}

	rack1, ok := srv.dir.Node("rack-1")
	require.True(t, ok)
	assert.Equal(t, []string{"http://rack-1:8081"}, rack1.Endpoints, "endpoints default to the node address")
	rack2, ok := srv.dir.Node("rack-2")
	require.True(t, ok)
	assert.Equal(t, []string{"http://10.0.0.2:5248/MAAS"}, rack2.Endpoints)

	// Re-registering replaces rather than duplicates.
	do(t, h, http.MethodPost, "/register", cluster.RegisterRequest{Node: cluster.NodeInfo{ID: "rack-1", Addr: "http://rack-1:9999"}})
	assert.Len(t, srv.dir.Nodes(), 2)
}

func TestHandleListNodes(t *testing.T) {
	srv := newTestServer(t, &stubFleet{})
	h := srv.routes()
	do(t, h, http.MethodPost, "/register", cluster.RegisterRequest{Node: cluster.NodeInfo{ID: "rack-b", Addr: "http://b"}})
	do(t, h, http.MethodPost, "/register", cluster.RegisterRequest{Node: cluster.NodeInfo{ID: "rack-a", Addr: "http://a"}})

	rec := do(t, h, http.MethodGet, "/nodes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var out struct {
		Nodes []cluster.NodeInfo `json:"nodes"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	require.Len(t, out.Nodes, 2)
	assert.Equal(t, "rack-a", out.Nodes[0].ID)
	assert.Equal(t, "rack-b", out.Nodes[1].ID)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, &stubFleet{})
	assert.Equal(t, http.StatusOK, do(t, srv.routes(), http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, srv.routes(), http.MethodPost, "/health", nil).Code)
}

func TestProgressRoundTrip(t *testing.T) {
	srv := newTestServer(t, &stubFleet{})
	h := srv.routes()

	rec := do(t, h, http.MethodPost, "/progress", cluster.ProgressReport{NodeID: "rack-1", LogicalIDs: []string{"ubuntu/noble"}, Size: 2048})
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/progress", "{").Code)

	rec = do(t, h, http.MethodGet, "/progress", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snap map[string]map[string]coordinator.ProgressEntry
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))
	require.Contains(t, snap, "ubuntu/noble")
	assert.EqualValues(t, 2048, snap["ubuntu/noble"]["rack-1"].Size)
}

func TestHandleTasksEmpty(t *testing.T) {
	srv := newTestServer(t, &stubFleet{})
	rec := do(t, srv.routes(), http.MethodGet, "/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tasks":[]}`, rec.Body.String())
}

func TestSyncRunsInBackground(t *testing.T) {
	fleet := &stubFleet{}
	srv := newTestServer(t, fleet)
	finished := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	srv.clock = clock.Fake(finished)
	h := srv.routes()
	do(t, h, http.MethodPost, "/register", cluster.RegisterRequest{Node: cluster.NodeInfo{ID: "rack-1", Addr: "http://rack-1"}})

	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/sync", nil).Code)

	var status runStatus
	require.Eventually(t, func() bool {
		rec := do(t, h, http.MethodGet, "/sync", nil)
		status = runStatus{}
		return json.NewDecoder(rec.Body).Decode(&status) == nil && status.Running == 0 && status.Last != nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, status.LastError)
	assert.NotEmpty(t, status.Last.ID)
	assert.True(t, finished.Equal(status.FinishedAt), "finish time comes from the server clock")

	fleet.mu.Lock()
	defer fleet.mu.Unlock()
	assert.Contains(t, fleet.pruned, "rack-1", "cleanup prunes every node")
}

func TestSyncWithoutNodesReportsError(t *testing.T) {
	srv := newTestServer(t, &stubFleet{})
	h := srv.routes()
	do(t, h, http.MethodPost, "/sync", nil)

	require.Eventually(t, func() bool {
		var status runStatus
		rec := do(t, h, http.MethodGet, "/sync", nil)
		return json.NewDecoder(rec.Body).Decode(&status) == nil && status.Running == 0 && status.LastError != ""
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHandleRetire(t *testing.T) {
	sha := "c0ffee" + string(bytes.Repeat([]byte("0"), 58))
	valid := cluster.DeleteRequest{Files: []artifact.Ref{{SHA256: sha, Filename: "vmlinuz"}}}

	t.Run("deletes on every node", func(t *testing.T) {
		fleet := &stubFleet{}
		srv := newTestServer(t, fleet)
		h := srv.routes()
		do(t, h, http.MethodPost, "/register", cluster.RegisterRequest{Node: cluster.NodeInfo{ID: "rack-1", Addr: "http://rack-1"}})
		do(t, h, http.MethodPost, "/register", cluster.RegisterRequest{Node: cluster.NodeInfo{ID: "rack-2", Addr: "http://rack-2"}})

		rec := do(t, h, http.MethodPost, "/artifacts/delete", valid)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp cluster.DeleteResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		assert.Equal(t, []string{"vmlinuz"}, resp.Deleted)
		assert.Len(t, fleet.deleted, 2)
	})

	t.Run("rejects bad input", func(t *testing.T) {
		srv := newTestServer(t, &stubFleet{})
		h := srv.routes()
		assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/artifacts/delete", "{").Code)
		assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/artifacts/delete", cluster.DeleteRequest{}).Code)
		bad := cluster.DeleteRequest{Files: []artifact.Ref{{SHA256: "xyz", Filename: "../etc"}}}
		assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/artifacts/delete", bad).Code)
	})

	t.Run("node failure is a gateway error", func(t *testing.T) {
		srv := newTestServer(t, &stubFleet{deleteErr: errors.New("connection refused")})
		h := srv.routes()
		do(t, h, http.MethodPost, "/register", cluster.RegisterRequest{Node: cluster.NodeInfo{ID: "rack-1", Addr: "http://rack-1"}})
		assert.Equal(t, http.StatusBadGateway, do(t, h, http.MethodPost, "/artifacts/delete", valid).Code)
	})
}
