package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/imagesync/internal/artifact"
)

// TestNodeInfoJSON tests the wire form of a node announcement
func TestNodeInfoJSON(t *testing.T) {
	node := NodeInfo{
		ID:        "rack-1",
		Addr:      "http://10.0.0.5:8081",
		Endpoints: []string{"http://10.0.0.5:5248/MAAS", "http://[fd00::5]:5248/MAAS"},
	}
	data, err := json.Marshal(RegisterRequest{Node: node})
	require.NoError(t, err)
	assert.JSONEq(t, `{"node":{"id":"rack-1","addr":"http://10.0.0.5:8081","endpoints":["http://10.0.0.5:5248/MAAS","http://[fd00::5]:5248/MAAS"]}}`, string(data))

	var decoded RegisterRequest
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, node, decoded.Node)

	data, err = json.Marshal(NodeInfo{ID: "rack-2", Addr: "http://rack-2"})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "endpoints")
}

func TestDeleteRequestJSON(t *testing.T) {
	req := DeleteRequest{Files: []artifact.Ref{{SHA256: "ab", Filename: "vmlinuz"}}}
	data, err := json.Marshal(req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"files":[{"sha256":"ab","filename":"vmlinuz"}]}`, string(data))
}

// TestPostJSON tests the PostJSON function with various scenarios
func TestPostJSON(t *testing.T) {
	tests := []struct {
		name           string
		serverResponse int
		serverBody     string
		requestBody    any
		decode         bool
		expectError    bool
		expectStatus   int
		contextTimeout bool
	}{
		{
			name:           "successful POST with response",
			serverResponse: http.StatusOK,
			serverBody:     `{"status":"ok"}`,
			requestBody:    map[string]string{"test": "data"},
			decode:         true,
		},
		{
			name:           "successful POST without response body",
			serverResponse: http.StatusNoContent,
			requestBody:    map[string]string{"test": "data"},
		},
		{
			name:           "server error response",
			serverResponse: http.StatusInternalServerError,
			serverBody:     `internal error`,
			requestBody:    map[string]string{"test": "data"},
			expectError:    true,
			expectStatus:   http.StatusInternalServerError,
		},
		{
			name:           "bad request",
			serverResponse: http.StatusBadRequest,
			serverBody:     `bad request`,
			requestBody:    map[string]string{"test": "data"},
			expectError:    true,
			expectStatus:   http.StatusBadRequest,
		},
		{
			name:           "context timeout",
			serverResponse: http.StatusOK,
			serverBody:     `{"status":"ok"}`,
			requestBody:    map[string]string{"test": "data"},
			expectError:    true,
			contextTimeout: true,
		},
		{
			name:        "unmarshalable request body",
			requestBody: make(chan int),
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				if tt.contextTimeout {
					time.Sleep(100 * time.Millisecond)
				}
				w.WriteHeader(tt.serverResponse)
				if tt.serverBody != "" {
					w.Write([]byte(tt.serverBody))
				}
			}))
			defer server.Close()

			ctx := context.Background()
			if tt.contextTimeout {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, time.Millisecond)
				defer cancel()
			}

			var out map[string]string
			var target any
			if tt.decode {
				target = &out
			}
			err := PostJSON(ctx, server.URL, tt.requestBody, target)

			if !tt.expectError {
				require.NoError(t, err)
				if tt.decode {
					assert.Equal(t, "ok", out["status"])
				}
				return
			}
			require.Error(t, err)
			if tt.expectStatus != 0 {
				var se *StatusError
				require.ErrorAs(t, err, &se)
				assert.Equal(t, tt.expectStatus, se.StatusCode)
				assert.Equal(t, tt.serverBody, se.Message)
				assert.Equal(t, tt.expectStatus < 500, IsClientError(err))
			}
		})
	}
}

// TestPostJSONInvalidURL tests PostJSON with invalid URL
func TestPostJSONInvalidURL(t *testing.T) {
	ctx := context.Background()
	assert.Error(t, PostJSON(ctx, "://invalid-url", map[string]string{"test": "data"}, nil))
	assert.Error(t, PostJSON(ctx, "http://localhost:99999", map[string]string{"test": "data"}, nil))
}

// TestGetJSON tests the GetJSON function
func TestGetJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		switch r.URL.Path {
		case "/nodes":
			json.NewEncoder(w).Encode(map[string][]NodeInfo{"nodes": {{ID: "rack-1", Addr: "http://rack-1"}}})
		case "/broken":
			w.Write([]byte("{not json"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	var out struct {
		Nodes []NodeInfo `json:"nodes"`
	}
	require.NoError(t, GetJSON(context.Background(), server.URL+"/nodes", &out))
	require.Len(t, out.Nodes, 1)
	assert.Equal(t, "rack-1", out.Nodes[0].ID)

	assert.Error(t, GetJSON(context.Background(), server.URL+"/broken", &out))

	err := GetJSON(context.Background(), server.URL+"/missing", &out)
	assert.True(t, IsClientError(err))

	assert.Error(t, GetJSON(context.Background(), "://invalid-url", &out))
}

func TestProgressReporterPostsAsync(t *testing.T) {
	got := make(chan ProgressReport, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/progress", r.URL.Path)
		var report ProgressReport
		require.NoError(t, json.NewDecoder(r.Body).Decode(&report))
		got <- report
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	NewProgressReporter(server.URL, "rack-2", nil).Report([]string{"ubuntu/noble"}, 4096)

	select {
	case report := <-got:
		assert.Equal(t, ProgressReport{NodeID: "rack-2", LogicalIDs: []string{"ubuntu/noble"}, Size: 4096}, report)
	case <-time.After(5 * time.Second):
		t.Fatal("progress report never arrived")
	}
}

func TestProgressReporterNeverBlocks(t *testing.T) {
	// Nothing listens here; Report must return immediately regardless.
	r := NewProgressReporter("http://127.0.0.1:1", "rack-3", nil)
	start := time.Now()
	r.Report([]string{"x"}, 1)
	assert.Less(t, time.Since(start), time.Second)
}
