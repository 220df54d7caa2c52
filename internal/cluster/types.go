package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dreamware/imagesync/internal/artifact"
	"github.com/dreamware/imagesync/internal/download"
)

// NodeInfo represents a controller node in the fleet.
// It contains the essential information needed to identify a node,
// reach its API, and build fetch URLs for peers pulling from it.
//
// Fields:
//   - ID: Unique identifier for the node (e.g., "rack-controller-1")
//   - Addr: HTTP address of the node API (e.g., "http://10.0.0.5:8081")
//   - Endpoints: base URLs peers use to fetch boot resources from this
//     node. Empty means the node is not reachable for fan-out.
type NodeInfo struct {
	ID        string   `json:"id"`
	Addr      string   `json:"addr"`
	Endpoints []string `json:"endpoints,omitempty"`
}

// RegisterRequest is sent by a node to the coordinator on startup.
type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

// DownloadEvent is one line of the NDJSON stream returned by a node's
// download endpoint. Heartbeat lines keep the stream alive; exactly one
// final line has Done set.
//
// A final event with OK false and an empty Error means the node ran out
// of disk space and cleaned up after itself.
type DownloadEvent struct {
	Heartbeat    bool   `json:"heartbeat,omitempty"`
	Done         bool   `json:"done,omitempty"`
	OK           bool   `json:"ok,omitempty"`
	Error        string `json:"error,omitempty"`
	NonRetryable bool   `json:"non_retryable,omitempty"`
}

// StatusResponse reports whether a node holds a verified copy.
type StatusResponse struct {
	Valid bool `json:"valid"`
}

// DeleteRequest lists artifacts a node must remove.
type DeleteRequest struct {
	Files []artifact.Ref `json:"files"`
}

// DeleteResponse lists what was actually removed.
type DeleteResponse struct {
	Deleted []string `json:"deleted"`
}

// PruneRequest names every filename the node should keep.
type PruneRequest struct {
	Expected []string `json:"expected"`
}

// PruneResponse lists the filenames removed by a prune.
type PruneResponse struct {
	Removed []string `json:"removed"`
}

// ProgressReport is posted by nodes to the coordinator's progress sink.
type ProgressReport struct {
	NodeID     string   `json:"node_id"`
	LogicalIDs []string `json:"logical_ids"`
	Size       int64    `json:"size"`
}

// DownloadRequest is the body of a node's download endpoint.
type DownloadRequest = download.Request

// StatusError is returned by PostJSON and GetJSON for non-2xx replies.
type StatusError struct {
	URL        string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %s: %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("http %s: %d: %s", e.URL, e.StatusCode, e.Message)
}

// IsClientError reports whether err is a 4xx reply. Such requests are
// malformed and repeating them cannot succeed.
func IsClientError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500
}

// httpClient is the shared HTTP client for short control-plane calls.
// Long-running calls such as downloads use Client with its own
// heartbeat-driven deadline instead.
var httpClient = &http.Client{Timeout: 30 * time.Second}

// PostJSON sends a JSON-encoded POST request and optionally decodes the
// response.
//
// Parameters:
//   - ctx: Context for request cancellation and timeout
//   - url: Target URL for the POST request
//   - body: Data to be JSON-encoded as request body
//   - out: Optional pointer to decode response into (can be nil)
//
// Returns:
//   - error: Network errors, a *StatusError for non-2xx responses, or
//     JSON decode errors
func PostJSON(ctx context.Context, url string, body any, out any) error {
	return doJSON(ctx, httpClient, http.MethodPost, url, body, out)
}

// GetJSON sends a GET request and decodes the JSON response.
func GetJSON(ctx context.Context, url string, out any) error {
	return doJSON(ctx, httpClient, http.MethodGet, url, nil, out)
}

func doJSON(ctx context.Context, client *http.Client, method, url string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		reqBody, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(reqBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{URL: url, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
