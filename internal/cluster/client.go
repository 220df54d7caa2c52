package cluster

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/dreamware/imagesync/internal/artifact"
	"github.com/dreamware/imagesync/internal/clock"
	"github.com/dreamware/imagesync/internal/diskcheck"
	"github.com/dreamware/imagesync/internal/download"
)

// DefaultHeartbeatTimeout is how long a download stream may stay silent
// before the coordinator gives up on it.
const DefaultHeartbeatTimeout = 10 * time.Second

// ErrHeartbeatTimeout is returned when a node stops sending heartbeats
// during a download.
var ErrHeartbeatTimeout = errors.New("cluster: download heartbeat timed out")

// Client dispatches leaf work to nodes over their HTTP API.
type Client struct {
	http             *http.Client
	clock            clock.Clock
	heartbeatTimeout time.Duration
	logger           *slog.Logger
}

// NewClient returns a Client. Zero values select defaults. The HTTP
// client must not carry an overall timeout: downloads run for hours and
// are bounded by heartbeats and the caller's context instead.
func NewClient(hc *http.Client, clk clock.Clock, heartbeatTimeout time.Duration, logger *slog.Logger) *Client {
	if hc == nil {
		hc = &http.Client{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = DefaultHeartbeatTimeout
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{http: hc, clock: clk, heartbeatTimeout: heartbeatTimeout, logger: logger}
}

// CheckDisk runs the admission check on node.
func (c *Client) CheckDisk(ctx context.Context, node NodeInfo, req diskcheck.Requirement) (diskcheck.Result, error) {
	var res diskcheck.Result
	err := doJSON(ctx, c.http, http.MethodPost, node.Addr+"/disk/check", req, &res)
	return res, err
}

// Valid asks node whether it holds a verified copy of a.
func (c *Client) Valid(ctx context.Context, node NodeInfo, a artifact.Artifact) (bool, error) {
	q := url.Values{}
	q.Set("sha256", a.SHA256)
	q.Set("filename", a.Filename)
	q.Set("size", fmt.Sprint(a.Size))
	var res StatusResponse
	if err := doJSON(ctx, c.http, http.MethodGet, node.Addr+"/artifacts/status?"+q.Encode(), nil, &res); err != nil {
		return false, err
	}
	return res.Valid, nil
}

// Delete removes artifacts from node.
func (c *Client) Delete(ctx context.Context, node NodeInfo, refs []artifact.Ref) error {
	return doJSON(ctx, c.http, http.MethodPost, node.Addr+"/artifacts/delete", DeleteRequest{Files: refs}, nil)
}

// Prune removes every artifact on node whose filename is not expected.
func (c *Client) Prune(ctx context.Context, node NodeInfo, expected []string) ([]string, error) {
	var res PruneResponse
	err := doJSON(ctx, c.http, http.MethodPost, node.Addr+"/artifacts/prune", PruneRequest{Expected: expected}, &res)
	return res.Removed, err
}

// Download runs the download executor on node and waits for its
// verdict. The node streams heartbeats while it works; if none arrives
// within the heartbeat timeout the request is abandoned with
// ErrHeartbeatTimeout. The result follows download.Executor.Download,
// with non-retryable failures on the node still classified as such.
func (c *Client) Download(ctx context.Context, node NodeInfo, req DownloadRequest) (bool, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return false, download.NonRetryable(err)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, node.Addr+"/download", bytes.NewReader(body))
	if err != nil {
		return false, download.NonRetryable(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("cluster: download on %s: %w", node.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		serr := &StatusError{URL: node.Addr + "/download", StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(msg))}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return false, download.NonRetryable(serr)
		}
		return false, serr
	}

	events := make(chan DownloadEvent)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			var ev DownloadEvent
			if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
				readErr <- fmt.Errorf("cluster: decoding download event: %w", err)
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			readErr <- err
			return
		}
		readErr <- io.ErrUnexpectedEOF
	}()

	for {
		select {
		case ev := <-events:
			if !ev.Done {
				continue
			}
			switch {
			case ev.OK:
				return true, nil
			case ev.Error == "":
				return false, nil
			case ev.NonRetryable:
				return false, download.NonRetryable(fmt.Errorf("node %s: %s", node.ID, ev.Error))
			default:
				return false, fmt.Errorf("node %s: %s", node.ID, ev.Error)
			}
		case err := <-readErr:
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, fmt.Errorf("cluster: download stream from %s ended: %w", node.ID, err)
		case <-c.clock.After(c.heartbeatTimeout):
			c.logger.Warn("download stream silent, abandoning",
				"node_id", node.ID,
				"artifact", req.Artifact.Ref.String(),
				"timeout", c.heartbeatTimeout,
			)
			return false, fmt.Errorf("%w: node %s after %s", ErrHeartbeatTimeout, node.ID, c.heartbeatTimeout)
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}
