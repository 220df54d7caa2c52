package cluster

import (
	"context"
	"io"
	"log/slog"
	"time"
)

const progressPostTimeout = 5 * time.Second

// ProgressReporter forwards executor progress to the coordinator. It
// implements download.ProgressSink; every report is posted from its own
// goroutine and failures are only logged.
type ProgressReporter struct {
	url    string
	nodeID string
	logger *slog.Logger
}

// NewProgressReporter posts to coordinatorAddr + "/progress".
func NewProgressReporter(coordinatorAddr, nodeID string, logger *slog.Logger) *ProgressReporter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ProgressReporter{url: coordinatorAddr + "/progress", nodeID: nodeID, logger: logger}
}

// Report posts one progress value without waiting for the reply.
func (p *ProgressReporter) Report(ids []string, size int64) {
	report := ProgressReport{NodeID: p.nodeID, LogicalIDs: ids, Size: size}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), progressPostTimeout)
		defer cancel()
		if err := PostJSON(ctx, p.url, report, nil); err != nil {
			p.logger.Debug("progress report dropped", "error", err, "size", size)
		}
	}()
}
