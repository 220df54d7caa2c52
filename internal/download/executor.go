package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dreamware/imagesync/internal/artifact"
	"github.com/dreamware/imagesync/internal/clock"
	"github.com/dreamware/imagesync/internal/storage"
)

const (
	// DefaultReportInterval bounds how often progress reaches the sink.
	DefaultReportInterval = 10 * time.Second

	// DefaultLockPollInterval is the wait between lock attempts.
	DefaultLockPollInterval = time.Second

	copyBufferSize = 256 << 10
)

// FileSource hands out store handles. *storage.Store implements it.
type FileSource interface {
	File(a artifact.Artifact) storage.Handle
}

// Request is one artifact to bring onto this node.
type Request struct {
	Artifact artifact.Artifact `json:"artifact"`
	// Sources are tried in order, one per attempt, wrapping around.
	Sources []string `json:"sources"`
	// Proxy is an optional HTTP proxy URL for every source.
	Proxy string `json:"proxy,omitempty"`
}

// Validate rejects requests that no amount of retrying would fix.
func (r Request) Validate() error {
	if err := r.Artifact.Validate(); err != nil {
		return err
	}
	if len(r.Sources) == 0 {
		return fmt.Errorf("download %s: no sources", r.Artifact.Ref)
	}
	if r.Proxy != "" {
		if _, err := url.Parse(r.Proxy); err != nil {
			return fmt.Errorf("download %s: proxy: %w", r.Artifact.Ref, err)
		}
	}
	return nil
}

// Options configures an Executor. Zero values select defaults.
type Options struct {
	Client           *http.Client
	Clock            clock.Clock
	Policy           *RetryPolicy
	ReportInterval   time.Duration
	LockPollInterval time.Duration
	// LockWait bounds a single attempt's wait for the artifact lock.
	// Zero waits until the context is cancelled.
	LockWait time.Duration
	Logger   *slog.Logger
}

// Executor fetches artifacts into the local store.
type Executor struct {
	files            FileSource
	client           *http.Client
	clock            clock.Clock
	policy           RetryPolicy
	reportInterval   time.Duration
	lockPollInterval time.Duration
	lockWait         time.Duration
	logger           *slog.Logger
}

// New creates an Executor writing into files.
func New(files FileSource, opts Options) *Executor {
	e := &Executor{
		files:            files,
		client:           opts.Client,
		clock:            opts.Clock,
		policy:           DefaultRetryPolicy(),
		reportInterval:   opts.ReportInterval,
		lockPollInterval: opts.LockPollInterval,
		lockWait:         opts.LockWait,
		logger:           opts.Logger,
	}
	if e.client == nil {
		e.client = &http.Client{}
	}
	if e.clock == nil {
		e.clock = clock.Real()
	}
	if opts.Policy != nil {
		e.policy = *opts.Policy
	}
	if e.reportInterval <= 0 {
		e.reportInterval = DefaultReportInterval
	}
	if e.lockPollInterval <= 0 {
		e.lockPollInterval = DefaultLockPollInterval
	}
	if e.logger == nil {
		e.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return e
}

var errLockTimeout = errors.New("download: timed out waiting for artifact lock")

// Download brings req.Artifact into the store, retrying transient
// failures with backoff and cycling through the sources. It returns
// true once the artifact is committed and extracted.
//
// A full disk is not an error in the retry sense: the partial file is
// removed, zero progress is reported and Download returns false, nil.
// Every other final failure is returned as an error.
func (e *Executor) Download(ctx context.Context, req Request, sink ProgressSink, hb Heartbeat) (bool, error) {
	if err := req.Validate(); err != nil {
		return false, NonRetryable(err)
	}
	if hb == nil {
		hb = func() {}
	}
	progress := newProgressReporter(req.Artifact.LogicalIDs, sink, e.clock, e.reportInterval)
	defer progress.Close()

	logger := e.logger.With(
		"artifact", req.Artifact.Ref.String(),
		"fingerprint", req.Artifact.Fingerprint(),
	)

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		source := req.Sources[attempt%len(req.Sources)]
		err := e.attempt(ctx, req, source, progress, hb, logger)
		if err == nil {
			return true, nil
		}

		if storage.IsOutOfSpace(err) {
			progress.Flush(0)
			logger.Error("download aborted, disk full",
				"source", source,
				"error", err,
			)
			return false, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if !IsRetryable(err) || e.policy.Exhausted(attempt) {
			logger.Error("download failed",
				"source", source,
				"attempt", attempt+1,
				"error", err,
			)
			return false, err
		}

		delay := e.policy.Delay(attempt)
		logger.Warn("download attempt failed, retrying",
			"source", source,
			"attempt", attempt+1,
			"backoff", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-e.clock.After(delay):
		}
	}
}

func (e *Executor) attempt(ctx context.Context, req Request, source string, progress *progressReporter, hb Heartbeat, logger *slog.Logger) error {
	h := e.files.File(req.Artifact)
	if err := e.lock(ctx, h, hb); err != nil {
		return err
	}
	defer func() {
		if err := h.Unlock(); err != nil {
			logger.Warn("releasing artifact lock", "error", err)
		}
	}()
	if b, ok := h.(storage.Heartbeater); ok {
		b.SetHeartbeat(hb)
	}

	valid, err := h.Valid()
	if err != nil {
		return err
	}
	if valid {
		if err := h.Commit(); err != nil {
			return err
		}
		if err := e.extract(h, req.Artifact, logger); err != nil {
			return err
		}
		progress.Flush(req.Artifact.Size)
		logger.Debug("artifact already present")
		return nil
	}

	written, err := e.fetch(ctx, h, req, source, progress, hb)
	if err != nil {
		if storage.IsOutOfSpace(err) {
			if unlinkErr := h.Unlink(); unlinkErr != nil {
				logger.Warn("removing partial file", "error", unlinkErr)
			}
		}
		return err
	}

	if err := h.Commit(); err != nil {
		if errors.Is(err, storage.ErrInvalidChecksum) {
			if unlinkErr := h.Unlink(); unlinkErr != nil {
				logger.Warn("removing corrupt file", "error", unlinkErr)
			}
			return fmt.Errorf("%w: %s from %s: %w", ErrChecksum, req.Artifact.Ref, source, err)
		}
		return err
	}
	if err := e.extract(h, req.Artifact, logger); err != nil {
		return err
	}
	progress.Flush(req.Artifact.Size)
	logger.Info("artifact downloaded",
		"source", source,
		"transferred", humanize.IBytes(uint64(written)),
	)
	return nil
}

// lock polls TryLock, heartbeating between attempts.
func (e *Executor) lock(ctx context.Context, h storage.Handle, hb Heartbeat) error {
	start := e.clock.Now()
	for {
		ok, err := h.TryLock()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		hb()
		if e.lockWait > 0 && e.clock.Now().Sub(start) >= e.lockWait {
			return errLockTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.clock.After(e.lockPollInterval):
		}
	}
}

func (e *Executor) extract(h storage.Handle, a artifact.Artifact, logger *slog.Logger) error {
	for _, target := range a.ExtractPaths {
		if err := h.Extract(target); err != nil {
			return err
		}
		logger.Debug("artifact extracted", "target", target)
	}
	return nil
}

// fetch streams source into the partial file, resuming from the stored
// offset when the source honours range requests.
func (e *Executor) fetch(ctx context.Context, h storage.Handle, req Request, source string, progress *progressReporter, hb Heartbeat) (int64, error) {
	partial, err := h.OpenPartial()
	if err != nil {
		return 0, err
	}
	size := req.Artifact.Size
	if size > 0 && partial.Offset() >= size {
		// Fully written but not valid: start over.
		if err := partial.Reset(); err != nil {
			partial.Close()
			return 0, err
		}
	}

	written, copyErr := e.stream(ctx, partial, req, source, progress, hb)
	if err := partial.Close(); err != nil && copyErr == nil {
		copyErr = err
	}
	return written, copyErr
}

func (e *Executor) stream(ctx context.Context, partial storage.Partial, req Request, source string, progress *progressReporter, hb Heartbeat) (int64, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return 0, NonRetryable(fmt.Errorf("download: source %q: %w", source, err))
	}
	resume := partial.Offset()
	if resume > 0 {
		httpReq.Header.Set("Range", "bytes="+strconv.FormatInt(resume, 10)+"-")
	}

	client, err := e.clientFor(req.Proxy)
	if err != nil {
		return 0, NonRetryable(err)
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return 0, fmt.Errorf("download: GET %s: %w", source, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent && resume > 0:
	case resp.StatusCode == http.StatusOK:
		if resume > 0 {
			if err := partial.Reset(); err != nil {
				return 0, err
			}
		}
	default:
		return 0, fmt.Errorf("download: GET %s: unexpected status %s", source, resp.Status)
	}

	var written int64
	buf := make([]byte, copyBufferSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := partial.Write(buf[:n]); err != nil {
				return written, err
			}
			written += int64(n)
			hb()
			progress.Update(partial.Offset())
		}
		if errors.Is(readErr, io.EOF) {
			return written, nil
		}
		if readErr != nil {
			return written, fmt.Errorf("download: reading %s: %w", source, readErr)
		}
	}
}

func (e *Executor) clientFor(proxy string) (*http.Client, error) {
	if proxy == "" {
		return e.client, nil
	}
	proxyURL, err := url.Parse(proxy)
	if err != nil {
		return nil, fmt.Errorf("download: proxy %q: %w", proxy, err)
	}
	var transport *http.Transport
	if base, ok := e.client.Transport.(*http.Transport); ok {
		transport = base.Clone()
	} else {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	transport.Proxy = http.ProxyURL(proxyURL)
	client := *e.client
	client.Transport = transport
	return &client, nil
}
