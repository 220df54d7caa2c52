package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/imagesync/internal/artifact"
	"github.com/dreamware/imagesync/internal/checkpoint"
	"github.com/dreamware/imagesync/internal/clock"
	"github.com/dreamware/imagesync/internal/cluster"
	"github.com/dreamware/imagesync/internal/diskcheck"
	"github.com/dreamware/imagesync/internal/download"
)

var (
	// ErrInsufficientDisk aborts a run when a node fails admission, and a
	// task when a node runs out of space mid-download.
	ErrInsufficientDisk = errors.New("insufficient disk space")

	// ErrRunFailed wraps the terminal failure of a required task.
	ErrRunFailed = errors.New("sync run failed")

	// ErrSuperseded is returned by a run that a newer run replaced.
	ErrSuperseded = errors.New("sync run superseded")
)

// Run statuses stored in the checkpoint.
const (
	RunRunning    = "running"
	RunWaiting    = "waiting"
	RunSucceeded  = "succeeded"
	RunFailed     = "failed"
	RunSuperseded = "superseded"
)

const (
	DefaultMaxFanOutSources = 5
	DefaultBootloaderSlack  = 100 << 20
	DefaultMinFreeSpace     = 4 << 30
	DefaultDeleteAttempts   = 3
)

// Options configures an Orchestrator. Fleet, Catalog, Retention,
// Directory and Checkpoints are required; zero values elsewhere take
// defaults.
type Options struct {
	Fleet       Fleet
	Catalog     Catalog
	Retention   Retention
	Directory   *Directory
	Checkpoints *checkpoint.Store
	// Progress receives a zero report for the logical ids of every task
	// that ends without completing.
	Progress download.ProgressSink
	Clock    clock.Clock
	Logger   *slog.Logger

	PrimaryNode      string
	Proxy            string
	MaxFanOutSources int
	MinFreeSpace     int64
	// BootloaderSlack is added to the summed artifact sizes. Negative
	// disables it.
	BootloaderSlack int64
	DeleteAttempts  int

	CatalogTimeout   time.Duration
	DiskCheckTimeout time.Duration
	StatusTimeout    time.Duration
	DownloadTimeout  time.Duration
	DeleteTimeout    time.Duration
	Retry            download.RetryPolicy

	// Shuffle orders a fan-out candidate pool in place. The default is
	// deterministic in key.
	Shuffle func(key string, urls []string)
}

// RunReport summarizes one orchestration run.
type RunReport struct {
	ID            string              `json:"id"`
	Launched      []string            `json:"launched,omitempty"`
	Joined        []string            `json:"joined,omitempty"`
	Canceled      []string            `json:"canceled,omitempty"`
	Pruned        map[string][]string `json:"pruned,omitempty"`
	CleanupErrors []string            `json:"cleanup_errors,omitempty"`
}

type activeRun struct {
	id     string
	cancel context.CancelCauseFunc
}

// Orchestrator converges the fleet onto the catalog's desired set.
// Sync tasks outlive the run that launched them: they run on the
// orchestrator's own context until Close, and a later run that wants the
// same artifact joins the running task instead of starting another.
type Orchestrator struct {
	fleet     Fleet
	catalog   Catalog
	retention Retention
	dir       *Directory
	store     *checkpoint.Store
	progress  download.ProgressSink
	registry  *TaskRegistry
	clock     clock.Clock
	logger    *slog.Logger
	shuffle   func(key string, urls []string)
	retry     download.RetryPolicy

	primary         string
	proxy           string
	maxFanOut       int
	minFree         int64
	slack           int64
	deleteAttempts  int
	catalogTimeout  time.Duration
	diskTimeout     time.Duration
	statusTimeout   time.Duration
	downloadTimeout time.Duration
	deleteTimeout   time.Duration

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu      sync.Mutex
	changed chan struct{}
	current *activeRun
	lastGen map[string]uint64
}

// New returns an orchestrator. Call Close to stop its tasks.
func New(opts Options) (*Orchestrator, error) {
	var missing []string
	if opts.Fleet == nil {
		missing = append(missing, "fleet")
	}
	if opts.Catalog == nil {
		missing = append(missing, "catalog")
	}
	if opts.Retention == nil {
		missing = append(missing, "retention")
	}
	if opts.Directory == nil {
		missing = append(missing, "directory")
	}
	if opts.Checkpoints == nil {
		missing = append(missing, "checkpoints")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("coordinator: missing %s", strings.Join(missing, ", "))
	}

	o := &Orchestrator{
		fleet:           opts.Fleet,
		catalog:         opts.Catalog,
		retention:       opts.Retention,
		dir:             opts.Directory,
		store:           opts.Checkpoints,
		progress:        opts.Progress,
		registry:        NewTaskRegistry(),
		clock:           opts.Clock,
		logger:          opts.Logger,
		shuffle:         opts.Shuffle,
		retry:           opts.Retry,
		primary:         opts.PrimaryNode,
		proxy:           opts.Proxy,
		maxFanOut:       opts.MaxFanOutSources,
		minFree:         opts.MinFreeSpace,
		slack:           opts.BootloaderSlack,
		deleteAttempts:  opts.DeleteAttempts,
		catalogTimeout:  durationOr(opts.CatalogTimeout, 30*time.Second),
		diskTimeout:     durationOr(opts.DiskCheckTimeout, 30*time.Second),
		statusTimeout:   durationOr(opts.StatusTimeout, 30*time.Second),
		downloadTimeout: durationOr(opts.DownloadTimeout, 2*time.Hour),
		deleteTimeout:   durationOr(opts.DeleteTimeout, 15*time.Minute),
		changed:         make(chan struct{}),
		lastGen:         make(map[string]uint64),
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}
	if o.logger == nil {
		o.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.shuffle == nil {
		o.shuffle = seededShuffle
	}
	if o.retry == (download.RetryPolicy{}) {
		o.retry = download.DefaultRetryPolicy()
	}
	if o.maxFanOut <= 0 {
		o.maxFanOut = DefaultMaxFanOutSources
	}
	if o.minFree <= 0 {
		o.minFree = DefaultMinFreeSpace
	}
	switch {
	case o.slack == 0:
		o.slack = DefaultBootloaderSlack
	case o.slack < 0:
		o.slack = 0
	}
	if o.deleteAttempts <= 0 {
		o.deleteAttempts = DefaultDeleteAttempts
	}
	o.base, o.stop = context.WithCancel(context.Background())
	return o, nil
}

func durationOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Close stops every task and waits for them. Interrupted tasks keep
// their checkpoint and are picked up by Resume on the next start.
func (o *Orchestrator) Close() {
	o.stop()
	o.wg.Wait()
}

// Tasks lists the active sync tasks.
func (o *Orchestrator) Tasks() []TaskInfo {
	return o.registry.List()
}

// Run performs one orchestration run: fetch the desired set, resolve
// endpoints, admit every node on disk space, cancel tasks for artifacts
// no longer wanted, launch or join a task per artifact, wait for all of
// them, then finalize retention and prune nodes. Starting a run
// supersedes any run still waiting.
func (o *Orchestrator) Run(ctx context.Context) (*RunReport, error) {
	id := uuid.NewString()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	o.beginRun(id, cancel)
	defer o.endRun(id)

	logger := o.logger.With("run_id", id)
	logger.Info("sync run started")
	now := o.clock.Now().Unix()
	rec := checkpoint.RunRecord{ID: id, Status: RunRunning, CreatedAt: now, UpdatedAt: now}
	report := &RunReport{ID: id}

	desired, err := o.desired(ctx)
	if err != nil {
		return report, o.failRun(ctx, &rec, fmt.Errorf("catalog: %w", err))
	}
	rec.Desired = desired

	if err := CheckEndpoints(o.dir.Resolve()); err != nil {
		return report, o.failRun(ctx, &rec, err)
	}
	if err := o.admit(ctx, desired); err != nil {
		return report, o.failRun(ctx, &rec, err)
	}

	rec.StartSeq, err = o.store.LastSeq(ctx)
	if err != nil {
		return report, o.failRun(ctx, &rec, err)
	}
	if err := o.saveRun(ctx, &rec, RunRunning); err != nil {
		return report, o.failRun(ctx, &rec, err)
	}

	var wanted []string
	for fp := range desired.Fingerprints() {
		wanted = append(wanted, fp)
	}
	for _, task := range o.registry.CancelObsolete(wanted) {
		logger.Info("canceling obsolete sync task", "fingerprint", task.Fingerprint, "filename", task.Filename)
		report.Canceled = append(report.Canceled, task.Fingerprint)
	}

	return report, o.converge(ctx, &rec, report, logger)
}

// Resume relaunches every task left unfinished by a previous process and,
// when the latest run was still in flight, finishes it. Unfinished tasks
// the latest run no longer wants are recorded as superseded.
func (o *Orchestrator) Resume(ctx context.Context) (*RunReport, error) {
	latest, err := o.store.LatestRun(ctx)
	hasRun := err == nil
	if err != nil && !errors.Is(err, checkpoint.ErrNotFound) {
		return nil, err
	}
	var wanted []string
	if hasRun {
		for fp := range latest.Desired.Fingerprints() {
			wanted = append(wanted, fp)
		}
	}

	tasks, err := o.store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range tasks {
		if TaskState(rec.State).Terminal() {
			continue
		}
		if hasRun && !fingerprintWanted(rec.Fingerprint, wanted) {
			o.abandon(ctx, rec)
			continue
		}
		o.resumeTask(rec)
	}

	if !hasRun || (latest.Status != RunRunning && latest.Status != RunWaiting) {
		return nil, nil
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	o.beginRun(latest.ID, cancel)
	defer o.endRun(latest.ID)

	logger := o.logger.With("run_id", latest.ID)
	logger.Info("resuming sync run", "start_seq", latest.StartSeq)
	report := &RunReport{ID: latest.ID}
	return report, o.converge(ctx, &latest, report, logger)
}

// converge launches what the run still needs, waits for it and cleans up.
func (o *Orchestrator) converge(ctx context.Context, rec *checkpoint.RunRecord, report *RunReport, logger *slog.Logger) error {
	completed, err := o.completedSince(ctx, rec.StartSeq)
	if err != nil {
		return o.failRun(ctx, rec, err)
	}
	generations := make(map[string]uint64, len(rec.Desired.Resources))
	for _, res := range rec.Desired.Resources {
		if completed[res.Fingerprint()] {
			continue
		}
		gen, launched, err := o.launch(ctx, res)
		if err != nil {
			return o.failRun(ctx, rec, err)
		}
		generations[res.Fingerprint()] = gen
		if launched {
			report.Launched = append(report.Launched, res.Fingerprint())
		} else {
			report.Joined = append(report.Joined, res.Fingerprint())
		}
	}
	logger.Info("waiting for sync tasks", "launched", len(report.Launched), "joined", len(report.Joined))
	if err := o.saveRun(ctx, rec, RunWaiting); err != nil {
		return o.failRun(ctx, rec, err)
	}

	if err := o.await(ctx, rec, generations); err != nil {
		return o.failRun(ctx, rec, err)
	}
	o.cleanup(ctx, rec.Desired, report, logger)
	if err := o.saveRun(ctx, rec, RunSucceeded); err != nil {
		logger.Error("checkpoint write failed", "error", err)
	}
	logger.Info("sync run finished")
	return nil
}

func (o *Orchestrator) beginRun(id string, cancel context.CancelCauseFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil {
		o.logger.Info("superseding sync run", "run_id", o.current.id, "by", id)
		o.current.cancel(ErrSuperseded)
	}
	o.current = &activeRun{id: id, cancel: cancel}
}

func (o *Orchestrator) endRun(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil && o.current.id == id {
		o.current = nil
	}
}

func (o *Orchestrator) saveRun(ctx context.Context, rec *checkpoint.RunRecord, status string) error {
	rec.Status = status
	rec.UpdatedAt = o.clock.Now().Unix()
	return o.store.SaveRun(context.WithoutCancel(ctx), *rec)
}

// failRun records the end of a run that did not converge. A run whose
// context was superseded reports ErrSuperseded regardless of err.
func (o *Orchestrator) failRun(ctx context.Context, rec *checkpoint.RunRecord, err error) error {
	status := RunFailed
	if errors.Is(context.Cause(ctx), ErrSuperseded) {
		status = RunSuperseded
		err = ErrSuperseded
	}
	rec.Error = err.Error()
	if serr := o.saveRun(ctx, rec, status); serr != nil {
		o.logger.Error("checkpoint write failed", "run_id", rec.ID, "error", serr)
	}
	o.logger.Warn("sync run ended", "run_id", rec.ID, "status", status, "error", err)
	return err
}

func (o *Orchestrator) desired(ctx context.Context) (artifact.DesiredSet, error) {
	ctx, cancel := context.WithTimeout(ctx, o.catalogTimeout)
	defer cancel()
	desired, err := o.catalog.Desired(ctx)
	if err != nil {
		return desired, err
	}
	if err := desired.Validate(); err != nil {
		return desired, download.NonRetryable(err)
	}
	return desired, nil
}

// Requirement returns the disk space each node must exceed for desired.
func (o *Orchestrator) Requirement(desired artifact.DesiredSet) diskcheck.Requirement {
	if total, known := desired.TotalSize(); known && total > 0 {
		return diskcheck.Requirement{TotalResourcesSize: total + o.slack}
	}
	return diskcheck.Requirement{MinFreeSpace: o.minFree}
}

// admit runs the disk check on every node in parallel. Any failure,
// including an unreachable node, rejects the run.
func (o *Orchestrator) admit(ctx context.Context, desired artifact.DesiredSet) error {
	if len(desired.Resources) == 0 {
		return nil
	}
	req := o.Requirement(desired)
	nodes := o.dir.Nodes()
	errs := make([]error, len(nodes))
	var wg sync.WaitGroup
	for i, node := range nodes {
		wg.Add(1)
		go func(i int, node cluster.NodeInfo) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, o.diskTimeout)
			defer cancel()
			res, err := o.fleet.CheckDisk(cctx, node, req)
			switch {
			case err != nil:
				errs[i] = fmt.Errorf("disk check on %s: %w", node.ID, err)
			case !res.OK:
				errs[i] = fmt.Errorf("%w on %s: %s", ErrInsufficientDisk, node.ID, res.Message)
			}
		}(i, node)
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return download.NonRetryable(err)
	}
	return nil
}

// completedSince returns the fingerprints that finished successfully
// after seq.
func (o *Orchestrator) completedSince(ctx context.Context, seq int64) (map[string]bool, error) {
	entries, err := o.store.CompletionsAfter(ctx, seq)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(entries))
	for _, c := range entries {
		if c.Outcome == checkpoint.OutcomeDone {
			done[c.Fingerprint] = true
		}
	}
	return done, nil
}

// await blocks until every fingerprint of the run has a successful
// completion logged after the run started, or any of them ended
// otherwise. Completions of generations older than the task the run
// launched or joined are ignored.
func (o *Orchestrator) await(ctx context.Context, rec *checkpoint.RunRecord, generations map[string]uint64) error {
	want := rec.Desired.Fingerprints()
	for {
		changed := o.changes()
		entries, err := o.store.CompletionsAfter(ctx, rec.StartSeq)
		if err != nil {
			return err
		}
		done := make(map[string]bool, len(want))
		for _, c := range entries {
			if _, ok := want[c.Fingerprint]; !ok || c.Generation < generations[c.Fingerprint] {
				continue
			}
			switch c.Outcome {
			case checkpoint.OutcomeDone:
				done[c.Fingerprint] = true
			case checkpoint.OutcomeFailed:
				return download.NonRetryable(fmt.Errorf("%w: task %s: %s", ErrRunFailed, c.Fingerprint, c.Error))
			case checkpoint.OutcomeSuperseded:
				return download.NonRetryable(fmt.Errorf("%w: task %s was canceled", ErrRunFailed, c.Fingerprint))
			}
		}
		if len(done) == len(want) {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}

func (o *Orchestrator) changes() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.changed
}

func (o *Orchestrator) notify() {
	o.mu.Lock()
	defer o.mu.Unlock()
	close(o.changed)
	o.changed = make(chan struct{})
}

// cleanup finalizes retention exactly once and prunes every node. Its
// failures are reported but never undo the sync.
func (o *Orchestrator) cleanup(ctx context.Context, desired artifact.DesiredSet, report *RunReport, logger *slog.Logger) {
	if err := o.retention.Finalize(ctx, desired.RetainedIDs); err != nil {
		logger.Error("retention finalize failed", "error", err)
		report.CleanupErrors = append(report.CleanupErrors, err.Error())
	}

	expected := desired.Filenames()
	nodes := o.dir.Nodes()
	removed := make([][]string, len(nodes))
	errs := make([]error, len(nodes))
	var wg sync.WaitGroup
	for i, node := range nodes {
		wg.Add(1)
		go func(i int, node cluster.NodeInfo) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, o.deleteTimeout)
			defer cancel()
			removed[i], errs[i] = o.fleet.Prune(pctx, node, expected)
		}(i, node)
	}
	wg.Wait()
	for i, node := range nodes {
		if errs[i] != nil {
			logger.Warn("prune failed", "node_id", node.ID, "error", errs[i])
			report.CleanupErrors = append(report.CleanupErrors, fmt.Sprintf("prune %s: %v", node.ID, errs[i]))
			continue
		}
		if len(removed[i]) == 0 {
			continue
		}
		if report.Pruned == nil {
			report.Pruned = make(map[string][]string)
		}
		report.Pruned[node.ID] = removed[i]
		logger.Info("pruned stale artifacts", "node_id", node.ID, "removed", removed[i])
	}
}

// launch starts a task for res unless a live one already holds its
// fingerprint. It returns the generation of the task now syncing res and
// whether that task was started by this call.
func (o *Orchestrator) launch(ctx context.Context, res artifact.Resource) (uint64, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	fp := res.Fingerprint()
	if info, ok := o.registry.Get(fp); ok && !info.Canceled {
		return info.Generation, false, nil
	}
	gen, err := o.nextGeneration(ctx, fp)
	if err != nil {
		return 0, false, err
	}

	now := o.clock.Now()
	tctx, cancel := context.WithCancelCause(o.base)
	slot, ok := o.registry.Add(TaskInfo{
		Fingerprint: fp,
		Filename:    res.Filename,
		Generation:  gen,
		State:       StateScheduled,
		StartedAt:   now,
	}, cancel)
	if !ok {
		cancel(nil)
		info, _ := o.registry.Get(fp)
		return info.Generation, false, nil
	}
	rec := checkpoint.TaskRecord{
		Fingerprint: fp,
		Generation:  gen,
		State:       string(StateScheduled),
		Resource:    res,
		CreatedAt:   now.Unix(),
		UpdatedAt:   now.Unix(),
	}
	if err := o.store.SaveTask(ctx, rec); err != nil {
		cancel(nil)
		o.registry.Finish(slot)
		return 0, false, err
	}
	o.lastGen[fp] = gen
	o.start(tctx, cancel, rec, slot)
	return gen, true, nil
}

func (o *Orchestrator) nextGeneration(ctx context.Context, fp string) (uint64, error) {
	gen := o.lastGen[fp]
	rec, err := o.store.LoadTask(ctx, fp)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
	case err != nil:
		return 0, err
	case rec.Generation > gen:
		gen = rec.Generation
	}
	return gen + 1, nil
}

func (o *Orchestrator) resumeTask(rec checkpoint.TaskRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()

	tctx, cancel := context.WithCancelCause(o.base)
	slot, ok := o.registry.Add(TaskInfo{
		Fingerprint: rec.Fingerprint,
		Filename:    rec.Resource.Filename,
		Generation:  rec.Generation,
		State:       TaskState(rec.State),
		PrimaryNode: rec.PrimaryNode,
		StartedAt:   time.Unix(rec.CreatedAt, 0),
	}, cancel)
	if !ok {
		cancel(nil)
		return
	}
	if rec.Generation > o.lastGen[rec.Fingerprint] {
		o.lastGen[rec.Fingerprint] = rec.Generation
	}
	o.logger.Info("resuming sync task", "fingerprint", rec.Fingerprint, "generation", rec.Generation, "state", rec.State)
	o.start(tctx, cancel, rec, slot)
}

// abandon records an unfinished task from a previous process as
// superseded without running it.
func (o *Orchestrator) abandon(ctx context.Context, rec checkpoint.TaskRecord) {
	rec.State = string(StateSuperseded)
	rec.UpdatedAt = o.clock.Now().Unix()
	if err := o.store.SaveTask(ctx, rec); err != nil {
		o.logger.Error("checkpoint write failed", "fingerprint", rec.Fingerprint, "error", err)
	}
	o.complete(rec, checkpoint.OutcomeSuperseded, nil)
}

func (o *Orchestrator) start(ctx context.Context, cancel context.CancelCauseFunc, rec checkpoint.TaskRecord, slot *Slot) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel(nil)

		t := &syncTask{
			o:    o,
			rec:  rec,
			slot: slot,
			logger: o.logger.With(
				"fingerprint", rec.Fingerprint,
				"generation", rec.Generation,
				"filename", rec.Resource.Filename),
		}
		outcome, err := t.run(ctx)

		// A run that reads the completion log and then joins this task
		// must either see the completion or not find the task.
		o.mu.Lock()
		if outcome != "" {
			o.complete(t.rec, outcome, err)
		}
		o.registry.Finish(slot)
		o.mu.Unlock()
		o.notify()
	}()
}

// complete appends the task's completion to the log.
func (o *Orchestrator) complete(rec checkpoint.TaskRecord, outcome checkpoint.Outcome, err error) {
	c := checkpoint.Completion{
		Fingerprint: rec.Fingerprint,
		Generation:  rec.Generation,
		Outcome:     outcome,
		At:          o.clock.Now().Unix(),
	}
	if err != nil {
		c.Error = err.Error()
	}
	if _, err := o.store.AppendCompletion(context.Background(), c); err != nil {
		o.logger.Error("completion log write failed", "fingerprint", rec.Fingerprint, "error", err)
	}
	if outcome != checkpoint.OutcomeDone && o.progress != nil {
		o.progress.Report(rec.Resource.LogicalIDs, 0)
	}
}

// Retire deletes refs from every node. Any task still syncing one of
// them is canceled first. Each node gets DeleteAttempts tries with the
// retry policy's backoff in between.
func (o *Orchestrator) Retire(ctx context.Context, refs []artifact.Ref) error {
	var errs []error
	for _, ref := range refs {
		if err := ref.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return download.NonRetryable(err)
	}
	for _, ref := range refs {
		if o.registry.Cancel(ref.Fingerprint(), ErrTaskSuperseded) {
			o.logger.Info("canceled sync task for retired artifact", "artifact", ref.String())
		}
	}

	nodes := o.dir.Nodes()
	errs = make([]error, len(nodes))
	var wg sync.WaitGroup
	for i, node := range nodes {
		wg.Add(1)
		go func(i int, node cluster.NodeInfo) {
			defer wg.Done()
			errs[i] = o.retireOn(ctx, node, refs)
		}(i, node)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (o *Orchestrator) retireOn(ctx context.Context, node cluster.NodeInfo, refs []artifact.Ref) error {
	var err error
	for attempt := 0; attempt < o.deleteAttempts; attempt++ {
		dctx, cancel := context.WithTimeout(ctx, o.deleteTimeout)
		err = o.fleet.Delete(dctx, node, refs)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !download.IsRetryable(err) || cluster.IsClientError(err) {
			break
		}
		if attempt+1 == o.deleteAttempts {
			break
		}
		delay := o.retry.Delay(attempt)
		o.logger.Warn("delete failed, retrying", "node_id", node.ID, "attempt", attempt+1, "backoff", delay, "error", err)
		select {
		case <-o.clock.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("delete on %s: %w", node.ID, ctx.Err())
		}
	}
	return fmt.Errorf("delete on %s: %w", node.ID, err)
}
