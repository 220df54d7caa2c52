package coordinator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/imagesync/internal/artifact"
	"github.com/dreamware/imagesync/internal/checkpoint"
	"github.com/dreamware/imagesync/internal/clock"
	"github.com/dreamware/imagesync/internal/cluster"
	"github.com/dreamware/imagesync/internal/diskcheck"
	"github.com/dreamware/imagesync/internal/download"
)

var threeNodes = []string{"rack-1", "rack-2", "rack-3"}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fleet, catalog, retention, directory, checkpoints")
}

// TestRunConvergesFleet verifies a fresh artifact lands on the primary
// from upstream and on every other node from the primary.
func TestRunConvergesFleet(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, threeNodes, nil)
	res := resource(hashA, "boot-kernel", 50)
	h.catalog.set(artifact.DesiredSet{Resources: []artifact.Resource{res}, RetainedIDs: []string{"ubuntu/noble"}})

	report, err := h.o.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{fpA}, report.Launched)
	assert.Empty(t, report.Joined)

	primary := h.fleet.downloadsFor("rack-1")
	require.Len(t, primary, 1)
	assert.Equal(t, res.Sources, primary[0].Sources)
	assert.Equal(t, res.Artifact, primary[0].Artifact)

	for _, id := range []string{"rack-2", "rack-3"} {
		got := h.fleet.downloadsFor(id)
		require.Len(t, got, 1, id)
		assert.Equal(t, []string{peerURL("rack-1", "boot-kernel")}, got[0].Sources)
		assert.Empty(t, got[0].Proxy)
	}

	assert.Equal(t, [][]string{{"ubuntu/noble"}}, h.retention.Calls())
	for _, id := range threeNodes {
		assert.Equal(t, []string{"boot-kernel"}, h.fleet.prunes[id])
	}

	rec, err := h.store.LoadTask(ctx, fpA)
	require.NoError(t, err)
	assert.Equal(t, string(StateDone), rec.State)
	assert.Equal(t, "rack-1", rec.PrimaryNode)
	assert.Len(t, rec.Candidates, 2)

	run, err := h.store.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, report.ID, run.ID)
	assert.Equal(t, RunSucceeded, run.Status)

	assert.Eventually(t, func() bool { return len(h.o.Tasks()) == 0 }, 5*time.Second, time.Millisecond)
}

func TestRunSingleNodeSkipsFanOut(t *testing.T) {
	h := newHarness(t, []string{"rack-1"}, nil)
	h.catalog.set(artifact.DesiredSet{Resources: []artifact.Resource{resource(hashA, "boot-kernel", 50)}})

	_, err := h.o.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, h.fleet.downloadsFor("rack-1"), 1)

	rec, err := h.store.LoadTask(context.Background(), fpA)
	require.NoError(t, err)
	assert.Empty(t, rec.Candidates)
}

// TestRunSingleNodeIgnoresStatus verifies a lone node is done after the
// primary download even when its status query comes back empty.
func TestRunSingleNodeIgnoresStatus(t *testing.T) {
	h := newHarness(t, []string{"rack-1"}, nil)
	h.fleet.noStatus = true
	h.catalog.set(artifact.DesiredSet{Resources: []artifact.Resource{resource(hashA, "boot-kernel", 50)}})

	_, err := h.o.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, h.fleet.downloadsFor("rack-1"), 1)

	rec, err := h.store.LoadTask(context.Background(), fpA)
	require.NoError(t, err)
	assert.Equal(t, string(StateDone), rec.State)
}

func TestRunUsesConfiguredPrimary(t *testing.T) {
	h := newHarness(t, threeNodes, func(o *Options) {
		o.PrimaryNode = "rack-2"
		o.Proxy = "http://proxy:3128"
	})
	res := resource(hashA, "boot-kernel", 50)
	h.catalog.set(artifact.DesiredSet{Resources: []artifact.Resource{res}})

	_, err := h.o.Run(context.Background())
	require.NoError(t, err)

	primary := h.fleet.downloadsFor("rack-2")
	require.Len(t, primary, 1)
	assert.Equal(t, res.Sources, primary[0].Sources)
	assert.Equal(t, "http://proxy:3128", primary[0].Proxy)
	for _, id := range []string{"rack-1", "rack-3"} {
		got := h.fleet.downloadsFor(id)
		require.Len(t, got, 1)
		assert.Equal(t, []string{peerURL("rack-2", "boot-kernel")}, got[0].Sources)
	}
}

func TestRunFallsBackWhenPrimaryUnregistered(t *testing.T) {
	h := newHarness(t, []string{"rack-2", "rack-1"}, func(o *Options) { o.PrimaryNode = "rack-9" })
	h.catalog.set(artifact.DesiredSet{Resources: []artifact.Resource{resource(hashA, "boot-kernel", 50)}})

	_, err := h.o.Run(context.Background())
	require.NoError(t, err)
	got := h.fleet.downloadsFor("rack-1")
	require.Len(t, got, 1)
	assert.Equal(t, []string{"http://images.example.com/boot-kernel"}, got[0].Sources)
}

// TestRunJoinsRunningTask verifies a second run for the same artifact
// supersedes the first run but not its task, and no second download is
// started.
func TestRunJoinsRunningTask(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, threeNodes, nil)
	gate := h.fleet.gate(hashA)
	h.catalog.set(artifact.DesiredSet{Resources: []artifact.Resource{resource(hashA, "boot-kernel", 50)}})

	first := make(chan error, 1)
	go func() {
		_, err := h.o.Run(ctx)
		first <- err
	}()
	waitStarted(t, h.fleet, "rack-1/boot-kernel")

	type result struct {
		report *RunReport
		err    error
	}
	second := make(chan result, 1)
	go func() {
		report, err := h.o.Run(ctx)
		second <- result{report, err}
	}()

	select {
	case err := <-first:
		assert.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(5 * time.Second):
		t.Fatal("first run was not superseded")
	}

	close(gate)
	select {
	case r := <-second:
		require.NoError(t, r.err)
		assert.Equal(t, []string{fpA}, r.report.Joined)
		assert.Empty(t, r.report.Launched)
	case <-time.After(5 * time.Second):
		t.Fatal("second run never finished")
	}
	assert.Len(t, h.fleet.downloadsFor("rack-1"), 1)
	assert.Len(t, h.retention.Calls(), 1)
}

// TestRunCancelsObsoleteTasks verifies an artifact dropped from the
// desired set has its task canceled and no new work scheduled.
func TestRunCancelsObsoleteTasks(t *testing.T) {
	ctx := context.Background()
	progress := NewProgressTable(nil)
	h := newHarness(t, threeNodes, func(o *Options) { o.Progress = progress })
	h.fleet.gate(hashA)
	res := resource(hashA, "boot-kernel", 50)
	h.catalog.set(artifact.DesiredSet{Resources: []artifact.Resource{res}})
	progress.Record(cluster.ProgressReport{NodeID: "rack-1", LogicalIDs: res.LogicalIDs, Size: 10})

	first := make(chan error, 1)
	go func() {
		_, err := h.o.Run(ctx)
		first <- err
	}()
	waitStarted(t, h.fleet, "rack-1/boot-kernel")

	h.catalog.set(artifact.DesiredSet{RetainedIDs: []string{"ubuntu/jammy"}})
	report, err := h.o.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{fpA}, report.Canceled)
	assert.ErrorIs(t, <-first, ErrSuperseded)

	require.Eventually(t, func() bool { return len(h.o.Tasks()) == 0 }, 5*time.Second, time.Millisecond)
	rec, err := h.store.LoadTask(ctx, fpA)
	require.NoError(t, err)
	assert.Equal(t, string(StateSuperseded), rec.State)

	assert.Len(t, h.fleet.downloadsFor("rack-1"), 1)
	assert.Empty(t, h.fleet.downloadsFor("rack-2"))
	assert.Equal(t, [][]string{{"ubuntu/jammy"}}, h.retention.Calls())
	assert.Equal(t, int64(0), progress.Snapshot()[res.LogicalIDs[0]]["rack-1"].Size)
}

// TestRunRelaunchesAfterCancel verifies an artifact dropped and then
// wanted again gets a new generation once the canceled task winds down.
func TestRunRelaunchesAfterCancel(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []string{"rack-1"}, nil)
	gate := h.fleet.gate(hashA)
	desired := artifact.DesiredSet{Resources: []artifact.Resource{resource(hashA, "boot-kernel", 50)}}
	h.catalog.set(desired)

	first := make(chan error, 1)
	go func() {
		_, err := h.o.Run(ctx)
		first <- err
	}()
	waitStarted(t, h.fleet, "rack-1/boot-kernel")

	h.catalog.set(artifact.DesiredSet{})
	_, err := h.o.Run(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, <-first, ErrSuperseded)

	close(gate)
	h.catalog.set(desired)
	report, err := h.o.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{fpA}, report.Launched)

	rec, err := h.store.LoadTask(ctx, fpA)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Generation)
	assert.Equal(t, string(StateDone), rec.State)
}

func TestRunRejectsInsufficientDisk(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, threeNodes, nil)
	h.fleet.disk["rack-2"] = diskcheck.Result{OK: false, Free: 10, Required: 104857650, Message: "10 B available, 100 MiB required"}
	h.catalog.set(artifact.DesiredSet{Resources: []artifact.Resource{resource(hashA, "boot-kernel", 50)}})

	_, err := h.o.Run(ctx)
	require.ErrorIs(t, err, ErrInsufficientDisk)
	assert.False(t, download.IsRetryable(err))
	assert.Contains(t, err.Error(), "rack-2")

	assert.Empty(t, h.fleet.downloadsFor("rack-1"))
	assert.Empty(t, h.retention.Calls())
	assert.Empty(t, h.o.Tasks())
	run, err := h.store.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, run.Status)
}

func TestRunRejectsUnreachableDiskCheck(t *testing.T) {
	h := newHarness(t, []string{"rack-1"}, func(o *Options) {
		o.Fleet = &diskErrFleet{fakeFleet: newFakeFleet()}
	})
	h.catalog.set(artifact.DesiredSet{Resources: []artifact.Resource{resource(hashA, "boot-kernel", 50)}})
	_, err := h.o.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk check on rack-1")
}

type diskErrFleet struct {
	*fakeFleet
}

func (f *diskErrFleet) CheckDisk(context.Context, cluster.NodeInfo, diskcheck.Requirement) (diskcheck.Result, error) {
	return diskcheck.Result{}, errors.New("connection refused")
}

func TestRequirement(t *testing.T) {
	h := newHarness(t, nil, nil)
	tests := []struct {
		name    string
		desired artifact.DesiredSet
		want    diskcheck.Requirement
	}{
		{
			name: "known sizes sum with slack",
			desired: artifact.DesiredSet{Resources: []artifact.Resource{
				resource(hashA, "boot-kernel", 100),
				resource(hashB, "boot-initrd", 50),
			}},
			want: diskcheck.Requirement{TotalResourcesSize: 150 + DefaultBootloaderSlack},
		},
		{
			name: "unknown size falls back to floor",
			desired: artifact.DesiredSet{Resources: []artifact.Resource{
				resource(hashA, "boot-kernel", 100),
				resource(hashB, "boot-initrd", 0),
			}},
			want: diskcheck.Requirement{MinFreeSpace: DefaultMinFreeSpace},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := h.o.Requirement(tt.desired)
			assert.Equal(t, tt.want, got)
			assert.NoError(t, got.Validate())
		})
	}
}

func TestRunSendsRequirementToEveryNode(t *testing.T) {
	h := newHarness(t, threeNodes, func(o *Options) { o.BootloaderSlack = -1 })
	h.catalog.set(artifact.DesiredSet{Resources: []artifact.Resource{resource(hashA, "boot-kernel", 50)}})
	_, err := h.o.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, h.fleet.diskReqs, 3)
	for _, req := range h.fleet.diskReqs {
		assert.Equal(t, diskcheck.Requirement{TotalResourcesSize: 50}, req)
	}
}

func TestRunRequiresEndpoints(t *testing.T) {
	h := newHarness(t, []string{"rack-1"}, nil)
	h.dir.Register(cluster.NodeInfo{ID: "rack-2", Addr: "http://rack-2:8081"})
	h.catalog.set(artifact.DesiredSet{Resources: []artifact.Resource{resource(hashA, "boot-kernel", 50)}})

	_, err := h.o.Run(context.Background())
	require.ErrorIs(t, err, ErrNoEndpoints)
	assert.False(t, download.IsRetryable(err))
	assert.Empty(t, h.fleet.diskReqs)
	assert.Empty(t, h.fleet.downloadsFor("rack-1"))
}

func TestRunRequiresNodes(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.catalog.set(artifact.DesiredSet{Resources: []artifact.Resource{resource(hashA, "boot-kernel", 50)}})
	_, err := h.o.Run(context.Background())
	assert.ErrorIs(t, err, ErrNoNodes)
}

func TestRunRejectsInvalidDesiredSet(t *testing.T) {
	h := newHarness(t, []string{"rack-1"}, nil)
	bad := resource(hashA, "../escape", 50)
	h.catalog.set(artifact.DesiredSet{Resources: []artifact.Resource{bad}})
	_, err := h.o.Run(context.Background())
	require.Error(t, err)
	assert.False(t, download.IsRetryable(err))
	assert.Empty(t, h.fleet.diskReqs)
}

func TestRunFailsOnPeerFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, threeNodes, nil)
	h.fleet.errs["rack-3"] = []error{download.NonRetryable(errors.New("bad gateway from every peer"))}
	h.catalog.set(artifact.DesiredSet{Resources: []artifact.Resource{resource(hashA, "boot-kernel", 50)}})

	_, err := h.o.Run(ctx)
	require.ErrorIs(t, err, ErrRunFailed)
	assert.Contains(t, err.Error(), "bad gateway from every peer")
	assert.Empty(t, h.retention.Calls())

	rec, err := h.store.LoadTask(ctx, fpA)
	require.NoError(t, err)
	assert.Equal(t, string(StateFailed), rec.State)
	assert.Contains(t, rec.Error, "rack-3")
}

func TestRunFailsWhenNodeDiskFills(t *testing.T) {
	h := newHarness(t, threeNodes, nil)
	h.fleet.full["rack-1"] = true
	h.catalog.set(artifact.DesiredSet{Resources: []artifact.Resource{resource(hashA, "boot-kernel", 50)}})

	_, err := h.o.Run(context.Background())
	require.ErrorIs(t, err, ErrRunFailed)
	assert.Contains(t, err.Error(), ErrInsufficientDisk.Error())
	assert.Len(t, h.fleet.downloadsFor("rack-1"), 1, "disk full is never retried")
	assert.Empty(t, h.fleet.downloadsFor("rack-2"))
}

func TestRunFailsWithoutCompleteCopy(t *testing.T) {
	h := newHarness(t, threeNodes, nil)
	h.fleet.noStatus = true
	h.catalog.set(artifact.DesiredSet{Resources: []artifact.Resource{resource(hashA, "boot-kernel", 50)}})

	_, err := h.o.Run(context.Background())
	require.ErrorIs(t, err, ErrRunFailed)
	assert.Contains(t, err.Error(), ErrNoCompleteCopy.Error())
	assert.Empty(t, h.fleet.downloadsFor("rack-2"))
}

// TestRunRetriesDispatch verifies transport failures are retried with
// backoff on the injected clock.
func TestRunRetriesDispatch(t *testing.T) {
	clk := clock.Fake(time.Unix(1700000000, 0))
	h := newHarness(t, []string{"rack-1"}, func(o *Options) {
		o.Clock = clk
		o.Retry = download.RetryPolicy{Initial: time.Second, Max: time.Minute, Multiplier: 2}
	})
	h.fleet.errs["rack-1"] = []error{errors.New("connection reset"), cluster.ErrHeartbeatTimeout}
	h.catalog.set(artifact.DesiredSet{Resources: []artifact.Resource{resource(hashA, "boot-kernel", 50)}})

	done := make(chan error, 1)
	go func() {
		_, err := h.o.Run(context.Background())
		done <- err
	}()

	clk.WaitForTimers(1)
	clk.Advance(time.Second)
	clk.WaitForTimers(1)
	clk.Advance(2 * time.Second)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	assert.Len(t, h.fleet.downloadsFor("rack-1"), 3)
}

func TestRunReportsCleanupFailures(t *testing.T) {
	h := newHarness(t, []string{"rack-1"}, nil)
	h.retention.err = errors.New("catalog unavailable")
	h.catalog.set(artifact.DesiredSet{Resources: []artifact.Resource{resource(hashA, "boot-kernel", 50)}, RetainedIDs: []string{"x"}})

	report, err := h.o.Run(context.Background())
	require.NoError(t, err, "cleanup failures never undo the sync")
	assert.Equal(t, []string{"catalog unavailable"}, report.CleanupErrors)
}

func TestCandidates(t *testing.T) {
	h := newHarness(t, nil, nil)
	rec := checkpoint.TaskRecord{Fingerprint: fpA, Generation: 1, Resource: resource(hashA, "boot-kernel", 50)}
	endpoints := map[string][]string{
		"rack-1": {"http://10.0.0.1", "http://10.0.1.1", "http://10.0.2.1", "http://10.0.3.1"},
		"rack-2": {"http://10.0.0.2", "http://10.0.1.2", "http://10.0.2.2", "http://10.0.3.2"},
		"rack-3": {"http://10.0.0.3"},
	}
	synced := []string{"rack-1", "rack-2"}

	got := h.o.candidates(rec, "rack-3", synced, endpoints)
	require.Len(t, got, DefaultMaxFanOutSources)
	assert.Equal(t, got, h.o.candidates(rec, "rack-3", synced, endpoints), "same task, same order")

	seen := make(map[string]bool)
	for _, u := range got {
		assert.False(t, seen[u], "duplicate candidate %s", u)
		seen[u] = true
		assert.True(t, strings.HasSuffix(u, "/boot-resources/boot-kernel/"))
		assert.NotContains(t, u, "10.0.0.3", "only synced nodes serve peers")
	}
}

func TestCandidatesCustomShuffle(t *testing.T) {
	h := newHarness(t, nil, func(o *Options) {
		o.MaxFanOutSources = 2
		o.Shuffle = func(string, []string) {}
	})
	rec := checkpoint.TaskRecord{Fingerprint: fpA, Generation: 1, Resource: resource(hashA, "boot kernel", 50)}
	got := h.o.candidates(rec, "rack-3", []string{"rack-1", "rack-2"}, map[string][]string{
		"rack-1": {"http://a/"},
		"rack-2": {"http://b", "http://c"},
	})
	assert.Equal(t, []string{
		"http://a/boot-resources/boot%20kernel/",
		"http://b/boot-resources/boot%20kernel/",
	}, got)
}

// TestResumeFromCheckpoint verifies a restarted coordinator continues a
// task from its stored state and decisions, then finishes the run.
func TestResumeFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, threeNodes, nil)
	res := resource(hashA, "boot-kernel", 50)
	desired := artifact.DesiredSet{Resources: []artifact.Resource{res}, RetainedIDs: []string{"ubuntu/noble"}}

	stored := []string{peerURL("rack-2", "boot-kernel")}
	require.NoError(t, h.store.SaveRun(ctx, checkpoint.RunRecord{ID: "run-1", Status: RunWaiting, Desired: desired, CreatedAt: 1}))
	require.NoError(t, h.store.SaveTask(ctx, checkpoint.TaskRecord{
		Fingerprint: fpA,
		Generation:  1,
		State:       string(StateDistributing),
		Resource:    res,
		PrimaryNode: "rack-1",
		Candidates:  map[string][]string{"rack-3": stored},
	}))
	h.fleet.markValid("rack-1", hashA)
	h.fleet.markValid("rack-2", hashA)

	report, err := h.o.Resume(ctx)
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.Equal(t, "run-1", report.ID)
	assert.Empty(t, report.Launched, "the resumed task is joined, never relaunched")

	assert.Empty(t, h.fleet.downloadsFor("rack-1"))
	assert.Empty(t, h.fleet.downloadsFor("rack-2"))
	got := h.fleet.downloadsFor("rack-3")
	require.Len(t, got, 1)
	assert.Equal(t, stored, got[0].Sources)

	assert.Equal(t, [][]string{{"ubuntu/noble"}}, h.retention.Calls())
	run, err := h.store.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, run.Status)
	rec, err := h.store.LoadTask(ctx, fpA)
	require.NoError(t, err)
	assert.Equal(t, string(StateDone), rec.State)
	assert.Equal(t, uint64(1), rec.Generation)
}

func TestResumeSupersedesUnwantedTasks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, threeNodes, nil)
	require.NoError(t, h.store.SaveRun(ctx, checkpoint.RunRecord{ID: "run-1", Status: RunSucceeded, CreatedAt: 1}))
	require.NoError(t, h.store.SaveTask(ctx, checkpoint.TaskRecord{
		Fingerprint: fpA,
		Generation:  3,
		State:       string(StatePrimaryDownloading),
		Resource:    resource(hashA, "boot-kernel", 50),
		PrimaryNode: "rack-1",
	}))

	report, err := h.o.Resume(ctx)
	require.NoError(t, err)
	assert.Nil(t, report)

	rec, err := h.store.LoadTask(ctx, fpA)
	require.NoError(t, err)
	assert.Equal(t, string(StateSuperseded), rec.State)
	log, err := h.store.CompletionsAfter(ctx, 0)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, checkpoint.OutcomeSuperseded, log[0].Outcome)
	assert.Equal(t, uint64(3), log[0].Generation)
	assert.Empty(t, h.fleet.downloadsFor("rack-1"))
}

func TestResumeWithoutHistory(t *testing.T) {
	h := newHarness(t, threeNodes, nil)
	report, err := h.o.Resume(context.Background())
	require.NoError(t, err)
	assert.Nil(t, report)
}

func TestRetire(t *testing.T) {
	refs := []artifact.Ref{{SHA256: hashA, Filename: "boot-kernel"}}

	t.Run("retries transient failures", func(t *testing.T) {
		clk := clock.Fake(time.Unix(1700000000, 0))
		h := newHarness(t, []string{"rack-1", "rack-2"}, func(o *Options) {
			o.Clock = clk
			o.Retry = download.RetryPolicy{Initial: time.Second, Multiplier: 2}
		})
		h.fleet.deleteErrs["rack-2"] = []error{errors.New("lock wait timed out")}

		done := make(chan error, 1)
		go func() { done <- h.o.Retire(context.Background(), refs) }()
		clk.WaitForTimers(1)
		clk.Advance(time.Second)

		require.NoError(t, <-done)
		assert.Equal(t, 1, h.fleet.deleteCount("rack-1"))
		assert.Equal(t, 2, h.fleet.deleteCount("rack-2"))
	})

	t.Run("gives up after the attempt budget", func(t *testing.T) {
		clk := clock.Fake(time.Unix(1700000000, 0))
		h := newHarness(t, []string{"rack-1"}, func(o *Options) {
			o.Clock = clk
			o.Retry = download.RetryPolicy{Initial: time.Second, Multiplier: 2}
		})
		boom := errors.New("boom")
		h.fleet.deleteErrs["rack-1"] = []error{boom, boom, boom, boom}

		done := make(chan error, 1)
		go func() { done <- h.o.Retire(context.Background(), refs) }()
		clk.WaitForTimers(1)
		clk.Advance(time.Second)
		clk.WaitForTimers(1)
		clk.Advance(2 * time.Second)

		err := <-done
		require.ErrorIs(t, err, boom)
		assert.Contains(t, err.Error(), "rack-1")
		assert.Equal(t, DefaultDeleteAttempts, h.fleet.deleteCount("rack-1"))
	})

	t.Run("client errors are final", func(t *testing.T) {
		h := newHarness(t, []string{"rack-1"}, nil)
		h.fleet.deleteErrs["rack-1"] = []error{&cluster.StatusError{StatusCode: 400, Message: "bad ref"}}
		require.Error(t, h.o.Retire(context.Background(), refs))
		assert.Equal(t, 1, h.fleet.deleteCount("rack-1"))
	})

	t.Run("rejects invalid refs", func(t *testing.T) {
		h := newHarness(t, []string{"rack-1"}, nil)
		err := h.o.Retire(context.Background(), []artifact.Ref{{SHA256: "xyz", Filename: "boot-kernel"}})
		require.Error(t, err)
		assert.Zero(t, h.fleet.deleteCount("rack-1"))
	})

	t.Run("cancels the running task", func(t *testing.T) {
		h := newHarness(t, []string{"rack-1"}, nil)
		h.fleet.gate(hashA)
		h.catalog.set(artifact.DesiredSet{Resources: []artifact.Resource{resource(hashA, "boot-kernel", 50)}})

		run := make(chan error, 1)
		go func() {
			_, err := h.o.Run(context.Background())
			run <- err
		}()
		waitStarted(t, h.fleet, "rack-1/boot-kernel")

		require.NoError(t, h.o.Retire(context.Background(), refs))
		select {
		case err := <-run:
			assert.ErrorIs(t, err, ErrRunFailed)
		case <-time.After(5 * time.Second):
			t.Fatal("run kept waiting for a retired artifact")
		}
	})
}
