package coordinator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/imagesync/internal/artifact"
	"github.com/dreamware/imagesync/internal/checkpoint"
	"github.com/dreamware/imagesync/internal/cluster"
	"github.com/dreamware/imagesync/internal/download"
)

// TaskState is a step of the per-artifact sync state machine.
type TaskState string

const (
	StateScheduled          TaskState = "scheduled"
	StatePrimaryDownloading TaskState = "primary_downloading"
	StateDistributing       TaskState = "distributing_to_peers"
	StateDone               TaskState = "done"
	StateFailed             TaskState = "failed"
	StateSuperseded         TaskState = "superseded"
)

// Terminal reports whether no further transition can follow s.
func (s TaskState) Terminal() bool {
	switch s {
	case StateDone, StateFailed, StateSuperseded:
		return true
	}
	return false
}

// ErrNoCompleteCopy fails a task when, after the primary download, no
// node reports a valid copy to fan out from.
var ErrNoCompleteCopy = errors.New("no node holds a complete copy")

// BootResourceURL is the address a peer serves filename from.
func BootResourceURL(endpoint, filename string) string {
	return strings.TrimRight(endpoint, "/") + "/boot-resources/" + url.PathEscape(filename) + "/"
}

// seededShuffle orders urls with a PCG generator seeded from key, so a
// replayed task produces the same order.
func seededShuffle(key string, urls []string) {
	h := fnv.New64a()
	h.Write([]byte(key))
	rng := rand.New(rand.NewPCG(h.Sum64(), uint64(len(urls))))
	rng.Shuffle(len(urls), func(i, j int) { urls[i], urls[j] = urls[j], urls[i] })
}

// syncTask drives one artifact from Scheduled to a terminal state,
// checkpointing every transition. A task resumed from its checkpoint
// continues from the stored state with the stored decisions.
type syncTask struct {
	o      *Orchestrator
	rec    checkpoint.TaskRecord
	slot   *Slot
	logger *slog.Logger
}

// run returns an empty outcome when ctx ended for any reason other than
// supersession; the checkpoint is then left where it was.
func (t *syncTask) run(ctx context.Context) (checkpoint.Outcome, error) {
	if err := t.slot.WaitPrevious(ctx); err != nil {
		return t.interrupted(ctx)
	}
	for {
		var err error
		switch TaskState(t.rec.State) {
		case StateScheduled:
			err = t.schedule(ctx)
		case StatePrimaryDownloading:
			err = t.downloadPrimary(ctx)
		case StateDistributing:
			err = t.distribute(ctx)
		case StateDone:
			return checkpoint.OutcomeDone, nil
		case StateFailed:
			return checkpoint.OutcomeFailed, errors.New(t.rec.Error)
		case StateSuperseded:
			return checkpoint.OutcomeSuperseded, nil
		default:
			err = fmt.Errorf("unknown task state %q", t.rec.State)
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return t.interrupted(ctx)
		}
		t.logger.Error("sync task failed", "state", t.rec.State, "error", err)
		t.rec.Error = err.Error()
		t.transition(ctx, StateFailed)
		return checkpoint.OutcomeFailed, err
	}
}

func (t *syncTask) interrupted(ctx context.Context) (checkpoint.Outcome, error) {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrTaskSuperseded) {
		t.logger.Info("sync task superseded", "state", t.rec.State)
		t.transition(ctx, StateSuperseded)
		return checkpoint.OutcomeSuperseded, nil
	}
	t.logger.Info("sync task interrupted", "state", t.rec.State, "cause", cause)
	return "", cause
}

func (t *syncTask) transition(ctx context.Context, state TaskState) {
	t.rec.State = string(state)
	t.rec.UpdatedAt = t.o.clock.Now().Unix()
	if err := t.o.store.SaveTask(context.WithoutCancel(ctx), t.rec); err != nil {
		t.logger.Error("checkpoint write failed", "state", state, "error", err)
	}
	t.o.registry.SetState(t.rec.Fingerprint, t.rec.Generation, state, t.rec.PrimaryNode)
	t.logger.Debug("sync task transition", "state", state, "primary_node", t.rec.PrimaryNode)
}

func (t *syncTask) schedule(ctx context.Context) error {
	primary, err := t.o.primaryNode()
	if err != nil {
		return err
	}
	t.rec.PrimaryNode = primary
	t.transition(ctx, StatePrimaryDownloading)
	return nil
}

func (t *syncTask) downloadPrimary(ctx context.Context) error {
	node, ok := t.o.dir.Node(t.rec.PrimaryNode)
	if !ok {
		return fmt.Errorf("primary node %s is not registered", t.rec.PrimaryNode)
	}
	req := download.Request{
		Artifact: t.rec.Resource.Artifact,
		Sources:  t.rec.Resource.Sources,
		Proxy:    t.o.proxy,
	}
	if err := t.o.dispatch(ctx, node, req); err != nil {
		return fmt.Errorf("primary download on %s: %w", node.ID, err)
	}

	nodes := t.o.dir.Nodes()
	if len(nodes) < 2 {
		t.transition(ctx, StateDone)
		return nil
	}
	synced, missing := t.o.survey(ctx, nodes, t.rec.Resource.Artifact)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if len(missing) == 0 {
		t.transition(ctx, StateDone)
		return nil
	}
	if len(synced) == 0 {
		return ErrNoCompleteCopy
	}

	endpoints := t.o.dir.Resolve()
	candidates := make(map[string][]string, len(missing))
	for _, id := range missing {
		list := t.o.candidates(t.rec, id, synced, endpoints)
		if len(list) == 0 {
			return fmt.Errorf("no reachable peer to serve %s to %s", t.rec.Resource.Filename, id)
		}
		candidates[id] = list
	}
	t.rec.Candidates = candidates
	t.logger.Info("fanning out to peers", "synced", synced, "missing", missing)
	t.transition(ctx, StateDistributing)
	return nil
}

func (t *syncTask) distribute(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	ids := make([]string, 0, len(t.rec.Candidates))
	for id := range t.rec.Candidates {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel(err)
		})
	}
	for _, id := range ids {
		node, ok := t.o.dir.Node(id)
		if !ok {
			fail(fmt.Errorf("peer %s is not registered", id))
			break
		}
		wg.Add(1)
		go func(node cluster.NodeInfo) {
			defer wg.Done()
			req := download.Request{Artifact: t.rec.Resource.Artifact, Sources: t.rec.Candidates[node.ID]}
			if err := t.o.dispatch(ctx, node, req); err != nil {
				fail(fmt.Errorf("peer download on %s: %w", node.ID, err))
			}
		}(node)
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}
	t.transition(ctx, StateDone)
	return nil
}

// primaryNode picks the configured primary when registered, otherwise
// the lexicographically first node.
func (o *Orchestrator) primaryNode() (string, error) {
	nodes := o.dir.Nodes()
	if len(nodes) == 0 {
		return "", download.NonRetryable(ErrNoNodes)
	}
	if o.primary != "" {
		if _, ok := o.dir.Node(o.primary); ok {
			return o.primary, nil
		}
		o.logger.Warn("configured primary node is not registered", "node_id", o.primary, "fallback", nodes[0].ID)
	}
	return nodes[0].ID, nil
}

// candidates builds the peer URL list for one missing node from the
// endpoints of the synced nodes only.
func (o *Orchestrator) candidates(rec checkpoint.TaskRecord, nodeID string, synced []string, endpoints map[string][]string) []string {
	var pool []string
	for _, id := range synced {
		for _, ep := range endpoints[id] {
			pool = append(pool, BootResourceURL(ep, rec.Resource.Filename))
		}
	}
	o.shuffle(fmt.Sprintf("%s/%d/%s", rec.Fingerprint, rec.Generation, nodeID), pool)
	if len(pool) > o.maxFanOut {
		pool = pool[:o.maxFanOut]
	}
	return pool
}

// survey asks every node whether it holds a valid copy of a. A node
// that cannot answer counts as missing.
func (o *Orchestrator) survey(ctx context.Context, nodes []cluster.NodeInfo, a artifact.Artifact) (synced, missing []string) {
	valid := make([]bool, len(nodes))
	var wg sync.WaitGroup
	for i, node := range nodes {
		wg.Add(1)
		go func(i int, node cluster.NodeInfo) {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, o.statusTimeout)
			defer cancel()
			ok, err := o.fleet.Valid(sctx, node, a)
			if err != nil {
				o.logger.Warn("status query failed", "node_id", node.ID, "artifact", a.Ref.String(), "error", err)
			}
			valid[i] = ok
		}(i, node)
	}
	wg.Wait()
	for i, node := range nodes {
		if valid[i] {
			synced = append(synced, node.ID)
		} else {
			missing = append(missing, node.ID)
		}
	}
	return synced, missing
}

// dispatch runs a download on node, retrying transport failures with the
// orchestrator's policy. A node that ran out of space is not retried.
func (o *Orchestrator) dispatch(ctx context.Context, node cluster.NodeInfo, req download.Request) error {
	for attempt := 0; ; attempt++ {
		dctx, cancel := context.WithTimeout(ctx, o.downloadTimeout)
		ok, err := o.fleet.Download(dctx, node, req)
		cancel()
		if err == nil && ok {
			return nil
		}
		if err == nil {
			return download.NonRetryable(fmt.Errorf("%w: node %s cannot store %s", ErrInsufficientDisk, node.ID, req.Artifact.Ref))
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if !download.IsRetryable(err) || o.retry.Exhausted(attempt) {
			return err
		}
		delay := o.retry.Delay(attempt)
		o.logger.Warn("dispatch failed, retrying",
			"node_id", node.ID,
			"artifact", req.Artifact.Ref.String(),
			"attempt", attempt+1,
			"backoff", delay,
			"error", err)
		select {
		case <-o.clock.After(delay):
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}
