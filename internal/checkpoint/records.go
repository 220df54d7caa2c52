package checkpoint

import (
	"github.com/dreamware/imagesync/internal/artifact"
)

// Outcome is how a sync task ended.
type Outcome string

const (
	OutcomeDone       Outcome = "done"
	OutcomeFailed     Outcome = "failed"
	OutcomeSuperseded Outcome = "superseded"
)

// TaskRecord is the checkpoint of one sync task, written at every state
// transition. Replaying a task from its record must reproduce the same
// decisions, so everything chosen along the way is stored here.
type TaskRecord struct {
	Fingerprint string            `cbor:"fingerprint"`
	Generation  uint64            `cbor:"generation"`
	State       string            `cbor:"state"`
	Resource    artifact.Resource `cbor:"resource"`
	PrimaryNode string            `cbor:"primary_node"`
	// Candidates maps each node still missing the artifact to the peer
	// URLs it was told to fetch from.
	Candidates map[string][]string `cbor:"candidates,omitempty"`
	Error      string              `cbor:"error,omitempty"`
	CreatedAt  int64               `cbor:"created_at"`
	UpdatedAt  int64               `cbor:"updated_at"`
}

// RunRecord is the checkpoint of one orchestration run.
type RunRecord struct {
	ID string `cbor:"id"`
	// StartSeq is the last completion sequence number observed when the
	// run began; only later completions count toward the run.
	StartSeq  int64               `cbor:"start_seq"`
	Status    string              `cbor:"status"`
	Desired   artifact.DesiredSet `cbor:"desired"`
	Error     string              `cbor:"error,omitempty"`
	CreatedAt int64               `cbor:"created_at"`
	UpdatedAt int64               `cbor:"updated_at"`
}

// Completion is one entry in the append-only completion log.
type Completion struct {
	Seq         int64
	Fingerprint string
	Generation  uint64
	Outcome     Outcome
	Error       string
	At          int64
}
