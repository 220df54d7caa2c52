// Package coordinator is the control plane of the fleet: it knows which
// nodes exist, decides which artifacts every node must hold, and drives
// each artifact onto the fleet.
//
// # Runs
//
// An orchestration run takes an immutable snapshot of the desired set
// from the catalog and converges the fleet onto it:
//
//  1. Resolve the endpoint directory. A node without a reachable address
//     aborts the run.
//  2. Admit every node: each must report more free space than the run
//     needs, or the run is rejected before any download starts.
//  3. Cancel the sync tasks of artifacts that left the desired set.
//  4. Launch one sync task per artifact, or join the task already
//     running for it.
//  5. Wait until every artifact has a successful completion logged after
//     the run began. Any failed task fails the run.
//  6. Finalize retention with the run's retained ids, exactly once, and
//     prune stale files from every node.
//
// Starting a run supersedes any run still waiting; the superseded run
// returns ErrSuperseded while the tasks it launched keep going.
//
// # Sync tasks
//
// A sync task moves one artifact through
//
//	Scheduled -> PrimaryDownloading -> DistributingToPeers -> Done
//
// with Failed and Superseded as the other terminal states. The primary
// node fetches from upstream; every other node then fetches from the
// nodes that already hold a verified copy, each with its own shuffled
// and capped candidate list. Every transition is checkpointed so a
// restarted coordinator resumes instead of starting over.
//
// # Fleet
//
// Leaf work goes through the Fleet interface, implemented over HTTP by
// cluster.Client. The health monitor probes nodes in the background and
// takes failing nodes out of the endpoint directory.
package coordinator
