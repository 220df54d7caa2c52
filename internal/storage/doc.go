// Package storage implements the node-local, content-addressed artifact
// cache that every controller keeps its boot images in.
//
// # Overview
//
// Each artifact occupies exactly one pre-sized data file named after its
// on-disk filename. The file is the same whether the artifact is partial
// (being written) or committed (verified and published); the difference
// is recorded in a small metadata sidecar that is replaced atomically.
//
//	<root>/
//	  ubuntu-noble-kernel            data file (partial or committed)
//	  .meta/ubuntu-noble-kernel      {"sha256":..,"offset":..,"committed":..}
//	  .locks/<sha256>-<filename>     flock(2) target, one per artifact
//
// # Lifecycle
//
//	absent ──OpenPartial──▶ partial ──Valid+Commit──▶ committed ──Extract──▶ extracted
//	   ▲                       │                          │
//	   └──────────Unlink───────┴──────────────────────────┘
//
// A partial file left behind by an aborted download is kept along with
// its offset so the next attempt can resume with a ranged request.
//
// # Locking
//
// Handle.TryLock takes a non-blocking exclusive flock on a lock file
// scoped to the hash+filename pair, so two different artifacts never
// contend. Callers poll TryLock with a bounded wait and emit a liveness
// signal between attempts. The lock is advisory and process-independent:
// a crashed holder releases it when its file descriptor is closed by the
// kernel.
//
// # Errors
//
// ErrOutOfSpace wraps ENOSPC and EDQUOT from any write or allocation.
// Callers treat it as a clean, non-retried abort. Every other error is a
// generic failure the calling layer may retry.
package storage
