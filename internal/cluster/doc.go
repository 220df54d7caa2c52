// Package cluster defines how the coordinator and the controller nodes
// talk to each other: node membership records, the JSON wire types of
// the node API, and the HTTP client the coordinator uses to dispatch
// leaf work onto a specific node.
//
// # Overview
//
// The fleet follows a hub-and-spoke model. The coordinator owns all
// orchestration state; nodes are stateless workers apart from their
// local artifact store.
//
//	                +----------------+
//	                |  Coordinator   |
//	                |                |
//	                | - Registry     |
//	                | - Health Mon   |
//	                | - Sync Tasks   |
//	                +-------+--------+
//	                        |
//	        +---------------+---------------+
//	        |               |               |
//	  +-----v-----+   +-----v-----+   +-----v-----+
//	  |  Node 1   |<--|  Node 2   |-->|  Node 3   |
//	  |  store    |   |  store    |   |  store    |
//	  +-----------+   +-----------+   +-----------+
//	         peers fetch from each other's /boot-resources/
//
// # Communication Protocol
//
// Node Registration (POST /register on the coordinator):
//   - Nodes announce their ID, API address and fetch endpoints
//   - Registration is retried until the coordinator answers
//
// Leaf work (node API, see Client):
//   - POST /disk/check: admission check against a diskcheck.Requirement
//   - POST /download: runs the download executor; the response is an
//     NDJSON stream of DownloadEvent lines ending in a verdict
//   - GET /artifacts/status: whether a verified copy is present
//   - POST /artifacts/delete and /artifacts/prune: removal
//
// Progress (POST /progress on the coordinator):
//   - Nodes post ProgressReport values fire-and-forget
//
// # Failure Handling
//
// Short control-plane calls go through PostJSON and GetJSON with a fixed
// timeout. Downloads may run for hours, so Client.Download has no
// overall deadline; instead the node emits heartbeats while it makes
// progress and the client abandons a stream that stays silent for the
// heartbeat timeout. Non-2xx replies surface as *StatusError; a 4xx
// reply or a verdict flagged non_retryable is wrapped with
// download.NonRetryable so retry loops above do not repeat it.
package cluster
