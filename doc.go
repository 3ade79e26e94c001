// Package comms is a communicator abstraction for multi-participant
// distributed numeric computation. It unifies collective communication
// (all-reduce, broadcast, reduce, all-gather, variable-size all-gather,
// reduce-scatter, barrier) with asynchronous tagged point-to-point
// messaging behind a single `Communicator` facade, decoupling algorithm
// code from the collective engine and transport backend actually in use.
//
// # Ownership model
//
// The underlying backends are bootstrapped, owned, and maintained
// *outside* of this package. A collective `Engine` and, optionally, a
// transport `Worker` plus a per-peer `Endpoint` table are handed to the
// communicator at construction time. This lets the same engine or worker
// be shared with other consumers, or be torn down and rebuilt without
// this package's involvement. Two backends ship in-tree:
//
//   - `pkg/inproc`: an in-process backend wiring N ranks of a single
//     process together. Used by the tests and the demo CLI, and useful
//     for single-host runs.
//   - `pkg/quictransport`: a point-to-point `Worker` running over QUIC
//     unidirectional streams with mutual TLS.
//
// # Collectives
//
// Collective calls enqueue work on a caller-supplied `Stream` (an ordered
// asynchronous execution queue) and return immediately; completion is
// observed through `Communicator.SyncStream`, which also watches the
// engine for asynchronous faults and reports `StatusAbort` when one is
// detected. A communicator that reported `StatusAbort` is unusable and
// must be reconstructed externally.
//
// # Point-to-point
//
// `Isend` and `Irecv` issue non-blocking operations and return an opaque
// `RequestID`. `WaitAll` joins on a set of ids, driving the transport's
// progress step from the calling goroutine; there is no background
// progress thread. A communicator instance must be used from a single
// goroutine or be serialized externally.
//
// # Failure policy
//
// This layer is fail-fast: precondition violations (wait on an unknown
// request id, point-to-point without a worker, communicator split) and
// backend failures during a collective issue panic after logging, since
// collective state cannot be safely resumed. The only errors that are
// swallowed are teardown-time release failures, which are logged because
// no caller remains to observe them.
package comms
