// Package operation tracks remote operations from submission to a
// terminal state.
//
// # Lifecycle
//
//	PENDING ──► EXECUTING ──► SUCCESS
//	   │            │    └──► FAILED
//	   └────────────┴───────► CANCELLED
//
// Observed states only move forward. A terminal state is final: a later
// report of a different state, terminal or not, is ignored. The result is
// attached together with the terminal transition and never changes.
//
// # Polling
//
// Submit returns as soon as the backend accepts the operation. Progress
// is observed by Poll (one backend read) or Wait (repeated reads with
// bounded exponential backoff and jitter). However many Wait calls watch
// an operation, the tracker runs one poller for it; the poller stops once
// the operation is terminal or nobody is watching.
//
// A wait deadline only ends the wait. It never cancels the remote
// operation; that takes an explicit Cancel.
//
// # Results
//
// Terminal snapshots are written to the result cache. Polling or
// cancelling an operation whose result is cached never touches the
// network, including from a later process.
package operation
