// Package schema defines the data model shared by the broker's caches,
// planner and operation tracker.
//
// # Operations
//
// An Operation is a handle to asynchronous work running on the remote
// backend. Its State only moves forward:
//
//	PENDING -> EXECUTING -> SUCCESS | FAILED | CANCELLED
//
// Terminal states are final. Advance enforces this ordering so that a
// stale poll response can never move an operation backwards:
//
//	op := &schema.Operation{ID: "op-1", State: schema.StatePending}
//	op.Advance(schema.StateExecuting, nil) // true
//	op.Advance(schema.StatePending, nil)   // false, ignored
//
// # Directory States
//
// A DirectoryState is the remote materialization of a synced tree: an
// opaque id plus the manifest of (path, hash) entries it was built from.
// Manifests are always sorted by path so that two syncs of the same tree
// produce byte-identical manifests and the same Digest:
//
//	entries:
//	  - path: go.mod
//	    sha256: 3b1f...
//	  - path: main.go
//	    sha256: a90c...
//
// # Requests
//
// Requests describe what to submit. A command request runs a command in
// an image, optionally with a directory state mounted; an import request
// pulls an image from a registry. Credentials on import requests are
// never rendered by String or the JSON log encoders.
package schema
