// Package syncer turns a local directory tree into a directory state
// registered with the backend, transferring only content the backend
// does not already have.
//
// # Overview
//
// A sync runs in six steps:
//
//	local tree
//	   │  scan.Walk (excluded directories pruned)
//	   ▼
//	descriptors ──► filecache.Lookup ──hit──► hash
//	   │                 │ miss
//	   │                 ▼
//	   │            read + sha256 ──► filecache.Record
//	   ▼
//	hashes ──► cas.Confirm ──► known | must upload
//	                                    │
//	                                    ▼
//	                    UploadBlobIfMissing (bounded, single-flighted)
//	   ▼
//	manifest (sorted) ──► RegisterDirectoryState ──► cas.MarkKnown
//
// Hashing and uploads fan out on bounded worker groups. Two concurrent
// syncs that need the same blob share one upload.
//
// # Idempotence
//
// Syncing an unchanged tree again reads no file content and uploads
// nothing: every hash comes from the file cache and every hash is known
// to the content store. Within one process the planner also remembers
// the directory state registered for each manifest, so a repeat sync
// returns the same id without registering again.
//
// # Failure
//
// Any file that cannot be read or that changes while it is being synced
// aborts the sync with an error naming the file, and no directory state
// is registered. Blobs uploaded before the failure are recorded as known
// and are not uploaded again on retry.
//
// If the backend rejects a manifest because a blob the content store
// believed present has been evicted (errs.ErrConflict), the planner
// forgets those hashes, re-confirms, uploads what is missing and
// registers once more.
//
// # Usage
//
//	files := filecache.New(db, logger)
//	content := cas.New(db, remote, cas.Config{TTL: 24 * time.Hour})
//	planner := syncer.New(files, content, remote, syncer.Config{Logger: logger})
//
//	res, err := planner.Sync(ctx, "./project", []string{".git", "node_modules", "*.pyc"})
//	if err != nil {
//	    return err
//	}
//	fmt.Println(res.State.ID, res.Stats.Uploaded)
package syncer
