package syncer

import (
	"context"
	"iter"
	"time"

	"github.com/contree/broker/internal/scan"
	"github.com/contree/broker/internal/schema"
)

// Planner syncs local trees to registered directory states.
//
// A Planner is safe for concurrent use. Concurrent syncs share the file
// cache, the content store and in-flight uploads.
type Planner interface {
	// Sync scans root, skipping excludes, and registers the result.
	//
	// Returns an error wrapping errs.ErrNotFound if root does not exist,
	// errs.ErrIO (a *errs.PathError naming the file) if any file cannot
	// be read, and backend errors unchanged. Nothing is registered when
	// an error is returned.
	//
	// Example:
	//   res, err := planner.Sync(ctx, "/work/project", []string{".git", "*.o"})
	Sync(ctx context.Context, root string, excludes []string) (Result, error)

	// Plan registers the files produced by a descriptor sequence.
	//
	// Descriptors matching excludes, or lying under an excluded directory,
	// are dropped. A descriptor that already carries a valid Hash is not
	// re-hashed. The first error from the sequence aborts the plan.
	//
	// Example:
	//   seq, _ := scan.Walk(root, nil)
	//   res, err := planner.Plan(ctx, seq, []string{"build"})
	Plan(ctx context.Context, files iter.Seq2[scan.FileDescriptor, error], excludes []string) (Result, error)

	// Resolve returns a directory state registered by this planner.
	//
	// Directory states are only remembered for the life of the process.
	// Returns an error wrapping errs.ErrNotFound for any other id.
	//
	// Example:
	//   ds, err := planner.Resolve(res.State.ID)
	Resolve(id string) (schema.DirectoryState, error)

	// Invalidate forgets a directory state, so the next sync of the same
	// tree registers a fresh one. Call it when the backend answers
	// errs.ErrConflict for the id.
	//
	// Example:
	//   if errs.IsResyncRequired(err) {
	//       planner.Invalidate(dsID)
	//   }
	Invalidate(id string)
}

// Observer is notified after every successful sync.
type Observer interface {
	SyncCompleted(root string, res Result)
}

// Result is the outcome of a sync.
type Result struct {
	State schema.DirectoryState `json:"state"`
	Stats Stats                 `json:"stats"`
}

// Stats describes the work a sync did.
type Stats struct {
	Files         int           `json:"files"`          // files in the manifest
	Excluded      int           `json:"excluded"`       // descriptors dropped by excludes in Plan
	CacheHits     int           `json:"cache_hits"`     // hashes served by the file cache
	Hashed        int           `json:"hashed"`         // files read and hashed
	Confirmed     int           `json:"confirmed"`      // distinct hashes already on the backend
	Uploaded      int           `json:"uploaded"`       // blobs sent by this sync
	UploadedBytes int64         `json:"uploaded_bytes"` // bytes uploaded
	Reused        bool          `json:"reused"`         // directory state reused from this session
	Duration      time.Duration `json:"duration"`
}
