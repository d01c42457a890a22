package syncer_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/contree/broker/internal/backend/memory"
	"github.com/contree/broker/internal/cas"
	"github.com/contree/broker/internal/filecache"
	"github.com/contree/broker/internal/store"
	"github.com/contree/broker/internal/syncer"
)

// Example demonstrates syncing a tree twice: the second sync reuses the
// registered directory state.
func Example() {
	root, _ := os.MkdirTemp("", "syncer-example")
	defer os.RemoveAll(root)
	_ = os.WriteFile(filepath.Join(root, "main.go"), []byte("package main\n"), 0o644)
	_ = os.WriteFile(filepath.Join(root, "debug.log"), []byte("noise\n"), 0o644)

	db := store.NewMemory()
	remote := memory.New()
	planner := syncer.New(
		filecache.New(db, nil),
		cas.New(db, remote, cas.Config{}),
		remote,
		syncer.Config{},
	)

	ctx := context.Background()
	first, err := planner.Sync(ctx, root, []string{"*.log"})
	if err != nil {
		fmt.Println("sync failed:", err)
		return
	}
	fmt.Println("files:", first.Stats.Files, "uploaded:", first.Stats.Uploaded)

	second, _ := planner.Sync(ctx, root, []string{"*.log"})
	fmt.Println("reused:", second.Stats.Reused, "uploaded:", second.Stats.Uploaded)

	// Output:
	// files: 1 uploaded: 1
	// reused: true uploaded: 0
}
