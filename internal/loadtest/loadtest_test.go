package loadtest

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestCreateTestTree verifies that we can create a tree with the expected properties.
func TestCreateTestTree(t *testing.T) {
	dir := t.TempDir()

	tree, err := CreateTestTree(dir, 50, 128)
	if err != nil {
		t.Fatalf("Failed to create test tree: %v", err)
	}

	if len(tree.Paths) != 50 {
		t.Errorf("Expected 50 files, got %d", len(tree.Paths))
	}
	if tree.Bytes != 50*128 {
		t.Errorf("Expected %d bytes, got %d", 50*128, tree.Bytes)
	}

	seen := make(map[string]bool)
	for _, rel := range tree.Paths {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if err != nil {
			t.Fatalf("Failed to read %s: %v", rel, err)
		}
		if seen[string(data)] {
			t.Errorf("Duplicate content in %s", rel)
		}
		seen[string(data)] = true
	}
}

// TestRun_Small verifies a small concurrent run end to end.
func TestRun_Small(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping load test in short mode")
	}

	cfg := Config{
		Clients:        8,
		Files:          40,
		FileSize:       256,
		SyncsPerClient: 2,
		OpsPerClient:   3,
		WaitTimeout:    10 * time.Second,
	}
	report, err := Run(context.Background(), t.TempDir(), cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if report.Sync.Count != 16 {
		t.Errorf("Expected 16 syncs, got %d", report.Sync.Count)
	}
	if report.Wait.Count != 8 {
		t.Errorf("Expected 8 waits, got %d", report.Wait.Count)
	}
	if report.Sync.Errors != 0 || report.Wait.Errors != 0 {
		t.Errorf("Expected no errors, got %d sync and %d wait", report.Sync.Errors, report.Wait.Errors)
	}

	if report.Uploads < cfg.Files || report.Uploads > cfg.Files*cfg.Clients {
		t.Errorf("Expected between %d and %d uploads, got %d", cfg.Files, cfg.Files*cfg.Clients, report.Uploads)
	}
	if report.States == 0 {
		t.Error("Expected at least one directory state")
	}

	var buf bytes.Buffer
	report.Print(&buf)
	if !strings.Contains(buf.String(), "Sync latency") {
		t.Errorf("Report output missing sync section:\n%s", buf.String())
	}
	t.Logf("\n%s", buf.String())
}

// TestVerifyConsistentSyncs runs concurrent syncs and checks they agree.
func TestVerifyConsistentSyncs(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping consistency test in short mode")
	}

	dir := t.TempDir()
	if _, err := CreateTestTree(dir, 20, 64); err != nil {
		t.Fatalf("Failed to create test tree: %v", err)
	}

	h := NewHarness(0, nil)
	defer h.Close()

	if err := h.VerifyConsistentSyncs(context.Background(), dir, 10, 200*time.Millisecond); err != nil {
		t.Fatalf("Consistency check failed: %v", err)
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 1; i <= 100; i++ {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}

	stats := computeLatencyStats(durations)
	if stats.Min != time.Millisecond {
		t.Errorf("Min = %v, want 1ms", stats.Min)
	}
	if stats.Max != 100*time.Millisecond {
		t.Errorf("Max = %v, want 100ms", stats.Max)
	}
	if stats.P50 != 51*time.Millisecond {
		t.Errorf("P50 = %v, want 51ms", stats.P50)
	}
	if stats.P99 != 100*time.Millisecond {
		t.Errorf("P99 = %v, want 100ms", stats.P99)
	}
	if stats.Count != 100 {
		t.Errorf("Count = %d, want 100", stats.Count)
	}

	if empty := computeLatencyStats(nil); empty.Count != 0 {
		t.Errorf("Empty stats Count = %d, want 0", empty.Count)
	}
}
