package ui

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/contree/broker/internal/schema"
)

func TestPrinter_PlainWhenNotTerminal(t *testing.T) {
	var buf bytes.Buffer
	p := New(&buf)
	assert.False(t, p.Color())

	p.Success("synced %d files", 3)
	p.Field("directory state", "ds-1")
	p.Operation(schema.Operation{
		ID:     "op-1",
		State:  schema.StateFailed,
		Result: &schema.Result{ExitCode: 2, Error: "boom"},
	})

	out := buf.String()
	assert.NotContains(t, out, "\x1b[")
	assert.Contains(t, out, "✓ synced 3 files")
	assert.Contains(t, out, "directory state:")
	assert.Contains(t, out, "FAILED")
	assert.Contains(t, out, "op-1  exit=2")
	assert.Contains(t, out, "boom")
}

func TestBytes(t *testing.T) {
	tests := map[int64]string{
		0:               "0 B",
		1023:            "1023 B",
		1024:            "1.0 KiB",
		1536:            "1.5 KiB",
		5 * 1024 * 1024: "5.0 MiB",
	}
	for in, want := range tests {
		assert.Equal(t, want, Bytes(in))
	}
}
