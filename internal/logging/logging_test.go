package logging

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNew_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.log")
	l := New(Config{Level: "debug", Format: "json", File: path, MaxSizeMB: 1})

	l.Debug("synced directory", zap.String("root", "/work"))
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"synced directory"`)
	assert.Contains(t, string(data), `"root":"/work"`)
}

func TestSetLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.log")
	l := New(Config{Level: "WARN", Format: "json", File: path})
	assert.Equal(t, zapcore.WarnLevel, l.Level())

	l.Info("hidden")
	l.SetLevel("info")
	l.Info("shown")
	l.SetLevel("bogus")
	assert.Equal(t, zapcore.InfoLevel, l.Level())
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "shown")
}

func TestNew_UnknownLevelIsInfo(t *testing.T) {
	l := New(Config{Level: "chatty", File: filepath.Join(t.TempDir(), "x.log")})
	assert.Equal(t, zapcore.InfoLevel, l.Level())
}

func TestContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	l := zap.NewExample()
	ctx := WithContext(context.Background(), l)
	assert.Same(t, l, FromContext(ctx))
}
