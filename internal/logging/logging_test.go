package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/x5iu/streamrpc/internal/config"
)

func TestNewRejectsBadLevel(t *testing.T) {
	_, err := New(config.LogConfig{Level: "loud"})
	require.Error(t, err)
}

func TestNewRejectsBadEncoding(t *testing.T) {
	_, err := New(config.LogConfig{Level: "info", Encoding: "xml"})
	require.Error(t, err)
}

func TestNewHonoursLevel(t *testing.T) {
	l, err := New(config.LogConfig{Level: "warn", Encoding: "console"})
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "streamrpc.log")
	l, err := New(config.LogConfig{Level: "info", Encoding: "json", File: path, MaxSizeMB: 1})
	require.NoError(t, err)
	l.Info("hello file")
	_ = l.Sync()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"msg":"hello file"`)
}
