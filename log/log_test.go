package log

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithFieldsAttachesContextFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	prev := Logger()
	SetLogger(zap.New(core))
	defer SetLogger(prev)

	ctx := WithFields(context.Background(), zap.Uint64("tx", 7))
	ctx = WithFields(ctx, zap.String("component", "orders"))
	ErrorContextf(ctx, "commit failed: %s", "boom")

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "commit failed: boom", entries[0].Message)
	fields := entries[0].ContextMap()
	require.EqualValues(t, 7, fields["tx"])
	require.Equal(t, "orders", fields["component"])
}

func TestInitWritesToRotatingFile(t *testing.T) {
	prev := Logger()
	defer SetLogger(prev)

	path := filepath.Join(t.TempDir(), "txcoord.log")
	require.NoError(t, Init(Config{Level: "debug", Format: "json", OutputFile: path, MaxSizeMB: 1}))
	Infof("hello %d", 1)
	require.NoError(t, Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "hello 1")
	require.Contains(t, string(data), `"service":"txcoord"`)
}

func TestSetLoggerNilInstallsNop(t *testing.T) {
	prev := Logger()
	defer SetLogger(prev)

	SetLogger(nil)
	require.NotNil(t, Logger())
	InfoContextf(context.TODO(), "dropped")
}

func TestCallerIsTheLoggingSite(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	prev := Logger()
	SetLogger(zap.New(core, zap.AddCaller()))
	defer SetLogger(prev)

	ctx := WithFields(context.Background(), zap.Int("tx", 1))
	InfoContextf(ctx, "wrapped")
	Infof("plain")
	With(ctx).Info("direct")
	Logger().Warn("global")

	entries := logs.All()
	require.Len(t, entries, 4)
	for _, e := range entries {
		require.True(t, e.Caller.Defined, e.Message)
		require.Equal(t, "log_test.go", filepath.Base(e.Caller.File), e.Message)
	}
}
