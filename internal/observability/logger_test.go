// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/partscout/internal/config"
)

// bufferSink adapts a bytes.Buffer to zapcore.WriteSyncer.
type bufferSink struct{ bytes.Buffer }

func (b *bufferSink) Sync() error { return nil }

func TestInitialize(t *testing.T) {
	t.Run("console logger colors the level", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		sink := &bufferSink{}

		Initialize(config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "partscout",
			Colors:      config.ColorConfig{Info: "green"},
		}, sink)
		GetLogger().Named("orchestrator").Info("session started")
		Sync()

		out := sink.String()
		assert.Contains(t, out, "\x1b[32mINFO"+colorReset)
		assert.Contains(t, out, "partscout.orchestrator.")
		assert.Contains(t, out, "session started")
	})

	t.Run("json logger emits structured fields", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		sink := &bufferSink{}

		Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "JSONTest"}, sink)
		GetLogger().Warn("step failed", zap.Int("step", 3))
		Sync()

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(sink.Bytes(), &entry))
		assert.Equal(t, "WARN", entry["level"])
		assert.Equal(t, "JSONTest", entry["logger"])
		assert.Equal(t, "step failed", entry["msg"])
		assert.EqualValues(t, 3, entry["step"])
	})

	t.Run("writes to a rotating log file", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		logFile := filepath.Join(t.TempDir(), "partscout.log")

		Initialize(config.LoggerConfig{Level: "debug", Format: "json", LogFile: logFile, MaxSize: 1}, zapcore.AddSync(&bytes.Buffer{}))
		GetLogger().Error("goes to the file")
		Sync()

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), "goes to the file")
	})

	t.Run("only initializes once", func(t *testing.T) {
		ResetForTest()
		t.Cleanup(ResetForTest)
		sink := &bufferSink{}

		Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "First"}, sink)
		first := GetLogger()
		Initialize(config.LoggerConfig{Level: "debug", Format: "json", ServiceName: "Second"}, sink)

		assert.Same(t, first, GetLogger())
		GetLogger().Info("test")
		Sync()
		assert.Contains(t, sink.String(), "First")
		assert.NotContains(t, sink.String(), "Second")
	})
}

func TestGetLogger_Fallback(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)
	require.NotNil(t, GetLogger())
	assert.Nil(t, globalLogger.Load(), "fallback must not be stored globally")
}
