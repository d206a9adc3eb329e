package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{"warn", WarnLevel},
		{"warning", WarnLevel},
		{" error ", ErrorLevel},
		{"verbose", InfoLevel},
		{"", InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseLevel(tt.input))
		})
	}
}

func TestLevel_String(t *testing.T) {
	assert.Equal(t, "debug", DebugLevel.String())
	assert.Equal(t, "error", ErrorLevel.String())
	assert.Equal(t, "unknown", Level(42).String())
	assert.Equal(t, "unknown", Level(-1).String())
}

func TestSlogLogger_JSONRecord(t *testing.T) {
	var buf bytes.Buffer
	log := New(&Config{Level: InfoLevel, Format: "json", Writer: &buf})

	log.Info("memory added", "memory_id", "m-1", "event", "ADD")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "memory added", record["message"])
	assert.Equal(t, "m-1", record["memory_id"])
	assert.Equal(t, "ADD", record["event"])
	assert.NotContains(t, record, "msg")
}

func TestSlogLogger_SetLevelSharedWithDerived(t *testing.T) {
	var buf bytes.Buffer
	log := New(&Config{Level: InfoLevel, Format: "text", Writer: &buf})
	child := log.With("component", "decay")

	child.Debug("hidden")
	assert.Empty(t, buf.String())

	log.SetLevel(DebugLevel)
	assert.Equal(t, DebugLevel, child.GetLevel())

	child.Debug("visible")
	assert.Contains(t, buf.String(), "visible")
	assert.Contains(t, buf.String(), "component=decay")
}

func TestSlogLogger_TraceFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(&Config{Level: InfoLevel, Format: "json", Writer: &buf})

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	log.InfoContext(ctx, "with span")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, span.SpanContext().TraceID().String(), record["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), record["span_id"])
}

func TestSlogLogger_ContextWithoutSpan(t *testing.T) {
	var buf bytes.Buffer
	log := New(&Config{Level: InfoLevel, Format: "json", Writer: &buf})

	log.WarnContext(context.Background(), "no span")
	assert.NotContains(t, buf.String(), "trace_id")
}

func TestContextWith_FieldsReachRecords(t *testing.T) {
	var buf bytes.Buffer
	log := New(&Config{Level: InfoLevel, Format: "json", Writer: &buf})

	ctx := ContextWith(context.Background(), "request_id", "req-7")
	ctx = ContextWith(ctx, "user_id", "alice")
	log.With("component", "engine").InfoContext(ctx, "memory added", "memory_id", "m-1")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "req-7", record["request_id"])
	assert.Equal(t, "alice", record["user_id"])
	assert.Equal(t, "engine", record["component"])
	assert.Equal(t, "m-1", record["memory_id"])

	buf.Reset()
	log.Info("no context")
	assert.NotContains(t, buf.String(), "request_id")
	assert.Equal(t, context.Background(), ContextWith(context.Background()))
}

func TestSetGlobal(t *testing.T) {
	prev := Global()
	t.Cleanup(func() { SetGlobal(prev) })

	var buf bytes.Buffer
	SetGlobal(New(&Config{Level: WarnLevel, Format: "text", Writer: &buf}))
	SetGlobal(nil)
	Info("dropped")
	Warn("kept", "n", 1)
	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}

func TestFromContext(t *testing.T) {
	log := New(&Config{Level: InfoLevel, Format: "text", Writer: &bytes.Buffer{}})
	ctx := log.WithContext(context.Background())

	assert.Same(t, log, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}

func TestGlobalHelpers(t *testing.T) {
	require.NotNil(t, Global())

	Debug("debug message", "key", "value")
	Info("info message", "key", "value")
	Warn("warn message", "key", "value")
	Error("error message", "key", "value")
	SetLevel(InfoLevel)
}

func TestSlogLogger_FileOutput(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "fademem.log")
	log := New(&Config{Level: InfoLevel, Format: "json", Output: logFile})

	log.Info("decay pass finished", "forgotten", 2)
	require.NoError(t, log.Close())

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(content), "decay pass finished"))
}

func TestOpenOutput(t *testing.T) {
	for _, output := range []string{"", "stdout", "stderr", "/nonexistent/dir/fademem.log"} {
		_, closer := openOutput(output)
		assert.Nil(t, closer, output)
	}
}
