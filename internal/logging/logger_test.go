package logging

import (
	"bytes"
	"context"
	"log"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureStdout captures log package output (DEBUG/INFO/WARN stream) for
// the duration of fn.
func captureStdout(fn func()) string {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)
	fn()
	return buf.String()
}

func TestInitializeLevels(t *testing.T) {
	tests := []struct {
		input string
		want  LogLevel
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"Warn", WARN},
		{"error", ERROR},
		{"fatal", FATAL},
		{"bogus", INFO},
		{"", INFO},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			require.NoError(t, Initialize(tt.input))
			assert.Equal(t, tt.want, globalLogger.level)
		})
	}
}

func TestLevelFiltering(t *testing.T) {
	require.NoError(t, Initialize("warn"))
	require.NoError(t, SetPackageLogLevels(nil))
	logger := GetLogger("filter.test")

	out := captureStdout(func() {
		logger.Debug("dropped debug")
		logger.Info("dropped info")
		logger.Warn("kept warn")
	})

	assert.NotContains(t, out, "dropped debug")
	assert.NotContains(t, out, "dropped info")
	assert.Contains(t, out, "kept warn")
}

func TestPerPackageLevels(t *testing.T) {
	require.NoError(t, Initialize("info"))
	require.NoError(t, SetPackageLogLevels(map[string]string{
		"storage.*":       "debug",
		"ingest.pipeline": "error",
	}))
	t.Cleanup(func() { _ = SetPackageLogLevels(nil) })

	out := captureStdout(func() {
		GetLogger("storage.events").Debug("cursor advanced")
		GetLogger("ingest.pipeline").Warn("suppressed warn")
		GetLogger("search").Info("default level info")
	})

	assert.Contains(t, out, "cursor advanced", "wildcard override should enable debug")
	assert.NotContains(t, out, "suppressed warn", "exact override should raise threshold")
	assert.Contains(t, out, "default level info")
}

func TestSetPackageLogLevelsRejectsBadLevel(t *testing.T) {
	err := SetPackageLogLevels(map[string]string{"storage": "loud"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid level")
}

func TestStructuredFields(t *testing.T) {
	require.NoError(t, Initialize("info"))
	require.NoError(t, SetPackageLogLevels(nil))
	logger := GetLogger("fields.test")

	out := captureStdout(func() {
		logger.InfoWithFields("batch processed",
			Field("ingested", 12),
			Field("duplicates", 3),
		)
	})

	assert.Contains(t, out, "batch processed")
	assert.Contains(t, out, "ingested=12")
	assert.Contains(t, out, "duplicates=3")
}

func TestWithFieldReturnsNewLogger(t *testing.T) {
	require.NoError(t, Initialize("info"))
	base := GetLogger("derive.test")
	derived := base.WithField("request_id", "r-1")

	assert.Empty(t, base.fields, "parent logger must not gain the field")
	assert.Equal(t, "r-1", derived.fields["request_id"])

	// Deriving again must not leak into the first derived logger.
	second := derived.WithField("user", "u-1")
	assert.NotContains(t, derived.fields, "user")
	assert.Len(t, second.fields, 2)
}

func TestWithContextExtractsTraceAndSpan(t *testing.T) {
	require.NoError(t, Initialize("info"))
	ctx := context.WithValue(context.Background(), TraceIDKey(), "trace-123")
	ctx = context.WithValue(ctx, SpanIDKey(), "span-456")

	out := captureStdout(func() {
		GetLogger("ctx.test").WithContext(ctx).Info("processing request")
	})

	assert.Contains(t, out, "trace_id=trace-123")
	assert.Contains(t, out, "span_id=span-456")
}

func TestFatalUsesExitFunc(t *testing.T) {
	require.NoError(t, Initialize("info"))
	var exitCode int
	orig := exitFunc
	exitFunc = func(code int) { exitCode = code }
	defer func() { exitFunc = orig }()

	GetLogger("fatal.test").Fatal("going down")
	assert.Equal(t, 1, exitCode)
}

func TestTimestampOverride(t *testing.T) {
	t.Setenv("LOG_TIMESTAMP", "2026-01-01T00:00:00Z")
	assert.Equal(t, "2026-01-01T00:00:00Z", GetTimestamp())
}

func TestCloneFields(t *testing.T) {
	src := map[string]interface{}{"a": 1}
	dst := cloneFields(src)
	dst["b"] = 2
	assert.Len(t, src, 1, "mutating the clone must not touch the source")

	assert.NotNil(t, cloneFields(nil))
	assert.Empty(t, cloneFields(nil))
}
