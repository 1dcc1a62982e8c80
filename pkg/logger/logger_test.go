package logger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name   string
		config *Config
	}{
		{"nil config", nil},
		{"console", &Config{Level: InfoLevel, Format: JSONFormat, Console: true}},
		{"file", &Config{Level: InfoLevel, File: filepath.Join(dir, "sio.log")}},
		{"rotate", &Config{Rotate: &RotateConfig{Filename: filepath.Join(dir, "sio-rotate.log")}}},
		{"sampling", &Config{Sampling: &SamplingConfig{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.config)
			require.NoError(t, err)
			l.Info("started")
			_ = l.Sync()
		})
	}
}

func TestPresets(t *testing.T) {
	prod, err := NewProduction()
	require.NoError(t, err)
	assert.Equal(t, InfoLevel, prod.Level())

	dev, err := NewDevelopment()
	require.NoError(t, err)
	assert.Equal(t, DebugLevel, dev.Level())

	assert.NotPanics(t, func() { NewNop().Error("dropped") })
}

func TestSetLevelAffectsChildren(t *testing.T) {
	l, err := NewWithOptions(WithLevel(InfoLevel))
	require.NoError(t, err)
	child := l.With(zap.String("sid", "abc"))

	l.SetLevel(ErrorLevel)
	assert.Equal(t, ErrorLevel, l.Level())
	assert.Equal(t, ErrorLevel, child.Level())
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, WarnLevel, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestContextFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := FromZap(zap.New(core))

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  spanID,
	}))
	ctx = WithSessionID(ctx, "abc123")

	l.InfoContext(ctx, "dispatch", zap.String("event", "ping"))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, traceID.String(), fields["trace_id"])
	assert.Equal(t, spanID.String(), fields["span_id"])
	assert.Equal(t, "abc123", fields["sid"])
	assert.Equal(t, "ping", fields["event"])

	l.WithContext(ctx).Warn("bound")
	assert.Equal(t, "abc123", logs.All()[1].ContextMap()["sid"])
}

func TestLoggerInContext(t *testing.T) {
	fallback := NewNop()
	assert.Same(t, fallback, FromContext(context.Background(), fallback))

	l := NewNop()
	ctx := NewContext(context.Background(), l)
	assert.Same(t, l, FromContext(ctx, fallback))
}

type countingHook struct{ n int }

func (h *countingHook) OnWrite(zapcore.Entry, []zapcore.Field) error {
	h.n++
	return nil
}

func TestHook(t *testing.T) {
	hook := &countingHook{}
	l, err := NewWithOptions(WithHook(hook), WithFileOutput(filepath.Join(t.TempDir(), "hook.log")))
	require.NoError(t, err)

	l.Info("one")
	l.Debug("filtered")
	l.Warn("two")
	assert.Equal(t, 2, hook.n)
}

func TestFileOutput(t *testing.T) {
	file := filepath.Join(t.TempDir(), "out.log")
	l, err := NewWithOptions(WithFileOutput(file), WithFormat(JSONFormat))
	require.NoError(t, err)

	l.Info("session connected", zap.String("sid", "abc"))
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"sid":"abc"`)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)

	r := gin.New()
	r.Use(Middleware(FromZap(zap.New(core))))
	r.GET("/socket.io/1/", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/socket.io/1/", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, zapcore.DebugLevel, logs.All()[0].Level)
	assert.Equal(t, "/socket.io/1/", logs.All()[0].ContextMap()["path"])
	assert.Equal(t, zapcore.ErrorLevel, logs.All()[1].Level)
}
