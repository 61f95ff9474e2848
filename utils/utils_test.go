package utils

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortedKeys(t *testing.T) {
	m := map[string]int{"b": 2, "c": 3, "a": 1}
	assert.Equal(t, []string{"a", "b", "c"}, SortedKeys(m))
	assert.Empty(t, SortedKeys(map[int]bool{}))
}

func TestSubtract(t *testing.T) {
	drop := map[string]struct{}{"b": {}}
	assert.Equal(t, []string{"a", "c"}, Subtract([]string{"a", "b", "c"}, drop))
	assert.Nil(t, Subtract([]string{"b"}, drop))
}

func TestDefaultLogger_CtxArgs(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriterLogger(&buf, slog.LevelDebug)
	ctx := WithDefaultArgs(context.Background(), "client", "c1")
	log.InfoCtx(ctx, "synced", "ops", 2)

	out := buf.String()
	assert.Contains(t, out, "[optimist] synced")
	assert.Contains(t, out, "ops=2")
	assert.Contains(t, out, "client=c1")
}

func TestDefaultLogger_With(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriterLogger(&buf, slog.LevelInfo).With("replica", "server")
	log.Debug("hidden")
	log.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "replica=server")
}
