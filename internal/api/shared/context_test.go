package shared

import (
	"context"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetAndGetTraceID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	assert.Empty(t, GetTraceID(ctx))

	generated := GetTraceID(SetTraceID(ctx, ""))
	assert.Len(t, generated, TraceIDLength)
	_, err := hex.DecodeString(generated)
	assert.NoError(t, err)

	assert.Equal(t, "client-trace_01", GetTraceID(SetTraceID(ctx, "client-trace_01")))
	assert.Empty(t, GetTraceID(ctx), "original context is unchanged")
}

func TestSetTraceID_RejectsUnsafeInput(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"has space", "new\nline", `quote"`, strings.Repeat("a", 65)} {
		got := GetTraceID(SetTraceID(context.Background(), in))
		assert.NotEqual(t, in, got)
		assert.Len(t, got, TraceIDLength)
	}
}

func TestGetTraceIDWithInvalidContext(t *testing.T) {
	t.Parallel()

	ctx := context.WithValue(context.Background(), TraceIDKey, 123)
	assert.Empty(t, GetTraceID(ctx))
}

func TestNewTraceID_Unique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		id := NewTraceID()
		assert.False(t, seen[id], "duplicate trace ID %s", id)
		seen[id] = true
	}
}
