package requestid

import (
	"bytes"
	"context"
	"net/http"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsure_KeepsGivenID(t *testing.T) {
	ctx, id := Ensure(context.Background(), "req-123")
	assert.Equal(t, "req-123", id)

	got, ok := From(ctx)
	require.True(t, ok)
	assert.Equal(t, "req-123", got)
}

func TestEnsure_MintsWhenEmpty(t *testing.T) {
	ctx, id := Ensure(context.Background(), "")
	assert.Len(t, id, 36)

	got, ok := From(ctx)
	require.True(t, ok)
	assert.Equal(t, id, got)

	_, other := Ensure(context.Background(), "")
	assert.NotEqual(t, id, other)
}

func TestFrom_Missing(t *testing.T) {
	_, ok := From(context.Background())
	assert.False(t, ok)

	_, ok = From(With(context.Background(), ""))
	assert.False(t, ok)
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	tagged := Logger(With(context.Background(), "abc"), base)
	tagged.Info().Msg("tagged")
	assert.Contains(t, buf.String(), `"request_id":"abc"`)

	buf.Reset()
	plain := Logger(context.Background(), base)
	plain.Info().Msg("plain")
	assert.NotContains(t, buf.String(), "request_id")
}

func TestSetHeader(t *testing.T) {
	h := http.Header{}
	SetHeader(context.Background(), h)
	assert.Empty(t, h.Get(Header))

	SetHeader(With(context.Background(), "abc"), h)
	assert.Equal(t, "abc", h.Get(Header))
}
