// Package requestid carries the id of an inbound API request through to the
// gateway calls it causes, so the control API, this process's logs and the
// gateway's HTTP logs can be joined on one id.
package requestid

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Header is the HTTP header the id travels in, inbound and outbound.
const Header = "X-Request-ID"

type ctxKey struct{}

// With returns ctx carrying id.
func With(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// From returns the id carried by ctx.
func From(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// Ensure returns ctx carrying id, minting a fresh one when id is empty.
func Ensure(ctx context.Context, id string) (context.Context, string) {
	if id == "" {
		id = uuid.New().String()
	}
	return With(ctx, id), id
}

// Logger returns logger tagged with the id carried by ctx, if any.
func Logger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	id, ok := From(ctx)
	if !ok {
		return logger
	}
	return logger.With().Str("request_id", id).Logger()
}

// SetHeader copies the id carried by ctx onto h.
func SetHeader(ctx context.Context, h http.Header) {
	if id, ok := From(ctx); ok {
		h.Set(Header, id)
	}
}
