// SPDX-License-Identifier: MIT

package log

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestContextRoundTrips(t *testing.T) {
	ctx := context.Background()

	ctx = ContextWithRequestID(ctx, "req-1")
	ctx = ContextWithRoute(ctx, "home")
	ctx = ContextWithProcedure(ctx, "post.byid")

	assert.Equal(t, "req-1", RequestIDFromContext(ctx))
	assert.Equal(t, "home", RouteFromContext(ctx))
	assert.Equal(t, "post.byid", ProcedureFromContext(ctx))
}

func TestContextAccessorsNilSafe(t *testing.T) {
	//nolint:staticcheck // nil context is the case under test
	assert.Empty(t, RequestIDFromContext(nil))
	//nolint:staticcheck
	assert.Empty(t, RouteFromContext(nil))
	//nolint:staticcheck
	assert.Empty(t, ProcedureFromContext(nil))

	ctx := ContextWithRequestID(nil, "req-2") //nolint:staticcheck
	assert.Equal(t, "req-2", RequestIDFromContext(ctx))
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := ContextWithRequestID(context.Background(), "req-3")
	ctx = ContextWithProcedure(ctx, "post.list")

	enriched := WithContext(ctx, base)
	enriched.Info().Msg("enriched")
	out := buf.String()
	assert.Contains(t, out, `"request_id":"req-3"`)
	assert.Contains(t, out, `"procedure":"post.list"`)

	// No correlation fields: the logger passes through untouched.
	buf.Reset()
	plain := WithContext(context.Background(), base)
	plain.Info().Msg("plain")
	assert.NotContains(t, buf.String(), "request_id")
}

func TestFromContextPrefersEmbeddedLogger(t *testing.T) {
	var buf bytes.Buffer
	embedded := zerolog.New(&buf)
	ctx := embedded.WithContext(context.Background())

	fromCtx := FromContext(ctx)
	fromCtx.Info().Msg("from ctx")
	assert.Contains(t, buf.String(), "from ctx")
}

func TestWithComponentFromContext(t *testing.T) {
	var buf bytes.Buffer
	embedded := zerolog.New(&buf)
	ctx := embedded.WithContext(context.Background())

	logger := WithComponentFromContext(ctx, "refresher")
	logger.Info().Msg("tick")
	assert.Contains(t, buf.String(), `"component":"refresher"`)
}
