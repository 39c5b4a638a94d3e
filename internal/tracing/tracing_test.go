package tracing

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTraceparent(t *testing.T) {
	traceID, spanID, flags, ok := ParseTraceparent("00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	require.True(t, ok)
	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", traceID)
	assert.Equal(t, "00f067aa0ba902b7", spanID)
	assert.Equal(t, byte(1), flags)
}

func TestParseTraceparentRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"00-abc",
		"01-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
		"00-shortid-00f067aa0ba902b7-01",
		"00-4bf92f3577b34da6a3ce929d0e0e4736-short-01",
		"00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-zz",
	}
	for _, tc := range cases {
		_, _, _, ok := ParseTraceparent(tc)
		assert.False(t, ok, "accepted %q", tc)
	}
}

func TestStartSpanWithoutInitialize(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test")
	require.NotNil(t, span)
	span.End()

	// The noop tracer yields an invalid span context, so nothing propagates.
	assert.Empty(t, W3CTraceparent(ctx))

	req, err := http.NewRequest(http.MethodPost, "http://example/api", nil)
	require.NoError(t, err)
	InjectTraceparent(ctx, req)
	assert.Empty(t, req.Header.Get("traceparent"))
}
