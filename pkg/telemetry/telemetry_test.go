package telemetry

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetup_Disabled(t *testing.T) {
	t.Setenv(EnvEndpoint, "")

	shutdown, enabled, err := Setup(t.Context(), Options{})
	require.NoError(t, err)
	assert.False(t, enabled)
	assert.NoError(t, shutdown(t.Context()))
}

func TestSetup_ExportsSpans(t *testing.T) {
	var exports atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/v1/traces" {
			exports.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(ts.Close)

	previous := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	shutdown, enabled, err := Setup(t.Context(), Options{Endpoint: ts.URL})
	require.NoError(t, err)
	require.True(t, enabled)

	_, span := TrackCommand(t.Context(), "ask", []string{"hello"})
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	require.NoError(t, shutdown(t.Context()))
	assert.Positive(t, exports.Load())
}

func TestTracesURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "http://localhost:4318/v1/traces", tracesURL("http://localhost:4318"))
	assert.Equal(t, "http://localhost:4318/v1/traces", tracesURL("http://localhost:4318/"))
	assert.Equal(t, "https://otel.example.com/v1/traces", tracesURL("https://otel.example.com/v1/traces"))
}
