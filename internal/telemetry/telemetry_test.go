package telemetry

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestMetricsReachPrometheus(t *testing.T) {
	ctx := context.Background()
	tel, err := Init(ctx, Config{ServiceName: "locallibrary-test", TraceExporter: "none"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	counter, err := tel.Meter("test").Int64Counter("test.loans")
	require.NoError(t, err)
	counter.Add(ctx, 3)

	w := httptest.NewRecorder()
	tel.MetricsHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "test_loans")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestStdoutExporter(t *testing.T) {
	var buf bytes.Buffer
	tel, err := Init(context.Background(), Config{ServiceName: "locallibrary-test", TraceExporter: "stdout", StdoutWriter: &buf})
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "borrow")
	span.End()

	require.NoError(t, tel.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), `"Name":"borrow"`)
}

func TestUnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), Config{TraceExporter: "zipkin"})
	assert.ErrorIs(t, err, ErrUnknownExporter)
}
