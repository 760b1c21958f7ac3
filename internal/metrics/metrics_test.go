package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestTurnFinished(t *testing.T) {
	c := New()

	c.TurnFinished(OutcomeCompleted, time.Second)
	c.TurnFinished(OutcomeCompleted, 2*time.Second)
	c.TurnFinished(OutcomeRejected, 0)

	require.Equal(t, 2.0, testutil.ToFloat64(c.turnsTotal.WithLabelValues(OutcomeCompleted)))
	require.Equal(t, 1.0, testutil.ToFloat64(c.turnsTotal.WithLabelValues(OutcomeRejected)))
	require.Equal(t, 1, testutil.CollectAndCount(c.turnDuration))
}

func TestConnectionsGauge(t *testing.T) {
	c := New()
	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionClosed()
	require.Equal(t, 1.0, testutil.ToFloat64(c.openConnections))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.TurnFinished(OutcomeFailed, time.Second)
	c.ChunkForwarded()
	c.UpstreamError("upstream unavailable")
	c.PersistFailed()
	c.Tokens(1, 2)
	c.ConnectionOpened()
	c.HTTPRequest("/", http.MethodGet, 200, time.Millisecond)
}

func TestHandlerExposesInstruments(t *testing.T) {
	c := New()
	c.ChunkForwarded()
	c.HTTPRequest("/health", http.MethodGet, http.StatusOK, time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.True(t, strings.Contains(body, "llmhub_relay_chunks_total 1"))
	require.True(t, strings.Contains(body, `llmhub_http_requests_total{method="GET",route="/health",status="200"} 1`))
}
