package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-responder/internal/metrics"
)

func TestRateLimiterPerClient(t *testing.T) {
	rl := NewRateLimiter(2)
	defer rl.Stop()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	h := rl.Middleware(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusAccepted) })

	call := func(addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/incidents", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		h(rr, req)
		return rr.Code
	}

	assert.Equal(t, http.StatusAccepted, call("10.0.0.1:5000"))
	assert.Equal(t, http.StatusAccepted, call("10.0.0.1:5001"))
	assert.Equal(t, http.StatusTooManyRequests, call("10.0.0.1:5002"), "same host shares a bucket")
	assert.Equal(t, http.StatusAccepted, call("10.0.0.2:5000"), "other hosts are unaffected")

	now = now.Add(30 * time.Second)
	assert.Equal(t, http.StatusAccepted, call("10.0.0.1:5003"), "one token refills every 30s")
}

func TestMetricsRecordsStatus(t *testing.T) {
	h := Metrics("/test/metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	before := counterValue(t, http.MethodGet, "/test/metrics", "404")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/test/metrics/x", nil))

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, before+1, counterValue(t, http.MethodGet, "/test/metrics", "404"))
}

func counterValue(t *testing.T, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.HTTPRequestsTotal.WithLabelValues(labels...).Write(&m))
	return m.GetCounter().GetValue()
}
