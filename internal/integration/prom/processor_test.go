package prom_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-responder/internal/integration/prom"
	"github.com/kubilitics/kubilitics-responder/pkg/types"
)

var target = types.TargetRef{Namespace: "checkout", Kind: "Deployment", Name: "checkout-api"}

type promServer struct {
	mu      sync.Mutex
	queries []string
	matrix  map[string]string // metric marker -> result JSON
}

func (s *promServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	query := r.FormValue("query")
	s.mu.Lock()
	s.queries = append(s.queries, query)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	for marker, result := range s.matrix {
		if strings.Contains(query, marker) {
			fmt.Fprintf(w, `{"status":"success","data":{"resultType":"matrix","result":%s}}`, result)
			return
		}
	}
	w.WriteHeader(http.StatusBadRequest)
	fmt.Fprint(w, `{"status":"error","errorType":"bad_data","error":"parse error"}`)
}

func newProcessor(t *testing.T, s *promServer, queries map[string]string) *prom.Processor {
	t.Helper()
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	p, err := prom.NewProcessor(prom.Config{Address: srv.URL, Queries: queries}, nil)
	require.NoError(t, err)
	return p
}

func TestGetMetrics_SummarisesRangeQuery(t *testing.T) {
	s := &promServer{matrix: map[string]string{
		"errors_total": `[
			{"metric":{"pod":"a"},"values":[[1700000000,"0.01"],[1700000015,"0.01"],[1700000030,"0.20"]]},
			{"metric":{"pod":"b"},"values":[[1700000000,"0.01"],[1700000015,"0.01"],[1700000030,"0.20"]]}
		]`,
	}}
	p := newProcessor(t, s, map[string]string{
		"error_rate": `sum(rate(errors_total{namespace="{{namespace}}",app="{{name}}"}[1m]))`,
	})

	got, err := p.GetMetrics(context.Background(), target, 15*time.Minute)
	require.NoError(t, err)
	require.Contains(t, got, "error_rate")
	m := got["error_rate"]
	assert.InDelta(t, 0.40, m.Current, 1e-9)
	assert.Equal(t, "rising", m.Trend)
	assert.Greater(t, m.AnomalyScore, 0.5)

	require.Len(t, s.queries, 1)
	assert.Contains(t, s.queries[0], `namespace="checkout"`)
	assert.Contains(t, s.queries[0], `app="checkout-api"`)
}

func TestGetMetrics_PartialFailureOmitsMetric(t *testing.T) {
	s := &promServer{matrix: map[string]string{
		"latency": `[{"metric":{},"values":[[1700000000,"0.2"],[1700000015,"0.2"]]}]`,
		"empty":   `[]`,
	}}
	p := newProcessor(t, s, map[string]string{
		"latency_p95": "latency{}",
		"broken":      "broken{",
		"idle":        "empty{}",
	})

	got, err := p.GetMetrics(context.Background(), target, time.Minute)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Contains(t, got, "latency_p95")
}

func TestGetMetrics_AllQueriesFail(t *testing.T) {
	p := newProcessor(t, &promServer{}, map[string]string{"error_rate": "broken{"})

	_, err := p.GetMetrics(context.Background(), target, time.Minute)
	assert.ErrorContains(t, err, "query error_rate")
}

func TestNewProcessor_RequiresAddress(t *testing.T) {
	_, err := prom.NewProcessor(prom.Config{}, nil)
	assert.Error(t, err)
}
