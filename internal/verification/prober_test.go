package verification

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-responder/pkg/types"
)

var checkout = types.TargetRef{Namespace: "checkout", Kind: "Deployment", Name: "api"}

func TestPlanApportionsByWeight(t *testing.T) {
	p := NewProber(ProberConfig{BatchSize: 40}, http.DefaultClient, nil)
	plan := p.Plan()
	require.Len(t, plan, 40)

	counts := map[string]int{}
	for _, path := range plan {
		counts[path]++
	}
	assert.Equal(t, 16, counts["/api/orders"])
	assert.Equal(t, 12, counts["/api/cart"])
	assert.Equal(t, 8, counts["/api/products"])
	assert.Equal(t, 4, counts["/health"])
}

func TestPlanDistributesRemainder(t *testing.T) {
	p := NewProber(ProberConfig{
		BatchSize: 10,
		Endpoints: []Endpoint{{Path: "/a", Weight: 2}, {Path: "/b", Weight: 1}, {Path: "/off", Weight: 0}},
	}, http.DefaultClient, nil)
	plan := p.Plan()
	require.Len(t, plan, 10)
	assert.NotContains(t, plan, "/off")
}

func TestBaseURLTemplate(t *testing.T) {
	p := NewProber(ProberConfig{BaseURLTemplate: "http://{name}.{namespace}.svc.cluster.local/"}, http.DefaultClient, nil)
	assert.Equal(t, "http://api.checkout.svc.cluster.local", p.BaseURL(checkout))

	p = NewProber(ProberConfig{}, http.DefaultClient, nil)
	_, err := p.Measure(context.Background(), checkout)
	assert.ErrorIs(t, err, ErrNoTraffic)
}

func TestMeasureCountsServerErrors(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch {
		case strings.HasPrefix(r.URL.Path, "/api/cart"):
			w.WriteHeader(http.StatusInternalServerError)
		case r.URL.Path == "/health":
			w.WriteHeader(http.StatusFound)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	p := NewProber(ProberConfig{BaseURLTemplate: srv.URL, BatchSize: 40, RequestTimeout: time.Second}, srv.Client(), nil)
	m, err := p.Measure(context.Background(), checkout)
	require.NoError(t, err)

	assert.Equal(t, int64(40), hits.Load())
	assert.Equal(t, 40, m.Total)
	assert.Equal(t, 12, m.Errors)
	assert.InDelta(t, 0.30, m.ErrorRate, 1e-9)

	cached, ok := p.Last(checkout, time.Minute)
	require.True(t, ok)
	assert.Equal(t, m, cached)

	_, ok = p.Last(types.TargetRef{Namespace: "other", Name: "svc"}, time.Minute)
	assert.False(t, ok)
}

func TestMeasureCountsTimeouts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow" {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewProber(ProberConfig{
		BaseURLTemplate: srv.URL,
		BatchSize:       4,
		RequestTimeout:  50 * time.Millisecond,
		Endpoints:       []Endpoint{{Path: "/slow", Weight: 1}, {Path: "/fast", Weight: 1}},
	}, srv.Client(), nil)
	m, err := p.Measure(context.Background(), checkout)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Errors)
	assert.InDelta(t, 0.5, m.ErrorRate, 1e-9)
}

func TestLastExpires(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	p := NewProber(ProberConfig{BaseURLTemplate: srv.URL, BatchSize: 2}, srv.Client(), nil)
	now := time.Now()
	p.now = func() time.Time { return now }
	_, err := p.Measure(context.Background(), checkout)
	require.NoError(t, err)

	p.now = func() time.Time { return now.Add(20 * time.Second) }
	_, ok := p.Last(checkout, 15*time.Second)
	assert.False(t, ok)
}
