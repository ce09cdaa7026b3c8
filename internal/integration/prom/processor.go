// Package prom implements the metric-processor collaborator on the
// Prometheus HTTP API. Each configured query is evaluated as a range query
// over the requested window and reduced by the analytics engine.
package prom

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-responder/internal/analytics"
	"github.com/kubilitics/kubilitics-responder/pkg/contracts"
	"github.com/kubilitics/kubilitics-responder/pkg/types"
)

// Query templates may reference these placeholders.
const (
	PlaceholderNamespace = "{{namespace}}"
	PlaceholderName      = "{{name}}"
)

var _ contracts.MetricProcessor = (*Processor)(nil)

// Config configures the processor.
type Config struct {
	Address string

	// Queries maps metric names to PromQL templates.
	Queries map[string]string

	// Points is the number of samples requested per window.
	Points  int
	MinStep time.Duration
}

// DefaultQueries returns the error-rate and latency queries used when the
// configuration names none.
func DefaultQueries() map[string]string {
	return map[string]string{
		"error_rate":  `sum(rate(http_requests_total{namespace="{{namespace}}",service="{{name}}",code=~"5.."}[1m])) / sum(rate(http_requests_total{namespace="{{namespace}}",service="{{name}}"}[1m]))`,
		"latency_p95": `histogram_quantile(0.95, sum(rate(http_request_duration_seconds_bucket{namespace="{{namespace}}",service="{{name}}"}[1m])) by (le))`,
	}
}

// Processor evaluates range queries and summarises them.
type Processor struct {
	api       v1.API
	cfg       Config
	analytics *analytics.Engine
	logger    *zap.Logger
	now       func() time.Time
}

// NewProcessor connects to the Prometheus server at cfg.Address.
func NewProcessor(cfg Config, logger *zap.Logger) (*Processor, error) {
	if cfg.Address == "" {
		return nil, errors.New("prometheus address is required")
	}
	client, err := api.NewClient(api.Config{Address: cfg.Address})
	if err != nil {
		return nil, fmt.Errorf("create prometheus client: %w", err)
	}
	if len(cfg.Queries) == 0 {
		cfg.Queries = DefaultQueries()
	}
	if cfg.Points <= 0 {
		cfg.Points = 30
	}
	if cfg.MinStep <= 0 {
		cfg.MinStep = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		api:       v1.NewAPI(client),
		cfg:       cfg,
		analytics: analytics.NewEngine(),
		logger:    logger,
		now:       time.Now,
	}, nil
}

// GetMetrics evaluates every configured query for target over window.
// Queries that fail or return no samples are omitted; the call fails only
// when every query failed.
func (p *Processor) GetMetrics(ctx context.Context, target types.TargetRef, window time.Duration) (map[string]contracts.MetricSummary, error) {
	end := p.now()
	step := window / time.Duration(p.cfg.Points)
	if step < p.cfg.MinStep {
		step = p.cfg.MinStep
	}
	r := v1.Range{Start: end.Add(-window), End: end, Step: step}
	replacer := strings.NewReplacer(PlaceholderNamespace, target.Namespace, PlaceholderName, target.Name)

	names := make([]string, 0, len(p.cfg.Queries))
	for name := range p.cfg.Queries {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]contracts.MetricSummary, len(names))
	var lastErr error
	failed := 0
	for _, name := range names {
		query := replacer.Replace(p.cfg.Queries[name])
		value, warnings, err := p.api.QueryRange(ctx, query, r)
		if err != nil {
			failed++
			lastErr = fmt.Errorf("query %s: %w", name, err)
			p.logger.Warn("prometheus query failed", zap.String("metric", name), zap.Error(err))
			continue
		}
		if len(warnings) > 0 {
			p.logger.Debug("prometheus query warnings", zap.String("metric", name), zap.Strings("warnings", warnings))
		}
		samples := flatten(value)
		if len(samples) == 0 {
			continue
		}
		out[name] = p.analytics.Summarize(samples)
	}
	if failed == len(names) && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

// flatten sums a matrix across series per timestamp, oldest first.
func flatten(value model.Value) []float64 {
	matrix, ok := value.(model.Matrix)
	if !ok {
		return nil
	}
	sums := make(map[model.Time]float64)
	for _, stream := range matrix {
		for _, pair := range stream.Values {
			v := float64(pair.Value)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			sums[pair.Timestamp] += v
		}
	}
	times := make([]model.Time, 0, len(sums))
	for t := range sums {
		times = append(times, t)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	out := make([]float64, len(times))
	for i, t := range times {
		out[i] = sums[t]
	}
	return out
}
