package analytics

import (
	"math"
	"sort"

	"github.com/kubilitics/kubilitics-responder/pkg/contracts"
)

// Package analytics summarises metric windows for the investigation's
// Observe phase.
//
// IMPORTANT: This package uses ONLY pure statistical methods. NO machine learning.
//
// Statistical Methods Used:
//   1. Z-Score Analysis: how far the latest sample sits from the window
//   2. Percentiles: p50, p95, p99 of the window
//   3. Linear Regression: trend slope, relative to the window mean

// Trend directions reported in a MetricSummary.
const (
	TrendRising  = "rising"
	TrendFalling = "falling"
	TrendFlat    = "flat"
)

// Statistics represents statistical measures of a dataset
type Statistics struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	P50    float64 `json:"p50"`
	P95    float64 `json:"p95"`
	P99    float64 `json:"p99"`
	Count  int     `json:"count"`
}

// Engine is the analytics engine
type Engine struct {
	zScoreThreshold float64 // Default: 3.0 (99.7% confidence)
	trendWindow     int     // Default: 50 data points
	flatSlope       float64 // Default: 1% of the mean per step
}

// NewEngine creates a new analytics engine
func NewEngine() *Engine {
	return &Engine{
		zScoreThreshold: 3.0,
		trendWindow:     50,
		flatSlope:       0.01,
	}
}

// Summarize reduces a window of samples, oldest first, to the summary the
// investigation records as metric evidence. AnomalyScore maps the z-score of
// the latest sample against the preceding ones onto [0,1], reaching 1 at the
// z-score threshold.
func (e *Engine) Summarize(values []float64) contracts.MetricSummary {
	if len(values) == 0 {
		return contracts.MetricSummary{Trend: TrendFlat}
	}
	current := values[len(values)-1]
	stats := e.Statistics(values)
	direction, _ := e.Trend(values)
	return contracts.MetricSummary{
		Current:      current,
		Average:      stats.Mean,
		Trend:        direction,
		AnomalyScore: e.anomalyScore(values),
	}
}

// Statistics computes the window statistics.
func (e *Engine) Statistics(values []float64) Statistics {
	if len(values) == 0 {
		return Statistics{}
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	mean, stdDev := meanStdDev(values)
	return Statistics{
		Mean:   mean,
		StdDev: stdDev,
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		P50:    percentile(sorted, 50),
		P95:    percentile(sorted, 95),
		P99:    percentile(sorted, 99),
		Count:  len(values),
	}
}

// Trend performs linear regression over the most recent window and returns
// the direction and slope per sample.
func (e *Engine) Trend(values []float64) (string, float64) {
	if len(values) < 2 {
		return TrendFlat, 0
	}
	window := values
	if len(window) > e.trendWindow {
		window = window[len(window)-e.trendWindow:]
	}

	n := float64(len(window))
	var sumX, sumY, sumXY, sumX2 float64
	for i, y := range window {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumX2 += x * x
	}
	slope := (n*sumXY - sumX*sumY) / (n*sumX2 - sumX*sumX)

	scale := math.Abs(sumY / n)
	if scale == 0 {
		scale = 1
	}
	if math.Abs(slope)/scale <= e.flatSlope {
		return TrendFlat, slope
	}
	if slope > 0 {
		return TrendRising, slope
	}
	return TrendFalling, slope
}

func (e *Engine) anomalyScore(values []float64) float64 {
	if len(values) < 3 {
		return 0
	}
	current := values[len(values)-1]
	mean, stdDev := meanStdDev(values[:len(values)-1])
	if stdDev == 0 {
		if current == mean {
			return 0
		}
		return 1
	}
	z := math.Abs(current-mean) / stdDev
	return math.Min(z/e.zScoreThreshold, 1)
}

func meanStdDev(values []float64) (float64, float64) {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

// percentile calculates the nth percentile of sorted data
func percentile(sortedData []float64, p int) float64 {
	if len(sortedData) == 0 {
		return 0
	}
	if len(sortedData) == 1 {
		return sortedData[0]
	}

	rank := float64(p) / 100.0 * float64(len(sortedData)-1)
	lowerIndex := int(math.Floor(rank))
	upperIndex := int(math.Ceil(rank))

	if lowerIndex == upperIndex {
		return sortedData[lowerIndex]
	}

	// Linear interpolation
	weight := rank - float64(lowerIndex)
	return sortedData[lowerIndex]*(1-weight) + sortedData[upperIndex]*weight
}
