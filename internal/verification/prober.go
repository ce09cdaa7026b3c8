package verification

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/dnscache"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/kubilitics-responder/internal/metrics"
	"github.com/kubilitics/kubilitics-responder/pkg/types"
)

// ErrNoTraffic is returned when a target has no synthetic traffic plan.
var ErrNoTraffic = errors.New("synthetic traffic not configured")

// Endpoint is one probed path. Weight is its share of the batch.
type Endpoint struct {
	Path   string `mapstructure:"path" json:"path"`
	Weight int    `mapstructure:"weight" json:"weight"`
}

// DefaultEndpoints favour business-logic paths; the health check is kept but
// under-weighted because it under-reports application bugs.
var DefaultEndpoints = []Endpoint{
	{Path: "/api/orders", Weight: 4},
	{Path: "/api/cart", Weight: 3},
	{Path: "/api/products", Weight: 2},
	{Path: "/health", Weight: 1},
}

// ProberConfig configures synthetic traffic generation.
type ProberConfig struct {
	// BaseURLTemplate expands {name} and {namespace} of the target,
	// e.g. "http://{name}.{namespace}.svc.cluster.local".
	BaseURLTemplate string
	Endpoints       []Endpoint
	BatchSize       int
	RequestTimeout  time.Duration
}

// Measurement is the outcome of one synthetic batch.
type Measurement struct {
	Target     string    `json:"target"`
	Total      int       `json:"total"`
	Errors     int       `json:"errors"`
	ErrorRate  float64   `json:"error_rate"`
	MeasuredAt time.Time `json:"measured_at"`
}

// Prober issues concurrent synthetic request batches and caches the last
// measured error rate per target.
type Prober struct {
	cfg    ProberConfig
	client *http.Client
	logger *zap.Logger
	now    func() time.Time

	mu   sync.RWMutex
	last map[string]Measurement
}

// NewProber creates a prober. A nil client gets a transport that resolves
// through a shared DNS cache, since every batch hits the same service names.
func NewProber(cfg ProberConfig, client *http.Client, logger *zap.Logger) *Prober {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 40
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Second
	}
	if len(cfg.Endpoints) == 0 {
		cfg.Endpoints = DefaultEndpoints
	}
	if client == nil {
		client = &http.Client{Transport: cachedDNSTransport(&dnscache.Resolver{})}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		cfg:    cfg,
		client: client,
		logger: logger,
		now:    time.Now,
		last:   make(map[string]Measurement),
	}
}

func cachedDNSTransport(resolver *dnscache.Resolver) *http.Transport {
	dialer := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		MaxIdleConnsPerHost: 64,
		DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(address)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			if len(ips) == 0 {
				return nil, &net.DNSError{Err: "no IP addresses found", Name: host}
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		},
	}
}

// BaseURL expands the template for target.
func (p *Prober) BaseURL(target types.TargetRef) string {
	if p.cfg.BaseURLTemplate == "" {
		return ""
	}
	r := strings.NewReplacer("{name}", target.Name, "{namespace}", target.Namespace)
	return strings.TrimRight(r.Replace(p.cfg.BaseURLTemplate), "/")
}

// Plan returns the request paths of one batch, apportioned by weight.
func (p *Prober) Plan() []string {
	total := 0
	for _, ep := range p.cfg.Endpoints {
		if ep.Weight > 0 {
			total += ep.Weight
		}
	}
	if total == 0 {
		return nil
	}

	type share struct {
		path      string
		count     int
		remainder int
	}
	shares := make([]share, 0, len(p.cfg.Endpoints))
	assigned := 0
	for _, ep := range p.cfg.Endpoints {
		if ep.Weight <= 0 {
			continue
		}
		n := p.cfg.BatchSize * ep.Weight
		shares = append(shares, share{path: ep.Path, count: n / total, remainder: n % total})
		assigned += n / total
	}
	// Largest remainders get the leftover requests.
	order := make([]int, len(shares))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return shares[order[a]].remainder > shares[order[b]].remainder })
	for i := 0; assigned < p.cfg.BatchSize; i = (i + 1) % len(order) {
		shares[order[i]].count++
		assigned++
	}

	plan := make([]string, 0, p.cfg.BatchSize)
	for _, s := range shares {
		for i := 0; i < s.count; i++ {
			plan = append(plan, s.path)
		}
	}
	return plan
}

// Measure issues one batch concurrently and returns the error ratio.
// Timeouts and responses outside 2xx/3xx count as errors.
func (p *Prober) Measure(ctx context.Context, target types.TargetRef) (Measurement, error) {
	base := p.BaseURL(target)
	plan := p.Plan()
	if base == "" || len(plan) == 0 {
		return Measurement{}, ErrNoTraffic
	}

	var failures atomic.Int64
	var g errgroup.Group
	for _, path := range plan {
		url := base + path
		g.Go(func() error {
			if !p.probe(ctx, url) {
				failures.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return Measurement{}, fmt.Errorf("synthetic traffic cancelled: %w", err)
	}

	m := Measurement{
		Target:     target.Key(),
		Total:      len(plan),
		Errors:     int(failures.Load()),
		MeasuredAt: p.now(),
	}
	m.ErrorRate = float64(m.Errors) / float64(m.Total)

	p.mu.Lock()
	p.last[m.Target] = m
	p.mu.Unlock()

	metrics.SyntheticErrorRate.WithLabelValues(m.Target).Set(m.ErrorRate)
	p.logger.Debug("synthetic traffic measured",
		zap.String("target", m.Target),
		zap.Int("requests", m.Total),
		zap.Int("errors", m.Errors),
		zap.Float64("error_rate", m.ErrorRate),
	)
	return m, nil
}

func (p *Prober) probe(ctx context.Context, url string) bool {
	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", "kubilitics-responder-probe")
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode >= 200 && resp.StatusCode < 400
}

// Last returns the cached measurement for target if it is younger than maxAge.
func (p *Prober) Last(target types.TargetRef, maxAge time.Duration) (Measurement, bool) {
	p.mu.RLock()
	m, ok := p.last[target.Key()]
	p.mu.RUnlock()
	if !ok || maxAge <= 0 || p.now().Sub(m.MeasuredAt) > maxAge {
		return Measurement{}, false
	}
	return m, true
}
