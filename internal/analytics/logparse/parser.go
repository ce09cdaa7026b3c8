// Package logparse groups error log lines into normalised patterns and
// flags patterns whose recent rate jumped.
package logparse

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/kubilitics/kubilitics-responder/pkg/contracts"
)

var (
	errorLine = regexp.MustCompile(`(?i)(\berror\b|\bfatal\b|\bpanic\b|exception|level=(error|fatal)|"level":\s*"(error|fatal)"|\bstatus[=: ]+5\d\d\b|\b5\d\d internal)`)

	leadingTimestamp = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2}))\s+`)
	uuidPattern      = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)
	hexPattern       = regexp.MustCompile(`\b0x[0-9a-fA-F]+\b|\b[0-9a-f]{12,}\b`)
	ipPattern        = regexp.MustCompile(`\b\d{1,3}(\.\d{1,3}){3}(:\d+)?\b`)
	numberPattern    = regexp.MustCompile(`\b\d+(\.\d+)?(ms|s|us|ns)?\b`)
	spacePattern     = regexp.MustCompile(`\s+`)
)

// Config tunes grouping and spike detection.
type Config struct {
	// SpikeWindow is the recent window compared against the rest of the logs.
	SpikeWindow time.Duration
	// SpikeFactor is how many times the baseline rate the recent rate must reach.
	SpikeFactor float64
	// MinSpikeCount is the minimum number of lines in the recent window.
	MinSpikeCount int
	MaxPatterns   int
	MaxPatternLen int
}

// DefaultConfig returns the parser defaults.
func DefaultConfig() Config {
	return Config{
		SpikeWindow:   time.Minute,
		SpikeFactor:   3,
		MinSpikeCount: 3,
		MaxPatterns:   20,
		MaxPatternLen: 160,
	}
}

// Parser implements contracts.LogParser.
type Parser struct {
	cfg Config
}

var _ contracts.LogParser = (*Parser)(nil)

// New creates a parser; zero fields of cfg take their defaults.
func New(cfg Config) *Parser {
	def := DefaultConfig()
	if cfg.SpikeWindow <= 0 {
		cfg.SpikeWindow = def.SpikeWindow
	}
	if cfg.SpikeFactor <= 0 {
		cfg.SpikeFactor = def.SpikeFactor
	}
	if cfg.MinSpikeCount <= 0 {
		cfg.MinSpikeCount = def.MinSpikeCount
	}
	if cfg.MaxPatterns <= 0 {
		cfg.MaxPatterns = def.MaxPatterns
	}
	if cfg.MaxPatternLen <= 0 {
		cfg.MaxPatternLen = def.MaxPatternLen
	}
	return &Parser{cfg: cfg}
}

type group struct {
	pattern string
	sample  string
	count   int
	times   []time.Time
	first   int
}

// Analyze groups the error lines of rawLogs. Lines may carry a leading
// RFC 3339 timestamp, as pod logs fetched with timestamps do; spikes are
// only detected for timestamped lines.
func (p *Parser) Analyze(rawLogs []string) (*contracts.LogAnalysis, error) {
	groups := make(map[string]*group)
	var latest time.Time
	total := 0

	for i, line := range rawLogs {
		ts, msg := splitTimestamp(line)
		if !ts.IsZero() && ts.After(latest) {
			latest = ts
		}
		if msg == "" || !errorLine.MatchString(msg) {
			continue
		}
		total++
		key := p.normalize(msg)
		g, ok := groups[key]
		if !ok {
			g = &group{pattern: key, sample: strings.TrimSpace(msg), first: i}
			groups[key] = g
		}
		g.count++
		if !ts.IsZero() {
			g.times = append(g.times, ts)
		}
	}

	ordered := make([]*group, 0, len(groups))
	for _, g := range groups {
		ordered = append(ordered, g)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].count != ordered[j].count {
			return ordered[i].count > ordered[j].count
		}
		return ordered[i].first < ordered[j].first
	})

	analysis := &contracts.LogAnalysis{
		Errors: make([]contracts.LogError, 0, len(ordered)),
		Spikes: []contracts.LogSpike{},
	}
	for i, g := range ordered {
		if i >= p.cfg.MaxPatterns {
			break
		}
		analysis.Errors = append(analysis.Errors, contracts.LogError{Pattern: g.pattern, Count: g.count, Sample: g.sample})
		if spike, ok := p.spike(g, latest); ok {
			analysis.Spikes = append(analysis.Spikes, spike)
		}
	}
	analysis.Summary = summarize(total, ordered, analysis.Spikes)
	return analysis, nil
}

// spike compares the rate inside the recent window with the rate before it.
func (p *Parser) spike(g *group, latest time.Time) (contracts.LogSpike, bool) {
	if len(g.times) < p.cfg.MinSpikeCount || latest.IsZero() {
		return contracts.LogSpike{}, false
	}
	cutoff := latest.Add(-p.cfg.SpikeWindow)
	earliest := g.times[0]
	recent := 0
	for _, t := range g.times {
		if t.After(cutoff) {
			recent++
		}
		if t.Before(earliest) {
			earliest = t
		}
	}
	if recent < p.cfg.MinSpikeCount {
		return contracts.LogSpike{}, false
	}
	recentRate := float64(recent) / p.cfg.SpikeWindow.Minutes()

	before := len(g.times) - recent
	baseline := cutoff.Sub(earliest).Minutes()
	if before > 0 && baseline > 0 {
		if recentRate < p.cfg.SpikeFactor*(float64(before)/baseline) {
			return contracts.LogSpike{}, false
		}
	}
	return contracts.LogSpike{Pattern: g.pattern, Rate: recentRate}, true
}

func (p *Parser) normalize(msg string) string {
	s := uuidPattern.ReplaceAllString(msg, "<uuid>")
	s = ipPattern.ReplaceAllString(s, "<ip>")
	s = hexPattern.ReplaceAllString(s, "<hex>")
	s = numberPattern.ReplaceAllString(s, "<n>")
	s = strings.TrimSpace(spacePattern.ReplaceAllString(s, " "))
	if len(s) > p.cfg.MaxPatternLen {
		s = s[:p.cfg.MaxPatternLen]
	}
	return s
}

func splitTimestamp(line string) (time.Time, string) {
	m := leadingTimestamp.FindStringSubmatchIndex(line)
	if m == nil {
		return time.Time{}, strings.TrimSpace(line)
	}
	ts, err := time.Parse(time.RFC3339Nano, line[m[2]:m[3]])
	if err != nil {
		return time.Time{}, strings.TrimSpace(line)
	}
	return ts, strings.TrimSpace(line[m[1]:])
}

func summarize(total int, groups []*group, spikes []contracts.LogSpike) string {
	if total == 0 {
		return "no error lines found"
	}
	s := fmt.Sprintf("%d error lines in %d patterns; most frequent: %q (%d)",
		total, len(groups), groups[0].pattern, groups[0].count)
	if len(spikes) > 0 {
		s += fmt.Sprintf("; %d spiking", len(spikes))
	}
	return s
}
