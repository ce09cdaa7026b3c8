// Package knowledge is the in-process pattern knowledge base. Patterns are
// seeded from configuration and matched against the signals derived from an
// investigation's evidence.
package knowledge

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-responder/pkg/contracts"
	"github.com/kubilitics/kubilitics-responder/pkg/types"
)

// Pattern is a known incident shape.
type Pattern struct {
	Name               string             `mapstructure:"name" json:"name"`
	Type               string             `mapstructure:"type" json:"type"`
	TriggerConditions  []string           `mapstructure:"trigger_conditions" json:"trigger_conditions"`
	RecommendedActions []types.ActionType `mapstructure:"recommended_actions" json:"recommended_actions"`
}

// DefaultPatterns seed the base when configuration provides none.
var DefaultPatterns = []Pattern{
	{
		Name:               "bad-rollout",
		Type:               "deployment",
		TriggerConditions:  []string{"trigger:scalingreplicaset", "metric:error_rate:rising"},
		RecommendedActions: []types.ActionType{types.ActionRollback},
	},
	{
		Name:               "crash-loop",
		Type:               "runtime",
		TriggerConditions:  []string{"event:backoff", "log:panic"},
		RecommendedActions: []types.ActionType{types.ActionRollback, types.ActionCodeFix},
	},
	{
		Name:               "memory-exhaustion",
		Type:               "resource",
		TriggerConditions:  []string{"event:oomkill", "metric:memory"},
		RecommendedActions: []types.ActionType{types.ActionRestart, types.ActionScale},
	},
	{
		Name:               "saturation",
		Type:               "resource",
		TriggerConditions:  []string{"metric:latency", "metric:cpu"},
		RecommendedActions: []types.ActionType{types.ActionScale},
	},
	{
		Name:               "application-fault",
		Type:               "code",
		TriggerConditions:  []string{"log_spike:", "metric:error_rate"},
		RecommendedActions: []types.ActionType{types.ActionCodeFix, types.ActionRestart},
	},
}

// Base implements contracts.KnowledgeBase.
type Base struct {
	mu       sync.RWMutex
	patterns []Pattern
	logger   *zap.Logger
}

var _ contracts.KnowledgeBase = (*Base)(nil)

// New creates a knowledge base. A nil or empty patterns slice uses
// DefaultPatterns.
func New(patterns []Pattern, logger *zap.Logger) *Base {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Base{logger: logger}
	b.Replace(patterns)
	return b
}

// Replace swaps the pattern set, e.g. after a configuration reload.
func (b *Base) Replace(patterns []Pattern) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	normalized := make([]Pattern, 0, len(patterns))
	for _, p := range patterns {
		if p.Name == "" || len(p.TriggerConditions) == 0 {
			b.logger.Warn("ignoring knowledge pattern without name or conditions", zap.String("name", p.Name))
			continue
		}
		conds := make([]string, len(p.TriggerConditions))
		for i, c := range p.TriggerConditions {
			conds[i] = strings.ToLower(strings.TrimSpace(c))
		}
		p.TriggerConditions = conds
		normalized = append(normalized, p)
	}
	b.mu.Lock()
	b.patterns = normalized
	b.mu.Unlock()
}

// Patterns returns a copy of the current pattern set.
func (b *Base) Patterns() []Pattern {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Pattern, len(b.patterns))
	copy(out, b.patterns)
	return out
}

// FindMatchingPatterns scores each pattern as the fraction of its trigger
// conditions found as a substring of some signal.
func (b *Base) FindMatchingPatterns(ctx context.Context, signals []string, q contracts.PatternQuery) ([]contracts.PatternMatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lowered := make([]string, len(signals))
	for i, s := range signals {
		lowered[i] = strings.ToLower(s)
	}
	typeFilter := make(map[string]bool, len(q.Types))
	for _, t := range q.Types {
		typeFilter[t] = true
	}

	b.mu.RLock()
	patterns := b.patterns
	b.mu.RUnlock()

	var matches []contracts.PatternMatch
	for _, p := range patterns {
		if len(typeFilter) > 0 && !typeFilter[p.Type] {
			continue
		}
		matched := 0
		for _, cond := range p.TriggerConditions {
			if anyContains(lowered, cond) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		score := float64(matched) / float64(len(p.TriggerConditions))
		if score < q.MinScore {
			continue
		}
		matches = append(matches, contracts.PatternMatch{
			Name:               p.Name,
			Type:               p.Type,
			Score:              score,
			RecommendedActions: append([]types.ActionType(nil), p.RecommendedActions...),
			TriggerConditions:  append([]string(nil), p.TriggerConditions...),
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Name < matches[j].Name
	})
	if q.MaxResults > 0 && len(matches) > q.MaxResults {
		matches = matches[:q.MaxResults]
	}
	return matches, nil
}

func anyContains(signals []string, cond string) bool {
	for _, s := range signals {
		if strings.Contains(s, cond) {
			return true
		}
	}
	return false
}
