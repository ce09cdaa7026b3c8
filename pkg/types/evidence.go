package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EvidenceType tags the variant of an evidence payload.
type EvidenceType string

const (
	EvidenceLog    EvidenceType = "log"
	EvidenceMetric EvidenceType = "metric"
	EvidenceEvent  EvidenceType = "event"
	EvidenceVisual EvidenceType = "visual"
)

// EvidenceContent is the tagged union of evidence payloads. Only the variants
// in this package implement it.
type EvidenceContent interface {
	EvidenceType() EvidenceType
	Summary() string
}

// LogContent is an error pattern or spike observed in logs.
type LogContent struct {
	Pattern string  `json:"pattern"`
	Count   int     `json:"count"`
	Sample  string  `json:"sample,omitempty"`
	Spike   bool    `json:"spike,omitempty"`
	Rate    float64 `json:"rate,omitempty"`
}

func (LogContent) EvidenceType() EvidenceType { return EvidenceLog }

func (c LogContent) Summary() string {
	if c.Spike {
		return fmt.Sprintf("log spike %q at %.1f/min", c.Pattern, c.Rate)
	}
	return fmt.Sprintf("log pattern %q seen %d times", c.Pattern, c.Count)
}

// MetricContent is one processed metric series.
type MetricContent struct {
	Name         string  `json:"name"`
	Current      float64 `json:"current"`
	Average      float64 `json:"average"`
	Trend        string  `json:"trend"`
	AnomalyScore float64 `json:"anomaly_score"`
}

func (MetricContent) EvidenceType() EvidenceType { return EvidenceMetric }

func (c MetricContent) Summary() string {
	return fmt.Sprintf("metric %s current=%.3f avg=%.3f trend=%s anomaly=%.2f",
		c.Name, c.Current, c.Average, c.Trend, c.AnomalyScore)
}

// EventContent is a cluster event, possibly flagged as an incident trigger.
type EventContent struct {
	Reason  string `json:"reason"`
	Object  string `json:"object"`
	Message string `json:"message"`
	Trigger bool   `json:"trigger"`
}

func (EventContent) EvidenceType() EvidenceType { return EvidenceEvent }

func (c EventContent) Summary() string {
	return fmt.Sprintf("event %s on %s: %s", c.Reason, c.Object, c.Message)
}

// VisualContent is an anomaly found by frame analysis.
type VisualContent struct {
	Anomaly  string   `json:"anomaly"`
	Severity Severity `json:"severity"`
	Panel    string   `json:"panel,omitempty"`
}

func (VisualContent) EvidenceType() EvidenceType { return EvidenceVisual }

func (c VisualContent) Summary() string {
	return fmt.Sprintf("visual %s anomaly: %s", c.Severity, c.Anomaly)
}

// Evidence is an immutable timestamped observation.
type Evidence struct {
	ID         string          `json:"id"`
	Type       EvidenceType    `json:"type"`
	Source     string          `json:"source"`
	Content    EvidenceContent `json:"content"`
	Confidence *float64        `json:"confidence,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
}

// NewEvidence builds evidence whose type tag is derived from the content.
func NewEvidence(id, source string, content EvidenceContent, confidence *float64) Evidence {
	return Evidence{
		ID:         id,
		Type:       content.EvidenceType(),
		Source:     source,
		Content:    content,
		Confidence: confidence,
		Timestamp:  time.Now().UTC(),
	}
}

// Confidence returns a pointer to a clamped confidence score.
func Confidence(v float64) *float64 {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return &v
}

// DecodeEvidenceContent restores a content variant from its tag and JSON body.
func DecodeEvidenceContent(t EvidenceType, data []byte) (EvidenceContent, error) {
	var (
		content EvidenceContent
		err     error
	)
	switch t {
	case EvidenceLog:
		var c LogContent
		err = json.Unmarshal(data, &c)
		content = c
	case EvidenceMetric:
		var c MetricContent
		err = json.Unmarshal(data, &c)
		content = c
	case EvidenceEvent:
		var c EventContent
		err = json.Unmarshal(data, &c)
		content = c
	case EvidenceVisual:
		var c VisualContent
		err = json.Unmarshal(data, &c)
		content = c
	default:
		return nil, fmt.Errorf("unknown evidence type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s evidence: %w", t, err)
	}
	return content, nil
}

// UnmarshalJSON decodes the content variant using the type tag.
func (e *Evidence) UnmarshalJSON(data []byte) error {
	type alias Evidence
	var raw struct {
		alias
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Evidence(raw.alias)
	if len(raw.Content) == 0 || string(raw.Content) == "null" {
		e.Content = nil
		return nil
	}
	content, err := DecodeEvidenceContent(e.Type, raw.Content)
	if err != nil {
		return err
	}
	e.Content = content
	return nil
}
