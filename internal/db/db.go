package db

import (
	"context"
	"errors"

	"github.com/kubilitics/kubilitics-responder/internal/reasoning/investigation"
	"github.com/kubilitics/kubilitics-responder/pkg/contracts"
	"github.com/kubilitics/kubilitics-responder/pkg/types"
)

// ErrNotFound is returned when a requested incident does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface for investigations. It is the audit
// sink written by the state machine and the index read on restart to resume
// non-terminal incidents.
type Store interface {
	contracts.AuditSink

	// ListActiveIncidents returns incidents in a non-terminal phase, oldest first.
	ListActiveIncidents(ctx context.Context) ([]types.Incident, error)

	// LoadHistory returns the evidence, hypotheses and latest action records
	// of an incident in the order they were first written.
	LoadHistory(ctx context.Context, incidentID string) (investigation.History, error)

	// GetIncident returns one incident or ErrNotFound.
	GetIncident(ctx context.Context, id string) (*types.Incident, error)

	// ListIncidents returns incidents newest first.
	ListIncidents(ctx context.Context, q IncidentQuery) ([]types.Incident, error)

	// Timeline returns the incident's timeline, oldest first.
	Timeline(ctx context.Context, incidentID string) ([]contracts.TimelineEvent, error)

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// IncidentQuery filters incident listings.
type IncidentQuery struct {
	Namespace string
	Phase     types.Phase
	Limit     int
	Offset    int
}
