package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-responder/internal/db"
	"github.com/kubilitics/kubilitics-responder/internal/reasoning/engine"
	"github.com/kubilitics/kubilitics-responder/internal/reasoning/investigation"
	"github.com/kubilitics/kubilitics-responder/pkg/contracts"
	"github.com/kubilitics/kubilitics-responder/pkg/types"
)

// CreateIncidentRequest opens an incident.
type CreateIncidentRequest struct {
	ID         string          `json:"id,omitempty"`
	Title      string          `json:"title"`
	Severity   types.Severity  `json:"severity"`
	Target     types.TargetRef `json:"target"`
	ManagedApp bool            `json:"managed_app"`
}

// IncidentDetail is an incident with its investigation history.
type IncidentDetail struct {
	Incident            types.Incident            `json:"incident"`
	Evidence            []types.Evidence          `json:"evidence"`
	Hypotheses          []types.Hypothesis        `json:"hypotheses"`
	Actions             []types.Action            `json:"actions"`
	VerificationRetries int                       `json:"verification_retries"`
	Running             bool                      `json:"running"`
	Timeline            []contracts.TimelineEvent `json:"timeline,omitempty"`
}

// handleIncidents handles GET (list) and POST (create) requests.
func (s *Server) handleIncidents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListIncidents(w, r)
	case http.MethodPost:
		s.limiter.Middleware(s.handleCreateIncident)(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleCreateIncident opens an incident and starts its investigation.
func (s *Server) handleCreateIncident(w http.ResponseWriter, r *http.Request) {
	var req CreateIncidentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Target.Namespace == "" || req.Target.Name == "" {
		writeError(w, http.StatusBadRequest, "target.namespace and target.name are required")
		return
	}
	if req.Target.Kind == "" {
		req.Target.Kind = "Deployment"
	}
	switch req.Severity {
	case "":
		req.Severity = types.SeverityMedium
	case types.SeverityCritical, types.SeverityHigh, types.SeverityMedium, types.SeverityLow:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid severity %q", req.Severity))
		return
	}

	inc, err := s.deps.Investigations.Start(r.Context(), types.Incident{
		ID:         req.ID,
		Title:      req.Title,
		Severity:   req.Severity,
		Target:     req.Target,
		ManagedApp: req.ManagedApp,
	})
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrInvalidIncident):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, engine.ErrAlreadyRunning), errors.Is(err, investigation.ErrAlreadyActive):
		writeError(w, http.StatusConflict, err.Error())
		return
	default:
		s.logger.Error("failed to start investigation", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("incident opened",
		zap.String("incident_id", inc.ID),
		zap.String("target", inc.Target.Key()),
	)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"incident":   inc,
		"stream_url": fmt.Sprintf("/ws/incidents/%s", inc.ID),
	})
}

// handleListIncidents lists incidents, newest first. Filters: namespace,
// phase, limit, offset.
func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	q, err := parseIncidentQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var list []types.Incident
	if s.deps.Store != nil {
		list, err = s.deps.Store.ListIncidents(r.Context(), q)
		if err != nil {
			s.logger.Error("failed to list incidents", zap.Error(err))
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	} else {
		list = filterIncidents(s.deps.Investigations.List(), q)
	}
	if list == nil {
		list = []types.Incident{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"incidents": list, "count": len(list)})
}

func parseIncidentQuery(r *http.Request) (db.IncidentQuery, error) {
	v := r.URL.Query()
	q := db.IncidentQuery{
		Namespace: v.Get("namespace"),
		Phase:     types.Phase(strings.ToUpper(v.Get("phase"))),
		Limit:     100,
	}
	for name, dst := range map[string]*int{"limit": &q.Limit, "offset": &q.Offset} {
		raw := v.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return q, fmt.Errorf("invalid %s %q", name, raw)
		}
		*dst = n
	}
	return q, nil
}

func filterIncidents(all []types.Incident, q db.IncidentQuery) []types.Incident {
	var out []types.Incident
	for _, inc := range all {
		if q.Namespace != "" && inc.Target.Namespace != q.Namespace {
			continue
		}
		if q.Phase != "" && inc.Phase != q.Phase {
			continue
		}
		out = append(out, inc)
	}
	if q.Offset >= len(out) {
		return nil
	}
	out = out[q.Offset:]
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// handleIncidentByID handles GET /{id}, GET /{id}/timeline and DELETE /{id}.
func (s *Server) handleIncidentByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/incidents/"), "/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "incident ID required")
		return
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		s.handleGetIncident(w, r, id)
	case sub == "" && r.Method == http.MethodDelete:
		s.handleStopIncident(w, r, id)
	case sub == "timeline" && r.Method == http.MethodGet:
		s.handleIncidentTimeline(w, r, id)
	case sub != "" && sub != "timeline":
		http.NotFound(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleGetIncident returns the live investigation when one is running in
// this process, otherwise the persisted record.
func (s *Server) handleGetIncident(w http.ResponseWriter, r *http.Request, id string) {
	if snap, err := s.deps.Investigations.Get(id); err == nil {
		writeJSON(w, http.StatusOK, IncidentDetail{
			Incident:            snap.Incident,
			Evidence:            snap.Evidence,
			Hypotheses:          snap.Hypotheses,
			Actions:             snap.Actions,
			VerificationRetries: snap.VerificationRetries,
			Running:             snap.Incident.Phase.IsActive(),
		})
		return
	}

	if s.deps.Store == nil {
		writeError(w, http.StatusNotFound, "incident not found: "+id)
		return
	}
	inc, err := s.deps.Store.GetIncident(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, http.StatusNotFound, "incident not found: "+id)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	history, err := s.deps.Store.LoadHistory(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, IncidentDetail{
		Incident:            *inc,
		Evidence:            history.Evidence,
		Hypotheses:          history.Hypotheses,
		Actions:             history.Actions,
		VerificationRetries: inc.PhaseRetries,
	})
}

func (s *Server) handleStopIncident(w http.ResponseWriter, r *http.Request, id string) {
	inc, err := s.deps.Investigations.Stop(r.Context(), id)
	if errors.Is(err, engine.ErrIncidentNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("investigation stopped", zap.String("incident_id", id))
	writeJSON(w, http.StatusOK, map[string]interface{}{"incident": inc})
}

func (s *Server) handleIncidentTimeline(w http.ResponseWriter, r *http.Request, id string) {
	if s.deps.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "timeline requires persistence")
		return
	}
	events, err := s.deps.Store.Timeline(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []contracts.TimelineEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"incident_id": id, "timeline": events})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
