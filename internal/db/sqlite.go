package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/kubilitics/kubilitics-responder/internal/reasoning/investigation"
	"github.com/kubilitics/kubilitics-responder/pkg/contracts"
	"github.com/kubilitics/kubilitics-responder/pkg/types"
)

// Version is tracked in the schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS incidents (
    id             TEXT PRIMARY KEY,
    title          TEXT NOT NULL DEFAULT '',
    severity       TEXT NOT NULL DEFAULT '',
    namespace      TEXT NOT NULL,
    kind           TEXT NOT NULL DEFAULT 'Deployment',
    name           TEXT NOT NULL,
    managed_app    BOOLEAN NOT NULL DEFAULT 0,
    phase          TEXT NOT NULL,
    phase_retries  INTEGER NOT NULL DEFAULT 0,
    fix_cycle_id   TEXT NOT NULL DEFAULT '',
    fix_applied_at DATETIME,
    failure_reason TEXT NOT NULL DEFAULT '',
    started_at     DATETIME NOT NULL,
    resolved_at    DATETIME,
    updated_at     DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_incidents_phase ON incidents(phase);
CREATE INDEX IF NOT EXISTS idx_incidents_started_at ON incidents(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_incidents_target ON incidents(namespace, kind, name);

CREATE TABLE IF NOT EXISTS incident_evidence (
    incident_id TEXT NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
    id          TEXT NOT NULL,
    type        TEXT NOT NULL,
    body        TEXT NOT NULL,
    timestamp   DATETIME NOT NULL,
    PRIMARY KEY (incident_id, id)
);

CREATE TABLE IF NOT EXISTS incident_hypotheses (
    incident_id TEXT NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
    id          TEXT NOT NULL,
    status      TEXT NOT NULL,
    body        TEXT NOT NULL,
    PRIMARY KEY (incident_id, id)
);

CREATE TABLE IF NOT EXISTS incident_actions (
    incident_id TEXT NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
    id          TEXT NOT NULL,
    type        TEXT NOT NULL,
    status      TEXT NOT NULL,
    body        TEXT NOT NULL,
    PRIMARY KEY (incident_id, id)
);

CREATE TABLE IF NOT EXISTS incident_timeline (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    incident_id TEXT NOT NULL REFERENCES incidents(id) ON DELETE CASCADE,
    kind        TEXT NOT NULL,
    phase       TEXT NOT NULL DEFAULT '',
    detail      TEXT NOT NULL DEFAULT '',
    timestamp   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_timeline_incident ON incident_timeline(incident_id, seq);
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One connection: SQLite has a single writer, and every connection to
	// ":memory:" would otherwise see its own empty database.
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &sqliteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Audit sink ───────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveIncident(ctx context.Context, inc *types.Incident) error {
	kind := inc.Target.Kind
	if kind == "" {
		kind = "Deployment"
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO incidents(id, title, severity, namespace, kind, name, managed_app, phase, phase_retries,
                              fix_cycle_id, fix_applied_at, failure_reason, started_at, resolved_at, updated_at)
        VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET
            title          = excluded.title,
            severity       = excluded.severity,
            phase          = excluded.phase,
            phase_retries  = excluded.phase_retries,
            fix_cycle_id   = excluded.fix_cycle_id,
            fix_applied_at = excluded.fix_applied_at,
            failure_reason = excluded.failure_reason,
            resolved_at    = excluded.resolved_at,
            updated_at     = excluded.updated_at
    `,
		inc.ID, inc.Title, string(inc.Severity), inc.Target.Namespace, kind, inc.Target.Name,
		inc.ManagedApp, string(inc.Phase), inc.PhaseRetries,
		inc.FixCycleID, nullTime(inc.FixAppliedAt), inc.FailureReason,
		formatTime(inc.StartedAt), nullTime(inc.ResolvedAt), formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("upsert incident: %w", err)
	}
	return nil
}

func (s *sqliteStore) AppendEvidence(ctx context.Context, incidentID string, ev types.Evidence) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode evidence: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO incident_evidence(incident_id, id, type, body, timestamp) VALUES(?,?,?,?,?)
        ON CONFLICT(incident_id, id) DO NOTHING
    `, incidentID, ev.ID, string(ev.Type), string(body), formatTime(ev.Timestamp))
	if err != nil {
		return fmt.Errorf("insert evidence: %w", err)
	}
	return nil
}

// AppendHypothesis upserts: a confirm or demote rewrites the stored status.
func (s *sqliteStore) AppendHypothesis(ctx context.Context, incidentID string, h types.Hypothesis) error {
	body, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("encode hypothesis: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO incident_hypotheses(incident_id, id, status, body) VALUES(?,?,?,?)
        ON CONFLICT(incident_id, id) DO UPDATE SET status = excluded.status, body = excluded.body
    `, incidentID, h.ID, string(h.Status), string(body))
	if err != nil {
		return fmt.Errorf("upsert hypothesis: %w", err)
	}
	return nil
}

// AppendAction upserts: the executing record is finalised in place.
func (s *sqliteStore) AppendAction(ctx context.Context, incidentID string, a types.Action) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode action: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO incident_actions(incident_id, id, type, status, body) VALUES(?,?,?,?,?)
        ON CONFLICT(incident_id, id) DO UPDATE SET status = excluded.status, body = excluded.body
    `, incidentID, a.ID, string(a.Type), string(a.Status), string(body))
	if err != nil {
		return fmt.Errorf("upsert action: %w", err)
	}
	return nil
}

func (s *sqliteStore) AppendTimeline(ctx context.Context, ev contracts.TimelineEvent) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO incident_timeline(incident_id, kind, phase, detail, timestamp) VALUES(?,?,?,?,?)
    `, ev.IncidentID, ev.Kind, ev.Phase, ev.Detail, formatTime(ev.Timestamp))
	if err != nil {
		return fmt.Errorf("insert timeline: %w", err)
	}
	return nil
}

// ─── Reads ────────────────────────────────────────────────────────────────────

const incidentColumns = `id,title,severity,namespace,kind,name,managed_app,phase,phase_retries,
    fix_cycle_id,fix_applied_at,failure_reason,started_at,resolved_at`

func (s *sqliteStore) ListActiveIncidents(ctx context.Context) ([]types.Incident, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+incidentColumns+` FROM incidents
        WHERE phase NOT IN (?, ?) ORDER BY started_at ASC`,
		string(types.PhaseDone), string(types.PhaseFailed))
	if err != nil {
		return nil, fmt.Errorf("query active incidents: %w", err)
	}
	defer rows.Close()
	return scanIncidents(rows)
}

func (s *sqliteStore) GetIncident(ctx context.Context, id string) (*types.Incident, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id=?`, id)
	if err != nil {
		return nil, fmt.Errorf("query incident: %w", err)
	}
	defer rows.Close()
	out, err := scanIncidents(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("incident %s: %w", id, ErrNotFound)
	}
	return &out[0], nil
}

func (s *sqliteStore) ListIncidents(ctx context.Context, q IncidentQuery) ([]types.Incident, error) {
	var (
		where []string
		args  []interface{}
	)
	if q.Namespace != "" {
		where = append(where, "namespace = ?")
		args = append(args, q.Namespace)
	}
	if q.Phase != "" {
		where = append(where, "phase = ?")
		args = append(args, string(q.Phase))
	}
	query := `SELECT ` + incidentColumns + ` FROM incidents`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY started_at DESC, id ASC LIMIT ? OFFSET ?"
	args = append(args, limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query incidents: %w", err)
	}
	defer rows.Close()
	return scanIncidents(rows)
}

func (s *sqliteStore) LoadHistory(ctx context.Context, incidentID string) (investigation.History, error) {
	var h investigation.History
	if _, err := s.GetIncident(ctx, incidentID); err != nil {
		return h, err
	}

	evRows, err := s.db.QueryContext(ctx, `SELECT body FROM incident_evidence WHERE incident_id=? ORDER BY rowid ASC`, incidentID)
	if err != nil {
		return h, fmt.Errorf("query evidence: %w", err)
	}
	err = scanBodies(evRows, func(body []byte) error {
		var ev types.Evidence
		if err := json.Unmarshal(body, &ev); err != nil {
			return fmt.Errorf("decode evidence: %w", err)
		}
		h.Evidence = append(h.Evidence, ev)
		return nil
	})
	if err != nil {
		return h, err
	}

	hypRows, err := s.db.QueryContext(ctx, `SELECT body FROM incident_hypotheses WHERE incident_id=? ORDER BY rowid ASC`, incidentID)
	if err != nil {
		return h, fmt.Errorf("query hypotheses: %w", err)
	}
	err = scanBodies(hypRows, func(body []byte) error {
		var hyp types.Hypothesis
		if err := json.Unmarshal(body, &hyp); err != nil {
			return fmt.Errorf("decode hypothesis: %w", err)
		}
		h.Hypotheses = append(h.Hypotheses, hyp)
		return nil
	})
	if err != nil {
		return h, err
	}

	actRows, err := s.db.QueryContext(ctx, `SELECT body FROM incident_actions WHERE incident_id=? ORDER BY rowid ASC`, incidentID)
	if err != nil {
		return h, fmt.Errorf("query actions: %w", err)
	}
	err = scanBodies(actRows, func(body []byte) error {
		var a types.Action
		if err := json.Unmarshal(body, &a); err != nil {
			return fmt.Errorf("decode action: %w", err)
		}
		h.Actions = append(h.Actions, a)
		return nil
	})
	return h, err
}

func (s *sqliteStore) Timeline(ctx context.Context, incidentID string) ([]contracts.TimelineEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, phase, detail, timestamp FROM incident_timeline
        WHERE incident_id=? ORDER BY seq ASC`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	defer rows.Close()
	var out []contracts.TimelineEvent
	for rows.Next() {
		ev := contracts.TimelineEvent{IncidentID: incidentID}
		var ts string
		if err := rows.Scan(&ev.Kind, &ev.Phase, &ev.Detail, &ts); err != nil {
			return nil, err
		}
		ev.Timestamp, _ = parseTime(ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func scanIncidents(rows *sql.Rows) ([]types.Incident, error) {
	var out []types.Incident
	for rows.Next() {
		var (
			inc                  types.Incident
			severity, phase      string
			fixApplied, resolved sql.NullString
			startedAt            string
		)
		err := rows.Scan(&inc.ID, &inc.Title, &severity, &inc.Target.Namespace, &inc.Target.Kind, &inc.Target.Name,
			&inc.ManagedApp, &phase, &inc.PhaseRetries, &inc.FixCycleID, &fixApplied, &inc.FailureReason,
			&startedAt, &resolved)
		if err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		inc.Severity = types.Severity(severity)
		inc.Phase = types.Phase(phase)
		inc.StartedAt, _ = parseTime(startedAt)
		inc.FixAppliedAt = parseNullTime(fixApplied)
		inc.ResolvedAt = parseNullTime(resolved)
		out = append(out, inc)
	}
	return out, rows.Err()
}

func scanBodies(rows *sql.Rows, fn func([]byte) error) error {
	defer rows.Close()
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return err
		}
		if err := fn([]byte(body)); err != nil {
			return err
		}
	}
	return rows.Err()
}

// formatTime stores times as RFC3339Nano UTC text so they sort lexically.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

// parseTime accepts the layouts SQLite and the driver may hand back.
func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
