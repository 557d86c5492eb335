package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskrun/internal/logging"
	"github.com/fyrsmithlabs/taskrun/internal/secrets"
)

var eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "taskrun_audit_events_total",
	Help: "Audit events appended, by type and severity.",
}, []string{"type", "severity"})

// Recorder is the write side of the trail.
type Recorder interface {
	Append(ctx context.Context, e Event) (*Event, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	run_id    TEXT    NOT NULL,
	seq       INTEGER NOT NULL,
	id        TEXT    NOT NULL UNIQUE,
	ts        INTEGER NOT NULL,
	type      TEXT    NOT NULL,
	severity  TEXT    NOT NULL,
	sev_rank  INTEGER NOT NULL,
	actor     TEXT    NOT NULL DEFAULT '',
	plan_id   TEXT    NOT NULL DEFAULT '',
	step_id   TEXT    NOT NULL DEFAULT '',
	tool_name TEXT    NOT NULL DEFAULT '',
	message   TEXT    NOT NULL,
	details   TEXT,
	PRIMARY KEY (run_id, seq)
);
CREATE INDEX IF NOT EXISTS events_ts ON events (ts);
CREATE INDEX IF NOT EXISTS events_step ON events (run_id, step_id);
`

// Trail is the SQLite-backed audit trail.
type Trail struct {
	db       *sql.DB
	scrubber secrets.Scrubber
	logger   *logging.Logger
	now      func() time.Time

	mu     sync.RWMutex
	closed bool
}

// Option configures a Trail.
type Option func(*Trail)

// WithScrubber sets the scrubber applied to messages and details.
func WithScrubber(s secrets.Scrubber) Option {
	return func(t *Trail) { t.scrubber = s }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(t *Trail) { t.logger = l }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(t *Trail) { t.now = now }
}

// Open opens or creates the trail database at path.
func Open(ctx context.Context, path string, opts ...Option) (*Trail, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, trailErr("open", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, trailErr("open", err)
	}
	// One connection keeps sequence allocation and WAL writes serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, trailErr("migrate", err)
	}

	t := &Trail{
		db:       db,
		scrubber: secrets.MustNew(nil),
		logger:   logging.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Append assigns an id, timestamp and per-run sequence number to e, scrubs
// secrets from its message and details, and persists it.
func (t *Trail) Append(ctx context.Context, e Event) (*Event, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, trailErr("append", ErrClosed)
	}
	if e.Type == "" {
		return nil, trailErr("append", fmt.Errorf("%w: missing type", ErrInvalidEvent))
	}
	if e.Severity == "" {
		e.Severity = Info
	}
	if e.Severity.rank() == 0 {
		return nil, trailErr("append", fmt.Errorf("%w: severity %q", ErrInvalidEvent, e.Severity))
	}

	e.ID = uuid.NewString()
	e.Timestamp = t.now().UTC()
	e.Message = t.scrubber.Scrub(e.Message).Scrubbed
	var details sql.NullString
	if len(e.Details) > 0 {
		e.Details, _ = t.scrubber.ScrubValue(e.Details).(map[string]any)
		raw, err := json.Marshal(e.Details)
		if err != nil {
			return nil, trailErr("append", fmt.Errorf("encoding details: %w", err))
		}
		details = sql.NullString{String: string(raw), Valid: true}
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, trailErr("append", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE run_id = ?`, e.RunID,
	).Scan(&e.Seq); err != nil {
		return nil, trailErr("append", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (run_id, seq, id, ts, type, severity, sev_rank, actor, plan_id, step_id, tool_name, message, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Seq, e.ID, e.Timestamp.UnixNano(), string(e.Type), string(e.Severity), e.Severity.rank(),
		e.Actor, e.PlanID, e.StepID, e.ToolName, e.Message, details,
	); err != nil {
		return nil, trailErr("append", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, trailErr("append", err)
	}

	eventsTotal.WithLabelValues(string(e.Type), string(e.Severity)).Inc()
	t.logger.Debug(ctx, "audit event appended",
		zap.String("event.type", string(e.Type)),
		zap.String("run.id", e.RunID),
		zap.Int64("seq", e.Seq),
	)
	return &e, nil
}

// Query returns events matching f. Events of a single run come back in
// sequence order; otherwise they are ordered by time.
func (t *Trail) Query(ctx context.Context, f Filter) ([]Event, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, trailErr("query", ErrClosed)
	}

	var (
		where []string
		args  []any
	)
	if f.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.StepID != "" {
		where = append(where, "step_id = ?")
		args = append(args, f.StepID)
	}
	if len(f.Types) > 0 {
		marks := make([]string, len(f.Types))
		for i, typ := range f.Types {
			marks[i] = "?"
			args = append(args, string(typ))
		}
		where = append(where, "type IN ("+strings.Join(marks, ",")+")")
	}
	if f.MinSeverity != "" {
		where = append(where, "sev_rank >= ?")
		args = append(args, f.MinSeverity.rank())
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "ts < ?")
		args = append(args, f.Until.UnixNano())
	}

	q := `SELECT run_id, seq, id, ts, type, severity, actor, plan_id, step_id, tool_name, message, details FROM events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if f.RunID != "" {
		q += " ORDER BY seq"
	} else {
		q += " ORDER BY ts, run_id, seq"
	}
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := t.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, trailErr("query", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			ts      int64
			typ     string
			sev     string
			details sql.NullString
		)
		if err := rows.Scan(&e.RunID, &e.Seq, &e.ID, &ts, &typ, &sev, &e.Actor, &e.PlanID, &e.StepID, &e.ToolName, &e.Message, &details); err != nil {
			return nil, trailErr("query", err)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		e.Type = EventType(typ)
		e.Severity = Severity(sev)
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, trailErr("query", fmt.Errorf("decoding details of %s: %w", e.ID, err))
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, trailErr("query", err)
	}
	return events, nil
}

// Close closes the database. Further calls fail with ErrClosed.
func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return trailErr("close", t.db.Close())
}

var _ Recorder = (*Trail)(nil)
