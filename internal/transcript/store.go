// Package transcript persists runs, accepted turns and evaluator attempts
// in SQLite. The store is an events.Sink, so a run writes its transcript
// incrementally just by emitting events.
package transcript

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/duet/go-controller/internal/events"
)

// ErrRunNotFound is returned by Run for an unknown id.
var ErrRunNotFound = errors.New("run not found")

// Fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Turn status values.
const (
	StatusAccepted = "accepted"
	StatusSilent   = "silent"
	StatusFailed   = "failed"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	mode        TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	ended_at    TEXT,
	outcome     TEXT
);

CREATE TABLE IF NOT EXISTS turns (
	run_id      TEXT NOT NULL,
	turn        INTEGER NOT NULL,
	speaker     TEXT NOT NULL,
	status      TEXT NOT NULL,
	text        TEXT,
	topic       TEXT,
	topic_depth INTEGER NOT NULL DEFAULT 0,
	attempts    INTEGER NOT NULL DEFAULT 0,
	override    INTEGER NOT NULL DEFAULT 0,
	silence     TEXT,
	error       TEXT,
	created_at  TEXT NOT NULL,
	PRIMARY KEY (run_id, turn)
);

CREATE TABLE IF NOT EXISTS eval_attempts (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL,
	turn        INTEGER NOT NULL,
	attempt     INTEGER NOT NULL,
	verdict     TEXT NOT NULL,
	reason      TEXT,
	guidance    TEXT,
	created_at  TEXT NOT NULL
);
`

// #endregion schema

// #region types

// Run is one orchestration run.
type Run struct {
	ID        string    `json:"id"`
	Mode      string    `json:"mode"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Turns     int       `json:"turns"`
}

// Turn is one recorded turn. Silent and failed turns carry no text.
type Turn struct {
	RunID      string    `json:"run_id"`
	Number     int       `json:"turn"`
	Speaker    string    `json:"speaker"`
	Status     string    `json:"status"`
	Text       string    `json:"text,omitempty"`
	Topic      string    `json:"topic,omitempty"`
	TopicDepth int       `json:"topic_depth,omitempty"`
	Attempts   int       `json:"attempts,omitempty"`
	Override   bool      `json:"override,omitempty"`
	Silence    string    `json:"silence,omitempty"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Attempt is one evaluator verdict.
type Attempt struct {
	RunID     string    `json:"run_id"`
	Turn      int       `json:"turn"`
	Attempt   int       `json:"attempt"`
	Verdict   string    `json:"verdict"`
	Reason    string    `json:"reason,omitempty"`
	Guidance  string    `json:"guidance,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// #endregion types

// #region store-struct

// Store manages transcripts in SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// #endregion store-struct

// #region constructor

// Open opens a SQLite database and runs migrations.
func Open(dbPath string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection keeps :memory: databases coherent and serializes writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	s, err := New(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and runs migrations.
func New(db *sql.DB, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, logger: logger.With(zap.String("component", "transcript"))}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// #endregion constructor

// #region write

// BeginRun records the start of a run.
func (s *Store) BeginRun(ctx context.Context, runID, mode string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, mode, started_at) VALUES (?, ?, ?)`,
		runID, mode, formatTime(at),
	)
	if err != nil {
		return fmt.Errorf("begin run %s: %w", runID, err)
	}
	return nil
}

// AppendTurn records one finished turn.
func (s *Store) AppendTurn(ctx context.Context, t Turn) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (run_id, turn, speaker, status, text, topic, topic_depth, attempts, override, silence, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.RunID, t.Number, t.Speaker, t.Status,
		nullIfEmpty(t.Text), nullIfEmpty(t.Topic), t.TopicDepth, t.Attempts, t.Override,
		nullIfEmpty(t.Silence), nullIfEmpty(t.Error), formatTime(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append turn %s/%d: %w", t.RunID, t.Number, err)
	}
	return nil
}

// RecordAttempt records one evaluator verdict.
func (s *Store) RecordAttempt(ctx context.Context, a Attempt) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO eval_attempts (run_id, turn, attempt, verdict, reason, guidance, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.RunID, a.Turn, a.Attempt, a.Verdict, nullIfEmpty(a.Reason), nullIfEmpty(a.Guidance), formatTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// EndRun stamps the outcome of a run.
func (s *Store) EndRun(ctx context.Context, runID, outcome string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET ended_at = ?, outcome = ? WHERE id = ?`,
		formatTime(at), outcome, runID,
	)
	if err != nil {
		return fmt.Errorf("end run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("end run %s: %w", runID, ErrRunNotFound)
	}
	return nil
}

// #endregion write

// #region read

// ListRuns returns the most recent runs, newest first. limit <= 0 means all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.mode, r.started_at, r.ended_at, r.outcome,
		        (SELECT COUNT(*) FROM turns t WHERE t.run_id = r.id)
		 FROM runs r ORDER BY r.started_at DESC, r.rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Run returns a single run.
func (s *Store) Run(ctx context.Context, runID string) (Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT r.id, r.mode, r.started_at, r.ended_at, r.outcome,
		        (SELECT COUNT(*) FROM turns t WHERE t.run_id = r.id)
		 FROM runs r WHERE r.id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%s: %w", runID, ErrRunNotFound)
	}
	return r, err
}

// Turns returns every recorded turn of a run in order.
func (s *Store) Turns(ctx context.Context, runID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, turn, speaker, status, text, topic, topic_depth, attempts, override, silence, error, created_at
		 FROM turns WHERE run_id = ? ORDER BY turn ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		var text, topic, silence, errText sql.NullString
		var createdAt string
		if err := rows.Scan(&t.RunID, &t.Number, &t.Speaker, &t.Status, &text, &topic,
			&t.TopicDepth, &t.Attempts, &t.Override, &silence, &errText, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Text, t.Topic, t.Silence, t.Error = text.String, topic.String, silence.String, errText.String
		t.CreatedAt = parseTime(createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Attempts returns every evaluator verdict of a run in order.
func (s *Store) Attempts(ctx context.Context, runID string) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, turn, attempt, verdict, reason, guidance, created_at
		 FROM eval_attempts WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		var reason, guidance sql.NullString
		var createdAt string
		if err := rows.Scan(&a.RunID, &a.Turn, &a.Attempt, &a.Verdict, &reason, &guidance, &createdAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.Reason, a.Guidance = reason.String, guidance.String
		a.CreatedAt = parseTime(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// #endregion read

// #region sink

// Emit implements events.Sink. Only lifecycle, turn outcome and verdict
// events are persisted; everything else is ignored.
func (s *Store) Emit(ctx context.Context, ev events.Event) error {
	switch ev.Kind {
	case events.KindRunStart:
		return s.BeginRun(ctx, ev.RunID, ev.Mode, ev.Timestamp)
	case events.KindTurnAccepted:
		return s.AppendTurn(ctx, Turn{
			RunID: ev.RunID, Number: ev.Turn, Speaker: ev.Speaker, Status: StatusAccepted,
			Text: ev.Text, Topic: ev.Topic, TopicDepth: ev.TopicDepth,
			Attempts: ev.Attempt, Override: ev.Override, CreatedAt: ev.Timestamp,
		})
	case events.KindSilence:
		return s.AppendTurn(ctx, Turn{
			RunID: ev.RunID, Number: ev.Turn, Speaker: ev.Speaker, Status: StatusSilent,
			Silence: ev.Silence, CreatedAt: ev.Timestamp,
		})
	case events.KindTurnFailed:
		return s.AppendTurn(ctx, Turn{
			RunID: ev.RunID, Number: ev.Turn, Speaker: ev.Speaker, Status: StatusFailed,
			Error: ev.Error, CreatedAt: ev.Timestamp,
		})
	case events.KindEvalVerdict:
		return s.RecordAttempt(ctx, Attempt{
			RunID: ev.RunID, Turn: ev.Turn, Attempt: ev.Attempt,
			Verdict: ev.Verdict, Reason: ev.Reason, Guidance: ev.Guidance, CreatedAt: ev.Timestamp,
		})
	case events.KindRunEnd:
		return s.EndRun(ctx, ev.RunID, ev.Outcome, ev.Timestamp)
	}
	return nil
}

// #endregion sink

// #region helpers

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (Run, error) {
	var r Run
	var startedAt string
	var endedAt, outcome sql.NullString
	if err := sc.Scan(&r.ID, &r.Mode, &startedAt, &endedAt, &outcome, &r.Turns); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	r.StartedAt = parseTime(startedAt)
	if endedAt.Valid {
		r.EndedAt = parseTime(endedAt.String)
	}
	r.Outcome = outcome.String
	return r, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
