// Package memory keeps notable moments across runs so later conversations
// can refer back to them.
package memory

// #region imports
import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/duet/go-controller/internal/events"
	"github.com/danielpatrickdp/duet/go-controller/internal/retrieval"
)

// #endregion imports

// #region types

// Highlight kinds.
const (
	KindRunResult = "run_result"
	KindLoop      = "loop"
	KindOperator  = "operator"
	KindMoment    = "moment"
)

// Highlight is one remembered moment.
type Highlight struct {
	ID        int64
	RunID     string
	Kind      string
	Text      string
	CreatedAt time.Time
}

// #endregion types

// #region store

// Store persists highlights in SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (or creates) a highlight database at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	s, err := New(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New creates the highlights table if needed and returns a store.
func New(db *sql.DB, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{db: db, logger: logger.With(zap.String("component", "memory"))}
	if err := s.init(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS highlights (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save stores a highlight. Blank text is ignored.
func (s *Store) Save(ctx context.Context, h Highlight) error {
	h.Text = strings.TrimSpace(h.Text)
	if h.Text == "" {
		return nil
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO highlights (run_id, kind, text, created_at) VALUES (?, ?, ?, ?)`,
		h.RunID, h.Kind, h.Text, h.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save highlight: %w", err)
	}
	return nil
}

// Recent returns up to n highlights, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Highlight, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, kind, text, created_at FROM highlights ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("recent highlights: %w", err)
	}
	defer rows.Close()

	var out []Highlight
	for rows.Next() {
		var h Highlight
		var createdAt string
		if err := rows.Scan(&h.ID, &h.RunID, &h.Kind, &h.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scan highlight: %w", err)
		}
		h.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, h)
	}
	return out, rows.Err()
}

// Relevant ranks the latest window highlights against query and returns the
// best n. With no match it falls back to the newest ones.
func (s *Store) Relevant(ctx context.Context, query string, n, window int) ([]Highlight, error) {
	if window < n {
		window = n
	}
	recent, err := s.Recent(ctx, window)
	if err != nil || len(recent) == 0 {
		return nil, err
	}
	docs := make([]retrieval.Document, len(recent))
	byID := make(map[string]Highlight, len(recent))
	for i, h := range recent {
		id := fmt.Sprint(h.ID)
		docs[i] = retrieval.Document{ID: id, Text: h.Text}
		byID[id] = h
	}
	res := retrieval.NewRetriever(retrieval.Config{TopK: n}).Retrieve(query, docs)
	if len(res.Retrieved) == 0 {
		if len(recent) > n {
			recent = recent[:n]
		}
		return recent, nil
	}
	out := make([]Highlight, len(res.Retrieved))
	for i, m := range res.Retrieved {
		out[i] = byID[m.ID]
	}
	return out, nil
}

// #endregion store

// #region sink

// Emit implements events.Sink: loop corrections, operator instructions,
// run results and notable accepted lines become highlights.
func (s *Store) Emit(ctx context.Context, ev events.Event) error {
	h := Highlight{RunID: ev.RunID, CreatedAt: ev.Timestamp}
	switch {
	case ev.Kind == events.KindLoopDetected:
		h.Kind = KindLoop
		h.Text = fmt.Sprintf("We got stuck talking about %s.", strings.Join(ev.StuckTerms, ", "))
	case ev.Kind == events.KindIntervention && ev.Actor == "operator" && ev.Text != "":
		h.Kind = KindOperator
		h.Text = "The operator said: " + ev.Text
	case ev.Kind == events.KindFrame && ev.Outcome != "":
		h.Kind = KindRunResult
		h.Text = "The car's run ended: " + ev.Outcome
		if ev.Text != "" {
			h.Text += " (" + ev.Text + ")"
		}
	case ev.Kind == events.KindTurnAccepted && len(NotableCues(ev.Text)) > 0:
		h.Kind = KindMoment
		h.Text = ev.Speaker + " said: " + ev.Text
	default:
		return nil
	}
	return s.Save(ctx, h)
}

// #endregion sink

// #region cues

// NotableCues returns the phrases in text that mark a line worth remembering.
func NotableCues(text string) []string {
	lower := strings.ToLower(text)
	cues := []string{
		"first time",
		"never seen",
		"remember this",
		"new record",
		"did you see",
		"that was close",
		"初めて",
		"覚えて",
	}
	var found []string
	for _, c := range cues {
		if strings.Contains(lower, c) {
			found = append(found, c)
		}
	}
	return found
}

// #endregion cues
