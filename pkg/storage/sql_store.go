package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"           // postgres driver
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver

	"github.com/polisai/agentlayer/pkg/domain"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// timeLayout sorts lexically in UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	graph_id    TEXT NOT NULL,
	status      TEXT NOT NULL,
	rule_id     TEXT NOT NULL,
	score       INTEGER NOT NULL,
	summary     TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	finished_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_started_at ON runs (started_at);
CREATE TABLE IF NOT EXISTS run_violations (
	run_id   TEXT NOT NULL,
	position INTEGER NOT NULL,
	rule_id  TEXT NOT NULL,
	PRIMARY KEY (run_id, position)
);`

// SQLRunStore stores runs in sqlite or postgres.
type SQLRunStore struct {
	db     *sql.DB
	driver string
}

// OpenSQL opens (and if needed creates) a run store. dsn is a file path or
// ":memory:" for sqlite and a connection string for postgres.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLRunStore, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	s := &SQLRunStore{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLRunStore) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders as $n for postgres.
func (s *SQLRunStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Save implements RunStore. Saving a run id again replaces the record.
func (s *SQLRunStore) Save(ctx context.Context, state *domain.ExecutionState) error {
	if state == nil || state.RunID == "" {
		return fmt.Errorf("run state without id")
	}
	rec := NewRecord(state)
	summary, err := encodeState(state)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO runs (id, graph_id, status, rule_id, score, summary, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			graph_id = excluded.graph_id,
			status = excluded.status,
			rule_id = excluded.rule_id,
			score = excluded.score,
			summary = excluded.summary,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at`),
		rec.ID, rec.GraphID, string(rec.Status), rec.RuleID, rec.Score, summary,
		formatTime(rec.StartedAt), formatTime(rec.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert run %s: %w", rec.ID, err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM run_violations WHERE run_id = ?`), rec.ID); err != nil {
		return fmt.Errorf("clear violations %s: %w", rec.ID, err)
	}
	for i, ruleID := range rec.Violations {
		if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO run_violations (run_id, position, rule_id) VALUES (?, ?, ?)`),
			rec.ID, i, ruleID); err != nil {
			return fmt.Errorf("insert violation %s: %w", rec.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run %s: %w", rec.ID, err)
	}
	return nil
}

// Get implements RunStore.
func (s *SQLRunStore) Get(ctx context.Context, id string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT id, graph_id, status, rule_id, score, summary, started_at, finished_at
		FROM runs WHERE id = ?`), id)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, domain.ErrRunNotFound)
	}
	if err != nil {
		return nil, err
	}
	violations, err := s.violations(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.Violations = violations
	return rec, nil
}

// List implements RunStore. Records carry violations but not the full state.
func (s *SQLRunStore) List(ctx context.Context, limit int) ([]RunRecord, error) {
	query := `SELECT id, graph_id, status, rule_id, score, '' AS summary, started_at, finished_at
		FROM runs ORDER BY started_at DESC, id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	for i := range out {
		violations, err := s.violations(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Violations = violations
	}
	return out, nil
}

// Score implements RunStore.
func (s *SQLRunStore) Score(ctx context.Context) (ScoreSummary, error) {
	summary := summarize(nil)

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), AVG(score) FROM runs`).Scan(&summary.TotalRuns, &avg); err != nil {
		return summary, fmt.Errorf("score: %w", err)
	}
	if summary.TotalRuns == 0 {
		return summary, nil
	}
	summary.AverageScore = roundScore(avg.Float64)

	if err := s.countInto(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`, summary.ByStatus); err != nil {
		return summary, err
	}
	if err := s.countInto(ctx, `SELECT rule_id, COUNT(*) FROM run_violations GROUP BY rule_id`, summary.Violations); err != nil {
		return summary, err
	}
	return summary, nil
}

// Close implements RunStore.
func (s *SQLRunStore) Close() error {
	return s.db.Close()
}

func (s *SQLRunStore) countInto(ctx context.Context, query string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("score: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key   string
			count int
		)
		if err := rows.Scan(&key, &count); err != nil {
			return fmt.Errorf("score: %w", err)
		}
		into[key] = count
	}
	return rows.Err()
}

func (s *SQLRunStore) violations(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT rule_id FROM run_violations WHERE run_id = ? ORDER BY position`), id)
	if err != nil {
		return nil, fmt.Errorf("violations %s: %w", id, err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var ruleID string
		if err := rows.Scan(&ruleID); err != nil {
			return nil, fmt.Errorf("violations %s: %w", id, err)
		}
		out = append(out, ruleID)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*RunRecord, error) {
	var (
		rec               RunRecord
		status, summary   string
		started, finished string
	)
	if err := row.Scan(&rec.ID, &rec.GraphID, &status, &rec.RuleID, &rec.Score, &summary, &started, &finished); err != nil {
		return nil, err
	}
	rec.Status = domain.RunStatus(status)
	state, err := decodeState(summary)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", rec.ID, err)
	}
	rec.State = state
	rec.StartedAt, _ = time.Parse(timeLayout, started)
	rec.FinishedAt, _ = time.Parse(timeLayout, finished)
	return &rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
