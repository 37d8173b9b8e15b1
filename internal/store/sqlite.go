package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/sheet-assist/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS cycles (
	id            TEXT PRIMARY KEY,
	query         TEXT NOT NULL,
	range_address TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	candidates    INTEGER NOT NULL DEFAULT 0,
	attempts      INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT,
	cost_usd      REAL NOT NULL DEFAULT 0,
	result        TEXT NOT NULL,
	started_at    DATETIME NOT NULL,
	finished_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS cycle_outcomes (
	cycle_id       TEXT NOT NULL REFERENCES cycles(id) ON DELETE CASCADE,
	attempt        INTEGER NOT NULL,
	response_index INTEGER NOT NULL,
	origin_index   INTEGER NOT NULL,
	kind           TEXT NOT NULL,
	state          TEXT NOT NULL,
	error_kind     TEXT,
	error_message  TEXT,
	duration_ms    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (cycle_id, attempt)
);

CREATE INDEX IF NOT EXISTS idx_cycles_status ON cycles(status);
CREATE INDEX IF NOT EXISTS idx_cycles_started_at ON cycles(started_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SaveCycle writes a cycle and its outcomes. Saving an existing ID replaces it.
func (s *SQLiteStore) SaveCycle(ctx context.Context, r *model.CycleResult) error {
	row, err := toRow(r)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM cycle_outcomes WHERE cycle_id = ?`, row.ID); err != nil {
		return eris.Wrapf(err, "sqlite: clear outcomes %s", row.ID)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO cycles (id, query, range_address, status, candidates, attempts, last_error, cost_usd, result, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.Query, row.RangeAddress, row.Status, row.Candidates, row.Attempts,
		row.LastError, row.CostUSD, string(row.Result), row.StartedAt, row.FinishedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert cycle %s", row.ID)
	}

	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(outcomeColumns)), ", ") + ")"
	insert := `INSERT INTO cycle_outcomes (` + strings.Join(outcomeColumns, ", ") + `) VALUES ` + placeholders
	for _, o := range outcomeRows(r) {
		if _, err := tx.ExecContext(ctx, insert, o...); err != nil {
			return eris.Wrapf(err, "sqlite: insert outcome for %s", row.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

func (s *SQLiteStore) GetCycle(ctx context.Context, id string) (*model.CycleResult, error) {
	var result string
	err := s.db.QueryRowContext(ctx, `SELECT result FROM cycles WHERE id = ?`, id).Scan(&result)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get cycle %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get cycle %s", id)
	}
	return decodeResult([]byte(result))
}

func (s *SQLiteStore) ListCycles(ctx context.Context, filter CycleFilter) ([]CycleSummary, error) {
	query := `SELECT id, query, range_address, status, candidates, attempts, last_error, cost_usd, started_at, finished_at
		FROM cycles WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limitOf(filter))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list cycles")
	}
	defer rows.Close() //nolint:errcheck

	var out []CycleSummary
	for rows.Next() {
		var c CycleSummary
		var lastError sql.NullString
		if err := rows.Scan(&c.ID, &c.Query, &c.RangeAddress, &c.Status, &c.Candidates, &c.Attempts,
			&lastError, &c.CostUSD, &c.StartedAt, &c.FinishedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cycle")
		}
		c.LastError = lastError.String
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list cycles iterate")
}

// OutcomeCount returns how many attempt rows were stored for a cycle.
func (s *SQLiteStore) OutcomeCount(ctx context.Context, id string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cycle_outcomes WHERE cycle_id = ?`, id).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count outcomes")
}
