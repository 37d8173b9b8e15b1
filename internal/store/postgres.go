package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/sheet-assist/internal/db"
	"github.com/sells-group/sheet-assist/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements are prepared on each new connection.
var preparedStatements = map[string]string{
	"upsert_cycle": `INSERT INTO cycles (id, query, range_address, status, candidates, attempts, last_error, cost_usd, result, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, candidates = EXCLUDED.candidates,
			attempts = EXCLUDED.attempts, last_error = EXCLUDED.last_error, cost_usd = EXCLUDED.cost_usd,
			result = EXCLUDED.result, finished_at = EXCLUDED.finished_at`,
	"get_cycle": `SELECT result FROM cycles WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(4)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS cycles (
	id            TEXT PRIMARY KEY,
	query         TEXT NOT NULL,
	range_address TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	candidates    INTEGER NOT NULL DEFAULT 0,
	attempts      INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT,
	cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
	result        JSONB NOT NULL,
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ NOT NULL
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
	duration_ms    BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (cycle_id, attempt)
);

CREATE INDEX IF NOT EXISTS idx_cycles_status ON cycles(status);
CREATE INDEX IF NOT EXISTS idx_cycles_started_at ON cycles(started_at DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// SaveCycle upserts the cycle row and reloads its outcomes with COPY.
func (s *PostgresStore) SaveCycle(ctx context.Context, r *model.CycleResult) error {
	row, err := toRow(r)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, preparedStatements["upsert_cycle"],
		row.ID, row.Query, row.RangeAddress, row.Status, row.Candidates, row.Attempts,
		row.LastError, row.CostUSD, row.Result, row.StartedAt, row.FinishedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert cycle %s", row.ID)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM cycle_outcomes WHERE cycle_id = $1`, row.ID); err != nil {
		return eris.Wrapf(err, "postgres: clear outcomes %s", row.ID)
	}
	if _, err := db.CopyFrom(ctx, tx, "cycle_outcomes", outcomeColumns, outcomeRows(r)); err != nil {
		return eris.Wrapf(err, "postgres: copy outcomes %s", row.ID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit")
}

func (s *PostgresStore) GetCycle(ctx context.Context, id string) (*model.CycleResult, error) {
	var result []byte
	err := s.pool.QueryRow(ctx, preparedStatements["get_cycle"], id).Scan(&result)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get cycle %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get cycle %s", id)
	}
	return decodeResult(result)
}

func (s *PostgresStore) ListCycles(ctx context.Context, filter CycleFilter) ([]CycleSummary, error) {
	query := `SELECT id, query, range_address, status, candidates, attempts, last_error, cost_usd, started_at, finished_at
		FROM cycles WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d`, argIdx)
	args = append(args, limitOf(filter))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list cycles")
	}
	defer rows.Close()

	var out []CycleSummary
	for rows.Next() {
		var c CycleSummary
		var status string
		var lastError *string
		if err := rows.Scan(&c.ID, &c.Query, &c.RangeAddress, &status, &c.Candidates, &c.Attempts,
			&lastError, &c.CostUSD, &c.StartedAt, &c.FinishedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan cycle")
		}
		c.Status = model.CycleStatus(status)
		if lastError != nil {
			c.LastError = *lastError
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list cycles iterate")
}
