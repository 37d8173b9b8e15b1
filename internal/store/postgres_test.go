package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sheet-assist/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return &PostgresStore{pool: mock}, mock
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS cycles`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveCycle(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	r := sampleCycle("c1", model.CycleExhausted, epoch)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO cycles .* ON CONFLICT \(id\) DO UPDATE`).
		WithArgs("c1", "total sales by region", "Sheet1!A1:B2", "exhausted", 2, 2,
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), epoch, epoch.Add(2e9)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`DELETE FROM cycle_outcomes WHERE cycle_id = \$1`).
		WithArgs("c1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"cycle_outcomes"}, outcomeColumns).WillReturnResult(2)
	mock.ExpectCommit()

	require.NoError(t, s.SaveCycle(context.Background(), r))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveCycle_CopyFailureRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO cycles`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`DELETE FROM cycle_outcomes`).
		WithArgs("c1").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"cycle_outcomes"}, outcomeColumns).WillReturnError(errors.New("copy failed"))
	mock.ExpectRollback()

	err := s.SaveCycle(context.Background(), sampleCycle("c1", model.CycleSucceeded, epoch))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "copy outcomes c1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCycle(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	data, err := json.Marshal(sampleCycle("c1", model.CycleSucceeded, epoch))
	require.NoError(t, err)
	mock.ExpectQuery(`SELECT result FROM cycles WHERE id = \$1`).
		WithArgs("c1").
		WillReturnRows(pgxmock.NewRows([]string{"result"}).AddRow(data))

	got, err := s.GetCycle(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, model.CycleSucceeded, got.Status)
	assert.Equal(t, "total sales by region", got.Query.Text())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCycle_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT result FROM cycles WHERE id = \$1`).
		WithArgs("nonexistent").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetCycle(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListCycles(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	boom := "boom"
	cols := []string{"id", "query", "range_address", "status", "candidates", "attempts", "last_error", "cost_usd", "started_at", "finished_at"}
	mock.ExpectQuery(`FROM cycles WHERE true AND status = \$1 ORDER BY started_at DESC LIMIT \$2 OFFSET \$3`).
		WithArgs("exhausted", 10, 20).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("c2", "q", "Sheet1!A1", "exhausted", 3, 3, &boom, 0.05, epoch, epoch).
			AddRow("c1", "q", "Sheet1!A1", "exhausted", 1, 1, nil, 0.0, epoch, epoch))

	got, err := s.ListCycles(context.Background(), CycleFilter{Status: model.CycleExhausted, Limit: 10, Offset: 20})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "boom", got[0].LastError)
	assert.Equal(t, model.CycleExhausted, got[0].Status)
	assert.Empty(t, got[1].LastError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListCycles_DefaultLimit(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`ORDER BY started_at DESC LIMIT \$1`).
		WithArgs(defaultLimit).
		WillReturnRows(pgxmock.NewRows([]string{"id"}))

	got, err := s.ListCycles(context.Background(), CycleFilter{})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}
