package database

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.helix.conductor/internal/apperrors"
	"dev.helix.conductor/internal/breaker"
)

// stubQuerier fails or succeeds every statement with a fixed error.
type stubQuerier struct {
	err   error
	calls int
}

func (s *stubQuerier) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	s.calls++
	return pgconn.CommandTag{}, s.err
}

func (s *stubQuerier) Query(context.Context, string, ...any) (pgx.Rows, error) {
	s.calls++
	return nil, s.err
}

func (s *stubQuerier) QueryRow(context.Context, string, ...any) pgx.Row {
	s.calls++
	return stubRow{err: s.err}
}

type stubRow struct{ err error }

func (r stubRow) Scan(...any) error { return r.err }

func quietBreaker(t *testing.T, failures int) *breaker.Breaker {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	return breaker.New("database", breaker.Config{
		FailureThreshold: failures,
		SuccessThreshold: 1,
		OpenTimeout:      time.Minute,
		HalfOpenMaxCalls: 1,
	}, log)
}

func TestGuardFailsFastWhileOpen(t *testing.T) {
	stub := &stubQuerier{err: io.ErrUnexpectedEOF}
	br := quietBreaker(t, 1)
	g := guardedQuerier{q: stub, br: br}

	_, err := g.Exec(context.Background(), "UPDATE tasks SET status = $1", "failed")
	require.Error(t, err)
	assert.Equal(t, breaker.StateOpen, br.State())

	// The next statement is rejected without touching the querier.
	before := stub.calls
	_, err = g.Exec(context.Background(), "UPDATE tasks SET status = $1", "failed")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeUnavailable))
	assert.Equal(t, before, stub.calls)
}

func TestGuardStatementErrorsDoNotTrip(t *testing.T) {
	// Unique violation means postgres answered; the statement was at fault.
	stub := &stubQuerier{err: &pgconn.PgError{Code: "23505"}}
	br := quietBreaker(t, 2)
	g := guardedQuerier{q: stub, br: br}

	for range 10 {
		_, err := g.Exec(context.Background(), "INSERT INTO templates ...")
		require.Error(t, err)
	}
	assert.Equal(t, breaker.StateClosed, br.State())
	assert.Equal(t, 10, stub.calls)
}

func TestGuardResourceExhaustionTrips(t *testing.T) {
	// Class 53 (too_many_connections and friends) counts as the server
	// being unhealthy.
	stub := &stubQuerier{err: &pgconn.PgError{Code: "53300"}}
	br := quietBreaker(t, 2)
	g := guardedQuerier{q: stub, br: br}

	for range 2 {
		_, err := g.Query(context.Background(), "SELECT 1")
		require.Error(t, err)
	}
	assert.Equal(t, breaker.StateOpen, br.State())
}

func TestGuardNoRowsIsNotAFailure(t *testing.T) {
	stub := &stubQuerier{err: pgx.ErrNoRows}
	br := quietBreaker(t, 1)
	g := guardedQuerier{q: stub, br: br}

	err := g.QueryRow(context.Background(), "SELECT id FROM tasks WHERE id = $1", "missing").Scan()
	assert.ErrorIs(t, err, pgx.ErrNoRows)
	assert.Equal(t, breaker.StateClosed, br.State())
}

func TestGuardQueryRowDefersToScan(t *testing.T) {
	stub := &stubQuerier{err: nil}
	br := quietBreaker(t, 1)
	g := guardedQuerier{q: stub, br: br}

	row := g.QueryRow(context.Background(), "SELECT 1")
	assert.Equal(t, 0, stub.calls)
	require.NoError(t, row.Scan())
	assert.Equal(t, 1, stub.calls)
}

func TestInfrastructureFailureClassification(t *testing.T) {
	assert.False(t, infrastructureFailure(nil))
	assert.False(t, infrastructureFailure(pgx.ErrNoRows))
	assert.False(t, infrastructureFailure(context.Canceled))
	assert.False(t, infrastructureFailure(&pgconn.PgError{Code: "23505"}))
	assert.False(t, infrastructureFailure(&pgconn.PgError{Code: "42P01"}))
	assert.True(t, infrastructureFailure(&pgconn.PgError{Code: "53300"}))
	assert.True(t, infrastructureFailure(&pgconn.PgError{Code: "57P01"}))
	assert.True(t, infrastructureFailure(context.DeadlineExceeded))
	assert.True(t, infrastructureFailure(io.ErrUnexpectedEOF))
}
