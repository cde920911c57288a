package database

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"dev.helix.conductor/internal/breaker"
)

// Guard returns a store whose statements run under the database circuit
// breaker. While the breaker is open every statement fails fast with a
// retryable SERVICE_002 carrying the remaining cooldown. Errors postgres
// reports about the statement itself still return to the caller but do not
// feed the failure count.
func (s *Store) Guard(br *breaker.Breaker) *Store {
	if br == nil {
		return s
	}
	g := newStore(s.pool, guardedQuerier{q: s.q, br: br}, s.timeout, s.log)
	g.breaker = br
	return g
}

// guardedQuerier interposes the breaker on every statement.
type guardedQuerier struct {
	q  Querier
	br *breaker.Breaker
}

func (g guardedQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	var tag pgconn.CommandTag
	err := g.run(ctx, func(ctx context.Context) error {
		var execErr error
		tag, execErr = g.q.Exec(ctx, sql, args...)
		return execErr
	})
	return tag, err
}

func (g guardedQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	var rows pgx.Rows
	if err := g.run(ctx, func(ctx context.Context) error {
		var queryErr error
		rows, queryErr = g.q.Query(ctx, sql, args...)
		return queryErr
	}); err != nil {
		return nil, err
	}
	return rows, nil
}

// QueryRow defers the statement to Scan so the breaker observes its outcome.
// pgx carries the same contract: errors surface on Scan.
func (g guardedQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return guardedRow{ctx: ctx, g: g, sql: sql, args: args}
}

type guardedRow struct {
	ctx  context.Context
	g    guardedQuerier
	sql  string
	args []any
}

func (r guardedRow) Scan(dest ...any) error {
	return r.g.run(r.ctx, func(ctx context.Context) error {
		return r.g.q.QueryRow(ctx, r.sql, r.args...).Scan(dest...)
	})
}

// run executes op under the breaker, counting only failures that point at
// the database being unhealthy.
func (g guardedQuerier) run(ctx context.Context, op func(context.Context) error) error {
	var opErr error
	if err := g.br.Do(ctx, func(ctx context.Context) error {
		opErr = op(ctx)
		if infrastructureFailure(opErr) {
			return opErr
		}
		return nil
	}); err != nil {
		return err
	}
	return opErr
}

// infrastructureFailure separates connectivity loss and resource exhaustion
// from errors postgres reported about the statement. ErrNoRows and caller
// cancellation never count.
func infrastructureFailure(err error) bool {
	if err == nil || errors.Is(err, pgx.ErrNoRows) || errors.Is(err, context.Canceled) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Postgres answered. Class 53 is resource exhaustion, 57 operator
		// intervention (shutdown), 58 system error; everything else means
		// the server is healthy and the statement was at fault.
		if len(pgErr.Code) >= 2 {
			switch pgErr.Code[:2] {
			case "53", "57", "58":
				return true
			}
		}
		return false
	}
	return true
}
