// Package database owns the PostgreSQL state of record: schema migrations,
// one repository per aggregate, and the transactional store the services
// compose multi-row invariants on.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"dev.helix.conductor/internal/breaker"
	"dev.helix.conductor/internal/config"
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx so repositories run the
// same SQL inside and outside transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Connect builds the pgx pool and verifies connectivity.
func Connect(ctx context.Context, cfg config.DatabaseConfig, log *logrus.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.WithFields(logrus.Fields{
		"max_conns": poolCfg.MaxConns,
	}).Info("connected to postgres")
	return pool, nil
}

// Store bundles the repositories over one Querier. The zero-value service
// path binds to the pool; WithTx rebinds everything to a transaction.
type Store struct {
	pool    *pgxpool.Pool
	q       Querier
	breaker *breaker.Breaker
	timeout time.Duration
	log     *logrus.Logger

	Tasks       *TaskRepository
	Subtasks    *SubtaskRepository
	Workers     *WorkerRepository
	Checkpoints *CheckpointRepository
	Evaluations *EvaluationRepository
	Corrections *CorrectionRepository
	Templates   *TemplateRepository
	Activity    *ActivityRepository
}

// NewStore binds the repositories to the pool.
func NewStore(pool *pgxpool.Pool, queryTimeout time.Duration, log *logrus.Logger) *Store {
	return newStore(pool, pool, queryTimeout, log)
}

func newStore(pool *pgxpool.Pool, q Querier, timeout time.Duration, log *logrus.Logger) *Store {
	base := repoBase{q: q, timeout: timeout, log: log}
	return &Store{
		pool:        pool,
		q:           q,
		timeout:     timeout,
		log:         log,
		Tasks:       &TaskRepository{base},
		Subtasks:    &SubtaskRepository{base},
		Workers:     &WorkerRepository{base},
		Checkpoints: &CheckpointRepository{base},
		Evaluations: &EvaluationRepository{base},
		Corrections: &CorrectionRepository{base},
		Templates:   &TemplateRepository{base},
		Activity:    &ActivityRepository{base},
	}
}

// Pool exposes the raw pool for the monitor and readiness probe.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping checks liveness for the readiness endpoint.
func (s *Store) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.pool.Ping(pingCtx)
}

// WithTx runs fn with every repository rebound to one transaction; it
// commits on nil, rolls back otherwise. A guarded store begins and runs the
// transaction under the same breaker.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.pool == nil {
		return fmt.Errorf("store is not pool-backed")
	}
	tx, err := s.begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var q Querier = tx
	if s.breaker != nil {
		q = guardedQuerier{q: tx, br: s.breaker}
	}
	txStore := newStore(nil, q, s.timeout, s.log)
	txStore.breaker = s.breaker
	if err := fn(txStore); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *Store) begin(ctx context.Context) (pgx.Tx, error) {
	if s.breaker == nil {
		return s.pool.Begin(ctx)
	}
	var tx pgx.Tx
	err := guardedQuerier{q: s.q, br: s.breaker}.run(ctx, func(ctx context.Context) error {
		var beginErr error
		tx, beginErr = s.pool.Begin(ctx)
		return beginErr
	})
	return tx, err
}

// repoBase is embedded by every repository.
type repoBase struct {
	q       Querier
	timeout time.Duration
	log     *logrus.Logger
}

// opCtx applies the configured statement timeout.
func (b *repoBase) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.timeout)
}
