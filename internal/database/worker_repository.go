package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"dev.helix.conductor/internal/apperrors"
	"dev.helix.conductor/internal/models"
	"dev.helix.conductor/pkg/api"
)

// WorkerRepository persists the worker registry.
type WorkerRepository struct {
	repoBase
}

const workerColumns = `id, machine_id, hostname, status, tools, system_info, on_prem, tags,
	last_heartbeat_at, registered_at, updated_at, version`

// Upsert registers a worker idempotently on machine_id. A returning worker
// keeps its id; its tools, hostname and system info refresh, and it revives
// to idle unless it was draining.
func (r *WorkerRepository) Upsert(ctx context.Context, w *models.Worker) (created bool, err error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	tools, err := marshalJSONB(w.Tools)
	if err != nil {
		return false, err
	}
	sysinfo, err := marshalJSONB(w.SystemInfo)
	if err != nil {
		return false, err
	}
	tags, err := marshalJSONB(w.Tags)
	if err != nil {
		return false, err
	}

	err = r.q.QueryRow(ctx, `
		INSERT INTO workers (id, machine_id, hostname, status, tools, system_info, on_prem, tags, last_heartbeat_at)
		VALUES ($1, $2, $3, 'idle', $4, $5, $6, $7, now())
		ON CONFLICT (machine_id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			tools = EXCLUDED.tools,
			system_info = EXCLUDED.system_info,
			on_prem = EXCLUDED.on_prem,
			tags = EXCLUDED.tags,
			status = CASE WHEN workers.status = 'draining' THEN 'draining' ELSE 'idle' END,
			last_heartbeat_at = now(),
			version = workers.version + 1,
			updated_at = now()
		RETURNING id, status, registered_at, updated_at, version, (xmax = 0) AS inserted`,
		w.ID, w.MachineID, w.Hostname, tools, sysinfo, w.OnPrem, tags,
	).Scan(&w.ID, &w.Status, &w.RegisteredAt, &w.UpdatedAt, &w.Version, &created)
	if err != nil {
		return false, fmt.Errorf("upserting worker: %w", err)
	}
	now := time.Now().UTC()
	w.LastHeartbeatAt = &now
	return created, nil
}

// Get loads one worker.
func (r *WorkerRepository) Get(ctx context.Context, id string) (*models.Worker, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	row := r.q.QueryRow(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = $1`, id)
	w, err := scanWorker(row)
	if apperrors.IsCode(err, apperrors.CodeNotFound) {
		return nil, apperrors.NotFound("worker", id)
	}
	return w, err
}

// GetForUpdate locks the worker row; callers must hold a transaction.
func (r *WorkerRepository) GetForUpdate(ctx context.Context, id string) (*models.Worker, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	row := r.q.QueryRow(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = $1 FOR UPDATE`, id)
	w, err := scanWorker(row)
	if apperrors.IsCode(err, apperrors.CodeNotFound) {
		return nil, apperrors.NotFound("worker", id)
	}
	return w, err
}

// List returns workers, optionally filtered by status.
func (r *WorkerRepository) List(ctx context.Context, status models.WorkerStatus) ([]*models.Worker, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	rows, err := r.q.Query(ctx, `SELECT `+workerColumns+` FROM workers
		WHERE ($1 = '' OR status = $1) ORDER BY registered_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("listing workers: %w", err)
	}
	defer rows.Close()
	return collectWorkers(rows)
}

// ListCandidates returns allocation candidates: idle or busy workers with a
// heartbeat after the cutoff. Resource and capability checks happen in the
// allocator.
func (r *WorkerRepository) ListCandidates(ctx context.Context, heartbeatAfter time.Time) ([]*models.Worker, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	rows, err := r.q.Query(ctx, `SELECT `+workerColumns+` FROM workers
		WHERE status IN ('idle', 'busy') AND last_heartbeat_at IS NOT NULL AND last_heartbeat_at > $1
		ORDER BY id ASC`, heartbeatAfter)
	if err != nil {
		return nil, fmt.Errorf("listing candidate workers: %w", err)
	}
	defer rows.Close()
	return collectWorkers(rows)
}

// ListStale returns workers whose heartbeat predates the cutoff and that are
// not already offline.
func (r *WorkerRepository) ListStale(ctx context.Context, cutoff time.Time) ([]*models.Worker, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	rows, err := r.q.Query(ctx, `SELECT `+workerColumns+` FROM workers
		WHERE status <> 'offline' AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $1)`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("listing stale workers: %w", err)
	}
	defer rows.Close()
	return collectWorkers(rows)
}

// Heartbeat refreshes liveness and resources. An offline worker revives to
// idle; its proven liveness outranks the sweep's verdict.
func (r *WorkerRepository) Heartbeat(ctx context.Context, id string, info api.SystemInfo) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	sysinfo, err := marshalJSONB(info)
	if err != nil {
		return err
	}
	tag, err := r.q.Exec(ctx, `
		UPDATE workers SET last_heartbeat_at = now(), system_info = $1,
			status = CASE WHEN status = 'offline' THEN 'idle' ELSE status END,
			version = version + 1, updated_at = now()
		WHERE id = $2`, sysinfo, id)
	if err != nil {
		return fmt.Errorf("recording heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("worker", id)
	}
	return nil
}

// SetStatus writes the registry status unconditionally (health sweep, drain,
// busy/idle bookkeeping inside allocator transactions).
func (r *WorkerRepository) SetStatus(ctx context.Context, id string, status models.WorkerStatus) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	tag, err := r.q.Exec(ctx, `
		UPDATE workers SET status = $1, version = version + 1, updated_at = now()
		WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("updating worker status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("worker", id)
	}
	return nil
}

// CountByStatus feeds the registry gauges.
func (r *WorkerRepository) CountByStatus(ctx context.Context) (map[models.WorkerStatus]int, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	rows, err := r.q.Query(ctx, `SELECT status, COUNT(*) FROM workers GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("counting workers: %w", err)
	}
	defer rows.Close()

	out := make(map[models.WorkerStatus]int)
	for rows.Next() {
		var status models.WorkerStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

func collectWorkers(rows pgx.Rows) ([]*models.Worker, error) {
	var workers []*models.Worker
	for rows.Next() {
		w, err := scanWorkerRows(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

func scanWorker(row pgx.Row) (*models.Worker, error) {
	var w models.Worker
	var tools, sysinfo, tags []byte
	err := row.Scan(&w.ID, &w.MachineID, &w.Hostname, &w.Status, &tools, &sysinfo, &w.OnPrem,
		&tags, &w.LastHeartbeatAt, &w.RegisteredAt, &w.UpdatedAt, &w.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("worker", "")
	}
	if err != nil {
		return nil, fmt.Errorf("scanning worker: %w", err)
	}
	if err := decodeWorkerJSON(&w, tools, sysinfo, tags); err != nil {
		return nil, err
	}
	return &w, nil
}

func scanWorkerRows(rows pgx.Rows) (*models.Worker, error) {
	var w models.Worker
	var tools, sysinfo, tags []byte
	err := rows.Scan(&w.ID, &w.MachineID, &w.Hostname, &w.Status, &tools, &sysinfo, &w.OnPrem,
		&tags, &w.LastHeartbeatAt, &w.RegisteredAt, &w.UpdatedAt, &w.Version)
	if err != nil {
		return nil, fmt.Errorf("scanning worker: %w", err)
	}
	if err := decodeWorkerJSON(&w, tools, sysinfo, tags); err != nil {
		return nil, err
	}
	return &w, nil
}

func decodeWorkerJSON(w *models.Worker, tools, sysinfo, tags []byte) error {
	if err := unmarshalJSONB(tools, &w.Tools); err != nil {
		return err
	}
	if err := unmarshalJSONB(sysinfo, &w.SystemInfo); err != nil {
		return err
	}
	return unmarshalJSONB(tags, &w.Tags)
}
