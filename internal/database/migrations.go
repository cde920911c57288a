package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// migrations run in order exactly once each; applied versions are tracked in
// schema_migrations. Statements are idempotent where possible so a crashed
// half-applied run can be repaired by re-running.
var migrations = []string{
	// 1: tasks
	`CREATE TABLE IF NOT EXISTS tasks (
		id           UUID PRIMARY KEY,
		user_id      TEXT NOT NULL DEFAULT '',
		title        TEXT NOT NULL,
		description  TEXT NOT NULL,
		task_type    TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'pending',
		priority     TEXT NOT NULL DEFAULT 'normal',
		progress     INT  NOT NULL DEFAULT 0,
		sensitive    BOOLEAN NOT NULL DEFAULT FALSE,
		metadata     JSONB,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		version      INT NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);
	CREATE INDEX IF NOT EXISTS idx_tasks_user_created ON tasks (user_id, created_at DESC);`,

	// 2: subtasks
	`CREATE TABLE IF NOT EXISTS subtasks (
		id                    UUID PRIMARY KEY,
		task_id               UUID NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		name                  TEXT NOT NULL,
		description           TEXT NOT NULL DEFAULT '',
		subtask_type          TEXT NOT NULL,
		status                TEXT NOT NULL DEFAULT 'pending',
		depends_on            JSONB NOT NULL DEFAULT '[]',
		recommended_tools     JSONB NOT NULL DEFAULT '[]',
		required_capabilities JSONB NOT NULL DEFAULT '[]',
		assigned_worker_id    UUID,
		assigned_tool         TEXT NOT NULL DEFAULT '',
		output                JSONB,
		error_message         TEXT NOT NULL DEFAULT '',
		attempts              INT NOT NULL DEFAULT 0,
		correction_of         UUID,
		queued_at             TIMESTAMPTZ,
		started_at            TIMESTAMPTZ,
		completed_at          TIMESTAMPTZ,
		created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
		version               INT NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_subtasks_task ON subtasks (task_id);
	CREATE INDEX IF NOT EXISTS idx_subtasks_status ON subtasks (status);
	CREATE INDEX IF NOT EXISTS idx_subtasks_worker_status ON subtasks (assigned_worker_id, status);`,

	// 3: workers
	`CREATE TABLE IF NOT EXISTS workers (
		id                UUID PRIMARY KEY,
		machine_id        TEXT NOT NULL UNIQUE,
		hostname          TEXT NOT NULL,
		status            TEXT NOT NULL DEFAULT 'idle',
		tools             JSONB NOT NULL DEFAULT '[]',
		system_info       JSONB NOT NULL DEFAULT '{}',
		on_prem           BOOLEAN NOT NULL DEFAULT FALSE,
		tags              JSONB NOT NULL DEFAULT '[]',
		last_heartbeat_at TIMESTAMPTZ,
		registered_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		version           INT NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_workers_status ON workers (status);`,

	// 4: checkpoints
	`CREATE TABLE IF NOT EXISTS checkpoints (
		id          UUID PRIMARY KEY,
		task_id     UUID NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		subtask_id  UUID NOT NULL REFERENCES subtasks(id) ON DELETE CASCADE,
		trigger     TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'pending',
		reason      TEXT NOT NULL DEFAULT '',
		snapshot    JSONB NOT NULL DEFAULT '{}',
		decision    JSONB,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		version     INT NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_task_status ON checkpoints (task_id, status);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_checkpoints_open_subtask
		ON checkpoints (subtask_id) WHERE status = 'pending';`,

	// 5: evaluations
	`CREATE TABLE IF NOT EXISTS evaluations (
		id            UUID PRIMARY KEY,
		subtask_id    UUID NOT NULL REFERENCES subtasks(id) ON DELETE CASCADE,
		worker_id     UUID,
		scores        JSONB NOT NULL DEFAULT '{}',
		overall_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		feedback      TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_evaluations_subtask ON evaluations (subtask_id);`,

	// 6: corrections
	`CREATE TABLE IF NOT EXISTS corrections (
		id                    UUID PRIMARY KEY,
		checkpoint_id         UUID NOT NULL REFERENCES checkpoints(id) ON DELETE CASCADE,
		original_subtask_id   UUID NOT NULL REFERENCES subtasks(id) ON DELETE CASCADE,
		correction_subtask_id UUID NOT NULL REFERENCES subtasks(id) ON DELETE CASCADE,
		cycle                 INT NOT NULL,
		instructions          TEXT NOT NULL DEFAULT '',
		created_at            TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_corrections_original ON corrections (original_subtask_id);`,

	// 7: workflow templates
	`CREATE TABLE IF NOT EXISTS workflow_templates (
		id          UUID PRIMARY KEY,
		name        TEXT NOT NULL UNIQUE,
		task_type   TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		usage_count INT NOT NULL DEFAULT 0,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		version     INT NOT NULL DEFAULT 1
	);
	CREATE TABLE IF NOT EXISTS template_steps (
		id                    UUID PRIMARY KEY,
		template_id           UUID NOT NULL REFERENCES workflow_templates(id) ON DELETE CASCADE,
		position              INT NOT NULL,
		name                  TEXT NOT NULL,
		subtask_type          TEXT NOT NULL,
		depends_on            JSONB NOT NULL DEFAULT '[]',
		recommended_tools     JSONB NOT NULL DEFAULT '[]',
		required_capabilities JSONB NOT NULL DEFAULT '[]',
		UNIQUE (template_id, position)
	);
	CREATE INDEX IF NOT EXISTS idx_template_steps_template ON template_steps (template_id);`,

	// 8: activity log
	`CREATE TABLE IF NOT EXISTS activity_logs (
		id          UUID PRIMARY KEY,
		entity_type TEXT NOT NULL,
		entity_id   TEXT NOT NULL,
		action      TEXT NOT NULL,
		actor       TEXT NOT NULL DEFAULT '',
		detail      JSONB,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_activity_entity ON activity_logs (entity_type, entity_id, created_at DESC);`,

	// 9: users and worker api keys (edge auth is handled upstream; the
	// orchestrator only keeps referential shape here)
	`CREATE TABLE IF NOT EXISTS users (
		id         UUID PRIMARY KEY,
		email      TEXT NOT NULL UNIQUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		version    INT NOT NULL DEFAULT 1
	);
	CREATE TABLE IF NOT EXISTS worker_api_keys (
		id         UUID PRIMARY KEY,
		worker_id  UUID NOT NULL REFERENCES workers(id) ON DELETE CASCADE,
		key_hash   TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		revoked_at TIMESTAMPTZ
	);`,
}

// Migrate applies pending migrations in order.
func Migrate(ctx context.Context, pool *pgxpool.Pool, log *logrus.Logger) error {
	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	var current int
	if err := pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("reading migration version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		version := i + 1
		if _, err := pool.Exec(ctx, migrations[i]); err != nil {
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := pool.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		log.WithField("version", version).Info("applied migration")
	}
	return nil
}
