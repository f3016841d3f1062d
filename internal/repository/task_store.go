package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/caremesh/registrar/internal/model"
	"github.com/caremesh/registrar/pkg/common"
	"github.com/jackc/pgx/v5"
)

const taskColumns = `id, subject_id, task_type, status, retry_count, next_retry_at,
	       priority, COALESCE(last_error, ''), completed_at, created_at, updated_at`

// claimNextPendingSQL atomically claims the oldest eligible pending task with
// row-level locking so concurrent sweepers never pick the same row.
const claimNextPendingSQL = `
	WITH picked AS (
		SELECT id
		FROM registration_tasks
		WHERE status = $1
		  AND next_retry_at <= NOW()
		ORDER BY priority, created_at, id
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	)
	UPDATE registration_tasks AS t
	SET status = $2,
	    updated_at = NOW()
	FROM picked
	WHERE t.id = picked.id
	RETURNING t.id, t.subject_id, t.task_type, t.status, t.retry_count, t.next_retry_at,
	          t.priority, COALESCE(t.last_error, ''), t.completed_at, t.created_at, t.updated_at
`

const claimNextPendingForSubjectSQL = `
	WITH picked AS (
		SELECT id
		FROM registration_tasks
		WHERE status = $1
		  AND next_retry_at <= NOW()
		  AND subject_id = $3
		ORDER BY priority, created_at, id
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	)
	UPDATE registration_tasks AS t
	SET status = $2,
	    updated_at = NOW()
	FROM picked
	WHERE t.id = picked.id
	RETURNING t.id, t.subject_id, t.task_type, t.status, t.retry_count, t.next_retry_at,
	          t.priority, COALESCE(t.last_error, ''), t.completed_at, t.created_at, t.updated_at
`

// UpsertTask inserts a registration task if the (subject_id, task_type) key is
// new. A second call for an existing key is a no-op regardless of its status.
// Returns true when a new row was created.
func (db *PostgresDB) UpsertTask(ctx context.Context, subjectID int64, taskType string, priority int) (bool, error) {
	query := `
		INSERT INTO registration_tasks (subject_id, task_type, status, priority, next_retry_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (subject_id, task_type) DO NOTHING
	`
	cmd, err := db.pool.Exec(ctx, query, subjectID, taskType, common.TaskStatusPending, priority)
	if err != nil {
		return false, fmt.Errorf("upsert task: %w", err)
	}
	return cmd.RowsAffected() == 1, nil
}

// RequeueFailedTask flips a terminally failed task back to pending. This is
// the explicit administrator retry path; it never touches non-failed rows.
func (db *PostgresDB) RequeueFailedTask(ctx context.Context, subjectID int64, taskType string) (bool, error) {
	query := `
		UPDATE registration_tasks
		SET status = $3,
		    retry_count = 0,
		    next_retry_at = NOW(),
		    last_error = NULL,
		    updated_at = NOW()
		WHERE subject_id = $1
		  AND task_type = $2
		  AND status = $4
	`
	cmd, err := db.pool.Exec(ctx, query, subjectID, taskType, common.TaskStatusPending, common.TaskStatusFailed)
	if err != nil {
		return false, fmt.Errorf("requeue failed task: %w", err)
	}
	return cmd.RowsAffected() == 1, nil
}

// ClaimNextPending claims one eligible pending task across all subjects.
// Returns (nil, nil) when nothing is claimable.
func (db *PostgresDB) ClaimNextPending(ctx context.Context) (*model.RegistrationTask, error) {
	return db.claimOne(ctx, claimNextPendingSQL, common.TaskStatusPending, common.TaskStatusInProgress)
}

// ClaimNextPendingForSubject claims one eligible pending task for the subject.
func (db *PostgresDB) ClaimNextPendingForSubject(ctx context.Context, subjectID int64) (*model.RegistrationTask, error) {
	return db.claimOne(ctx, claimNextPendingForSubjectSQL, common.TaskStatusPending, common.TaskStatusInProgress, subjectID)
}

func (db *PostgresDB) claimOne(ctx context.Context, query string, args ...any) (*model.RegistrationTask, error) {
	var t model.RegistrationTask
	err := db.pool.QueryRow(ctx, query, args...).Scan(
		&t.ID, &t.SubjectID, &t.TaskType, &t.Status, &t.RetryCount, &t.NextRetryAt,
		&t.Priority, &t.LastError, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim pending task: %w", err)
	}
	return &t, nil
}

// MarkTaskCompleted finalizes a claimed task. Returns false when the row was
// not in_progress (another writer already finalized it).
func (db *PostgresDB) MarkTaskCompleted(ctx context.Context, taskID int64) (bool, error) {
	query := `
		UPDATE registration_tasks
		SET status = $2,
		    last_error = NULL,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1
		  AND status = $3
	`
	cmd, err := db.pool.Exec(ctx, query, taskID, common.TaskStatusCompleted, common.TaskStatusInProgress)
	if err != nil {
		return false, fmt.Errorf("mark task completed: %w", err)
	}
	return cmd.RowsAffected() == 1, nil
}

// MarkTaskFailed records a failure. Retryable failures go back to pending
// with the supplied backoff delay; permanent ones are failed terminally.
func (db *PostgresDB) MarkTaskFailed(ctx context.Context, taskID int64, lastError string, retryable bool, retryDelay time.Duration) (bool, error) {
	if retryable {
		query := `
			UPDATE registration_tasks
			SET status = $2,
			    retry_count = retry_count + 1,
			    next_retry_at = NOW() + ($4::bigint * interval '1 millisecond'),
			    last_error = $3,
			    updated_at = NOW()
			WHERE id = $1
			  AND status = $5
		`
		cmd, err := db.pool.Exec(ctx, query,
			taskID, common.TaskStatusPending, lastError, retryDelay.Milliseconds(), common.TaskStatusInProgress)
		if err != nil {
			return false, fmt.Errorf("mark task retryable failure: %w", err)
		}
		return cmd.RowsAffected() == 1, nil
	}

	query := `
		UPDATE registration_tasks
		SET status = $2,
		    last_error = $3,
		    updated_at = NOW()
		WHERE id = $1
		  AND status = $4
	`
	cmd, err := db.pool.Exec(ctx, query,
		taskID, common.TaskStatusFailed, lastError, common.TaskStatusInProgress)
	if err != nil {
		return false, fmt.Errorf("mark task failed: %w", err)
	}
	return cmd.RowsAffected() == 1, nil
}

// ReclaimStaleTasks flips in_progress rows whose claimant went quiet back to
// pending. A claim is a lease, not ownership: a processor that dies between
// claim and finalize forfeits the row once the lease interval elapses, and
// the next sweep picks it up again. Returns the number of reclaimed rows.
func (db *PostgresDB) ReclaimStaleTasks(ctx context.Context, lease time.Duration) (int64, error) {
	query := `
		UPDATE registration_tasks
		SET status = $1,
		    updated_at = NOW()
		WHERE status = $2
		  AND updated_at < NOW() - ($3::bigint * interval '1 second')
	`
	cmd, err := db.pool.Exec(ctx, query,
		common.TaskStatusPending, common.TaskStatusInProgress, int64(lease/time.Second))
	if err != nil {
		return 0, fmt.Errorf("reclaim stale tasks: %w", err)
	}
	return cmd.RowsAffected(), nil
}

// ListTasksBySubject returns all registration tasks for a subject in priority order.
func (db *PostgresDB) ListTasksBySubject(ctx context.Context, subjectID int64) ([]model.RegistrationTask, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM registration_tasks
		WHERE subject_id = $1
		ORDER BY priority, created_at
	`, taskColumns)
	rows, err := db.pool.Query(ctx, query, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.RegistrationTask
	for rows.Next() {
		var t model.RegistrationTask
		if err := rows.Scan(
			&t.ID, &t.SubjectID, &t.TaskType, &t.Status, &t.RetryCount, &t.NextRetryAt,
			&t.Priority, &t.LastError, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// CountPendingTasks feeds the backlog gauge.
func (db *PostgresDB) CountPendingTasks(ctx context.Context) (int64, error) {
	query := `
		SELECT COUNT(1)
		FROM registration_tasks
		WHERE status = $1
	`
	var count int64
	if err := db.pool.QueryRow(ctx, query, common.TaskStatusPending).Scan(&count); err != nil {
		return 0, fmt.Errorf("count pending tasks: %w", err)
	}
	return count, nil
}
