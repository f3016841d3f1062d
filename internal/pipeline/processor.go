package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/caremesh/registrar/internal/model"
	"github.com/caremesh/registrar/pkg/common"
)

// taskStore is the durable task table surface the processor drives.
type taskStore interface {
	UpsertTask(ctx context.Context, subjectID int64, taskType string, priority int) (bool, error)
	RequeueFailedTask(ctx context.Context, subjectID int64, taskType string) (bool, error)
	ClaimNextPending(ctx context.Context) (*model.RegistrationTask, error)
	ClaimNextPendingForSubject(ctx context.Context, subjectID int64) (*model.RegistrationTask, error)
	MarkTaskCompleted(ctx context.Context, taskID int64) (bool, error)
	MarkTaskFailed(ctx context.Context, taskID int64, lastError string, retryable bool, retryDelay time.Duration) (bool, error)
	ReclaimStaleTasks(ctx context.Context, lease time.Duration) (int64, error)
	CountPendingTasks(ctx context.Context) (int64, error)
	GetSubject(ctx context.Context, subjectID int64) (*model.Subject, error)
	MarkPaymentComplete(ctx context.Context, subjectID int64) error
}

// Processor claims registration tasks and dispatches them through the
// fault-isolation layer. Handler errors never escape the dispatch boundary;
// they are classified and folded into task state.
type Processor struct {
	store    taskStore
	handlers *Handlers
	executor *Executor
	status   *Aggregator
	logger   *slog.Logger
}

func NewProcessor(store taskStore, handlers *Handlers, executor *Executor, status *Aggregator, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:    store,
		handlers: handlers,
		executor: executor,
		status:   status,
		logger:   logger.With("component", "task_processor"),
	}
}

// EnqueueRegistrationTasks is the payment-completion trigger. Upserts are
// keyed on (subject_id, task_type), so a duplicate webhook delivery creates
// nothing new. Returns the number of freshly created tasks.
func (p *Processor) EnqueueRegistrationTasks(ctx context.Context, subjectID int64) (int, error) {
	if err := p.store.MarkPaymentComplete(ctx, subjectID); err != nil {
		return 0, err
	}

	wanted := []struct {
		taskType string
		priority int
	}{
		{common.TaskAssignCareTeam, common.PriorityAssignCareTeam},
		{common.TaskCreateChatRoom, common.PriorityCreateChatRoom},
		{common.TaskSendWelcomeNotification, common.PrioritySendWelcomeNotification},
	}

	subject, err := p.store.GetSubject(ctx, subjectID)
	if err != nil {
		return 0, err
	}
	if subject != nil && subject.Kind == common.SubjectKindProfessional {
		wanted = append(wanted, struct {
			taskType string
			priority int
		}{common.TaskSetupProfessionalProfile, common.PrioritySetupProfessionalProfile})
	}

	created := 0
	for _, w := range wanted {
		inserted, err := p.store.UpsertTask(ctx, subjectID, w.taskType, w.priority)
		if err != nil {
			return created, err
		}
		if inserted {
			created++
			tasksEnqueuedTotal.WithLabelValues(w.taskType).Inc()
		}
	}
	p.logger.Info("Registration tasks enqueued",
		"event", "enqueue",
		"subject_id", subjectID,
		"created", created,
	)
	return created, nil
}

// RequeueFailedTask is the explicit administrator retry path for a
// terminally failed task.
func (p *Processor) RequeueFailedTask(ctx context.Context, subjectID int64, taskType string) (bool, error) {
	return p.store.RequeueFailedTask(ctx, subjectID, taskType)
}

// ProcessTasksForSubject claims and executes every eligible pending task for
// one subject in priority order. Returns the number of tasks executed.
func (p *Processor) ProcessTasksForSubject(ctx context.Context, subjectID int64) (int, error) {
	processed := 0
	for {
		task, err := p.store.ClaimNextPendingForSubject(ctx, subjectID)
		if err != nil {
			return processed, err
		}
		if task == nil {
			break
		}
		p.executeClaimed(ctx, task)
		processed++
	}
	if processed > 0 {
		p.refreshLegacyFlag(ctx, subjectID)
	}
	return processed, nil
}

// ProcessNextGlobalTask claims a single next-pending task across all
// subjects, executes it, and stops. Callers loop this for throughput.
// Returns false when nothing was claimable.
func (p *Processor) ProcessNextGlobalTask(ctx context.Context) (bool, error) {
	task, err := p.store.ClaimNextPending(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	p.executeClaimed(ctx, task)
	p.refreshLegacyFlag(ctx, task.SubjectID)
	return true, nil
}

func (p *Processor) executeClaimed(ctx context.Context, task *model.RegistrationTask) {
	start := time.Now()
	logger := p.logger.With(
		"subject_id", task.SubjectID,
		"task_type", task.TaskType,
		"task_id", task.ID,
		"retry_count", task.RetryCount,
	)

	handler, err := p.handlers.HandlerFor(task.TaskType)
	if err == nil {
		err = p.executor.ExecuteWithRetry(ctx, task.TaskType, func(ctx context.Context) error {
			return handler(ctx, task.SubjectID)
		})
	}

	if err == nil {
		finalized, markErr := p.store.MarkTaskCompleted(ctx, task.ID)
		if markErr != nil {
			taskProcessTotal.WithLabelValues(task.TaskType, "error", "db_error").Inc()
			logger.Error("Mark task completed failed", "event", "task_finalize", "reason", "db_error", "error", markErr)
			return
		}
		taskProcessTotal.WithLabelValues(task.TaskType, "ok", "ok").Inc()
		taskProcessLatencySeconds.Observe(time.Since(start).Seconds())
		logger.Info("Task completed", "event", "task_completed", "finalized", finalized)
		return
	}

	class := common.Classify(err)
	retryable := class.IsRetryable() && task.RetryCount < p.executor.Config().MaxRetries

	delay := time.Duration(0)
	if retryable {
		delay = ComputeNextDelay(task.RetryCount, p.executor.Config())
		if class == common.ClassCircuitOpen {
			// A tripped breaker will reject until its reset timeout; retrying
			// sooner only burns claims.
			if reset := p.executor.breakers.resetTimeout; delay < reset {
				delay = reset
			}
		}
	}

	if _, markErr := p.store.MarkTaskFailed(ctx, task.ID, err.Error(), retryable, delay); markErr != nil {
		taskProcessTotal.WithLabelValues(task.TaskType, "error", "db_error").Inc()
		logger.Error("Mark task failed errored", "event", "task_finalize", "reason", "db_error", "error", markErr)
		return
	}

	taskProcessTotal.WithLabelValues(task.TaskType, "failed", string(class)).Inc()
	taskProcessLatencySeconds.Observe(time.Since(start).Seconds())
	if retryable {
		logger.Warn("Task rescheduled",
			"event", "task_rescheduled",
			"class", string(class),
			"retry_delay_ms", delay.Milliseconds(),
			"error", err,
		)
		return
	}
	logger.Error("Task failed terminally",
		"event", "task_failed",
		"class", string(class),
		"error", err,
	)
}

func (p *Processor) refreshLegacyFlag(ctx context.Context, subjectID int64) {
	if p.status == nil {
		return
	}
	if err := p.status.SyncLegacyFlag(ctx, subjectID); err != nil {
		p.logger.Warn("Legacy flag sync failed", "subject_id", subjectID, "error", err)
	}
}

// ReclaimStaleTasks returns claims orphaned by a dead or interrupted
// processor to the queue. Called on the sweeper tick before draining.
func (p *Processor) ReclaimStaleTasks(ctx context.Context, lease time.Duration) (int64, error) {
	reclaimed, err := p.store.ReclaimStaleTasks(ctx, lease)
	if err != nil {
		return 0, err
	}
	if reclaimed > 0 {
		tasksReclaimedTotal.Add(float64(reclaimed))
		p.logger.Warn("Stale claims reclaimed",
			"event", "task_reclaim",
			"count", reclaimed,
			"lease_sec", int(lease/time.Second),
		)
	}
	return reclaimed, nil
}

// UpdatePendingGauge refreshes the backlog gauge; called by the sweeper tick.
func (p *Processor) UpdatePendingGauge(ctx context.Context) {
	pending, err := p.store.CountPendingTasks(ctx)
	if err != nil {
		p.logger.Warn("Count pending tasks failed", "reason", "db_error", "error", err)
		return
	}
	tasksPendingGauge.Set(float64(pending))
}
