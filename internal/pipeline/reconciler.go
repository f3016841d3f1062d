package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/caremesh/registrar/internal/model"
	"github.com/caremesh/registrar/internal/repository"
)

const (
	reconcileResultCreated = "created"
	reconcileResultUpdated = "updated"
	reconcileResultSkipped = "skipped"
	reconcileResultError   = "error"

	reconcileReasonOK            = "ok"
	reconcileReasonMissingDoctor = "missing_doctor"
	reconcileReasonInSync        = "in_sync"
	reconcileReasonUpsertFailed  = "upsert_failed"
	reconcileReasonListFailed    = "list_failed"
)

// reconcileStore is the slice of the repository the sweep reads and repairs.
type reconcileStore interface {
	ListCareTeamAssignments(ctx context.Context) ([]model.CareTeamAssignment, error)
	UpsertCareTeamRoom(ctx context.Context, subjectID, doctorID int64, nutritionistID *int64) (repository.RoomSyncResult, error)
	CountChatRooms(ctx context.Context) (int64, error)
}

// Reconciler is the self-healing backstop: it walks every care-team
// assignment and drives chat-room membership to the expected state through
// the same idempotent upsert the task handler uses. It catches rooms for
// tasks that were never enqueued or silently dropped.
type Reconciler struct {
	store  reconcileStore
	logger *slog.Logger
}

func NewReconciler(store reconcileStore, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:  store,
		logger: logger.With("component", "room_sync_reconciler"),
	}
}

// RunRoomSync executes one full reconciliation sweep and tallies the outcome
// per assignment. Assignments without a doctor are skipped, not failed.
func (r *Reconciler) RunRoomSync(ctx context.Context) (model.ReconcileReport, error) {
	start := time.Now()
	var report model.ReconcileReport

	assignments, err := r.store.ListCareTeamAssignments(ctx)
	if err != nil {
		reconcileSweepTotal.WithLabelValues(reconcileResultError, reconcileReasonListFailed).Inc()
		return report, err
	}

	for _, a := range assignments {
		if a.DoctorID == 0 {
			report.Skipped++
			reconcileSweepTotal.WithLabelValues(reconcileResultSkipped, reconcileReasonMissingDoctor).Inc()
			continue
		}

		result, err := r.store.UpsertCareTeamRoom(ctx, a.SubjectID, a.DoctorID, a.NutritionistID)
		switch {
		case err != nil:
			report.Error++
			reconcileSweepTotal.WithLabelValues(reconcileResultError, reconcileReasonUpsertFailed).Inc()
			r.logger.Error("Room reconcile failed",
				"event", "room_sync",
				"subject_id", a.SubjectID,
				"reason", reconcileReasonUpsertFailed,
				"error", err,
			)
		case result.Created:
			report.Created++
			reconcileSweepTotal.WithLabelValues(reconcileResultCreated, reconcileReasonOK).Inc()
		case result.MembersAdded > 0:
			report.Updated++
			reconcileSweepTotal.WithLabelValues(reconcileResultUpdated, reconcileReasonOK).Inc()
		default:
			report.Skipped++
			reconcileSweepTotal.WithLabelValues(reconcileResultSkipped, reconcileReasonInSync).Inc()
		}
	}

	if rooms, err := r.store.CountChatRooms(ctx); err == nil {
		chatRoomsGauge.Set(float64(rooms))
	}

	reconcileSweepLatencySeconds.Observe(time.Since(start).Seconds())
	r.logger.Info("Room sync sweep finished",
		"event", "room_sync_done",
		"assignments", len(assignments),
		"created", report.Created,
		"updated", report.Updated,
		"skipped", report.Skipped,
		"errors", report.Error,
	)
	return report, nil
}

// StartRoomSyncLoop runs the sweep on a fixed interval until the context is
// cancelled. Individual sweep failures are logged and do not stop the loop.
func (r *Reconciler) StartRoomSyncLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Duration(getEnvInt("RECONCILE_TICK_SEC", 300)) * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("Room sync loop started", "event", "room_sync_started", "interval_sec", int(interval/time.Second))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunRoomSync(ctx); err != nil {
				r.logger.Error("Room sync sweep errored", "event", "room_sync", "error", err)
			}
		}
	}
}
