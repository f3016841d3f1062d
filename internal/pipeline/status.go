package pipeline

import (
	"context"
	"fmt"

	"github.com/caremesh/registrar/internal/model"
	"github.com/caremesh/registrar/pkg/common"
	"golang.org/x/sync/singleflight"
)

// statusStore is the read surface the aggregator derives status from.
type statusStore interface {
	GetSubject(ctx context.Context, subjectID int64) (*model.Subject, error)
	ListTasksBySubject(ctx context.Context, subjectID int64) ([]model.RegistrationTask, error)
	GetCareTeamAssignment(ctx context.Context, subjectID int64) (*model.CareTeamAssignment, error)
	SetLegacyRegistrationComplete(ctx context.Context, subjectID int64, complete bool) error
}

// Aggregator computes RegistrationStatusView on read. The stored legacy
// "complete" flag is never the source of truth; every read re-derives status
// from actual task state.
type Aggregator struct {
	store               statusStore
	sf                  singleflight.Group
	requireNutritionist bool
}

func NewAggregator(store statusStore) *Aggregator {
	return &Aggregator{
		store:               store,
		requireNutritionist: getEnvBool("PIPELINE_REQUIRE_NUTRITIONIST", false),
	}
}

// GetRegistrationStatus derives the subject's registration status. Concurrent
// reads for the same subject collapse into one computation.
func (a *Aggregator) GetRegistrationStatus(ctx context.Context, subjectID int64) (*model.RegistrationStatusView, error) {
	v, err, _ := a.sf.Do(fmt.Sprintf("status:%d", subjectID), func() (interface{}, error) {
		return a.computeStatus(ctx, subjectID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.RegistrationStatusView), nil
}

func (a *Aggregator) computeStatus(ctx context.Context, subjectID int64) (*model.RegistrationStatusView, error) {
	subject, err := a.store.GetSubject(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	tasks, err := a.store.ListTasksBySubject(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	assignment, err := a.store.GetCareTeamAssignment(ctx, subjectID)
	if err != nil {
		return nil, err
	}

	view := &model.RegistrationStatusView{
		SubjectID:          subjectID,
		RegistrationStatus: DeriveStatus(subject, tasks, assignment, a.requireNutritionist),
		Tasks:              tasks,
	}
	if subject != nil {
		view.LegacyCompleteFlag = subject.RegistrationComplete
	}
	return view, nil
}

// SyncLegacyFlag mirrors the derived status into the legacy flag after task
// execution so the old UI stays roughly right. The flag stays advisory.
func (a *Aggregator) SyncLegacyFlag(ctx context.Context, subjectID int64) error {
	view, err := a.computeStatus(ctx, subjectID)
	if err != nil {
		return err
	}
	complete := view.RegistrationStatus == common.RegStatusFullyRegistered
	if view.LegacyCompleteFlag == complete {
		return nil
	}
	return a.store.SetLegacyRegistrationComplete(ctx, subjectID, complete)
}

// DeriveStatus computes the coarse registration status from task state.
// fully_registered requires every task in the required set to be completed;
// a stored "complete" flag alone is never sufficient. The required set is the
// three core tasks plus setup_professional_profile when one exists for the
// subject. With requireNutritionist set, the assignment must also carry a
// nutritionist.
func DeriveStatus(subject *model.Subject, tasks []model.RegistrationTask, assignment *model.CareTeamAssignment, requireNutritionist bool) string {
	if len(tasks) == 0 {
		if subject != nil && subject.PaymentCompletedAt != nil {
			return common.RegStatusPaymentComplete
		}
		return common.RegStatusPaymentPending
	}

	completed := make(map[string]bool, len(tasks))
	required := map[string]bool{
		common.TaskAssignCareTeam:          true,
		common.TaskCreateChatRoom:          true,
		common.TaskSendWelcomeNotification: true,
	}
	for _, t := range tasks {
		if t.TaskType == common.TaskSetupProfessionalProfile {
			required[common.TaskSetupProfessionalProfile] = true
		}
		if t.Status == common.TaskStatusCompleted {
			completed[t.TaskType] = true
		}
	}

	allDone := true
	for taskType := range required {
		if !completed[taskType] {
			allDone = false
			break
		}
	}
	if allDone && requireNutritionist {
		if assignment == nil || assignment.NutritionistID == nil {
			allDone = false
		}
	}
	if allDone {
		return common.RegStatusFullyRegistered
	}
	if completed[common.TaskAssignCareTeam] {
		return common.RegStatusCareTeam
	}
	return common.RegStatusPaymentComplete
}
