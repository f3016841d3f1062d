package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/caremesh/registrar/internal/model"
	"github.com/caremesh/registrar/internal/repository"
	"github.com/caremesh/registrar/pkg/common"
)

// provisioningStore is the slice of the repository the handlers touch.
type provisioningStore interface {
	GetSubject(ctx context.Context, subjectID int64) (*model.Subject, error)
	GetActiveDefaultCareTeam(ctx context.Context) (*model.DefaultCareTeam, error)
	GetCareTeamAssignment(ctx context.Context, subjectID int64) (*model.CareTeamAssignment, error)
	CreateCareTeamAssignment(ctx context.Context, subjectID, doctorID int64, nutritionistID *int64) (bool, error)
	UpsertCareTeamRoom(ctx context.Context, subjectID, doctorID int64, nutritionistID *int64) (repository.RoomSyncResult, error)
	UpsertProfessionalProfile(ctx context.Context, subjectID int64) (bool, error)
}

// Handlers are the idempotent provisioning operations the task processor
// dispatches. Every handler is safe to re-invoke with the same subject.
type Handlers struct {
	store    provisioningStore
	notifier Notifier
	logger   *slog.Logger
	channel  string
}

func NewHandlers(store provisioningStore, notifier Notifier, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		store:    store,
		notifier: notifier,
		logger:   logger.With("component", "provisioning"),
		channel:  getEnvString("NOTIFICATION_CHANNEL", "in_app"),
	}
}

// HandlerFor maps a task type onto its handler. Unknown task types are a
// permanent failure: retrying a typo never helps.
func (h *Handlers) HandlerFor(taskType string) (func(ctx context.Context, subjectID int64) error, error) {
	switch taskType {
	case common.TaskAssignCareTeam:
		return h.AssignCareTeam, nil
	case common.TaskCreateChatRoom:
		return h.CreateChatRoom, nil
	case common.TaskSendWelcomeNotification:
		return h.SendWelcomeNotification, nil
	case common.TaskSetupProfessionalProfile:
		return h.SetupProfessionalProfile, nil
	default:
		return nil, common.NonRetryable(fmt.Errorf("unknown task type %q", taskType))
	}
}

// AssignCareTeam creates the subject's care-team assignment from the active
// default care team. An existing assignment is a no-op. Missing default team
// configuration fails permanently: it needs an administrator, not a retry.
func (h *Handlers) AssignCareTeam(ctx context.Context, subjectID int64) error {
	existing, err := h.store.GetCareTeamAssignment(ctx, subjectID)
	if err != nil {
		return common.Retryable(err)
	}
	if existing != nil {
		h.logger.Info("Care team already assigned",
			"event", "assign_care_team",
			"subject_id", subjectID,
			"reason", "already_exists",
		)
		return nil
	}

	team, err := h.store.GetActiveDefaultCareTeam(ctx)
	if err != nil {
		if errors.Is(err, repository.ErrNoDefaultCareTeam) {
			return common.NonRetryable(err)
		}
		return common.Retryable(err)
	}

	created, err := h.store.CreateCareTeamAssignment(ctx, subjectID, team.DoctorID, team.NutritionistID)
	if err != nil {
		return common.Retryable(err)
	}
	h.logger.Info("Care team assigned",
		"event", "assign_care_team",
		"subject_id", subjectID,
		"doctor_id", team.DoctorID,
		"created", created,
	)
	return nil
}

// CreateChatRoom provisions or repairs the subject's care-team room via the
// shared idempotent upsert. Requires the care-team assignment to exist; the
// task priority ordering normally guarantees that, and when it does not, the
// failure is transient and the backoff schedule gives the assignment task
// time to land.
func (h *Handlers) CreateChatRoom(ctx context.Context, subjectID int64) error {
	assignment, err := h.store.GetCareTeamAssignment(ctx, subjectID)
	if err != nil {
		return common.Retryable(err)
	}
	if assignment == nil {
		return common.Retryable(fmt.Errorf("subject %d has no care team assignment yet", subjectID))
	}

	result, err := h.store.UpsertCareTeamRoom(ctx, subjectID, assignment.DoctorID, assignment.NutritionistID)
	if err != nil {
		return common.Retryable(err)
	}
	h.logger.Info("Chat room synced",
		"event", "create_chat_room",
		"subject_id", subjectID,
		"room_id", result.RoomID,
		"created", result.Created,
		"members_added", result.MembersAdded,
	)
	return nil
}

// SendWelcomeNotification dispatches the welcome message through the notifier
// collaborator. Unknown subjects are an invalid recipient, not retried.
func (h *Handlers) SendWelcomeNotification(ctx context.Context, subjectID int64) error {
	subject, err := h.store.GetSubject(ctx, subjectID)
	if err != nil {
		return common.Retryable(err)
	}
	if subject == nil {
		return common.NonRetryable(fmt.Errorf("subject %d not found, invalid recipient", subjectID))
	}

	result, err := h.notifier.DispatchNotification(ctx, subjectID, h.channel, map[string]any{
		"template":     "registration_welcome",
		"subject_kind": subject.Kind,
	})
	if err != nil {
		return err
	}
	h.logger.Info("Welcome notification sent",
		"event", "send_welcome_notification",
		"subject_id", subjectID,
		"provider_message_id", result.ProviderMessageID,
	)
	return nil
}

// SetupProfessionalProfile provisions the profile row for professional
// subjects. Enqueued only for kind=professional; a patient reaching this
// handler is a stale task and completes as a no-op.
func (h *Handlers) SetupProfessionalProfile(ctx context.Context, subjectID int64) error {
	subject, err := h.store.GetSubject(ctx, subjectID)
	if err != nil {
		return common.Retryable(err)
	}
	if subject == nil {
		return common.NonRetryable(fmt.Errorf("subject %d not found", subjectID))
	}
	if subject.Kind != common.SubjectKindProfessional {
		h.logger.Info("Professional profile skipped",
			"event", "setup_professional_profile",
			"subject_id", subjectID,
			"reason", "not_professional",
		)
		return nil
	}

	created, err := h.store.UpsertProfessionalProfile(ctx, subjectID)
	if err != nil {
		return common.Retryable(err)
	}
	h.logger.Info("Professional profile provisioned",
		"event", "setup_professional_profile",
		"subject_id", subjectID,
		"created", created,
	)
	return nil
}
