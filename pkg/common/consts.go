package common

const (
	// Redis key prefixes
	InFlightKeyPrefix     = "registrar:inflight:"
	NotificationKeyPrefix = "registrar:notification:"

	// Task types
	TaskAssignCareTeam           = "assign_care_team"
	TaskCreateChatRoom           = "create_chat_room"
	TaskSendWelcomeNotification  = "send_welcome_notification"
	TaskSetupProfessionalProfile = "setup_professional_profile"

	// Task statuses
	TaskStatusPending    = "pending"
	TaskStatusInProgress = "in_progress"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"

	// Derived registration statuses
	RegStatusPaymentPending  = "payment_pending"
	RegStatusPaymentComplete = "payment_complete"
	RegStatusCareTeam        = "care_team_assigned"
	RegStatusFullyRegistered = "fully_registered"

	// Subject kinds
	SubjectKindPatient      = "patient"
	SubjectKindProfessional = "professional"

	// Room types
	RoomTypeCareTeam = "care_team"

	// Chat room member roles
	RoleSubject      = "subject"
	RoleDoctor       = "doctor"
	RoleNutritionist = "nutritionist"
)

// Task priorities: lower value is claimed first. Care-team assignment must
// land before the chat room is built, so the ordering is load-bearing.
const (
	PriorityAssignCareTeam           = 1
	PriorityCreateChatRoom           = 2
	PrioritySendWelcomeNotification  = 3
	PrioritySetupProfessionalProfile = 4
)
