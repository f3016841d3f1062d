package model

import (
	"time"
)

// RegistrationTask is one unit of post-payment provisioning work. At most one
// row exists per (subject_id, task_type); rows are superseded, never deleted.
type RegistrationTask struct {
	ID          int64      `json:"id" db:"id"`
	SubjectID   int64      `json:"subject_id" db:"subject_id"`
	TaskType    string     `json:"task_type" db:"task_type"`
	Status      string     `json:"status" db:"status"`
	RetryCount  int        `json:"retry_count" db:"retry_count"`
	NextRetryAt time.Time  `json:"next_retry_at" db:"next_retry_at"`
	Priority    int        `json:"priority" db:"priority"`
	LastError   string     `json:"last_error,omitempty" db:"last_error"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// Subject is the patient or professional whose registration is completing.
// RegistrationComplete is the legacy flag kept for the old UI; it is stored
// but never trusted, status is always re-derived from task state.
type Subject struct {
	ID                   int64      `json:"id" db:"id"`
	Kind                 string     `json:"kind" db:"kind"`
	RegistrationComplete bool       `json:"registration_complete" db:"registration_complete"`
	PaymentCompletedAt   *time.Time `json:"payment_completed_at,omitempty" db:"payment_completed_at"`
	CreatedAt            time.Time  `json:"created_at" db:"created_at"`
}

// CareTeamAssignment pairs a subject with their doctor and optional nutritionist.
type CareTeamAssignment struct {
	SubjectID      int64     `json:"subject_id" db:"subject_id"`
	DoctorID       int64     `json:"doctor_id" db:"doctor_id"`
	NutritionistID *int64    `json:"nutritionist_id,omitempty" db:"nutritionist_id"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// DefaultCareTeam is the administrator-configured team assigned to new subjects.
type DefaultCareTeam struct {
	ID             int64  `json:"id" db:"id"`
	DoctorID       int64  `json:"doctor_id" db:"doctor_id"`
	NutritionistID *int64 `json:"nutritionist_id,omitempty" db:"nutritionist_id"`
	Active         bool   `json:"active" db:"active"`
}

// ChatRoom is the shared care-team room. Exactly one active room of a given
// type exists per subject.
type ChatRoom struct {
	ID        string           `json:"room_id" db:"id"`
	SubjectID int64            `json:"subject_id" db:"subject_id"`
	RoomType  string           `json:"room_type" db:"room_type"`
	Members   []ChatRoomMember `json:"members,omitempty"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
}

// ChatRoomMember is one (user, role) membership row within a room.
type ChatRoomMember struct {
	RoomID string `json:"room_id" db:"room_id"`
	UserID int64  `json:"user_id" db:"user_id"`
	Role   string `json:"role" db:"role"`
}

// ProfessionalProfile is provisioned for professional-kind subjects.
type ProfessionalProfile struct {
	SubjectID int64     `json:"subject_id" db:"subject_id"`
	Status    string    `json:"status" db:"status"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// RegistrationStatusView is the derived registration state. It is computed on
// read by the status aggregator and is never stored.
type RegistrationStatusView struct {
	SubjectID          int64              `json:"subject_id"`
	RegistrationStatus string             `json:"registration_status"`
	Tasks              []RegistrationTask `json:"tasks"`
	LegacyCompleteFlag bool               `json:"legacy_complete_flag"`
}

// ReconcileReport tallies one room-sync reconciliation sweep.
type ReconcileReport struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Error   int `json:"error"`
}
