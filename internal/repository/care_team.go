package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/caremesh/registrar/internal/model"
	"github.com/jackc/pgx/v5"
)

// ErrNoDefaultCareTeam is returned when no active default care team is
// configured. This is an administrator-config error, never retried.
var ErrNoDefaultCareTeam = errors.New("no active default care team configured")

// GetActiveDefaultCareTeam reads the single active default care team record.
func (db *PostgresDB) GetActiveDefaultCareTeam(ctx context.Context) (*model.DefaultCareTeam, error) {
	query := `
		SELECT id, doctor_id, nutritionist_id, active
		FROM default_care_teams
		WHERE active
		ORDER BY id
		LIMIT 1
	`
	var team model.DefaultCareTeam
	err := db.pool.QueryRow(ctx, query).Scan(&team.ID, &team.DoctorID, &team.NutritionistID, &team.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoDefaultCareTeam
	}
	if err != nil {
		return nil, fmt.Errorf("get default care team: %w", err)
	}
	return &team, nil
}

// GetCareTeamAssignment returns the assignment for a subject, or (nil, nil)
// when none exists yet.
func (db *PostgresDB) GetCareTeamAssignment(ctx context.Context, subjectID int64) (*model.CareTeamAssignment, error) {
	query := `
		SELECT subject_id, doctor_id, nutritionist_id, created_at
		FROM care_team_assignments
		WHERE subject_id = $1
	`
	var a model.CareTeamAssignment
	err := db.pool.QueryRow(ctx, query, subjectID).Scan(&a.SubjectID, &a.DoctorID, &a.NutritionistID, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get care team assignment: %w", err)
	}
	return &a, nil
}

// CreateCareTeamAssignment persists a new assignment. A concurrent creator
// winning the race is treated as success: the row is unique per subject and
// the insert is a no-op on conflict. Returns true when this call inserted.
func (db *PostgresDB) CreateCareTeamAssignment(ctx context.Context, subjectID, doctorID int64, nutritionistID *int64) (bool, error) {
	query := `
		INSERT INTO care_team_assignments (subject_id, doctor_id, nutritionist_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (subject_id) DO NOTHING
	`
	cmd, err := db.pool.Exec(ctx, query, subjectID, doctorID, nutritionistID)
	if err != nil {
		return false, fmt.Errorf("create care team assignment: %w", err)
	}
	return cmd.RowsAffected() == 1, nil
}

// ListCareTeamAssignments enumerates every assignment for the reconciliation sweep.
func (db *PostgresDB) ListCareTeamAssignments(ctx context.Context) ([]model.CareTeamAssignment, error) {
	query := `
		SELECT subject_id, doctor_id, nutritionist_id, created_at
		FROM care_team_assignments
		ORDER BY subject_id
	`
	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list care team assignments: %w", err)
	}
	defer rows.Close()

	var assignments []model.CareTeamAssignment
	for rows.Next() {
		var a model.CareTeamAssignment
		if err := rows.Scan(&a.SubjectID, &a.DoctorID, &a.NutritionistID, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan care team assignment: %w", err)
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}
