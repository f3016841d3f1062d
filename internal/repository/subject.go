package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/caremesh/registrar/internal/model"
	"github.com/jackc/pgx/v5"
)

// GetSubject loads one subject row, or (nil, nil) when unknown.
func (db *PostgresDB) GetSubject(ctx context.Context, subjectID int64) (*model.Subject, error) {
	query := `
		SELECT id, kind, registration_complete, payment_completed_at, created_at
		FROM subjects
		WHERE id = $1
	`
	var s model.Subject
	err := db.pool.QueryRow(ctx, query, subjectID).Scan(
		&s.ID, &s.Kind, &s.RegistrationComplete, &s.PaymentCompletedAt, &s.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subject: %w", err)
	}
	return &s, nil
}

// MarkPaymentComplete records the payment timestamp once; later webhook
// deliveries for the same subject leave the original timestamp intact.
func (db *PostgresDB) MarkPaymentComplete(ctx context.Context, subjectID int64) error {
	query := `
		UPDATE subjects
		SET payment_completed_at = COALESCE(payment_completed_at, NOW())
		WHERE id = $1
	`
	if _, err := db.pool.Exec(ctx, query, subjectID); err != nil {
		return fmt.Errorf("mark payment complete: %w", err)
	}
	return nil
}

// SetLegacyRegistrationComplete mirrors the derived status into the legacy
// flag the old UI still reads. The flag is advisory only; the status
// aggregator never trusts it.
func (db *PostgresDB) SetLegacyRegistrationComplete(ctx context.Context, subjectID int64, complete bool) error {
	query := `
		UPDATE subjects
		SET registration_complete = $2
		WHERE id = $1
	`
	if _, err := db.pool.Exec(ctx, query, subjectID, complete); err != nil {
		return fmt.Errorf("set legacy registration flag: %w", err)
	}
	return nil
}

// UpsertProfessionalProfile provisions the profile row for a professional
// subject. Re-invocation is a no-op; returns true when this call inserted.
func (db *PostgresDB) UpsertProfessionalProfile(ctx context.Context, subjectID int64) (bool, error) {
	query := `
		INSERT INTO professional_profiles (subject_id, status)
		VALUES ($1, 'active')
		ON CONFLICT (subject_id) DO NOTHING
	`
	cmd, err := db.pool.Exec(ctx, query, subjectID)
	if err != nil {
		return false, fmt.Errorf("upsert professional profile: %w", err)
	}
	return cmd.RowsAffected() == 1, nil
}
