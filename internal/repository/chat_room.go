package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/caremesh/registrar/internal/model"
	"github.com/caremesh/registrar/pkg/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// RoomSyncResult reports what one idempotent room upsert actually did.
type RoomSyncResult struct {
	RoomID       string
	Created      bool
	MembersAdded int
}

// UpsertCareTeamRoom is the shared idempotent primitive behind the
// create_chat_room handler and the reconciliation sweep. It creates the
// subject's care-team room if absent and adds any missing members; it never
// removes members added by other flows. A concurrent creator losing the
// insert race adopts the winner's room and proceeds with membership sync.
func (db *PostgresDB) UpsertCareTeamRoom(ctx context.Context, subjectID, doctorID int64, nutritionistID *int64) (RoomSyncResult, error) {
	var result RoomSyncResult

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return result, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	insertRoomSQL := `
		INSERT INTO chat_rooms (id, subject_id, room_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (subject_id, room_type) DO NOTHING
		RETURNING id
	`
	roomID := uuid.New().String()
	err = tx.QueryRow(ctx, insertRoomSQL, roomID, subjectID, common.RoomTypeCareTeam).Scan(&roomID)
	switch {
	case err == nil:
		result.Created = true
	case errors.Is(err, pgx.ErrNoRows):
		// Another writer already created it; treat as success and adopt it.
		selectRoomSQL := `
			SELECT id
			FROM chat_rooms
			WHERE subject_id = $1
			  AND room_type = $2
		`
		if err := tx.QueryRow(ctx, selectRoomSQL, subjectID, common.RoomTypeCareTeam).Scan(&roomID); err != nil {
			return result, fmt.Errorf("select existing room: %w", err)
		}
	default:
		return result, fmt.Errorf("insert chat room: %w", err)
	}
	result.RoomID = roomID

	insertMemberSQL := `
		INSERT INTO chat_room_members (room_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (room_id, user_id) DO NOTHING
	`
	expected := []model.ChatRoomMember{
		{RoomID: roomID, UserID: subjectID, Role: common.RoleSubject},
		{RoomID: roomID, UserID: doctorID, Role: common.RoleDoctor},
	}
	if nutritionistID != nil {
		expected = append(expected, model.ChatRoomMember{RoomID: roomID, UserID: *nutritionistID, Role: common.RoleNutritionist})
	}
	for _, member := range expected {
		cmd, err := tx.Exec(ctx, insertMemberSQL, member.RoomID, member.UserID, member.Role)
		if err != nil {
			return result, fmt.Errorf("insert room member: %w", err)
		}
		result.MembersAdded += int(cmd.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return result, fmt.Errorf("commit tx: %w", err)
	}
	return result, nil
}

// GetCareTeamRoom loads the subject's care-team room with its members, or
// (nil, nil) when none exists.
func (db *PostgresDB) GetCareTeamRoom(ctx context.Context, subjectID int64) (*model.ChatRoom, error) {
	roomSQL := `
		SELECT id, subject_id, room_type, created_at
		FROM chat_rooms
		WHERE subject_id = $1
		  AND room_type = $2
	`
	var room model.ChatRoom
	err := db.pool.QueryRow(ctx, roomSQL, subjectID, common.RoomTypeCareTeam).Scan(
		&room.ID, &room.SubjectID, &room.RoomType, &room.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chat room: %w", err)
	}

	membersSQL := `
		SELECT room_id, user_id, role
		FROM chat_room_members
		WHERE room_id = $1
		ORDER BY user_id
	`
	rows, err := db.pool.Query(ctx, membersSQL, room.ID)
	if err != nil {
		return nil, fmt.Errorf("list room members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m model.ChatRoomMember
		if err := rows.Scan(&m.RoomID, &m.UserID, &m.Role); err != nil {
			return nil, fmt.Errorf("scan room member: %w", err)
		}
		room.Members = append(room.Members, m)
	}
	return &room, rows.Err()
}

// CountChatRooms is used by reconciliation verification.
func (db *PostgresDB) CountChatRooms(ctx context.Context) (int64, error) {
	var count int64
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(1) FROM chat_rooms`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count chat rooms: %w", err)
	}
	return count, nil
}
