package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/puyokura/hallmesh/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InsertPending stores a locally authored message and marks it pending in
// one transaction, so a crash can never leave one without the other.
func (s *Store) InsertPending(ctx context.Context, msg model.NetMessage) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := insertMessage(tx, msg); err != nil {
			return err
		}
		row := pendingRow{
			MessageID: msg.ID.String(),
			HallID:    msg.HallID.String(),
			CreatedAt: msg.CreatedAt.UTC(),
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return fmt.Errorf("mark %s pending: %w", msg.ID, err)
		}
		return nil
	})
}

// ConfirmPending removes id from the pending set. It reports whether the id
// was pending.
func (s *Store) ConfirmPending(ctx context.Context, id uuid.UUID) (bool, error) {
	result := s.conn(ctx).Where("message_id = ?", id.String()).Delete(&pendingRow{})
	if result.Error != nil {
		return false, fmt.Errorf("confirm %s: %w", id, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// IsPending reports whether id is still pending.
func (s *Store) IsPending(ctx context.Context, id uuid.UUID) (bool, error) {
	var n int64
	err := s.conn(ctx).Model(&pendingRow{}).Where("message_id = ?", id.String()).Count(&n).Error
	return n > 0, err
}

// PendingMessages returns the hall's pending messages oldest first.
func (s *Store) PendingMessages(ctx context.Context, hallID uuid.UUID) ([]model.NetMessage, error) {
	var rows []messageRow
	err := s.conn(ctx).
		Table("messages").
		Joins("JOIN pending_messages ON pending_messages.message_id = messages.id").
		Where("pending_messages.hall_id = ?", hallID.String()).
		Order("messages.created_at ASC, messages.id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	return toMessages(rows), nil
}
