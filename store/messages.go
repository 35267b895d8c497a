package store

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/puyokura/hallmesh/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InsertMessage stores msg keyed by id. A second insert of the same id is a
// no-op and reports inserted=false; it is never an error.
func (s *Store) InsertMessage(ctx context.Context, msg model.NetMessage) (bool, error) {
	return insertMessage(s.conn(ctx), msg)
}

func insertMessage(db *gorm.DB, msg model.NetMessage) (bool, error) {
	row := rowFromMessage(msg)
	result := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(&row)
	if result.Error != nil {
		return false, fmt.Errorf("insert message %s: %w", msg.ID, result.Error)
	}
	inserted := result.RowsAffected > 0
	// A host-sequenced copy of a row we stored unsequenced fills the gap
	if !inserted && msg.Sequence != nil {
		if _, err := assignSequence(db, msg.ID, *msg.Sequence, msg.Epoch); err != nil {
			return false, err
		}
	}
	return inserted, nil
}

// AssignSequence sets the sequence of a stored message that has none yet.
// Returns false when the row is missing or already sequenced.
func (s *Store) AssignSequence(ctx context.Context, id uuid.UUID, seq, epoch uint64) (bool, error) {
	return assignSequence(s.conn(ctx), id, seq, epoch)
}

func assignSequence(db *gorm.DB, id uuid.UUID, seq, epoch uint64) (bool, error) {
	result := db.Model(&messageRow{}).
		Where("id = ? AND sequence IS NULL", id.String()).
		Updates(map[string]any{"sequence": seq, "epoch": epoch})
	if result.Error != nil {
		return false, fmt.Errorf("assign sequence %d to %s: %w", seq, id, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// Message loads one message by id.
func (s *Store) Message(ctx context.Context, id uuid.UUID) (model.NetMessage, bool, error) {
	var row messageRow
	result := s.conn(ctx).Where("id = ?", id.String()).Take(&row)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return model.NetMessage{}, false, nil
		}
		return model.NetMessage{}, false, result.Error
	}
	return row.message(), true, nil
}

// HasMessage reports whether id is durably stored.
func (s *Store) HasMessage(ctx context.Context, id uuid.UUID) (bool, error) {
	var n int64
	if err := s.conn(ctx).Model(&messageRow{}).Where("id = ?", id.String()).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// SequenceOf returns the stored sequence of id, if any.
func (s *Store) SequenceOf(ctx context.Context, id uuid.UUID) (uint64, bool, error) {
	msg, ok, err := s.Message(ctx, id)
	if err != nil || !ok || msg.Sequence == nil {
		return 0, false, err
	}
	return *msg.Sequence, true, nil
}

// MessagesSince returns sequenced messages of the hall with sequence > after,
// ascending. limit <= 0 means no limit.
func (s *Store) MessagesSince(ctx context.Context, hallID uuid.UUID, after uint64, limit int) ([]model.NetMessage, error) {
	q := s.conn(ctx).
		Where("hall_id = ? AND sequence IS NOT NULL AND sequence > ?", hallID.String(), after).
		Order("sequence ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []messageRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query messages since %d: %w", after, err)
	}
	return toMessages(rows), nil
}

// HighestSequence is the largest stored sequence for the hall, 0 when none.
func (s *Store) HighestSequence(ctx context.Context, hallID uuid.UUID) (uint64, error) {
	var n int64
	err := s.conn(ctx).Model(&messageRow{}).
		Where("hall_id = ?", hallID.String()).
		Select("COALESCE(MAX(sequence), 0)").
		Row().Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("query highest sequence: %w", err)
	}
	return uint64(n), nil
}

// CountMessages counts stored rows for the hall.
func (s *Store) CountMessages(ctx context.Context, hallID uuid.UUID) (int64, error) {
	var n int64
	err := s.conn(ctx).Model(&messageRow{}).Where("hall_id = ?", hallID.String()).Count(&n).Error
	return n, err
}

// History returns the most recent limit messages in render order: sequenced
// ascending, then unsequenced by created_at, ties by id.
func (s *Store) History(ctx context.Context, hallID uuid.UUID, limit int) ([]model.NetMessage, error) {
	q := s.conn(ctx).
		Where("hall_id = ?", hallID.String()).
		Order("sequence IS NULL DESC, sequence DESC, created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []messageRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	msgs := toMessages(rows)
	slices.Reverse(msgs)
	return msgs, nil
}

func toMessages(rows []messageRow) []model.NetMessage {
	out := make([]model.NetMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.message())
	}
	return out
}
