package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/puyokura/hallmesh/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SaveLastConnection upserts the user's last successful connection.
func (s *Store) SaveLastConnection(ctx context.Context, lc model.LastConnection) error {
	row := lastConnectionRow{
		UserID:      lc.UserID.String(),
		HallID:      lc.HallID.String(),
		Address:     lc.Address,
		Token:       lc.Token,
		Epoch:       lc.Epoch,
		ConnectedAt: lc.ConnectedAt.UTC(),
	}
	err := s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save last connection: %w", err)
	}
	return nil
}

// LastConnection loads the record written by SaveLastConnection.
func (s *Store) LastConnection(ctx context.Context, userID uuid.UUID) (model.LastConnection, bool, error) {
	var row lastConnectionRow
	err := s.conn(ctx).Where("user_id = ?", userID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.LastConnection{}, false, nil
	}
	if err != nil {
		return model.LastConnection{}, false, fmt.Errorf("load last connection: %w", err)
	}
	return model.LastConnection{
		UserID:      uuid.MustParse(row.UserID),
		HallID:      uuid.MustParse(row.HallID),
		Address:     row.Address,
		Token:       row.Token,
		Epoch:       row.Epoch,
		ConnectedAt: row.ConnectedAt,
	}, true, nil
}

// SaveInvite replaces the hall's active invite hash.
func (s *Store) SaveInvite(ctx context.Context, hallID uuid.UUID, tokenHash string, issuedAt time.Time) error {
	row := inviteRow{HallID: hallID.String(), TokenHash: tokenHash, IssuedAt: issuedAt.UTC()}
	err := s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "hall_id"}},
		UpdateAll: true,
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save invite: %w", err)
	}
	return nil
}

// Invite returns the active invite hash for the hall.
func (s *Store) Invite(ctx context.Context, hallID uuid.UUID) (string, time.Time, bool, error) {
	var row inviteRow
	err := s.conn(ctx).Where("hall_id = ?", hallID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("load invite: %w", err)
	}
	return row.TokenHash, row.IssuedAt, true, nil
}

// SaveHosting records a hosting state. Lowering the stored epoch is refused
// with model.ErrStaleEpoch.
func (s *Store) SaveHosting(ctx context.Context, hs model.HostingState) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		var cur hostingRow
		err := tx.Where("hall_id = ?", hs.HallID.String()).Take(&cur).Error
		switch {
		case err == nil:
			if cur.Epoch > hs.Epoch {
				return fmt.Errorf("%w: stored %d, got %d", model.ErrStaleEpoch, cur.Epoch, hs.Epoch)
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		row := hostingRow{
			HallID:     hs.HallID.String(),
			HostUserID: hs.HostUserID.String(),
			Epoch:      hs.Epoch,
			StartedAt:  hs.StartedAt.UTC(),
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "hall_id"}},
			UpdateAll: true,
		}).Create(&row).Error
	})
}

// Hosting loads the hosting state of a hall.
func (s *Store) Hosting(ctx context.Context, hallID uuid.UUID) (model.HostingState, bool, error) {
	var row hostingRow
	err := s.conn(ctx).Where("hall_id = ?", hallID.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.HostingState{}, false, nil
	}
	if err != nil {
		return model.HostingState{}, false, err
	}
	hostID, _ := uuid.Parse(row.HostUserID)
	return model.HostingState{
		HallID:     hallID,
		HostUserID: hostID,
		Epoch:      row.Epoch,
		StartedAt:  row.StartedAt,
	}, true, nil
}
