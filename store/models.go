package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/puyokura/hallmesh/model"
)

var migrateModels = []any{
	&messageRow{},
	&pendingRow{},
	&lastConnectionRow{},
	&inviteRow{},
	&hostingRow{},
}

type messageRow struct {
	ID        string    `gorm:"primaryKey;size:36"`
	HallID    string    `gorm:"index:idx_messages_hall_seq;size:36;not null"`
	Sequence  *uint64   `gorm:"index:idx_messages_hall_seq"`
	SenderID  string    `gorm:"size:36;not null"`
	Sender    string
	Kind      string    `gorm:"size:32;not null"`
	Content   string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"autoCreateTime:false;index"`
	Epoch     uint64
}

func (messageRow) TableName() string {
	return "messages"
}

func rowFromMessage(m model.NetMessage) messageRow {
	return messageRow{
		ID:        m.ID.String(),
		HallID:    m.HallID.String(),
		Sequence:  m.Sequence,
		SenderID:  m.SenderID.String(),
		Sender:    m.Sender,
		Kind:      string(m.Kind),
		Content:   m.Content,
		CreatedAt: m.CreatedAt.UTC(),
		Epoch:     m.Epoch,
	}
}

func (r messageRow) message() model.NetMessage {
	return model.NetMessage{
		ID:        uuid.MustParse(r.ID),
		HallID:    uuid.MustParse(r.HallID),
		SenderID:  uuid.MustParse(r.SenderID),
		Sender:    r.Sender,
		Kind:      model.MessageKind(r.Kind),
		Content:   r.Content,
		CreatedAt: r.CreatedAt.UTC(),
		Sequence:  r.Sequence,
		Epoch:     r.Epoch,
	}
}

type pendingRow struct {
	MessageID string    `gorm:"primaryKey;size:36"`
	HallID    string    `gorm:"index;size:36;not null"`
	CreatedAt time.Time `gorm:"autoCreateTime:false"`
}

func (pendingRow) TableName() string {
	return "pending_messages"
}

type lastConnectionRow struct {
	UserID      string `gorm:"primaryKey;size:36"`
	HallID      string `gorm:"size:36;not null"`
	Address     string `gorm:"not null"`
	Token       string
	Epoch       uint64
	ConnectedAt time.Time `gorm:"autoCreateTime:false"`
}

func (lastConnectionRow) TableName() string {
	return "last_connections"
}

type inviteRow struct {
	HallID    string `gorm:"primaryKey;size:36"`
	TokenHash string `gorm:"not null"`
	IssuedAt  time.Time
}

func (inviteRow) TableName() string {
	return "invites"
}

type hostingRow struct {
	HallID     string `gorm:"primaryKey;size:36"`
	HostUserID string `gorm:"size:36"`
	Epoch      uint64
	StartedAt  time.Time
}

func (hostingRow) TableName() string {
	return "hosting_states"
}
