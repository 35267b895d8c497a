package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is a member's standing inside a hall. Higher values outrank lower ones.
type Role uint8

const (
	RoleFellow    Role = 1
	RoleAgent     Role = 2
	RoleModerator Role = 3
	RolePrefect   Role = 4
	RoleBuilder   Role = 5
)

// CanHost reports whether the role is allowed to act as host.
func (r Role) CanHost() bool {
	return r >= RoleAgent && r <= RoleBuilder
}

func (r Role) Valid() bool {
	return r >= RoleFellow && r <= RoleBuilder
}

func (r Role) String() string {
	switch r {
	case RoleFellow:
		return "fellow"
	case RoleAgent:
		return "agent"
	case RoleModerator:
		return "moderator"
	case RolePrefect:
		return "prefect"
	case RoleBuilder:
		return "builder"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// ParseRole accepts either the role name or its ordinal.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fellow", "1":
		return RoleFellow, nil
	case "agent", "2":
		return RoleAgent, nil
	case "moderator", "3":
		return RoleModerator, nil
	case "prefect", "4":
		return RolePrefect, nil
	case "builder", "5":
		return RoleBuilder, nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// Member is read from the membership store; the core never mutates it.
type Member struct {
	UserID uuid.UUID `json:"user_id"`
	HallID uuid.UUID `json:"hall_id"`
	Role   Role      `json:"role"`
}

// PeerInfo describes a participant as seen by the host.
type PeerInfo struct {
	UserID    uuid.UUID `json:"user_id"`
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	Advertise string    `json:"advertise,omitempty"` // host:port this peer would serve on
	IsHost    bool      `json:"is_host"`
}

// MessageKind distinguishes stored messages.
type MessageKind string

const (
	MessageChat         MessageKind = "chat"
	MessageSystemNotice MessageKind = "system_notice"
)

// NetMessage is a chat or notice message. ID is author-assigned and globally
// unique; Sequence stays nil until a host accepts the message.
type NetMessage struct {
	ID        uuid.UUID   `json:"id"`
	HallID    uuid.UUID   `json:"hall_id"`
	SenderID  uuid.UUID   `json:"sender_id"`
	Sender    string      `json:"sender,omitempty"`
	Kind      MessageKind `json:"kind"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
	Sequence  *uint64     `json:"sequence,omitempty"`
	Epoch     uint64      `json:"epoch"`
}

// NewChat builds a locally authored chat message with a fresh id.
func NewChat(hallID, senderID uuid.UUID, sender, content string) NetMessage {
	return NetMessage{
		ID:        uuid.New(),
		HallID:    hallID,
		SenderID:  senderID,
		Sender:    sender,
		Kind:      MessageChat,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// Seq returns the sequence or zero when unsequenced.
func (m NetMessage) Seq() uint64 {
	if m.Sequence == nil {
		return 0
	}
	return *m.Sequence
}

// Sequenced reports whether a host has assigned a sequence.
func (m NetMessage) Sequenced() bool {
	return m.Sequence != nil
}

// WithSequence returns a copy carrying seq and epoch.
func (m NetMessage) WithSequence(seq, epoch uint64) NetMessage {
	m.Sequence = &seq
	m.Epoch = epoch
	return m
}

// Less orders rendered history: sequenced entries first by sequence, then
// created_at, then id. Unsequenced entries sort last among themselves by
// created_at.
func Less(a, b NetMessage) bool {
	switch {
	case a.Sequence != nil && b.Sequence == nil:
		return true
	case a.Sequence == nil && b.Sequence != nil:
		return false
	case a.Sequence != nil && b.Sequence != nil && *a.Sequence != *b.Sequence:
		return *a.Sequence < *b.Sequence
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}

// HostingState is the per-hall hosting record. Epoch never decreases.
type HostingState struct {
	HallID     uuid.UUID `json:"hall_id"`
	HostUserID uuid.UUID `json:"host_user_id"`
	Epoch      uint64    `json:"epoch"`
	StartedAt  time.Time `json:"started_at"`
}

// InviteToken is the single active join secret of a hall.
type InviteToken struct {
	HallID   uuid.UUID `json:"hall_id"`
	Token    string    `json:"token"`
	IssuedAt time.Time `json:"issued_at"`
}

// LastConnection is what auto-connect reads back on startup.
type LastConnection struct {
	UserID      uuid.UUID `json:"user_id"`
	HallID      uuid.UUID `json:"hall_id"`
	Address     string    `json:"address"`
	Token       string    `json:"token"`
	Epoch       uint64    `json:"epoch"`
	ConnectedAt time.Time `json:"connected_at"`
}

// Delivery is the local state of an authored message.
type Delivery int

const (
	DeliveryUnknown Delivery = iota
	DeliveryPending
	DeliveryConfirmed
)

func (d Delivery) String() string {
	switch d {
	case DeliveryPending:
		return "pending"
	case DeliveryConfirmed:
		return "confirmed"
	}
	return "unknown"
}

// Quality is the connection quality label derived from RTT samples.
type Quality int

const (
	QualityUnknown Quality = iota
	QualityGood
	QualityOK
	QualityPoor
)

func (q Quality) String() string {
	switch q {
	case QualityGood:
		return "Good"
	case QualityOK:
		return "OK"
	case QualityPoor:
		return "Poor"
	}
	return "Unknown"
}
