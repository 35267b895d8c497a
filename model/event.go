package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType names a notification emitted upward to presentation.
type EventType string

const (
	EventConnected        EventType = "connected"
	EventDisconnected     EventType = "disconnected"
	EventStateChanged     EventType = "state_changed"
	EventBecameHost       EventType = "became_host"
	EventSteppedDown      EventType = "stepped_down"
	EventElecting         EventType = "electing"
	EventMessage          EventType = "message"
	EventMessageAcked     EventType = "message_acked"
	EventSyncBatchApplied EventType = "sync_batch_applied"
	EventSyncOutOfRange   EventType = "sync_out_of_range"
	EventTypingChanged    EventType = "typing_changed"
	EventQualityChanged   EventType = "quality_changed"
	EventNoEligibleHost   EventType = "no_eligible_host"
	EventAuthRejected     EventType = "auth_rejected"
	EventMembers          EventType = "members"
)

// Event is what a session reports to its owner. Only the fields relevant to
// the type are set.
type Event struct {
	Type      EventType
	HallID    uuid.UUID
	Time      time.Time
	State     ConnectionState
	Epoch     uint64
	HostID    uuid.UUID
	Message   *NetMessage
	MessageID uuid.UUID
	Sequence  uint64
	Applied   int
	Typing    []uuid.UUID
	Quality   Quality
	Members   []PeerInfo
	Reason    string
}

func NewEvent(t EventType, hallID uuid.UUID) Event {
	return Event{Type: t, HallID: hallID, Time: time.Now()}
}
