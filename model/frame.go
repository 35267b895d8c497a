package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxFrameSize bounds a single encoded frame.
const MaxFrameSize = 1 << 20

// FrameKind is the type of a wire frame.
type FrameKind string

const (
	FrameJoin             FrameKind = "join"
	FrameJoinAccepted     FrameKind = "join_accepted"
	FrameJoinRejected     FrameKind = "join_rejected"
	FrameChat             FrameKind = "chat"
	FrameSystemNotice     FrameKind = "system_notice"
	FrameHeartbeat        FrameKind = "heartbeat"
	FrameElectionAnnounce FrameKind = "election_announce"
	FrameElectionAck      FrameKind = "election_ack"
	FrameStepDown         FrameKind = "step_down"
	FrameSyncSince        FrameKind = "sync_since"
	FrameSyncBatch        FrameKind = "sync_batch"
	FrameMessageAck       FrameKind = "message_ack"
	FrameTyping           FrameKind = "typing"
	FramePing             FrameKind = "ping"
	FramePong             FrameKind = "pong"
	FrameMemberList       FrameKind = "member_list"
)

// Frame is the envelope for every message on the wire. All frames carry the
// hall and the epoch the sender believes is current.
type Frame struct {
	Kind    FrameKind       `json:"kind"`
	HallID  uuid.UUID       `json:"hall_id"`
	Epoch   uint64          `json:"epoch"`
	Sender  uuid.UUID       `json:"sender,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Join struct {
	UserID    uuid.UUID `json:"user_id"`
	Username  string    `json:"username"`
	Role      Role      `json:"role"`
	Token     string    `json:"token"`
	Advertise string    `json:"advertise,omitempty"`
}

type JoinAccepted struct {
	HostID  uuid.UUID  `json:"host_id"`
	Members []PeerInfo `json:"members"`
}

type JoinRejected struct {
	Reason string `json:"reason"`
}

type Heartbeat struct {
	HostID    uuid.UUID `json:"host_id"`
	Timestamp time.Time `json:"timestamp"`
}

type ElectionAnnounce struct {
	NewHostID uuid.UUID `json:"new_host_id"`
	Address   string    `json:"address,omitempty"`
}

type ElectionAck struct {
	VoterID uuid.UUID `json:"voter_id"`
}

type StepDown struct {
	NextHostID uuid.UUID `json:"next_host_id"`
	Address    string    `json:"address,omitempty"`
}

type SyncSince struct {
	LastSequence uint64 `json:"last_sequence"`
}

// SyncBatch answers SyncSince. OutOfRange means the requested range begins
// before the host's buffer and the caller needs a full resync.
type SyncBatch struct {
	Messages       []NetMessage `json:"messages"`
	OutOfRange     bool         `json:"out_of_range,omitempty"`
	OldestSequence uint64       `json:"oldest_sequence,omitempty"`
}

type MessageAck struct {
	ID       uuid.UUID `json:"id"`
	Sequence uint64    `json:"sequence"`
}

type Typing struct {
	UserID uuid.UUID `json:"user_id"`
	Typing bool      `json:"typing"`
}

// PingPong is shared by Ping and Pong; the host echoes the timestamp.
type PingPong struct {
	Timestamp time.Time `json:"timestamp"`
}

type MemberList struct {
	Members []PeerInfo `json:"members"`
}

// NewFrame wraps payload into a frame. payload may be nil.
func NewFrame(kind FrameKind, hallID uuid.UUID, epoch uint64, payload any) (Frame, error) {
	f := Frame{Kind: kind, HallID: hallID, Epoch: epoch}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		f.Payload = raw
	}
	return f, nil
}

// MustFrame is NewFrame for payload types that always marshal.
func MustFrame(kind FrameKind, hallID uuid.UUID, epoch uint64, payload any) Frame {
	f, err := NewFrame(kind, hallID, epoch, payload)
	if err != nil {
		panic(err)
	}
	return f
}

// Decode unmarshals the payload into v.
func (f Frame) Decode(v any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%w: %s frame without payload", ErrProtocolViolation, f.Kind)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrProtocolViolation, f.Kind, err)
	}
	return nil
}

// Encode serializes a frame for the wire.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrProtocolViolation, len(data), MaxFrameSize)
	}
	return data, nil
}

// DecodeFrame parses one wire frame.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, fmt.Errorf("%w: empty frame", ErrProtocolViolation)
	}
	if len(data) > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: frame of %d bytes exceeds %d", ErrProtocolViolation, len(data), MaxFrameSize)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: invalid json: %v", ErrProtocolViolation, err)
	}
	if f.Kind == "" {
		return Frame{}, fmt.Errorf("%w: missing kind", ErrProtocolViolation)
	}
	return f, nil
}
