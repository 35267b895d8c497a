package model

import (
	"fmt"
	"time"
)

// Phase is the coarse connection phase of a hall on this participant.
type Phase int

const (
	PhaseOffline Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseReconnecting
	PhaseElecting
)

func (p Phase) String() string {
	switch p {
	case PhaseOffline:
		return "offline"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseReconnecting:
		return "reconnecting"
	case PhaseElecting:
		return "electing"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// ConnRole is the role held while Connected.
type ConnRole int

const (
	ConnNone ConnRole = iota
	ConnHost
	ConnClient
)

func (r ConnRole) String() string {
	switch r {
	case ConnHost:
		return "host"
	case ConnClient:
		return "client"
	}
	return "none"
}

// ConnectionState mirrors Offline | Connecting | Connected{role, address} |
// Reconnecting{attempt, next_retry_at} | Electing. Fields not relevant to the
// phase are zero.
type ConnectionState struct {
	Phase       Phase     `json:"phase"`
	Role        ConnRole  `json:"role,omitempty"`
	Address     string    `json:"address,omitempty"`
	Attempt     int       `json:"attempt,omitempty"`
	NextRetryAt time.Time `json:"next_retry_at,omitempty"`
}

func Offline() ConnectionState { return ConnectionState{Phase: PhaseOffline} }

func Connecting(addr string) ConnectionState {
	return ConnectionState{Phase: PhaseConnecting, Address: addr}
}

func Connected(role ConnRole, addr string) ConnectionState {
	return ConnectionState{Phase: PhaseConnected, Role: role, Address: addr}
}

func Reconnecting(attempt int, next time.Time) ConnectionState {
	return ConnectionState{Phase: PhaseReconnecting, Attempt: attempt, NextRetryAt: next}
}

func Electing() ConnectionState { return ConnectionState{Phase: PhaseElecting} }

func (s ConnectionState) IsHost() bool {
	return s.Phase == PhaseConnected && s.Role == ConnHost
}

func (s ConnectionState) String() string {
	switch s.Phase {
	case PhaseConnected:
		return fmt.Sprintf("connected(%s %s)", s.Role, s.Address)
	case PhaseReconnecting:
		return fmt.Sprintf("reconnecting(attempt %d)", s.Attempt)
	case PhaseConnecting:
		return fmt.Sprintf("connecting(%s)", s.Address)
	}
	return s.Phase.String()
}
