package model

import (
	"fmt"
	"net"
	"strings"

	"github.com/google/uuid"
)

const inviteScheme = "hall://"

// InviteURL is the shareable form hall://host:port/<hall-id>/<token>.
type InviteURL struct {
	Address string
	HallID  uuid.UUID
	Token   string
}

func (u InviteURL) String() string {
	return fmt.Sprintf("%s%s/%s/%s", inviteScheme, u.Address, u.HallID, u.Token)
}

// ParseInvite parses an invite URL.
func ParseInvite(s string) (InviteURL, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(s), inviteScheme)
	if !ok {
		return InviteURL{}, fmt.Errorf("invalid invite %q: missing %s prefix", s, inviteScheme)
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 {
		return InviteURL{}, fmt.Errorf("invalid invite %q: expected host:port/hall/token", s)
	}
	if _, _, err := net.SplitHostPort(parts[0]); err != nil {
		return InviteURL{}, fmt.Errorf("invalid invite address %q: %w", parts[0], err)
	}
	hallID, err := uuid.Parse(parts[1])
	if err != nil {
		return InviteURL{}, fmt.Errorf("invalid invite hall id %q: %w", parts[1], err)
	}
	if parts[2] == "" {
		return InviteURL{}, fmt.Errorf("invalid invite %q: empty token", s)
	}
	return InviteURL{Address: parts[0], HallID: hallID, Token: parts[2]}, nil
}
