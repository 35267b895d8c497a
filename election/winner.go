// Package election picks exactly one host per hall and keeps stale hosts
// from reasserting themselves through epoch numbers.
package election

import (
	"github.com/google/uuid"
	"github.com/puyokura/hallmesh/model"
)

// Candidate is one participant in the reachable view.
type Candidate struct {
	UserID    uuid.UUID
	Role      model.Role
	Advertise string
}

// CandidateFromPeer converts a member list entry.
func CandidateFromPeer(p model.PeerInfo) Candidate {
	return Candidate{UserID: p.UserID, Role: p.Role, Advertise: p.Advertise}
}

// Outranks reports whether a beats b: higher role first, then ascending
// user id.
func Outranks(a, b Candidate) bool {
	if a.Role != b.Role {
		return a.Role > b.Role
	}
	return a.UserID.String() < b.UserID.String()
}

// Winner returns the deterministic winner among eligible candidates. The
// result depends only on the set of (role, user id) pairs, never on order.
func Winner(candidates []Candidate) (Candidate, error) {
	var best Candidate
	found := false
	for _, c := range candidates {
		if !c.Role.CanHost() {
			continue
		}
		if !found || Outranks(c, best) {
			best = c
			found = true
		}
	}
	if !found {
		return Candidate{}, model.ErrNoEligibleHost
	}
	return best, nil
}
