package host

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puyokura/hallmesh/model"
	"golang.org/x/crypto/bcrypt"
)

// InviteStore persists the hashed invite of each hall.
type InviteStore interface {
	SaveInvite(ctx context.Context, hallID uuid.UUID, tokenHash string, issuedAt time.Time) error
	Invite(ctx context.Context, hallID uuid.UUID) (string, time.Time, bool, error)
}

// Invites guards joins with one active token per hall. Only the bcrypt hash
// is kept; the plain token is handed out once when issued.
type Invites struct {
	store InviteStore
	cost  int
	mu    sync.Mutex
}

func NewInvites(store InviteStore, cost int) *Invites {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Invites{store: store, cost: cost}
}

// Regenerate issues a fresh token, replacing the previous one atomically.
func (i *Invites) Regenerate(ctx context.Context, hallID uuid.UUID) (model.InviteToken, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return model.InviteToken{}, fmt.Errorf("generate invite token: %w", err)
	}
	tok := model.InviteToken{
		HallID:   hallID,
		Token:    base64.RawURLEncoding.EncodeToString(buf),
		IssuedAt: time.Now().UTC(),
	}
	if err := i.save(ctx, tok); err != nil {
		return model.InviteToken{}, err
	}
	return tok, nil
}

// Adopt makes a token obtained elsewhere the active one, so that a member who
// takes over hosting accepts the token everybody already holds.
func (i *Invites) Adopt(ctx context.Context, hallID uuid.UUID, token string) error {
	if token == "" {
		return fmt.Errorf("adopt invite: empty token")
	}
	if err := i.Validate(ctx, hallID, token); err == nil {
		return nil
	}
	return i.save(ctx, model.InviteToken{HallID: hallID, Token: token, IssuedAt: time.Now().UTC()})
}

// Active reports whether the hall has an invite at all.
func (i *Invites) Active(ctx context.Context, hallID uuid.UUID) (bool, error) {
	_, _, ok, err := i.store.Invite(ctx, hallID)
	return ok, err
}

// Validate returns model.ErrAuthRejected unless token is the active one.
func (i *Invites) Validate(ctx context.Context, hallID uuid.UUID, token string) error {
	i.mu.Lock()
	hash, _, ok, err := i.store.Invite(ctx, hallID)
	i.mu.Unlock()
	if err != nil {
		return err
	}
	if !ok || token == "" {
		return model.ErrAuthRejected
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
		return model.ErrAuthRejected
	}
	return nil
}

func (i *Invites) save(ctx context.Context, tok model.InviteToken) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(tok.Token), i.cost)
	if err != nil {
		return fmt.Errorf("hash invite token: %w", err)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.store.SaveInvite(ctx, tok.HallID, string(hash), tok.IssuedAt)
}
