// Package session drives one member's connection to a hall: it joins the
// current host, watches its heartbeat, runs elections when the host goes
// away, hosts when it wins, and keeps local history reconciled throughout.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/puyokura/hallmesh/config"
	"github.com/puyokura/hallmesh/election"
	"github.com/puyokura/hallmesh/hall"
	"github.com/puyokura/hallmesh/host"
	"github.com/puyokura/hallmesh/model"
	"github.com/puyokura/hallmesh/presence"
	"github.com/puyokura/hallmesh/reconcile"
)

const (
	eventBuffer = 256
	queueSize   = 1024
	dialTimeout = 5 * time.Second
	outBuffer   = 256
)

// Store is everything a session persists.
type Store interface {
	reconcile.Store
	host.MessageStore
	host.InviteStore
	SaveLastConnection(ctx context.Context, lc model.LastConnection) error
	LastConnection(ctx context.Context, userID uuid.UUID) (model.LastConnection, bool, error)
}

type Config struct {
	HallID      uuid.UUID
	Settings    *config.Config
	Store       Store
	Coordinator *election.Coordinator
	Dialer      Dialer
	Logger      *slog.Logger
	Metrics     *Metrics
	HostMetrics *host.Metrics

	// BcryptCost is used for invites this member issues; zero is the
	// library default.
	BcryptCost int

	// NewBackOff builds the reconnect schedule. Nil means NewSchedule.
	NewBackOff func() backoff.BackOff
}

// Status is the observable state of a session.
type Status struct {
	State   model.ConnectionState
	HostID  uuid.UUID
	Epoch   uint64
	Members []model.PeerInfo
	Typing  []uuid.UUID
	Quality model.Quality
	// Invite is the shareable invite while this member hosts and knows the
	// token.
	Invite string
}

func cloneStatus(s Status) Status {
	s.Members = slices.Clone(s.Members)
	s.Typing = slices.Clone(s.Typing)
	return s
}

// Session is the connection orchestrator of one hall. Every decision is
// taken on its loop goroutine; Status snapshots may be read from anywhere.
type Session struct {
	config  Config
	logger  *slog.Logger
	self    model.PeerInfo
	loop    *hall.Loop
	status  *hall.Guard[Status]
	events  chan model.Event
	recon   *reconcile.Reconciler
	invites *host.Invites

	emitter *presence.TypingEmitter
	tracker *presence.TypingTracker
	quality *presence.QualitySampler
	backoff backoff.BackOff
	wg      sync.WaitGroup

	// owned by the loop
	runCtx        context.Context
	gen           uint64
	link          *link
	server        *host.Server
	token         string
	targets       []string
	attempt       int
	retry         *time.Timer
	lastHeartbeat time.Time
	haveView      bool
	terminal      bool
}

func New(cfg Config) (*Session, error) {
	if cfg.Store == nil || cfg.Coordinator == nil || cfg.Settings == nil {
		return nil, errors.New("session: store, coordinator and settings are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.Dialer == nil {
		cfg.Dialer = WSDialer{}
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff { return NewSchedule() }
	}
	st := cfg.Settings
	userID, role := st.Self()
	logger := cfg.Logger.With("component", "session", "hall_id", cfg.HallID, "user_id", userID)
	s := &Session{
		config: cfg,
		logger: logger,
		self: model.PeerInfo{
			UserID:    userID,
			Username:  st.Username,
			Role:      role,
			Advertise: net.JoinHostPort(st.AdvertiseHost, strconv.Itoa(st.BasePort)),
		},
		loop:    hall.NewLoop(queueSize, logger),
		status:  hall.NewGuard(Status{State: model.Offline()}, cloneStatus, logger),
		events:  make(chan model.Event, eventBuffer),
		recon:   reconcile.New(cfg.Store, cfg.HallID, cfg.Logger),
		invites: host.NewInvites(cfg.Store, cfg.BcryptCost),
		emitter: presence.NewTypingEmitter(st.TypingThrottle, st.TypingIdle),
		tracker: presence.NewTypingTracker(st.TypingStale, st.TypingCapacity, logger),
		quality: presence.NewQualitySampler(presence.DefaultSampleSize, st.GoodRTT, st.PoorRTT),
		backoff: cfg.NewBackOff(),
	}
	return s, nil
}

// Events delivers notifications in order. It is closed when Run returns.
func (s *Session) Events() <-chan model.Event {
	return s.events
}

// Status returns a snapshot of the current state.
func (s *Session) Status() Status {
	return s.status.Snapshot()
}

func (s *Session) HallID() uuid.UUID { return s.config.HallID }

func (s *Session) Self() model.PeerInfo { return s.self }

// Run processes events until ctx is done, then leaves the hall without
// handing hosting over.
func (s *Session) Run(ctx context.Context) error {
	if err := s.config.Coordinator.Load(ctx, s.config.HallID); err != nil {
		s.loop.Close()
		close(s.events)
		return fmt.Errorf("session: load hosting state: %w", err)
	}
	if confirmed, err := s.recon.CheckStored(ctx); err != nil {
		s.logger.Warn("could not check pending messages", "error", err)
	} else if len(confirmed) > 0 {
		s.logger.Info("confirmed pending messages already stored", "count", len(confirmed))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.runCtx = ctx

	st := s.config.Settings
	s.loop.Every(ctx, st.HeartbeatInterval/2, func(t time.Time) any { return watchdogTick{at: t} })
	s.loop.Every(ctx, st.PruneInterval, func(t time.Time) any { return pruneTick{at: t} })
	s.loop.Every(ctx, st.PingInterval, func(t time.Time) any { return pingTick{at: t} })

	s.logger.Info("session started", "role", s.self.Role.String())
	s.loop.Run(ctx, s.handle)

	s.stopRetry()
	s.closeLink()
	if s.server != nil {
		s.server.Close()
		s.server = nil
	}
	s.loop.Wait()
	s.wg.Wait()
	close(s.events)
	s.logger.Info("session stopped")
	return nil
}

// Connect joins the host at addr with an invite token. The outcome is
// reported through Events.
func (s *Session) Connect(ctx context.Context, addr, token string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	return s.request(ctx, &cmdConnect{addr: addr, token: token, done: make(chan error, 1)})
}

// ConnectInvite joins through a hall:// invite.
func (s *Session) ConnectInvite(ctx context.Context, invite string) error {
	u, err := model.ParseInvite(invite)
	if err != nil {
		return err
	}
	if u.HallID != s.config.HallID {
		return fmt.Errorf("%w: invite is for hall %s", model.ErrWrongHall, u.HallID)
	}
	return s.Connect(ctx, u.Address, u.Token)
}

// Host starts hosting the hall when nobody else does.
func (s *Session) Host(ctx context.Context) error {
	return s.request(ctx, &cmdHost{done: make(chan error, 1)})
}

// AutoConnect reconnects to the last address this member used, with the
// usual backoff. It reports false when there is nothing to resume.
func (s *Session) AutoConnect(ctx context.Context) (bool, error) {
	lc, ok, err := s.config.Store.LastConnection(ctx, s.self.UserID)
	if err != nil {
		return false, err
	}
	if !ok || lc.HallID != s.config.HallID {
		return false, nil
	}
	// A member that hosted before a restart comes back as a client. Someone
	// may have been elected in its place meanwhile.
	s.logger.Info("resuming last connection", "address", lc.Address, "epoch", lc.Epoch)
	return true, s.Connect(ctx, lc.Address, lc.Token)
}

// Disconnect leaves the hall and stops retrying. A hosting member hands
// over to the best remaining candidate first.
func (s *Session) Disconnect(ctx context.Context) error {
	return s.request(ctx, &cmdDisconnect{done: make(chan error, 1)})
}

// Send authors a chat message. It is stored at once and delivered when
// there is a host; the returned copy is unsequenced.
func (s *Session) Send(ctx context.Context, content string) (model.NetMessage, error) {
	c := &cmdSend{content: content, done: make(chan error, 1)}
	if err := s.request(ctx, c); err != nil {
		return model.NetMessage{}, err
	}
	return c.msg, nil
}

// Typing records local keyboard activity.
func (s *Session) Typing() {
	s.loop.TryPost(cmdTyping{at: time.Now()})
}

// RegenerateInvite replaces the hall's invite. Only the host can do this.
func (s *Session) RegenerateInvite(ctx context.Context) (model.InviteURL, error) {
	c := &cmdInvite{done: make(chan error, 1)}
	if err := s.request(ctx, c); err != nil {
		return model.InviteURL{}, err
	}
	return c.url, nil
}

// Notice broadcasts a system notice. Only the host can do this.
func (s *Session) Notice(ctx context.Context, text string) error {
	return s.request(ctx, &cmdNotice{text: text, done: make(chan error, 1)})
}

// Kick disconnects a member from the hall this session hosts.
func (s *Session) Kick(ctx context.Context, userID uuid.UUID) (bool, error) {
	c := &cmdKick{userID: userID, done: make(chan error, 1)}
	if err := s.request(ctx, c); err != nil {
		return false, err
	}
	return c.kicked, nil
}

// Delivery reports whether an authored message is pending or confirmed.
func (s *Session) Delivery(ctx context.Context, id uuid.UUID) (model.Delivery, error) {
	return s.recon.Delivery(ctx, id)
}

type command interface {
	reply() chan error
}

func (s *Session) request(ctx context.Context, c command) error {
	if !s.loop.Post(c) {
		return model.ErrClosed
	}
	select {
	case err := <-c.reply():
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.loop.Done():
		return model.ErrClosed
	}
}
