// Package host runs the authoritative relay for a hall: it authenticates
// members, assigns sequences, answers catch-up requests and sends heartbeats.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puyokura/hallmesh/model"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultHeartbeatInterval = 2 * time.Second
	DefaultAnnounceTimeout   = 3 * time.Second
	DefaultMaxPeers          = 32

	// WebsocketPath is where members connect.
	WebsocketPath = "/ws"
)

// MessageStore is the durable history the host sequences into.
type MessageStore interface {
	InsertMessage(ctx context.Context, msg model.NetMessage) (bool, error)
	SequenceOf(ctx context.Context, id uuid.UUID) (uint64, bool, error)
	HighestSequence(ctx context.Context, hallID uuid.UUID) (uint64, error)
	MessagesSince(ctx context.Context, hallID uuid.UUID, after uint64, limit int) ([]model.NetMessage, error)
}

type Config struct {
	HallID  uuid.UUID
	Self    model.PeerInfo
	Epoch   uint64
	Store   MessageStore
	Invites *Invites
	Logger  *slog.Logger
	Metrics *Metrics

	HeartbeatInterval time.Duration
	AnnounceTimeout   time.Duration
	LogCapacity       int
	MaxPeers          int

	// Expected lists the members that must acknowledge the election
	// announcement before chat is sequenced.
	Expected []uuid.UUID

	// Deliver receives the frames the hosting member itself needs: sequenced
	// chat, relayed typing and member lists. It runs on the server goroutine
	// and must not block.
	Deliver func(model.Frame)

	// Banned reports members that must not be admitted.
	Banned func(userID uuid.UUID) bool

	// EpochRaised is called when an authenticated member proves a newer
	// epoch than the server was started with.
	EpochRaised func(epoch uint64)
}

// Server is the hall hub. A single goroutine owns the peer set, the message
// log and the announce state; everything else talks to it over channels.
type Server struct {
	config Config
	logger *slog.Logger

	register   chan *peer
	unregister chan *peer
	inbound    chan inbound
	calls      chan func(ctx context.Context)
	done       chan struct{}
	stop       chan struct{}
	stopOnce   sync.Once
	epoch      atomic.Uint64

	// owned by run
	log        *MessageLog
	peers      map[*peer]bool
	byUser     map[uuid.UUID]*peer
	announcing bool
	acked      map[uuid.UUID]bool
	held       []model.NetMessage
}

// New prepares a server. Sequencing resumes after the highest durable
// sequence and the recent durable history is loaded for catch-up.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("host: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.AnnounceTimeout <= 0 {
		cfg.AnnounceTimeout = DefaultAnnounceTimeout
	}
	if cfg.LogCapacity <= 0 {
		cfg.LogCapacity = DefaultLogCapacity
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = DefaultMaxPeers
	}
	if cfg.Deliver == nil {
		cfg.Deliver = func(model.Frame) {}
	}
	cfg.Self.IsHost = true

	highest, err := cfg.Store.HighestSequence(ctx, cfg.HallID)
	if err != nil {
		return nil, fmt.Errorf("host: highest sequence: %w", err)
	}
	var after uint64
	if highest > uint64(cfg.LogCapacity) {
		after = highest - uint64(cfg.LogCapacity)
	}
	recent, err := cfg.Store.MessagesSince(ctx, cfg.HallID, after, cfg.LogCapacity)
	if err != nil {
		return nil, fmt.Errorf("host: load recent history: %w", err)
	}
	mlog := NewMessageLog(cfg.LogCapacity, highest+1)
	mlog.Restore(recent)

	s := &Server{
		config: cfg,
		logger: cfg.Logger.With(
			"component", "host",
			"hall_id", cfg.HallID,
		),
		register:   make(chan *peer),
		unregister: make(chan *peer),
		inbound:    make(chan inbound),
		calls:      make(chan func(ctx context.Context), 64),
		done:       make(chan struct{}),
		stop:       make(chan struct{}),
		log:        mlog,
		peers:      make(map[*peer]bool),
		byUser:     make(map[uuid.UUID]*peer),
		acked:      make(map[uuid.UUID]bool),
	}
	s.epoch.Store(cfg.Epoch)
	for _, id := range cfg.Expected {
		if id != cfg.Self.UserID {
			s.announcing = true
			break
		}
	}
	return s, nil
}

// Handler serves the websocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(WebsocketPath, s.serveWs)
	return mux
}

// Serve runs the hub and accepts members on ln until ctx ends or Close is
// called.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("hosting", "addr", ln.Addr().String(), "epoch", s.Epoch(), "next_sequence", s.log.Next())
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	httpSrv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: writeWait,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("host: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-s.stop:
			cancel()
		case <-gctx.Done():
		}
		shutdownCtx, done := context.WithTimeout(context.Background(), writeWait)
		defer done()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Close stops the server. It is safe to call more than once.
func (s *Server) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Done is closed once the hub goroutine has exited.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Epoch is the epoch the server currently stamps on its frames.
func (s *Server) Epoch() uint64 {
	return s.epoch.Load()
}

// Submit sequences a message authored by the hosting member. The sequenced
// copy comes back through Deliver.
func (s *Server) Submit(msg model.NetMessage) error {
	return s.do(func(ctx context.Context) {
		msg.HallID = s.config.HallID
		msg.SenderID = s.config.Self.UserID
		if msg.Sender == "" {
			msg.Sender = s.config.Self.Username
		}
		if s.announcing {
			s.held = append(s.held, msg)
			return
		}
		s.sequence(ctx, msg, nil)
	})
}

// Notice sequences a system notice from the host.
func (s *Server) Notice(text string) error {
	msg := model.NewChat(s.config.HallID, s.config.Self.UserID, "System", text)
	msg.Kind = model.MessageSystemNotice
	return s.Submit(msg)
}

// Typing relays the hosting member's own typing state.
func (s *Server) Typing(typing bool) error {
	return s.do(func(context.Context) {
		f := s.frame(model.FrameTyping, model.Typing{UserID: s.config.Self.UserID, Typing: typing})
		s.broadcast(f, nil)
	})
}

// Members returns the current member list, host first.
func (s *Server) Members() []model.PeerInfo {
	reply := make(chan []model.PeerInfo, 1)
	if err := s.do(func(context.Context) { reply <- s.members() }); err != nil {
		return nil
	}
	select {
	case m := <-reply:
		return m
	case <-s.done:
		return nil
	}
}

// Kick disconnects a member. It reports whether the member was connected.
func (s *Server) Kick(userID uuid.UUID) bool {
	reply := make(chan bool, 1)
	err := s.do(func(context.Context) {
		p, ok := s.byUser[userID]
		if ok {
			notice := model.NewChat(s.config.HallID, s.config.Self.UserID, "System", "You have been removed from the hall.")
			notice.Kind = model.MessageSystemNotice
			s.send(p, s.frame(model.FrameSystemNotice, notice))
			s.remove(p, "kicked")
		}
		reply <- ok
	})
	if err != nil {
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-s.done:
		return false
	}
}

// StepDown tells every member who hosts next and shuts the server down.
func (s *Server) StepDown(next model.PeerInfo) error {
	return s.do(func(context.Context) {
		s.logger.Info("stepping down", "next_host", next.UserID, "epoch", s.Epoch())
		s.broadcast(s.frame(model.FrameStepDown, model.StepDown{NextHostID: next.UserID, Address: next.Advertise}), nil)
		s.Close()
	})
}

func (s *Server) do(fn func(ctx context.Context)) error {
	select {
	case <-s.done:
		return model.ErrClosed
	default:
	}
	select {
	case s.calls <- fn:
		return nil
	case <-s.done:
		return model.ErrClosed
	}
}

func (s *Server) run(ctx context.Context) {
	defer close(s.done)
	heartbeat := time.NewTicker(s.config.HeartbeatInterval)
	defer heartbeat.Stop()

	var announceTimer <-chan time.Time
	if s.announcing {
		t := time.NewTimer(s.config.AnnounceTimeout)
		defer t.Stop()
		announceTimer = t.C
		s.logger.Info("announcing election result", "epoch", s.Epoch(), "expected", len(s.config.Expected))
	}

	for {
		select {
		case p := <-s.register:
			s.peers[p] = true
		case p := <-s.unregister:
			s.remove(p, "disconnected")
		case in := <-s.inbound:
			s.guard(ctx, string(in.frame.Kind), func() { s.handle(ctx, in) })
		case fn := <-s.calls:
			s.guard(ctx, "call", func() { fn(ctx) })
		case <-heartbeat.C:
			s.broadcast(s.frame(model.FrameHeartbeat, model.Heartbeat{
				HostID:    s.config.Self.UserID,
				Timestamp: time.Now().UTC(),
			}), nil)
		case <-announceTimer:
			announceTimer = nil
			if s.announcing {
				s.logger.Warn("announce timed out, serving anyway",
					"acked", len(s.acked), "expected", len(s.config.Expected))
				s.guard(ctx, "announce_timeout", func() { s.finishAnnounce(ctx) })
			}
		case <-ctx.Done():
			for p := range s.peers {
				s.remove(p, "shutdown")
			}
			s.logger.Info("host stopped", "epoch", s.Epoch())
			return
		}
	}
}

// hubState is the part of the hub a faulting event may leave half-updated.
type hubState struct {
	log        *MessageLog
	announcing bool
	acked      map[uuid.UUID]bool
	held       []model.NetMessage
}

func (s *Server) snapshot() hubState {
	acked := make(map[uuid.UUID]bool, len(s.acked))
	for id, ok := range s.acked {
		acked[id] = ok
	}
	return hubState{
		log:        s.log.Clone(),
		announcing: s.announcing,
		acked:      acked,
		held:       slices.Clone(s.held),
	}
}

// guard runs one hub event. If it panics, sequencing state goes back to
// what it was before the event, catches up with durable history and the
// hub carries on.
func (s *Server) guard(ctx context.Context, event string, fn func()) {
	snap := s.snapshot()
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		buf := make([]byte, 4096)
		n := runtime.Stack(buf, false)
		s.log, s.announcing, s.acked, s.held = snap.log, snap.announcing, snap.acked, snap.held
		s.resync(ctx)
		s.logger.Warn("recovered panic in host event, state rolled back",
			"event", event,
			"error", fmt.Errorf("%w: %v", model.ErrStatePoisoned, r),
			"next_sequence", s.log.Next(),
			"stack", string(buf[:n]),
		)
	}()
	fn()
}

// resync pulls in sequences that reached the store after the log was last
// in a known good state, so none is handed out twice.
func (s *Server) resync(ctx context.Context) {
	highest, err := s.config.Store.HighestSequence(ctx, s.config.HallID)
	if err != nil {
		s.logger.Error("highest sequence lookup failed", "error", err)
		return
	}
	if highest < s.log.Next() {
		return
	}
	recent, err := s.config.Store.MessagesSince(ctx, s.config.HallID, s.log.Next()-1, s.config.LogCapacity)
	if err != nil {
		s.logger.Error("failed to reload recent history", "error", err)
		return
	}
	s.log.Restore(recent)
}

func (s *Server) handle(ctx context.Context, in inbound) {
	p, f := in.peer, in.frame
	if !s.peers[p] {
		return
	}
	s.config.Metrics.frameIn(s.config.HallID, f.Kind)

	if f.Kind == model.FrameJoin {
		s.join(ctx, p, f, in.authErr)
		return
	}
	if !p.joined || f.HallID != s.config.HallID {
		s.violation(p, fmt.Errorf("%s before join or for another hall", f.Kind))
		return
	}
	if f.Epoch < s.Epoch() {
		s.config.Metrics.stale(s.config.HallID)
		s.logger.Debug("dropping stale frame", "kind", f.Kind, "epoch", f.Epoch, "user_id", p.info.UserID)
		return
	}
	if f.Epoch > s.Epoch() {
		s.raiseEpoch(f.Epoch)
	}

	switch f.Kind {
	case model.FrameChat:
		var msg model.NetMessage
		if err := f.Decode(&msg); err != nil {
			s.violation(p, err)
			return
		}
		if msg.ID == uuid.Nil {
			s.violation(p, errors.New("chat without id"))
			return
		}
		msg.HallID = s.config.HallID
		msg.SenderID = p.info.UserID
		msg.Sender = p.info.Username
		msg.Kind = model.MessageChat
		msg.Sequence = nil
		if s.announcing {
			s.held = append(s.held, msg)
			return
		}
		s.sequence(ctx, msg, p)

	case model.FrameSyncSince:
		var req model.SyncSince
		if err := f.Decode(&req); err != nil {
			s.violation(p, err)
			return
		}
		msgs, err := s.log.Since(req.LastSequence)
		batch := model.SyncBatch{Messages: msgs}
		if errors.Is(err, model.ErrSyncOutOfRange) {
			batch.OutOfRange = true
			batch.OldestSequence = s.log.Oldest()
			s.logger.Info("sync request predates buffer",
				"user_id", p.info.UserID, "last_sequence", req.LastSequence, "oldest", batch.OldestSequence)
		}
		s.send(p, s.frame(model.FrameSyncBatch, batch))

	case model.FrameTyping:
		var t model.Typing
		if err := f.Decode(&t); err != nil {
			s.violation(p, err)
			return
		}
		t.UserID = p.info.UserID
		out := s.frame(model.FrameTyping, t)
		s.broadcast(out, p)
		s.config.Deliver(out)

	case model.FramePing:
		var ping model.PingPong
		if err := f.Decode(&ping); err != nil {
			s.violation(p, err)
			return
		}
		s.send(p, s.frame(model.FramePong, ping))

	case model.FrameElectionAck:
		var ack model.ElectionAck
		if err := f.Decode(&ack); err != nil {
			s.violation(p, err)
			return
		}
		s.acked[p.info.UserID] = true
		if s.announcing && s.allAcked() {
			s.logger.Info("election acknowledged by all expected members", "epoch", s.Epoch())
			s.finishAnnounce(ctx)
		}

	case model.FrameHeartbeat, model.FrameElectionAnnounce, model.FrameStepDown:
		// Another member believes it hosts. Epoch filtering above already
		// settled which of us is current.
		s.logger.Debug("ignoring host frame from member", "kind", f.Kind, "user_id", p.info.UserID)

	default:
		s.violation(p, fmt.Errorf("unexpected %s frame", f.Kind))
	}
}

func (s *Server) join(ctx context.Context, p *peer, f model.Frame, authErr error) {
	if p.joined {
		s.violation(p, errors.New("second join on one connection"))
		return
	}
	var join model.Join
	if authErr == nil {
		authErr = f.Decode(&join)
	}
	if authErr == nil {
		if _, dup := s.byUser[join.UserID]; dup || join.UserID == s.config.Self.UserID {
			authErr = errors.New("duplicate user")
		} else if s.config.Banned != nil && s.config.Banned(join.UserID) {
			authErr = fmt.Errorf("%w: banned", model.ErrAuthRejected)
		} else if len(s.byUser) >= s.config.MaxPeers {
			authErr = model.ErrServerFull
		}
	}
	if authErr != nil {
		s.config.Metrics.rejected(s.config.HallID)
		s.logger.Warn("join rejected", "reason", authErr.Error())
		s.send(p, s.frame(model.FrameJoinRejected, model.JoinRejected{Reason: authErr.Error()}))
		s.remove(p, "rejected")
		return
	}
	if f.Epoch > s.Epoch() {
		s.raiseEpoch(f.Epoch)
	}

	p.joined = true
	p.info = model.PeerInfo{
		UserID:    join.UserID,
		Username:  join.Username,
		Role:      join.Role,
		Advertise: join.Advertise,
	}
	s.byUser[join.UserID] = p
	s.config.Metrics.setPeers(s.config.HallID, len(s.byUser))
	s.logger.Info("member joined", "user_id", join.UserID, "username", join.Username, "role", join.Role.String())

	s.send(p, s.frame(model.FrameElectionAnnounce, model.ElectionAnnounce{
		NewHostID: s.config.Self.UserID,
		Address:   s.config.Self.Advertise,
	}))
	s.send(p, s.frame(model.FrameJoinAccepted, model.JoinAccepted{
		HostID:  s.config.Self.UserID,
		Members: s.members(),
	}))
	s.announceMembers()
}

// sequence assigns the next sequence to msg, persists it and fans it out.
// A message already sequenced is re-acknowledged with its original number.
func (s *Server) sequence(ctx context.Context, msg model.NetMessage, from *peer) {
	if seq, ok := s.log.Lookup(msg.ID); ok {
		s.ack(from, msg.ID, seq)
		return
	}
	if seq, ok, err := s.config.Store.SequenceOf(ctx, msg.ID); err != nil {
		s.logger.Error("sequence lookup failed", "message_id", msg.ID, "error", err)
		return
	} else if ok {
		s.ack(from, msg.ID, seq)
		return
	}

	candidate := msg.WithSequence(s.log.Next(), s.Epoch())
	if _, err := s.config.Store.InsertMessage(ctx, candidate); err != nil {
		// Not acknowledged: the author keeps it pending and resends.
		s.logger.Error("failed to persist message", "message_id", msg.ID, "error", err)
		return
	}
	stored := s.log.Append(msg, s.Epoch())
	s.config.Metrics.setSequence(s.config.HallID, stored.Seq())
	s.logger.Debug("sequenced", "message_id", stored.ID, "sequence", stored.Seq(), "epoch", stored.Epoch)

	s.ack(from, stored.ID, stored.Seq())
	kind := model.FrameChat
	if stored.Kind == model.MessageSystemNotice {
		kind = model.FrameSystemNotice
	}
	out := s.frame(kind, stored)
	s.broadcast(out, nil)
	s.config.Deliver(out)
}

func (s *Server) ack(p *peer, id uuid.UUID, seq uint64) {
	if p == nil {
		return
	}
	s.send(p, s.frame(model.FrameMessageAck, model.MessageAck{ID: id, Sequence: seq}))
}

func (s *Server) finishAnnounce(ctx context.Context) {
	s.announcing = false
	held := s.held
	s.held = nil
	for _, msg := range held {
		var from *peer
		if msg.SenderID != s.config.Self.UserID {
			from = s.byUser[msg.SenderID]
		}
		s.sequence(ctx, msg, from)
	}
}

func (s *Server) allAcked() bool {
	for _, id := range s.config.Expected {
		if id == s.config.Self.UserID {
			continue
		}
		if !s.acked[id] {
			return false
		}
	}
	return true
}

func (s *Server) raiseEpoch(epoch uint64) {
	prev := s.Epoch()
	s.epoch.Store(epoch)
	s.logger.Info("epoch raised by member", "from", prev, "to", epoch)
	s.broadcast(s.frame(model.FrameElectionAnnounce, model.ElectionAnnounce{
		NewHostID: s.config.Self.UserID,
		Address:   s.config.Self.Advertise,
	}), nil)
	if s.config.EpochRaised != nil {
		s.config.EpochRaised(epoch)
	}
}

func (s *Server) members() []model.PeerInfo {
	out := make([]model.PeerInfo, 0, len(s.byUser)+1)
	for _, p := range s.byUser {
		out = append(out, p.info)
	}
	slices.SortFunc(out, func(a, b model.PeerInfo) int {
		switch {
		case a.UserID.String() < b.UserID.String():
			return -1
		case a.UserID.String() > b.UserID.String():
			return 1
		}
		return 0
	})
	return append([]model.PeerInfo{s.config.Self}, out...)
}

func (s *Server) announceMembers() {
	f := s.frame(model.FrameMemberList, model.MemberList{Members: s.members()})
	s.broadcast(f, nil)
	s.config.Deliver(f)
}

func (s *Server) violation(p *peer, err error) {
	s.config.Metrics.violation(s.config.HallID)
	s.logger.Warn("protocol violation, dropping connection", "user_id", p.info.UserID, "error", err)
	s.remove(p, "protocol violation")
}

func (s *Server) frame(kind model.FrameKind, payload any) model.Frame {
	f := model.MustFrame(kind, s.config.HallID, s.Epoch(), payload)
	f.Sender = s.config.Self.UserID
	return f
}

func (s *Server) send(p *peer, f model.Frame) {
	if !s.peers[p] {
		return
	}
	data, err := model.Encode(f)
	if err != nil {
		s.logger.Error("failed to encode frame", "kind", f.Kind, "error", err)
		return
	}
	select {
	case p.send <- data:
		s.config.Metrics.frameOut(s.config.HallID, f.Kind)
	default:
		s.config.Metrics.slow(s.config.HallID)
		s.remove(p, "send buffer full")
	}
}

// broadcast queues f to every joined member except skip.
func (s *Server) broadcast(f model.Frame, skip *peer) {
	for p := range s.peers {
		if p.joined && p != skip {
			s.send(p, f)
		}
	}
}

func (s *Server) remove(p *peer, reason string) {
	if !s.peers[p] {
		return
	}
	delete(s.peers, p)
	close(p.send)
	if !p.joined {
		return
	}
	if s.byUser[p.info.UserID] == p {
		delete(s.byUser, p.info.UserID)
	}
	s.config.Metrics.setPeers(s.config.HallID, len(s.byUser))
	s.logger.Info("member left", "user_id", p.info.UserID, "reason", reason)
	if reason != "shutdown" {
		s.announceMembers()
	}
}
