package session

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puyokura/hallmesh/election"
	"github.com/puyokura/hallmesh/host"
	"github.com/puyokura/hallmesh/model"
)

// Commands posted by the public API.
type (
	cmdConnect struct {
		addr, token string
		done        chan error
	}
	cmdHost       struct{ done chan error }
	cmdDisconnect struct{ done chan error }
	cmdSend       struct {
		content string
		msg     model.NetMessage
		done    chan error
	}
	cmdInvite struct {
		url  model.InviteURL
		done chan error
	}
	cmdNotice struct {
		text string
		done chan error
	}
	cmdKick struct {
		userID uuid.UUID
		kicked bool
		done   chan error
	}
	cmdTyping struct{ at time.Time }
)

func (c *cmdConnect) reply() chan error    { return c.done }
func (c *cmdHost) reply() chan error       { return c.done }
func (c *cmdDisconnect) reply() chan error { return c.done }
func (c *cmdSend) reply() chan error       { return c.done }
func (c *cmdInvite) reply() chan error     { return c.done }
func (c *cmdNotice) reply() chan error     { return c.done }
func (c *cmdKick) reply() chan error       { return c.done }

// Events from connection goroutines carry the generation of the link they
// belong to; anything from an older generation is ignored.
type (
	dialResult struct {
		gen  uint64
		addr string
		conn Conn
		err  error
	}
	frameIn struct {
		gen   uint64
		frame model.Frame
	}
	connLost struct {
		gen uint64
		err error
	}
	retryTick   struct{ gen uint64 }
	hostFrame   struct{ frame model.Frame }
	hostStopped struct {
		srv *host.Server
		err error
	}
	epochRaised  struct{ epoch uint64 }
	watchdogTick struct{ at time.Time }
	pruneTick    struct{ at time.Time }
	pingTick     struct{ at time.Time }
)

// link is one client connection with its own writer goroutine, so the loop
// never blocks on the network.
type link struct {
	gen  uint64
	addr string
	conn Conn
	out  chan model.Frame
	once sync.Once
}

func (l *link) send(f model.Frame) bool {
	select {
	case l.out <- f:
		return true
	default:
		return false
	}
}

func (l *link) close() {
	l.once.Do(func() { close(l.out) })
}

func (s *Session) handle(ctx context.Context, ev any) {
	switch ev := ev.(type) {
	case *cmdConnect:
		ev.done <- s.connect(ctx, ev.addr, ev.token)
	case *cmdHost:
		ev.done <- s.activate(ctx)
	case *cmdDisconnect:
		s.disconnect(ctx)
		ev.done <- nil
	case *cmdSend:
		var err error
		ev.msg, err = s.send(ctx, ev.content)
		ev.done <- err
	case *cmdInvite:
		var err error
		ev.url, err = s.regenerateInvite(ctx)
		ev.done <- err
	case *cmdNotice:
		if s.server == nil {
			ev.done <- model.ErrNotConnected
			return
		}
		ev.done <- s.server.Notice(ev.text)
	case *cmdKick:
		if s.server == nil {
			ev.done <- model.ErrNotConnected
			return
		}
		// Kick waits on the server goroutine, which never waits on us.
		ev.kicked = s.server.Kick(ev.userID)
		ev.done <- nil
	case cmdTyping:
		if s.emitter.Activity(ev.at) {
			s.sendTyping(true)
		}

	case dialResult:
		s.onDialed(ctx, ev)
	case frameIn:
		if ev.gen == s.gen && s.link != nil {
			s.onFrame(ctx, ev.frame, false)
		}
	case connLost:
		s.onConnLost(ctx, ev)
	case retryTick:
		if ev.gen == s.gen && !s.terminal && s.status.Snapshot().State.Phase == model.PhaseReconnecting {
			s.dial(ctx)
		}
	case hostFrame:
		if s.server != nil {
			s.onFrame(ctx, ev.frame, true)
		}
	case hostStopped:
		s.onHostStopped(ev)
	case epochRaised:
		s.config.Coordinator.Adopt(ctx, s.config.HallID, s.self.UserID, ev.epoch)
		s.update(func(st *Status) { st.Epoch = ev.epoch })

	case watchdogTick:
		s.onWatchdog(ctx, ev.at)
	case pruneTick:
		if s.emitter.Tick(ev.at) {
			s.sendTyping(false)
		}
		if s.tracker.Prune(ev.at) {
			s.publishTyping()
		}
	case pingTick:
		if s.link != nil && s.status.Snapshot().State.Phase == model.PhaseConnected {
			s.link.send(s.frame(model.FramePing, model.PingPong{Timestamp: ev.at}))
		}
	default:
		s.logger.Warn("unknown session event", "event", ev)
	}
}

func (s *Session) connect(ctx context.Context, addr, token string) error {
	if s.server != nil {
		return errors.New("already hosting this hall")
	}
	s.terminal = false
	s.token = token
	s.targets = []string{addr}
	s.backoff.Reset()
	s.attempt = 0
	s.dial(ctx)
	return nil
}

// dial tries the current targets in order on a separate goroutine.
func (s *Session) dial(ctx context.Context) {
	s.stopRetry()
	s.closeLink()
	gen := s.gen
	targets := append([]string(nil), s.targets...)
	if len(targets) == 0 {
		s.setState(model.Offline())
		return
	}
	s.setState(model.Connecting(targets[0]))

	dialer := s.config.Dialer
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		dctx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		var lastErr error
		for _, addr := range targets {
			conn, err := dialer.Dial(dctx, addr)
			if err == nil {
				if !s.loop.Post(dialResult{gen: gen, addr: addr, conn: conn}) {
					conn.Close()
				}
				return
			}
			lastErr = err
		}
		s.loop.Post(dialResult{gen: gen, err: lastErr})
	}()
}

func (s *Session) onDialed(ctx context.Context, ev dialResult) {
	if ev.gen != s.gen || s.link != nil || s.terminal {
		if ev.conn != nil {
			ev.conn.Close()
		}
		return
	}
	if ev.err != nil {
		s.logger.Info("connect failed", "targets", s.targets, "error", ev.err)
		s.scheduleRetry()
		return
	}
	l := &link{gen: s.gen, addr: ev.addr, conn: ev.conn, out: make(chan model.Frame, outBuffer)}
	s.link = l
	s.wg.Add(2)
	go s.read(l)
	go s.write(l)
	l.send(s.frame(model.FrameJoin, model.Join{
		UserID:    s.self.UserID,
		Username:  s.self.Username,
		Role:      s.self.Role,
		Token:     s.token,
		Advertise: s.self.Advertise,
	}))
	s.logger.Debug("joining", "address", ev.addr)
}

func (s *Session) read(l *link) {
	defer s.wg.Done()
	for {
		f, err := l.conn.Recv()
		if err != nil {
			s.loop.Post(connLost{gen: l.gen, err: err})
			return
		}
		if !s.loop.Post(frameIn{gen: l.gen, frame: f}) {
			return
		}
	}
}

func (s *Session) write(l *link) {
	defer s.wg.Done()
	defer l.conn.Close()
	for f := range l.out {
		if err := l.conn.Send(f); err != nil {
			s.logger.Debug("send failed", "kind", f.Kind, "error", err)
			return
		}
	}
}

// closeLink drops the current connection and invalidates its events.
func (s *Session) closeLink() {
	s.gen++
	if s.link != nil {
		s.link.close()
		s.link = nil
	}
}

func (s *Session) onConnLost(ctx context.Context, ev connLost) {
	if ev.gen != s.gen || s.link == nil {
		return
	}
	s.logger.Info("connection to host lost", "address", s.link.addr, "error", ev.err)
	s.closeLink()
	s.clearPresence()
	wasConnected := s.status.Snapshot().State.Phase == model.PhaseConnected
	if wasConnected {
		s.emit(model.NewEvent(model.EventDisconnected, s.config.HallID))
	}
	if s.terminal {
		s.setState(model.Offline())
		return
	}
	s.scheduleRetry()
}

func (s *Session) scheduleRetry() {
	if s.terminal {
		return
	}
	s.stopRetry()
	d := s.backoff.NextBackOff()
	s.attempt++
	s.config.Metrics.reconnect(s.config.HallID)
	s.setState(model.Reconnecting(s.attempt, time.Now().Add(d)))
	s.logger.Info("reconnect scheduled", "attempt", s.attempt, "delay", d.String())
	s.retry = s.loop.After(d, retryTick{gen: s.gen})
}

func (s *Session) stopRetry() {
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

func (s *Session) onFrame(ctx context.Context, f model.Frame, local bool) {
	hallID := s.config.HallID
	if f.HallID != hallID {
		s.logger.Warn("frame for another hall", "kind", f.Kind, "frame_hall", f.HallID)
		if !local {
			s.dropLink(ctx, model.ErrWrongHall)
		}
		return
	}
	if f.Kind == model.FrameJoinRejected {
		s.onRejected(ctx, f)
		return
	}
	if !s.config.Coordinator.Accept(hallID, f.Epoch) {
		s.config.Metrics.stale(hallID)
		s.logger.Debug("dropping stale frame", "kind", f.Kind, "epoch", f.Epoch,
			"max_epoch", s.config.Coordinator.MaxEpoch(hallID))
		if f.Kind == model.FrameJoinAccepted {
			s.dropLink(ctx, model.ErrStaleEpoch)
		}
		return
	}

	var err error
	switch f.Kind {
	case model.FrameJoinAccepted:
		err = s.onAccepted(ctx, f)
	case model.FrameHeartbeat:
		var hb model.Heartbeat
		if err = f.Decode(&hb); err == nil {
			s.lastHeartbeat = time.Now()
			if s.status.Snapshot().HostID != hb.HostID {
				s.update(func(st *Status) { st.HostID = hb.HostID })
			}
		}
	case model.FrameElectionAnnounce:
		var ann model.ElectionAnnounce
		if err = f.Decode(&ann); err == nil {
			s.config.Coordinator.Adopt(ctx, hallID, ann.NewHostID, f.Epoch)
			s.update(func(st *Status) { st.HostID, st.Epoch = ann.NewHostID, f.Epoch })
			s.lastHeartbeat = time.Now()
			if !local && s.link != nil {
				s.link.send(s.frame(model.FrameElectionAck, model.ElectionAck{VoterID: s.self.UserID}))
			}
		}
	case model.FrameStepDown:
		var sd model.StepDown
		if err = f.Decode(&sd); err == nil && !local {
			s.onStepDown(ctx, sd, f.Sender)
		}
	case model.FrameChat, model.FrameSystemNotice:
		var msg model.NetMessage
		if err = f.Decode(&msg); err == nil {
			s.onChat(ctx, msg, local)
		}
	case model.FrameMessageAck:
		var ack model.MessageAck
		if err = f.Decode(&ack); err == nil {
			if _, aerr := s.recon.OnAck(ctx, ack, f.Epoch); aerr != nil {
				s.logger.Error("could not record ack", "message_id", ack.ID, "error", aerr)
				return
			}
			ev := model.NewEvent(model.EventMessageAcked, hallID)
			ev.MessageID, ev.Sequence = ack.ID, ack.Sequence
			s.emit(ev)
		}
	case model.FrameSyncBatch:
		var batch model.SyncBatch
		if err = f.Decode(&batch); err == nil {
			s.onSyncBatch(ctx, batch)
		}
	case model.FrameTyping:
		var t model.Typing
		if err = f.Decode(&t); err == nil && t.UserID != s.self.UserID {
			if s.tracker.Set(t.UserID, t.Typing, time.Now()) {
				s.publishTyping()
			}
		}
	case model.FramePong:
		var pong model.PingPong
		if err = f.Decode(&pong); err == nil {
			s.onPong(pong)
		}
	case model.FrameMemberList:
		var ml model.MemberList
		if err = f.Decode(&ml); err == nil {
			s.setMembers(ml.Members)
			if local {
				s.checkStepDown(ctx, ml.Members)
			}
		}
	default:
		s.logger.Debug("ignoring frame", "kind", f.Kind, "local", local)
	}
	if err != nil {
		s.logger.Warn("bad frame from host", "kind", f.Kind, "error", err)
		if !local {
			s.dropLink(ctx, err)
		}
	}
}

// onStepDown follows the host the departing host named. Without a usable
// name it falls back to an election over the local view.
func (s *Session) onStepDown(ctx context.Context, sd model.StepDown, from uuid.UUID) {
	s.logger.Info("host stepping down", "next_host", sd.NextHostID, "address", sd.Address)
	targets := scanTargets(sd.Address, s.config.Settings.PortAttempts)
	if sd.NextHostID == uuid.Nil || sd.NextHostID == s.self.UserID || len(targets) == 0 {
		s.startElection(ctx, "step_down", from)
		return
	}
	s.stopRetry()
	s.closeLink()
	s.clearPresence()
	s.lastHeartbeat = time.Now()
	s.targets = targets
	s.dial(ctx)
}

func (s *Session) onAccepted(ctx context.Context, f model.Frame) error {
	var acc model.JoinAccepted
	if err := f.Decode(&acc); err != nil {
		return err
	}
	hallID := s.config.HallID
	s.config.Coordinator.Adopt(ctx, hallID, acc.HostID, f.Epoch)
	addr := s.link.addr
	s.haveView = true
	s.lastHeartbeat = time.Now()
	s.backoff.Reset()
	s.attempt = 0
	s.targets = []string{addr}
	s.update(func(st *Status) {
		st.HostID, st.Epoch, st.Invite = acc.HostID, f.Epoch, ""
	})
	s.setState(model.Connected(model.ConnClient, addr))
	s.setMembers(acc.Members)
	s.logger.Info("joined hall", "host_id", acc.HostID, "address", addr, "epoch", f.Epoch)

	if err := s.config.Store.SaveLastConnection(ctx, model.LastConnection{
		UserID:      s.self.UserID,
		HallID:      hallID,
		Address:     addr,
		Token:       s.token,
		Epoch:       f.Epoch,
		ConnectedAt: time.Now().UTC(),
	}); err != nil {
		s.logger.Warn("could not save last connection", "error", err)
	}
	if s.token != "" {
		// Keep the token valid here too in case this member hosts later.
		if err := s.invites.Adopt(ctx, hallID, s.token); err != nil {
			s.logger.Warn("could not keep invite", "error", err)
		}
	}

	ev := model.NewEvent(model.EventConnected, hallID)
	ev.HostID, ev.Epoch = acc.HostID, f.Epoch
	s.emit(ev)

	if req, err := s.recon.SyncRequest(ctx); err != nil {
		s.logger.Warn("could not build sync request", "error", err)
	} else {
		s.link.send(s.frame(model.FrameSyncSince, req))
	}
	pending, err := s.recon.Resend(ctx)
	if err != nil {
		s.logger.Warn("could not load pending messages", "error", err)
		return nil
	}
	for _, msg := range pending {
		s.link.send(s.frame(model.FrameChat, msg))
	}
	if len(pending) > 0 {
		s.logger.Info("resent pending messages", "count", len(pending))
	}
	return nil
}

func (s *Session) onRejected(ctx context.Context, f model.Frame) {
	var rej model.JoinRejected
	if err := f.Decode(&rej); err != nil {
		rej.Reason = err.Error()
	}
	s.logger.Warn("join rejected", "reason", rej.Reason)
	if strings.Contains(rej.Reason, model.ErrAuthRejected.Error()) ||
		strings.Contains(rej.Reason, model.ErrWrongHall.Error()) {
		s.terminal = true
		s.closeLink()
		s.setState(model.Offline())
		ev := model.NewEvent(model.EventAuthRejected, s.config.HallID)
		ev.Reason = rej.Reason
		s.emit(ev)
		return
	}
	s.closeLink()
	s.scheduleRetry()
}

func (s *Session) dropLink(ctx context.Context, err error) {
	if s.link == nil {
		return
	}
	s.logger.Warn("dropping connection to host", "error", err)
	s.closeLink()
	s.clearPresence()
	s.scheduleRetry()
}

func (s *Session) onChat(ctx context.Context, msg model.NetMessage, local bool) {
	res, err := s.recon.OnChat(ctx, msg)
	if err != nil {
		s.logger.Error("could not store message", "message_id", msg.ID, "error", err)
		return
	}
	if msg.SenderID == s.self.UserID && msg.Kind == model.MessageChat {
		if msg.Sequenced() {
			ev := model.NewEvent(model.EventMessageAcked, s.config.HallID)
			ev.MessageID, ev.Sequence = msg.ID, msg.Seq()
			s.emit(ev)
		}
		return
	}
	// The local host shares the store with its server, so the row is
	// already there.
	if res.Inserted || local {
		ev := model.NewEvent(model.EventMessage, s.config.HallID)
		ev.Message = &msg
		s.emit(ev)
	}
}

func (s *Session) onSyncBatch(ctx context.Context, batch model.SyncBatch) {
	res, err := s.recon.OnSyncBatch(ctx, batch)
	if err != nil {
		s.logger.Error("could not apply sync batch", "error", err)
	}
	seqs := make(map[uuid.UUID]uint64, len(batch.Messages))
	for _, m := range batch.Messages {
		seqs[m.ID] = m.Seq()
	}
	for _, id := range res.Confirmed {
		ev := model.NewEvent(model.EventMessageAcked, s.config.HallID)
		ev.MessageID, ev.Sequence = id, seqs[id]
		s.emit(ev)
	}
	ev := model.NewEvent(model.EventSyncBatchApplied, s.config.HallID)
	ev.Applied = res.Inserted
	s.emit(ev)
	if batch.OutOfRange {
		s.logger.Info("history gap before host buffer", "oldest", batch.OldestSequence)
		ev := model.NewEvent(model.EventSyncOutOfRange, s.config.HallID)
		ev.Sequence = batch.OldestSequence
		s.emit(ev)
	}
}

func (s *Session) onPong(pong model.PingPong) {
	rtt := time.Since(pong.Timestamp)
	if rtt < 0 {
		return
	}
	s.config.Metrics.observeRTT(s.config.HallID, rtt)
	label := s.quality.Add(rtt)
	if label == s.status.Snapshot().Quality {
		return
	}
	s.update(func(st *Status) { st.Quality = label })
	ev := model.NewEvent(model.EventQualityChanged, s.config.HallID)
	ev.Quality = label
	s.emit(ev)
}

func (s *Session) onWatchdog(ctx context.Context, at time.Time) {
	if s.server != nil || !s.haveView || s.terminal {
		return
	}
	st := s.status.Snapshot()
	switch st.State.Phase {
	case model.PhaseConnected, model.PhaseConnecting, model.PhaseReconnecting:
	default:
		return
	}
	if at.Sub(s.lastHeartbeat) < s.config.Settings.HeartbeatTimeout() {
		return
	}
	s.logger.Warn("host unresponsive", "error", model.ErrHeartbeatTimeout,
		"host_id", st.HostID, "last_heartbeat", s.lastHeartbeat)
	s.startElection(ctx, "heartbeat_timeout", st.HostID)
}

// startElection runs an election over the last known members, leaving out
// exclude, and acts on the result.
func (s *Session) startElection(ctx context.Context, reason string, exclude uuid.UUID) {
	hallID := s.config.HallID
	s.stopRetry()
	s.closeLink()
	s.clearPresence()
	s.lastHeartbeat = time.Now()
	s.config.Metrics.election(hallID, reason)
	s.setState(model.Electing())
	s.emit(model.NewEvent(model.EventElecting, hallID))

	view := s.view(exclude)
	out, err := s.config.Coordinator.Elect(ctx, hallID, view)
	switch {
	case errors.Is(err, model.ErrNoEligibleHost):
		s.terminal = true
		s.setState(model.Offline())
		s.emit(model.NewEvent(model.EventNoEligibleHost, hallID))
		return
	case err != nil:
		s.logger.Warn("election did not commit", "reason", reason, "error", err)
		s.scheduleRetry()
		return
	}
	s.update(func(st *Status) { st.HostID, st.Epoch = out.Winner.UserID, out.Epoch })
	if out.Self {
		expected := make([]uuid.UUID, 0, len(view))
		for _, c := range view {
			expected = append(expected, c.UserID)
		}
		if err := s.becomeHost(ctx, out.Epoch, expected); err != nil {
			s.logger.Error("could not start hosting", "error", err)
		}
		return
	}
	s.targets = scanTargets(out.Winner.Advertise, s.config.Settings.PortAttempts)
	if len(s.targets) == 0 {
		s.logger.Warn("winner has no address", "winner", out.Winner.UserID)
		s.terminal = true
		s.setState(model.Offline())
		return
	}
	s.dial(ctx)
}

// view is the election view: known members except exclude, plus self.
func (s *Session) view(exclude uuid.UUID) []election.Candidate {
	members := s.status.Snapshot().Members
	out := []election.Candidate{s.config.Coordinator.Self()}
	for _, m := range members {
		if m.UserID == exclude || m.UserID == s.self.UserID {
			continue
		}
		out = append(out, election.CandidateFromPeer(m))
	}
	return out
}

// scanTargets lists the winner's advertised address followed by the rest of
// the port range it may have fallen back to.
func scanTargets(advertise string, attempts int) []string {
	h, p, err := net.SplitHostPort(advertise)
	if err != nil {
		return nil
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return []string{advertise}
	}
	attempts = max(attempts, 1)
	out := make([]string, 0, attempts)
	for i := 0; i < attempts && port+i <= 65535; i++ {
		out = append(out, net.JoinHostPort(h, strconv.Itoa(port+i)))
	}
	return out
}

func (s *Session) activate(ctx context.Context) error {
	if s.server != nil {
		return nil
	}
	if !s.self.Role.CanHost() {
		return model.ErrNoEligibleHost
	}
	s.terminal = false
	s.stopRetry()
	s.closeLink()
	out, err := s.config.Coordinator.Activate(ctx, s.config.HallID)
	if err != nil {
		return err
	}
	return s.becomeHost(ctx, out.Epoch, nil)
}

func (s *Session) becomeHost(ctx context.Context, epoch uint64, expected []uuid.UUID) error {
	st := s.config.Settings
	hallID := s.config.HallID
	ln, err := host.Bind(st.ListenHost, st.BasePort, st.PortAttempts)
	if errors.Is(err, model.ErrBindExhausted) {
		s.config.Coordinator.MarkBindExhausted(hallID, s.self.UserID)
		if len(expected) > 1 {
			s.startElection(ctx, "bind_exhausted", uuid.Nil)
			return err
		}
	}
	if err != nil {
		s.terminal = true
		s.setState(model.Offline())
		return err
	}
	port := ln.Addr().(*net.TCPAddr).Port
	s.self.Advertise = net.JoinHostPort(st.AdvertiseHost, strconv.Itoa(port))

	if active, err := s.invites.Active(ctx, hallID); err != nil {
		ln.Close()
		return err
	} else if !active {
		tok, err := s.invites.Regenerate(ctx, hallID)
		if err != nil {
			ln.Close()
			return err
		}
		s.token = tok.Token
	}

	srv, err := host.New(ctx, host.Config{
		HallID:            hallID,
		Self:              s.self,
		Epoch:             epoch,
		Store:             s.config.Store,
		Invites:           s.invites,
		Logger:            s.config.Logger,
		Metrics:           s.config.HostMetrics,
		HeartbeatInterval: st.HeartbeatInterval,
		AnnounceTimeout:   st.AnnounceTimeout,
		LogCapacity:       st.LogCapacity,
		MaxPeers:          st.MaxPeers,
		Expected:          expected,
		Banned:            st.IsBanned,
		Deliver: func(f model.Frame) {
			if !s.loop.TryPost(hostFrame{frame: f}) {
				s.logger.Warn("session queue full, dropped local frame", "kind", f.Kind)
			}
		},
		EpochRaised: func(e uint64) { s.loop.TryPost(epochRaised{epoch: e}) },
	})
	if err != nil {
		ln.Close()
		s.setState(model.Offline())
		return err
	}
	s.server = srv
	runCtx := s.runCtx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := srv.Serve(runCtx, ln)
		s.loop.Post(hostStopped{srv: srv, err: err})
	}()

	s.haveView = true
	s.backoff.Reset()
	s.attempt = 0
	invite := ""
	if s.token != "" {
		invite = model.InviteURL{Address: s.self.Advertise, HallID: hallID, Token: s.token}.String()
	}
	self := s.self
	self.IsHost = true
	s.update(func(st *Status) {
		st.HostID, st.Epoch, st.Invite = s.self.UserID, epoch, invite
		st.Members = []model.PeerInfo{self}
	})
	s.setState(model.Connected(model.ConnHost, s.self.Advertise))
	s.logger.Info("hosting hall", "address", s.self.Advertise, "epoch", epoch, "expected", len(expected))

	if err := s.config.Store.SaveLastConnection(ctx, model.LastConnection{
		UserID:      s.self.UserID,
		HallID:      hallID,
		Address:     s.self.Advertise,
		Token:       s.token,
		Epoch:       epoch,
		ConnectedAt: time.Now().UTC(),
	}); err != nil {
		s.logger.Warn("could not save last connection", "error", err)
	}

	ev := model.NewEvent(model.EventBecameHost, hallID)
	ev.HostID, ev.Epoch = s.self.UserID, epoch
	s.emit(ev)
	ev = model.NewEvent(model.EventConnected, hallID)
	ev.HostID, ev.Epoch = s.self.UserID, epoch
	s.emit(ev)

	pending, err := s.recon.Resend(ctx)
	if err != nil {
		s.logger.Warn("could not load pending messages", "error", err)
		return nil
	}
	for _, msg := range pending {
		if err := srv.Submit(msg); err != nil {
			s.logger.Warn("host closed before resubmit", "message_id", msg.ID, "error", err)
			break
		}
	}
	return nil
}

func (s *Session) onHostStopped(ev hostStopped) {
	if ev.srv != s.server {
		return
	}
	s.server = nil
	if ev.err != nil {
		s.logger.Error("hosting stopped", "error", ev.err)
	}
	s.clearPresence()
	s.setState(model.Offline())
	s.emit(model.NewEvent(model.EventDisconnected, s.config.HallID))
}

// checkStepDown hands hosting to a member who now outranks us.
func (s *Session) checkStepDown(ctx context.Context, members []model.PeerInfo) {
	cands := make([]election.Candidate, 0, len(members))
	for _, m := range members {
		if m.UserID != s.self.UserID {
			cands = append(cands, election.CandidateFromPeer(m))
		}
	}
	next, ok := s.config.Coordinator.ShouldStepDown(s.config.HallID, cands)
	if !ok {
		return
	}
	s.logger.Info("higher ranked member joined, stepping down", "next_host", next.UserID, "role", next.Role.String())
	s.handOver(next)
	ev := model.NewEvent(model.EventSteppedDown, s.config.HallID)
	ev.HostID = next.UserID
	s.emit(ev)
	s.startElection(ctx, "step_down", uuid.Nil)
}

func (s *Session) handOver(next election.Candidate) {
	srv := s.server
	s.server = nil
	if err := srv.StepDown(model.PeerInfo{UserID: next.UserID, Role: next.Role, Advertise: next.Advertise}); err != nil {
		srv.Close()
	}
}

func (s *Session) disconnect(ctx context.Context) {
	s.terminal = true
	s.stopRetry()
	if s.server != nil {
		var others []election.Candidate
		for _, c := range s.view(s.self.UserID) {
			if c.UserID != s.self.UserID {
				others = append(others, c)
			}
		}
		if next, err := election.Winner(others); err == nil {
			s.handOver(next)
		} else {
			s.server.Close()
			s.server = nil
		}
	}
	s.closeLink()
	s.clearPresence()
	s.config.Coordinator.ResetActivation(s.config.HallID)
	s.haveView = false
	s.update(func(st *Status) { st.Members, st.Invite = nil, "" })
	s.setState(model.Offline())
	s.emit(model.NewEvent(model.EventDisconnected, s.config.HallID))
}

func (s *Session) send(ctx context.Context, content string) (model.NetMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return model.NetMessage{}, errors.New("empty message")
	}
	msg := model.NewChat(s.config.HallID, s.self.UserID, s.self.Username, content)
	hosting := s.server != nil
	if _, err := s.recon.Author(ctx, msg, hosting); err != nil {
		return model.NetMessage{}, err
	}
	s.emitter.Reset()
	switch {
	case hosting:
		if err := s.server.Submit(msg); err != nil {
			s.logger.Warn("host closed before submit", "message_id", msg.ID, "error", err)
		}
	case s.link != nil && s.status.Snapshot().State.Phase == model.PhaseConnected:
		s.link.send(s.frame(model.FrameChat, msg))
	default:
		s.logger.Debug("no host, message stays pending", "message_id", msg.ID)
	}
	ev := model.NewEvent(model.EventMessage, s.config.HallID)
	ev.Message = &msg
	s.emit(ev)
	return msg, nil
}

func (s *Session) sendTyping(typing bool) {
	switch {
	case s.server != nil:
		if err := s.server.Typing(typing); err != nil {
			s.logger.Debug("host closed before typing relay", "error", err)
		}
	case s.link != nil:
		s.link.send(s.frame(model.FrameTyping, model.Typing{UserID: s.self.UserID, Typing: typing}))
	}
}

func (s *Session) regenerateInvite(ctx context.Context) (model.InviteURL, error) {
	if s.server == nil {
		return model.InviteURL{}, model.ErrNotConnected
	}
	tok, err := s.invites.Regenerate(ctx, s.config.HallID)
	if err != nil {
		return model.InviteURL{}, err
	}
	s.token = tok.Token
	u := model.InviteURL{Address: s.self.Advertise, HallID: s.config.HallID, Token: tok.Token}
	s.update(func(st *Status) { st.Invite = u.String() })
	s.logger.Info("invite regenerated")
	return u, nil
}

func (s *Session) frame(kind model.FrameKind, payload any) model.Frame {
	f := model.MustFrame(kind, s.config.HallID, s.config.Coordinator.MaxEpoch(s.config.HallID), payload)
	f.Sender = s.self.UserID
	return f
}

func (s *Session) setMembers(members []model.PeerInfo) {
	s.update(func(st *Status) { st.Members = members })
	ev := model.NewEvent(model.EventMembers, s.config.HallID)
	ev.Members = members
	s.emit(ev)
}

func (s *Session) publishTyping() {
	active := s.tracker.Active(s.self.UserID)
	s.update(func(st *Status) { st.Typing = active })
	ev := model.NewEvent(model.EventTypingChanged, s.config.HallID)
	ev.Typing = active
	s.emit(ev)
}

// clearPresence forgets typing and quality, which only mean something for
// the current connection.
func (s *Session) clearPresence() {
	s.emitter.Reset()
	if s.tracker.Clear() {
		s.publishTyping()
	}
	s.quality.Reset()
	if s.status.Snapshot().Quality != model.QualityUnknown {
		s.update(func(st *Status) { st.Quality = model.QualityUnknown })
		ev := model.NewEvent(model.EventQualityChanged, s.config.HallID)
		ev.Quality = model.QualityUnknown
		s.emit(ev)
	}
}

func (s *Session) setState(state model.ConnectionState) {
	prev := s.status.Snapshot().State
	s.update(func(st *Status) { st.State = state })
	s.config.Metrics.setPhase(s.config.HallID, state.Phase)
	if prev.Phase != state.Phase || prev.Role != state.Role {
		s.logger.Info("connection state changed", "from", prev.String(), "to", state.String())
	}
	s.emit(model.NewEvent(model.EventStateChanged, s.config.HallID))
}

func (s *Session) update(fn func(st *Status)) {
	if err := s.status.Do(func(st *Status) error {
		fn(st)
		return nil
	}); err != nil {
		s.logger.Error("status update failed", "error", err)
	}
}

// emit never blocks; a consumer that falls behind loses events.
func (s *Session) emit(ev model.Event) {
	ev.State = s.status.Snapshot().State
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("event buffer full, dropping event", "type", ev.Type)
	}
}
