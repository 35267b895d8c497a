package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puyokura/hallmesh/config"
	"github.com/puyokura/hallmesh/election"
	"github.com/puyokura/hallmesh/host"
	"github.com/puyokura/hallmesh/model"
	"github.com/puyokura/hallmesh/session"
	"github.com/puyokura/hallmesh/store"
	"golang.org/x/sync/errgroup"
)

// node runs one session per hall, all sharing a store, an election
// coordinator and metrics.
type node struct {
	ctx         context.Context
	group       *errgroup.Group
	cfg         *config.Config
	logger      *slog.Logger
	store       *store.Store
	coord       *election.Coordinator
	metrics     *session.Metrics
	hostMetrics *host.Metrics
	dialer      session.Dialer
	out         io.Writer
	outMu       sync.Mutex

	mu       sync.Mutex
	sessions map[uuid.UUID]*session.Session
	order    []uuid.UUID
}

func newNode(ctx context.Context, group *errgroup.Group, cfg *config.Config, db *store.Store, logger *slog.Logger, reg prometheus.Registerer, out io.Writer) *node {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	userID, role := cfg.Self()
	return &node{
		ctx:    ctx,
		group:  group,
		cfg:    cfg,
		logger: logger,
		store:  db,
		coord: election.NewCoordinator(election.Config{
			Self:         election.Candidate{UserID: userID, Role: role},
			Store:        db,
			Logger:       logger,
			PromRegistry: reg,
		}),
		metrics:     session.NewMetrics(reg),
		hostMetrics: host.NewMetrics(reg),
		dialer:      session.WSDialer{},
		out:         out,
		sessions:    make(map[uuid.UUID]*session.Session),
	}
}

// join returns the session of hallID, starting it when needed.
func (n *node) join(hallID uuid.UUID) (*session.Session, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if s, ok := n.sessions[hallID]; ok {
		return s, nil
	}
	s, err := session.New(session.Config{
		HallID:      hallID,
		Settings:    n.cfg,
		Store:       n.store,
		Coordinator: n.coord,
		Dialer:      n.dialer,
		Logger:      n.logger,
		Metrics:     n.metrics,
		HostMetrics: n.hostMetrics,
	})
	if err != nil {
		return nil, err
	}
	n.sessions[hallID] = s
	n.order = append(n.order, hallID)
	n.group.Go(func() error { return s.Run(n.ctx) })
	n.group.Go(func() error {
		for ev := range s.Events() {
			if line := describe(ev, s.Self().UserID); line != "" {
				n.printf("[%s] %s\n", short(hallID), line)
			}
		}
		return nil
	})
	n.logger.Info("hall session started", "hall_id", hallID)
	return s, nil
}

// autoConnect resumes the last connection of every running session.
func (n *node) autoConnect(ctx context.Context) {
	for _, id := range n.halls() {
		s := n.session(id)
		resumed, err := s.AutoConnect(ctx)
		if err != nil {
			n.logger.Warn("auto-connect failed", "hall_id", id, "error", err)
			continue
		}
		if !resumed {
			n.logger.Info("nothing to resume", "hall_id", id)
		}
	}
}

func (n *node) session(hallID uuid.UUID) *session.Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sessions[hallID]
}

func (n *node) halls() []uuid.UUID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.order)
}

func (n *node) printf(format string, args ...any) {
	n.outMu.Lock()
	defer n.outMu.Unlock()
	fmt.Fprintf(n.out, format, args...)
}

func short(id uuid.UUID) string {
	return id.String()[:8]
}

// describe renders an event for the console; uninteresting events render
// empty.
func describe(ev model.Event, self uuid.UUID) string {
	switch ev.Type {
	case model.EventConnected:
		return fmt.Sprintf("connected to host %s (epoch %d)", short(ev.HostID), ev.Epoch)
	case model.EventDisconnected:
		return "disconnected"
	case model.EventBecameHost:
		return fmt.Sprintf("now hosting (epoch %d)", ev.Epoch)
	case model.EventSteppedDown:
		return fmt.Sprintf("handed hosting to %s", short(ev.HostID))
	case model.EventElecting:
		return "host lost, electing"
	case model.EventNoEligibleHost:
		return "no member can host this hall"
	case model.EventAuthRejected:
		return "join rejected: " + ev.Reason
	case model.EventSyncOutOfRange:
		return fmt.Sprintf("history before #%d is no longer available from the host", ev.Sequence)
	case model.EventMessage:
		m := ev.Message
		if m == nil || (m.SenderID == self && m.Kind == model.MessageChat) {
			return ""
		}
		if m.Kind == model.MessageSystemNotice {
			return "* " + m.Content
		}
		return fmt.Sprintf("<%s> %s", m.Sender, m.Content)
	case model.EventTypingChanged:
		if len(ev.Typing) == 0 {
			return ""
		}
		names := make([]string, len(ev.Typing))
		for i, id := range ev.Typing {
			names[i] = short(id)
		}
		return strings.Join(names, ", ") + " typing..."
	}
	return ""
}
