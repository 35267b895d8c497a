package election

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/puyokura/hallmesh/model"
)

const metricNamePrefix = "hall_election_"

// HostingStore persists hosting state so epochs survive restarts.
type HostingStore interface {
	SaveHosting(ctx context.Context, hs model.HostingState) error
	Hosting(ctx context.Context, hallID uuid.UUID) (model.HostingState, bool, error)
}

type Config struct {
	Self         Candidate
	Store        HostingStore
	Logger       *slog.Logger
	PromRegistry prometheus.Registerer
}

// Outcome is the committed result of one election.
type Outcome struct {
	HallID uuid.UUID
	Winner Candidate
	Epoch  uint64
	Self   bool
}

// Coordinator applies election results for every hall this participant is in.
// It is the only writer of hosting state.
type Coordinator struct {
	config     Config
	logger     *slog.Logger
	epochs     *Epochs
	mu         sync.Mutex
	hosting    map[uuid.UUID]model.HostingState
	ineligible map[uuid.UUID]map[uuid.UUID]bool
	metrics    *coordinatorMetrics
}

type coordinatorMetrics struct {
	elections *prometheus.CounterVec
	epoch     *prometheus.GaugeVec
}

func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	c := &Coordinator{
		config:     cfg,
		logger:     cfg.Logger.With("component", "election"),
		epochs:     NewEpochs(),
		hosting:    make(map[uuid.UUID]model.HostingState),
		ineligible: make(map[uuid.UUID]map[uuid.UUID]bool),
	}
	if cfg.PromRegistry != nil {
		c.initMetrics()
	}
	return c
}

func (c *Coordinator) initMetrics() {
	factory := promauto.With(c.config.PromRegistry)
	c.metrics = &coordinatorMetrics{
		elections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: metricNamePrefix + "elections_total",
			Help: "elections run, by result",
		}, []string{"result"}),
		epoch: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricNamePrefix + "epoch",
			Help: "highest epoch observed per hall",
		}, []string{"hall"}),
	}
}

func (c *Coordinator) count(result string) {
	if c.metrics != nil {
		c.metrics.elections.WithLabelValues(result).Inc()
	}
}

// Self is the local candidate.
func (c *Coordinator) Self() Candidate {
	return c.config.Self
}

// Load seeds the epoch tracker from persisted hosting state.
func (c *Coordinator) Load(ctx context.Context, hallID uuid.UUID) error {
	if c.config.Store == nil {
		return nil
	}
	hs, ok, err := c.config.Store.Hosting(ctx, hallID)
	if err != nil {
		return fmt.Errorf("load hosting state: %w", err)
	}
	if !ok {
		return nil
	}
	c.epochs.Observe(hallID, hs.Epoch)
	c.mu.Lock()
	c.hosting[hallID] = hs
	c.mu.Unlock()
	return nil
}

// MaxEpoch is the highest epoch observed for the hall.
func (c *Coordinator) MaxEpoch(hallID uuid.UUID) uint64 {
	return c.epochs.Max(hallID)
}

// Accept is the frame filter: false for epochs below the observed maximum.
func (c *Coordinator) Accept(hallID uuid.UUID, epoch uint64) bool {
	if !c.epochs.Observe(hallID, epoch) {
		c.logger.Debug("dropping stale frame",
			"hall_id", hallID, "epoch", epoch, "max_epoch", c.epochs.Max(hallID))
		return false
	}
	c.setEpochGauge(hallID)
	return true
}

func (c *Coordinator) setEpochGauge(hallID uuid.UUID) {
	if c.metrics != nil {
		c.metrics.epoch.WithLabelValues(hallID.String()).Set(float64(c.epochs.Max(hallID)))
	}
}

// Current returns the hosting state last applied for the hall.
func (c *Coordinator) Current(hallID uuid.UUID) (model.HostingState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	hs, ok := c.hosting[hallID]
	return hs, ok
}

// Elect computes the winner over view and commits epoch max+1. When a higher
// epoch is observed before the commit, or ctx is cancelled, the attempt
// fails with model.ErrSuperseded and nothing is applied.
func (c *Coordinator) Elect(ctx context.Context, hallID uuid.UUID, view []Candidate) (Outcome, error) {
	base := c.epochs.Max(hallID)
	winner, err := Winner(c.eligible(hallID, view))
	if err != nil {
		c.count("no_host")
		c.logger.Warn("election failed: no eligible host", "hall_id", hallID, "candidates", len(view))
		return Outcome{}, err
	}
	if err := ctx.Err(); err != nil {
		c.count("superseded")
		return Outcome{}, fmt.Errorf("%w: %v", model.ErrSuperseded, err)
	}
	next := base + 1
	if !c.epochs.Advance(hallID, base, next) {
		c.count("superseded")
		return Outcome{}, fmt.Errorf("%w: epoch moved past %d", model.ErrSuperseded, base)
	}
	c.setEpochGauge(hallID)
	out := Outcome{
		HallID: hallID,
		Winner: winner,
		Epoch:  next,
		Self:   winner.UserID == c.config.Self.UserID,
	}
	if err := c.apply(context.WithoutCancel(ctx), model.HostingState{
		HallID:     hallID,
		HostUserID: winner.UserID,
		Epoch:      next,
		StartedAt:  time.Now().UTC(),
	}); err != nil {
		c.count("poisoned")
		return Outcome{}, err
	}
	if out.Self {
		c.count("won")
	} else {
		c.count("lost")
	}
	c.logger.Info("election committed",
		"hall_id", hallID, "winner", winner.UserID, "role", winner.Role.String(), "epoch", next, "self", out.Self)
	return out, nil
}

// Adopt applies a result announced by someone else. It returns false when
// epoch is older than what this participant has already seen, or when
// applying it failed and was rolled back.
func (c *Coordinator) Adopt(ctx context.Context, hallID, hostID uuid.UUID, epoch uint64) bool {
	if !c.epochs.Observe(hallID, epoch) {
		return false
	}
	c.setEpochGauge(hallID)
	c.mu.Lock()
	cur, ok := c.hosting[hallID]
	c.mu.Unlock()
	if ok && cur.Epoch == epoch && cur.HostUserID == hostID {
		return true
	}
	return c.apply(ctx, model.HostingState{
		HallID:     hallID,
		HostUserID: hostID,
		Epoch:      epoch,
		StartedAt:  time.Now().UTC(),
	}) == nil
}

// Activate makes self the host of a hall nobody hosts, at max+1.
func (c *Coordinator) Activate(ctx context.Context, hallID uuid.UUID) (Outcome, error) {
	return c.Elect(ctx, hallID, []Candidate{c.config.Self})
}

// ShouldStepDown reports whether self, hosting the hall, is no longer the
// deterministic winner over view. The new winner is returned.
func (c *Coordinator) ShouldStepDown(hallID uuid.UUID, view []Candidate) (Candidate, bool) {
	hs, ok := c.Current(hallID)
	if !ok || hs.HostUserID != c.config.Self.UserID {
		return Candidate{}, false
	}
	withSelf := append([]Candidate{c.config.Self}, view...)
	winner, err := Winner(c.eligible(hallID, withSelf))
	if err != nil || winner.UserID == c.config.Self.UserID {
		return Candidate{}, false
	}
	return winner, true
}

// MarkBindExhausted removes user from hosting for the current activation.
// The user still votes and receives messages.
func (c *Coordinator) MarkBindExhausted(hallID, userID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.ineligible[hallID]
	if !ok {
		set = make(map[uuid.UUID]bool)
		c.ineligible[hallID] = set
	}
	set[userID] = true
	c.logger.Warn("candidate marked host-ineligible for this activation",
		"hall_id", hallID, "user_id", userID)
}

// ResetActivation clears bind-exhaustion marks, e.g. when the hall is left.
func (c *Coordinator) ResetActivation(hallID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ineligible, hallID)
}

func (c *Coordinator) eligible(hallID uuid.UUID, view []Candidate) []Candidate {
	c.mu.Lock()
	defer c.mu.Unlock()
	marked := c.ineligible[hallID]
	out := make([]Candidate, 0, len(view))
	seen := make(map[uuid.UUID]bool, len(view))
	for _, cand := range view {
		if marked[cand.UserID] || seen[cand.UserID] {
			continue
		}
		seen[cand.UserID] = true
		out = append(out, cand)
	}
	return out
}

// apply records hs. A panic while applying restores the previous hosting
// entry and is returned as model.ErrStatePoisoned; the epoch stays raised so
// it is never handed out twice.
func (c *Coordinator) apply(ctx context.Context, hs model.HostingState) (err error) {
	c.mu.Lock()
	prev, hadPrev := c.hosting[hs.HallID]
	c.hosting[hs.HallID] = hs
	c.mu.Unlock()
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		c.mu.Lock()
		if hadPrev {
			c.hosting[hs.HallID] = prev
		} else {
			delete(c.hosting, hs.HallID)
		}
		c.mu.Unlock()
		err = fmt.Errorf("%w: %v", model.ErrStatePoisoned, r)
		c.logger.Warn("recovered panic applying election result, hosting state rolled back",
			"hall_id", hs.HallID, "epoch", hs.Epoch, "error", err)
	}()
	if c.config.Store == nil {
		return nil
	}
	if err := c.config.Store.SaveHosting(ctx, hs); err != nil {
		c.logger.Warn("failed to persist hosting state",
			"hall_id", hs.HallID, "epoch", hs.Epoch, "error", err)
	}
	return nil
}
