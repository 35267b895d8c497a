package election

import (
	"context"
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/puyokura/hallmesh/model"
	"github.com/puyokura/hallmesh/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cand(role model.Role) Candidate {
	return Candidate{UserID: uuid.New(), Role: role}
}

func permutations(in []Candidate) [][]Candidate {
	if len(in) <= 1 {
		return [][]Candidate{append([]Candidate(nil), in...)}
	}
	var out [][]Candidate
	for i := range in {
		rest := make([]Candidate, 0, len(in)-1)
		rest = append(rest, in[:i]...)
		rest = append(rest, in[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]Candidate{in[i]}, p...))
		}
	}
	return out
}

// Fellow U1, Agent U2, Moderator U3 in any arrival order elect U3.
func TestWinnerHighestRoleAnyOrder(t *testing.T) {
	u1, u2, u3 := cand(model.RoleFellow), cand(model.RoleAgent), cand(model.RoleModerator)
	for _, order := range permutations([]Candidate{u1, u2, u3}) {
		w, err := Winner(order)
		require.NoError(t, err)
		assert.Equal(t, u3.UserID, w.UserID)
	}
}

func TestWinnerTieBreaksOnUserID(t *testing.T) {
	a := Candidate{UserID: uuid.MustParse("00000000-0000-0000-0000-00000000000a"), Role: model.RolePrefect}
	b := Candidate{UserID: uuid.MustParse("00000000-0000-0000-0000-00000000000b"), Role: model.RolePrefect}
	for _, order := range permutations([]Candidate{b, a, cand(model.RoleAgent)}) {
		w, err := Winner(order)
		require.NoError(t, err)
		assert.Equal(t, a.UserID, w.UserID)
	}
}

func TestWinnerDeterministicAcrossEvaluations(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	roles := []model.Role{model.RoleFellow, model.RoleAgent, model.RoleModerator, model.RolePrefect, model.RoleBuilder}
	for range 50 {
		var view []Candidate
		for range 2 + rng.Intn(8) {
			view = append(view, cand(roles[rng.Intn(len(roles))]))
		}
		shuffled := append([]Candidate(nil), view...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		w1, err1 := Winner(view)
		w2, err2 := Winner(shuffled)
		assert.Equal(t, err1, err2)
		assert.Equal(t, w1, w2)
	}
}

func TestWinnerNoEligible(t *testing.T) {
	_, err := Winner([]Candidate{cand(model.RoleFellow), cand(model.RoleFellow)})
	assert.ErrorIs(t, err, model.ErrNoEligibleHost)

	_, err = Winner(nil)
	assert.ErrorIs(t, err, model.ErrNoEligibleHost)
}

func TestEpochsObserveAndAdvance(t *testing.T) {
	e := NewEpochs()
	hall := uuid.New()

	assert.True(t, e.Observe(hall, 3))
	assert.True(t, e.Observe(hall, 3))
	assert.False(t, e.Observe(hall, 2))
	assert.Equal(t, uint64(3), e.Max(hall))

	assert.False(t, e.Advance(hall, 2, 3))
	assert.True(t, e.Advance(hall, 3, 4))
	assert.False(t, e.Advance(hall, 4, 4))
	assert.Equal(t, uint64(4), e.Max(hall))

	// Once k is observed, nothing below k is accepted afterwards
	for k := range uint64(4) {
		assert.False(t, e.Observe(hall, k))
	}
}

func TestElectIncrementsEpochByOne(t *testing.T) {
	ctx := context.Background()
	self := cand(model.RoleAgent)
	c := NewCoordinator(Config{Self: self, PromRegistry: prometheus.NewRegistry()})
	hall := uuid.New()

	require.True(t, c.Adopt(ctx, hall, uuid.New(), 7))
	out, err := c.Elect(ctx, hall, []Candidate{self, cand(model.RoleFellow)})
	require.NoError(t, err)
	assert.Equal(t, uint64(8), out.Epoch)
	assert.True(t, out.Self)

	hs, ok := c.Current(hall)
	require.True(t, ok)
	assert.Equal(t, self.UserID, hs.HostUserID)
	assert.Equal(t, uint64(8), hs.Epoch)

	assert.False(t, c.Accept(hall, 7))
	assert.True(t, c.Accept(hall, 8))
}

func TestElectSupersededByCancellation(t *testing.T) {
	self := cand(model.RoleBuilder)
	c := NewCoordinator(Config{Self: self})
	hall := uuid.New()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Elect(ctx, hall, []Candidate{self})
	assert.ErrorIs(t, err, model.ErrSuperseded)
	assert.Zero(t, c.MaxEpoch(hall))
}

func TestAdoptRejectsOlderEpoch(t *testing.T) {
	ctx := context.Background()
	c := NewCoordinator(Config{Self: cand(model.RoleAgent)})
	hall := uuid.New()
	newHost, oldHost := uuid.New(), uuid.New()

	require.True(t, c.Adopt(ctx, hall, newHost, 5))
	assert.False(t, c.Adopt(ctx, hall, oldHost, 4))

	hs, _ := c.Current(hall)
	assert.Equal(t, newHost, hs.HostUserID)
}

func TestBindExhaustedCandidateSkipped(t *testing.T) {
	ctx := context.Background()
	self := cand(model.RoleBuilder)
	other := cand(model.RoleAgent)
	c := NewCoordinator(Config{Self: self})
	hall := uuid.New()

	c.MarkBindExhausted(hall, self.UserID)
	out, err := c.Elect(ctx, hall, []Candidate{self, other})
	require.NoError(t, err)
	assert.Equal(t, other.UserID, out.Winner.UserID)
	assert.False(t, out.Self)

	c.MarkBindExhausted(hall, other.UserID)
	_, err = c.Elect(ctx, hall, []Candidate{self, other})
	assert.ErrorIs(t, err, model.ErrNoEligibleHost)

	c.ResetActivation(hall)
	out, err = c.Elect(ctx, hall, []Candidate{self, other})
	require.NoError(t, err)
	assert.True(t, out.Self)
}

func TestShouldStepDown(t *testing.T) {
	ctx := context.Background()
	self := cand(model.RoleAgent)
	c := NewCoordinator(Config{Self: self})
	hall := uuid.New()

	_, err := c.Activate(ctx, hall)
	require.NoError(t, err)

	_, down := c.ShouldStepDown(hall, []Candidate{cand(model.RoleFellow)})
	assert.False(t, down)

	builder := cand(model.RoleBuilder)
	next, down := c.ShouldStepDown(hall, []Candidate{cand(model.RoleFellow), builder})
	assert.True(t, down)
	assert.Equal(t, builder.UserID, next.UserID)
}

func TestHostingStatePersistsAcrossCoordinators(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open("", nil)
	require.NoError(t, err)
	defer st.Close()

	self := cand(model.RolePrefect)
	hall := uuid.New()
	c1 := NewCoordinator(Config{Self: self, Store: st})
	_, err = c1.Activate(ctx, hall)
	require.NoError(t, err)
	_, err = c1.Activate(ctx, hall)
	require.NoError(t, err)

	c2 := NewCoordinator(Config{Self: self, Store: st})
	require.NoError(t, c2.Load(ctx, hall))
	assert.Equal(t, uint64(2), c2.MaxEpoch(hall))
	out, err := c2.Activate(ctx, hall)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), out.Epoch)
}

type faultyHostingStore struct {
	*store.Store
	fail bool
}

func (f *faultyHostingStore) SaveHosting(ctx context.Context, hs model.HostingState) error {
	if f.fail {
		f.fail = false
		panic("disk on fire")
	}
	return f.Store.SaveHosting(ctx, hs)
}

// A fault while applying a result leaves the last good hosting state in
// place and never reuses the epoch it burned.
func TestElectRollsBackOnFault(t *testing.T) {
	ctx := context.Background()
	st, err := store.Open("", nil)
	require.NoError(t, err)
	defer st.Close()

	self := cand(model.RoleModerator)
	hall := uuid.New()
	fs := &faultyHostingStore{Store: st}
	c := NewCoordinator(Config{Self: self, Store: fs})

	first, err := c.Activate(ctx, hall)
	require.NoError(t, err)
	require.Equal(t, uint64(1), first.Epoch)

	fs.fail = true
	other := cand(model.RolePrefect)
	_, err = c.Elect(ctx, hall, []Candidate{self, other})
	assert.ErrorIs(t, err, model.ErrStatePoisoned)

	hs, ok := c.Current(hall)
	require.True(t, ok)
	assert.Equal(t, self.UserID, hs.HostUserID)
	assert.Equal(t, uint64(1), hs.Epoch)

	out, err := c.Elect(ctx, hall, []Candidate{self, other})
	require.NoError(t, err)
	assert.Equal(t, other.UserID, out.Winner.UserID)
	assert.Equal(t, uint64(3), out.Epoch)

	saved, ok, err := st.Hosting(ctx, hall)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(3), saved.Epoch)
}
