package session

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/puyokura/hallmesh/config"
	"github.com/puyokura/hallmesh/election"
	"github.com/puyokura/hallmesh/model"
	"github.com/puyokura/hallmesh/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/crypto/bcrypt"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestScheduleLadder(t *testing.T) {
	s := NewSchedule()
	want := []time.Duration{
		time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second,
		30 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, s.NextBackOff(), "attempt %d", i+1)
	}
	assert.Equal(t, len(want), s.Attempt())
	s.Reset()
	assert.Equal(t, time.Second, s.NextBackOff())
}

func TestScanTargets(t *testing.T) {
	assert.Equal(t, []string{"10.0.0.2:7331", "10.0.0.2:7332", "10.0.0.2:7333"},
		scanTargets("10.0.0.2:7331", 3))
	assert.Equal(t, []string{"h:65535"}, scanTargets("h:65535", 5))
	assert.Nil(t, scanTargets("", 3))
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

type member struct {
	*Session
	settings *config.Config
	store    *store.Store
	cancel   context.CancelFunc
	done     chan error
	once     sync.Once
}

func startMember(t *testing.T, hallID uuid.UUID, role model.Role) *member {
	t.Helper()
	st := config.Default()
	st.UserID = uuid.NewString()
	st.Username = role.String()
	st.Role = role.String()
	st.ListenHost, st.AdvertiseHost = "127.0.0.1", "127.0.0.1"
	st.BasePort = freePort(t)
	st.PortAttempts = 3
	st.HeartbeatInterval = 50 * time.Millisecond
	st.MissedHeartbeats = 3
	st.AnnounceTimeout = 300 * time.Millisecond
	st.PingInterval = 50 * time.Millisecond
	st.PruneInterval = 50 * time.Millisecond

	db, err := store.Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return runMember(t, hallID, st, db)
}

// restart brings a stopped member back over the same settings and store.
func (m *member) restart(t *testing.T) *member {
	t.Helper()
	m.stop(t)
	return runMember(t, m.HallID(), m.settings, m.store)
}

func runMember(t *testing.T, hallID uuid.UUID, st *config.Config, db *store.Store) *member {
	t.Helper()
	userID, r := st.Self()
	coord := election.NewCoordinator(election.Config{
		Self:  election.Candidate{UserID: userID, Role: r},
		Store: db,
	})
	s, err := New(Config{
		HallID:      hallID,
		Settings:    st,
		Store:       db,
		Coordinator: coord,
		BcryptCost:  bcrypt.MinCost,
		NewBackOff: func() backoff.BackOff {
			return NewScheduleWith(20*time.Millisecond, 40*time.Millisecond)
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	m := &member{Session: s, settings: st, store: db, cancel: cancel, done: make(chan error, 1)}
	go func() { m.done <- s.Run(ctx) }()
	t.Cleanup(func() { m.stop(t) })
	return m
}

// stop ends the member abruptly, like a crash.
func (m *member) stop(t *testing.T) {
	t.Helper()
	m.once.Do(func() {
		m.cancel()
		select {
		case err := <-m.done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("session did not stop")
		}
	})
}

func waitFor(t *testing.T, m *member, typ model.EventType, match func(model.Event) bool) model.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-m.Events():
			require.True(t, ok, "session stopped while waiting for %s", typ)
			if ev.Type == typ && (match == nil || match(ev)) {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

func hostHall(t *testing.T, m *member) string {
	t.Helper()
	require.NoError(t, m.Host(context.Background()))
	waitFor(t, m, model.EventBecameHost, nil)
	invite := m.Status().Invite
	require.NotEmpty(t, invite)
	return invite
}

func join(t *testing.T, m *member, invite string) model.Event {
	t.Helper()
	require.NoError(t, m.ConnectInvite(context.Background(), invite))
	return waitFor(t, m, model.EventConnected, nil)
}

func withMembers(n int) func(model.Event) bool {
	return func(ev model.Event) bool { return len(ev.Members) == n }
}

func TestJoinChatAndAck(t *testing.T) {
	hallID := uuid.New()
	a := startMember(t, hallID, model.RoleModerator)
	b := startMember(t, hallID, model.RoleFellow)

	invite := hostHall(t, a)
	assert.True(t, a.Status().State.IsHost())

	ev := join(t, b, invite)
	assert.Equal(t, a.Self().UserID, ev.HostID)
	assert.Equal(t, uint64(1), ev.Epoch)
	waitFor(t, a, model.EventMembers, withMembers(2))

	msg, err := b.Send(context.Background(), "hello")
	require.NoError(t, err)
	assert.False(t, msg.Sequenced())

	acked := waitFor(t, b, model.EventMessageAcked, func(ev model.Event) bool { return ev.MessageID == msg.ID })
	assert.Equal(t, uint64(1), acked.Sequence)
	got := waitFor(t, a, model.EventMessage, nil)
	assert.Equal(t, "hello", got.Message.Content)
	assert.Equal(t, b.Self().UserID, got.Message.SenderID)

	d, err := b.Delivery(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryConfirmed, d)

	reply, err := a.Send(context.Background(), "welcome")
	require.NoError(t, err)
	got = waitFor(t, b, model.EventMessage, func(ev model.Event) bool { return ev.Message.ID == reply.ID })
	assert.Equal(t, uint64(2), got.Message.Seq())

	assert.Eventually(t, func() bool {
		return b.Status().Quality == model.QualityGood
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWrongTokenIsNotRetried(t *testing.T) {
	hallID := uuid.New()
	a := startMember(t, hallID, model.RoleModerator)
	b := startMember(t, hallID, model.RoleFellow)
	hostHall(t, a)

	require.NoError(t, b.Connect(context.Background(), a.Self().Advertise, "not-the-token"))
	waitFor(t, b, model.EventAuthRejected, nil)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, model.PhaseOffline, b.Status().State.Phase)
}

func TestDisconnectStopsRetrying(t *testing.T) {
	b := startMember(t, uuid.New(), model.RoleFellow)
	addr := net.JoinHostPort("127.0.0.1", "1")
	require.NoError(t, b.Connect(context.Background(), addr, "token"))
	waitFor(t, b, model.EventStateChanged, func(ev model.Event) bool {
		return ev.State.Phase == model.PhaseReconnecting
	})
	require.NoError(t, b.Disconnect(context.Background()))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, model.PhaseOffline, b.Status().State.Phase)
}

// A message written while offline is kept pending and delivered once the
// member joins a host.
func TestSendWhileOffline(t *testing.T) {
	ctx := context.Background()
	hallID := uuid.New()
	a := startMember(t, hallID, model.RoleModerator)
	b := startMember(t, hallID, model.RoleFellow)

	msg, err := b.Send(ctx, "anyone?")
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, msg.ID)
	pending, err := b.store.IsPending(ctx, msg.ID)
	require.NoError(t, err)
	assert.True(t, pending)
	d, err := b.Delivery(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryPending, d)

	invite := hostHall(t, a)
	join(t, b, invite)
	acked := waitFor(t, b, model.EventMessageAcked, func(ev model.Event) bool { return ev.MessageID == msg.ID })
	assert.Equal(t, uint64(1), acked.Sequence)

	d, err = b.Delivery(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryConfirmed, d)
	history, err := b.store.History(ctx, hallID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, msg.ID, history[0].ID)
	assert.Equal(t, uint64(1), history[0].Seq())
}

// The host crashes; the Agent takes over at the next epoch and the
// remaining member follows it without losing sequence continuity.
func TestFailoverToNextRole(t *testing.T) {
	hallID := uuid.New()
	a := startMember(t, hallID, model.RoleModerator)
	b := startMember(t, hallID, model.RoleAgent)
	c := startMember(t, hallID, model.RoleFellow)

	invite := hostHall(t, a)
	join(t, b, invite)
	join(t, c, invite)
	waitFor(t, b, model.EventMembers, withMembers(3))
	waitFor(t, c, model.EventMembers, withMembers(3))

	before, err := c.Send(context.Background(), "before")
	require.NoError(t, err)
	acked := waitFor(t, c, model.EventMessageAcked, func(ev model.Event) bool { return ev.MessageID == before.ID })
	assert.Equal(t, uint64(1), acked.Sequence)
	waitFor(t, b, model.EventMessage, func(ev model.Event) bool { return ev.Message.ID == before.ID })

	a.stop(t)

	became := waitFor(t, b, model.EventBecameHost, nil)
	assert.Equal(t, uint64(2), became.Epoch)
	connected := waitFor(t, c, model.EventConnected, func(ev model.Event) bool {
		return ev.HostID == b.Self().UserID
	})
	assert.Equal(t, uint64(2), connected.Epoch)

	after, err := c.Send(context.Background(), "after")
	require.NoError(t, err)
	acked = waitFor(t, c, model.EventMessageAcked, func(ev model.Event) bool { return ev.MessageID == after.ID })
	assert.Equal(t, uint64(2), acked.Sequence)

	hs, ok, err := c.store.Hosting(context.Background(), hallID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b.Self().UserID, hs.HostUserID)
	assert.Equal(t, uint64(2), hs.Epoch)
}

// A host that crashes and comes back while another member hosts in its
// place must not take the hall back on its own.
func TestRestartedHostResumesAsClient(t *testing.T) {
	ctx := context.Background()
	hallID := uuid.New()
	a := startMember(t, hallID, model.RoleModerator)
	b := startMember(t, hallID, model.RoleAgent)
	c := startMember(t, hallID, model.RoleFellow)

	invite := hostHall(t, a)
	join(t, b, invite)
	join(t, c, invite)
	waitFor(t, b, model.EventMembers, withMembers(3))
	waitFor(t, c, model.EventMembers, withMembers(3))

	a.stop(t)
	became := waitFor(t, b, model.EventBecameHost, nil)
	require.Equal(t, uint64(2), became.Epoch)

	a2 := a.restart(t)
	resumed, err := a2.AutoConnect(ctx)
	require.NoError(t, err)
	assert.True(t, resumed)

	assert.Never(t, func() bool {
		return a2.Status().State.IsHost()
	}, 500*time.Millisecond, 20*time.Millisecond)
	assert.NotEqual(t, model.PhaseOffline, a2.Status().State.Phase)

	hs, ok, err := c.store.Hosting(ctx, hallID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, b.Self().UserID, hs.HostUserID)
	assert.Equal(t, uint64(2), hs.Epoch)
}

func TestNoEligibleHostGoesOffline(t *testing.T) {
	hallID := uuid.New()
	a := startMember(t, hallID, model.RoleAgent)
	b := startMember(t, hallID, model.RoleFellow)
	join(t, b, hostHall(t, a))

	a.stop(t)

	waitFor(t, b, model.EventNoEligibleHost, nil)
	assert.Equal(t, model.PhaseOffline, b.Status().State.Phase)
}

func TestHostStepsDownForHigherRole(t *testing.T) {
	hallID := uuid.New()
	a := startMember(t, hallID, model.RoleAgent)
	b := startMember(t, hallID, model.RoleModerator)
	c := startMember(t, hallID, model.RoleFellow)
	invite := hostHall(t, a)
	join(t, c, invite)
	waitFor(t, c, model.EventMembers, withMembers(2))
	join(t, b, invite)

	stepped := waitFor(t, a, model.EventSteppedDown, nil)
	assert.Equal(t, b.Self().UserID, stepped.HostID)
	became := waitFor(t, b, model.EventBecameHost, nil)
	assert.Equal(t, uint64(2), became.Epoch)
	waitFor(t, a, model.EventConnected, func(ev model.Event) bool {
		return ev.HostID == b.Self().UserID
	})
	assert.Equal(t, model.ConnClient, a.Status().State.Role)

	// The remaining member goes straight to the host it was told about.
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			require.True(t, ok)
			require.NotEqual(t, model.EventElecting, ev.Type, "member ran its own election")
			if ev.Type == model.EventConnected && ev.HostID == b.Self().UserID {
				assert.Equal(t, uint64(2), ev.Epoch)
				return
			}
		case <-timeout:
			t.Fatal("member never followed the new host")
		}
	}
}
