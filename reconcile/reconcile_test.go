package reconcile

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/puyokura/hallmesh/model"
	"github.com/puyokura/hallmesh/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*Reconciler, *store.Store, uuid.UUID) {
	t.Helper()
	st, err := store.Open("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	hall := uuid.New()
	return New(st, hall, nil), st, hall
}

func TestAuthorPendingUntilAcked(t *testing.T) {
	ctx := context.Background()
	r, _, hall := setup(t)
	msg := model.NewChat(hall, uuid.New(), "me", "hi")

	d, err := r.Author(ctx, msg, false)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryPending, d)

	d, err = r.Delivery(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryPending, d)

	confirmed, err := r.OnAck(ctx, model.MessageAck{ID: msg.ID, Sequence: 7}, 1)
	require.NoError(t, err)
	assert.True(t, confirmed)

	d, err = r.Delivery(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryConfirmed, d)

	// A second ack changes nothing and never reverts.
	confirmed, err = r.OnAck(ctx, model.MessageAck{ID: msg.ID, Sequence: 9}, 2)
	require.NoError(t, err)
	assert.False(t, confirmed)
	d, _ = r.Delivery(ctx, msg.ID)
	assert.Equal(t, model.DeliveryConfirmed, d)
}

func TestHostAuthoredIsConfirmedImmediately(t *testing.T) {
	ctx := context.Background()
	r, _, hall := setup(t)
	msg := model.NewChat(hall, uuid.New(), "host", "hi")
	d, err := r.Author(ctx, msg, true)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryConfirmed, d)

	pending, err := r.Resend(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// The host dies before acking; after failover the message is resent and the
// new host's copy confirms it, leaving exactly one stored copy.
func TestResendAfterFailoverStoresOneCopy(t *testing.T) {
	ctx := context.Background()
	r, st, hall := setup(t)
	msg := model.NewChat(hall, uuid.New(), "me", "are you there")
	_, err := r.Author(ctx, msg, false)
	require.NoError(t, err)

	resend, err := r.Resend(ctx)
	require.NoError(t, err)
	require.Len(t, resend, 1)
	assert.Equal(t, msg.ID, resend[0].ID)

	// New host relays its sequenced copy, then the ack arrives as well.
	res, err := r.OnChat(ctx, msg.WithSequence(42, 2))
	require.NoError(t, err)
	assert.False(t, res.Inserted)
	assert.True(t, res.Confirmed)

	confirmed, err := r.OnAck(ctx, model.MessageAck{ID: msg.ID, Sequence: 42}, 2)
	require.NoError(t, err)
	assert.False(t, confirmed)

	n, err := st.CountMessages(ctx, hall)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	seq, ok, err := st.SequenceOf(ctx, msg.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(42), seq)
}

func TestSyncBatchIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r, st, hall := setup(t)
	var batch model.SyncBatch
	for i := uint64(1); i <= 3; i++ {
		batch.Messages = append(batch.Messages, model.NewChat(hall, uuid.New(), "x", "m").WithSequence(i, 1))
	}
	batch.Messages = append(batch.Messages, model.NewChat(uuid.New(), uuid.New(), "x", "other hall").WithSequence(9, 1))

	res, err := r.OnSyncBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)

	res, err = r.OnSyncBatch(ctx, batch)
	require.NoError(t, err)
	assert.Zero(t, res.Inserted)

	n, err := st.CountMessages(ctx, hall)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	req, err := r.SyncRequest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), req.LastSequence)
}

func TestSyncBatchConfirmsPending(t *testing.T) {
	ctx := context.Background()
	r, _, hall := setup(t)
	mine := model.NewChat(hall, uuid.New(), "me", "sent before crash")
	_, err := r.Author(ctx, mine, false)
	require.NoError(t, err)

	res, err := r.OnSyncBatch(ctx, model.SyncBatch{Messages: []model.NetMessage{mine.WithSequence(5, 1)}})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{mine.ID}, res.Confirmed)
}

func TestCheckStoredConfirmsAlreadySequenced(t *testing.T) {
	ctx := context.Background()
	r, st, hall := setup(t)
	a := model.NewChat(hall, uuid.New(), "me", "a")
	b := model.NewChat(hall, uuid.New(), "me", "b")
	for _, m := range []model.NetMessage{a, b} {
		_, err := r.Author(ctx, m, false)
		require.NoError(t, err)
	}
	// Sequence landed but the process stopped before confirming.
	_, err := st.AssignSequence(ctx, a.ID, 1, 1)
	require.NoError(t, err)

	confirmed, err := r.CheckStored(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a.ID}, confirmed)

	pending, err := r.Resend(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)
}

func TestDeliveryUnknownForMissing(t *testing.T) {
	r, _, _ := setup(t)
	d, err := r.Delivery(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryUnknown, d)
}
