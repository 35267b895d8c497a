// Package reconcile keeps a member's local history consistent with what the
// host sequenced: authored messages stay pending until acknowledged, and every
// copy that arrives later, by ack, relay or catch-up batch, lands exactly once.
package reconcile

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"github.com/puyokura/hallmesh/model"
)

// Store is the durable side of the reconciler.
type Store interface {
	InsertMessage(ctx context.Context, msg model.NetMessage) (bool, error)
	InsertPending(ctx context.Context, msg model.NetMessage) error
	AssignSequence(ctx context.Context, id uuid.UUID, seq, epoch uint64) (bool, error)
	ConfirmPending(ctx context.Context, id uuid.UUID) (bool, error)
	IsPending(ctx context.Context, id uuid.UUID) (bool, error)
	HasMessage(ctx context.Context, id uuid.UUID) (bool, error)
	SequenceOf(ctx context.Context, id uuid.UUID) (uint64, bool, error)
	HighestSequence(ctx context.Context, hallID uuid.UUID) (uint64, error)
	PendingMessages(ctx context.Context, hallID uuid.UUID) ([]model.NetMessage, error)
}

type Reconciler struct {
	store  Store
	hallID uuid.UUID
	logger *slog.Logger
}

func New(store Store, hallID uuid.UUID, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Reconciler{
		store:  store,
		hallID: hallID,
		logger: logger.With("component", "reconcile", "hall_id", hallID),
	}
}

// Applied describes what happened to one incoming message.
type Applied struct {
	Inserted  bool
	Confirmed bool
}

// Author stores a locally written message. The host's own messages are
// confirmed at once; everybody else's stay pending until acknowledged.
func (r *Reconciler) Author(ctx context.Context, msg model.NetMessage, isHost bool) (model.Delivery, error) {
	if isHost {
		if _, err := r.store.InsertMessage(ctx, msg); err != nil {
			return model.DeliveryUnknown, fmt.Errorf("store authored message: %w", err)
		}
		return model.DeliveryConfirmed, nil
	}
	if err := r.store.InsertPending(ctx, msg); err != nil {
		return model.DeliveryUnknown, fmt.Errorf("store pending message: %w", err)
	}
	return model.DeliveryPending, nil
}

// OnAck records the host's sequence for id and confirms it. It reports
// whether the message moved from pending to confirmed.
func (r *Reconciler) OnAck(ctx context.Context, ack model.MessageAck, epoch uint64) (bool, error) {
	if _, err := r.store.AssignSequence(ctx, ack.ID, ack.Sequence, epoch); err != nil {
		return false, err
	}
	confirmed, err := r.store.ConfirmPending(ctx, ack.ID)
	if err != nil {
		return false, err
	}
	if confirmed {
		r.logger.Debug("message confirmed", "message_id", ack.ID, "sequence", ack.Sequence)
	}
	return confirmed, nil
}

// OnChat applies a relayed message. A sequenced copy of a pending message
// confirms it.
func (r *Reconciler) OnChat(ctx context.Context, msg model.NetMessage) (Applied, error) {
	var res Applied
	inserted, err := r.store.InsertMessage(ctx, msg)
	if err != nil {
		return res, err
	}
	res.Inserted = inserted
	if msg.Sequenced() {
		res.Confirmed, err = r.store.ConfirmPending(ctx, msg.ID)
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// BatchResult summarizes an applied SyncBatch.
type BatchResult struct {
	Inserted  int
	Confirmed []uuid.UUID
}

// OnSyncBatch applies a catch-up batch. Messages already present are
// skipped; their sequences fill in where missing.
func (r *Reconciler) OnSyncBatch(ctx context.Context, batch model.SyncBatch) (BatchResult, error) {
	var out BatchResult
	for _, msg := range batch.Messages {
		if msg.HallID != r.hallID {
			continue
		}
		res, err := r.OnChat(ctx, msg)
		if err != nil {
			return out, fmt.Errorf("apply sync batch: %w", err)
		}
		if res.Inserted {
			out.Inserted++
		}
		if res.Confirmed {
			out.Confirmed = append(out.Confirmed, msg.ID)
		}
	}
	r.logger.Debug("sync batch applied",
		"messages", len(batch.Messages), "inserted", out.Inserted, "confirmed", len(out.Confirmed))
	return out, nil
}

// CheckStored confirms pending messages whose sequence is already durable,
// e.g. after a restart between the ack and the confirm.
func (r *Reconciler) CheckStored(ctx context.Context) ([]uuid.UUID, error) {
	pending, err := r.store.PendingMessages(ctx, r.hallID)
	if err != nil {
		return nil, err
	}
	var confirmed []uuid.UUID
	for _, msg := range pending {
		if _, ok, err := r.store.SequenceOf(ctx, msg.ID); err != nil {
			return confirmed, err
		} else if !ok {
			continue
		}
		ok, err := r.store.ConfirmPending(ctx, msg.ID)
		if err != nil {
			return confirmed, err
		}
		if ok {
			confirmed = append(confirmed, msg.ID)
		}
	}
	return confirmed, nil
}

// SyncRequest builds the catch-up request from the highest stored sequence.
func (r *Reconciler) SyncRequest(ctx context.Context) (model.SyncSince, error) {
	highest, err := r.store.HighestSequence(ctx, r.hallID)
	if err != nil {
		return model.SyncSince{}, err
	}
	return model.SyncSince{LastSequence: highest}, nil
}

// Resend returns the messages still waiting for an ack, oldest first.
func (r *Reconciler) Resend(ctx context.Context) ([]model.NetMessage, error) {
	return r.store.PendingMessages(ctx, r.hallID)
}

// Delivery reports the local state of a message.
func (r *Reconciler) Delivery(ctx context.Context, id uuid.UUID) (model.Delivery, error) {
	pending, err := r.store.IsPending(ctx, id)
	if err != nil {
		return model.DeliveryUnknown, err
	}
	if pending {
		return model.DeliveryPending, nil
	}
	ok, err := r.store.HasMessage(ctx, id)
	if err != nil || !ok {
		return model.DeliveryUnknown, err
	}
	return model.DeliveryConfirmed, nil
}
