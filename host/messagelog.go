package host

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/puyokura/hallmesh/model"
)

// DefaultLogCapacity is how many sequenced messages a host keeps for catch-up.
const DefaultLogCapacity = 500

// MessageLog is the host's bounded buffer of sequenced messages. Sequences
// are handed out from next and never reused. It is owned by the server
// goroutine and is not safe for concurrent use.
type MessageLog struct {
	capacity int
	next     uint64
	entries  []model.NetMessage
	byID     map[uuid.UUID]uint64
}

// NewMessageLog starts numbering at next, normally the highest durable
// sequence plus one so that numbering continues across a host change.
func NewMessageLog(capacity int, next uint64) *MessageLog {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	if next == 0 {
		next = 1
	}
	return &MessageLog{
		capacity: capacity,
		next:     next,
		entries:  make([]model.NetMessage, 0, capacity),
		byID:     make(map[uuid.UUID]uint64, capacity),
	}
}

// Append assigns the next sequence to msg and stores it, evicting the oldest
// entry when full.
func (l *MessageLog) Append(msg model.NetMessage, epoch uint64) model.NetMessage {
	msg = msg.WithSequence(l.next, epoch)
	l.next++
	l.push(msg)
	return msg
}

func (l *MessageLog) push(msg model.NetMessage) {
	if len(l.entries) == l.capacity {
		delete(l.byID, l.entries[0].ID)
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:len(l.entries)-1]
	}
	l.entries = append(l.entries, msg)
	l.byID[msg.ID] = msg.Seq()
}

// Clone returns an independent copy of the log.
func (l *MessageLog) Clone() *MessageLog {
	c := &MessageLog{
		capacity: l.capacity,
		next:     l.next,
		entries:  make([]model.NetMessage, len(l.entries), l.capacity),
		byID:     make(map[uuid.UUID]uint64, len(l.byID)),
	}
	copy(c.entries, l.entries)
	for id, seq := range l.byID {
		c.byID[id] = seq
	}
	return c
}

// Lookup returns the sequence of a buffered message.
func (l *MessageLog) Lookup(id uuid.UUID) (uint64, bool) {
	seq, ok := l.byID[id]
	return seq, ok
}

// Restore loads already sequenced messages, e.g. recent durable history
// when a member takes over hosting. Messages must be in ascending order.
func (l *MessageLog) Restore(msgs []model.NetMessage) {
	for _, m := range msgs {
		if !m.Sequenced() {
			continue
		}
		if len(l.entries) > 0 && m.Seq() <= l.entries[len(l.entries)-1].Seq() {
			continue
		}
		l.push(m)
		if m.Seq() >= l.next {
			l.next = m.Seq() + 1
		}
	}
}

// Since returns buffered messages with sequence greater than last, in order.
// When last+1 predates the buffer the buffered messages are still returned
// together with model.ErrSyncOutOfRange.
func (l *MessageLog) Since(last uint64) ([]model.NetMessage, error) {
	if len(l.entries) == 0 {
		return nil, nil
	}
	oldest := l.entries[0].Seq()
	if last+1 < oldest {
		out := make([]model.NetMessage, len(l.entries))
		copy(out, l.entries)
		return out, fmt.Errorf("%w: requested %d, oldest buffered %d", model.ErrSyncOutOfRange, last+1, oldest)
	}
	start := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].Seq() > last })
	if start >= len(l.entries) {
		return nil, nil
	}
	out := make([]model.NetMessage, len(l.entries)-start)
	copy(out, l.entries[start:])
	return out, nil
}

// Oldest is the lowest buffered sequence, or zero when empty.
func (l *MessageLog) Oldest() uint64 {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[0].Seq()
}

func (l *MessageLog) Len() int { return len(l.entries) }

// Next is the sequence the next Append will assign.
func (l *MessageLog) Next() uint64 { return l.next }
