package timeline

import (
	"sync"

	"github.com/paseo-dev/paseo/pkg/protocol"
)

// subscriptionBuffer bounds the per-subscriber channel. A subscriber that
// cannot drain this many events is dropped and must resubscribe.
const subscriptionBuffer = 256

// StreamEvent is one delivery on a timeline subscription. Exactly one field
// is populated.
type StreamEvent struct {
	Entry *protocol.Entry
	Reset *protocol.ResetSentinel
}

// Subscription is a live feed of one agent's timeline. Events arrive in
// append order. The channel closes when the subscription is dropped: after
// Unsubscribe, after agent removal, or when the subscriber fell too far
// behind. A dropped subscriber resubscribes from its last delivered cursor.
type Subscription struct {
	agentID string
	ch      chan StreamEvent

	mu     sync.Mutex
	closed bool

	cancel func(*Subscription)
}

// Events returns the delivery channel.
func (s *Subscription) Events() <-chan StreamEvent {
	return s.ch
}

// Unsubscribe detaches the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	if s.cancel != nil {
		s.cancel(s)
	}
	s.drop()
}

// push delivers an event without blocking. Returns false when the buffer is
// full or the subscription is closed.
func (s *Subscription) push(ev StreamEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscription) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Subscribe attaches a live subscription to an agent's timeline.
//
// A zero cursor, or a cursor from a previous epoch, is stale: the first
// delivery is a reset sentinel carrying the current epoch's tail snapshot,
// then live entries follow. A current-epoch cursor replays the retained
// entries after it before going live; if those entries were pruned from
// memory, the subscriber gets a reset sentinel instead.
func (e *Engine) Subscribe(agentID string, from protocol.Cursor) (*Subscription, error) {
	al, err := e.get(agentID)
	if err != nil {
		return nil, err
	}

	al.mu.Lock()
	defer al.mu.Unlock()

	if al.corrupt {
		return nil, al.corruptErr
	}

	sub := &Subscription{
		agentID: agentID,
		ch:      make(chan StreamEvent, subscriptionBuffer),
		cancel: func(s *Subscription) {
			al.mu.Lock()
			delete(al.subscribers, s)
			al.mu.Unlock()
		},
	}

	switch {
	case from.IsZero() || from.Epoch != al.epoch:
		tail := al.tail(tailSnapshotLimit)
		snapshot := make([]protocol.Entry, len(tail))
		copy(snapshot, tail)
		sub.push(StreamEvent{Reset: &protocol.ResetSentinel{Epoch: al.epoch, Entries: snapshot}})

	case from.Seq+1 < al.prunedBelow:
		// Replay window pruned; snapshot instead.
		tail := al.tail(tailSnapshotLimit)
		snapshot := make([]protocol.Entry, len(tail))
		copy(snapshot, tail)
		sub.push(StreamEvent{Reset: &protocol.ResetSentinel{Epoch: al.epoch, Entries: snapshot}})

	default:
		for i := range al.entries {
			if al.entries[i].Seq > from.Seq {
				entry := al.entries[i]
				sub.push(StreamEvent{Entry: &entry})
			}
		}
	}

	al.subscribers[sub] = struct{}{}
	return sub, nil
}

// SubscriberCount reports the number of live subscriptions on an agent.
func (e *Engine) SubscriberCount(agentID string) (int, error) {
	al, err := e.get(agentID)
	if err != nil {
		return 0, err
	}
	al.mu.RLock()
	defer al.mu.RUnlock()
	return len(al.subscribers), nil
}
