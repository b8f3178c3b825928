package bridge

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/paseo-dev/paseo/internal/events/bus"
	"github.com/paseo-dev/paseo/pkg/protocol"
)

// subscription is one client-named event route.
type subscription struct {
	id     string
	kind   string // agent_updates | agent_stream | checkout_diff
	cancel func()
}

// addSubscription registers a subscription under the client's id. A second
// subscribe with the same id replaces the first.
func (s *Session) addSubscription(id, kind string, cancel func()) {
	s.mu.Lock()
	old := s.subs[id]
	s.subs[id] = &subscription{id: id, kind: kind, cancel: cancel}
	s.mu.Unlock()
	if old != nil {
		old.cancel()
	}
}

// removeSubscription tears down a subscription. Idempotent.
func (s *Session) removeSubscription(id string) {
	s.mu.Lock()
	sub := s.subs[id]
	delete(s.subs, id)
	s.mu.Unlock()
	if sub != nil {
		sub.cancel()
	}
}

// subscribeAgentUpdates routes agent directory changes to the client and
// sends the current directory immediately.
func (s *Session) subscribeAgentUpdates(subID string) error {
	busSub, err := s.bridge.bus.Subscribe(bus.SubjectAgentUpdated, func(ctx context.Context, ev *bus.Event) error {
		var update protocol.AgentUpdatesEvent
		if err := ev.DecodeData(&update); err != nil {
			return err
		}
		msg, err := protocol.NewEvent(protocol.TypeAgentUpdates, subID, update)
		if err != nil {
			return err
		}
		s.enqueueEvent(msg, false)
		return nil
	})
	if err != nil {
		return err
	}

	s.addSubscription(subID, "agent_updates", func() { _ = busSub.Unsubscribe() })

	snapshot := protocol.AgentUpdatesEvent{Agents: s.bridge.manager.ListAgents(false)}
	msg, err := protocol.NewEvent(protocol.TypeAgentUpdates, subID, snapshot)
	if err != nil {
		return err
	}
	s.enqueueEvent(msg, false)
	return nil
}

// subscribeAgentStream routes an agent's live timeline to the client,
// resuming from the supplied cursor when one is given.
func (s *Session) subscribeAgentStream(subID, agentID string, from protocol.Cursor) error {
	// Verify up front so a bad agent id fails the subscribe request.
	if _, err := s.bridge.engine.Epoch(agentID); err != nil {
		return err
	}

	stop := make(chan struct{})
	var stopOnce sync.Once

	// Permission prompts and lifecycle transitions arrive on the bus; the
	// entry stream comes from the timeline engine below.
	busSub, err := s.bridge.bus.Subscribe(bus.SubjectAgentStream+agentID, func(ctx context.Context, ev *bus.Event) error {
		var stream protocol.AgentStreamEvent
		if err := ev.DecodeData(&stream); err != nil {
			return err
		}
		msg, err := protocol.NewEvent(protocol.TypeAgentStream, subID, stream)
		if err != nil {
			return err
		}
		s.enqueueEvent(msg, stream.Permission != nil)
		return nil
	})
	if err != nil {
		return err
	}

	s.addSubscription(subID, "agent_stream", func() {
		stopOnce.Do(func() { close(stop) })
		_ = busSub.Unsubscribe()
	})

	go s.pumpAgentStream(subID, agentID, from, stop)
	return nil
}

// pumpAgentStream forwards timeline events until the subscription or the
// session ends. A dropped engine subscription (backpressure) transparently
// resubscribes from the last delivered cursor.
func (s *Session) pumpAgentStream(subID, agentID string, cursor protocol.Cursor, stop chan struct{}) {
	for {
		tsub, err := s.bridge.engine.Subscribe(agentID, cursor)
		if err != nil {
			s.logger.Debug("agent stream ended",
				zap.String("agent_id", agentID), zap.Error(err))
			return
		}

		alive := true
		for alive {
			select {
			case <-stop:
				tsub.Unsubscribe()
				return
			case <-s.done:
				tsub.Unsubscribe()
				return
			case ev, ok := <-tsub.Events():
				if !ok {
					alive = false // engine dropped us; resubscribe
					break
				}
				payload := protocol.AgentStreamEvent{AgentID: agentID}
				if ev.Reset != nil {
					payload.Reset = ev.Reset
					cursor = protocol.Cursor{Epoch: ev.Reset.Epoch}
					if n := len(ev.Reset.Entries); n > 0 {
						cursor = ev.Reset.Entries[n-1].Cursor()
					}
				}
				if ev.Entry != nil {
					payload.Entry = ev.Entry
					cursor = ev.Entry.Cursor()
				}
				msg, err := protocol.NewEvent(protocol.TypeAgentStream, subID, payload)
				if err != nil {
					continue
				}
				s.enqueueEvent(msg, false)
			}
		}
	}
}

// subscribeCheckoutDiff routes working-directory diff updates to the client.
func (s *Session) subscribeCheckoutDiff(subID, cwd string) error {
	cancel, err := s.bridge.checkouts.Subscribe(cwd, func(update protocol.CheckoutDiffUpdate) {
		msg, err := protocol.NewEvent(protocol.TypeCheckoutDiffUpdate, subID, update)
		if err != nil {
			return
		}
		s.enqueueEvent(msg, false)
	})
	if err != nil {
		return err
	}
	s.addSubscription(subID, "checkout_diff", cancel)
	return nil
}
