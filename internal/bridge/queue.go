package bridge

import (
	"sync"

	"github.com/paseo-dev/paseo/pkg/protocol"
)

// queuedMessage pairs a message with its drop class. Essential messages
// (responses, permission prompts, attention events) are never dropped.
type queuedMessage struct {
	msg       *protocol.SessionMessage
	essential bool
}

// outboundQueue is the per-session ordered send queue. When the queue
// exceeds its high-water mark the oldest non-essential message is dropped
// first; essential messages only ever leave the queue by being sent.
type outboundQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	items     []queuedMessage
	highWater int
	closed    bool
	dropped   uint64
}

func newOutboundQueue(highWater int) *outboundQueue {
	q := &outboundQueue{highWater: highWater}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *outboundQueue) push(msg *protocol.SessionMessage, essential bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	q.items = append(q.items, queuedMessage{msg: msg, essential: essential})

	if len(q.items) > q.highWater {
		for i, it := range q.items {
			if !it.essential {
				q.items = append(q.items[:i], q.items[i+1:]...)
				q.dropped++
				break
			}
		}
	}
	q.cond.Signal()
}

// pop blocks until a message is available or the queue closes.
func (q *outboundQueue) pop() (*protocol.SessionMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item.msg, true
}

func (q *outboundQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

func (q *outboundQueue) droppedCount() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
