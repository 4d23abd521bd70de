// Package room implements the Room Fabric (§4.4): named pub/sub rooms with
// per-room FIFO publish order, bounded per-subscriber outbound queues, and
// lazy creation/reclamation. Rooms never block a publisher on a slow
// subscriber — a full queue drops the oldest non-critical message, and two
// drops inside the slow-consumer window close the subscriber instead.
package room

import (
	"log/slog"
	"sync"
	"time"
)

// Message is one published item. Critical messages are never dropped (§4.4
// "test:result and race:completed are never dropped").
type Message struct {
	Event    string
	Payload  interface{}
	Critical bool
}

// Subscriber receives published messages through a bounded channel. Callers
// own draining C(); the onClose callback given to NewSubscriber is invoked
// by the room when the subscriber is evicted as a slow consumer.
type Subscriber struct {
	ID    string
	send  chan Message
	close func(reason string)

	mu         sync.Mutex
	drops      []time.Time
	bytesInUse int
}

// NewSubscriber builds a Subscriber with a bounded outbound queue.
func NewSubscriber(id string, queueSize int, onClose func(reason string)) *Subscriber {
	return &Subscriber{
		ID:    id,
		send:  make(chan Message, queueSize),
		close: onClose,
	}
}

// C exposes the receive side of the subscriber's queue.
func (s *Subscriber) C() <-chan Message {
	return s.send
}

// Room is a named pub/sub channel. Publish order is FIFO per room: Publish
// holds the room lock only long enough to snapshot subscribers, then
// delivers outside the lock so a blocked subscriber can't stall other
// publishers (mirrors the collect-under-lock-then-release pattern used
// elsewhere in this codebase for broadcast fan-out).
type Room struct {
	Name string

	mu          sync.RWMutex
	subscribers map[string]*Subscriber

	maxMsgs      int
	slowWindow   time.Duration
	lastNonEmpty time.Time
}

// New builds an empty room.
func New(name string, maxMsgs int, slowWindow time.Duration) *Room {
	return &Room{
		Name:         name,
		subscribers:  make(map[string]*Subscriber),
		maxMsgs:      maxMsgs,
		slowWindow:   slowWindow,
		lastNonEmpty: time.Now(),
	}
}

// Subscribe adds a subscriber to the room.
func (r *Room) Subscribe(sub *Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers[sub.ID] = sub
	r.lastNonEmpty = time.Now()
}

// Unsubscribe removes a subscriber from the room.
func (r *Room) Unsubscribe(subID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscribers, subID)
}

// Len reports the current subscriber count.
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

// EmptySince returns how long the room has had zero subscribers; used by
// the owning fabric to decide when a room is eligible for reclamation.
func (r *Room) EmptySince() (time.Duration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.subscribers) > 0 {
		return 0, false
	}
	return time.Since(r.lastNonEmpty), true
}

// Publish delivers msg to every current subscriber, in the order Publish is
// called (FIFO per room). Delivery is best-effort: a subscriber with a full
// queue has its oldest pending non-critical message evicted to make room,
// unless msg itself is critical and the queue holds no non-critical entry to
// evict, in which case the subscriber is closed as a slow consumer.
func (r *Room) Publish(msg Message) {
	r.mu.RLock()
	subs := make([]*Subscriber, 0, len(r.subscribers))
	for _, s := range r.subscribers {
		subs = append(subs, s)
	}
	r.mu.RUnlock()

	for _, sub := range subs {
		r.deliver(sub, msg)
	}
}

func (r *Room) deliver(sub *Subscriber, msg Message) {
	select {
	case sub.send <- msg:
		return
	default:
	}

	// Queue full. Try to make room by dropping one pending non-critical
	// message, which counts as a slow-consumer strike; if none can be
	// dropped, a non-critical msg is discarded.
	r.recordDropAndMaybeEvict(sub)

	select {
	case sub.send <- msg:
	default:
		if msg.Critical {
			// Critical messages are never dropped to make room; with no
			// non-critical entry left to evict, the subscriber is closed as
			// a slow consumer instead.
			slog.Warn("room: closing slow consumer with no room for critical message", "room", r.Name, "subscriber", sub.ID, "event", msg.Event)
			if sub.close != nil {
				sub.close("SLOW_CONSUMER")
			}
		}
	}
}

// dropOldestNonCritical removes the oldest droppable message from the
// subscriber's queue and puts every other queued message back in its
// original order, so critical messages are never the one evicted (§4.4/§5
// "critical messages are never dropped") and FIFO order is kept. Reports
// whether a message was actually dropped.
func dropOldestNonCritical(sub *Subscriber) bool {
	var pending []Message
	dropped := false

loop:
	for {
		select {
		case m := <-sub.send:
			if !dropped && !m.Critical {
				dropped = true
				continue loop
			}
			pending = append(pending, m)
		default:
			break loop
		}
	}

	for _, m := range pending {
		select {
		case sub.send <- m:
		default:
			slog.Error("room: dropping queued message to avoid subscriber overflow", "subscriber", sub.ID, "event", m.Event)
		}
	}

	return dropped
}

// recordDropAndMaybeEvict drops the oldest droppable (non-critical) queued
// message, if any, to make room, and closes the subscriber as a slow
// consumer if this is its second drop within the configured window (§4.4
// "SLOW_CONSUMER after two drops in 10s").
func (r *Room) recordDropAndMaybeEvict(sub *Subscriber) {
	if !dropOldestNonCritical(sub) {
		return
	}

	sub.mu.Lock()
	now := time.Now()
	cutoff := now.Add(-r.slowWindow)
	recent := sub.drops[:0]
	for _, t := range sub.drops {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	recent = append(recent, now)
	sub.drops = recent
	strikes := len(sub.drops)
	sub.mu.Unlock()

	if strikes >= 2 {
		slog.Warn("room: closing slow consumer", "room", r.Name, "subscriber", sub.ID, "strikes", strikes)
		if sub.close != nil {
			sub.close("SLOW_CONSUMER")
		}
	}
}
