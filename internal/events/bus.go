// Package events provides the publish/subscribe bus carrying live
// space updates from the aggregator to push consumers (the WebSocket
// handler, primarily). The bus is nil-safe: Publish on a nil *Bus is a
// no-op, so the aggregator needs no guard checks when running without
// a web layer (tests, one-off tools).
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	SourceAggregator = "aggregator"
	SourceScheduler  = "scheduler"
)

// Kind constants describe the type of event within a source.
const (
	// KindUserEntered signals a check-in. Data: user_id.
	KindUserEntered = "user_entered"
	// KindUserLeft signals a check-out. Data: user_id.
	KindUserLeft = "user_left"
	// KindMachineOn signals a machine powering on. Data: machine, user_id.
	KindMachineOn = "machine_on"
	// KindMachineOff signals a machine powering off. Data: machine.
	KindMachineOff = "machine_off"
	// KindSpaceOpen signals the space switch moving. Data: open.
	KindSpaceOpen = "space_open"
	// KindLights signals a light group switching. Data: room, on.
	KindLights = "lights"
	// KindNudgeSent signals a chore reminder went out. Data: nudge_key.
	KindNudgeSent = "nudge_sent"
)

// Event is a single update published by a component.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Subscribers receive events on
// buffered channels; slow subscribers miss events rather than blocking
// the aggregator.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel handed to subscribers
	// back to the stored bidirectional channel, so Unsubscribe can
	// accept the caller's view of it.
	recvToSend map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers without blocking; a full
// subscriber misses the event. Safe on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel receiving published events. Callers must
// Unsubscribe eventually.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Calling
// it twice is a no-op.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}
