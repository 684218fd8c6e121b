/*
Package eventstream fans events out to server-sent-event listeners.

PURPOSE:
  In-process pub/sub feeding the live transaction feed. Publishers never
  block: each listener owns a bounded queue, and a listener that cannot
  keep up loses events instead of stalling the ledger. Lost events are
  recovered through the catch-up handshake on reconnect, so dropping here
  is safe.

CHANNELS:
  Listeners subscribe to a named channel. Publishing to a channel with no
  listeners is a no-op.
*/
package eventstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// DefaultQueueSize bounds each listener's pending events.
const DefaultQueueSize = 64

// Event is a single server-sent event.
type Event struct {
	Name string
	ID   string
	Data []byte
}

// NewEvent builds an event with a JSON-encoded payload. A nil payload
// encodes as "null".
func NewEvent(name, id string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to encode event payload: %w", err)
	}
	return Event{Name: name, ID: id, Data: data}, nil
}

// String renders the event in SSE wire format, including the trailing
// blank line that terminates it.
func (e Event) String() string {
	var b bytes.Buffer
	if e.Name != "" {
		fmt.Fprintf(&b, "event: %s\n", e.Name)
	}
	if e.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", e.ID)
	}
	for _, line := range bytes.Split(e.Data, []byte("\n")) {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteByte('\n')
	return b.String()
}

// Listener receives events for one subscription.
type Listener struct {
	registry *Registry
	channel  string
	queue    chan Event
}

// C exposes the listener's queue for use in a caller's select.
func (l *Listener) C() <-chan Event { return l.queue }

// Next blocks until an event arrives or ctx is done.
func (l *Listener) Next(ctx context.Context) (Event, error) {
	select {
	case ev := <-l.queue:
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Close removes the listener from its channel. Safe to call once.
func (l *Listener) Close() {
	l.registry.unsubscribe(l)
}

// Registry tracks listeners per channel.
type Registry struct {
	mu        sync.Mutex
	channels  map[string]map[*Listener]struct{}
	queueSize int
}

// NewRegistry creates a registry. A non-positive queueSize means
// DefaultQueueSize.
func NewRegistry(queueSize int) *Registry {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Registry{
		channels:  make(map[string]map[*Listener]struct{}),
		queueSize: queueSize,
	}
}

// Subscribe registers a new listener on the channel.
func (r *Registry) Subscribe(channel string) *Listener {
	l := &Listener{
		registry: r,
		channel:  channel,
		queue:    make(chan Event, r.queueSize),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channels[channel] == nil {
		r.channels[channel] = make(map[*Listener]struct{})
	}
	r.channels[channel][l] = struct{}{}
	return l
}

func (r *Registry) unsubscribe(l *Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if listeners := r.channels[l.channel]; listeners != nil {
		delete(listeners, l)
		if len(listeners) == 0 {
			delete(r.channels, l.channel)
		}
	}
}

// Broadcast delivers the event to every listener on the channel. A full
// listener queue drops the event for that listener only.
func (r *Registry) Broadcast(channel string, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for l := range r.channels[channel] {
		select {
		case l.queue <- ev:
		default:
		}
	}
}

// Publish implements the ledger's event publisher contract: the payload
// is JSON-encoded and broadcast on the channel. Encoding failures drop
// the event, the payloads are our own types and always encode.
func (r *Registry) Publish(channel, event string, payload any, id string) {
	ev, err := NewEvent(event, id, payload)
	if err != nil {
		return
	}
	r.Broadcast(channel, ev)
}

// ListenerCount reports how many listeners a channel has.
func (r *Registry) ListenerCount(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels[channel])
}
