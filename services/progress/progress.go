// Package progress broadcasts probe-completion events to whatever outer
// shell wants to watch a run live: the CLI's summary line, the status
// server's websocket feed, or the TUI. Nothing in services/tester or
// services/fleet depends on this package; they only call the Observer hook
// a caller wires up, and this is one place that hook can point at.
package progress

import (
	"sync"
	"time"
)

// Event is one probe's outcome, shaped for direct JSON serialization to a
// websocket client as well as for a bubbletea Msg.
type Event struct {
	ModelID          string    `json:"model_id"`
	ModelPath        string    `json:"model_path"`
	Class            string    `json:"class"`
	Status           string    `json:"status"`
	TestedMaxContext *int      `json:"tested_max_context,omitempty"`
	Failed           bool      `json:"failed"`
	Timestamp        time.Time `json:"timestamp"`
}

// Handler receives one Event. A Handler must not block; a subscriber that
// needs to do slow work (write to a network socket, redraw a terminal)
// should hand the event off to its own buffered channel or goroutine.
type Handler func(Event)

// Emitter is a thread-safe fan-out point from one probing run to any number
// of subscribers, modeled on the subscription-map pattern the agent
// event emitter in the example pack uses, trimmed to what a live progress
// feed actually needs: no event types, no filters, no replay buffer.
type Emitter struct {
	mu     sync.RWMutex
	subs   map[int]Handler
	nextID int
}

// NewEmitter returns a ready-to-use Emitter with no subscribers.
func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[int]Handler)}
}

// Subscribe registers h and returns a function that removes it. Safe to
// call concurrently with Emit.
func (e *Emitter) Subscribe(h Handler) (unsubscribe func()) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = h
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

// Emit calls every current subscriber with ev, synchronously and in
// registration order. Called from whatever goroutine is driving the probe
// (the CLI's own goroutine, or one of the fleet scheduler's pass calls) —
// it never spawns one of its own.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	handlers := make([]Handler, 0, len(e.subs))
	for _, h := range e.subs {
		handlers = append(handlers, h)
	}
	e.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}
