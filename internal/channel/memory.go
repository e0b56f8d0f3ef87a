package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// HandlerFunc answers one message on a Memory channel. Returning an error
// simulates a transport failure; the reply is otherwise an encoded ack.
type HandlerFunc func(ctx context.Context, payload json.RawMessage) ([]byte, error)

// Memory is an in-process Channel. Handlers play the control plane.
type Memory struct {
	mu         sync.Mutex
	handlers   map[string]HandlerFunc
	connected  bool
	connectErr error
	connects   int
	calls      map[string]int

	events chan Event
}

// NewMemory creates a Memory channel with no handlers
func NewMemory() *Memory {
	return &Memory{
		handlers: make(map[string]HandlerFunc),
		calls:    make(map[string]int),
		events:   make(chan Event, 64),
	}
}

// NewLoopback creates a Memory channel that accepts every registration and
// keepalive. Useful for running a node without a control plane.
func NewLoopback() *Memory {
	m := NewMemory()
	m.Reply(EventEnable, nil, true)
	m.Reply(EventDisable, nil, true)
	m.Handle(EventKeepAlive, func(context.Context, json.RawMessage) ([]byte, error) {
		return EncodeAck(nil, time.Now())
	})
	return m
}

// Handle installs a handler for event
func (m *Memory) Handle(event string, h HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = h
}

// Reply installs a handler answering event with a fixed ack
func (m *Memory) Reply(event string, err error, value interface{}) {
	m.Handle(event, func(context.Context, json.RawMessage) ([]byte, error) {
		return EncodeAck(err, value)
	})
}

// ReplyRaw installs a handler answering event with a literal JSON reply
func (m *Memory) ReplyRaw(event, reply string) {
	m.Handle(event, func(context.Context, json.RawMessage) ([]byte, error) {
		return []byte(reply), nil
	})
}

// FailConnect makes subsequent Connect calls return err
func (m *Memory) FailConnect(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// Connect marks the channel connected
func (m *Memory) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return nil
	}
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	m.connects++
	m.push(Event{Type: EventConnect})
	return nil
}

// Emit dispatches to the installed handler
func (m *Memory) Emit(ctx context.Context, event string, payload interface{}) (*Ack, error) {
	m.mu.Lock()
	connected := m.connected
	h := m.handlers[event]
	m.calls[event]++
	m.mu.Unlock()

	if !connected {
		return nil, ErrNotConnected
	}
	if h == nil {
		return nil, fmt.Errorf("%s request failed: no responders", event)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", event, err)
	}

	type result struct {
		reply []byte
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := h(ctx, data)
		done <- result{reply, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("%s request failed: %w", event, r.err)
		}
		return DecodeAck(r.reply)
	case <-ctx.Done():
		return nil, fmt.Errorf("%s request failed: %w", event, ctx.Err())
	}
}

// Events returns the notification stream
func (m *Memory) Events() <-chan Event {
	return m.events
}

// Connected reports the simulated transport state
func (m *Memory) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Close marks the channel closed
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// Drop simulates an unplanned disconnect
func (m *Memory) Drop(reason error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.push(Event{Type: EventDisconnect, Err: reason})
}

// Restore simulates a successful transport reconnect
func (m *Memory) Restore(attempt int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	m.push(Event{Type: EventReconnect, Attempt: attempt})
}

// Inject delivers an arbitrary transport event
func (m *Memory) Inject(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.push(ev)
}

// Calls returns how many times event was emitted
func (m *Memory) Calls(event string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[event]
}

// Connects returns how many times the channel was opened
func (m *Memory) Connects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

func (m *Memory) push(ev Event) {
	select {
	case m.events <- ev:
	default:
	}
}
