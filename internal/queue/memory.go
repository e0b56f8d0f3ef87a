package queue

import (
	"context"
	"fmt"
	"sync"
)

// MemoryPublisher keeps published messages in per-subject buffered channels.
// Useful for tests and for running without a broker.
type MemoryPublisher struct {
	channels map[string]chan []byte
	mu       sync.Mutex
	closed   bool
}

// NewMemoryPublisher creates a new in-memory publisher
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{
		channels: make(map[string]chan []byte),
	}
}

// getOrCreateChannel returns existing channel or creates new one
func (q *MemoryPublisher) getOrCreateChannel(subject string) chan []byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	if ch, exists := q.channels[subject]; exists {
		return ch
	}

	ch := make(chan []byte, 1000)
	q.channels[subject] = ch
	return ch
}

// Publish buffers a copy of data
func (q *MemoryPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return fmt.Errorf("publisher closed")
	}

	ch := q.getOrCreateChannel(subject)

	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	select {
	case ch <- dataCopy:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("channel full for subject: %s", subject)
	}
}

// Messages returns the buffered channel for subject
func (q *MemoryPublisher) Messages(subject string) <-chan []byte {
	return q.getOrCreateChannel(subject)
}

// Close rejects further publishes
func (q *MemoryPublisher) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
