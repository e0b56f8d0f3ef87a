// Package queue fans usage reports out to an external message system.
package queue

import "context"

// Publisher publishes messages to a queue
type Publisher interface {
	// Publish publishes a message to a subject/topic
	Publish(ctx context.Context, subject string, data []byte) error

	// Close closes the connection
	Close() error
}

// Type names a Publisher backend
type Type string

const (
	TypeNone   Type = "none"
	TypeNATS   Type = "nats"
	TypeRedis  Type = "redis"
	TypeKafka  Type = "kafka"
	TypeMemory Type = "memory"
)

// UsageSubject returns the subject usage reports for a cluster go to
func UsageSubject(clusterID string) string {
	return "edgenode.usage." + clusterID
}

// nopPublisher drops every message
type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, []byte) error { return nil }
func (nopPublisher) Close() error                                  { return nil }

// Nop returns a Publisher that drops every message
func Nop() Publisher {
	return nopPublisher{}
}
