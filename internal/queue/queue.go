// Package queue defines the Queue Client contract (spec §4, component A):
// dequeue/ack/nack/heartbeat on a per-environment logical queue. The
// concrete Redis-backed adapter lives in redis_queue.go.
package queue

import (
	"context"
	"time"

	"github.com/minyoung/trigger.dev/internal/model"
)

// Client is consumed as an external collaborator; the dispatcher never
// constructs queue rows or wire payloads itself, only opaque messages.
type Client interface {
	// Dequeue returns the next visible message for queueKey, or nil if none
	// is currently available.
	Dequeue(ctx context.Context, queueKey string) (*model.QueueMessage, error)

	// Ack removes a message permanently; it will not be redelivered.
	Ack(ctx context.Context, queueKey string, messageID string) error

	// Nack returns a message to visibility. If visibleAt is the zero Time,
	// the message becomes visible immediately (no explicit delay); otherwise
	// it stays hidden until visibleAt.
	Nack(ctx context.Context, queueKey string, messageID string, visibleAt time.Time) error

	// Heartbeat sets a message's visibility deadline to extendSeconds from
	// now. A message that is no longer in the queue (already acked) is a
	// no-op, not an error.
	Heartbeat(ctx context.Context, queueKey string, messageID string, extendSeconds int) error
}
