// Package bus fans task events out across scheduler nodes. Delivery is
// best-effort: a node that is down or slow simply misses events, which only
// affects live push, never task state.
package bus

import (
	"context"
	"errors"
)

// TopicTaskEvents carries model.TaskEvent payloads.
const TopicTaskEvents = "task-events"

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus closed")

// Handler receives one published payload.
type Handler func(payload []byte)

// Bus is a topic-based publish/subscribe transport.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe registers h for topic and returns a function that removes it.
	Subscribe(ctx context.Context, topic string, h Handler) (func(), error)
	Close() error
}
