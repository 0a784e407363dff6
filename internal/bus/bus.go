// Package bus defines pub/sub interfaces for instantiation lifecycle events.
package bus

import (
	"context"
	"time"

	"github.com/tilegate/tilegate/errs"
	"github.com/tilegate/tilegate/internal/windshaft"
)

// EventType names an instantiation lifecycle event.
type EventType string

const (
	// EventInstanceCreated fires after a successful instantiation is published.
	EventInstanceCreated EventType = "instance.created"
	// EventInstanceFailed fires after a failed or rejected instantiation.
	EventInstanceFailed EventType = "instance.failed"
)

// Event carries one lifecycle notification to subscribers.
type Event struct {
	Type         EventType
	SourceID     string
	LayerGroupID string
	Response     *windshaft.Response
	Errors       []*errs.E
	At           time.Time
}

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Bus delivers instantiation events to interested subscribers.
type Bus interface {
	Publish(ctx context.Context, evt *Event) error
	Subscribe(ctx context.Context, typ EventType) (SubscriptionID, <-chan *Event, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	BufferSize    int
	FanoutWorkers int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 16
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}
