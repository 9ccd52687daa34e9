package channel

import (
	"context"

	"github.com/stellarlinkco/chatsum/internal/bus"
)

// Channel is a chat transport. It pushes inbound messages onto the bus and
// delivers outbound ones.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage) error
}

type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom map[string]bool
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) BaseChannel {
	allowed := make(map[string]bool, len(allowFrom))
	for _, id := range allowFrom {
		if id != "" {
			allowed[id] = true
		}
	}
	return BaseChannel{name: name, bus: b, allowFrom: allowed}
}

func (c *BaseChannel) Name() string { return c.name }

// IsAllowed reports whether any of ids is on the allow list. An empty list
// allows everyone.
func (c *BaseChannel) IsAllowed(ids ...string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	for _, id := range ids {
		if c.allowFrom[id] {
			return true
		}
	}
	return false
}
