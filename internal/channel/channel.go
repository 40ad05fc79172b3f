package channel

import (
	"context"

	"github.com/xl370869-art/wecom/internal/bus"
)

// Channel is the contract every messaging integration implements so the
// ChannelManager can start, stop, and route outbound traffic to it
// uniformly.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(msg bus.OutboundMessage) error
}

// BaseChannel carries the behavior every channel shares: its name on
// the bus and an optional sender allow-list. Concrete channels embed
// it and implement Start/Stop/Send themselves.
type BaseChannel struct {
	name      string
	bus       *bus.MessageBus
	allowFrom map[string]struct{}
}

func NewBaseChannel(name string, b *bus.MessageBus, allowFrom []string) BaseChannel {
	bc := BaseChannel{name: name, bus: b}
	if len(allowFrom) > 0 {
		bc.allowFrom = make(map[string]struct{}, len(allowFrom))
		for _, id := range allowFrom {
			bc.allowFrom[id] = struct{}{}
		}
	}
	return bc
}

func (c *BaseChannel) Name() string {
	return c.name
}

// IsAllowed reports whether id may use this channel. An empty allow
// list means no restriction.
func (c *BaseChannel) IsAllowed(id string) bool {
	if len(c.allowFrom) == 0 {
		return true
	}
	_, ok := c.allowFrom[id]
	return ok
}
