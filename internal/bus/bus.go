package bus

import (
	"context"
	"log"
	"sync"
)

// MessageBus fans inbound messages from every channel into one queue for
// the agent driver, and outbound replies back out to whichever channel
// owns the destination chat. It is a process-wide singleton composed by
// the gateway, not something individual channels construct themselves.
type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string]func(OutboundMessage)
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize <= 0 {
		bufSize = 1
	}
	return &MessageBus{
		Inbound:     make(chan InboundMessage, bufSize),
		Outbound:    make(chan OutboundMessage, bufSize),
		subscribers: make(map[string]func(OutboundMessage)),
	}
}

// SubscribeOutbound registers the delivery function a channel uses for
// outbound messages addressed to it. Only one subscriber per channel
// name is kept; re-subscribing replaces the previous handler.
func (b *MessageBus) SubscribeOutbound(channel string, fn func(OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = fn
}

// DispatchOutbound drains Outbound until ctx is done, routing each
// message to its channel's subscriber. Unroutable messages are logged
// and dropped; a panicking subscriber is recovered so one bad channel
// cannot wedge delivery for the rest.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-b.Outbound:
			if !ok {
				return
			}
			b.deliver(msg)
		}
	}
}

func (b *MessageBus) deliver(msg OutboundMessage) {
	b.mu.RLock()
	fn, ok := b.subscribers[msg.Channel]
	b.mu.RUnlock()

	if !ok {
		log.Printf("[bus] no subscriber for outbound channel %q, dropping", msg.Channel)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("[bus] outbound subscriber for %q panicked: %v", msg.Channel, r)
		}
	}()
	fn(msg)
}
