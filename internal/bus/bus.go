package bus

import (
	"context"
	"sync"

	"github.com/stellarlinkco/chatsum/internal/log"
)

type OutboundHandler func(msg OutboundMessage)

type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu   sync.RWMutex
	subs map[string][]OutboundHandler
}

func NewMessageBus(bufSize int) *MessageBus {
	if bufSize <= 0 {
		bufSize = 1
	}
	return &MessageBus{
		Inbound:  make(chan InboundMessage, bufSize),
		Outbound: make(chan OutboundMessage, bufSize),
		subs:     make(map[string][]OutboundHandler),
	}
}

func (b *MessageBus) SubscribeOutbound(channel string, h OutboundHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[channel] = append(b.subs[channel], h)
}

// Publish enqueues msg for delivery, giving up when ctx is done.
func (b *MessageBus) Publish(ctx context.Context, msg OutboundMessage) bool {
	select {
	case b.Outbound <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// DispatchOutbound delivers outbound messages to channel subscribers until ctx
// is cancelled.
func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case msg := <-b.Outbound:
			b.mu.RLock()
			handlers := b.subs[msg.Channel]
			b.mu.RUnlock()
			if len(handlers) == 0 {
				log.Warnf("[bus] no subscriber for channel %q, dropping message to %s", msg.Channel, msg.ChatID)
				continue
			}
			for _, h := range handlers {
				h(msg)
			}
		case <-ctx.Done():
			return
		}
	}
}
