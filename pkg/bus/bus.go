package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sipeed/picoclaw/pkg/logger"
)

// defaultQueueCapacity bounds each FIFO queue so a stalled consumer cannot
// grow memory without limit; publishes to a full queue are dropped and
// counted rather than blocking the producer.
const defaultQueueCapacity = 100

// MessageBus is two bounded FIFO queues (inbound,
// outbound) plus a per-channel handler registry. The bus never calls the
// registered handlers; outbound traffic is delivered through SubscribeOutbound.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	handlersMu sync.RWMutex
	handlers   map[string]MessageHandler

	lifecycle sync.Once
	shutdown  chan struct{}
	stopped   atomic.Bool

	droppedInbound  atomic.Int64
	droppedOutbound atomic.Int64
}

// NewMessageBus builds a bus with the default queue capacity.
func NewMessageBus() *MessageBus {
	return NewMessageBusWithCapacity(defaultQueueCapacity)
}

// NewMessageBusWithCapacity builds a bus whose inbound/outbound queues each
// hold up to capacity messages before producers start hitting back-pressure.
func NewMessageBusWithCapacity(capacity int) *MessageBus {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, capacity),
		outbound: make(chan OutboundMessage, capacity),
		handlers: make(map[string]MessageHandler),
		shutdown: make(chan struct{}),
	}
}

// PublishInbound enqueues msg for consumption by the agent loop. When the
// queue is full the message is dropped rather than blocking the producing
// channel adapter; the drop is counted and logged so operators can see
// sustained back-pressure in Stats().
func (mb *MessageBus) PublishInbound(msg InboundMessage) {
	if mb.stopped.Load() {
		return
	}

	select {
	case mb.inbound <- msg:
	default:
		mb.droppedInbound.Add(1)
		logger.WarnCF("bus", "inbound queue full, dropping message", map[string]interface{}{
			"channel": msg.Channel,
			"chat_id": msg.ChatID,
		})
	}
}

// ConsumeInbound blocks until a message is available, the bus is closed, or
// ctx is cancelled, whichever happens first.
func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	if mb.stopped.Load() {
		return InboundMessage{}, false
	}

	select {
	case msg := <-mb.inbound:
		return msg, true
	case <-mb.shutdown:
		return InboundMessage{}, false
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues msg for delivery to its channel adapter through
// SubscribeOutbound. Handlers registered with RegisterHandler are not called
// here.
func (mb *MessageBus) PublishOutbound(msg OutboundMessage) {
	if mb.stopped.Load() {
		return
	}

	select {
	case mb.outbound <- msg:
	default:
		mb.droppedOutbound.Add(1)
		logger.WarnCF("bus", "outbound queue full, dropping message", map[string]interface{}{
			"channel": msg.Channel,
			"chat_id": msg.ChatID,
		})
	}
}

// SubscribeOutbound blocks until an outbound message is available, the bus
// is closed, or ctx is cancelled.
func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	if mb.stopped.Load() {
		return OutboundMessage{}, false
	}

	select {
	case msg := <-mb.outbound:
		return msg, true
	case <-mb.shutdown:
		return OutboundMessage{}, false
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// RegisterHandler stores a handler for a named channel (e.g. "telegram",
// "discord") so that GetHandler can return it. The bus itself never calls
// registered handlers; outbound messages reach adapters only through
// SubscribeOutbound.
func (mb *MessageBus) RegisterHandler(channel string, handler MessageHandler) {
	mb.handlersMu.Lock()
	defer mb.handlersMu.Unlock()
	mb.handlers[channel] = handler
}

// GetHandler returns the handler registered for channel, if any.
func (mb *MessageBus) GetHandler(channel string) (MessageHandler, bool) {
	mb.handlersMu.RLock()
	defer mb.handlersMu.RUnlock()
	handler, ok := mb.handlers[channel]
	return handler, ok
}

// Stats reports current queue depths and cumulative drop counts, so an
// operator or health endpoint can observe sustained back-pressure.
type Stats struct {
	InboundDepth     int
	OutboundDepth    int
	InboundDropped   int64
	OutboundDropped  int64
	InboundCapacity  int
	OutboundCapacity int
}

func (mb *MessageBus) Stats() Stats {
	return Stats{
		InboundDepth:     len(mb.inbound),
		OutboundDepth:    len(mb.outbound),
		InboundDropped:   mb.droppedInbound.Load(),
		OutboundDropped:  mb.droppedOutbound.Load(),
		InboundCapacity:  cap(mb.inbound),
		OutboundCapacity: cap(mb.outbound),
	}
}

// Close shuts the bus down: pending ConsumeInbound/SubscribeOutbound callers
// unblock and return ok=false, and further publishes are no-ops. Safe to
// call more than once.
func (mb *MessageBus) Close() {
	mb.lifecycle.Do(func() {
		mb.stopped.Store(true)
		close(mb.shutdown)
	})
}
