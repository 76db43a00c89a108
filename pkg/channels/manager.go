package channels

import (
	"context"
	"fmt"
	"sync"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/logger"
)

// Manager owns every registered channel adapter and the single goroutine that
// drains the bus's outbound queue, routing each message to the channel named
// in msg.Channel.
type Manager struct {
	channels map[string]Channel
	bus      *bus.MessageBus

	mu          sync.Mutex
	dispatching bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewManager constructs an empty Manager bound to bus.
func NewManager(messageBus *bus.MessageBus) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		bus:      messageBus,
	}
}

// RegisterChannel adds or replaces a channel under name.
func (m *Manager) RegisterChannel(name string, ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = ch
}

// UnregisterChannel removes a channel.
func (m *Manager) UnregisterChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, name)
}

// GetChannel returns the registered channel for name, if any.
func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// SendToChannel routes content directly to a registered channel, bypassing
// the bus. Used by tools and the agent loop for synchronous replies.
func (m *Manager) SendToChannel(ctx context.Context, channelName, chatID, content string) error {
	ch, ok := m.GetChannel(channelName)
	if !ok {
		return fmt.Errorf("channel %q not registered", channelName)
	}
	return ch.Send(ctx, bus.OutboundMessage{Channel: channelName, ChatID: chatID, Content: content})
}

// GetEnabledChannels lists the names of every registered channel.
func (m *Manager) GetEnabledChannels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}

// GetStatus reports per-channel running state. Every registered channel is
// "enabled" by definition (disabled channels are never registered).
func (m *Manager) GetStatus() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := make(map[string]interface{}, len(m.channels))
	for name, ch := range m.channels {
		status[name] = map[string]interface{}{
			"running": ch.IsRunning(),
			"enabled": true,
		}
	}
	return status
}

// StartAll starts every registered channel and the single outbound
// dispatcher goroutine. It is idempotent: a second call while already
// dispatching is a no-op and does not start the channels again.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	if m.dispatching {
		m.mu.Unlock()
		return nil
	}
	channelsSnapshot := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channelsSnapshot = append(channelsSnapshot, ch)
	}
	m.mu.Unlock()

	for _, ch := range channelsSnapshot {
		if err := ch.Start(ctx); err != nil {
			return fmt.Errorf("start channel %s: %w", ch.Name(), err)
		}
	}

	dispatchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	m.mu.Lock()
	m.dispatching = true
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go m.dispatchOutbound(dispatchCtx, done)

	return nil
}

func (m *Manager) dispatchOutbound(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}

		ch, found := m.GetChannel(msg.Channel)
		if !found {
			logger.WarnCF("channels", "dropping outbound message for unregistered channel",
				map[string]interface{}{"channel": msg.Channel})
			continue
		}

		if err := ch.Send(ctx, msg); err != nil {
			logger.ErrorCF("channels", "outbound send failed", map[string]interface{}{
				"channel": msg.Channel, "error": err.Error(),
			})
		}
	}
}

// StopAll stops the outbound dispatcher and every registered channel.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	channelsSnapshot := make([]Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channelsSnapshot = append(channelsSnapshot, ch)
	}
	cancel := m.cancel
	done := m.done
	wasDispatching := m.dispatching
	m.dispatching = false
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	if wasDispatching && cancel != nil {
		cancel()
		<-done
	}

	var firstErr error
	for _, ch := range channelsSnapshot {
		if err := ch.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop channel %s: %w", ch.Name(), err)
		}
	}
	return firstErr
}
