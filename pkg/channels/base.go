package channels

import (
	"context"
	"sync/atomic"

	"github.com/sipeed/picoclaw/pkg/bus"
)

// Channel is the capability every concrete channel adapter (Telegram,
// WhatsApp, DingTalk, ...) implements so the Manager can drive it uniformly.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

// BaseChannel holds the fields and behavior shared by every concrete channel:
// a name, an allowlist, the running flag, and inbound publication onto the
// shared bus. Concrete channels embed it and only implement their own
// transport-specific Start/Stop/Send.
type BaseChannel struct {
	name      string
	cfg       interface{}
	bus       *bus.MessageBus
	allowFrom map[string]bool
	running   atomic.Bool
}

// NewBaseChannel constructs a BaseChannel. An empty or nil allowFrom permits
// every sender; otherwise only senders present in the list are allowed.
func NewBaseChannel(name string, cfg interface{}, messageBus *bus.MessageBus, allowFrom []string) *BaseChannel {
	allowed := make(map[string]bool, len(allowFrom))
	for _, id := range allowFrom {
		allowed[id] = true
	}
	return &BaseChannel{
		name:      name,
		cfg:       cfg,
		bus:       messageBus,
		allowFrom: allowed,
	}
}

func (bc *BaseChannel) Name() string {
	return bc.name
}

// IsAllowed reports whether senderID may use this channel. An empty allowlist
// means every sender is permitted.
func (bc *BaseChannel) IsAllowed(senderID string) bool {
	if len(bc.allowFrom) == 0 {
		return true
	}
	return bc.allowFrom[senderID]
}

func (bc *BaseChannel) IsRunning() bool {
	return bc.running.Load()
}

func (bc *BaseChannel) setRunning(v bool) {
	bc.running.Store(v)
}

// HandleMessage publishes an inbound message onto the bus on behalf of a
// concrete channel's transport callback. Messages from senders not on the
// allowlist are silently dropped, matching the behavior of every concrete
// channel's receive path.
func (bc *BaseChannel) HandleMessage(senderID, chatID, content string, media []string, metadata map[string]string) {
	if !bc.IsAllowed(senderID) {
		return
	}

	bc.bus.PublishInbound(bus.InboundMessage{
		Channel:    bc.name,
		SenderID:   senderID,
		ChatID:     chatID,
		Content:    content,
		SessionKey: bc.name + ":" + chatID,
		Media:      media,
		Metadata:   metadata,
	})
}
