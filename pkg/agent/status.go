package agent

import (
	"sync"
	"time"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/logger"
)

// statusKeepAliveMessage is what the user sees while a tool runs past the
// notify delay. Deliberately generic — it never names the tool, so a
// slow internal step doesn't leak implementation detail to the chat.
const statusKeepAliveMessage = "Still working on it..."

// statusNotifier pings a chat with a keep-alive message whenever tool
// execution runs past delay without the active tool changing. Each call to
// reset restarts the delay window against the new tool name; once started
// it keeps firing every delay until stop is called.
type statusNotifier struct {
	bus     *bus.MessageBus
	channel string
	chatID  string
	delay   time.Duration

	retarget chan string
	done     chan struct{}
	closeIt  sync.Once
}

// newStatusNotifier creates a notifier bound to a destination chat; nothing
// runs until start is called.
func newStatusNotifier(b *bus.MessageBus, channel, chatID string, delay time.Duration) *statusNotifier {
	return &statusNotifier{
		bus:      b,
		channel:  channel,
		chatID:   chatID,
		delay:    delay,
		retarget: make(chan string),
		done:     make(chan struct{}),
	}
}

// start launches the notify loop tracking toolName as the active tool.
func (sn *statusNotifier) start(toolName string) {
	go sn.run(toolName)
}

// reset restarts the delay window, recording toolName as the now-active
// tool. A no-op once stop has been called.
func (sn *statusNotifier) reset(toolName string) {
	select {
	case sn.retarget <- toolName:
	case <-sn.done:
	}
}

// stop terminates the notify loop. Safe to call more than once.
func (sn *statusNotifier) stop() {
	sn.closeIt.Do(func() {
		close(sn.done)
	})
}

// run owns the timer and the currently-tracked tool name; it is the only
// goroutine that touches either, so no locking is needed.
func (sn *statusNotifier) run(activeTool string) {
	timer := time.NewTimer(sn.delay)
	defer timer.Stop()

	for {
		select {
		case <-sn.done:
			return

		case activeTool = <-sn.retarget:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(sn.delay)

		case <-timer.C:
			sn.notify(activeTool)
			timer.Reset(sn.delay)
		}
	}
}

func (sn *statusNotifier) notify(activeTool string) {
	logger.DebugCF("agent", statusKeepAliveMessage, map[string]interface{}{
		"tool":    activeTool,
		"channel": sn.channel,
		"chat_id": sn.chatID,
	})
	sn.bus.PublishOutbound(bus.OutboundMessage{
		Channel: sn.channel,
		ChatID:  sn.chatID,
		Content: statusKeepAliveMessage,
	})
}
