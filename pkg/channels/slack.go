package channels

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/utils"
)

// SlackChannel bridges a Socket Mode connection to the shared bus. Socket
// Mode (rather than an HTTP Events API endpoint) keeps this adapter
// dependency-free of an inbound webhook server, matching the other
// channels' self-contained connect/listen/send shape.
type SlackChannel struct {
	*BaseChannel
	config    config.SlackConfig
	api       *slack.Client
	socket    *socketmode.Client
	botUserID string
	cancel    context.CancelFunc
}

func NewSlackChannel(cfg config.SlackConfig, messageBus *bus.MessageBus) (*SlackChannel, error) {
	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	socket := socketmode.New(api)

	base := NewBaseChannel("slack", cfg, messageBus, cfg.AllowFrom)

	return &SlackChannel{
		BaseChannel: base,
		config:      cfg,
		api:         api,
		socket:      socket,
	}, nil
}

func (c *SlackChannel) Start(ctx context.Context) error {
	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	c.botUserID = auth.UserID

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	go c.handleEvents(runCtx)
	go func() {
		if err := c.socket.Run(); err != nil && runCtx.Err() == nil {
			logger.ErrorCF("slack", "socket mode run loop exited", map[string]interface{}{"error": err.Error()})
		}
	}()

	c.setRunning(true)
	logger.InfoCF("slack", "Slack channel connected", map[string]interface{}{"bot_user_id": auth.UserID})
	return nil
}

func (c *SlackChannel) Stop(ctx context.Context) error {
	logger.InfoC("slack", "Stopping Slack channel...")
	c.setRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *SlackChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("slack channel not running")
	}
	options := []slack.MsgOption{slack.MsgOptionText(msg.Content, false)}
	if threadTS, ok := msg.Metadata["thread_ts"]; ok && threadTS != "" {
		options = append(options, slack.MsgOptionTS(threadTS))
	}
	_, _, err := c.api.PostMessageContext(ctx, msg.ChatID, options...)
	if err != nil {
		return fmt.Errorf("send slack message: %w", err)
	}
	return nil
}

func (c *SlackChannel) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.socket.Events:
			if !ok {
				return
			}
			if evt.Type == socketmode.EventTypeEventsAPI {
				c.handleEventsAPI(evt)
			}
		}
	}
}

func (c *SlackChannel) handleEventsAPI(evt socketmode.Event) {
	apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok {
		return
	}
	if evt.Request != nil {
		c.socket.Ack(*evt.Request)
	}

	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}

	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		if ev.BotID != "" || ev.User == c.botUserID {
			return
		}
		if ev.SubType != "" && ev.SubType != "file_share" {
			return
		}
		c.deliver(ev.User, ev.Channel, ev.Text, ev.ThreadTimeStamp)
	case *slackevents.AppMentionEvent:
		mention := fmt.Sprintf("<@%s>", c.botUserID)
		text := strings.TrimSpace(strings.ReplaceAll(ev.Text, mention, ""))
		c.deliver(ev.User, ev.Channel, text, ev.ThreadTimeStamp)
	}
}

func (c *SlackChannel) deliver(userID, channel, text, threadTS string) {
	metadata := map[string]string{}
	if threadTS != "" {
		metadata["thread_ts"] = threadTS
	}
	logger.DebugCF("slack", "Received message", map[string]interface{}{
		"channel": channel, "preview": utils.Truncate(text, 50),
	})
	c.HandleMessage(userID, channel, text, nil, metadata)
}
