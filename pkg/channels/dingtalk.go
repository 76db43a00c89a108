package channels

import (
	"context"
	"fmt"

	"github.com/open-dingtalk/dingtalk-stream-sdk-go/chatbot"
	"github.com/open-dingtalk/dingtalk-stream-sdk-go/client"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/logger"
)

// DingTalkChannel bridges DingTalk's stream-mode chatbot callback to the
// shared bus. Outbound replies go through chatbot.ChatbotReplier rather than
// a persistent connection, so Send resolves the reply webhook per message.
type DingTalkChannel struct {
	*BaseChannel
	config config.DingTalkConfig
	client *client.StreamClient
	replier *chatbot.ChatbotReplier
}

func NewDingTalkChannel(cfg config.DingTalkConfig, messageBus *bus.MessageBus) (*DingTalkChannel, error) {
	base := NewBaseChannel("dingtalk", cfg, messageBus, cfg.AllowFrom)

	c := &DingTalkChannel{
		BaseChannel: base,
		config:      cfg,
		replier:     chatbot.NewChatbotReplier(),
	}

	streamClient := client.NewStreamClient(
		client.WithAppCredential(client.NewAppCredentialConfig(cfg.ClientID, cfg.ClientSecret)),
	)
	streamClient.RegisterChatBotCallbackRouter(c.onChatBotMessageReceived)
	c.client = streamClient

	return c, nil
}

func (c *DingTalkChannel) Start(ctx context.Context) error {
	logger.InfoC("dingtalk", "Starting DingTalk stream client...")
	if err := c.client.Start(ctx); err != nil {
		return fmt.Errorf("start dingtalk stream client: %w", err)
	}
	c.setRunning(true)
	return nil
}

func (c *DingTalkChannel) Stop(ctx context.Context) error {
	logger.InfoC("dingtalk", "Stopping DingTalk stream client...")
	c.setRunning(false)
	if c.client != nil {
		c.client.Close()
	}
	return nil
}

func (c *DingTalkChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("dingtalk channel not running")
	}
	webhook, ok := msg.Metadata["session_webhook"]
	if !ok || webhook == "" {
		return fmt.Errorf("dingtalk reply requires metadata[session_webhook]")
	}
	return c.replier.SimpleReplyText(context.Background(), webhook, []byte(msg.Content))
}

// onChatBotMessageReceived is the stream SDK's callback. A nil payload
// (closed connection, malformed frame) is a no-op, never a panic.
func (c *DingTalkChannel) onChatBotMessageReceived(ctx context.Context, data *chatbot.BotCallbackDataModel) ([]byte, error) {
	if data == nil {
		return nil, nil
	}

	content := ""
	if data.Text.Content != "" {
		content = data.Text.Content
	}

	metadata := map[string]string{}
	if data.SessionWebhook != "" {
		metadata["session_webhook"] = data.SessionWebhook
	}

	c.HandleMessage(data.SenderStaffId, data.ConversationId, content, nil, metadata)
	return nil, nil
}
