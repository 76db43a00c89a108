package channels

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/utils"
)

// DiscordChannel bridges a discordgo session's gateway events to the shared
// bus. Unlike WhatsApp/DingTalk, the connection (gateway websocket, REST
// client, rate limiting) is owned entirely by discordgo; this adapter only
// wires its MessageCreate handler into HandleMessage and its
// ChannelMessageSend into Send.
type DiscordChannel struct {
	*BaseChannel
	config  config.DiscordConfig
	session *discordgo.Session
}

func NewDiscordChannel(cfg config.DiscordConfig, messageBus *bus.MessageBus) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentMessageContent | discordgo.IntentDirectMessages

	base := NewBaseChannel("discord", cfg, messageBus, cfg.AllowFrom)

	c := &DiscordChannel{
		BaseChannel: base,
		config:      cfg,
		session:     session,
	}
	session.AddHandler(c.onMessageCreate)

	return c, nil
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	logger.InfoC("discord", "Opening Discord gateway connection...")
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	c.setRunning(true)
	logger.InfoC("discord", "Discord channel connected")
	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	logger.InfoC("discord", "Closing Discord gateway connection...")
	c.setRunning(false)
	if err := c.session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	return nil
}

func (c *DiscordChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord channel not running")
	}
	_, err := c.session.ChannelMessageSend(msg.ChatID, msg.Content)
	if err != nil {
		return fmt.Errorf("send discord message: %w", err)
	}
	return nil
}

// onMessageCreate is discordgo's gateway callback for new channel messages.
// Bot-authored messages (including our own) are ignored to avoid loops.
func (c *DiscordChannel) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}

	metadata := map[string]string{
		"guild_id":   m.GuildID,
		"message_id": m.ID,
		"username":   m.Author.Username,
	}

	logger.DebugCF("discord", "Received message", map[string]interface{}{
		"channel": m.ChannelID, "preview": utils.Truncate(m.Content, 50),
	})

	c.HandleMessage(m.Author.ID, m.ChannelID, m.Content, nil, metadata)
}
