package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/utils"
)

// whatsappReconnectMinDelay/MaxDelay bound the backoff applied between
// reconnect attempts to the bridge process after the socket drops.
const (
	whatsappReconnectMinDelay = 1 * time.Second
	whatsappReconnectMaxDelay = 30 * time.Second
)

// WhatsAppChannel bridges to an external WhatsApp connector process over a
// websocket: the connector owns the actual WhatsApp session, this channel
// just relays bus traffic across the wire and reconnects on drop.
type WhatsAppChannel struct {
	*BaseChannel
	config config.WhatsAppConfig
	url    string

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
}

func NewWhatsAppChannel(cfg config.WhatsAppConfig, messageBus *bus.MessageBus) (*WhatsAppChannel, error) {
	return &WhatsAppChannel{
		BaseChannel: NewBaseChannel("whatsapp", cfg, messageBus, cfg.AllowFrom),
		config:      cfg,
		url:         cfg.BridgeURL,
	}, nil
}

func (c *WhatsAppChannel) Start(ctx context.Context) error {
	logger.InfoCF("whatsapp", "Starting WhatsApp channel", map[string]interface{}{"url": c.url})

	conn, err := c.dial()
	if err != nil {
		return fmt.Errorf("failed to connect to WhatsApp bridge: %w", err)
	}

	c.setConn(conn)
	c.setRunning(true)
	logger.InfoCF("whatsapp", "WhatsApp channel connected", nil)

	go c.listen(ctx)
	return nil
}

func (c *WhatsAppChannel) dial() (*websocket.Conn, error) {
	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	conn, _, err := dialer.Dial(c.url, nil)
	return conn, err
}

func (c *WhatsAppChannel) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.connected = conn != nil
}

func (c *WhatsAppChannel) activeConn() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *WhatsAppChannel) Stop(ctx context.Context) error {
	logger.InfoCF("whatsapp", "Stopping WhatsApp channel", nil)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			logger.ErrorCF("whatsapp", "Error closing WhatsApp connection", map[string]interface{}{"error": err.Error()})
		}
		c.conn = nil
	}

	c.connected = false
	c.setRunning(false)
	return nil
}

func (c *WhatsAppChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	conn := c.activeConn()
	if conn == nil {
		return fmt.Errorf("whatsapp connection not established")
	}

	data, err := json.Marshal(map[string]interface{}{
		"type":    "message",
		"to":      msg.ChatID,
		"content": msg.Content,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

// listen owns the read loop and reconnects to the bridge, with exponential
// backoff, whenever the socket drops or was never established.
func (c *WhatsAppChannel) listen(ctx context.Context) {
	backoff := whatsappReconnectMinDelay

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn := c.activeConn()
		if conn == nil {
			reconnected, err := c.dial()
			if err != nil {
				logger.ErrorCF("whatsapp", "WhatsApp reconnect failed", map[string]interface{}{"error": err.Error()})
				if !sleepOrDone(ctx, backoff) {
					return
				}
				backoff = nextWhatsAppBackoff(backoff)
				continue
			}
			c.setConn(reconnected)
			logger.InfoCF("whatsapp", "WhatsApp bridge reconnected", nil)
			backoff = whatsappReconnectMinDelay
			conn = reconnected
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			logger.ErrorCF("whatsapp", "WhatsApp read error", map[string]interface{}{"error": err.Error()})
			c.setConn(nil)
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextWhatsAppBackoff(backoff)
			continue
		}

		c.dispatchRaw(message)
	}
}

func nextWhatsAppBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > whatsappReconnectMaxDelay {
		return whatsappReconnectMaxDelay
	}
	return next
}

// sleepOrDone waits for d or ctx cancellation, returning false if ctx was
// cancelled first so the caller can stop its loop.
func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *WhatsAppChannel) dispatchRaw(raw []byte) {
	var msg map[string]interface{}
	if err := json.Unmarshal(raw, &msg); err != nil {
		logger.ErrorCF("whatsapp", "Failed to unmarshal WhatsApp message", map[string]interface{}{"error": err.Error()})
		return
	}

	if msgType, _ := msg["type"].(string); msgType == "message" {
		c.handleIncomingMessage(msg)
	}
}

func (c *WhatsAppChannel) handleIncomingMessage(msg map[string]interface{}) {
	senderID, ok := msg["from"].(string)
	if !ok {
		return
	}

	chatID, ok := msg["chat"].(string)
	if !ok {
		chatID = senderID
	}

	content, _ := msg["content"].(string)

	var mediaPaths []string
	if mediaData, ok := msg["media"].([]interface{}); ok {
		mediaPaths = make([]string, 0, len(mediaData))
		for _, m := range mediaData {
			if path, ok := m.(string); ok {
				mediaPaths = append(mediaPaths, path)
			}
		}
	}

	metadata := make(map[string]string)
	if messageID, ok := msg["id"].(string); ok {
		metadata["message_id"] = messageID
	}
	if userName, ok := msg["from_name"].(string); ok {
		metadata["user_name"] = userName
	}

	logger.DebugCF("whatsapp", "Received message", map[string]interface{}{"sender": senderID, "preview": utils.Truncate(content, 50)})

	c.HandleMessage(senderID, chatID, content, mediaPaths, metadata)
}
