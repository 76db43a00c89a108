package channels

import (
	"context"
	"testing"
	"time"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/config"
)

func TestNewWhatsAppChannel_Name(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()

	c, err := NewWhatsAppChannel(config.WhatsAppConfig{BridgeURL: "ws://localhost:1234"}, mb)
	if err != nil {
		t.Fatalf("NewWhatsAppChannel failed: %v", err)
	}
	if c.Name() != "whatsapp" {
		t.Errorf("expected name 'whatsapp', got %q", c.Name())
	}
}

func TestWhatsAppChannel_Send_NoConnection(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()

	c, err := NewWhatsAppChannel(config.WhatsAppConfig{BridgeURL: "ws://localhost:1234"}, mb)
	if err != nil {
		t.Fatalf("NewWhatsAppChannel failed: %v", err)
	}

	err = c.Send(context.Background(), bus.OutboundMessage{ChatID: "c1", Content: "hi"})
	if err == nil {
		t.Error("expected error sending with no established connection")
	}
}

func TestWhatsAppChannel_HandleIncomingMessage_DeliversInbound(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()

	c, err := NewWhatsAppChannel(config.WhatsAppConfig{BridgeURL: "ws://localhost:1234"}, mb)
	if err != nil {
		t.Fatalf("NewWhatsAppChannel failed: %v", err)
	}

	c.handleIncomingMessage(map[string]interface{}{
		"from":    "user1",
		"chat":    "chat1",
		"content": "hello",
		"media":   []interface{}{"photo.jpg"},
		"id":      "msg1",
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := mb.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("expected inbound message to be published")
	}
	if msg.Content != "hello" || msg.SenderID != "user1" || msg.ChatID != "chat1" {
		t.Errorf("unexpected inbound message: %+v", msg)
	}
	if len(msg.Media) != 1 || msg.Media[0] != "photo.jpg" {
		t.Errorf("expected media to be carried through, got %+v", msg.Media)
	}
}

func TestWhatsAppChannel_HandleIncomingMessage_FallsBackChatIDToSender(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()

	c, _ := NewWhatsAppChannel(config.WhatsAppConfig{BridgeURL: "ws://localhost:1234"}, mb)
	c.handleIncomingMessage(map[string]interface{}{
		"from":    "user1",
		"content": "hi",
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := mb.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("expected inbound message to be published")
	}
	if msg.ChatID != "user1" {
		t.Errorf("expected chat id to fall back to sender, got %q", msg.ChatID)
	}
}

func TestWhatsAppChannel_HandleIncomingMessage_MissingSenderIgnored(t *testing.T) {
	mb := bus.NewMessageBus()
	defer mb.Close()

	c, _ := NewWhatsAppChannel(config.WhatsAppConfig{BridgeURL: "ws://localhost:1234"}, mb)
	c.handleIncomingMessage(map[string]interface{}{"content": "hi"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, ok := mb.ConsumeInbound(ctx); ok {
		t.Error("message with no sender should not be published")
	}
}
