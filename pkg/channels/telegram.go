package channels

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/sipeed/picoclaw/pkg/bus"
	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/logger"
	"github.com/sipeed/picoclaw/pkg/utils"
)

// telegramBot abstracts the telego.Bot methods used by TelegramChannel,
// enabling mock-based testing without a live Telegram API connection.
type telegramBot interface {
	Username() string
	FileDownloadURL(filepath string) string
	UpdatesViaLongPolling(ctx context.Context, params *telego.GetUpdatesParams, options ...telego.LongPollingOption) (<-chan telego.Update, error)
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
	SendChatAction(ctx context.Context, params *telego.SendChatActionParams) error
	SendPhoto(ctx context.Context, params *telego.SendPhotoParams) (*telego.Message, error)
	SendDocument(ctx context.Context, params *telego.SendDocumentParams) (*telego.Message, error)
	EditMessageText(ctx context.Context, params *telego.EditMessageTextParams) (*telego.Message, error)
	DeleteMessage(ctx context.Context, params *telego.DeleteMessageParams) error
	GetFile(ctx context.Context, params *telego.GetFileParams) (*telego.File, error)
}

const telegramLongPollTimeoutSeconds = 30

type TelegramChannel struct {
	*BaseChannel
	bot          telegramBot
	config       config.TelegramConfig
	chatIDs      map[string]int64
	stopThinking sync.Map // chatID -> *thinkingCancel

	// typingInterval controls how often the typing indicator is refreshed.
	// Telegram's typing indicator expires after ~5s, so default is 4s.
	typingInterval time.Duration
}

type thinkingCancel struct {
	fn context.CancelFunc
}

func (c *thinkingCancel) Cancel() {
	if c != nil && c.fn != nil {
		c.fn()
	}
}

func NewTelegramChannel(cfg config.TelegramConfig, messageBus *bus.MessageBus) (*TelegramChannel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &TelegramChannel{
		BaseChannel:    NewBaseChannel("telegram", cfg, messageBus, cfg.AllowFrom),
		bot:            bot,
		config:         cfg,
		chatIDs:        make(map[string]int64),
		typingInterval: 4 * time.Second,
	}, nil
}

func (c *TelegramChannel) Start(ctx context.Context) error {
	logger.InfoC("telegram", "Starting Telegram bot (polling mode)...")

	updates, err := c.bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{Timeout: telegramLongPollTimeoutSeconds})
	if err != nil {
		return fmt.Errorf("failed to start long polling: %w", err)
	}

	c.setRunning(true)
	logger.InfoCF("telegram", "Telegram bot connected", map[string]interface{}{"username": c.bot.Username()})

	go c.pollUpdates(ctx, updates)
	return nil
}

func (c *TelegramChannel) pollUpdates(ctx context.Context, updates <-chan telego.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				logger.InfoC("telegram", "Updates channel closed, stopping update loop")
				return
			}
			if update.Message != nil {
				c.handleMessage(ctx, update)
			}
		}
	}
}

func (c *TelegramChannel) Stop(ctx context.Context) error {
	logger.InfoC("telegram", "Stopping Telegram bot...")
	c.setRunning(false)
	return nil
}

func (c *TelegramChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("telegram bot not running")
	}

	chatID, err := parseChatID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}

	c.cancelThinking(msg.ChatID)

	if len(msg.Media) == 0 {
		return c.sendText(ctx, chatID, msg.Content)
	}

	if msg.Content != "" {
		if err := c.sendText(ctx, chatID, msg.Content); err != nil {
			logger.ErrorCF("telegram", "Failed to send text before media", map[string]interface{}{"error": err.Error()})
		}
	}

	for _, mediaPath := range msg.Media {
		c.sendMediaFile(ctx, chatID, mediaPath)
	}

	return nil
}

func (c *TelegramChannel) cancelThinking(chatIDStr string) {
	if stop, ok := c.stopThinking.Load(chatIDStr); ok {
		if cf, ok := stop.(*thinkingCancel); ok {
			cf.Cancel()
		}
		c.stopThinking.Delete(chatIDStr)
	}
}

func (c *TelegramChannel) sendText(ctx context.Context, chatID int64, content string) error {
	tgMsg := tu.Message(tu.ID(chatID), markdownToTelegramHTML(content))
	tgMsg.ParseMode = telego.ModeHTML

	if _, err := c.bot.SendMessage(ctx, tgMsg); err != nil {
		logger.ErrorCF("telegram", "HTML parse failed, falling back to plain text", map[string]interface{}{"error": err.Error()})
		tgMsg.ParseMode = ""
		_, err = c.bot.SendMessage(ctx, tgMsg)
		return err
	}
	return nil
}

func (c *TelegramChannel) sendMediaFile(ctx context.Context, chatID int64, mediaPath string) {
	file, err := os.Open(mediaPath)
	if err != nil {
		logger.ErrorCF("telegram", "Failed to open media file", map[string]interface{}{"path": mediaPath, "error": err.Error()})
		return
	}
	defer file.Close()

	if isImageFile(mediaPath) {
		if _, sendErr := c.bot.SendPhoto(ctx, tu.Photo(tu.ID(chatID), tu.File(file))); sendErr != nil {
			logger.ErrorCF("telegram", "Failed to send photo", map[string]interface{}{"path": mediaPath, "error": sendErr.Error()})
		}
		return
	}

	if _, sendErr := c.bot.SendDocument(ctx, tu.Document(tu.ID(chatID), tu.File(file))); sendErr != nil {
		logger.ErrorCF("telegram", "Failed to send document", map[string]interface{}{"path": mediaPath, "error": sendErr.Error()})
	}
}

// startTypingIndicator sends repeated "typing..." chat actions until the
// context is cancelled (by Send) or times out. This replaces an animated
// "Thinking..." placeholder message the bot used to post instead.
func (c *TelegramChannel) startTypingIndicator(ctx context.Context, cancel context.CancelFunc, chatID int64, chatIDStr string) {
	c.stopThinking.Store(chatIDStr, &thinkingCancel{fn: cancel})

	interval := c.typingInterval
	if interval == 0 {
		interval = 4 * time.Second
	}

	sendTyping := func() {
		_ = c.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping))
	}
	sendTyping()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sendTyping()
			}
		}
	}()
}

// attachment is one piece of downloadable media found on an inbound Telegram
// message, paired with the caption fragment it contributes to the combined
// text content handed to the bus.
type attachment struct {
	path  string
	label string
}

func (c *TelegramChannel) collectAttachments(ctx context.Context, message *telego.Message) []attachment {
	var found []attachment

	if len(message.Photo) > 0 {
		largest := message.Photo[len(message.Photo)-1]
		if path := c.downloadPhoto(ctx, largest.FileID); path != "" {
			found = append(found, attachment{path: path, label: "[image: photo]"})
		}
	}
	if message.Voice != nil {
		if path := c.downloadFile(ctx, message.Voice.FileID, ".ogg"); path != "" {
			found = append(found, attachment{path: path, label: "[voice]"})
		}
	}
	if message.Audio != nil {
		if path := c.downloadFile(ctx, message.Audio.FileID, ".mp3"); path != "" {
			found = append(found, attachment{path: path, label: "[audio]"})
		}
	}
	if message.Document != nil {
		if path := c.downloadFile(ctx, message.Document.FileID, ""); path != "" {
			found = append(found, attachment{path: path, label: "[file]"})
		}
	}

	return found
}

func (c *TelegramChannel) handleMessage(ctx context.Context, update telego.Update) {
	message := update.Message
	if message == nil || message.From == nil {
		return
	}
	user := message.From

	senderID := fmt.Sprintf("%d", user.ID)
	if user.Username != "" {
		senderID = fmt.Sprintf("%d|%s", user.ID, user.Username)
	}

	if !c.IsAllowed(senderID) {
		logger.DebugCF("telegram", "Message rejected by allowlist", map[string]interface{}{"user_id": senderID})
		return
	}

	chatID := message.Chat.ID
	c.chatIDs[senderID] = chatID

	attachments := c.collectAttachments(ctx, message)
	defer cleanupDownloads(attachments)

	content := joinMessageContent(message, attachments)

	logger.DebugCF("telegram", "Received message", map[string]interface{}{
		"sender_id": senderID,
		"chat_id":   fmt.Sprintf("%d", chatID),
		"preview":   utils.Truncate(content, 50),
	})

	chatIDStr := fmt.Sprintf("%d", chatID)
	c.cancelThinking(chatIDStr)
	thinkCtx, thinkCancel := context.WithTimeout(ctx, 5*time.Minute)
	c.startTypingIndicator(thinkCtx, thinkCancel, chatID, chatIDStr)

	metadata := map[string]string{
		"message_id": fmt.Sprintf("%d", message.MessageID),
		"user_id":    fmt.Sprintf("%d", user.ID),
		"username":   user.Username,
		"first_name": user.FirstName,
		"is_group":   fmt.Sprintf("%t", message.Chat.Type != "private"),
	}

	mediaPaths := make([]string, len(attachments))
	for i, a := range attachments {
		mediaPaths[i] = a.path
	}

	c.HandleMessage(senderID, chatIDStr, content, mediaPaths, metadata)
}

func joinMessageContent(message *telego.Message, attachments []attachment) string {
	var parts []string
	if message.Text != "" {
		parts = append(parts, message.Text)
	}
	if message.Caption != "" {
		parts = append(parts, message.Caption)
	}
	for _, a := range attachments {
		parts = append(parts, a.label)
	}
	if len(parts) == 0 {
		return "[empty message]"
	}
	return strings.Join(parts, "\n")
}

func cleanupDownloads(attachments []attachment) {
	for _, a := range attachments {
		if err := os.Remove(a.path); err != nil {
			logger.DebugCF("telegram", "Failed to cleanup temp file", map[string]interface{}{"file": a.path, "error": err.Error()})
		}
	}
}

func (c *TelegramChannel) downloadPhoto(ctx context.Context, fileID string) string {
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		logger.ErrorCF("telegram", "Failed to get photo file", map[string]interface{}{"error": err.Error()})
		return ""
	}
	return c.downloadFileWithInfo(file, ".jpg")
}

func (c *TelegramChannel) downloadFileWithInfo(file *telego.File, ext string) string {
	if file.FilePath == "" {
		return ""
	}

	url := c.bot.FileDownloadURL(file.FilePath)
	logger.DebugCF("telegram", "File URL", map[string]interface{}{"url": url})

	filename := file.FilePath + ext
	return utils.DownloadFile(url, filename, utils.DownloadOptions{LoggerPrefix: "telegram"})
}

func (c *TelegramChannel) downloadFile(ctx context.Context, fileID, ext string) string {
	file, err := c.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		logger.ErrorCF("telegram", "Failed to get file", map[string]interface{}{"error": err.Error()})
		return ""
	}
	return c.downloadFileWithInfo(file, ext)
}

func isImageFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return true
	default:
		return false
	}
}

func parseChatID(chatIDStr string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(chatIDStr, "%d", &id)
	return id, err
}

// markdownToTelegramHTML renders a subset of Markdown (bold, italic,
// strikethrough, links, headings, blockquotes, bullet lists, code) as the
// HTML dialect Telegram's ParseMode=HTML accepts. Code spans are pulled out
// before the other substitutions run and reinserted (HTML-escaped) last, so
// Markdown syntax inside a code block is never itself rewritten.
func markdownToTelegramHTML(text string) string {
	if text == "" {
		return ""
	}

	codeBlocks := extractCodeBlocks(text)
	text = codeBlocks.text

	inlineCodes := extractInlineCodes(text)
	text = inlineCodes.text

	for _, step := range markdownRewriteSteps {
		text = step(text)
	}

	text = restorePlaceholders(text, "IC", inlineCodes.codes, "<code>%s</code>")
	text = restorePlaceholders(text, "CB", codeBlocks.codes, "<pre><code>%s</code></pre>")

	return text
}

var markdownRewriteSteps = []func(string) string{
	func(s string) string { return regexp.MustCompile(`^#{1,6}\s+(.+)$`).ReplaceAllString(s, "$1") },
	func(s string) string { return regexp.MustCompile(`^>\s*(.*)$`).ReplaceAllString(s, "$1") },
	escapeHTML,
	func(s string) string {
		return regexp.MustCompile(`\[([^\]]+)\]\(([^)]+)\)`).ReplaceAllString(s, `<a href="$2">$1</a>`)
	},
	func(s string) string { return regexp.MustCompile(`\*\*(.+?)\*\*`).ReplaceAllString(s, "<b>$1</b>") },
	func(s string) string { return regexp.MustCompile(`__(.+?)__`).ReplaceAllString(s, "<b>$1</b>") },
	italicize,
	func(s string) string { return regexp.MustCompile(`~~(.+?)~~`).ReplaceAllString(s, "<s>$1</s>") },
	func(s string) string { return regexp.MustCompile(`^[-*]\s+`).ReplaceAllString(s, "• ") },
}

func italicize(text string) string {
	re := regexp.MustCompile(`_([^_]+)_`)
	return re.ReplaceAllStringFunc(text, func(s string) string {
		match := re.FindStringSubmatch(s)
		if len(match) < 2 {
			return s
		}
		return "<i>" + match[1] + "</i>"
	})
}

func restorePlaceholders(text, tag string, codes []string, wrapFmt string) string {
	for i, code := range codes {
		placeholder := fmt.Sprintf("\x00%s%d\x00", tag, i)
		text = strings.ReplaceAll(text, placeholder, fmt.Sprintf(wrapFmt, escapeHTML(code)))
	}
	return text
}

type codeBlockMatch struct {
	text  string
	codes []string
}

func extractCodeBlocks(text string) codeBlockMatch {
	re := regexp.MustCompile("```[\\w]*\\n?([\\s\\S]*?)```")
	matches := re.FindAllStringSubmatch(text, -1)

	codes := make([]string, 0, len(matches))
	for _, match := range matches {
		codes = append(codes, match[1])
	}

	idx := 0
	text = re.ReplaceAllStringFunc(text, func(m string) string {
		s := fmt.Sprintf("\x00CB%d\x00", idx)
		idx++
		return s
	})

	return codeBlockMatch{text: text, codes: codes}
}

type inlineCodeMatch struct {
	text  string
	codes []string
}

func extractInlineCodes(text string) inlineCodeMatch {
	re := regexp.MustCompile("`([^`]+)`")
	matches := re.FindAllStringSubmatch(text, -1)

	codes := make([]string, 0, len(matches))
	for _, match := range matches {
		codes = append(codes, match[1])
	}

	idx := 0
	text = re.ReplaceAllStringFunc(text, func(m string) string {
		s := fmt.Sprintf("\x00IC%d\x00", idx)
		idx++
		return s
	})

	return inlineCodeMatch{text: text, codes: codes}
}

func escapeHTML(text string) string {
	text = strings.ReplaceAll(text, "&", "&amp;")
	text = strings.ReplaceAll(text, "<", "&lt;")
	text = strings.ReplaceAll(text, ">", "&gt;")
	return text
}
