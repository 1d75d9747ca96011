package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"voicescribe/pkg/bus"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

const (
	// MaxDownloadBytes is the Bot API getFile ceiling.
	MaxDownloadBytes = 20 << 20
	maxMessageRunes  = 4000

	usageHint = "🎙️ یک پیام صوتی یا فایل صوتی بفرستید تا به متن تبدیل شود."
)

// ErrTooLarge is returned when an attachment exceeds MaxDownloadBytes.
var ErrTooLarge = errors.New("attachment too large")

// Channel represents the Telegram integration
type Channel struct {
	bot        *tgbotapi.BotAPI
	bus        *bus.MessageBus
	token      string
	allowFrom  map[string]bool // Set of allowed user IDs
	httpClient *http.Client
}

// NewChannel creates a new Telegram channel
func NewChannel(token string, allowedUsers []string, messageBus *bus.MessageBus) *Channel {
	allowMap := make(map[string]bool)
	for _, u := range allowedUsers {
		if u = strings.TrimSpace(u); u != "" {
			allowMap[u] = true
		}
	}
	return &Channel{
		token:      token,
		allowFrom:  allowMap,
		bus:        messageBus,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

// Start connects to Telegram and begins listening for messages
func (t *Channel) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("failed to init bot: %w", err)
	}
	t.bot = bot
	log.Info().Str("bot", bot.Self.UserName).Msg("🤖 authorized on Telegram")

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-ctx.Done():
				t.bot.StopReceivingUpdates()
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message == nil || update.Message.From == nil {
					continue
				}

				// Security check: only process allowed users
				userID := strconv.FormatInt(update.Message.From.ID, 10)
				if !t.allowed(userID) {
					log.Debug().Str("user_id", userID).Msg("🚫 ignoring message from user not on allow list")
					continue
				}

				t.handleIncoming(ctx, update.Message)
			}
		}
	}()

	return nil
}

func (t *Channel) allowed(userID string) bool {
	return len(t.allowFrom) == 0 || t.allowFrom[userID]
}

func (t *Channel) handleIncoming(ctx context.Context, m *tgbotapi.Message) {
	req, ok := voiceRequest(m)
	if !ok {
		if m.IsCommand() && m.Command() != "start" && m.Command() != "help" {
			return
		}
		if _, err := t.Send(ctx, m.Chat.ID, m.MessageID, usageHint, false); err != nil {
			log.Warn().Err(err).Int64("chat_id", m.Chat.ID).Msg("❌ failed to send usage hint")
		}
		return
	}
	t.bus.SendInbound(ctx, req)
}

// voiceRequest extracts the voice or audio attachment of m.
func voiceRequest(m *tgbotapi.Message) (bus.VoiceRequest, bool) {
	req := bus.VoiceRequest{
		Channel:   "telegram",
		SenderID:  m.From.ID,
		Username:  m.From.UserName,
		ChatID:    m.Chat.ID,
		MessageID: m.MessageID,
	}
	switch {
	case m.Voice != nil:
		req.FileID = m.Voice.FileID
		req.MIMEType = m.Voice.MimeType
		req.Duration = m.Voice.Duration
		req.FileSize = int64(m.Voice.FileSize)
	case m.Audio != nil:
		req.FileID = m.Audio.FileID
		req.MIMEType = m.Audio.MimeType
		req.Duration = m.Audio.Duration
		req.FileSize = int64(m.Audio.FileSize)
	default:
		return req, false
	}
	return req, true
}

// Send posts text to chatID and returns the ID of the (first) message. Long
// texts are split; Markdown that Telegram refuses to parse is resent as plain text.
func (t *Channel) Send(ctx context.Context, chatID int64, replyTo int, text string, markdown bool) (int, error) {
	firstID := 0
	for i, chunk := range splitMessage(text, maxMessageRunes) {
		msg := tgbotapi.NewMessage(chatID, chunk)
		if i == 0 && replyTo != 0 {
			msg.ReplyToMessageID = replyTo
			msg.AllowSendingWithoutReply = true
		}
		if markdown {
			msg.ParseMode = tgbotapi.ModeMarkdown
		}
		sent, err := t.bot.Send(msg)
		if err != nil && markdown && isParseError(err) {
			log.Warn().Err(err).Int64("chat_id", chatID).Msg("⚠️ markdown rejected, resending as plain text")
			msg.ParseMode = ""
			sent, err = t.bot.Send(msg)
		}
		if err != nil {
			return firstID, err
		}
		if i == 0 {
			firstID = sent.MessageID
		}
		if err := ctx.Err(); err != nil {
			return firstID, err
		}
	}
	return firstID, nil
}

// Edit replaces the text of an existing message.
func (t *Channel) Edit(ctx context.Context, chatID int64, messageID int, text string) error {
	_, err := t.bot.Request(tgbotapi.NewEditMessageText(chatID, messageID, text))
	if err != nil && strings.Contains(err.Error(), "message is not modified") {
		return nil
	}
	return err
}

// Delete removes a message. A message that is already gone is not an error.
func (t *Channel) Delete(ctx context.Context, chatID int64, messageID int) error {
	_, err := t.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID))
	if err != nil && strings.Contains(err.Error(), "message to delete not found") {
		return nil
	}
	return err
}

// Download fetches the attachment behind fileID.
func (t *Channel) Download(ctx context.Context, fileID string) ([]byte, error) {
	fileURL, err := t.bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve file: %w", err)
	}
	return fetch(ctx, t.httpClient, fileURL, MaxDownloadBytes)
}

func fetch(ctx context.Context, client *http.Client, url string, limit int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("download failed: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, ErrTooLarge
	}
	if len(data) == 0 {
		return nil, errors.New("download failed: empty file")
	}
	return data, nil
}

func isParseError(err error) bool {
	return strings.Contains(err.Error(), "can't parse entities")
}

// splitMessage cuts text into chunks of at most limit runes, preferring line
// breaks, then spaces.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(runes) > limit {
		cut := limit
		for _, sep := range []rune{'\n', ' '} {
			if i := lastIndex(runes[:limit], sep); i > limit/2 {
				cut = i + 1
				break
			}
		}
		// Keep a Markdown escape together with the character it escapes.
		if cut == limit && cut > 1 && trailingBackslashes(runes[:cut])%2 == 1 {
			cut--
		}
		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), " \n"))
		runes = runes[cut:]
	}
	if rest := strings.TrimRight(string(runes), " \n"); rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

func trailingBackslashes(rs []rune) int {
	n := 0
	for i := len(rs) - 1; i >= 0 && rs[i] == '\\'; i-- {
		n++
	}
	return n
}

func lastIndex(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}
