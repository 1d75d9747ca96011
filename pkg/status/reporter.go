package status

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const cleanupTimeout = 10 * time.Second

// Poster is the chat capability the reporter needs.
type Poster interface {
	Send(ctx context.Context, chatID int64, replyTo int, text string, markdown bool) (int, error)
	Edit(ctx context.Context, chatID int64, messageID int, text string) error
	Delete(ctx context.Context, chatID int64, messageID int) error
}

// Reporter manages the single ephemeral progress message of a request.
type Reporter struct {
	poster Poster
}

// NewReporter creates a reporter over poster.
func NewReporter(poster Poster) *Reporter {
	return &Reporter{poster: poster}
}

// Handle refers to one open status message.
type Handle struct {
	poster    Poster
	chatID    int64
	messageID int

	mu     sync.Mutex
	text   string
	closed bool
}

// Open posts the initial status. It never fails: if the message cannot be
// sent, the returned handle ignores updates and closes silently.
func (r *Reporter) Open(ctx context.Context, chatID int64, replyTo int, text string) *Handle {
	h := &Handle{poster: r.poster, chatID: chatID, text: text}
	id, err := r.poster.Send(ctx, chatID, replyTo, text, false)
	if err != nil {
		log.Warn().Err(err).Int64("chat_id", chatID).Msg("📭 failed to post status message")
		h.closed = true
		return h
	}
	h.messageID = id
	return h
}

// MessageID returns the status message ID, or 0 if it was never posted.
func (h *Handle) MessageID() int { return h.messageID }

// Update edits the status text. Failures are logged and swallowed.
func (h *Handle) Update(ctx context.Context, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || text == h.text {
		return
	}
	if err := h.poster.Edit(ctx, h.chatID, h.messageID, text); err != nil {
		log.Warn().Err(err).Int64("chat_id", h.chatID).Int("message_id", h.messageID).Msg("✏️ failed to update status message")
		return
	}
	h.text = text
}

// Close deletes the status message. Safe to call more than once and after the
// request context is cancelled.
func (h *Handle) Close(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true

	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := h.poster.Delete(delCtx, h.chatID, h.messageID); err != nil {
		log.Warn().Err(err).Int64("chat_id", h.chatID).Int("message_id", h.messageID).Msg("🗑️ failed to delete status message")
	}
}

// Closed reports whether Close has run (or the message was never posted).
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}
