// Package relay turns one inbound voice message into exactly one reply: the
// transcript with the engine that produced it, or a generic failure notice.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"voicescribe/pkg/bus"
	"voicescribe/pkg/pipeline"
	"voicescribe/pkg/providers"
	"voicescribe/pkg/staging"
	"voicescribe/pkg/status"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrFetch means the attachment could not be downloaded.
	ErrFetch = errors.New("failed to fetch attachment")
	// ErrPanic means the handler recovered from a panic.
	ErrPanic = errors.New("handler panicked")
)

const replyTimeout = 15 * time.Second

// Messenger is everything the handler needs from the chat platform.
type Messenger interface {
	status.Poster
	Download(ctx context.Context, fileID string) ([]byte, error)
}

// Messages holds the user-facing texts. Processing and Fallback take the
// engine label; Transcript takes the escaped text and the label.
type Messages struct {
	Received   string
	Processing string
	Fallback   string
	Transcript string
	Failure    string
}

// DefaultMessages returns the Persian texts the bot ships with.
func DefaultMessages() Messages {
	return Messages{
		Received:   "📥 در حال دریافت صدا...",
		Processing: "🤖 در حال پردازش با %s...",
		Fallback:   "⚠️ موتور اصلی پاسخ نداد، سوییچ به %s...",
		Transcript: "📝 *متن:*\n%s\n\n⚙️ _پردازش:_ %s",
		Failure:    "❌ خطا: نتوانستم صدا را به متن تبدیل کنم.",
	}
}

// Handler wires the status reporter, artifact store and pipeline together.
type Handler struct {
	messenger Messenger
	reporter  *status.Reporter
	store     *staging.Store
	pipeline  *pipeline.Pipeline
	messages  Messages
	timeout   time.Duration
	maxSize   int64
}

// Option customizes a Handler.
type Option func(*Handler)

// WithMessages overrides the user-facing texts.
func WithMessages(m Messages) Option {
	return func(h *Handler) { h.messages = m }
}

// WithTimeout bounds fetch, staging and transcription of one request.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) { h.timeout = d }
}

// WithMaxFileSize rejects attachments whose declared size exceeds n bytes
// without downloading them.
func WithMaxFileSize(n int64) Option {
	return func(h *Handler) { h.maxSize = n }
}

// NewHandler creates a request handler.
func NewHandler(messenger Messenger, store *staging.Store, pipe *pipeline.Pipeline, opts ...Option) *Handler {
	h := &Handler{
		messenger: messenger,
		reporter:  status.NewReporter(messenger),
		store:     store,
		pipeline:  pipe,
		messages:  DefaultMessages(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Serve handles every request from inbound in its own goroutine until ctx is
// done, then waits for the in-flight requests to finish their replies and
// cleanup before returning.
func (h *Handler) Serve(ctx context.Context, inbound <-chan bus.VoiceRequest) {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("🛑 dispatcher stopped, waiting for in-flight requests")
			return
		case req := <-inbound:
			wg.Add(1)
			go func() {
				defer wg.Done()
				h.Handle(ctx, req)
			}()
		}
	}
}

// Handle processes one voice request. The status message is closed and every
// staged artifact purged on all exit paths. The returned error is non-nil only
// for fetch/decode failures and recovered panics; the user has already been
// told in both cases.
func (h *Handler) Handle(ctx context.Context, req bus.VoiceRequest) (err error) {
	sess := h.store.Session()
	logger := log.With().
		Str("request", sess.Key()).
		Int64("chat_id", req.ChatID).
		Int64("sender_id", req.SenderID).
		Logger()
	ctx = logger.WithContext(ctx)

	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	logger.Info().Int("duration", req.Duration).Str("mime", req.MIMEType).Msg("📩 voice message received")
	st := h.reporter.Open(ctx, req.ChatID, req.MessageID, h.messages.Received)

	defer func() {
		n := sess.Purge()
		logger.Debug().Int("artifacts", n).Msg("🧹 staged audio purged")
	}()
	defer st.Close(ctx)

	replied := false
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, rec)
			logger.Error().Err(err).Msg("💥 unexpected failure while handling voice message")
			if !replied {
				h.reply(ctx, logger, req, h.messages.Failure, false)
			}
		}
	}()

	if err := h.stage(ctx, req, sess); err != nil {
		logger.Error().Err(err).Msg("❌ failed to fetch or decode voice message")
		h.reply(ctx, logger, req, h.messages.Failure, false)
		replied = true
		return err
	}

	res := h.pipeline.Run(ctx, sess, h.observe(st))
	logAttempts(logger, res)

	if res.OK() {
		h.reply(ctx, logger, req, h.formatTranscript(res), true)
	} else {
		h.reply(ctx, logger, req, h.messages.Failure, false)
	}
	replied = true
	return nil
}

func (h *Handler) stage(ctx context.Context, req bus.VoiceRequest, sess *staging.Artifacts) error {
	if h.maxSize > 0 && req.FileSize > h.maxSize {
		return fmt.Errorf("%w: attachment is %d bytes, limit is %d", ErrFetch, req.FileSize, h.maxSize)
	}
	data, err := h.messenger.Download(ctx, req.FileID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFetch, err)
	}
	return sess.Stage(ctx, data)
}

// observe maps pipeline transitions to status text.
func (h *Handler) observe(st *status.Handle) pipeline.Observer {
	return func(ctx context.Context, to pipeline.State, engine providers.TranscriptionProvider) {
		switch to {
		case pipeline.PrimaryInFlight:
			st.Update(ctx, fmt.Sprintf(h.messages.Processing, engine.Label()))
		case pipeline.SecondaryInFlight:
			st.Update(ctx, fmt.Sprintf(h.messages.Fallback, engine.Label()))
		}
	}
}

func (h *Handler) formatTranscript(res pipeline.Result) string {
	return fmt.Sprintf(h.messages.Transcript,
		tgbotapi.EscapeText(tgbotapi.ModeMarkdown, res.Text),
		tgbotapi.EscapeText(tgbotapi.ModeMarkdown, res.Label))
}

// reply sends the final message on a context detached from the request
// deadline, so a timed-out request still gets its answer.
func (h *Handler) reply(ctx context.Context, logger zerolog.Logger, req bus.VoiceRequest, text string, markdown bool) {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
	defer cancel()
	if _, err := h.messenger.Send(sendCtx, req.ChatID, req.MessageID, text, markdown); err != nil {
		logger.Error().Err(err).Msg("❌ failed to send reply")
	}
}

func logAttempts(logger zerolog.Logger, res pipeline.Result) {
	for i, a := range res.Attempts {
		var ev *zerolog.Event
		if a.Err != nil {
			ev = logger.Warn().Err(a.Err).Bool("empty", pipeline.IsEmpty(a.Err))
		} else {
			ev = logger.Info()
		}
		ev.Int("tier", i+1).Str("engine", a.Engine).Dur("took", a.Duration).Msg("📊 attempt summary")
	}
	logger.Info().Str("state", res.State.String()).Str("engine", res.Engine).Msg("🏁 pipeline finished")
}
