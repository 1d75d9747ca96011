package bus

import "context"

// VoiceRequest is a voice or audio message received from a channel (e.g., Telegram).
type VoiceRequest struct {
	Channel   string
	SenderID  int64
	Username  string
	ChatID    int64
	MessageID int    // Message ID of the incoming voice message
	FileID    string // Channel-specific attachment reference
	MIMEType  string
	Duration  int // Seconds, as reported by the channel
	FileSize  int64
}

// MessageBus routes voice requests from channels to the dispatcher.
type MessageBus struct {
	Inbound chan VoiceRequest
}

// NewMessageBus creates a new initialized MessageBus
func NewMessageBus() *MessageBus {
	return &MessageBus{
		Inbound: make(chan VoiceRequest, 100),
	}
}

// SendInbound enqueues req unless ctx is done first.
func (b *MessageBus) SendInbound(ctx context.Context, req VoiceRequest) bool {
	select {
	case b.Inbound <- req:
		return true
	case <-ctx.Done():
		return false
	}
}
