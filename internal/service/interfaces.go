package service

import (
	"context"
	"time"

	"github.com/harukochan/bot-server-go/internal/model"
)

// Collaborators of the dispatcher. Implementations return errors marked
// EXTERNAL_SERVICE_ERROR on failure or timeout.

type ChatRelay interface {
	Complete(ctx context.Context, prompt, system string) (string, error)
}

type ImageRelay interface {
	GenerateImage(ctx context.Context, prompt string) ([]byte, error)
}

type MediaStore interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
}

type SpeechRelay interface {
	// Synthesize returns audio bytes and their duration in milliseconds.
	Synthesize(ctx context.Context, text string) ([]byte, int, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
}

// Outbound is the messaging channel's send side.
type Outbound interface {
	Reply(ctx context.Context, replyToken string, msgs []model.OutboundMessage) error
	Push(ctx context.Context, userID string, msgs []model.OutboundMessage) error
	Broadcast(ctx context.Context, msgs []model.OutboundMessage) error
	FetchContent(ctx context.Context, messageID string) ([]byte, error)
}

type Limiter interface {
	CheckLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Time)
}

// Claimer takes one-shot ownership of a key, used for redelivery dedup and
// scheduled run guards.
type Claimer interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}
