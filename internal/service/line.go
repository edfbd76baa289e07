package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"github.com/rs/zerolog/log"

	"github.com/harukochan/bot-server-go/internal/config"
	apperrors "github.com/harukochan/bot-server-go/internal/errors"
	"github.com/harukochan/bot-server-go/internal/model"
	"github.com/harukochan/bot-server-go/internal/relay"
	"github.com/harukochan/bot-server-go/internal/util"
)

const (
	lineName = "line"
	// maxTextRunes is the channel's limit for one text message.
	maxTextRunes = 5000
	// maxContentBytes caps a downloaded voice message.
	maxContentBytes = 10 << 20
)

// LineService sends messages through the LINE Messaging API. Both SDK clients
// ride on one relay, so they share its breaker and retry policy.
type LineService struct {
	api  *messaging_api.MessagingApiAPI
	blob *messaging_api.MessagingApiBlobAPI
}

func NewLineService(apiBaseURL, dataBaseURL, accessToken string, opts ...relay.BaseClientOption) (*LineService, error) {
	httpClient := relay.NewBaseClient(lineName, &http.Client{Timeout: config.ChannelTimeout}, opts...).HTTPClient()

	api, err := messaging_api.NewMessagingApiAPI(accessToken,
		messaging_api.WithEndpoint(apiBaseURL),
		messaging_api.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("create line api client: %w", err)
	}
	blob, err := messaging_api.NewMessagingApiBlobAPI(accessToken,
		messaging_api.WithBlobEndpoint(dataBaseURL),
		messaging_api.WithBlobHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("create line blob client: %w", err)
	}
	return &LineService{api: api, blob: blob}, nil
}

func (s *LineService) Reply(ctx context.Context, replyToken string, msgs []model.OutboundMessage) error {
	return s.call("reply", func() error {
		_, err := s.api.WithContext(ctx).ReplyMessage(&messaging_api.ReplyMessageRequest{
			ReplyToken: replyToken,
			Messages:   toLineMessages(msgs),
		})
		return err
	})
}

// Push sends to one user. A retry key makes retried pushes idempotent on the
// channel side.
func (s *LineService) Push(ctx context.Context, userID string, msgs []model.OutboundMessage) error {
	return s.call("push", func() error {
		_, err := s.api.WithContext(ctx).PushMessage(&messaging_api.PushMessageRequest{
			To:       userID,
			Messages: toLineMessages(msgs),
		}, uuid.NewString())
		return err
	})
}

func (s *LineService) Broadcast(ctx context.Context, msgs []model.OutboundMessage) error {
	return s.call("broadcast", func() error {
		_, err := s.api.WithContext(ctx).Broadcast(&messaging_api.BroadcastRequest{
			Messages: toLineMessages(msgs),
		}, uuid.NewString())
		return err
	})
}

func (s *LineService) call(op string, fn func() error) error {
	start := time.Now()
	if err := fn(); err != nil {
		log.Error().Err(err).Str("op", op).Dur("elapsed", time.Since(start)).Msg("line api call failed")
		return apperrors.External(lineName, err)
	}
	log.Debug().Str("op", op).Dur("elapsed", time.Since(start)).Msg("line api call done")
	return nil
}

// FetchContent downloads the binary content of a user's message.
func (s *LineService) FetchContent(ctx context.Context, messageID string) ([]byte, error) {
	resp, err := s.blob.WithContext(ctx).GetMessageContent(messageID)
	if err != nil {
		return nil, apperrors.External(lineName, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxContentBytes))
	if err != nil {
		return nil, apperrors.External(lineName, fmt.Errorf("read content: %w", err))
	}
	return data, nil
}

func toLineMessages(msgs []model.OutboundMessage) []messaging_api.MessageInterface {
	out := make([]messaging_api.MessageInterface, 0, len(msgs))
	for _, m := range msgs {
		switch m.Kind {
		case model.OutboundKindImage:
			out = append(out, messaging_api.ImageMessage{OriginalContentUrl: m.URL, PreviewImageUrl: m.URL})
		case model.OutboundKindAudio:
			out = append(out, messaging_api.AudioMessage{OriginalContentUrl: m.URL, Duration: int64(m.DurationMs)})
		default:
			out = append(out, messaging_api.TextMessage{Text: util.Truncate(m.Text, maxTextRunes-len("..."))})
		}
	}
	return out
}
