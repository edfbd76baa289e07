package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"
	"github.com/rs/zerolog/log"

	"github.com/harukochan/bot-server-go/internal/config"
	"github.com/harukochan/bot-server-go/internal/model"
	"github.com/harukochan/bot-server-go/internal/util"
)

// EventHandler processes one normalized inbound event.
type EventHandler interface {
	Handle(ctx context.Context, ev model.InboundEvent) error
}

// LineHandler acknowledges webhooks immediately and processes their events in
// the background, since the channel expects a fast 200.
type LineHandler struct {
	events  EventHandler
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewLineHandler(events EventHandler) *LineHandler {
	return &LineHandler{events: events, timeout: config.WebhookProcessTimeout}
}

func (h *LineHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	var req webhook.CallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Warn().Err(err).Msg("invalid line webhook request")
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return
	}

	inbound := make([]model.InboundEvent, 0, len(req.Events))
	for _, e := range req.Events {
		if ev, ok := normalizeEvent(e); ok {
			inbound = append(inbound, ev)
		}
	}

	log.Debug().Int("events", len(req.Events)).Int("accepted", len(inbound)).Msg("received line webhook")

	if len(inbound) > 0 {
		h.wg.Add(1)
		go h.process(inbound)
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// process handles a webhook's events in order. It is detached from the
// request so that returning 200 does not cancel the work.
func (h *LineHandler) process(events []model.InboundEvent) {
	defer h.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	for _, ev := range events {
		if err := h.events.Handle(ctx, ev); err != nil {
			log.Error().Err(err).Str("userId", ev.UserID).Str("eventId", ev.EventID).Msg("failed to handle line event")
		}
	}
}

// Wait blocks until all accepted webhooks have been processed.
func (h *LineHandler) Wait() {
	h.wg.Wait()
}

// normalizeEvent keeps one-on-one text and voice messages from active
// channels and drops everything else.
func normalizeEvent(e webhook.EventInterface) (model.InboundEvent, bool) {
	msg, ok := e.(webhook.MessageEvent)
	if !ok || msg.Message == nil || msg.Mode == webhook.EventMode_STANDBY {
		return model.InboundEvent{}, false
	}
	source, ok := msg.Source.(webhook.UserSource)
	if !ok || source.UserId == "" {
		return model.InboundEvent{}, false
	}

	ev := model.InboundEvent{
		EventID:    msg.WebhookEventId,
		UserID:     source.UserId,
		ReplyToken: msg.ReplyToken,
		Redelivery: msg.DeliveryContext != nil && msg.DeliveryContext.IsRedelivery,
		Timestamp:  time.UnixMilli(msg.Timestamp),
	}

	switch content := msg.Message.(type) {
	case webhook.TextMessageContent:
		text := strings.TrimSpace(content.Text)
		if text == "" {
			return model.InboundEvent{}, false
		}
		ev.Kind = model.InboundKindText
		ev.Payload = text
		log.Debug().Str("userId", ev.UserID).Str("text", util.Truncate(text, 50)).Msg("text message")
	case webhook.AudioMessageContent:
		ev.Kind = model.InboundKindAudio
		ev.Payload = content.Id
	default:
		return model.InboundEvent{}, false
	}
	return ev, true
}
