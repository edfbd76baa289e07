package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/harukochan/bot-server-go/internal/config"
	"github.com/harukochan/bot-server-go/internal/entitlement"
	apperrors "github.com/harukochan/bot-server-go/internal/errors"
	"github.com/harukochan/bot-server-go/internal/metrics"
	"github.com/harukochan/bot-server-go/internal/model"
	"github.com/harukochan/bot-server-go/internal/persona"
	appredis "github.com/harukochan/bot-server-go/internal/redis"
	"github.com/harukochan/bot-server-go/internal/repository"
)

// LINE delivers voice messages as m4a.
const audioFilename = "voice.m4a"

type ActionCosts struct {
	Chat   int
	Image  int
	Speech int
}

func (c ActionCosts) For(t CommandType) int {
	switch t {
	case CommandImage:
		return c.Image
	case CommandSpeak:
		return c.Speech
	default:
		return c.Chat
	}
}

// Timeouts bound each upstream call made while handling one message.
type Timeouts struct {
	Chat       time.Duration
	Image      time.Duration
	Speech     time.Duration
	Transcribe time.Duration
	Upload     time.Duration
	Channel    time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Chat:       config.ChatTimeout,
		Image:      config.ImageTimeout,
		Speech:     config.SpeechTimeout,
		Transcribe: config.TranscribeTimeout,
		Upload:     config.UploadTimeout,
		Channel:    config.ChannelTimeout,
	}
}

type DispatcherConfig struct {
	Defaults       model.AccountDefaults
	Costs          ActionCosts
	Plans          map[int]int
	PublicBaseURL  string
	Location       *time.Location
	UserRateLimit  int
	UserRateWindow time.Duration
	MaxGroupSize   int
	DedupTTL       time.Duration
	Timeouts       Timeouts
}

// DispatcherDeps are the dispatcher's collaborators. Limiter, Claimer and
// Metrics are optional.
type DispatcherDeps struct {
	Accounts    repository.AccountRepository
	Whitelist   *entitlement.Whitelist
	Chat        ChatRelay
	Image       ImageRelay
	Media       MediaStore
	Speech      SpeechRelay
	Transcriber Transcriber
	Outbound    Outbound
	Limiter     Limiter
	Claimer     Claimer
	Metrics     *metrics.Collector
}

type DispatcherOption func(*Dispatcher)

func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		d.now = now
	}
}

func WithRand(rng *rand.Rand) DispatcherOption {
	return func(d *Dispatcher) {
		d.rng = rng
	}
}

// Dispatcher turns one inbound message into replies, charging the user only
// after every upstream call it needed has succeeded. No database transaction
// is open while an upstream call runs.
type Dispatcher struct {
	DispatcherDeps
	cfg DispatcherConfig
	now func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

func NewDispatcher(deps DispatcherDeps, cfg DispatcherConfig, opts ...DispatcherOption) *Dispatcher {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.MaxGroupSize <= 0 {
		cfg.MaxGroupSize = config.MaxPersonaGroupSize
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = config.WebhookDedupTTL
	}
	if cfg.Timeouts == (Timeouts{}) {
		cfg.Timeouts = DefaultTimeouts()
	}

	d := &Dispatcher{
		DispatcherDeps: deps,
		cfg:            cfg,
		now:            time.Now,
		rng:            rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle processes one inbound event. User-visible failures are always one of
// the fixed replies; the returned error is for logging only.
func (d *Dispatcher) Handle(ctx context.Context, ev model.InboundEvent) error {
	logger := log.With().Str("userId", ev.UserID).Str("eventId", ev.EventID).Logger()

	if d.isDuplicate(ctx, ev, logger) {
		logger.Info().Bool("redelivery", ev.Redelivery).Msg("duplicate event skipped")
		d.Metrics.Message("none", "duplicate")
		return nil
	}

	if !d.allowRate(ctx, ev.UserID) {
		logger.Info().Msg("user rate limited")
		d.Metrics.Message("none", "rate_limited")
		d.send(ctx, ev, textReply(ReplySlowDown), logger)
		return nil
	}

	today := model.Today(d.now(), d.cfg.Location)

	account, err := d.Accounts.GetOrCreate(ctx, ev.UserID, d.cfg.Defaults)
	if err != nil {
		return d.storageFailure(ctx, ev, "resolve", fmt.Errorf("resolve account: %w", err), logger)
	}
	if entitlement.HasStaleFlag(*account, today) {
		updated, err := d.Accounts.ApplyMutation(ctx, ev.UserID, model.ClearLapsedFlag(today))
		if err != nil {
			logger.Warn().Err(err).Msg("clear stale subscription flag failed")
		} else {
			account = updated
		}
	}

	cmd := Command{Type: CommandChat}
	if ev.Kind == model.InboundKindText {
		cmd = ParseCommand(ev.Payload)
		if cmd.Type == CommandChat && cmd.Arg == "" {
			return nil
		}
	}

	if cmd.Type.Chargeable() {
		return d.handleChargeable(ctx, ev, account, cmd, today, logger)
	}

	msgs, err := d.handleFree(ctx, account, cmd, today)
	if err != nil {
		return d.storageFailure(ctx, ev, string(cmd.Type), err, logger)
	}
	d.Metrics.Message(string(cmd.Type), "replied")
	d.send(ctx, ev, msgs, logger)
	return nil
}

func (d *Dispatcher) isDuplicate(ctx context.Context, ev model.InboundEvent, logger zerolog.Logger) bool {
	if d.Claimer == nil || ev.EventID == "" {
		return false
	}
	claimed, err := d.Claimer.Claim(ctx, appredis.WebhookEventKey(ev.EventID), d.cfg.DedupTTL)
	if err != nil {
		logger.Warn().Err(err).Msg("event dedup check failed, processing anyway")
		return false
	}
	return !claimed
}

func (d *Dispatcher) allowRate(ctx context.Context, userID string) bool {
	if d.Limiter == nil || d.cfg.UserRateLimit <= 0 {
		return true
	}
	allowed, _ := d.Limiter.CheckLimit(ctx, appredis.UserRateLimitKey(userID), d.cfg.UserRateLimit, d.cfg.UserRateWindow)
	return allowed
}

func (d *Dispatcher) storageFailure(ctx context.Context, ev model.InboundEvent, action string, err error, logger zerolog.Logger) error {
	logger.Error().Err(err).Str("action", action).Msg("storage failure")
	d.Metrics.Message(action, "storage_error")
	d.send(ctx, ev, textReply(ReplyTryLater), logger)
	return apperrors.Database(err)
}

func (d *Dispatcher) handleFree(ctx context.Context, account *model.Account, cmd Command, today time.Time) ([]model.OutboundMessage, error) {
	switch cmd.Type {
	case CommandStatus:
		return textReply(statusReply(account, d.Whitelist.Contains(account.UserID), today)), nil

	case CommandPurchase:
		return textReply(purchaseReply(d.cfg.Plans, CheckoutLink(d.cfg.PublicBaseURL, account.UserID))), nil

	case CommandPersona:
		if cmd.Arg == "" {
			return textReply(personaListReply()), nil
		}
		p, ok := persona.Lookup(cmd.Arg)
		if !ok {
			return textReply(fmt.Sprintf("找不到角色「%s」喔 🤔\n%s", cmd.Arg, personaListReply())), nil
		}
		if _, err := d.Accounts.ApplyMutation(ctx, account.UserID, model.SetPersona(string(p.ID))); err != nil {
			return nil, fmt.Errorf("set persona: %w", err)
		}
		return textReply(personaSwitchedReply(p)), nil

	case CommandGroup:
		if cmd.Arg == "" {
			return textReply(personaListReply()), nil
		}
		if groupOffWords[strings.ToLower(cmd.Arg)] {
			if _, err := d.Accounts.ApplyMutation(ctx, account.UserID, model.SetPersonaGroup(nil)); err != nil {
				return nil, fmt.Errorf("clear persona group: %w", err)
			}
			return textReply(ReplyGroupCleared), nil
		}
		group, err := persona.ParseGroup(strings.Fields(cmd.Arg), d.cfg.MaxGroupSize)
		if err != nil {
			return textReply(fmt.Sprintf("群組設定不正確（最多 %d 位角色）🤔\n%s", d.cfg.MaxGroupSize, personaListReply())), nil
		}
		if _, err := d.Accounts.ApplyMutation(ctx, account.UserID, model.SetPersonaGroup(group)); err != nil {
			return nil, fmt.Errorf("set persona group: %w", err)
		}
		return textReply(groupSetReply(group)), nil

	default:
		return textReply(helpReply()), nil
	}
}

func (d *Dispatcher) handleChargeable(ctx context.Context, ev model.InboundEvent, account *model.Account, cmd Command, today time.Time, logger zerolog.Logger) error {
	action := string(cmd.Type)
	logger = logger.With().Str("action", action).Logger()

	if cmd.Type == CommandImage && cmd.Arg == "" {
		d.send(ctx, ev, textReply(ReplyImageUsage), logger)
		return nil
	}

	decision := entitlement.Evaluate(*account, d.Whitelist.Contains(ev.UserID), d.cfg.Costs.For(cmd.Type), today)
	d.Metrics.Decision(string(decision.Reason))
	if !decision.Allowed {
		logger.Info().Int("freeCredits", account.FreeCreditsRemaining).Msg("action denied")
		d.Metrics.Message(action, "denied")
		d.send(ctx, ev, textReply(ReplyDenied), logger)
		return nil
	}

	msgs, failReply, err := d.execute(ctx, ev, account, cmd)
	if err != nil {
		logger.Warn().Err(err).Msg("upstream call failed, nothing charged")
		d.Metrics.Message(action, "upstream_error")
		d.send(ctx, ev, textReply(failReply), logger)
		return nil
	}

	// The answer is only released once the charge is recorded; a guard that
	// fails here means concurrent requests already spent the credits.
	if _, err := d.Accounts.ApplyMutation(ctx, ev.UserID, decision.Mutation); err != nil {
		if errors.Is(err, repository.ErrInsufficientCredits) {
			logger.Info().Msg("credits spent by a concurrent request, answer withheld")
			d.Metrics.ChargeRace()
			d.Metrics.Message(action, "denied")
			d.send(ctx, ev, textReply(ReplyDenied), logger)
			return nil
		}
		return d.storageFailure(ctx, ev, action, fmt.Errorf("record usage: %w", err), logger)
	}

	logger.Info().Str("reason", string(decision.Reason)).Int("replies", len(msgs)).Msg("action completed")
	d.Metrics.Message(action, "replied")
	d.send(ctx, ev, msgs, logger)
	return nil
}

// execute runs the upstream calls for a chargeable command. On failure it also
// returns the fixed reply to show the user.
func (d *Dispatcher) execute(ctx context.Context, ev model.InboundEvent, account *model.Account, cmd Command) ([]model.OutboundMessage, string, error) {
	switch cmd.Type {
	case CommandImage:
		msgs, err := d.generateImage(ctx, cmd.Arg)
		return msgs, ReplyImageFailed, err

	case CommandSpeak:
		text := cmd.Arg
		if text == "" {
			text = DefaultSpeakText
		}
		msgs, err := d.speak(ctx, text)
		return msgs, ReplySpeechFailed, err

	default:
		prompt := cmd.Arg
		if ev.Kind == model.InboundKindAudio {
			text, err := d.transcribe(ctx, ev.Payload)
			if err != nil {
				return nil, ReplyASRFailed, err
			}
			prompt = text
		}
		msgs, err := d.chatReplies(ctx, account.Personas(), prompt)
		return msgs, ReplyApology, err
	}
}

// chatReplies asks every persona concurrently. All must answer; replies keep
// the group's order.
func (d *Dispatcher) chatReplies(ctx context.Context, ids []string, prompt string) ([]model.OutboundMessage, error) {
	if d.Chat == nil {
		return nil, notConfigured("chat")
	}

	personas := make([]persona.Persona, len(ids))
	for i, id := range ids {
		personas[i] = persona.MustLookup(id)
	}

	answers := make([]string, len(personas))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range personas {
		g.Go(func() error {
			answer, err := callRelay(gctx, d, "chat", d.cfg.Timeouts.Chat, func(ctx context.Context) (string, error) {
				return d.Chat.Complete(ctx, prompt, p.System)
			})
			if err != nil {
				return fmt.Errorf("persona %s: %w", p.ID, err)
			}
			answers[i] = answer
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	d.rngMu.Lock()
	defer d.rngMu.Unlock()
	msgs := make([]model.OutboundMessage, len(personas))
	for i, p := range personas {
		msgs[i] = model.TextMessage(p.Style(answers[i], d.rng))
	}
	return msgs, nil
}

func (d *Dispatcher) generateImage(ctx context.Context, prompt string) ([]model.OutboundMessage, error) {
	if d.Image == nil || d.Media == nil {
		return nil, notConfigured("image")
	}
	data, err := callRelay(ctx, d, "image", d.cfg.Timeouts.Image, func(ctx context.Context) ([]byte, error) {
		return d.Image.GenerateImage(ctx, prompt)
	})
	if err != nil {
		return nil, err
	}
	url, err := callRelay(ctx, d, "upload", d.cfg.Timeouts.Upload, func(ctx context.Context) (string, error) {
		return d.Media.Upload(ctx, data, "image/png")
	})
	if err != nil {
		return nil, err
	}
	return []model.OutboundMessage{model.ImageMessage(url)}, nil
}

func (d *Dispatcher) speak(ctx context.Context, text string) ([]model.OutboundMessage, error) {
	if d.Speech == nil || d.Media == nil {
		return nil, notConfigured("speech")
	}
	type clip struct {
		audio      []byte
		durationMs int
	}
	c, err := callRelay(ctx, d, "speech", d.cfg.Timeouts.Speech, func(ctx context.Context) (clip, error) {
		audio, durationMs, err := d.Speech.Synthesize(ctx, text)
		return clip{audio: audio, durationMs: durationMs}, err
	})
	if err != nil {
		return nil, err
	}
	url, err := callRelay(ctx, d, "upload", d.cfg.Timeouts.Upload, func(ctx context.Context) (string, error) {
		return d.Media.Upload(ctx, c.audio, "audio/mpeg")
	})
	if err != nil {
		return nil, err
	}
	return []model.OutboundMessage{model.AudioMessage(url, c.durationMs)}, nil
}

func (d *Dispatcher) transcribe(ctx context.Context, messageID string) (string, error) {
	if d.Transcriber == nil || d.Outbound == nil {
		return "", notConfigured("transcribe")
	}
	audio, err := callRelay(ctx, d, "content", d.cfg.Timeouts.Channel, func(ctx context.Context) ([]byte, error) {
		return d.Outbound.FetchContent(ctx, messageID)
	})
	if err != nil {
		return "", err
	}
	text, err := callRelay(ctx, d, "transcribe", d.cfg.Timeouts.Transcribe, func(ctx context.Context) (string, error) {
		return d.Transcriber.Transcribe(ctx, audio, audioFilename)
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", apperrors.External("transcribe", errors.New("empty transcription"))
	}
	return text, nil
}

// callRelay runs fn under its own timeout and marks any failure as an
// upstream error.
func callRelay[T any](ctx context.Context, d *Dispatcher, name string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out, err := fn(callCtx)
	d.Metrics.ObserveRelay(name, start, err)
	if err != nil && !apperrors.IsUpstream(err) {
		err = apperrors.External(name, err)
	}
	return out, err
}

func notConfigured(relay string) error {
	return apperrors.External(relay, errors.New("not configured"))
}

// send replies with the event's reply token, falling back to a push when
// there is none or the reply fails.
func (d *Dispatcher) send(ctx context.Context, ev model.InboundEvent, msgs []model.OutboundMessage, logger zerolog.Logger) {
	if len(msgs) == 0 || d.Outbound == nil {
		return
	}

	if ev.ReplyToken != "" {
		replyCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeouts.Channel)
		err := d.Outbound.Reply(replyCtx, ev.ReplyToken, msgs)
		cancel()
		if err == nil {
			return
		}
		logger.Warn().Err(err).Msg("reply failed, falling back to push")
	}

	pushCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeouts.Channel)
	defer cancel()
	if err := d.Outbound.Push(pushCtx, ev.UserID, msgs); err != nil {
		logger.Error().Err(err).Msg("deliver reply failed")
	}
}

func textReply(text string) []model.OutboundMessage {
	return []model.OutboundMessage{model.TextMessage(text)}
}
