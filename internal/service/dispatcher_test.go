package service

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harukochan/bot-server-go/internal/entitlement"
	apperrors "github.com/harukochan/bot-server-go/internal/errors"
	"github.com/harukochan/bot-server-go/internal/model"
)

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type dispatcherFixture struct {
	accounts *memAccounts
	outbound *recordingOutbound
	media    *memMedia
	deps     DispatcherDeps
	cfg      DispatcherConfig
}

func newDispatcherFixture() *dispatcherFixture {
	f := &dispatcherFixture{
		accounts: newMemAccounts(),
		outbound: &recordingOutbound{},
		media:    &memMedia{},
	}
	f.deps = DispatcherDeps{
		Accounts: f.accounts,
		Chat: chatFunc(func(ctx context.Context, prompt, system string) (string, error) {
			return "reply to " + prompt, nil
		}),
		Image: imageFunc(func(ctx context.Context, prompt string) ([]byte, error) {
			return []byte("png"), nil
		}),
		Speech: speechFunc(func(ctx context.Context, text string) ([]byte, int, error) {
			return []byte("mp3"), 1800, nil
		}),
		Transcriber: transcribeFunc(func(ctx context.Context, audio []byte, filename string) (string, error) {
			return "transcribed " + string(audio), nil
		}),
		Media:    f.media,
		Outbound: f.outbound,
	}
	f.cfg = DispatcherConfig{
		Defaults:      model.AccountDefaults{FreeCredits: 10, Persona: "rina"},
		Costs:         ActionCosts{Chat: 1, Image: 1, Speech: 1},
		Plans:         map[int]int{199: 30},
		PublicBaseURL: "https://bot.example.com",
		Timeouts: Timeouts{
			Chat: time.Second, Image: time.Second, Speech: time.Second,
			Transcribe: time.Second, Upload: time.Second, Channel: time.Second,
		},
	}
	return f
}

func (f *dispatcherFixture) dispatcher() *Dispatcher {
	return NewDispatcher(f.deps, f.cfg,
		WithClock(func() time.Time { return testNow }),
		WithRand(rand.New(rand.NewPCG(1, 2))),
	)
}

func textEvent(userID, text string) model.InboundEvent {
	return model.InboundEvent{
		EventID:    "ev-" + text,
		UserID:     userID,
		Kind:       model.InboundKindText,
		Payload:    text,
		ReplyToken: "rt",
	}
}

func (f *dispatcherFixture) onlyBatch(t *testing.T) sentBatch {
	t.Helper()
	sent := f.outbound.sent()
	require.Len(t, sent, 1)
	return sent[0]
}

func TestDispatcherNewUserFirstChat(t *testing.T) {
	f := newDispatcherFixture()

	err := f.dispatcher().Handle(context.Background(), textEvent("U1", "你好"))
	require.NoError(t, err)

	account := f.accounts.get("U1")
	assert.Equal(t, 9, account.FreeCreditsRemaining)
	assert.Equal(t, int64(1), account.MessageCount)

	batch := f.onlyBatch(t)
	assert.Equal(t, "reply", batch.via)
	require.Len(t, batch.msgs, 1)
	assert.True(t, strings.HasPrefix(batch.msgs[0].Text, "reply to 你好\n"))
}

func TestDispatcherPersonaGroupChargesOnce(t *testing.T) {
	f := newDispatcherFixture()
	var calls atomic.Int32
	f.deps.Chat = chatFunc(func(ctx context.Context, prompt, system string) (string, error) {
		calls.Add(1)
		if strings.Contains(system, "晴子醬") {
			return "rina says hi", nil
		}
		return "sora says hi", nil
	})
	f.accounts.put(model.Account{
		UserID:               "U1",
		FreeCreditsRemaining: 5,
		ActivePersona:        "rina",
		ActivePersonaGroup:   []string{"rina", "sora"},
	})

	err := f.dispatcher().Handle(context.Background(), textEvent("U1", "大家好"))
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 4, f.accounts.get("U1").FreeCreditsRemaining)

	batch := f.onlyBatch(t)
	require.Len(t, batch.msgs, 2)
	assert.True(t, strings.HasPrefix(batch.msgs[0].Text, "rina says hi"))
	assert.True(t, strings.HasPrefix(batch.msgs[1].Text, "sora says hi"))
}

func TestDispatcherPersonaGroupPartialFailureChargesNothing(t *testing.T) {
	f := newDispatcherFixture()
	f.deps.Chat = chatFunc(func(ctx context.Context, prompt, system string) (string, error) {
		if strings.Contains(system, "小空") {
			return "", errors.New("boom")
		}
		return "ok", nil
	})
	f.accounts.put(model.Account{UserID: "U1", FreeCreditsRemaining: 5, ActivePersona: "rina", ActivePersonaGroup: []string{"rina", "sora"}})

	require.NoError(t, f.dispatcher().Handle(context.Background(), textEvent("U1", "hi")))

	assert.Equal(t, 5, f.accounts.get("U1").FreeCreditsRemaining)
	batch := f.onlyBatch(t)
	assert.Equal(t, []model.OutboundMessage{model.TextMessage(ReplyApology)}, batch.msgs)
}

func TestDispatcherChatTimeoutChargesNothing(t *testing.T) {
	f := newDispatcherFixture()
	f.cfg.Timeouts.Chat = 20 * time.Millisecond
	f.deps.Chat = chatFunc(func(ctx context.Context, prompt, system string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	f.accounts.put(model.Account{UserID: "U1", FreeCreditsRemaining: 3, ActivePersona: "rina"})

	require.NoError(t, f.dispatcher().Handle(context.Background(), textEvent("U1", "hi")))

	account := f.accounts.get("U1")
	assert.Equal(t, 3, account.FreeCreditsRemaining)
	assert.Equal(t, int64(0), account.MessageCount)
	assert.Equal(t, []model.OutboundMessage{model.TextMessage(ReplyApology)}, f.onlyBatch(t).msgs)
}

func TestDispatcherDeniedMakesNoUpstreamCall(t *testing.T) {
	f := newDispatcherFixture()
	f.deps.Chat = chatFunc(func(ctx context.Context, prompt, system string) (string, error) {
		t.Fatal("chat relay must not be called when denied")
		return "", nil
	})
	f.accounts.put(model.Account{UserID: "U1", FreeCreditsRemaining: 0, ActivePersona: "rina"})

	require.NoError(t, f.dispatcher().Handle(context.Background(), textEvent("U1", "hi")))

	assert.Equal(t, []model.OutboundMessage{model.TextMessage(ReplyDenied)}, f.onlyBatch(t).msgs)
	assert.Empty(t, f.accounts.applied)
}

func TestDispatcherSubscribedAndWhitelistedAreNotCharged(t *testing.T) {
	t.Run("subscription expiring today", func(t *testing.T) {
		f := newDispatcherFixture()
		expiry := model.CivilDate(testNow)
		f.accounts.put(model.Account{UserID: "U1", FreeCreditsRemaining: 0, IsSubscribed: true, SubscriptionExpiry: &expiry, ActivePersona: "rina"})

		require.NoError(t, f.dispatcher().Handle(context.Background(), textEvent("U1", "hi")))

		account := f.accounts.get("U1")
		assert.Equal(t, 0, account.FreeCreditsRemaining)
		assert.Equal(t, int64(1), account.MessageCount)
	})

	t.Run("whitelisted", func(t *testing.T) {
		f := newDispatcherFixture()
		f.deps.Whitelist = entitlement.NewWhitelist([]string{"VIP"})
		f.accounts.put(model.Account{UserID: "VIP", FreeCreditsRemaining: 0, ActivePersona: "rina"})

		require.NoError(t, f.dispatcher().Handle(context.Background(), textEvent("VIP", "hi")))

		assert.NotEqual(t, ReplyDenied, f.onlyBatch(t).msgs[0].Text)
		assert.Equal(t, int64(1), f.accounts.get("VIP").MessageCount)
	})
}

func TestDispatcherStaleSubscriptionFlagIsCleared(t *testing.T) {
	f := newDispatcherFixture()
	expired := model.CivilDate(testNow).AddDate(0, 0, -1)
	f.accounts.put(model.Account{UserID: "U1", FreeCreditsRemaining: 2, IsSubscribed: true, SubscriptionExpiry: &expired, ActivePersona: "rina"})

	require.NoError(t, f.dispatcher().Handle(context.Background(), textEvent("U1", "hi")))

	account := f.accounts.get("U1")
	assert.False(t, account.IsSubscribed)
	assert.Equal(t, 1, account.FreeCreditsRemaining)
}

func TestDispatcherStorageError(t *testing.T) {
	f := newDispatcherFixture()
	f.accounts.getErr = errors.New("connection refused")
	f.deps.Chat = chatFunc(func(ctx context.Context, prompt, system string) (string, error) {
		t.Fatal("chat relay must not be called on storage failure")
		return "", nil
	})

	err := f.dispatcher().Handle(context.Background(), textEvent("U1", "hi"))
	require.Error(t, err)
	assert.True(t, apperrors.IsStorage(err))
	assert.Equal(t, []model.OutboundMessage{model.TextMessage(ReplyTryLater)}, f.onlyBatch(t).msgs)
}

func TestDispatcherChargeRaceWithholdsAnswer(t *testing.T) {
	f := newDispatcherFixture()
	f.accounts.put(model.Account{UserID: "U1", FreeCreditsRemaining: 1, ActivePersona: "rina"})
	// Another request spends the last credit while the chat call is running.
	f.deps.Chat = chatFunc(func(ctx context.Context, prompt, system string) (string, error) {
		_, err := f.accounts.ApplyMutation(ctx, "U1", model.ChargeMessage(1))
		assert.NoError(t, err)
		return "answer", nil
	})

	require.NoError(t, f.dispatcher().Handle(context.Background(), textEvent("U1", "hi")))

	account := f.accounts.get("U1")
	assert.Equal(t, 0, account.FreeCreditsRemaining)
	assert.Equal(t, int64(1), account.MessageCount)
	assert.Equal(t, []model.OutboundMessage{model.TextMessage(ReplyDenied)}, f.onlyBatch(t).msgs)
}

func TestDispatcherRecordFailureWithholdsAnswer(t *testing.T) {
	f := newDispatcherFixture()
	f.accounts.put(model.Account{UserID: "U1", FreeCreditsRemaining: 5, ActivePersona: "rina"})
	f.accounts.applyErr = errors.New("connection reset")

	err := f.dispatcher().Handle(context.Background(), textEvent("U1", "hi"))
	require.Error(t, err)
	assert.True(t, apperrors.IsStorage(err))
	assert.Equal(t, 5, f.accounts.get("U1").FreeCreditsRemaining)
	assert.Equal(t, []model.OutboundMessage{model.TextMessage(ReplyTryLater)}, f.onlyBatch(t).msgs)
}

// renewingAccounts credits a subscription right after handing out the
// account snapshot, as a payment landing mid-request would.
type renewingAccounts struct {
	*memAccounts
	expiry time.Time
}

func (r *renewingAccounts) GetOrCreate(ctx context.Context, userID string, defaults model.AccountDefaults) (*model.Account, error) {
	account, err := r.memAccounts.GetOrCreate(ctx, userID, defaults)
	if err != nil {
		return nil, err
	}
	if _, err := r.memAccounts.ApplyMutation(ctx, userID, model.Mutation{SubscriptionExpiry: &r.expiry}); err != nil {
		return nil, err
	}
	return account, nil
}

func TestDispatcherStaleFlagClearKeepsConcurrentRenewal(t *testing.T) {
	f := newDispatcherFixture()
	lapsed := model.CivilDate(testNow).AddDate(0, 0, -3)
	renewed := model.CivilDate(testNow).AddDate(0, 0, 30)
	f.accounts.put(model.Account{UserID: "U1", IsSubscribed: true, SubscriptionExpiry: &lapsed, ActivePersona: "rina"})
	f.deps.Accounts = &renewingAccounts{memAccounts: f.accounts, expiry: renewed}

	require.NoError(t, f.dispatcher().Handle(context.Background(), textEvent("U1", "/狀態")))

	account := f.accounts.get("U1")
	assert.True(t, account.IsSubscribed)
	assert.Equal(t, renewed, *account.SubscriptionExpiry)
}

func TestDispatcherImage(t *testing.T) {
	t.Run("uploads and replies with image", func(t *testing.T) {
		f := newDispatcherFixture()
		require.NoError(t, f.dispatcher().Handle(context.Background(), textEvent("U1", "/畫圖 一隻貓")))

		assert.Equal(t, []model.OutboundMessage{model.ImageMessage("https://cdn.example.com/image/png")}, f.onlyBatch(t).msgs)
		assert.Equal(t, 9, f.accounts.get("U1").FreeCreditsRemaining)
	})

	t.Run("missing prompt is free", func(t *testing.T) {
		f := newDispatcherFixture()
		require.NoError(t, f.dispatcher().Handle(context.Background(), textEvent("U1", "/畫圖")))

		assert.Equal(t, ReplyImageUsage, f.onlyBatch(t).msgs[0].Text)
		assert.Equal(t, 10, f.accounts.get("U1").FreeCreditsRemaining)
	})

	t.Run("upload failure charges nothing", func(t *testing.T) {
		f := newDispatcherFixture()
		f.media.err = apperrors.External("r2", errors.New("denied"))
		require.NoError(t, f.dispatcher().Handle(context.Background(), textEvent("U1", "/畫圖 cat")))

		assert.Equal(t, ReplyImageFailed, f.onlyBatch(t).msgs[0].Text)
		assert.Equal(t, 10, f.accounts.get("U1").FreeCreditsRemaining)
	})

	t.Run("image costs more when configured", func(t *testing.T) {
		f := newDispatcherFixture()
		f.cfg.Costs.Image = 3
		require.NoError(t, f.dispatcher().Handle(context.Background(), textEvent("U1", "/draw cat")))

		assert.Equal(t, 7, f.accounts.get("U1").FreeCreditsRemaining)
	})
}

func TestDispatcherSpeak(t *testing.T) {
	f := newDispatcherFixture()
	var spoken string
	f.deps.Speech = speechFunc(func(ctx context.Context, text string) ([]byte, int, error) {
		spoken = text
		return []byte("mp3"), 2500, nil
	})

	require.NoError(t, f.dispatcher().Handle(context.Background(), textEvent("U1", "/朗讀")))

	assert.Equal(t, DefaultSpeakText, spoken)
	assert.Equal(t, []model.OutboundMessage{model.AudioMessage("https://cdn.example.com/audio/mpeg", 2500)}, f.onlyBatch(t).msgs)
	assert.Equal(t, 9, f.accounts.get("U1").FreeCreditsRemaining)
}

func TestDispatcherAudio(t *testing.T) {
	t.Run("transcribes then chats", func(t *testing.T) {
		f := newDispatcherFixture()
		f.outbound.content = []byte("voice")

		ev := model.InboundEvent{EventID: "a1", UserID: "U1", Kind: model.InboundKindAudio, Payload: "m-1", ReplyToken: "rt"}
		require.NoError(t, f.dispatcher().Handle(context.Background(), ev))

		assert.True(t, strings.HasPrefix(f.onlyBatch(t).msgs[0].Text, "reply to transcribed voice"))
		assert.Equal(t, 9, f.accounts.get("U1").FreeCreditsRemaining)
	})

	t.Run("empty transcription charges nothing", func(t *testing.T) {
		f := newDispatcherFixture()
		f.deps.Transcriber = transcribeFunc(func(ctx context.Context, audio []byte, filename string) (string, error) {
			return "  ", nil
		})

		ev := model.InboundEvent{EventID: "a2", UserID: "U1", Kind: model.InboundKindAudio, Payload: "m-2", ReplyToken: "rt"}
		require.NoError(t, f.dispatcher().Handle(context.Background(), ev))

		assert.Equal(t, ReplyASRFailed, f.onlyBatch(t).msgs[0].Text)
		assert.Equal(t, 10, f.accounts.get("U1").FreeCreditsRemaining)
	})
}

func TestDispatcherFreeCommands(t *testing.T) {
	t.Run("status does not charge", func(t *testing.T) {
		f := newDispatcherFixture()
		f.accounts.put(model.Account{UserID: "U1", FreeCreditsRemaining: 0, ActivePersona: "rina"})

		require.NoError(t, f.dispatcher().Handle(context.Background(), textEvent("U1", "/狀態")))

		text := f.onlyBatch(t).msgs[0].Text
		assert.Contains(t, text, "剩餘 0 次")
		assert.Contains(t, text, "晴子醬")
		assert.Empty(t, f.accounts.applied)
	})

	t.Run("persona switch clears group", func(t *testing.T) {
		f := newDispatcherFixture()
		f.accounts.put(model.Account{UserID: "U1", FreeCreditsRemaining: 0, ActivePersona: "rina", ActivePersonaGroup: []string{"rina", "mika"}})

		require.NoError(t, f.dispatcher().Handle(context.Background(), textEvent("U1", "/角色 Sora")))

		account := f.accounts.get("U1")
		assert.Equal(t, "sora", account.ActivePersona)
		assert.Empty(t, account.ActivePersonaGroup)
		assert.Equal(t, 0, account.FreeCreditsRemaining)
	})

	t.Run("unknown persona changes nothing", func(t *testing.T) {
		f := newDispatcherFixture()
		require.NoError(t, f.dispatcher().Handle(context.Background(), textEvent("U1", "/角色 nobody")))

		assert.Equal(t, "rina", f.accounts.get("U1").ActivePersona)
		assert.Contains(t, f.onlyBatch(t).msgs[0].Text, "nobody")
	})

	t.Run("group set and cleared", func(t *testing.T) {
		f := newDispatcherFixture()
		d := f.dispatcher()

		require.NoError(t, d.Handle(context.Background(), textEvent("U1", "/群組 rina sora rina")))
		assert.Equal(t, []string{"rina", "sora"}, []string(f.accounts.get("U1").ActivePersonaGroup))

		require.NoError(t, d.Handle(context.Background(), textEvent("U1", "/群組 關閉")))
		assert.Empty(t, f.accounts.get("U1").ActivePersonaGroup)
	})

	t.Run("purchase includes checkout link and plans", func(t *testing.T) {
		f := newDispatcherFixture()
		require.NoError(t, f.dispatcher().Handle(context.Background(), textEvent("U1", "/購買")))

		text := f.onlyBatch(t).msgs[0].Text
		assert.Contains(t, text, "NT$199：30 天")
		assert.Contains(t, text, "https://bot.example.com/payments/checkout?userId=U1")
	})

	t.Run("persona change storage failure", func(t *testing.T) {
		f := newDispatcherFixture()
		f.accounts.put(model.Account{UserID: "U1", ActivePersona: "rina"})
		f.accounts.applyErr = errors.New("db down")

		err := f.dispatcher().Handle(context.Background(), textEvent("U1", "/角色 mika"))
		require.Error(t, err)
		assert.Equal(t, ReplyTryLater, f.onlyBatch(t).msgs[0].Text)
	})
}

func TestDispatcherDedupAndRateLimit(t *testing.T) {
	t.Run("redelivered event is handled once", func(t *testing.T) {
		f := newDispatcherFixture()
		f.deps.Claimer = &memClaimer{}
		d := f.dispatcher()

		ev := textEvent("U1", "hi")
		require.NoError(t, d.Handle(context.Background(), ev))
		ev.Redelivery = true
		require.NoError(t, d.Handle(context.Background(), ev))

		assert.Len(t, f.outbound.sent(), 1)
		assert.Equal(t, 9, f.accounts.get("U1").FreeCreditsRemaining)
	})

	t.Run("rate limited user gets slow down reply only", func(t *testing.T) {
		f := newDispatcherFixture()
		f.deps.Limiter = stubLimiter{allow: false}
		f.cfg.UserRateLimit = 1
		f.cfg.UserRateWindow = time.Minute

		require.NoError(t, f.dispatcher().Handle(context.Background(), textEvent("U1", "hi")))

		assert.Equal(t, ReplySlowDown, f.onlyBatch(t).msgs[0].Text)
		assert.Empty(t, f.accounts.accounts)
	})
}

func TestDispatcherReplyFallsBackToPush(t *testing.T) {
	f := newDispatcherFixture()
	f.outbound.replyErr = errors.New("invalid reply token")

	require.NoError(t, f.dispatcher().Handle(context.Background(), textEvent("U1", "hi")))

	batch := f.onlyBatch(t)
	assert.Equal(t, "push", batch.via)
	assert.Equal(t, "U1", batch.target)
}

func TestDispatcherConcurrentChargesNeverOverspend(t *testing.T) {
	f := newDispatcherFixture()
	f.accounts.put(model.Account{UserID: "U1", FreeCreditsRemaining: 3, ActivePersona: "rina"})
	f.deps.Chat = chatFunc(func(ctx context.Context, prompt, system string) (string, error) {
		time.Sleep(20 * time.Millisecond)
		return "answer", nil
	})
	d := f.dispatcher()

	done := make(chan struct{})
	for i := range 8 {
		go func() {
			defer func() { done <- struct{}{} }()
			ev := textEvent("U1", "hi")
			ev.EventID = string(rune('a' + i))
			_ = d.Handle(context.Background(), ev)
		}()
	}
	for range 8 {
		<-done
	}

	account := f.accounts.get("U1")
	assert.Equal(t, 0, account.FreeCreditsRemaining)
	assert.Equal(t, int64(3), account.MessageCount)

	var answered, denied int
	for _, batch := range f.outbound.sent() {
		switch {
		case batch.msgs[0].Text == ReplyDenied:
			denied++
		case strings.HasPrefix(batch.msgs[0].Text, "answer"):
			answered++
		}
	}
	assert.Equal(t, 3, answered)
	assert.Equal(t, 5, denied)
}

func TestActionCostsFor(t *testing.T) {
	costs := ActionCosts{Chat: 1, Image: 2, Speech: 3}
	assert.Equal(t, 1, costs.For(CommandChat))
	assert.Equal(t, 2, costs.For(CommandImage))
	assert.Equal(t, 3, costs.For(CommandSpeak))
}
