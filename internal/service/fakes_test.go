package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/harukochan/bot-server-go/internal/database"
	"github.com/harukochan/bot-server-go/internal/entitlement"
	"github.com/harukochan/bot-server-go/internal/model"
	"github.com/harukochan/bot-server-go/internal/repository"
)

// memAccounts is an in-memory AccountRepository with the same relative-update
// and credit-guard semantics as the SQL one.
type memAccounts struct {
	mu       sync.Mutex
	accounts map[string]*model.Account
	getErr   error
	applyErr error
	applied  []model.Mutation
}

func newMemAccounts() *memAccounts {
	return &memAccounts{accounts: make(map[string]*model.Account)}
}

func (m *memAccounts) put(a model.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.UserID] = &a
}

func (m *memAccounts) get(userID string) model.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.accounts[userID]
}

func (m *memAccounts) GetOrCreate(ctx context.Context, userID string, defaults model.AccountDefaults) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	a, ok := m.accounts[userID]
	if !ok {
		a = &model.Account{
			UserID:               userID,
			FreeCreditsRemaining: defaults.FreeCredits,
			ActivePersona:        defaults.Persona,
			CreatedAt:            time.Now(),
		}
		m.accounts[userID] = a
	}
	cp := *a
	return &cp, nil
}

func (m *memAccounts) FindByID(ctx context.Context, userID string) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *memAccounts) FindByIDForUpdate(ctx context.Context, userID string) (*model.Account, error) {
	return m.FindByID(ctx, userID)
}

func (m *memAccounts) ApplyMutation(ctx context.Context, userID string, mut model.Mutation) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return nil, m.applyErr
	}
	a, ok := m.accounts[userID]
	if !ok {
		return nil, repository.ErrAccountNotFound
	}
	if mut.CreditCost > 0 && a.FreeCreditsRemaining < mut.CreditCost {
		return nil, repository.ErrInsufficientCredits
	}

	m.applied = append(m.applied, mut)
	a.MessageCount += int64(mut.MessageCountDelta)
	a.FreeCreditsRemaining -= mut.CreditCost
	if mut.Persona != nil {
		a.ActivePersona = *mut.Persona
	}
	if mut.PersonaGroup != nil {
		if len(*mut.PersonaGroup) == 0 {
			a.ActivePersonaGroup = nil
		} else {
			a.ActivePersonaGroup = append([]string{}, *mut.PersonaGroup...)
		}
	}
	switch {
	case mut.SubscriptionExpiry != nil:
		expiry := model.CivilDate(*mut.SubscriptionExpiry)
		a.SubscriptionExpiry = &expiry
		a.IsSubscribed = true
	case mut.ClearLapsedFlag != nil:
		if a.SubscriptionExpiry == nil || model.CivilDate(*a.SubscriptionExpiry).Before(*mut.ClearLapsedFlag) {
			a.IsSubscribed = false
		}
	}
	cp := *a
	return &cp, nil
}

func (m *memAccounts) FindUserIDsWithExpiry(ctx context.Context, date time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, a := range m.accounts {
		if a.SubscriptionExpiry != nil && model.CivilDate(*a.SubscriptionExpiry).Equal(model.CivilDate(date)) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memAccounts) ListAllUserIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.accounts))
	for id := range m.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memAccounts) Stats(ctx context.Context, today time.Time) (*model.AccountStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &model.AccountStats{TotalUsers: len(m.accounts)}
	for _, a := range m.accounts {
		stats.TotalMessages += a.MessageCount
		if entitlement.IsSubscribed(a.SubscriptionExpiry, today) {
			stats.ActiveSubscribers++
		}
	}
	return stats, nil
}

func (m *memAccounts) WithTx(tx *sqlx.Tx) repository.AccountRepository {
	return m
}

type memPayments struct {
	mu       sync.Mutex
	consumed map[string]model.ConsumedPayment
	err      error
	listErr  error
}

func newMemPayments() *memPayments {
	return &memPayments{consumed: make(map[string]model.ConsumedPayment)}
}

func (m *memPayments) Consume(ctx context.Context, p model.ConsumedPayment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if _, ok := m.consumed[p.TransactionID]; ok {
		return false, nil
	}
	m.consumed[p.TransactionID] = p
	return true, nil
}

func (m *memPayments) FindByTransactionID(ctx context.Context, id string) (*model.ConsumedPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.consumed[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *memPayments) ListByUser(ctx context.Context, userID string, limit int) ([]model.ConsumedPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []model.ConsumedPayment
	for _, p := range m.consumed {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memPayments) WithTx(tx *sqlx.Tx) repository.PaymentRepository {
	return m
}

// inlineTx runs the function without a real transaction.
type inlineTx struct{}

func (inlineTx) WithTx(ctx context.Context, fn database.TxFunc) error {
	return fn(nil)
}

type sentBatch struct {
	via    string
	target string
	msgs   []model.OutboundMessage
}

// recordingOutbound captures everything sent to the channel.
type recordingOutbound struct {
	mu       sync.Mutex
	batches  []sentBatch
	replyErr error
	pushErr  error
	content  []byte
}

func (o *recordingOutbound) Reply(ctx context.Context, token string, msgs []model.OutboundMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.replyErr != nil {
		return o.replyErr
	}
	o.batches = append(o.batches, sentBatch{via: "reply", target: token, msgs: msgs})
	return nil
}

func (o *recordingOutbound) Push(ctx context.Context, userID string, msgs []model.OutboundMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pushErr != nil {
		return o.pushErr
	}
	o.batches = append(o.batches, sentBatch{via: "push", target: userID, msgs: msgs})
	return nil
}

func (o *recordingOutbound) Broadcast(ctx context.Context, msgs []model.OutboundMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.batches = append(o.batches, sentBatch{via: "broadcast", msgs: msgs})
	return nil
}

func (o *recordingOutbound) FetchContent(ctx context.Context, messageID string) ([]byte, error) {
	return o.content, nil
}

func (o *recordingOutbound) sent() []sentBatch {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]sentBatch{}, o.batches...)
}

type chatFunc func(ctx context.Context, prompt, system string) (string, error)

func (f chatFunc) Complete(ctx context.Context, prompt, system string) (string, error) {
	return f(ctx, prompt, system)
}

type imageFunc func(ctx context.Context, prompt string) ([]byte, error)

func (f imageFunc) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	return f(ctx, prompt)
}

type speechFunc func(ctx context.Context, text string) ([]byte, int, error)

func (f speechFunc) Synthesize(ctx context.Context, text string) ([]byte, int, error) {
	return f(ctx, text)
}

type transcribeFunc func(ctx context.Context, audio []byte, filename string) (string, error)

func (f transcribeFunc) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	return f(ctx, audio, filename)
}

type memMedia struct {
	mu      sync.Mutex
	uploads []string
	err     error
}

func (m *memMedia) Upload(ctx context.Context, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.uploads = append(m.uploads, contentType)
	return "https://cdn.example.com/" + contentType, nil
}

type stubLimiter struct{ allow bool }

func (s stubLimiter) CheckLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Time) {
	return s.allow, time.Now().Add(window)
}

type memClaimer struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (c *memClaimer) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keys == nil {
		c.keys = make(map[string]bool)
	}
	if c.keys[key] {
		return false, nil
	}
	c.keys[key] = true
	return true, nil
}
