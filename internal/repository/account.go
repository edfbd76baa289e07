package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/harukochan/bot-server-go/internal/database"
	"github.com/harukochan/bot-server-go/internal/model"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrInsufficientCredits = errors.New("insufficient free credits")
)

type AccountRepository interface {
	// GetOrCreate returns the account, inserting one with defaults if absent.
	// Concurrent calls for the same user never create more than one row.
	GetOrCreate(ctx context.Context, userID string, defaults model.AccountDefaults) (*model.Account, error)
	FindByID(ctx context.Context, userID string) (*model.Account, error)
	// FindByIDForUpdate locks the row until the enclosing transaction ends.
	FindByIDForUpdate(ctx context.Context, userID string) (*model.Account, error)
	// ApplyMutation applies m as one UPDATE. A credit charge that would take
	// the balance below zero fails with ErrInsufficientCredits.
	ApplyMutation(ctx context.Context, userID string, m model.Mutation) (*model.Account, error)
	FindUserIDsWithExpiry(ctx context.Context, date time.Time) ([]string, error)
	ListAllUserIDs(ctx context.Context) ([]string, error)
	Stats(ctx context.Context, today time.Time) (*model.AccountStats, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) AccountRepository
}

type accountRepo struct {
	db database.DBTX
}

func NewAccountRepository(db *sqlx.DB) AccountRepository {
	return &accountRepo{db: db}
}

func (r *accountRepo) WithTx(tx *sqlx.Tx) AccountRepository {
	return &accountRepo{db: tx}
}

func (r *accountRepo) GetOrCreate(ctx context.Context, userID string, defaults model.AccountDefaults) (*model.Account, error) {
	var account model.Account
	err := r.db.GetContext(ctx, &account, `
		INSERT INTO users (user_id, free_credits_remaining, active_persona)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET last_seen_at = NOW()
		RETURNING *
	`, userID, defaults.FreeCredits, defaults.Persona)
	if err != nil {
		return nil, queryError("upsert account", err)
	}
	return &account, nil
}

func (r *accountRepo) FindByID(ctx context.Context, userID string) (*model.Account, error) {
	var account model.Account
	err := r.db.GetContext(ctx, &account, `SELECT * FROM users WHERE user_id = $1`, userID)
	return HandleNotFound(&account, err)
}

func (r *accountRepo) FindByIDForUpdate(ctx context.Context, userID string) (*model.Account, error) {
	var account model.Account
	err := r.db.GetContext(ctx, &account, `SELECT * FROM users WHERE user_id = $1 FOR UPDATE`, userID)
	return HandleNotFound(&account, err)
}

func (r *accountRepo) ApplyMutation(ctx context.Context, userID string, m model.Mutation) (*model.Account, error) {
	if m.IsZero() {
		account, err := r.FindByID(ctx, userID)
		if err != nil {
			return nil, err
		}
		if account == nil {
			return nil, ErrAccountNotFound
		}
		return account, nil
	}

	query, args := buildMutationQuery(userID, m)

	var account model.Account
	err := r.db.GetContext(ctx, &account, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.explainMissedUpdate(ctx, userID, m)
	}
	if err != nil {
		return nil, queryError("apply mutation", err)
	}
	return &account, nil
}

// explainMissedUpdate tells a missing row apart from a failed credit guard.
func (r *accountRepo) explainMissedUpdate(ctx context.Context, userID string, m model.Mutation) error {
	if m.CreditCost <= 0 {
		return ErrAccountNotFound
	}
	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM users WHERE user_id = $1)`, userID); err != nil {
		return queryError("check account exists", err)
	}
	if !exists {
		return ErrAccountNotFound
	}
	return ErrInsufficientCredits
}

func buildMutationQuery(userID string, m model.Mutation) (string, []any) {
	args := []any{userID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	sets := []string{"updated_at = NOW()"}
	guard := ""

	if m.MessageCountDelta != 0 {
		sets = append(sets, "message_count = message_count + "+arg(m.MessageCountDelta))
	}
	if m.CreditCost > 0 {
		cost := arg(m.CreditCost)
		sets = append(sets, "free_credits_remaining = free_credits_remaining - "+cost)
		guard = " AND free_credits_remaining >= " + cost
	}
	if m.Persona != nil {
		sets = append(sets, "active_persona = "+arg(*m.Persona))
	}
	if m.PersonaGroup != nil {
		if len(*m.PersonaGroup) == 0 {
			sets = append(sets, "active_persona_group = NULL")
		} else {
			sets = append(sets, "active_persona_group = "+arg(pq.Array(*m.PersonaGroup)))
		}
	}
	switch {
	case m.SubscriptionExpiry != nil:
		sets = append(sets,
			"subscription_expiry = "+arg(model.FormatDate(*m.SubscriptionExpiry))+"::date",
			"is_subscribed = TRUE")
	case m.ClearLapsedFlag != nil:
		sets = append(sets, "is_subscribed = CASE WHEN subscription_expiry IS NULL OR subscription_expiry < "+
			arg(model.FormatDate(*m.ClearLapsedFlag))+"::date THEN FALSE ELSE is_subscribed END")
	}

	query := "UPDATE users SET " + strings.Join(sets, ", ") +
		" WHERE user_id = $1" + guard + " RETURNING *"
	return query, args
}

func (r *accountRepo) FindUserIDsWithExpiry(ctx context.Context, date time.Time) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `
		SELECT user_id FROM users
		WHERE subscription_expiry = $1::date
		ORDER BY user_id
	`, model.FormatDate(date))
	if err != nil {
		return nil, queryError("find users with expiry", err)
	}
	return ids, nil
}

func (r *accountRepo) ListAllUserIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `SELECT user_id FROM users ORDER BY created_at, user_id`)
	if err != nil {
		return nil, queryError("list user ids", err)
	}
	return ids, nil
}

func (r *accountRepo) Stats(ctx context.Context, today time.Time) (*model.AccountStats, error) {
	var stats model.AccountStats
	err := r.db.GetContext(ctx, &stats, `
		SELECT
			COUNT(*) AS total_users,
			COUNT(*) FILTER (WHERE subscription_expiry >= $1::date) AS active_subscribers,
			COUNT(*) FILTER (WHERE free_credits_remaining = 0
				AND (subscription_expiry IS NULL OR subscription_expiry < $1::date)) AS exhausted_trials,
			COALESCE(SUM(message_count), 0) AS total_messages
		FROM users
	`, model.FormatDate(today))
	if err != nil {
		return nil, queryError("account stats", err)
	}
	return &stats, nil
}
