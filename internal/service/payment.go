package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/harukochan/bot-server-go/internal/audit"
	"github.com/harukochan/bot-server-go/internal/config"
	"github.com/harukochan/bot-server-go/internal/database"
	apperrors "github.com/harukochan/bot-server-go/internal/errors"
	"github.com/harukochan/bot-server-go/internal/metrics"
	"github.com/harukochan/bot-server-go/internal/model"
	"github.com/harukochan/bot-server-go/internal/repository"
)

// TxRunner runs fn inside one database transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn database.TxFunc) error
}

type PaymentServiceConfig struct {
	Plans    map[int]int
	Defaults model.AccountDefaults
	Location *time.Location
}

type PaymentService struct {
	db       TxRunner
	accounts repository.AccountRepository
	payments repository.PaymentRepository
	outbound Outbound
	metrics  *metrics.Collector
	cfg      PaymentServiceConfig
	validate *validator.Validate
}

func NewPaymentService(
	db TxRunner,
	accounts repository.AccountRepository,
	payments repository.PaymentRepository,
	outbound Outbound,
	m *metrics.Collector,
	cfg PaymentServiceConfig,
) *PaymentService {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &PaymentService{
		db:       db,
		accounts: accounts,
		payments: payments,
		outbound: outbound,
		metrics:  m,
		cfg:      cfg,
		validate: validator.New(),
	}
}

// ExtendExpiry adds days to whichever is later of today and the current
// expiry, so renewing early keeps the remaining days.
func ExtendExpiry(current *time.Time, today time.Time, days int) time.Time {
	base := model.CivilDate(today)
	if current != nil && model.CivilDate(*current).After(base) {
		base = model.CivilDate(*current)
	}
	return base.AddDate(0, 0, days)
}

// Credit applies a confirmed payment to the user's subscription. Malformed
// notifications and unknown amounts are reported as outcomes, not errors; a
// transaction id is applied at most once. Only storage failures return an
// error.
func (s *PaymentService) Credit(ctx context.Context, n model.PaymentNotification, now time.Time) (*model.CreditResult, error) {
	n.UserID = strings.TrimSpace(n.UserID)
	n.TransactionID = strings.TrimSpace(n.TransactionID)

	if err := s.validate.Struct(n); err != nil {
		result := &model.CreditResult{
			Outcome:       model.CreditOutcomeRejected,
			UserID:        n.UserID,
			TransactionID: n.TransactionID,
			Reason:        apperrors.MalformedPayment(err.Error()).Message,
		}
		s.record(ctx, result, n.PaidAmount)
		return result, nil
	}

	days, ok := s.cfg.Plans[n.PaidAmount]
	if !ok {
		result := &model.CreditResult{
			Outcome:       model.CreditOutcomeIgnored,
			UserID:        n.UserID,
			TransactionID: n.TransactionID,
			Reason:        fmt.Sprintf("no plan for amount %d", n.PaidAmount),
		}
		s.record(ctx, result, n.PaidAmount)
		return result, nil
	}

	today := model.Today(now, s.cfg.Location)
	result := &model.CreditResult{UserID: n.UserID, TransactionID: n.TransactionID, Days: days}

	err := s.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		accounts := s.accounts.WithTx(tx)
		payments := s.payments.WithTx(tx)

		if _, err := accounts.GetOrCreate(ctx, n.UserID, s.cfg.Defaults); err != nil {
			return fmt.Errorf("ensure account: %w", err)
		}
		account, err := accounts.FindByIDForUpdate(ctx, n.UserID)
		if err != nil {
			return fmt.Errorf("lock account: %w", err)
		}
		if account == nil {
			return repository.ErrAccountNotFound
		}

		newExpiry := ExtendExpiry(account.SubscriptionExpiry, today, days)
		consumed, err := payments.Consume(ctx, model.ConsumedPayment{
			TransactionID: n.TransactionID,
			UserID:        n.UserID,
			Amount:        n.PaidAmount,
			Days:          days,
			NewExpiry:     &newExpiry,
		})
		if err != nil {
			return fmt.Errorf("consume transaction: %w", err)
		}
		if !consumed {
			result.Outcome = model.CreditOutcomeDuplicate
			result.NewExpiry = account.SubscriptionExpiry
			result.Reason = apperrors.DuplicatePayment(n.TransactionID).Message
			return nil
		}

		if _, err := accounts.ApplyMutation(ctx, n.UserID, model.Mutation{SubscriptionExpiry: &newExpiry}); err != nil {
			return fmt.Errorf("extend subscription: %w", err)
		}
		result.Outcome = model.CreditOutcomeCredited
		result.NewExpiry = &newExpiry
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("userId", n.UserID).Str("transactionId", n.TransactionID).Msg("payment credit failed")
		s.metrics.Payment("error")
		return nil, apperrors.Database(err)
	}

	s.record(ctx, result, n.PaidAmount)
	if result.Outcome == model.CreditOutcomeCredited {
		s.confirm(ctx, n.UserID, days, *result.NewExpiry)
	}
	return result, nil
}

func (s *PaymentService) record(ctx context.Context, result *model.CreditResult, amount int) {
	s.metrics.Payment(string(result.Outcome))

	details := map[string]interface{}{
		"transactionId": result.TransactionID,
		"amount":        amount,
	}
	if result.Days > 0 {
		details["days"] = result.Days
	}
	if result.NewExpiry != nil {
		details["newExpiry"] = model.FormatDate(*result.NewExpiry)
	}
	if result.Reason != "" {
		details["reason"] = result.Reason
	}

	audit.Log(ctx, audit.Event{
		Type:    paymentEventTypes[result.Outcome],
		UserID:  result.UserID,
		Details: details,
	})
}

var paymentEventTypes = map[model.CreditOutcome]audit.EventType{
	model.CreditOutcomeCredited:  audit.EventPaymentCredited,
	model.CreditOutcomeDuplicate: audit.EventPaymentDuplicate,
	model.CreditOutcomeIgnored:   audit.EventPaymentIgnored,
	model.CreditOutcomeRejected:  audit.EventPaymentRejected,
}

func (s *PaymentService) confirm(ctx context.Context, userID string, days int, expiry time.Time) {
	if s.outbound == nil {
		return
	}
	pushCtx, cancel := context.WithTimeout(ctx, config.ChannelTimeout)
	defer cancel()

	msgs := []model.OutboundMessage{model.TextMessage(PaymentConfirmedReply(days, expiry))}
	if err := s.outbound.Push(pushCtx, userID, msgs); err != nil {
		log.Warn().Err(err).Str("userId", userID).Msg("payment confirmation push failed")
	}
}

// CheckoutLink is the purchase page URL sent to a user.
func CheckoutLink(publicBaseURL, userID string) string {
	if publicBaseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/payments/checkout?userId=%s", strings.TrimSuffix(publicBaseURL, "/"), url.QueryEscape(userID))
}

