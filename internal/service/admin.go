package service

import (
	"context"
	"fmt"
	"time"

	"github.com/harukochan/bot-server-go/internal/entitlement"
	apperrors "github.com/harukochan/bot-server-go/internal/errors"
	"github.com/harukochan/bot-server-go/internal/model"
	"github.com/harukochan/bot-server-go/internal/repository"
)

const adminRecentPayments = 20

// AccountView is an account as seen by an operator.
type AccountView struct {
	*model.Account
	SubscribedToday bool                    `json:"subscribedToday"`
	Whitelisted     bool                    `json:"whitelisted"`
	RecentPayments  []model.ConsumedPayment `json:"recentPayments"`
}

type AdminStats struct {
	model.AccountStats
	WhitelistSize int    `json:"whitelistSize"`
	Date          string `json:"date"`
}

// AdminService backs the read-only operator API.
type AdminService struct {
	accounts  repository.AccountRepository
	payments  repository.PaymentRepository
	whitelist *entitlement.Whitelist
	loc       *time.Location
}

func NewAdminService(
	accounts repository.AccountRepository,
	payments repository.PaymentRepository,
	whitelist *entitlement.Whitelist,
	loc *time.Location,
) *AdminService {
	if loc == nil {
		loc = time.UTC
	}
	return &AdminService{
		accounts:  accounts,
		payments:  payments,
		whitelist: whitelist,
		loc:       loc,
	}
}

// GetAccount returns nil when the user has never interacted with the bot.
func (s *AdminService) GetAccount(ctx context.Context, userID string, now time.Time) (*AccountView, error) {
	account, err := s.accounts.FindByID(ctx, userID)
	if err != nil {
		return nil, apperrors.Database(fmt.Errorf("find account: %w", err))
	}
	if account == nil {
		return nil, nil
	}

	payments, err := s.payments.ListByUser(ctx, userID, adminRecentPayments)
	if err != nil {
		return nil, apperrors.Database(fmt.Errorf("list payments: %w", err))
	}
	if payments == nil {
		payments = []model.ConsumedPayment{}
	}

	return &AccountView{
		Account:         account,
		SubscribedToday: entitlement.IsSubscribed(account.SubscriptionExpiry, model.Today(now, s.loc)),
		Whitelisted:     s.whitelist.Contains(userID),
		RecentPayments:  payments,
	}, nil
}

func (s *AdminService) GetStats(ctx context.Context, now time.Time) (*AdminStats, error) {
	today := model.Today(now, s.loc)
	stats, err := s.accounts.Stats(ctx, today)
	if err != nil {
		return nil, apperrors.Database(fmt.Errorf("account stats: %w", err))
	}
	return &AdminStats{
		AccountStats:  *stats,
		WhitelistSize: s.whitelist.Len(),
		Date:          model.FormatDate(today),
	}, nil
}
