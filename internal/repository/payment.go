package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/harukochan/bot-server-go/internal/database"
	"github.com/harukochan/bot-server-go/internal/model"
)

type PaymentRepository interface {
	// Consume records a transaction id. It reports false, without error, when
	// the id was already consumed.
	Consume(ctx context.Context, payment model.ConsumedPayment) (bool, error)
	FindByTransactionID(ctx context.Context, transactionID string) (*model.ConsumedPayment, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]model.ConsumedPayment, error)
	WithTx(tx *sqlx.Tx) PaymentRepository
}

type paymentRepo struct {
	db database.DBTX
}

func NewPaymentRepository(db *sqlx.DB) PaymentRepository {
	return &paymentRepo{db: db}
}

func (r *paymentRepo) WithTx(tx *sqlx.Tx) PaymentRepository {
	return &paymentRepo{db: tx}
}

func (r *paymentRepo) Consume(ctx context.Context, payment model.ConsumedPayment) (bool, error) {
	var newExpiry *string
	if payment.NewExpiry != nil {
		d := model.FormatDate(*payment.NewExpiry)
		newExpiry = &d
	}

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO consumed_payment_transactions (transaction_id, user_id, amount, days, new_expiry)
		VALUES ($1, $2, $3, $4, $5::date)
		ON CONFLICT (transaction_id) DO NOTHING
	`, payment.TransactionID, payment.UserID, payment.Amount, payment.Days, newExpiry)
	if err != nil {
		return false, queryError("consume transaction", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, queryError("consume transaction", err)
	}
	return rows == 1, nil
}

func (r *paymentRepo) FindByTransactionID(ctx context.Context, transactionID string) (*model.ConsumedPayment, error) {
	var payment model.ConsumedPayment
	err := r.db.GetContext(ctx, &payment, `
		SELECT * FROM consumed_payment_transactions WHERE transaction_id = $1
	`, transactionID)
	return HandleNotFound(&payment, err)
}

func (r *paymentRepo) ListByUser(ctx context.Context, userID string, limit int) ([]model.ConsumedPayment, error) {
	var payments []model.ConsumedPayment
	err := r.db.SelectContext(ctx, &payments, `
		SELECT * FROM consumed_payment_transactions
		WHERE user_id = $1
		ORDER BY consumed_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, queryError("list payments", err)
	}
	return payments, nil
}
