package model

import "time"

// PaymentNotification is the gateway-independent form of a confirmed payment.
type PaymentNotification struct {
	UserID        string `json:"userId" validate:"required,max=64"`
	PaidAmount    int    `json:"paidAmount"`
	TransactionID string `json:"transactionId" validate:"required,max=64"`
}

type CreditResult struct {
	Outcome       CreditOutcome `json:"outcome"`
	UserID        string        `json:"userId,omitempty"`
	TransactionID string        `json:"transactionId,omitempty"`
	Days          int           `json:"days,omitempty"`
	NewExpiry     *time.Time    `json:"newExpiry,omitempty"`
	Reason        string        `json:"reason,omitempty"`
}

type ConsumedPayment struct {
	TransactionID string     `db:"transaction_id" json:"transactionId"`
	UserID        string     `db:"user_id" json:"userId"`
	Amount        int        `db:"amount" json:"amount"`
	Days          int        `db:"days" json:"days"`
	NewExpiry     *time.Time `db:"new_expiry" json:"newExpiry,omitempty"`
	ConsumedAt    time.Time  `db:"consumed_at" json:"consumedAt"`
}
