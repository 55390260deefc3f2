package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionStatus is a state of the payment lifecycle
type TransactionStatus string

const (
	StatusInit                   TransactionStatus = "Init"
	StatusAwaitingAuthentication TransactionStatus = "AwaitingAuthentication"
	StatusAuthorized             TransactionStatus = "Authorized"
	StatusCompleted              TransactionStatus = "Completed"
	StatusDeclined               TransactionStatus = "Declined"
	StatusCancelled              TransactionStatus = "Cancelled"
)

var transitions = map[TransactionStatus][]TransactionStatus{
	StatusInit:                   {StatusAwaitingAuthentication, StatusAuthorized, StatusCompleted, StatusDeclined},
	StatusAwaitingAuthentication: {StatusAuthorized, StatusDeclined},
	StatusAuthorized:             {StatusCompleted, StatusDeclined, StatusCancelled},
}

// CanTransition reports whether the lifecycle graph allows moving from s to next
func (s TransactionStatus) CanTransition(next TransactionStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible
func (s TransactionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusDeclined || s == StatusCancelled
}

// Transaction represents a payment, charge or hold
type Transaction struct {
	ID             int64             `json:"id"`
	CashboxID      int64             `json:"cashbox_id"`
	CardID         int64             `json:"card_id"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency"`
	Status         TransactionStatus `json:"status"`
	Network        string            `json:"network"`
	RefNum         string            `json:"ref_num,omitempty"`
	HoldID         string            `json:"hold_id,omitempty"`
	ReasonCode     ReasonCode        `json:"reason_code"`
	FailReason     string            `json:"fail_reason,omitempty"`
	Balance        *decimal.Decimal  `json:"balance,omitempty"`
	TestMode       bool              `json:"test_mode"`
	IPAddress      string            `json:"ip_address,omitempty"`
	InvoiceID      string            `json:"invoice_id,omitempty"`
	AccountID      string            `json:"account_id,omitempty"`
	Email          string            `json:"email,omitempty"`
	Description    string            `json:"description,omitempty"`
	JSONData       json.RawMessage   `json:"json_data,omitempty"`
	SubscriptionID string            `json:"subscription_id,omitempty"`
	AcsURL         string            `json:"acs_url,omitempty"`
	PaReq          string            `json:"pa_req,omitempty"`
	RefundAmount   *decimal.Decimal  `json:"refund_amount,omitempty"`
	RefundedAt     *time.Time        `json:"refunded_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// PaymentRequest carries the merchant side fields shared by every payment entry point
type PaymentRequest struct {
	CashboxID      int64           `json:"-"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	IPAddress      string          `json:"ip_address"`
	InvoiceID      string          `json:"invoice_id"`
	AccountID      string          `json:"account_id"`
	Email          string          `json:"email"`
	Description    string          `json:"description"`
	JSONData       json.RawMessage `json:"json_data"`
	SubscriptionID string          `json:"subscription_id"`
}

// ChargeRequest starts a card-present OTP payment
type ChargeRequest struct {
	PaymentRequest
	Cryptogram string `json:"cryptogram"`
}

// TokenRequest pays or holds with a stored network token
type TokenRequest struct {
	PaymentRequest
	Token string `json:"token"`
}
