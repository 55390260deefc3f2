// Package processing defines the contract every card network adapter implements
// and selects the adapter for a card by its BIN.
package processing

import (
	"context"

	"github.com/shopspring/decimal"
)

// Network identifies a card network backend
type Network string

const (
	NetworkA Network = "network_a"
	NetworkB Network = "network_b"
	Sandbox  Network = "sandbox"
)

// Merchant carries the network credentials of a cashbox
type Merchant struct {
	MerchantID string
	TerminalID string
}

// CardRequest identifies a physical card
type CardRequest struct {
	Pan    string
	Expiry string // YYMM
}

// CardInfo is returned when a network accepts an OTP request
type CardInfo struct {
	Phone     string
	Reference string
}

// CardDetails is what the network reports after a successful OTP validation
type CardDetails struct {
	Token      string
	HolderName string
	BankName   string
	Phone      string
	Balance    *decimal.Decimal
}

// PaymentRequest is a token based authorization
type PaymentRequest struct {
	Merchant Merchant
	Token    string
	Amount   decimal.Decimal
	Currency string
	ExtID    string // our transaction id
}

// ThreeDSChallenge is returned when the issuer requires 3-D Secure
type ThreeDSChallenge struct {
	AcsURL string
	PaReq  string
	MD     string
}

// PaymentResult is the network view of a transaction after a call
type PaymentResult struct {
	RefNum   string
	HoldID   string
	Status   string
	BankName string
	Balance  *decimal.Decimal
	ThreeDS  *ThreeDSChallenge
}

// Adapter hides the wire protocol of one card network
type Adapter interface {
	Network() Network
	SendOtp(ctx context.Context, card CardRequest) (*CardInfo, error)
	ValidateOtp(ctx context.Context, reference string) (*CardDetails, error)
	Hold(ctx context.Context, req PaymentRequest) (*PaymentResult, error)
	ConfirmHold(ctx context.Context, m Merchant, holdID string, amount decimal.Decimal) (*PaymentResult, error)
	CancelHold(ctx context.Context, m Merchant, holdID string) (*PaymentResult, error)
	Refund(ctx context.Context, m Merchant, refNum string, amount decimal.Decimal) (*PaymentResult, error)
	PayByToken(ctx context.Context, req PaymentRequest) (*PaymentResult, error)
	Post3DS(ctx context.Context, m Merchant, refNum, paRes string) (*PaymentResult, error)
	Lookup(ctx context.Context, m Merchant, extID string) (*PaymentResult, error)
	DeclineTable() DeclineTable
}
