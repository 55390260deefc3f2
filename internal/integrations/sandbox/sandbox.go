// Package sandbox is an in-process adapter for test cards. It never leaves the process.
//
// Outcomes are driven by the cents of the amount:
//
//	.51 declines with insufficient funds
//	.33 answers with a 3-D Secure challenge
//
// Everything else is approved.
package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Dan9191/card-gateway/internal/integrations/processing"
	"github.com/Dan9191/card-gateway/internal/models"
)

const (
	codeInsufficientFunds = "51"
	codeAuthFailed        = "57"

	// Phone reported for every sandbox card
	Phone = "998000000000"
	// AcsURL is the challenge page returned for .33 amounts
	AcsURL = "https://sandbox.invalid/acs"
	// FailPaRes makes Post3DS decline
	FailPaRes = "fail"
)

var declines = processing.DeclineTable{
	codeInsufficientFunds: models.ReasonInsufficientFunds,
	codeAuthFailed:        models.ReasonAuthenticationFailed,
}

var _ processing.Adapter = (*Adapter)(nil)

// Adapter simulates a card network
type Adapter struct {
	sessions sync.Map // reference -> pan
}

// New returns a sandbox adapter
func New() *Adapter { return &Adapter{} }

// Network implements processing.Adapter
func (a *Adapter) Network() processing.Network { return processing.Sandbox }

// DeclineTable implements processing.Adapter
func (a *Adapter) DeclineTable() processing.DeclineTable { return declines }

// SendOtp implements processing.Adapter
func (a *Adapter) SendOtp(ctx context.Context, card processing.CardRequest) (*processing.CardInfo, error) {
	ref := uuid.NewString()
	a.sessions.Store(ref, card.Pan)
	return &processing.CardInfo{Phone: Phone, Reference: ref}, nil
}

// ValidateOtp implements processing.Adapter. The token is stable for a PAN.
func (a *Adapter) ValidateOtp(ctx context.Context, reference string) (*processing.CardDetails, error) {
	pan, ok := a.sessions.Load(reference)
	if !ok {
		return nil, &processing.NetworkError{Network: processing.Sandbox, Code: "12", Message: "unknown session"}
	}
	return &processing.CardDetails{
		Token:      Token(pan.(string)),
		HolderName: "TEST CARDHOLDER",
		BankName:   "Test Bank",
		Phone:      Phone,
	}, nil
}

// Token returns the sandbox token of a PAN
func Token(pan string) string {
	return "sandbox-" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(pan)).String()
}

// Hold implements processing.Adapter
func (a *Adapter) Hold(ctx context.Context, req processing.PaymentRequest) (*processing.PaymentResult, error) {
	if err := outcome(req.Amount); err != nil {
		return nil, err
	}
	return &processing.PaymentResult{RefNum: ref(), HoldID: "hold-" + uuid.NewString(), Status: "held"}, nil
}

// ConfirmHold implements processing.Adapter
func (a *Adapter) ConfirmHold(ctx context.Context, m processing.Merchant, holdID string, amount decimal.Decimal) (*processing.PaymentResult, error) {
	if !strings.HasPrefix(holdID, "hold-") {
		return nil, &processing.NetworkError{Network: processing.Sandbox, Code: "12", Message: "unknown hold"}
	}
	return &processing.PaymentResult{RefNum: ref(), HoldID: holdID, Status: "charged"}, nil
}

// CancelHold implements processing.Adapter
func (a *Adapter) CancelHold(ctx context.Context, m processing.Merchant, holdID string) (*processing.PaymentResult, error) {
	if !strings.HasPrefix(holdID, "hold-") {
		return nil, &processing.NetworkError{Network: processing.Sandbox, Code: "12", Message: "unknown hold"}
	}
	return &processing.PaymentResult{HoldID: holdID, Status: "cancelled"}, nil
}

// Refund implements processing.Adapter
func (a *Adapter) Refund(ctx context.Context, m processing.Merchant, refNum string, amount decimal.Decimal) (*processing.PaymentResult, error) {
	return &processing.PaymentResult{RefNum: refNum, Status: "reversed"}, nil
}

// PayByToken implements processing.Adapter
func (a *Adapter) PayByToken(ctx context.Context, req processing.PaymentRequest) (*processing.PaymentResult, error) {
	if err := outcome(req.Amount); err != nil {
		return nil, err
	}
	res := &processing.PaymentResult{RefNum: ref(), Status: "paid"}
	if cents(req.Amount) == 33 {
		res.Status = "3ds"
		res.ThreeDS = &processing.ThreeDSChallenge{AcsURL: AcsURL, PaReq: "sandbox-pareq-" + req.ExtID, MD: req.ExtID}
	}
	return res, nil
}

// Post3DS implements processing.Adapter
func (a *Adapter) Post3DS(ctx context.Context, m processing.Merchant, refNum, paRes string) (*processing.PaymentResult, error) {
	if paRes == FailPaRes {
		return nil, &processing.NetworkError{Network: processing.Sandbox, Code: codeAuthFailed, Message: "3-D Secure authentication failed"}
	}
	return &processing.PaymentResult{RefNum: refNum, Status: "paid"}, nil
}

// Lookup implements processing.Adapter
func (a *Adapter) Lookup(ctx context.Context, m processing.Merchant, extID string) (*processing.PaymentResult, error) {
	return &processing.PaymentResult{RefNum: "sandbox-" + extID, Status: "unknown"}, nil
}

func outcome(amount decimal.Decimal) error {
	if cents(amount) == 51 {
		return &processing.NetworkError{
			Network: processing.Sandbox,
			Code:    codeInsufficientFunds,
			Message: fmt.Sprintf("insufficient funds for %s", amount.StringFixed(2)),
		}
	}
	return nil
}

func cents(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart() % 100
}

func ref() string {
	return "sandbox-" + uuid.NewString()
}
