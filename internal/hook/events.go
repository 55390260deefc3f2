// Package hook builds, signs and delivers merchant webhook notifications.
package hook

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Dan9191/card-gateway/internal/models"
)

const dateTimeLayout = "2006-01-02 15:04:05"

// Source is everything an event payload is built from
type Source struct {
	Transaction *models.Transaction
	Card        *models.Card
	Issuer      string
	IPCountry   string
	IPCity      string
	IPRegion    string
}

// Summary is embedded in every event
type Summary struct {
	TransactionID int64                    `json:"TransactionId"`
	Amount        decimal.Decimal          `json:"Amount"`
	Currency      string                   `json:"Currency"`
	DateTime      string                   `json:"DateTime"`
	CardFirstSix  string                   `json:"CardFirstSix"`
	CardLastFour  string                   `json:"CardLastFour"`
	CardType      string                   `json:"CardType"`
	CardExpDate   string                   `json:"CardExpDate"`
	Issuer        string                   `json:"Issuer"`
	Status        models.TransactionStatus `json:"Status"`
	TestMode      bool                     `json:"TestMode"`
	InvoiceID     string                   `json:"InvoiceId,omitempty"`
	AccountID     string                   `json:"AccountId,omitempty"`
	Email         string                   `json:"Email,omitempty"`
	Description   string                   `json:"Description,omitempty"`
	IPAddress     string                   `json:"IpAddress,omitempty"`
	IPCountry     string                   `json:"IpCountry,omitempty"`
	IPCity        string                   `json:"IpCity,omitempty"`
	IPRegion      string                   `json:"IpRegion,omitempty"`
	Data          json.RawMessage          `json:"Data,omitempty"`
}

// CheckEvent asks the merchant to accept a payment before it is authorized
type CheckEvent struct {
	Summary
}

// PayEvent reports a completed payment
type PayEvent struct {
	Summary
	Token          string `json:"Token,omitempty"`
	SubscriptionID string `json:"SubscriptionId,omitempty"`
}

// FailEvent reports a declined payment
type FailEvent struct {
	Summary
	Reason     string            `json:"Reason"`
	ReasonCode models.ReasonCode `json:"ReasonCode"`
}

// ConfirmEvent reports a captured hold
type ConfirmEvent struct {
	Summary
}

// RefundEvent reports a refund of a completed payment
type RefundEvent struct {
	Summary
	PaymentAmount decimal.Decimal `json:"PaymentAmount"`
	RefundedAt    string          `json:"RefundedAt,omitempty"`
}

// CancelEvent reports a released hold
type CancelEvent struct {
	Summary
}

// RecurrentEvent reports a payment made under a subscription
type RecurrentEvent struct {
	Summary
	SubscriptionID string `json:"Id"`
}

// NewSummary builds the shared part of a payload
func NewSummary(src Source) Summary {
	tx := src.Transaction
	s := Summary{
		TransactionID: tx.ID,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		DateTime:      tx.UpdatedAt.UTC().Format(dateTimeLayout),
		Issuer:        src.Issuer,
		Status:        tx.Status,
		TestMode:      tx.TestMode,
		InvoiceID:     tx.InvoiceID,
		AccountID:     tx.AccountID,
		Email:         tx.Email,
		Description:   tx.Description,
		IPAddress:     tx.IPAddress,
		IPCountry:     src.IPCountry,
		IPCity:        src.IPCity,
		IPRegion:      src.IPRegion,
		Data:          tx.JSONData,
	}
	if src.Card != nil {
		s.CardFirstSix = src.Card.FirstSix()
		s.CardLastFour = src.Card.LastFour()
		s.CardType = src.Card.Network
		s.CardExpDate = expDate(src.Card.Expiry)
	}
	return s
}

// Build returns the JSON payload of an event
func Build(event models.EventType, src Source) ([]byte, error) {
	if src.Transaction == nil {
		return nil, fmt.Errorf("event %s: transaction is required", event)
	}
	summary := NewSummary(src)
	tx := src.Transaction

	var body interface{}
	switch event {
	case models.EventCheck:
		body = CheckEvent{Summary: summary}
	case models.EventPay:
		ev := PayEvent{Summary: summary, SubscriptionID: tx.SubscriptionID}
		if src.Card != nil {
			ev.Token = src.Card.Token
		}
		body = ev
	case models.EventFail:
		body = FailEvent{Summary: summary, Reason: tx.ReasonCode.Reason(), ReasonCode: tx.ReasonCode}
	case models.EventConfirm:
		body = ConfirmEvent{Summary: summary}
	case models.EventRefund:
		ev := RefundEvent{Summary: summary, PaymentAmount: tx.Amount}
		if tx.RefundAmount != nil {
			ev.Amount = *tx.RefundAmount
		}
		if tx.RefundedAt != nil {
			ev.RefundedAt = tx.RefundedAt.UTC().Format(dateTimeLayout)
		}
		body = ev
	case models.EventCancel:
		body = CancelEvent{Summary: summary}
	case models.EventRecurrent:
		body = RecurrentEvent{Summary: summary, SubscriptionID: tx.SubscriptionID}
	default:
		return nil, fmt.Errorf("unknown event type %q", event)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", event, err)
	}
	return payload, nil
}

// expDate renders YYMM as MM/YY
func expDate(yymm string) string {
	if len(yymm) != 4 {
		return yymm
	}
	return yymm[2:] + "/" + yymm[:2]
}
