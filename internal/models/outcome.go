package models

import "github.com/shopspring/decimal"

// Outcome is the normalized result of every payment operation
type Outcome struct {
	Success bool         `json:"Success"`
	Model   OutcomeModel `json:"Model"`
	Message string       `json:"Message,omitempty"`
}

// OutcomeModel holds the transaction details of an outcome
type OutcomeModel struct {
	TransactionID     int64             `json:"TransactionId,omitempty"`
	ReasonCode        ReasonCode        `json:"ReasonCode"`
	Status            TransactionStatus `json:"Status,omitempty"`
	Reason            string            `json:"Reason"`
	CardHolderMessage string            `json:"CardHolderMessage"`
	Amount            decimal.Decimal   `json:"Amount"`
	Currency          string            `json:"Currency,omitempty"`
	CardFirstSix      string            `json:"CardFirstSix,omitempty"`
	CardLastFour      string            `json:"CardLastFour,omitempty"`
	Issuer            string            `json:"Issuer,omitempty"`
	Token             string            `json:"Token,omitempty"`
	TestMode          bool              `json:"TestMode"`
	AcsURL            string            `json:"AcsUrl,omitempty"`
	PaReq             string            `json:"PaReq,omitempty"`
	OtpID             int64             `json:"OtpId,omitempty"`
	MaskedPhone       string            `json:"MaskedPhone,omitempty"`
}

// Declined builds a failed outcome for the given reason code
func Declined(code ReasonCode, message string) *Outcome {
	if message == "" {
		message = code.CardHolderMessage()
	}
	return &Outcome{
		Success: false,
		Model: OutcomeModel{
			ReasonCode:        code,
			Status:            StatusDeclined,
			Reason:            code.Reason(),
			CardHolderMessage: code.CardHolderMessage(),
		},
		Message: message,
	}
}
