package models

// ReasonCode is the stable decline code returned to merchants
type ReasonCode int

const (
	ReasonApproved               ReasonCode = 0
	ReasonDoNotHonor             ReasonCode = 5005
	ReasonInvalidTransaction     ReasonCode = 5012
	ReasonAmountError            ReasonCode = 5013
	ReasonInvalidCardNumber      ReasonCode = 5014
	ReasonFormatError            ReasonCode = 5030
	ReasonExpiredCard            ReasonCode = 5033
	ReasonRestrictedCard         ReasonCode = 5036
	ReasonInsufficientFunds      ReasonCode = 5051
	ReasonTransactionNotPermited ReasonCode = 5057
	ReasonAuthenticationFailed   ReasonCode = 5206
)

var reasonTexts = map[ReasonCode]struct{ reason, message string }{
	ReasonApproved:               {"Approved", "Payment completed"},
	ReasonDoNotHonor:             {"DoNotHonor", "Contact your bank or use another card"},
	ReasonInvalidTransaction:     {"InvalidTransaction", "Contact your bank or use another card"},
	ReasonAmountError:            {"AmountError", "Check the amount and try again"},
	ReasonInvalidCardNumber:      {"InvalidCardNumber", "Check the card number and try again"},
	ReasonFormatError:            {"WrongCryptogram", "Check the card details and try again"},
	ReasonExpiredCard:            {"OtpExpired", "The code has expired, request a new one"},
	ReasonRestrictedCard:         {"RestrictedCard", "The card is blocked"},
	ReasonInsufficientFunds:      {"InsufficientFunds", "Insufficient funds on the card"},
	ReasonTransactionNotPermited: {"TransactionNotPermitted", "Payments are not available for this merchant"},
	ReasonAuthenticationFailed:   {"AuthenticationFailed", "Authentication failed, try again"},
}

// Reason returns the machine readable name of the code
func (c ReasonCode) Reason() string {
	if t, ok := reasonTexts[c]; ok {
		return t.reason
	}
	return "Unknown"
}

// CardHolderMessage returns the text shown to the payer
func (c ReasonCode) CardHolderMessage() string {
	if t, ok := reasonTexts[c]; ok {
		return t.message
	}
	return "Payment failed"
}
