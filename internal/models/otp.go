package models

import "time"

// Otp holds the live one-time code of a card. There is at most one row per card.
type Otp struct {
	ID           int64      `json:"id"`
	CardID       int64      `json:"card_id"`
	CodeHash     string     `json:"-"`
	FailAttempts int        `json:"fail_attempts"`
	BanCount     int        `json:"ban_count"`
	NetworkRef   string     `json:"-"`
	UnbanAt      *time.Time `json:"unban_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Expired reports whether the code was issued more than timeout ago
func (o *Otp) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(o.UpdatedAt) > timeout
}

// OtpIssued is returned to callers after a code has been sent
type OtpIssued struct {
	CardID      int64  `json:"card_id"`
	OtpID       int64  `json:"otp_id"`
	MaskedPhone string `json:"masked_phone"`
}
