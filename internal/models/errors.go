package models

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("already exists")
	ErrWrongCryptogram  = errors.New("wrong cryptogram")
	ErrUnknownBin       = errors.New("unknown bin")
	ErrCashboxInactive  = errors.New("cashbox is not active")
	ErrCardBanned       = errors.New("card is banned")
	ErrCardNotApproved  = errors.New("card is not approved")
	ErrOtpExpired       = errors.New("otp expired")
	ErrOtpMismatch      = errors.New("otp mismatch")
	ErrInvalidState     = errors.New("operation not allowed in current transaction state")
	ErrStaleTransaction = errors.New("transaction was modified concurrently")
	ErrAmountExceeded   = errors.New("amount exceeds transaction amount")
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrUnsupported      = errors.New("operation not supported by network")
	ErrNetwork          = errors.New("card network request failed")
	ErrUnauthorized     = errors.New("invalid credentials")
	ErrInvalidSignature = errors.New("invalid signature")
)
