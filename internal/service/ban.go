package service

import (
	"fmt"
	"time"

	"github.com/Dan9191/card-gateway/internal/models"
)

// FailureThreshold is the number of mismatched codes that bans a card
const FailureThreshold = 2

// BanLevel is the escalation step of a card, derived from its ban count
type BanLevel int

const (
	BanClean BanLevel = iota
	BanTemporaryFirst
	BanTemporarySecond
	BanPermanent
)

// LevelOf returns the level reached after banCount bans
func LevelOf(banCount int) BanLevel {
	switch {
	case banCount <= 0:
		return BanClean
	case banCount == 1:
		return BanTemporaryFirst
	case banCount == 2:
		return BanTemporarySecond
	default:
		return BanPermanent
	}
}

// NextBan returns the level after one more ban and how long it lasts. Zero means permanent.
func NextBan(level BanLevel, first, second time.Duration) (BanLevel, time.Duration) {
	switch level {
	case BanClean:
		return BanTemporaryFirst, first
	case BanTemporaryFirst:
		return BanTemporarySecond, second
	default:
		return BanPermanent, 0
	}
}

// BanError describes why a card cannot be used
type BanError struct {
	Permanent bool
	Remaining time.Duration
}

func (e *BanError) Error() string {
	if e.Permanent {
		return "Card is permanently blocked"
	}
	return fmt.Sprintf("Card is blocked for %s", humanDuration(e.Remaining))
}

// Unwrap makes BanError match models.ErrCardBanned
func (e *BanError) Unwrap() error { return models.ErrCardBanned }

// banError builds the error for a banned card at now
func banError(otp *models.Otp, now time.Time) *BanError {
	if otp == nil || otp.UnbanAt == nil {
		return &BanError{Permanent: true}
	}
	remaining := otp.UnbanAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return &BanError{Remaining: remaining}
}

// humanDuration renders a ban length rounded up to whole minutes or hours
func humanDuration(d time.Duration) string {
	if d >= time.Hour && d%time.Hour == 0 {
		return plural(int(d/time.Hour), "hour")
	}
	minutes := int((d + time.Minute - 1) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	if minutes >= 120 {
		return plural((minutes+59)/60, "hour")
	}
	return plural(minutes, "minute")
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
