package utils

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// OtpLength is the number of digits in a one-time code
const OtpLength = 6

// PanReference returns the stable identity of a PAN
func PanReference(pan, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(pan))
	return hex.EncodeToString(h.Sum(nil))
}

// MaskPan keeps the BIN and the last four digits
func MaskPan(pan string) string {
	if len(pan) < 10 {
		return strings.Repeat("*", len(pan))
	}
	return pan[:6] + strings.Repeat("*", len(pan)-10) + pan[len(pan)-4:]
}

// MatchMask reports whether a masked PAN fits a pattern where '*' matches any character
func MatchMask(masked, pattern string) bool {
	if pattern == "" || len(masked) != len(pattern) {
		return false
	}
	for i := 0; i < len(pattern); i++ {
		if pattern[i] != '*' && pattern[i] != masked[i] {
			return false
		}
	}
	return true
}

// MaskPhone hides the middle of a phone number
func MaskPhone(phone string) string {
	digits := strings.TrimPrefix(phone, "+")
	if len(digits) < 7 {
		return digits
	}
	return digits[:5] + strings.Repeat("*", len(digits)-7) + digits[len(digits)-2:]
}

// GenerateOTP generates a numeric code that never starts with zero
func GenerateOTP() (string, error) {
	var builder strings.Builder

	first, err := rand.Int(rand.Reader, big.NewInt(9))
	if err != nil {
		return "", fmt.Errorf("failed to generate otp: %w", err)
	}
	builder.WriteByte(byte('1' + first.Int64()))

	for i := 1; i < OtpLength; i++ {
		d, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("failed to generate otp: %w", err)
		}
		builder.WriteByte(byte('0' + d.Int64()))
	}
	return builder.String(), nil
}

// HashOTP hashes a one-time code for storage
func HashOTP(code string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash otp: %w", err)
	}
	return string(hash), nil
}

// CompareOTP reports whether code matches the stored hash
func CompareOTP(hash, code string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil
}
