package processing

import (
	"errors"
	"fmt"

	"github.com/Dan9191/card-gateway/internal/models"
)

// NetworkError is a business level refusal reported by a network
type NetworkError struct {
	Network Network
	Code    string
	Message string
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s error %s: %s", e.Network, e.Code, e.Message)
}

// DeclineTable maps network error codes to reason codes. Codes missing from the table are DoNotHonor.
type DeclineTable map[string]models.ReasonCode

// Classify maps an adapter failure to a reason code
func Classify(table DeclineTable, err error) models.ReasonCode {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		if code, ok := table[netErr.Code]; ok {
			return code
		}
	}
	return models.ReasonDoNotHonor
}

// FailReason returns a human readable description of an adapter failure
func FailReason(err error) string {
	var netErr *NetworkError
	if errors.As(err, &netErr) && netErr.Message != "" {
		return netErr.Message
	}
	return err.Error()
}
