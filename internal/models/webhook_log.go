package models

import "time"

// EventType names a webhook notification kind
type EventType string

const (
	EventCheck     EventType = "check"
	EventPay       EventType = "pay"
	EventFail      EventType = "fail"
	EventConfirm   EventType = "confirm"
	EventRefund    EventType = "refund"
	EventCancel    EventType = "cancel"
	EventRecurrent EventType = "recurrent"
)

// WebhookLog records one delivery attempt
type WebhookLog struct {
	ID            int64      `json:"id"`
	HookID        int64      `json:"hook_id"`
	TransactionID int64      `json:"transaction_id"`
	EventType     EventType  `json:"event_type"`
	Attempt       int        `json:"attempt"`
	Success       bool       `json:"success"`
	ResponseCode  int        `json:"response_code"`
	ResponseBody  string     `json:"response_body"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	Payload       []byte     `json:"-"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}
