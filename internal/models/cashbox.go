package models

// Cashbox is a merchant payment account
type Cashbox struct {
	ID            int64  `json:"id"`
	Name          string `json:"name"`
	WebhookSecret string `json:"-"`
	MerchantID    string `json:"merchant_id"`
	TerminalID    string `json:"terminal_id"`
	Active        bool   `json:"active"`
	SmsReceipts   bool   `json:"sms_receipts"`
}

// Hook is a merchant webhook registration for one event type
type Hook struct {
	ID        int64     `json:"id"`
	CashboxID int64     `json:"cashbox_id"`
	URL       string    `json:"url"`
	EventType EventType `json:"event_type"`
	Active    bool      `json:"active"`
}
