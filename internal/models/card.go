package models

import "time"

// CardStatus is the enrollment state of a card
type CardStatus string

const (
	CardUnapproved CardStatus = "unapproved"
	CardApproved   CardStatus = "approved"
	CardBanned     CardStatus = "banned"
)

// Card represents a payment card bound to a network token
type Card struct {
	ID         int64      `json:"id"`
	PanRef     string     `json:"-"` // HMAC of the PAN
	MaskedPan  string     `json:"masked_pan"`
	Expiry     string     `json:"expiry"` // YYMM
	Token      string     `json:"-"`
	Network    string     `json:"network"`
	BankName   string     `json:"bank_name"`
	Status     CardStatus `json:"status"`
	HolderName string     `json:"holder_name"`
	Phone      string     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// FirstSix returns the BIN part of the masked PAN
func (c *Card) FirstSix() string {
	if len(c.MaskedPan) < 6 {
		return c.MaskedPan
	}
	return c.MaskedPan[:6]
}

// LastFour returns the trailing digits of the masked PAN
func (c *Card) LastFour() string {
	if len(c.MaskedPan) < 4 {
		return c.MaskedPan
	}
	return c.MaskedPan[len(c.MaskedPan)-4:]
}

// CardData is the decrypted content of a cryptogram
type CardData struct {
	Pan    string
	Expiry string // YYMM
	Login  string
}
