// Package memstore is an in-memory implementation of the gateway repositories for
// tests and local runs without PostgreSQL.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Dan9191/card-gateway/internal/models"
)

// Store keeps every entity in maps guarded by one mutex
type Store struct {
	mu sync.Mutex

	now func() time.Time

	cards        map[int64]*models.Card
	otps         map[int64]*models.Otp // by card id
	transactions map[int64]*models.Transaction
	cashboxes    map[int64]*models.Cashbox
	hooks        map[int64]*models.Hook
	logs         []*models.WebhookLog

	nextID int64
}

// New returns an empty store
func New() *Store {
	return &Store{
		now:          time.Now,
		cards:        map[int64]*models.Card{},
		otps:         map[int64]*models.Otp{},
		transactions: map[int64]*models.Transaction{},
		cashboxes:    map[int64]*models.Cashbox{},
		hooks:        map[int64]*models.Hook{},
	}
}

// SetClock replaces the clock used for created/updated stamps
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// AddCashbox seeds a cashbox
func (s *Store) AddCashbox(c models.Cashbox) *models.Cashbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == 0 {
		c.ID = s.id()
	}
	s.cashboxes[c.ID] = &c
	return &c
}

// AddHook seeds a hook
func (s *Store) AddHook(h models.Hook) *models.Hook {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.ID == 0 {
		h.ID = s.id()
	}
	s.hooks[h.ID] = &h
	return &h
}

// CreateCard implements the card store
func (s *Store) CreateCard(_ context.Context, card *models.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.cards {
		if c.PanRef == card.PanRef {
			return fmt.Errorf("card %s: %w", card.MaskedPan, models.ErrConflict)
		}
	}
	card.ID = s.id()
	card.CreatedAt = s.now()
	card.UpdatedAt = card.CreatedAt
	cp := *card
	s.cards[card.ID] = &cp
	return nil
}

// GetCardByID implements the card store
func (s *Store) GetCardByID(_ context.Context, id int64) (*models.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[id]
	if !ok {
		return nil, fmt.Errorf("card: %w", models.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

// GetCardByPanRef implements the card store
func (s *Store) GetCardByPanRef(_ context.Context, panRef string) (*models.Card, error) {
	return s.findCard(func(c *models.Card) bool { return c.PanRef == panRef })
}

// GetCardByToken implements the card store
func (s *Store) GetCardByToken(_ context.Context, token string) (*models.Card, error) {
	if token == "" {
		return nil, fmt.Errorf("card: %w", models.ErrNotFound)
	}
	return s.findCard(func(c *models.Card) bool { return c.Token == token })
}

func (s *Store) findCard(match func(*models.Card) bool) (*models.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.cards {
		if match(c) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("card: %w", models.ErrNotFound)
}

// UpdateCard implements the card store
func (s *Store) UpdateCard(_ context.Context, card *models.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[card.ID]
	if !ok {
		return fmt.Errorf("card: %w", models.ErrNotFound)
	}
	c.Expiry, c.Token, c.BankName, c.Status = card.Expiry, card.Token, card.BankName, card.Status
	c.HolderName, c.Phone = card.HolderName, card.Phone
	c.UpdatedAt = s.now()
	card.UpdatedAt = c.UpdatedAt
	return nil
}

// UpsertOtp implements the otp store
func (s *Store) UpsertOtp(_ context.Context, otp *models.Otp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.otps[otp.CardID]
	if !ok {
		o = &models.Otp{ID: s.id(), CardID: otp.CardID}
		s.otps[otp.CardID] = o
	}
	o.CodeHash, o.NetworkRef, o.UpdatedAt = otp.CodeHash, otp.NetworkRef, otp.UpdatedAt
	*otp = *o
	return nil
}

// GetOtpByCardID implements the otp store
func (s *Store) GetOtpByCardID(_ context.Context, cardID int64) (*models.Otp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.otps[cardID]
	if !ok {
		return nil, fmt.Errorf("otp: %w", models.ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (s *Store) otpByID(id int64) (*models.Otp, error) {
	for _, o := range s.otps {
		if o.ID == id {
			return o, nil
		}
	}
	return nil, fmt.Errorf("otp: %w", models.ErrNotFound)
}

// IncrementOtpFailures implements the otp store
func (s *Store) IncrementOtpFailures(_ context.Context, otpID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.otpByID(otpID)
	if err != nil {
		return 0, err
	}
	o.FailAttempts++
	return o.FailAttempts, nil
}

// ResetOtpFailures implements the otp store
func (s *Store) ResetOtpFailures(_ context.Context, otpID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, err := s.otpByID(otpID)
	if err != nil {
		return err
	}
	o.FailAttempts = 0
	return nil
}

// BanCard implements the otp store
func (s *Store) BanCard(_ context.Context, cardID int64, banCount int, unbanAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[cardID]
	if !ok {
		return fmt.Errorf("card: %w", models.ErrNotFound)
	}
	if o, ok := s.otps[cardID]; ok {
		if banCount > o.BanCount {
			o.BanCount = banCount
		}
		o.UnbanAt = copyTime(unbanAt)
	}
	c.Status = models.CardBanned
	c.UpdatedAt = s.now()
	return nil
}

// UnbanCard implements the otp store
func (s *Store) UnbanCard(_ context.Context, cardID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.otps[cardID]; ok {
		o.FailAttempts = 0
		o.UnbanAt = nil
	}
	if c, ok := s.cards[cardID]; ok && c.Status == models.CardBanned {
		c.Status = models.CardUnapproved
		c.UpdatedAt = s.now()
	}
	return nil
}

// ListDueUnbans implements the otp store
func (s *Store) ListDueUnbans(_ context.Context, now time.Time, limit int) ([]models.Otp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []models.Otp
	for _, o := range s.otps {
		if o.UnbanAt != nil && !o.UnbanAt.After(now) {
			due = append(due, *o)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].UnbanAt.Before(*due[j].UnbanAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// CreateTransaction implements the transaction store
func (s *Store) CreateTransaction(_ context.Context, tx *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx.ID = s.id()
	tx.CreatedAt = s.now()
	tx.UpdatedAt = tx.CreatedAt
	cp := *tx
	s.transactions[tx.ID] = &cp
	return nil
}

// GetTransactionByID implements the transaction store
func (s *Store) GetTransactionByID(_ context.Context, id int64) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	if !ok {
		return nil, fmt.Errorf("transaction: %w", models.ErrNotFound)
	}
	cp := *tx
	return &cp, nil
}

// UpdateTransaction implements the transaction store
func (s *Store) UpdateTransaction(_ context.Context, tx *models.Transaction, expected models.TransactionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.transactions[tx.ID]
	if !ok || stored.Status != expected {
		return fmt.Errorf("transaction %d not in %s: %w", tx.ID, expected, models.ErrStaleTransaction)
	}
	stored.Status, stored.Amount, stored.RefNum, stored.HoldID = tx.Status, tx.Amount, tx.RefNum, tx.HoldID
	stored.ReasonCode, stored.FailReason, stored.Balance = tx.ReasonCode, tx.FailReason, tx.Balance
	stored.AcsURL, stored.PaReq = tx.AcsURL, tx.PaReq
	stored.UpdatedAt = s.now()
	tx.UpdatedAt = stored.UpdatedAt
	return nil
}

// MarkRefunded implements the transaction store
func (s *Store) MarkRefunded(_ context.Context, id int64, amount decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	if !ok || tx.Status != models.StatusCompleted || tx.RefundedAt != nil {
		return fmt.Errorf("transaction %d: %w", id, models.ErrStaleTransaction)
	}
	tx.RefundAmount = &amount
	tx.RefundedAt = &at
	tx.UpdatedAt = s.now()
	return nil
}

// GetCashboxByID implements the cashbox store
func (s *Store) GetCashboxByID(_ context.Context, id int64) (*models.Cashbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cashboxes[id]
	if !ok {
		return nil, fmt.Errorf("cashbox: %w", models.ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

// GetHookByID implements the cashbox store
func (s *Store) GetHookByID(_ context.Context, id int64) (*models.Hook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hooks[id]
	if !ok {
		return nil, fmt.Errorf("hook: %w", models.ErrNotFound)
	}
	cp := *h
	return &cp, nil
}

// ListHooks implements the cashbox store
func (s *Store) ListHooks(_ context.Context, cashboxID int64, event models.EventType) ([]models.Hook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var hooks []models.Hook
	for _, h := range s.hooks {
		if h.CashboxID == cashboxID && h.EventType == event && h.Active {
			hooks = append(hooks, *h)
		}
	}
	sort.Slice(hooks, func(i, j int) bool { return hooks[i].ID < hooks[j].ID })
	return hooks, nil
}

// CreateWebhookLog implements the webhook log store
func (s *Store) CreateWebhookLog(_ context.Context, l *models.WebhookLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l.ID = s.id()
	l.CreatedAt = s.now()
	cp := *l
	cp.NextAttemptAt = copyTime(l.NextAttemptAt)
	s.logs = append(s.logs, &cp)
	return nil
}

// ListDueWebhookRetries implements the webhook log store
func (s *Store) ListDueWebhookRetries(_ context.Context, now time.Time, limit int) ([]models.WebhookLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []models.WebhookLog
	for _, l := range s.logs {
		if l.NextAttemptAt != nil && !l.NextAttemptAt.After(now) {
			cp := *l
			cp.NextAttemptAt = copyTime(l.NextAttemptAt)
			due = append(due, cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(*due[j].NextAttemptAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// ClaimWebhookRetry implements the webhook log store
func (s *Store) ClaimWebhookRetry(_ context.Context, id int64, due time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.logs {
		if l.ID == id {
			if l.NextAttemptAt == nil || !l.NextAttemptAt.Equal(due) {
				return false, nil
			}
			l.NextAttemptAt = nil
			return true, nil
		}
	}
	return false, nil
}

// ReleaseWebhookRetry implements the webhook log store
func (s *Store) ReleaseWebhookRetry(_ context.Context, id int64, due time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.logs {
		if l.ID == id {
			if l.NextAttemptAt == nil {
				l.NextAttemptAt = copyTime(&due)
			}
			return nil
		}
	}
	return models.ErrNotFound
}

// HasSuccessfulDelivery implements the webhook log store
func (s *Store) HasSuccessfulDelivery(_ context.Context, hookID, transactionID int64, event models.EventType) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.logs {
		if l.HookID == hookID && l.TransactionID == transactionID && l.EventType == event && l.Success {
			return true, nil
		}
	}
	return false, nil
}

// ListWebhookLogs implements the webhook log store
func (s *Store) ListWebhookLogs(_ context.Context, transactionID int64) ([]models.WebhookLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.WebhookLog
	for _, l := range s.logs {
		if l.TransactionID == transactionID {
			cp := *l
			cp.NextAttemptAt = copyTime(l.NextAttemptAt)
			out = append(out, cp)
		}
	}
	return out, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
