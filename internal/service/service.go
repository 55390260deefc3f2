package service

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/card-gateway/internal/config"
	"github.com/Dan9191/card-gateway/internal/hook"
	"github.com/Dan9191/card-gateway/internal/integrations/geoip"
	"github.com/Dan9191/card-gateway/internal/integrations/processing"
	"github.com/Dan9191/card-gateway/internal/integrations/sms"
	"github.com/Dan9191/card-gateway/internal/models"
)

// CardStore persists cards
type CardStore interface {
	CreateCard(ctx context.Context, card *models.Card) error
	GetCardByID(ctx context.Context, id int64) (*models.Card, error)
	GetCardByPanRef(ctx context.Context, panRef string) (*models.Card, error)
	GetCardByToken(ctx context.Context, token string) (*models.Card, error)
	UpdateCard(ctx context.Context, card *models.Card) error
}

// OtpStore persists one-time codes and bans
type OtpStore interface {
	UpsertOtp(ctx context.Context, otp *models.Otp) error
	GetOtpByCardID(ctx context.Context, cardID int64) (*models.Otp, error)
	IncrementOtpFailures(ctx context.Context, otpID int64) (int, error)
	ResetOtpFailures(ctx context.Context, otpID int64) error
	BanCard(ctx context.Context, cardID int64, banCount int, unbanAt *time.Time) error
	UnbanCard(ctx context.Context, cardID int64) error
	ListDueUnbans(ctx context.Context, now time.Time, limit int) ([]models.Otp, error)
}

// TransactionStore persists transactions
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx *models.Transaction) error
	GetTransactionByID(ctx context.Context, id int64) (*models.Transaction, error)
	UpdateTransaction(ctx context.Context, tx *models.Transaction, expected models.TransactionStatus) error
	MarkRefunded(ctx context.Context, id int64, amount decimal.Decimal, at time.Time) error
}

// CashboxStore reads merchant configuration
type CashboxStore interface {
	GetCashboxByID(ctx context.Context, id int64) (*models.Cashbox, error)
	GetHookByID(ctx context.Context, id int64) (*models.Hook, error)
	ListHooks(ctx context.Context, cashboxID int64, event models.EventType) ([]models.Hook, error)
}

// WebhookLogStore persists delivery attempts
type WebhookLogStore interface {
	hook.Store
	ListWebhookLogs(ctx context.Context, transactionID int64) ([]models.WebhookLog, error)
}

// Store is the full persistence contract of the gateway
type Store interface {
	CardStore
	OtpStore
	TransactionStore
	CashboxStore
	WebhookLogStore
}

// Decoder turns a cryptogram into card data
type Decoder interface {
	Decode(cryptogram string) (*models.CardData, error)
}

// SMSSender delivers text messages
type SMSSender interface {
	Send(ctx context.Context, phone, text string) (sms.Result, error)
}

// Locator resolves payer addresses
type Locator interface {
	Lookup(ctx context.Context, ip string) (geoip.Location, error)
}

// Notifier reports transaction events to merchants
type Notifier interface {
	Notify(ctx context.Context, event models.EventType, tx *models.Transaction, card *models.Card, issuer string)
}

// Service bundles the gateway services
type Service struct {
	Cards    *CardService
	Payments *PaymentService
	store    Store
	log      *logrus.Logger
	config   *config.Config
}

// NewService initializes a new service
func NewService(store Store, router *processing.Router, decoder Decoder, notifier Notifier, sender SMSSender, log *logrus.Logger, cfg *config.Config) *Service {
	cards := NewCardService(store, sender, log, cfg)
	return &Service{
		Cards:    cards,
		Payments: NewPaymentService(store, cards, router, decoder, notifier, log),
		store:    store,
		log:      log,
		config:   cfg,
	}
}

// IssueToken returns a bearer token for an active cashbox that presented its secret
func (s *Service) IssueToken(ctx context.Context, cashboxID int64, secret string, ttl time.Duration) (string, error) {
	cashbox, err := s.store.GetCashboxByID(ctx, cashboxID)
	if err != nil {
		return "", err
	}
	if cashbox.WebhookSecret == "" || subtle.ConstantTimeCompare([]byte(cashbox.WebhookSecret), []byte(secret)) != 1 {
		s.log.WithField("cashbox_id", cashboxID).Warn("Token requested with a wrong secret")
		return "", models.ErrUnauthorized
	}
	if !cashbox.Active {
		return "", models.ErrCashboxInactive
	}

	tokenString, err := SignToken(s.config.JWTSecret, cashbox.ID, ttl)
	if err != nil {
		return "", err
	}
	s.log.Infof("Token issued for cashbox %d", cashbox.ID)
	return tokenString, nil
}

// Callback authenticates a request signed by a cashbox and returns the transaction it names
func (s *Service) Callback(ctx context.Context, cashboxID int64, body []byte, signature string) (*models.Transaction, error) {
	cashbox, err := s.store.GetCashboxByID(ctx, cashboxID)
	if err != nil {
		return nil, err
	}
	if !hook.Verify(cashbox.WebhookSecret, body, signature) {
		return nil, models.ErrInvalidSignature
	}
	var req struct {
		TransactionID int64 `json:"TransactionId"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("failed to decode callback: %w", err)
	}
	return s.Payments.Get(ctx, cashboxID, req.TransactionID)
}

// WebhookLogs returns the delivery attempts of a transaction of the cashbox
func (s *Service) WebhookLogs(ctx context.Context, cashboxID, txID int64) ([]models.WebhookLog, error) {
	if _, err := s.Payments.Get(ctx, cashboxID, txID); err != nil {
		return nil, err
	}
	return s.store.ListWebhookLogs(ctx, txID)
}

// SignToken creates an HS256 token whose subject is the cashbox id
func SignToken(secret string, cashboxID int64, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(cashboxID, 10),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	})
	tokenString, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return tokenString, nil
}

// ParseToken validates a bearer token and returns its cashbox id
func ParseToken(secret, tokenString string) (int64, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return 0, fmt.Errorf("invalid token: %w", err)
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid token subject: %w", err)
	}
	return id, nil
}
