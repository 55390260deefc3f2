package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/card-gateway/internal/integrations/processing"
	"github.com/Dan9191/card-gateway/internal/models"
)

// DefaultCurrency is used when a request names none
const DefaultCurrency = "UZS"

// PaymentService drives transactions through their lifecycle
type PaymentService struct {
	store    Store
	cards    *CardService
	router   *processing.Router
	decoder  Decoder
	notifier Notifier
	log      *logrus.Logger
	now      func() time.Time
	inflight *txLocks
}

// NewPaymentService initializes a payment service
func NewPaymentService(store Store, cards *CardService, router *processing.Router, decoder Decoder, notifier Notifier, log *logrus.Logger) *PaymentService {
	return &PaymentService{
		store:    store,
		cards:    cards,
		router:   router,
		decoder:  decoder,
		notifier: notifier,
		log:      log,
		now:      time.Now,
		inflight: newTxLocks(),
	}
}

// SetClock replaces the service clock
func (p *PaymentService) SetClock(now func() time.Time) { p.now = now }

// Charge starts a cryptogram payment and sends a confirmation code to the card holder
func (p *PaymentService) Charge(ctx context.Context, req models.ChargeRequest) (*models.Outcome, error) {
	if !req.Amount.IsPositive() {
		return models.Declined(models.ReasonAmountError, models.ErrInvalidAmount.Error()), nil
	}
	data, err := p.decoder.Decode(req.Cryptogram)
	if err != nil {
		p.log.WithField("cashbox_id", req.CashboxID).Warnf("Wrong cryptogram: %v", err)
		return models.Declined(models.ReasonFormatError, ""), nil
	}
	route, err := p.router.Resolve(data.Pan)
	if err != nil {
		if errors.Is(err, models.ErrUnknownBin) {
			return models.Declined(models.ReasonInvalidCardNumber, ""), nil
		}
		return nil, err
	}
	if _, err := p.activeCashbox(ctx, req.CashboxID); err != nil {
		return declinedCashbox(err)
	}

	card, err := p.cards.FindOrCreate(ctx, data, route)
	if err != nil {
		return nil, fmt.Errorf("failed to find card: %w", err)
	}
	if err := p.cards.CheckBan(ctx, card); err != nil {
		return declinedBan(err)
	}

	tx, err := p.createTransaction(ctx, req.PaymentRequest, card, route)
	if err != nil {
		return nil, err
	}

	issued, err := p.cards.IssueOtp(ctx, card, route, data)
	if err != nil {
		var banErr *BanError
		if errors.As(err, &banErr) {
			return p.decline(ctx, tx, card, route.BankName, models.ReasonRestrictedCard, banErr.Error())
		}
		return p.decline(ctx, tx, card, route.BankName, processing.Classify(route.Adapter.DeclineTable(), err), processing.FailReason(err))
	}

	if err := p.transition(ctx, tx, models.StatusAwaitingAuthentication); err != nil {
		return nil, err
	}
	out := p.outcome(tx, card, route.BankName)
	out.Model.OtpID = issued.OtpID
	out.Model.MaskedPhone = issued.MaskedPhone
	return out, nil
}

// ConfirmCharge checks the code of a charge and authorizes it with the network.
// Wrong or expired codes and temporary bans leave the transaction waiting for another code.
func (p *PaymentService) ConfirmCharge(ctx context.Context, cashboxID, txID int64, code string) (*models.Outcome, error) {
	tx, err := p.load(ctx, cashboxID, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != models.StatusAwaitingAuthentication || tx.AcsURL != "" {
		return nil, fmt.Errorf("confirm transaction %d in %s: %w", tx.ID, tx.Status, models.ErrInvalidState)
	}
	card, route, err := p.cardRoute(ctx, tx.CardID)
	if err != nil {
		return nil, err
	}
	cashbox, err := p.store.GetCashboxByID(ctx, tx.CashboxID)
	if err != nil {
		return nil, err
	}
	issuer := issuerOf(card, route)

	approved, err := p.cards.Validate(ctx, card, route, code)
	if err != nil {
		var banErr *BanError
		var netErr *processing.NetworkError
		switch {
		case errors.As(err, &banErr) && banErr.Permanent:
			return p.decline(ctx, tx, card, issuer, models.ReasonRestrictedCard, banErr.Error())
		case errors.As(err, &banErr):
			return p.pending(tx, card, issuer, models.ReasonRestrictedCard, banErr.Error()), nil
		case errors.Is(err, models.ErrOtpMismatch):
			return p.pending(tx, card, issuer, models.ReasonAuthenticationFailed, err.Error()), nil
		case errors.Is(err, models.ErrOtpExpired):
			return p.pending(tx, card, issuer, models.ReasonExpiredCard, err.Error()), nil
		case errors.As(err, &netErr):
			return p.decline(ctx, tx, card, issuer, processing.Classify(route.Adapter.DeclineTable(), err), processing.FailReason(err))
		default:
			return nil, fmt.Errorf("failed to validate otp: %w", err)
		}
	}

	if err := p.transition(ctx, tx, models.StatusAuthorized); err != nil {
		return nil, err
	}

	res, err := route.Adapter.PayByToken(ctx, p.paymentRequest(cashbox, approved, tx))
	if err != nil {
		return p.declineNetwork(ctx, tx, approved, route, err)
	}
	if res.ThreeDS != nil {
		// a confirmed code already authenticated the payer
		return p.decline(ctx, tx, approved, issuer, models.ReasonAuthenticationFailed, "unexpected 3-D Secure challenge")
	}
	return p.complete(ctx, tx, approved, issuer, res)
}

// Hold authorizes an amount on a stored card without capturing it
func (p *PaymentService) Hold(ctx context.Context, req models.TokenRequest) (*models.Outcome, error) {
	tx, card, route, cashbox, out, err := p.startTokenPayment(ctx, req)
	if out != nil || err != nil {
		return out, err
	}
	issuer := issuerOf(card, route)

	res, err := route.Adapter.Hold(ctx, p.paymentRequest(cashbox, card, tx))
	if err != nil {
		return p.declineNetwork(ctx, tx, card, route, err)
	}
	applyResult(tx, res)
	tx.ReasonCode = models.ReasonApproved
	if err := p.transition(ctx, tx, models.StatusAuthorized); err != nil {
		return nil, err
	}
	p.logTx(tx).Info("Hold authorized")
	p.notifier.Notify(ctx, models.EventPay, tx, card, issuer)
	return p.outcome(tx, card, issuer), nil
}

// ConfirmHold captures an authorized hold. A zero amount captures the full hold.
// Network failures leave the transaction authorized and are returned as errors.
func (p *PaymentService) ConfirmHold(ctx context.Context, cashboxID, txID int64, amount decimal.Decimal) (*models.Outcome, error) {
	defer p.inflight.lock(txID)()

	tx, err := p.load(ctx, cashboxID, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != models.StatusAuthorized || tx.HoldID == "" {
		return nil, fmt.Errorf("confirm hold %d in %s: %w", tx.ID, tx.Status, models.ErrInvalidState)
	}
	if amount, err = capAmount(amount, tx.Amount); err != nil {
		return nil, err
	}
	card, route, err := p.cardRoute(ctx, tx.CardID)
	if err != nil {
		return nil, err
	}
	cashbox, err := p.store.GetCashboxByID(ctx, tx.CashboxID)
	if err != nil {
		return nil, err
	}

	res, err := route.Adapter.ConfirmHold(ctx, merchantOf(cashbox), tx.HoldID, amount)
	if err != nil {
		p.logTx(tx).Errorf("Failed to confirm hold: %v", err)
		return nil, fmt.Errorf("failed to confirm hold: %w: %w", models.ErrNetwork, err)
	}
	applyResult(tx, res)
	tx.Amount = amount
	if err := p.transition(ctx, tx, models.StatusCompleted); err != nil {
		return nil, err
	}
	issuer := issuerOf(card, route)
	p.logTx(tx).Info("Hold confirmed")
	p.notifier.Notify(ctx, models.EventConfirm, tx, card, issuer)
	return p.outcome(tx, card, issuer), nil
}

// CancelHold releases an authorized hold
func (p *PaymentService) CancelHold(ctx context.Context, cashboxID, txID int64) (*models.Outcome, error) {
	defer p.inflight.lock(txID)()

	tx, err := p.load(ctx, cashboxID, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != models.StatusAuthorized || tx.HoldID == "" {
		return nil, fmt.Errorf("cancel hold %d in %s: %w", tx.ID, tx.Status, models.ErrInvalidState)
	}
	card, route, err := p.cardRoute(ctx, tx.CardID)
	if err != nil {
		return nil, err
	}
	cashbox, err := p.store.GetCashboxByID(ctx, tx.CashboxID)
	if err != nil {
		return nil, err
	}

	if _, err := route.Adapter.CancelHold(ctx, merchantOf(cashbox), tx.HoldID); err != nil {
		p.logTx(tx).Errorf("Failed to cancel hold: %v", err)
		return nil, fmt.Errorf("failed to cancel hold: %w: %w", models.ErrNetwork, err)
	}
	if err := p.transition(ctx, tx, models.StatusCancelled); err != nil {
		return nil, err
	}
	issuer := issuerOf(card, route)
	p.logTx(tx).Info("Hold cancelled")
	p.notifier.Notify(ctx, models.EventCancel, tx, card, issuer)
	return p.outcome(tx, card, issuer), nil
}

// Refund returns money of a completed payment. Each payment is refunded at most once.
// Requests for the same transaction run one at a time.
func (p *PaymentService) Refund(ctx context.Context, cashboxID, txID int64, amount decimal.Decimal) (*models.Outcome, error) {
	defer p.inflight.lock(txID)()

	tx, err := p.load(ctx, cashboxID, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != models.StatusCompleted || tx.RefundedAt != nil {
		return nil, fmt.Errorf("refund transaction %d in %s: %w", tx.ID, tx.Status, models.ErrInvalidState)
	}
	if amount, err = capAmount(amount, tx.Amount); err != nil {
		return nil, err
	}
	card, route, err := p.cardRoute(ctx, tx.CardID)
	if err != nil {
		return nil, err
	}
	cashbox, err := p.store.GetCashboxByID(ctx, tx.CashboxID)
	if err != nil {
		return nil, err
	}

	if _, err := route.Adapter.Refund(ctx, merchantOf(cashbox), tx.RefNum, amount); err != nil {
		p.logTx(tx).Errorf("Failed to refund: %v", err)
		return nil, fmt.Errorf("failed to refund: %w: %w", models.ErrNetwork, err)
	}
	at := p.now()
	if err := p.store.MarkRefunded(ctx, tx.ID, amount, at); err != nil {
		return nil, err
	}
	tx.RefundAmount = &amount
	tx.RefundedAt = &at
	tx.UpdatedAt = at

	issuer := issuerOf(card, route)
	p.logTx(tx).WithField("refund_amount", amount.StringFixed(2)).Info("Payment refunded")
	p.notifier.Notify(ctx, models.EventRefund, tx, card, issuer)
	return p.outcome(tx, card, issuer), nil
}

// PayByToken charges a stored card without a code. The network may ask for 3-D Secure first.
func (p *PaymentService) PayByToken(ctx context.Context, req models.TokenRequest) (*models.Outcome, error) {
	tx, card, route, cashbox, out, err := p.startTokenPayment(ctx, req)
	if out != nil || err != nil {
		return out, err
	}
	issuer := issuerOf(card, route)

	res, err := route.Adapter.PayByToken(ctx, p.paymentRequest(cashbox, card, tx))
	if err != nil {
		return p.declineNetwork(ctx, tx, card, route, err)
	}
	if res.ThreeDS != nil {
		applyResult(tx, res)
		tx.AcsURL = res.ThreeDS.AcsURL
		tx.PaReq = res.ThreeDS.PaReq
		if err := p.transition(ctx, tx, models.StatusAwaitingAuthentication); err != nil {
			return nil, err
		}
		p.logTx(tx).Info("3-D Secure challenge issued")
		return p.outcome(tx, card, issuer), nil
	}
	return p.complete(ctx, tx, card, issuer, res)
}

// Post3DS finishes a payment after the payer passed the 3-D Secure challenge
func (p *PaymentService) Post3DS(ctx context.Context, cashboxID, txID int64, paRes string) (*models.Outcome, error) {
	tx, err := p.load(ctx, cashboxID, txID)
	if err != nil {
		return nil, err
	}
	if tx.Status != models.StatusAwaitingAuthentication || tx.AcsURL == "" {
		return nil, fmt.Errorf("3-D Secure for transaction %d in %s: %w", tx.ID, tx.Status, models.ErrInvalidState)
	}
	card, route, err := p.cardRoute(ctx, tx.CardID)
	if err != nil {
		return nil, err
	}
	cashbox, err := p.store.GetCashboxByID(ctx, tx.CashboxID)
	if err != nil {
		return nil, err
	}

	res, err := route.Adapter.Post3DS(ctx, merchantOf(cashbox), tx.RefNum, paRes)
	if err != nil {
		return p.declineNetwork(ctx, tx, card, route, err)
	}
	if err := p.transition(ctx, tx, models.StatusAuthorized); err != nil {
		return nil, err
	}
	return p.complete(ctx, tx, card, issuerOf(card, route), res)
}

// Lookup asks the network for its view of a transaction. Nothing is changed locally.
func (p *PaymentService) Lookup(ctx context.Context, cashboxID, txID int64) (*processing.PaymentResult, error) {
	tx, err := p.load(ctx, cashboxID, txID)
	if err != nil {
		return nil, err
	}
	_, route, err := p.cardRoute(ctx, tx.CardID)
	if err != nil {
		return nil, err
	}
	cashbox, err := p.store.GetCashboxByID(ctx, tx.CashboxID)
	if err != nil {
		return nil, err
	}
	res, err := route.Adapter.Lookup(ctx, merchantOf(cashbox), strconv.FormatInt(tx.ID, 10))
	if err != nil {
		return nil, fmt.Errorf("failed to look up transaction: %w: %w", models.ErrNetwork, err)
	}
	return res, nil
}

// Get returns a transaction of the cashbox
func (p *PaymentService) Get(ctx context.Context, cashboxID, txID int64) (*models.Transaction, error) {
	return p.load(ctx, cashboxID, txID)
}

// startTokenPayment validates a token request and creates its transaction.
// A non-nil outcome is a decline that happened before the transaction existed.
func (p *PaymentService) startTokenPayment(ctx context.Context, req models.TokenRequest) (*models.Transaction, *models.Card, *processing.Route, *models.Cashbox, *models.Outcome, error) {
	if !req.Amount.IsPositive() {
		return nil, nil, nil, nil, models.Declined(models.ReasonAmountError, models.ErrInvalidAmount.Error()), nil
	}
	cashbox, err := p.activeCashbox(ctx, req.CashboxID)
	if err != nil {
		out, err := declinedCashbox(err)
		return nil, nil, nil, nil, out, err
	}
	card, err := p.store.GetCardByToken(ctx, req.Token)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, nil, nil, nil, models.Declined(models.ReasonInvalidCardNumber, "unknown card token"), nil
		}
		return nil, nil, nil, nil, nil, err
	}
	if err := p.cards.CheckBan(ctx, card); err != nil {
		out, err := declinedBan(err)
		return nil, nil, nil, nil, out, err
	}
	if card.Status != models.CardApproved {
		return nil, nil, nil, nil, models.Declined(models.ReasonRestrictedCard, models.ErrCardNotApproved.Error()), nil
	}
	route, err := p.router.ForNetwork(processing.Network(card.Network), card.BankName)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	tx, err := p.createTransaction(ctx, req.PaymentRequest, card, route)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	return tx, card, route, cashbox, nil, nil
}

func (p *PaymentService) createTransaction(ctx context.Context, req models.PaymentRequest, card *models.Card, route *processing.Route) (*models.Transaction, error) {
	currency := req.Currency
	if currency == "" {
		currency = DefaultCurrency
	}
	tx := &models.Transaction{
		CashboxID:      req.CashboxID,
		CardID:         card.ID,
		Amount:         req.Amount,
		Currency:       currency,
		Status:         models.StatusInit,
		Network:        string(route.Network),
		TestMode:       route.TestMode,
		IPAddress:      req.IPAddress,
		InvoiceID:      req.InvoiceID,
		AccountID:      req.AccountID,
		Email:          req.Email,
		Description:    req.Description,
		JSONData:       req.JSONData,
		SubscriptionID: req.SubscriptionID,
	}
	if err := p.store.CreateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	p.logTx(tx).WithField("amount", tx.Amount.StringFixed(2)).Info("Transaction created")
	p.notifier.Notify(ctx, models.EventCheck, tx, card, issuerOf(card, route))
	return tx, nil
}

// transition moves tx to next with a compare-and-swap on its current status
func (p *PaymentService) transition(ctx context.Context, tx *models.Transaction, next models.TransactionStatus) error {
	current := tx.Status
	if !current.CanTransition(next) {
		return fmt.Errorf("transaction %d %s -> %s: %w", tx.ID, current, next, models.ErrInvalidState)
	}
	tx.Status = next
	if err := p.store.UpdateTransaction(ctx, tx, current); err != nil {
		tx.Status = current
		return err
	}
	return nil
}

func (p *PaymentService) complete(ctx context.Context, tx *models.Transaction, card *models.Card, issuer string, res *processing.PaymentResult) (*models.Outcome, error) {
	applyResult(tx, res)
	tx.ReasonCode = models.ReasonApproved
	if err := p.transition(ctx, tx, models.StatusCompleted); err != nil {
		return nil, err
	}
	p.logTx(tx).Info("Payment completed")
	p.notifier.Notify(ctx, models.EventPay, tx, card, issuer)
	if tx.SubscriptionID != "" {
		p.notifier.Notify(ctx, models.EventRecurrent, tx, card, issuer)
	}
	return p.outcome(tx, card, issuer), nil
}

func (p *PaymentService) declineNetwork(ctx context.Context, tx *models.Transaction, card *models.Card, route *processing.Route, err error) (*models.Outcome, error) {
	code := processing.Classify(route.Adapter.DeclineTable(), err)
	return p.decline(ctx, tx, card, issuerOf(card, route), code, processing.FailReason(err))
}

func (p *PaymentService) decline(ctx context.Context, tx *models.Transaction, card *models.Card, issuer string, code models.ReasonCode, reason string) (*models.Outcome, error) {
	tx.ReasonCode = code
	tx.FailReason = reason
	if err := p.transition(ctx, tx, models.StatusDeclined); err != nil {
		return nil, err
	}
	p.logTx(tx).WithFields(logrus.Fields{"reason_code": code, "fail_reason": reason}).Warn("Transaction declined")
	p.notifier.Notify(ctx, models.EventFail, tx, card, issuer)
	return p.outcome(tx, card, issuer), nil
}

// pending reports a refusal that keeps the transaction waiting
func (p *PaymentService) pending(tx *models.Transaction, card *models.Card, issuer string, code models.ReasonCode, message string) *models.Outcome {
	out := p.outcome(tx, card, issuer)
	out.Success = false
	out.Model.ReasonCode = code
	out.Model.Reason = code.Reason()
	out.Model.CardHolderMessage = code.CardHolderMessage()
	out.Message = message
	return out
}

func (p *PaymentService) outcome(tx *models.Transaction, card *models.Card, issuer string) *models.Outcome {
	out := &models.Outcome{
		Success: tx.Status != models.StatusDeclined,
		Model: models.OutcomeModel{
			TransactionID: tx.ID,
			ReasonCode:    tx.ReasonCode,
			Status:        tx.Status,
			Amount:        tx.Amount,
			Currency:      tx.Currency,
			Issuer:        issuer,
			TestMode:      tx.TestMode,
			AcsURL:        tx.AcsURL,
			PaReq:         tx.PaReq,
		},
	}
	if tx.Status == models.StatusCompleted || tx.Status == models.StatusDeclined {
		out.Model.Reason = tx.ReasonCode.Reason()
		out.Model.CardHolderMessage = tx.ReasonCode.CardHolderMessage()
	}
	if tx.Status == models.StatusDeclined {
		out.Message = tx.FailReason
	}
	if card != nil {
		out.Model.CardFirstSix = card.FirstSix()
		out.Model.CardLastFour = card.LastFour()
		if card.Status == models.CardApproved {
			out.Model.Token = card.Token
		}
	}
	return out
}

// load returns a transaction owned by the cashbox. Foreign transactions are not found.
func (p *PaymentService) load(ctx context.Context, cashboxID, txID int64) (*models.Transaction, error) {
	tx, err := p.store.GetTransactionByID(ctx, txID)
	if err != nil {
		return nil, err
	}
	if tx.CashboxID != cashboxID {
		return nil, fmt.Errorf("transaction %d: %w", txID, models.ErrNotFound)
	}
	return tx, nil
}

func (p *PaymentService) cardRoute(ctx context.Context, cardID int64) (*models.Card, *processing.Route, error) {
	card, err := p.store.GetCardByID(ctx, cardID)
	if err != nil {
		return nil, nil, err
	}
	route, err := p.router.ForNetwork(processing.Network(card.Network), card.BankName)
	if err != nil {
		return nil, nil, err
	}
	return card, route, nil
}

func (p *PaymentService) activeCashbox(ctx context.Context, id int64) (*models.Cashbox, error) {
	cashbox, err := p.store.GetCashboxByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !cashbox.Active {
		return nil, models.ErrCashboxInactive
	}
	return cashbox, nil
}

func (p *PaymentService) paymentRequest(cashbox *models.Cashbox, card *models.Card, tx *models.Transaction) processing.PaymentRequest {
	return processing.PaymentRequest{
		Merchant: merchantOf(cashbox),
		Token:    card.Token,
		Amount:   tx.Amount,
		Currency: tx.Currency,
		ExtID:    strconv.FormatInt(tx.ID, 10),
	}
}

func (p *PaymentService) logTx(tx *models.Transaction) *logrus.Entry {
	return p.log.WithFields(logrus.Fields{
		"transaction_id": tx.ID,
		"cashbox_id":     tx.CashboxID,
		"status":         tx.Status,
	})
}

func merchantOf(cashbox *models.Cashbox) processing.Merchant {
	return processing.Merchant{MerchantID: cashbox.MerchantID, TerminalID: cashbox.TerminalID}
}

// issuerOf prefers the bank name of the route over the one stored on the card
func issuerOf(card *models.Card, route *processing.Route) string {
	if route != nil && route.BankName != "" {
		return route.BankName
	}
	if card != nil {
		return card.BankName
	}
	return ""
}

func applyResult(tx *models.Transaction, res *processing.PaymentResult) {
	if res == nil {
		return
	}
	if res.RefNum != "" {
		tx.RefNum = res.RefNum
	}
	if res.HoldID != "" {
		tx.HoldID = res.HoldID
	}
	if res.Balance != nil {
		tx.Balance = res.Balance
	}
}

// capAmount resolves a partial amount against the transaction amount. Zero means all of it.
func capAmount(amount, total decimal.Decimal) (decimal.Decimal, error) {
	switch {
	case amount.IsZero():
		return total, nil
	case amount.IsNegative():
		return decimal.Zero, models.ErrInvalidAmount
	case amount.GreaterThan(total):
		return decimal.Zero, fmt.Errorf("%s of %s: %w", amount.StringFixed(2), total.StringFixed(2), models.ErrAmountExceeded)
	}
	return amount, nil
}

func declinedCashbox(err error) (*models.Outcome, error) {
	if errors.Is(err, models.ErrCashboxInactive) {
		return models.Declined(models.ReasonTransactionNotPermited, err.Error()), nil
	}
	return nil, err
}

func declinedBan(err error) (*models.Outcome, error) {
	var banErr *BanError
	if errors.As(err, &banErr) {
		return models.Declined(models.ReasonRestrictedCard, banErr.Error()), nil
	}
	return nil, err
}
