package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Dan9191/card-gateway/internal/broker"
	"github.com/Dan9191/card-gateway/internal/hook"
	"github.com/Dan9191/card-gateway/internal/integrations/geoip"
	"github.com/Dan9191/card-gateway/internal/models"
)

var _ Notifier = (*Dispatcher)(nil)

// lookupTimeout bounds the geo-IP call made on the payment path
const lookupTimeout = 2 * time.Second

// Dispatcher fans a transaction event out to merchant hooks, the event bus and SMS receipts.
// Failures are logged and never reach the payment flow.
type Dispatcher struct {
	store     CashboxStore
	engine    *hook.Engine
	publisher broker.Publisher
	locator   Locator
	sms       SMSSender
	log       *logrus.Logger

	lookupTimeout time.Duration
}

// NewDispatcher initializes a dispatcher. locator and sender may be nil.
func NewDispatcher(store CashboxStore, engine *hook.Engine, publisher broker.Publisher, locator Locator, sender SMSSender, log *logrus.Logger) *Dispatcher {
	if publisher == nil {
		publisher = broker.Noop{}
	}
	return &Dispatcher{
		store:     store,
		engine:    engine,
		publisher: publisher,
		locator:   locator,
		sms:       sender,
		log:       log,

		lookupTimeout: lookupTimeout,
	}
}

// Notify implements Notifier
func (d *Dispatcher) Notify(ctx context.Context, event models.EventType, tx *models.Transaction, card *models.Card, issuer string) {
	log := d.log.WithFields(logrus.Fields{"transaction_id": tx.ID, "event": event})

	cashbox, err := d.store.GetCashboxByID(ctx, tx.CashboxID)
	if err != nil {
		log.Errorf("Failed to load cashbox for notification: %v", err)
		return
	}

	src := hook.Source{Transaction: tx, Card: card, Issuer: issuer}
	if d.locator != nil && tx.IPAddress != "" {
		src.IPCountry, src.IPCity, src.IPRegion = d.locate(ctx, log, tx.IPAddress)
	}

	payload, err := hook.Build(event, src)
	if err != nil {
		log.Errorf("Failed to build notification: %v", err)
		return
	}

	if err := d.publisher.Publish(broker.SubjectPrefix+string(event), payload); err != nil {
		log.Warnf("Failed to publish event: %v", err)
	}

	hooks, err := d.store.ListHooks(ctx, tx.CashboxID, event)
	if err != nil {
		log.Errorf("Failed to list hooks: %v", err)
	}
	for _, h := range hooks {
		d.engine.Enqueue(hook.Notification{
			Hook:          h,
			Secret:        cashbox.WebhookSecret,
			TransactionID: tx.ID,
			Event:         event,
			Payload:       payload,
		})
	}

	if event == models.EventPay && tx.Status == models.StatusCompleted {
		d.sendReceipt(ctx, log, cashbox, tx, card)
	}
}

// locate resolves ip within lookupTimeout. A slow or failed lookup leaves the location empty.
func (d *Dispatcher) locate(ctx context.Context, log *logrus.Entry, ip string) (country, city, region string) {
	ctx, cancel := context.WithTimeout(ctx, d.lookupTimeout)
	defer cancel()

	type answer struct {
		loc geoip.Location
		err error
	}
	done := make(chan answer, 1)
	go func() {
		loc, err := d.locator.Lookup(ctx, ip)
		done <- answer{loc, err}
	}()

	select {
	case a := <-done:
		if a.err != nil {
			log.Warnf("Geo-IP lookup failed: %v", a.err)
		}
		return a.loc.Country, a.loc.City, a.loc.Region
	case <-ctx.Done():
		log.Warnf("Geo-IP lookup abandoned: %v", ctx.Err())
		return "", "", ""
	}
}

func (d *Dispatcher) sendReceipt(ctx context.Context, log *logrus.Entry, cashbox *models.Cashbox, tx *models.Transaction, card *models.Card) {
	if d.sms == nil || !cashbox.SmsReceipts || tx.TestMode || card == nil || card.Phone == "" {
		return
	}
	text := fmt.Sprintf("%s: payment %s %s by card *%s", cashbox.Name, tx.Amount.StringFixed(2), tx.Currency, card.LastFour())
	res, err := d.sms.Send(ctx, card.Phone, text)
	switch {
	case err != nil:
		log.Warnf("Failed to send sms receipt: %v", err)
	case !res.Success:
		log.Warnf("SMS receipt refused: %s", res.Message)
	default:
		log.Info("SMS receipt sent")
	}
}
