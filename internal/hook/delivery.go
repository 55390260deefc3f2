package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/card-gateway/internal/models"
)

// MaxAttempts bounds deliveries of one notification
const MaxAttempts = 100

// maxResponseBody is how much of the merchant answer is kept in the log
const maxResponseBody = 4096

// RetryLadder is the delay before the next attempt, indexed by failed attempts. The last step repeats.
var RetryLadder = []time.Duration{
	1 * time.Minute,
	2 * time.Minute,
	5 * time.Minute,
	10 * time.Minute,
	30 * time.Minute,
}

// NextDelay returns the wait after the given failed attempt (1-based)
func NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(RetryLadder) {
		return RetryLadder[len(RetryLadder)-1]
	}
	return RetryLadder[attempt-1]
}

// Store persists delivery attempts and resolves hooks for retries
type Store interface {
	GetHookByID(ctx context.Context, id int64) (*models.Hook, error)
	GetCashboxByID(ctx context.Context, id int64) (*models.Cashbox, error)
	CreateWebhookLog(ctx context.Context, log *models.WebhookLog) error
	ListDueWebhookRetries(ctx context.Context, now time.Time, limit int) ([]models.WebhookLog, error)
	ClaimWebhookRetry(ctx context.Context, id int64, due time.Time) (bool, error)
	ReleaseWebhookRetry(ctx context.Context, id int64, due time.Time) error
	HasSuccessfulDelivery(ctx context.Context, hookID, transactionID int64, event models.EventType) (bool, error)
}

// Alerter is told when a notification gives up
type Alerter interface {
	DeliveryExhausted(hook *models.Hook, last *models.WebhookLog) error
}

// Notification is one event for one hook
type Notification struct {
	Hook          models.Hook
	Secret        string
	TransactionID int64
	Event         models.EventType
	Payload       []byte
}

type merchantAnswer struct {
	Code *int `json:"code"`
}

// Engine delivers notifications and retries failed ones
type Engine struct {
	store   Store
	alerter Alerter
	client  *http.Client
	log     *logrus.Logger
	now     func() time.Time
	wg      sync.WaitGroup
}

// NewEngine initializes a delivery engine. alerter may be nil.
func NewEngine(store Store, alerter Alerter, timeout time.Duration, log *logrus.Logger) *Engine {
	return &Engine{
		store:   store,
		alerter: alerter,
		client:  &http.Client{Timeout: timeout},
		log:     log,
		now:     time.Now,
	}
}

// SetClock replaces the engine clock
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Enqueue delivers n asynchronously as its first attempt
func (e *Engine) Enqueue(n Notification) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.Deliver(context.Background(), n, 1); err != nil {
			e.log.WithFields(logrus.Fields{"hook_id": n.Hook.ID, "transaction_id": n.TransactionID}).
				Errorf("Failed to record webhook attempt: %v", err)
		}
	}()
}

// Wait blocks until every enqueued delivery finished
func (e *Engine) Wait() { e.wg.Wait() }

// Deliver performs one attempt and records it. The returned error concerns persistence only.
func (e *Engine) Deliver(ctx context.Context, n Notification, attempt int) (*models.WebhookLog, error) {
	entry := &models.WebhookLog{
		HookID:        n.Hook.ID,
		TransactionID: n.TransactionID,
		EventType:     n.Event,
		Attempt:       attempt,
		Payload:       n.Payload,
	}
	log := e.log.WithFields(logrus.Fields{
		"hook_id":        n.Hook.ID,
		"transaction_id": n.TransactionID,
		"event":          n.Event,
		"attempt":        attempt,
	})

	status, body, err := e.post(ctx, n)
	entry.ResponseCode = status
	entry.ResponseBody = body
	switch {
	case err != nil:
		entry.ErrorMessage = err.Error()
	case status/100 != 2:
		entry.ErrorMessage = fmt.Sprintf("unexpected status code: %d", status)
	default:
		if answerErr := checkAnswer(body); answerErr != nil {
			entry.ErrorMessage = answerErr.Error()
		} else {
			entry.Success = true
		}
	}

	if !entry.Success && attempt < MaxAttempts {
		next := e.now().Add(NextDelay(attempt))
		entry.NextAttemptAt = &next
	}
	if err := e.store.CreateWebhookLog(ctx, entry); err != nil {
		return entry, fmt.Errorf("failed to create webhook log: %w", err)
	}

	switch {
	case entry.Success:
		log.Info("Webhook delivered")
	case attempt >= MaxAttempts:
		log.Errorf("Webhook delivery exhausted: %s", entry.ErrorMessage)
		if e.alerter != nil {
			if err := e.alerter.DeliveryExhausted(&n.Hook, entry); err != nil {
				log.Errorf("Failed to send delivery alert: %v", err)
			}
		}
	default:
		log.Warnf("Webhook attempt failed, next at %s: %s", entry.NextAttemptAt.Format(time.RFC3339), entry.ErrorMessage)
	}
	return entry, nil
}

// RetryDue re-sends every failed attempt whose retry time has passed and returns how many were sent
func (e *Engine) RetryDue(ctx context.Context, limit int) (int, error) {
	due, err := e.store.ListDueWebhookRetries(ctx, e.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list webhook retries: %w", err)
	}

	sent := 0
	for i := range due {
		prev := due[i]
		if prev.NextAttemptAt == nil {
			continue
		}
		log := e.log.WithField("webhook_log_id", prev.ID)

		// resolve before claiming so a failed lookup leaves the row due for the next scan
		n, skip, err := e.resolve(ctx, &prev)
		if err != nil {
			log.Errorf("Failed to resolve webhook retry: %v", err)
			continue
		}

		// a skipped row is claimed too, which retires it
		claimed, err := e.store.ClaimWebhookRetry(ctx, prev.ID, *prev.NextAttemptAt)
		if err != nil {
			return sent, fmt.Errorf("failed to claim webhook retry %d: %w", prev.ID, err)
		}
		if !claimed || skip {
			continue
		}
		if _, err := e.Deliver(ctx, n, prev.Attempt+1); err != nil {
			if relErr := e.store.ReleaseWebhookRetry(ctx, prev.ID, *prev.NextAttemptAt); relErr != nil {
				log.Errorf("Failed to release webhook retry: %v", relErr)
			}
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// resolve rebuilds the notification of a logged attempt. skip is set when nothing should be sent.
func (e *Engine) resolve(ctx context.Context, prev *models.WebhookLog) (Notification, bool, error) {
	done, err := e.store.HasSuccessfulDelivery(ctx, prev.HookID, prev.TransactionID, prev.EventType)
	if err != nil {
		return Notification{}, false, err
	}
	if done {
		return Notification{}, true, nil
	}

	h, err := e.store.GetHookByID(ctx, prev.HookID)
	if errors.Is(err, models.ErrNotFound) {
		return Notification{}, true, nil
	}
	if err != nil {
		return Notification{}, false, err
	}
	if !h.Active {
		return Notification{}, true, nil
	}
	cashbox, err := e.store.GetCashboxByID(ctx, h.CashboxID)
	if err != nil {
		return Notification{}, false, err
	}
	return Notification{
		Hook:          *h,
		Secret:        cashbox.WebhookSecret,
		TransactionID: prev.TransactionID,
		Event:         prev.EventType,
		Payload:       prev.Payload,
	}, false, nil
}

func (e *Engine) post(ctx context.Context, n Notification) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.Hook.URL, bytes.NewReader(n.Payload))
	if err != nil {
		return 0, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, Sign(n.Secret, n.Payload))
	req.Header.Set(HeaderEncodedSignature, SignEncoded(n.Secret, n.Payload))
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, string(body), nil
}

// checkAnswer requires a JSON body with code 0
func checkAnswer(body string) error {
	var answer merchantAnswer
	if err := json.Unmarshal([]byte(body), &answer); err != nil {
		return fmt.Errorf("invalid merchant answer: %w", err)
	}
	if answer.Code == nil {
		return fmt.Errorf("merchant answer has no code")
	}
	if *answer.Code != 0 {
		return fmt.Errorf("merchant answered code %d", *answer.Code)
	}
	return nil
}
