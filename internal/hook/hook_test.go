package hook

import (
	"context"
	"errors"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dan9191/card-gateway/internal/models"
)

const secret = "merchant-secret"

// fakeStore keeps delivery logs in memory
type fakeStore struct {
	mu      sync.Mutex
	hooks   map[int64]*models.Hook
	cashbox *models.Cashbox
	logs    []models.WebhookLog

	// one-shot failures
	cashboxErr error
	createErr  error
}

func newFakeStore(h models.Hook) *fakeStore {
	return &fakeStore{
		hooks:   map[int64]*models.Hook{h.ID: &h},
		cashbox: &models.Cashbox{ID: h.CashboxID, WebhookSecret: secret, Active: true},
	}
}

func (s *fakeStore) GetHookByID(_ context.Context, id int64) (*models.Hook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hooks[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *h
	return &cp, nil
}

func (s *fakeStore) GetCashboxByID(context.Context, int64) (*models.Cashbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.cashboxErr; err != nil {
		s.cashboxErr = nil
		return nil, err
	}
	return s.cashbox, nil
}

func (s *fakeStore) CreateWebhookLog(_ context.Context, l *models.WebhookLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.createErr; err != nil {
		s.createErr = nil
		return err
	}
	l.ID = int64(len(s.logs) + 1)
	s.logs = append(s.logs, *l)
	return nil
}

func (s *fakeStore) ListDueWebhookRetries(_ context.Context, now time.Time, limit int) ([]models.WebhookLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.WebhookLog
	for _, l := range s.logs {
		if l.NextAttemptAt != nil && !l.NextAttemptAt.After(now) && len(out) < limit {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *fakeStore) ClaimWebhookRetry(_ context.Context, id int64, due time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := &s.logs[id-1]
	if l.NextAttemptAt == nil || !l.NextAttemptAt.Equal(due) {
		return false, nil
	}
	l.NextAttemptAt = nil
	return true, nil
}

func (s *fakeStore) ReleaseWebhookRetry(_ context.Context, id int64, due time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := &s.logs[id-1]
	if l.NextAttemptAt == nil {
		l.NextAttemptAt = &due
	}
	return nil
}

func (s *fakeStore) failCashboxOnce(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cashboxErr = err
}

func (s *fakeStore) failCreateOnce(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createErr = err
}

func (s *fakeStore) HasSuccessfulDelivery(_ context.Context, hookID, txID int64, ev models.EventType) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.logs {
		if l.HookID == hookID && l.TransactionID == txID && l.EventType == ev && l.Success {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) snapshot() []models.WebhookLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.WebhookLog(nil), s.logs...)
}

type countingAlerter struct{ calls int32 }

func (a *countingAlerter) DeliveryExhausted(*models.Hook, *models.WebhookLog) error {
	atomic.AddInt32(&a.calls, 1)
	return nil
}

// merchant answers with the code returned by answer for each request
func merchant(t *testing.T, answer func(n int) int) *httptest.Server {
	t.Helper()
	var n int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.True(t, Verify(secret, body, r.Header.Get(HeaderSignature)))
		assert.True(t, Verify(secret, body, r.Header.Get(HeaderEncodedSignature)))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		code := answer(int(atomic.AddInt32(&n, 1)))
		_ = json.NewEncoder(w).Encode(map[string]int{"code": code})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func notification(url string) Notification {
	return Notification{
		Hook:          models.Hook{ID: 1, CashboxID: 3, URL: url, EventType: models.EventPay, Active: true},
		Secret:        secret,
		TransactionID: 42,
		Event:         models.EventPay,
		Payload:       []byte(`{"TransactionId":42,"Amount":15}`),
	}
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time         { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

// TestSign_BothForms verifies both signing forms verify and tampering fails.
func TestSign_BothForms(t *testing.T) {
	t.Parallel()

	body := []byte(`{"a":"b c&d"}`)
	assert.True(t, Verify(secret, body, Sign(secret, body)))
	assert.True(t, Verify(secret, body, SignEncoded(secret, body)))
	assert.NotEqual(t, Sign(secret, body), SignEncoded(secret, body))

	assert.False(t, Verify(secret, []byte(`{"a":"x"}`), Sign(secret, body)))
	assert.False(t, Verify("other", body, Sign(secret, body)))
	assert.False(t, Verify(secret, body, "not base64!"))
	assert.False(t, Verify("", body, Sign("", body)))
}

// TestNextDelay_Ladder verifies the retry ladder and its repeating last step.
func TestNextDelay_Ladder(t *testing.T) {
	t.Parallel()

	want := []time.Duration{time.Minute, 2 * time.Minute, 5 * time.Minute, 10 * time.Minute, 30 * time.Minute, 30 * time.Minute}
	for i, d := range want {
		assert.Equal(t, d, NextDelay(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, 30*time.Minute, NextDelay(99))
}

// TestDeliver_Success verifies a 2xx with code 0 is recorded as delivered.
func TestDeliver_Success(t *testing.T) {
	t.Parallel()

	srv := merchant(t, func(int) int { return 0 })
	n := notification(srv.URL)
	store := newFakeStore(n.Hook)
	engine := NewEngine(store, nil, time.Second, logrus.New())

	engine.Enqueue(n)
	engine.Wait()

	logs := store.snapshot()
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Success)
	assert.Equal(t, http.StatusOK, logs[0].ResponseCode)
	assert.Nil(t, logs[0].NextAttemptAt)
	assert.Equal(t, n.Payload, logs[0].Payload)
}

// TestDeliver_NonZeroCode verifies a refused answer schedules the first retry.
func TestDeliver_NonZeroCode(t *testing.T) {
	t.Parallel()

	srv := merchant(t, func(int) int { return 13 })
	n := notification(srv.URL)
	store := newFakeStore(n.Hook)
	c := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	engine := NewEngine(store, nil, time.Second, logrus.New())
	engine.SetClock(c.now)

	entry, err := engine.Deliver(context.Background(), n, 1)
	require.NoError(t, err)
	assert.False(t, entry.Success)
	require.NotNil(t, entry.NextAttemptAt)
	assert.Equal(t, c.t.Add(time.Minute), *entry.NextAttemptAt)
	assert.Contains(t, entry.ErrorMessage, "13")
}

// TestDeliver_StatusAndBody verifies non-2xx and non-JSON answers fail.
func TestDeliver_StatusAndBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/down" {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"code":0}`))
			return
		}
		_, _ = w.Write([]byte("OK"))
	}))
	defer srv.Close()

	for _, path := range []string{"/down", "/text"} {
		n := notification(srv.URL + path)
		store := newFakeStore(n.Hook)
		entry, err := NewEngine(store, nil, time.Second, logrus.New()).Deliver(context.Background(), n, 1)
		require.NoError(t, err)
		assert.False(t, entry.Success, path)
		assert.NotNil(t, entry.NextAttemptAt, path)
	}
}

// TestRetryDue_StopsAfterSuccess verifies retries resume from the log and stop on success.
func TestRetryDue_StopsAfterSuccess(t *testing.T) {
	t.Parallel()

	srv := merchant(t, func(n int) int {
		if n < 3 {
			return 1
		}
		return 0
	})
	n := notification(srv.URL)
	store := newFakeStore(n.Hook)
	c := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	engine := NewEngine(store, nil, time.Second, logrus.New())
	engine.SetClock(c.now)

	_, err := engine.Deliver(context.Background(), n, 1)
	require.NoError(t, err)

	sent, err := engine.RetryDue(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, sent, "nothing is due before the first ladder step")

	c.advance(time.Minute)
	sent, err = engine.RetryDue(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	c.advance(2 * time.Minute)
	sent, err = engine.RetryDue(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	c.advance(time.Hour)
	sent, err = engine.RetryDue(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, sent)

	logs := store.snapshot()
	require.Len(t, logs, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{logs[0].Attempt, logs[1].Attempt, logs[2].Attempt})
	assert.True(t, logs[2].Success)
	assert.Nil(t, logs[2].NextAttemptAt)
}

// TestRetryDue_Exhausted verifies at most MaxAttempts are made and ops are alerted once.
func TestRetryDue_Exhausted(t *testing.T) {
	t.Parallel()

	srv := merchant(t, func(int) int { return 5 })
	n := notification(srv.URL)
	store := newFakeStore(n.Hook)
	alerter := &countingAlerter{}
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	engine := NewEngine(store, alerter, time.Second, logrus.New())
	engine.SetClock(c.now)

	_, err := engine.Deliver(context.Background(), n, 1)
	require.NoError(t, err)
	for i := 0; i < 2*MaxAttempts; i++ {
		c.advance(31 * time.Minute)
		sent, err := engine.RetryDue(context.Background(), 10)
		require.NoError(t, err)
		if sent == 0 {
			break
		}
	}

	logs := store.snapshot()
	assert.Len(t, logs, MaxAttempts)
	assert.Nil(t, logs[len(logs)-1].NextAttemptAt)
	assert.EqualValues(t, 1, atomic.LoadInt32(&alerter.calls))
}

// TestRetryDue_InactiveHook verifies disabled hooks are not retried.
func TestRetryDue_InactiveHook(t *testing.T) {
	t.Parallel()

	srv := merchant(t, func(int) int { return 1 })
	n := notification(srv.URL)
	store := newFakeStore(n.Hook)
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	engine := NewEngine(store, nil, time.Second, logrus.New())
	engine.SetClock(c.now)

	_, err := engine.Deliver(context.Background(), n, 1)
	require.NoError(t, err)
	store.hooks[n.Hook.ID].Active = false

	c.advance(time.Hour)
	sent, err := engine.RetryDue(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Len(t, store.snapshot(), 1)
}

// TestBuild_PayPayload verifies the summary and the merchant data echo.
func TestBuild_PayPayload(t *testing.T) {
	t.Parallel()

	tx := &models.Transaction{
		ID:             7,
		Amount:         decimal.RequireFromString("15.00"),
		Currency:       "UZS",
		Status:         models.StatusCompleted,
		InvoiceID:      "INV-1",
		JSONData:       json.RawMessage(`{"order":99}`),
		SubscriptionID: "sub-1",
		UpdatedAt:      time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
	}
	card := &models.Card{MaskedPan: "986001******7890", Expiry: "2709", Network: "network_a", Token: "tok"}

	raw, err := Build(models.EventPay, Source{Transaction: tx, Card: card, Issuer: "Alpha Bank", IPCountry: "UZ"})
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.EqualValues(t, 7, got["TransactionId"])
	assert.Equal(t, "986001", got["CardFirstSix"])
	assert.Equal(t, "7890", got["CardLastFour"])
	assert.Equal(t, "09/27", got["CardExpDate"])
	assert.Equal(t, "Alpha Bank", got["Issuer"])
	assert.Equal(t, "2026-03-04 05:06:07", got["DateTime"])
	assert.Equal(t, "tok", got["Token"])
	assert.Equal(t, "UZ", got["IpCountry"])
	assert.Equal(t, map[string]interface{}{"order": float64(99)}, got["Data"])
}

// TestBuild_RefundAndFail verifies event specific fields.
func TestBuild_RefundAndFail(t *testing.T) {
	t.Parallel()

	refund := decimal.RequireFromString("5")
	at := time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)
	tx := &models.Transaction{ID: 1, Amount: decimal.RequireFromString("15"), RefundAmount: &refund, RefundedAt: &at,
		Status: models.StatusCompleted, ReasonCode: models.ReasonInsufficientFunds}

	raw, err := Build(models.EventRefund, Source{Transaction: tx})
	require.NoError(t, err)
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "5", got["Amount"])
	assert.Equal(t, "15", got["PaymentAmount"])

	raw, err = Build(models.EventFail, Source{Transaction: tx})
	require.NoError(t, err)
	got = nil
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "InsufficientFunds", got["Reason"])
	assert.EqualValues(t, 5051, got["ReasonCode"])

	_, err = Build("bogus", Source{Transaction: tx})
	assert.Error(t, err)
}

// TestRetryDue_StoreErrorKeepsRetry verifies a failed lookup leaves the retry due for the next scan.
func TestRetryDue_StoreErrorKeepsRetry(t *testing.T) {
	t.Parallel()

	srv := merchant(t, func(n int) int {
		if n == 1 {
			return 1
		}
		return 0
	})
	n := notification(srv.URL)
	store := newFakeStore(n.Hook)
	c := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	engine := NewEngine(store, nil, time.Second, logrus.New())
	engine.SetClock(c.now)

	_, err := engine.Deliver(context.Background(), n, 1)
	require.NoError(t, err)

	c.advance(time.Minute)
	store.failCashboxOnce(errors.New("db connection reset"))
	sent, err := engine.RetryDue(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, sent)
	require.NotNil(t, store.snapshot()[0].NextAttemptAt, "retry stays scheduled")

	sent, err = engine.RetryDue(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	logs := store.snapshot()
	require.Len(t, logs, 2)
	assert.Equal(t, 2, logs[1].Attempt)
	assert.True(t, logs[1].Success)
}

// TestRetryDue_RecordErrorReleasesClaim verifies an attempt that could not be logged is retried later.
func TestRetryDue_RecordErrorReleasesClaim(t *testing.T) {
	t.Parallel()

	srv := merchant(t, func(n int) int {
		if n < 3 {
			return 1
		}
		return 0
	})
	n := notification(srv.URL)
	store := newFakeStore(n.Hook)
	c := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	engine := NewEngine(store, nil, time.Second, logrus.New())
	engine.SetClock(c.now)

	_, err := engine.Deliver(context.Background(), n, 1)
	require.NoError(t, err)

	c.advance(time.Minute)
	store.failCreateOnce(errors.New("disk full"))
	_, err = engine.RetryDue(context.Background(), 10)
	require.Error(t, err)
	require.Len(t, store.snapshot(), 1)
	require.NotNil(t, store.snapshot()[0].NextAttemptAt, "claim is released")

	sent, err := engine.RetryDue(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	logs := store.snapshot()
	require.Len(t, logs, 2)
	assert.Equal(t, 2, logs[1].Attempt)
	assert.True(t, logs[1].Success)
	assert.Nil(t, logs[0].NextAttemptAt)
}
