package service

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dan9191/card-gateway/internal/config"
	"github.com/Dan9191/card-gateway/internal/hook"
	"github.com/Dan9191/card-gateway/internal/integrations/networka"
	"github.com/Dan9191/card-gateway/internal/integrations/processing"
	"github.com/Dan9191/card-gateway/internal/integrations/sandbox"
	"github.com/Dan9191/card-gateway/internal/integrations/sms"
	"github.com/Dan9191/card-gateway/internal/models"
	"github.com/Dan9191/card-gateway/internal/repository/memstore"
	"github.com/Dan9191/card-gateway/internal/utils"
)

const (
	networkAPan   = "9860011234567890"
	sandboxPan    = "4000001234560002"
	cardExpiry    = "2709"
	webhookSecret = "merchant-secret"
	sandboxCode   = "111111"
	wrongCode     = "000000"
	networkAToken = "TOK-1"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func cryptogramKey() *rsa.PrivateKey {
	keyOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = key
	})
	return testKey
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeSMS records every message
type fakeSMS struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeSMS) Send(_ context.Context, phone, text string) (sms.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return sms.Result{Success: true}, nil
}

func (f *fakeSMS) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// lastCode returns the code of the most recent otp message
func (f *fakeSMS) lastCode(t *testing.T) string {
	t.Helper()
	texts := f.texts()
	require.NotEmpty(t, texts)
	last := texts[len(texts)-1]
	return last[strings.LastIndex(last, " ")+1:]
}

const soapResponse = `<?xml version="1.0" encoding="UTF-8"?>
<SOAP-ENV:Envelope xmlns:SOAP-ENV="http://schemas.xmlsoap.org/soap/envelope/" xmlns:ps="urn:PaymentServer">
  <SOAP-ENV:Body>
    <ps:%sResponse>%s</ps:%sResponse>
  </SOAP-ENV:Body>
</SOAP-ENV:Envelope>`

var networkAAnswers = map[string]string{
	"cardInfo":      "<code>0</code><phone>998901234567</phone><sessionId>S-1</sessionId>",
	"cardConfirm":   "<code>0</code><token>" + networkAToken + "</token><holderName>JOHN DOE</holderName><bankName>Alpha</bankName><phone>998901234567</phone>",
	"paymentCreate": "<code>0</code><refNum>R-1</refNum><status>OK</status><balance>100000</balance>",
	"holdCreate":    "<code>0</code><refNum>R-2</refNum><holdId>H-1</holdId><status>HELD</status>",
	"holdCharge":    "<code>0</code><refNum>R-3</refNum><status>OK</status>",
	"holdCancel":    "<code>0</code><status>CANCELLED</status>",
	"paymentReturn": "<code>0</code><refNum>R-1</refNum><status>RETURNED</status>",
	"paymentStatus": "<code>0</code><refNum>R-1</refNum><status>OK</status>",
}

func soapOK(op string) (int, string) {
	return http.StatusOK, fmt.Sprintf(soapResponse, op, networkAAnswers[op], op)
}

// networkAServer answers SOAP operations with canned responses unless overridden
type networkAServer struct {
	mu        sync.Mutex
	ops       []string
	overrides map[string]func(r *http.Request) (int, string)
}

func (s *networkAServer) on(op string, fn func(r *http.Request) (int, string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[op] = fn
}

func (s *networkAServer) count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.ops {
		if o == op {
			n++
		}
	}
	return n
}

func (s *networkAServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	el := doc.FindElement("//Body/*")
	if el == nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	op := el.Tag

	s.mu.Lock()
	s.ops = append(s.ops, op)
	fn := s.overrides[op]
	s.mu.Unlock()

	status, body := soapOK(op)
	if fn != nil {
		status, body = fn(r)
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// merchantServer is a webhook endpoint that verifies signatures
type merchantServer struct {
	mu       sync.Mutex
	requests int
	valid    int
	failFor  int
}

func (m *merchantServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests++
	if hook.Verify(webhookSecret, body, r.Header.Get(hook.HeaderSignature)) {
		m.valid++
	}
	if m.requests <= m.failFor {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	_, _ = w.Write([]byte(`{"code":0}`))
}

func (m *merchantServer) hits() (requests, valid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests, m.valid
}

type harness struct {
	store    *memstore.Store
	svc      *Service
	engine   *hook.Engine
	cashbox  *models.Cashbox
	cfg      *config.Config
	clock    *testClock
	sms      *fakeSMS
	networkA *networkAServer
	merchant *merchantServer
}

// newHarness wires the services over memstore, a fake Network A and a merchant endpoint
// subscribed to events
func newHarness(t *testing.T, events ...models.EventType) *harness {
	t.Helper()
	log := quietLogger()

	h := &harness{
		store:    memstore.New(),
		clock:    newTestClock(),
		sms:      &fakeSMS{},
		networkA: &networkAServer{overrides: map[string]func(*http.Request) (int, string){}},
		merchant: &merchantServer{},
	}
	netSrv := httptest.NewServer(h.networkA)
	t.Cleanup(netSrv.Close)
	merchantSrv := httptest.NewServer(h.merchant)
	t.Cleanup(merchantSrv.Close)

	h.cfg = &config.Config{
		PanHashSecret:     strings.Repeat("k", 32),
		TestCardPattern:   "400000******0002",
		SandboxOtpCode:    sandboxCode,
		OtpTimeout:        3 * time.Minute,
		FirstBanDuration:  10 * time.Minute,
		SecondBanDuration: 24 * time.Hour,
		NetworkTimeout:    200 * time.Millisecond,
		NetworkA:          config.NetworkConfig{URL: netSrv.URL, Username: "gw", Password: "pw"},
	}

	h.cashbox = h.store.AddCashbox(models.Cashbox{
		Name:          "Shop",
		WebhookSecret: webhookSecret,
		MerchantID:    "M1",
		TerminalID:    "T1",
		Active:        true,
	})
	for _, ev := range events {
		h.store.AddHook(models.Hook{CashboxID: h.cashbox.ID, URL: merchantSrv.URL, EventType: ev, Active: true})
	}

	bins, err := processing.NewBinRegistry(processing.DefaultBins)
	require.NoError(t, err)
	registry := processing.NewRegistry(networka.NewClient(h.cfg, log), sandbox.New())
	router := processing.NewRouter(bins, registry, h.cfg.TestCardPattern)

	h.engine = hook.NewEngine(h.store, nil, time.Second, log)
	dispatcher := NewDispatcher(h.store, h.engine, nil, nil, h.sms, log)
	h.svc = NewService(h.store, router, utils.NewCryptogramDecoder(cryptogramKey()), dispatcher, h.sms, log, h.cfg)

	h.store.SetClock(h.clock.Now)
	h.engine.SetClock(h.clock.Now)
	h.svc.Cards.SetClock(h.clock.Now)
	h.svc.Payments.SetClock(h.clock.Now)
	return h
}

func (h *harness) charge(t *testing.T, pan, amount string) *models.Outcome {
	t.Helper()
	cryptogram, err := utils.EncodeCryptogram(&cryptogramKey().PublicKey, "k1", pan, cardExpiry, "payer")
	require.NoError(t, err)
	out, err := h.svc.Payments.Charge(context.Background(), models.ChargeRequest{
		PaymentRequest: models.PaymentRequest{
			CashboxID: h.cashbox.ID,
			Amount:    decimal.RequireFromString(amount),
			InvoiceID: "INV-1",
		},
		Cryptogram: cryptogram,
	})
	require.NoError(t, err)
	return out
}

func (h *harness) confirm(t *testing.T, out *models.Outcome, code string) *models.Outcome {
	t.Helper()
	res, err := h.svc.Payments.ConfirmCharge(context.Background(), h.cashbox.ID, out.Model.TransactionID, code)
	require.NoError(t, err)
	return res
}

// enroll pays 1.00 with the card so that it becomes approved and returns the completed outcome
func (h *harness) enroll(t *testing.T, pan string) *models.Outcome {
	t.Helper()
	out := h.charge(t, pan, "1.00")
	require.True(t, out.Success, out.Message)

	code := sandboxCode
	if pan != sandboxPan {
		code = h.sms.lastCode(t)
	}
	done := h.confirm(t, out, code)
	require.Equal(t, models.StatusCompleted, done.Model.Status, done.Message)
	return done
}

func (h *harness) tokenRequest(token, amount string) models.TokenRequest {
	return models.TokenRequest{
		PaymentRequest: models.PaymentRequest{CashboxID: h.cashbox.ID, Amount: decimal.RequireFromString(amount)},
		Token:          token,
	}
}

func (h *harness) transaction(t *testing.T, id int64) *models.Transaction {
	t.Helper()
	tx, err := h.svc.Payments.Get(context.Background(), h.cashbox.ID, id)
	require.NoError(t, err)
	return tx
}

func (h *harness) logs(t *testing.T, txID int64) []models.WebhookLog {
	t.Helper()
	h.engine.Wait()
	logs, err := h.store.ListWebhookLogs(context.Background(), txID)
	require.NoError(t, err)
	return logs
}

func (h *harness) card(t *testing.T, pan string) *models.Card {
	t.Helper()
	card, err := h.store.GetCardByPanRef(context.Background(), utils.PanReference(pan, h.cfg.PanHashSecret))
	require.NoError(t, err)
	return card
}

func assertPending(t *testing.T, out *models.Outcome, message string) {
	t.Helper()
	assert.False(t, out.Success)
	assert.Equal(t, models.StatusAwaitingAuthentication, out.Model.Status)
	assert.Equal(t, message, out.Message)
}
