package handler

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dan9191/card-gateway/internal/config"
	"github.com/Dan9191/card-gateway/internal/hook"
	"github.com/Dan9191/card-gateway/internal/integrations/processing"
	"github.com/Dan9191/card-gateway/internal/integrations/sandbox"
	"github.com/Dan9191/card-gateway/internal/integrations/sms"
	"github.com/Dan9191/card-gateway/internal/models"
	"github.com/Dan9191/card-gateway/internal/repository/memstore"
	"github.com/Dan9191/card-gateway/internal/service"
	"github.com/Dan9191/card-gateway/internal/utils"
)

const (
	testPan       = "4000001234560002"
	cashboxSecret = "merchant-secret"
	sandboxCode   = "111111"
)

type nopSMS struct{}

func (nopSMS) Send(_ context.Context, _, _ string) (sms.Result, error) {
	return sms.Result{Success: true}, nil
}

type api struct {
	srv     *httptest.Server
	engine  *hook.Engine
	key     *rsa.PrivateKey
	cashbox *models.Cashbox
	token   string
}

// newAPI serves the gateway routes over memstore and the sandbox network
func newAPI(t *testing.T) *api {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	cfg := &config.Config{
		JWTSecret:         "jwt-secret",
		TokenTTL:          time.Hour,
		OtpRateLimit:      100,
		PanHashSecret:     strings.Repeat("k", 32),
		TestCardPattern:   "400000******0002",
		SandboxOtpCode:    sandboxCode,
		OtpTimeout:        3 * time.Minute,
		FirstBanDuration:  10 * time.Minute,
		SecondBanDuration: 24 * time.Hour,
	}

	store := memstore.New()
	cashbox := store.AddCashbox(models.Cashbox{Name: "Shop", WebhookSecret: cashboxSecret, Active: true})

	bins, err := processing.NewBinRegistry(processing.DefaultBins)
	require.NoError(t, err)
	router := processing.NewRouter(bins, processing.NewRegistry(sandbox.New()), cfg.TestCardPattern)

	engine := hook.NewEngine(store, nil, time.Second, log)
	dispatcher := service.NewDispatcher(store, engine, nil, nil, nopSMS{}, log)
	svc := service.NewService(store, router, utils.NewCryptogramDecoder(key), dispatcher, nopSMS{}, log, cfg)

	r := mux.NewRouter()
	NewHandler(svc, cfg, log).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	a := &api{srv: srv, engine: engine, key: key, cashbox: cashbox}
	var body map[string]string
	status := a.do(t, http.MethodPost, "/auth/token", map[string]interface{}{"cashbox_id": cashbox.ID, "secret": cashboxSecret}, &body)
	require.Equal(t, http.StatusOK, status)
	a.token = body["token"]
	require.NotEmpty(t, a.token)
	return a
}

func (a *api) do(t *testing.T, method, path string, in, out interface{}) int {
	t.Helper()
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, body)
	require.NoError(t, err)
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// pay charges the sandbox card and confirms the code
func (a *api) pay(t *testing.T, amount string) models.Outcome {
	t.Helper()
	cryptogram, err := utils.EncodeCryptogram(&a.key.PublicKey, "k1", testPan, "2709", "payer")
	require.NoError(t, err)

	var started models.Outcome
	status := a.do(t, http.MethodPost, "/api/payments/charge", map[string]string{"amount": amount, "cryptogram": cryptogram}, &started)
	require.Equal(t, http.StatusOK, status)
	require.True(t, started.Success, started.Message)
	require.Equal(t, models.StatusAwaitingAuthentication, started.Model.Status)

	var done models.Outcome
	path := fmt.Sprintf("/api/payments/%d/confirm", started.Model.TransactionID)
	status = a.do(t, http.MethodPost, path, map[string]string{"code": sandboxCode}, &done)
	require.Equal(t, http.StatusOK, status)
	return done
}

// TestHealth verifies the liveness route needs no token.
func TestHealth(t *testing.T) {
	a := newAPI(t)
	a.token = ""
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/health", nil, nil))
}

// TestIssueToken_WrongSecret verifies bad credentials are refused.
func TestIssueToken_WrongSecret(t *testing.T) {
	a := newAPI(t)
	a.token = ""
	status := a.do(t, http.MethodPost, "/auth/token", map[string]interface{}{"cashbox_id": a.cashbox.ID, "secret": "guess"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

// TestAPI_RequiresToken verifies payment routes reject anonymous requests.
func TestAPI_RequiresToken(t *testing.T) {
	a := newAPI(t)
	a.token = ""
	assert.Equal(t, http.StatusUnauthorized, a.do(t, http.MethodGet, "/api/payments/1", nil, nil))
}

// TestChargeFlow verifies a charge confirmed with its code completes and can be read back.
func TestChargeFlow(t *testing.T) {
	a := newAPI(t)
	done := a.pay(t, "12.00")
	assert.True(t, done.Success, done.Message)
	assert.Equal(t, models.StatusCompleted, done.Model.Status)
	assert.Equal(t, sandbox.Token(testPan), done.Model.Token)
	assert.True(t, done.Model.TestMode)

	var tx models.Transaction
	status := a.do(t, http.MethodGet, fmt.Sprintf("/api/payments/%d", done.Model.TransactionID), nil, &tx)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.StatusCompleted, tx.Status)
	assert.Equal(t, "12", tx.Amount.String())

	a.engine.Wait()
	var logs []models.WebhookLog
	status = a.do(t, http.MethodGet, fmt.Sprintf("/api/payments/%d/webhooks", done.Model.TransactionID), nil, &logs)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, logs)
}

// TestConfirm_WrongCode verifies a mismatched code keeps the payment waiting.
func TestConfirm_WrongCode(t *testing.T) {
	a := newAPI(t)
	cryptogram, err := utils.EncodeCryptogram(&a.key.PublicKey, "k1", testPan, "2709", "payer")
	require.NoError(t, err)

	var started models.Outcome
	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, "/api/payments/charge", map[string]string{"amount": "3.00", "cryptogram": cryptogram}, &started))

	var out models.Outcome
	path := fmt.Sprintf("/api/payments/%d/confirm", started.Model.TransactionID)
	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, path, map[string]string{"code": "000000"}, &out))
	assert.False(t, out.Success)
	assert.Equal(t, models.StatusAwaitingAuthentication, out.Model.Status)

	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPost, path, map[string]string{}, nil))
}

// TestHoldCaptureRefund verifies hold capture and refund status codes.
func TestHoldCaptureRefund(t *testing.T) {
	a := newAPI(t)
	a.pay(t, "1.00")

	var held models.Outcome
	status := a.do(t, http.MethodPost, "/api/payments/hold", map[string]string{"token": sandbox.Token(testPan), "amount": "50.00"}, &held)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, models.StatusAuthorized, held.Model.Status)
	id := held.Model.TransactionID

	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPost, fmt.Sprintf("/api/payments/%d/capture", id), map[string]string{"amount": "60.00"}, nil))

	var captured models.Outcome
	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, fmt.Sprintf("/api/payments/%d/capture", id), map[string]string{"amount": "40.00"}, &captured))
	assert.Equal(t, models.StatusCompleted, captured.Model.Status)
	assert.Equal(t, "40", captured.Model.Amount.String())

	assert.Equal(t, http.StatusConflict, a.do(t, http.MethodPost, fmt.Sprintf("/api/payments/%d/cancel", id), nil, nil))
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodPost, fmt.Sprintf("/api/payments/%d/refund", id), nil, nil))
	assert.Equal(t, http.StatusConflict, a.do(t, http.MethodPost, fmt.Sprintf("/api/payments/%d/refund", id), nil, nil))
}

// TestThreeDS verifies a challenged token payment completes after the PaRes is posted.
func TestThreeDS(t *testing.T) {
	a := newAPI(t)
	a.pay(t, "1.00")

	var challenged models.Outcome
	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, "/api/payments/token", map[string]string{"token": sandbox.Token(testPan), "amount": "7.33"}, &challenged))
	require.Equal(t, sandbox.AcsURL, challenged.Model.AcsURL)

	path := fmt.Sprintf("/api/payments/%d/3ds", challenged.Model.TransactionID)
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodPost, path, map[string]string{}, nil))

	var done models.Outcome
	require.Equal(t, http.StatusOK, a.do(t, http.MethodPost, path, map[string]string{"pa_res": "ok"}, &done))
	assert.Equal(t, models.StatusCompleted, done.Model.Status)
}

// TestNotFound verifies unknown and malformed ids.
func TestNotFound(t *testing.T) {
	a := newAPI(t)
	assert.Equal(t, http.StatusNotFound, a.do(t, http.MethodGet, "/api/payments/999", nil, nil))
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodGet, "/api/payments/abc", nil, nil))
}

// TestCallback verifies signed status requests.
func TestCallback(t *testing.T) {
	a := newAPI(t)
	done := a.pay(t, "2.00")
	body := []byte(fmt.Sprintf(`{"TransactionId":%d}`, done.Model.TransactionID))
	path := fmt.Sprintf("%s/callbacks/%d", a.srv.URL, a.cashbox.ID)

	post := func(header, signature string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, path, bytes.NewReader(body))
		require.NoError(t, err)
		if header != "" {
			req.Header.Set(header, signature)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := post(hook.HeaderSignature, hook.Sign(cashboxSecret, body))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var answer map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&answer))
	assert.Equal(t, float64(0), answer["code"])
	assert.Equal(t, string(models.StatusCompleted), answer["Status"])

	assert.Equal(t, http.StatusOK, post(hook.HeaderEncodedSignature, hook.SignEncoded(cashboxSecret, body)).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, post(hook.HeaderSignature, hook.Sign("other", body)).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, post("", "").StatusCode)
}
