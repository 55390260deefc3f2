package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/card-gateway/internal/config"
	"github.com/Dan9191/card-gateway/internal/hook"
	"github.com/Dan9191/card-gateway/internal/middleware"
	"github.com/Dan9191/card-gateway/internal/models"
	"github.com/Dan9191/card-gateway/internal/service"
)

// maxCallbackBody bounds signed callback bodies
const maxCallbackBody = 64 << 10

// Handler serves the gateway HTTP API
type Handler struct {
	svc *service.Service
	cfg *config.Config
	log *logrus.Logger
}

// NewHandler creates a new handler
func NewHandler(svc *service.Service, cfg *config.Config, log *logrus.Logger) *Handler {
	return &Handler{svc: svc, cfg: cfg, log: log}
}

type tokenRequest struct {
	CashboxID int64  `json:"cashbox_id"`
	Secret    string `json:"secret"`
}

type confirmRequest struct {
	Code string `json:"code"`
}

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type threeDSRequest struct {
	PaRes string `json:"pa_res"`
}

// RegisterRoutes mounts public and cashbox authenticated routes on r
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.HandleFunc("/auth/token", h.IssueToken).Methods("POST")
	r.HandleFunc("/callbacks/{cashbox}", h.Callback).Methods("POST")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.AuthMiddleware(h.cfg, h.log))

	// code issuing and checking are rate limited per client
	otp := api.PathPrefix("/payments").Subrouter()
	otp.Use(middleware.RateLimit(h.cfg.OtpRateLimit))
	otp.HandleFunc("/charge", h.Charge).Methods("POST")
	otp.HandleFunc("/{id}/confirm", h.ConfirmCharge).Methods("POST")

	api.HandleFunc("/payments/hold", h.Hold).Methods("POST")
	api.HandleFunc("/payments/token", h.PayByToken).Methods("POST")
	api.HandleFunc("/payments/{id}", h.GetTransaction).Methods("GET")
	api.HandleFunc("/payments/{id}/lookup", h.Lookup).Methods("GET")
	api.HandleFunc("/payments/{id}/webhooks", h.WebhookLogs).Methods("GET")
	api.HandleFunc("/payments/{id}/capture", h.ConfirmHold).Methods("POST")
	api.HandleFunc("/payments/{id}/cancel", h.CancelHold).Methods("POST")
	api.HandleFunc("/payments/{id}/refund", h.Refund).Methods("POST")
	api.HandleFunc("/payments/{id}/3ds", h.Post3DS).Methods("POST")
}

// Health reports that the process is serving
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// IssueToken exchanges cashbox credentials for a bearer token
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	token, err := h.svc.IssueToken(r.Context(), req.CashboxID, req.Secret, h.cfg.TokenTTL)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// Charge starts a cryptogram payment
func (h *Handler) Charge(w http.ResponseWriter, r *http.Request) {
	var req models.ChargeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.CashboxID = cashboxID(r)
	h.respond(w, r, func() (*models.Outcome, error) { return h.svc.Payments.Charge(r.Context(), req) })
}

// ConfirmCharge checks the code of a charge
func (h *Handler) ConfirmCharge(w http.ResponseWriter, r *http.Request) {
	id, ok := transactionID(w, r)
	if !ok {
		return
	}
	var req confirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		http.Error(w, "Code is required", http.StatusBadRequest)
		return
	}
	h.respond(w, r, func() (*models.Outcome, error) {
		return h.svc.Payments.ConfirmCharge(r.Context(), cashboxID(r), id, req.Code)
	})
}

// Hold reserves an amount on a stored card
func (h *Handler) Hold(w http.ResponseWriter, r *http.Request) {
	var req models.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.CashboxID = cashboxID(r)
	h.respond(w, r, func() (*models.Outcome, error) { return h.svc.Payments.Hold(r.Context(), req) })
}

// PayByToken charges a stored card
func (h *Handler) PayByToken(w http.ResponseWriter, r *http.Request) {
	var req models.TokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.CashboxID = cashboxID(r)
	h.respond(w, r, func() (*models.Outcome, error) { return h.svc.Payments.PayByToken(r.Context(), req) })
}

// ConfirmHold captures a hold. An empty body captures the full amount.
func (h *Handler) ConfirmHold(w http.ResponseWriter, r *http.Request) {
	id, ok := transactionID(w, r)
	if !ok {
		return
	}
	amount, ok := optionalAmount(w, r)
	if !ok {
		return
	}
	h.respond(w, r, func() (*models.Outcome, error) {
		return h.svc.Payments.ConfirmHold(r.Context(), cashboxID(r), id, amount)
	})
}

// CancelHold releases a hold
func (h *Handler) CancelHold(w http.ResponseWriter, r *http.Request) {
	id, ok := transactionID(w, r)
	if !ok {
		return
	}
	h.respond(w, r, func() (*models.Outcome, error) {
		return h.svc.Payments.CancelHold(r.Context(), cashboxID(r), id)
	})
}

// Refund returns a completed payment. An empty body refunds the full amount.
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	id, ok := transactionID(w, r)
	if !ok {
		return
	}
	amount, ok := optionalAmount(w, r)
	if !ok {
		return
	}
	h.respond(w, r, func() (*models.Outcome, error) {
		return h.svc.Payments.Refund(r.Context(), cashboxID(r), id, amount)
	})
}

// Post3DS completes a payment after a 3-D Secure challenge
func (h *Handler) Post3DS(w http.ResponseWriter, r *http.Request) {
	id, ok := transactionID(w, r)
	if !ok {
		return
	}
	var req threeDSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PaRes == "" {
		http.Error(w, "pa_res is required", http.StatusBadRequest)
		return
	}
	h.respond(w, r, func() (*models.Outcome, error) {
		return h.svc.Payments.Post3DS(r.Context(), cashboxID(r), id, req.PaRes)
	})
}

// GetTransaction returns a transaction of the cashbox
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := transactionID(w, r)
	if !ok {
		return
	}
	tx, err := h.svc.Payments.Get(r.Context(), cashboxID(r), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// Lookup returns the network view of a transaction
func (h *Handler) Lookup(w http.ResponseWriter, r *http.Request) {
	id, ok := transactionID(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Payments.Lookup(r.Context(), cashboxID(r), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ref_num": res.RefNum, "hold_id": res.HoldID, "status": res.Status})
}

// WebhookLogs lists the delivery attempts of a transaction
func (h *Handler) WebhookLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := transactionID(w, r)
	if !ok {
		return
	}
	logs, err := h.svc.WebhookLogs(r.Context(), cashboxID(r), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if logs == nil {
		logs = []models.WebhookLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// Callback answers a request signed with the cashbox secret with the state of the named transaction
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	cashbox, err := strconv.ParseInt(mux.Vars(r)["cashbox"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid cashbox id", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	signature := r.Header.Get(hook.HeaderSignature)
	if signature == "" {
		signature = r.Header.Get(hook.HeaderEncodedSignature)
	}

	tx, err := h.svc.Callback(r.Context(), cashbox, body, signature)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"code": 0, "TransactionId": tx.ID, "Status": tx.Status})
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, call func() (*models.Outcome, error)) {
	out, err := call()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// fail maps service errors onto HTTP status codes
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrInvalidState), errors.Is(err, models.ErrStaleTransaction):
		status = http.StatusConflict
	case errors.Is(err, models.ErrAmountExceeded), errors.Is(err, models.ErrInvalidAmount):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrUnauthorized), errors.Is(err, models.ErrInvalidSignature):
		status = http.StatusUnauthorized
	case errors.Is(err, models.ErrCashboxInactive):
		status = http.StatusForbidden
	case errors.Is(err, models.ErrNetwork):
		status = http.StatusBadGateway
	}

	entry := h.log.WithFields(logrus.Fields{"path": r.URL.Path, "status": status})
	if status == http.StatusInternalServerError {
		entry.WithError(err).Error("Request failed")
		http.Error(w, "Internal server error", status)
		return
	}
	entry.WithError(err).Warn("Request refused")
	http.Error(w, err.Error(), status)
}

func cashboxID(r *http.Request) int64 {
	id, _ := middleware.CashboxID(r.Context())
	return id
}

func transactionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid transaction id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func optionalAmount(w http.ResponseWriter, r *http.Request) (decimal.Decimal, bool) {
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return decimal.Zero, false
	}
	return req.Amount, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
