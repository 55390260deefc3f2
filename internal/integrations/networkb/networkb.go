// Package networkb implements the Network B card processing adapter over JSON-RPC 2.0.
package networkb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/card-gateway/internal/config"
	"github.com/Dan9191/card-gateway/internal/integrations/processing"
	"github.com/Dan9191/card-gateway/internal/models"
)

// codeInsufficientFunds is the Network B error code for a balance shortfall
const codeInsufficientFunds = "-31630"

var declines = processing.DeclineTable{
	codeInsufficientFunds: models.ReasonInsufficientFunds,
}

var _ processing.Adapter = (*Client)(nil)

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type cardParams struct {
	Pan    string `json:"pan,omitempty"`
	Expiry string `json:"expiry,omitempty"`
	OtpID  string `json:"otp_id,omitempty"`
}

type paymentParams struct {
	MerchantID string `json:"merchant_id"`
	TerminalID string `json:"terminal_id"`
	Token      string `json:"token,omitempty"`
	HoldID     string `json:"hold_id,omitempty"`
	RefNum     string `json:"ref_num,omitempty"`
	ExtID      string `json:"ext_id,omitempty"`
	Amount     int64  `json:"amount,omitempty"`
	Currency   string `json:"currency,omitempty"`
	PaRes      string `json:"pares,omitempty"`
}

type otpResult struct {
	OtpID string `json:"otp_id"`
	Phone string `json:"phone"`
}

type verifyResult struct {
	Token    string `json:"token"`
	Owner    string `json:"owner"`
	BankName string `json:"bank_name"`
	Phone    string `json:"phone"`
	Balance  *int64 `json:"balance"`
}

type transResult struct {
	RefNum   string `json:"ref_num"`
	HoldID   string `json:"hold_id"`
	Status   string `json:"status"`
	BankName string `json:"bank_name"`
	Balance  *int64 `json:"balance"`
	AcsURL   string `json:"acs_url"`
	PaReq    string `json:"pareq"`
	MD       string `json:"md"`
}

// Client handles integration with Network B
type Client struct {
	url      string
	username string
	password string
	client   *http.Client
	log      *logrus.Logger
}

// NewClient initializes a new Network B client
func NewClient(cfg *config.Config, log *logrus.Logger) *Client {
	return &Client{
		url:      cfg.NetworkB.URL,
		username: cfg.NetworkB.Username,
		password: cfg.NetworkB.Password,
		client:   &http.Client{Timeout: cfg.NetworkTimeout},
		log:      log,
	}
}

// Network implements processing.Adapter
func (c *Client) Network() processing.Network { return processing.NetworkB }

// DeclineTable implements processing.Adapter
func (c *Client) DeclineTable() processing.DeclineTable { return declines }

// SendOtp requests an enrollment session for the card
func (c *Client) SendOtp(ctx context.Context, card processing.CardRequest) (*processing.CardInfo, error) {
	var res otpResult
	if err := c.call(ctx, "cards.new.otp", cardParams{Pan: card.Pan, Expiry: card.Expiry}, &res); err != nil {
		return nil, err
	}
	return &processing.CardInfo{Phone: res.Phone, Reference: res.OtpID}, nil
}

// ValidateOtp completes enrollment and returns the card token
func (c *Client) ValidateOtp(ctx context.Context, reference string) (*processing.CardDetails, error) {
	var res verifyResult
	if err := c.call(ctx, "cards.new.verify", cardParams{OtpID: reference}, &res); err != nil {
		return nil, err
	}
	return &processing.CardDetails{
		Token:      res.Token,
		HolderName: res.Owner,
		BankName:   res.BankName,
		Phone:      res.Phone,
		Balance:    fromMinor(res.Balance),
	}, nil
}

// Hold reserves funds on the card
func (c *Client) Hold(ctx context.Context, req processing.PaymentRequest) (*processing.PaymentResult, error) {
	return c.trans(ctx, "hold.create", paymentParams{
		MerchantID: req.Merchant.MerchantID,
		TerminalID: req.Merchant.TerminalID,
		Token:      req.Token,
		ExtID:      req.ExtID,
		Amount:     toMinor(req.Amount),
		Currency:   req.Currency,
	})
}

// ConfirmHold captures a held amount
func (c *Client) ConfirmHold(ctx context.Context, m processing.Merchant, holdID string, amount decimal.Decimal) (*processing.PaymentResult, error) {
	return c.trans(ctx, "hold.charge", paymentParams{
		MerchantID: m.MerchantID,
		TerminalID: m.TerminalID,
		HoldID:     holdID,
		Amount:     toMinor(amount),
	})
}

// CancelHold releases a hold
func (c *Client) CancelHold(ctx context.Context, m processing.Merchant, holdID string) (*processing.PaymentResult, error) {
	return c.trans(ctx, "hold.cancel", paymentParams{
		MerchantID: m.MerchantID,
		TerminalID: m.TerminalID,
		HoldID:     holdID,
	})
}

// Refund reverses a completed payment
func (c *Client) Refund(ctx context.Context, m processing.Merchant, refNum string, amount decimal.Decimal) (*processing.PaymentResult, error) {
	return c.trans(ctx, "trans.reverse", paymentParams{
		MerchantID: m.MerchantID,
		TerminalID: m.TerminalID,
		RefNum:     refNum,
		Amount:     toMinor(amount),
	})
}

// PayByToken debits the card. The result carries a challenge when the issuer asks for 3-D Secure.
func (c *Client) PayByToken(ctx context.Context, req processing.PaymentRequest) (*processing.PaymentResult, error) {
	return c.trans(ctx, "trans.pay", paymentParams{
		MerchantID: req.Merchant.MerchantID,
		TerminalID: req.Merchant.TerminalID,
		Token:      req.Token,
		ExtID:      req.ExtID,
		Amount:     toMinor(req.Amount),
		Currency:   req.Currency,
	})
}

// Post3DS submits the issuer's authentication response
func (c *Client) Post3DS(ctx context.Context, m processing.Merchant, refNum, paRes string) (*processing.PaymentResult, error) {
	return c.trans(ctx, "trans.3ds.confirm", paymentParams{
		MerchantID: m.MerchantID,
		TerminalID: m.TerminalID,
		RefNum:     refNum,
		PaRes:      paRes,
	})
}

// Lookup fetches the network state of a transaction by our id
func (c *Client) Lookup(ctx context.Context, m processing.Merchant, extID string) (*processing.PaymentResult, error) {
	return c.trans(ctx, "trans.ext", paymentParams{
		MerchantID: m.MerchantID,
		TerminalID: m.TerminalID,
		ExtID:      extID,
	})
}

func (c *Client) trans(ctx context.Context, method string, params paymentParams) (*processing.PaymentResult, error) {
	var res transResult
	if err := c.call(ctx, method, params, &res); err != nil {
		return nil, err
	}
	out := &processing.PaymentResult{
		RefNum:   res.RefNum,
		HoldID:   res.HoldID,
		Status:   res.Status,
		BankName: res.BankName,
		Balance:  fromMinor(res.Balance),
	}
	if res.AcsURL != "" {
		out.ThreeDS = &processing.ThreeDSChallenge{AcsURL: res.AcsURL, PaReq: res.PaReq, MD: res.MD}
	}
	return out, nil
}

// call performs one JSON-RPC exchange and decodes the result into out
func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := uuid.NewString()
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("network_b %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	c.log.WithFields(logrus.Fields{"method": method, "rpc_id": id, "status": resp.StatusCode}).Debug("network_b response received")

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("network_b %s: unexpected status code: %d", method, resp.StatusCode)
	}

	var rpc rpcResponse
	if err := json.Unmarshal(body, &rpc); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if rpc.ID != id {
		return fmt.Errorf("network_b %s: response id %q does not match request", method, rpc.ID)
	}
	if rpc.Error != nil {
		return &processing.NetworkError{
			Network: processing.NetworkB,
			Code:    strconv.Itoa(rpc.Error.Code),
			Message: rpc.Error.Message,
		}
	}
	if len(rpc.Result) == 0 {
		return fmt.Errorf("network_b %s: empty result", method)
	}
	if err := json.Unmarshal(rpc.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

func toMinor(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func fromMinor(v *int64) *decimal.Decimal {
	if v == nil {
		return nil
	}
	d := decimal.New(*v, -2)
	return &d
}
