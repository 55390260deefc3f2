// Package networka implements the Network A card processing adapter over its SOAP interface.
package networka

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/beevik/etree"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/card-gateway/internal/config"
	"github.com/Dan9191/card-gateway/internal/integrations/processing"
	"github.com/Dan9191/card-gateway/internal/models"
)

const (
	soapNamespace    = "http://schemas.xmlsoap.org/soap/envelope/"
	serviceNamespace = "urn:PaymentServer"

	// codeInsufficientFunds is the Network A action code for a balance shortfall
	codeInsufficientFunds = "116"
)

var declines = processing.DeclineTable{
	codeInsufficientFunds: models.ReasonInsufficientFunds,
}

var _ processing.Adapter = (*Client)(nil)

type field struct {
	name  string
	value string
}

// Client handles integration with Network A
type Client struct {
	url      string
	username string
	password string
	client   *http.Client
	log      *logrus.Logger
}

// NewClient initializes a new Network A client
func NewClient(cfg *config.Config, log *logrus.Logger) *Client {
	return &Client{
		url:      cfg.NetworkA.URL,
		username: cfg.NetworkA.Username,
		password: cfg.NetworkA.Password,
		client:   &http.Client{Timeout: cfg.NetworkTimeout},
		log:      log,
	}
}

// Network implements processing.Adapter
func (c *Client) Network() processing.Network { return processing.NetworkA }

// DeclineTable implements processing.Adapter
func (c *Client) DeclineTable() processing.DeclineTable { return declines }

// SendOtp asks Network A for the card's registered phone and opens a confirmation session
func (c *Client) SendOtp(ctx context.Context, card processing.CardRequest) (*processing.CardInfo, error) {
	resp, err := c.call(ctx, "cardInfo", []field{{"pan", card.Pan}, {"expiry", card.Expiry}})
	if err != nil {
		return nil, err
	}
	return &processing.CardInfo{
		Phone:     text(resp, "phone"),
		Reference: text(resp, "sessionId"),
	}, nil
}

// ValidateOtp closes the confirmation session and returns the card token
func (c *Client) ValidateOtp(ctx context.Context, reference string) (*processing.CardDetails, error) {
	resp, err := c.call(ctx, "cardConfirm", []field{{"sessionId", reference}})
	if err != nil {
		return nil, err
	}
	return &processing.CardDetails{
		Token:      text(resp, "token"),
		HolderName: text(resp, "holderName"),
		BankName:   text(resp, "bankName"),
		Phone:      text(resp, "phone"),
		Balance:    minorAmount(resp, "balance"),
	}, nil
}

// Hold reserves funds on the card
func (c *Client) Hold(ctx context.Context, req processing.PaymentRequest) (*processing.PaymentResult, error) {
	resp, err := c.call(ctx, "holdCreate", paymentFields(req))
	if err != nil {
		return nil, err
	}
	return result(resp), nil
}

// ConfirmHold captures a held amount
func (c *Client) ConfirmHold(ctx context.Context, m processing.Merchant, holdID string, amount decimal.Decimal) (*processing.PaymentResult, error) {
	resp, err := c.call(ctx, "holdCharge", []field{
		{"merchantId", m.MerchantID},
		{"terminalId", m.TerminalID},
		{"holdId", holdID},
		{"amount", toMinor(amount)},
	})
	if err != nil {
		return nil, err
	}
	return result(resp), nil
}

// CancelHold releases a hold
func (c *Client) CancelHold(ctx context.Context, m processing.Merchant, holdID string) (*processing.PaymentResult, error) {
	resp, err := c.call(ctx, "holdCancel", []field{
		{"merchantId", m.MerchantID},
		{"terminalId", m.TerminalID},
		{"holdId", holdID},
	})
	if err != nil {
		return nil, err
	}
	return result(resp), nil
}

// Refund returns a completed payment
func (c *Client) Refund(ctx context.Context, m processing.Merchant, refNum string, amount decimal.Decimal) (*processing.PaymentResult, error) {
	resp, err := c.call(ctx, "paymentReturn", []field{
		{"merchantId", m.MerchantID},
		{"terminalId", m.TerminalID},
		{"refNum", refNum},
		{"amount", toMinor(amount)},
	})
	if err != nil {
		return nil, err
	}
	return result(resp), nil
}

// PayByToken debits the card in one step
func (c *Client) PayByToken(ctx context.Context, req processing.PaymentRequest) (*processing.PaymentResult, error) {
	resp, err := c.call(ctx, "paymentCreate", paymentFields(req))
	if err != nil {
		return nil, err
	}
	return result(resp), nil
}

// Post3DS is not offered by Network A
func (c *Client) Post3DS(ctx context.Context, m processing.Merchant, refNum, paRes string) (*processing.PaymentResult, error) {
	return nil, fmt.Errorf("network_a 3ds: %w", models.ErrUnsupported)
}

// Lookup fetches the network state of a transaction by our id
func (c *Client) Lookup(ctx context.Context, m processing.Merchant, extID string) (*processing.PaymentResult, error) {
	resp, err := c.call(ctx, "paymentStatus", []field{
		{"merchantId", m.MerchantID},
		{"terminalId", m.TerminalID},
		{"extId", extID},
	})
	if err != nil {
		return nil, err
	}
	return result(resp), nil
}

// buildSOAPRequest creates the envelope for an operation
func buildSOAPRequest(operation string, fields []field) ([]byte, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	env := doc.CreateElement("soapenv:Envelope")
	env.CreateAttr("xmlns:soapenv", soapNamespace)
	env.CreateAttr("xmlns:ps", serviceNamespace)
	env.CreateElement("soapenv:Header")
	body := env.CreateElement("soapenv:Body")

	op := body.CreateElement("ps:" + operation)
	for _, f := range fields {
		op.CreateElement(f.name).SetText(f.value)
	}
	return doc.WriteToBytes()
}

// call sends a SOAP request and returns the operation response element
func (c *Client) call(ctx context.Context, operation string, fields []field) (*etree.Element, error) {
	payload, err := buildSOAPRequest(operation, fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", operation, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", serviceNamespace+"#"+operation)
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("network_a %s request failed: %w", operation, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	c.log.WithFields(logrus.Fields{"operation": operation, "status": resp.StatusCode}).Debug("network_a response received")

	// Faults come back with 500, anything else that is not 200 is transport level
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusInternalServerError {
		return nil, fmt.Errorf("network_a %s: unexpected status code: %d", operation, resp.StatusCode)
	}
	return parseSOAPResponse(operation, body)
}

// parseSOAPResponse extracts the response element or converts a fault into a NetworkError
func parseSOAPResponse(operation string, raw []byte) (*etree.Element, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}

	if fault := doc.FindElement("//Body/Fault"); fault != nil {
		code := text(fault, "detail/code")
		if code == "" {
			code = text(fault, "faultcode")
		}
		return nil, &processing.NetworkError{
			Network: processing.NetworkA,
			Code:    code,
			Message: text(fault, "faultstring"),
		}
	}

	resp := doc.FindElement("//Body/" + operation + "Response")
	if resp == nil {
		return nil, fmt.Errorf("network_a %s: response element not found", operation)
	}
	if code := text(resp, "code"); code != "" && code != "0" {
		return nil, &processing.NetworkError{
			Network: processing.NetworkA,
			Code:    code,
			Message: text(resp, "message"),
		}
	}
	return resp, nil
}

func paymentFields(req processing.PaymentRequest) []field {
	return []field{
		{"merchantId", req.Merchant.MerchantID},
		{"terminalId", req.Merchant.TerminalID},
		{"token", req.Token},
		{"amount", toMinor(req.Amount)},
		{"currency", req.Currency},
		{"extId", req.ExtID},
	}
}

func result(resp *etree.Element) *processing.PaymentResult {
	return &processing.PaymentResult{
		RefNum:   text(resp, "refNum"),
		HoldID:   text(resp, "holdId"),
		Status:   text(resp, "status"),
		BankName: text(resp, "bankName"),
		Balance:  minorAmount(resp, "balance"),
	}
}

func text(e *etree.Element, path string) string {
	if el := e.FindElement(path); el != nil {
		return strings.TrimSpace(el.Text())
	}
	return ""
}

// toMinor converts an amount to integer minor units
func toMinor(amount decimal.Decimal) string {
	return amount.Shift(2).Round(0).String()
}

func minorAmount(e *etree.Element, path string) *decimal.Decimal {
	v := text(e, path)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	d := decimal.New(n, -2)
	return &d
}
