// Package sms sends text messages through the HTTP SMS gateway.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Dan9191/card-gateway/internal/config"
)

// Result is the gateway answer for one message
type Result struct {
	Success bool
	Message string
}

type message struct {
	MessageID  string `json:"message_id"`
	Recipient  string `json:"recipient"`
	Originator string `json:"originator"`
	Text       string `json:"text"`
}

type request struct {
	Messages []message `json:"messages"`
}

// Client handles integration with the SMS gateway
type Client struct {
	url        string
	username   string
	password   string
	originator string
	client     *http.Client
	log        *logrus.Logger
}

// NewClient initializes a new SMS client
func NewClient(cfg *config.Config, log *logrus.Logger) *Client {
	return &Client{
		url:        cfg.SMS.URL,
		username:   cfg.SMS.Username,
		password:   cfg.SMS.Password,
		originator: cfg.SMS.Originator,
		client:     &http.Client{Timeout: cfg.NetworkTimeout},
		log:        log,
	}
}

// Send delivers text to phone. A gateway refusal is reported in Result, transport failures as error.
func (c *Client) Send(ctx context.Context, phone, text string) (Result, error) {
	id := uuid.NewString()
	payload, err := json.Marshal(request{Messages: []message{{
		MessageID:  id,
		Recipient:  strings.TrimPrefix(phone, "+"),
		Originator: c.originator,
		Text:       text,
	}}})
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal sms: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("sms request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read response: %w", err)
	}

	log := c.log.WithFields(logrus.Fields{"message_id": id, "status": resp.StatusCode})
	if resp.StatusCode/100 != 2 {
		log.Warn("sms gateway refused message")
		return Result{Success: false, Message: strings.TrimSpace(string(body))}, nil
	}
	log.Debug("sms accepted")
	return Result{Success: true, Message: id}, nil
}
