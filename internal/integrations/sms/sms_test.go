package sms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dan9191/card-gateway/internal/config"
)

func newClient(url string) *Client {
	return NewClient(&config.Config{
		NetworkTimeout: time.Second,
		SMS:            config.SMSConfig{URL: url, Username: "u", Password: "p", Originator: "3700"},
	}, logrus.New())
}

// TestSend_Accepted verifies the message envelope sent to the gateway.
func TestSend_Accepted(t *testing.T) {
	t.Parallel()

	var got request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	res, err := newClient(srv.URL).Send(context.Background(), "+998901234567", "Code 123456")
	require.NoError(t, err)
	assert.True(t, res.Success)

	require.Len(t, got.Messages, 1)
	assert.Equal(t, "998901234567", got.Messages[0].Recipient)
	assert.Equal(t, "3700", got.Messages[0].Originator)
	assert.Equal(t, res.Message, got.Messages[0].MessageID)
}

// TestSend_Refused verifies a non-2xx answer is a failed result, not an error.
func TestSend_Refused(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid recipient", http.StatusBadRequest)
	}))
	defer srv.Close()

	res, err := newClient(srv.URL).Send(context.Background(), "1", "x")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "invalid recipient", res.Message)
}
