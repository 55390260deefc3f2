package geoip

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dan9191/card-gateway/internal/config"
)

// TestLookup_PublicAddress verifies the response is decoded.
func TestLookup_PublicAddress(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/84.54.70.10", r.URL.Path)
		_, _ = w.Write([]byte(`{"country":"UZ","city":"Tashkent","region":"Toshkent"}`))
	}))
	defer srv.Close()

	c := NewClient(&config.Config{GeoIPURL: srv.URL, NetworkTimeout: time.Second}, logrus.New())
	loc, err := c.Lookup(context.Background(), "84.54.70.10")
	require.NoError(t, err)
	assert.Equal(t, Location{Country: "UZ", City: "Tashkent", Region: "Toshkent"}, loc)
}

// TestLookup_SkipsPrivate verifies private and invalid addresses never hit the service.
func TestLookup_SkipsPrivate(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s", r.URL.Path)
	}))
	defer srv.Close()

	c := NewClient(&config.Config{GeoIPURL: srv.URL, NetworkTimeout: time.Second}, logrus.New())
	for _, ip := range []string{"10.0.0.1", "127.0.0.1", "not-an-ip", ""} {
		loc, err := c.Lookup(context.Background(), ip)
		require.NoError(t, err)
		assert.Equal(t, Location{}, loc)
	}
}

// TestLookup_ServiceError verifies non-200 answers are errors.
func TestLookup_ServiceError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(&config.Config{GeoIPURL: srv.URL, NetworkTimeout: time.Second}, logrus.New())
	_, err := c.Lookup(context.Background(), "84.54.70.10")
	assert.Error(t, err)
}
