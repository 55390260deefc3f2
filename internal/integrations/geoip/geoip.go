// Package geoip resolves payer IP addresses to a location for webhook payloads.
package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"

	"github.com/Dan9191/card-gateway/internal/config"
)

// Location of an IP address
type Location struct {
	Country string `json:"country"`
	City    string `json:"city"`
	Region  string `json:"region"`
}

// Client queries the geo-IP service at GET <url>/<ip>
type Client struct {
	url    string
	client *http.Client
	log    *logrus.Logger
}

// NewClient initializes a new geo-IP client
func NewClient(cfg *config.Config, log *logrus.Logger) *Client {
	return &Client{
		url:    cfg.GeoIPURL,
		client: &http.Client{Timeout: cfg.NetworkTimeout},
		log:    log,
	}
}

// Lookup returns the location of ip. Private and malformed addresses resolve to an empty location.
func (c *Client) Lookup(ctx context.Context, ip string) (Location, error) {
	parsed := net.ParseIP(ip)
	if c.url == "" || parsed == nil || parsed.IsPrivate() || parsed.IsLoopback() {
		return Location{}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/"+url.PathEscape(ip), nil)
	if err != nil {
		return Location{}, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return Location{}, fmt.Errorf("geoip request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Location{}, fmt.Errorf("geoip: unexpected status code: %d", resp.StatusCode)
	}
	var loc Location
	if err := json.NewDecoder(resp.Body).Decode(&loc); err != nil {
		return Location{}, fmt.Errorf("failed to decode geoip response: %w", err)
	}
	c.log.WithFields(logrus.Fields{"ip": ip, "country": loc.Country}).Debug("ip resolved")
	return loc, nil
}
