// Package geo resolves a client IP to the coarse location recorded on
// sessions and shown in login alerts.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrEthical07/phazeid/store"
)

// Locator looks up the location of an IP address.
type Locator interface {
	Lookup(ctx context.Context, ip string) (store.Location, error)
}

// Static returns a Locator that only records the IP.
func Static() Locator { return staticLocator{} }

type staticLocator struct{}

func (staticLocator) Lookup(_ context.Context, ip string) (store.Location, error) {
	return store.Location{IP: ip}, nil
}

// IPInfoConfig configures [IPInfo].
type IPInfoConfig struct {
	Token      string
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// IPInfo is an ipinfo.io client.
type IPInfo struct {
	token   string
	baseURL string
	timeout time.Duration
	client  *http.Client
}

// NewIPInfo builds an ipinfo.io locator.
func NewIPInfo(cfg IPInfoConfig) *IPInfo {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://ipinfo.io"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &IPInfo{token: cfg.Token, baseURL: baseURL, timeout: timeout, client: client}
}

type ipinfoResponse struct {
	IP       string `json:"ip"`
	City     string `json:"city"`
	Region   string `json:"region"`
	Country  string `json:"country"`
	Org      string `json:"org"`
	Timezone string `json:"timezone"`
	Bogon    bool   `json:"bogon"`
}

// Lookup calls GET {base}/{ip}?token=. Bogon addresses return only the IP.
func (c *IPInfo) Lookup(ctx context.Context, ip string) (store.Location, error) {
	if ip == "" {
		return store.Location{}, errors.New("geo: empty ip")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.baseURL + "/" + url.PathEscape(ip)
	if c.token != "" {
		endpoint += "?token=" + url.QueryEscape(c.token)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return store.Location{}, fmt.Errorf("geo: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return store.Location{}, fmt.Errorf("geo: lookup: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return store.Location{}, fmt.Errorf("geo: lookup status %d", res.StatusCode)
	}

	var payload ipinfoResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return store.Location{}, fmt.Errorf("geo: decode: %w", err)
	}
	if payload.Bogon {
		return store.Location{IP: ip}, nil
	}
	return store.Location{
		IP:       ip,
		City:     payload.City,
		Region:   payload.Region,
		Country:  payload.Country,
		Org:      payload.Org,
		Timezone: payload.Timezone,
	}, nil
}

// Describe formats loc for humans, e.g. "Utrecht, Utrecht, NL".
func Describe(loc store.Location) string {
	parts := make([]string, 0, 3)
	for _, p := range []string{loc.City, loc.Region, loc.Country} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}
