// Package challenge verifies human-presence challenge tokens (captcha).
package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Verifier checks a challenge token submitted by a client.
type Verifier interface {
	Verify(ctx context.Context, token, ip string) (bool, error)
}

// Static returns a Verifier that always answers pass. Useful for local runs
// and tests.
func Static(pass bool) Verifier { return staticVerifier(pass) }

type staticVerifier bool

func (s staticVerifier) Verify(context.Context, string, string) (bool, error) {
	return bool(s), nil
}

// TurnstileURL is the Cloudflare siteverify endpoint.
const TurnstileURL = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

// TurnstileConfig configures [Turnstile].
type TurnstileConfig struct {
	Secret     string
	URL        string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Turnstile verifies Cloudflare Turnstile tokens.
type Turnstile struct {
	secret  string
	url     string
	timeout time.Duration
	client  *http.Client
}

// NewTurnstile validates cfg and returns a verifier.
func NewTurnstile(cfg TurnstileConfig) (*Turnstile, error) {
	if cfg.Secret == "" {
		return nil, errors.New("challenge: turnstile secret is required")
	}
	endpoint := cfg.URL
	if endpoint == "" {
		endpoint = TurnstileURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Turnstile{secret: cfg.Secret, url: endpoint, timeout: timeout, client: client}, nil
}

type siteverifyResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

// Verify posts the token to siteverify. An empty token fails without a
// request.
func (t *Turnstile) Verify(ctx context.Context, token, ip string) (bool, error) {
	if token == "" {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	form := url.Values{}
	form.Set("secret", t.secret)
	form.Set("response", token)
	if ip != "" {
		form.Set("remoteip", ip)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("challenge: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := t.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("challenge: siteverify: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return false, fmt.Errorf("challenge: siteverify status %d", res.StatusCode)
	}

	var payload siteverifyResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return false, fmt.Errorf("challenge: decode: %w", err)
	}
	return payload.Success, nil
}
