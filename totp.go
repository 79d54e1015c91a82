package phazeid

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image/png"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	totpSecretBytes = 20
	totpQRSize      = 200
)

// Enrollment is returned once when MFA enrollment begins.
type Enrollment struct {
	// Secret is the base32 TOTP secret for manual entry.
	Secret string `json:"secret"`
	// URL is the otpauth:// provisioning URI.
	URL string `json:"url"`
	// QRPNG is the provisioning URI as a base64 PNG QR code.
	QRPNG string `json:"qr"`
}

type totpManager struct {
	issuer string
	digits otp.Digits
	period uint
	skew   int
}

func newTOTPManager(issuer string, cfg MFAConfig) *totpManager {
	return &totpManager{
		issuer: issuer,
		digits: otp.Digits(cfg.Digits),
		period: uint(cfg.Period),
		skew:   cfg.Skew,
	}
}

func (m *totpManager) generate(account string) (*Enrollment, error) {
	if m == nil {
		return nil, ErrEngineNotReady
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.issuer,
		AccountName: account,
		Period:      m.period,
		SecretSize:  totpSecretBytes,
		Digits:      m.digits,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, err
	}

	img, err := key.Image(totpQRSize, totpQRSize)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}

	return &Enrollment{
		Secret: key.Secret(),
		URL:    key.URL(),
		QRPNG:  base64.StdEncoding.EncodeToString(buf.Bytes()),
	}, nil
}

// looksLikeTOTP reports whether code has the shape of a TOTP code rather
// than a backup code.
func (m *totpManager) looksLikeTOTP(code string) bool {
	if len(code) != m.digits.Length() {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

// validate checks code against secret within the configured skew and
// returns the matching time step.
func (m *totpManager) validate(secret, code string, now time.Time) (bool, uint64, error) {
	if m == nil {
		return false, 0, ErrEngineNotReady
	}
	code = strings.TrimSpace(code)
	if secret == "" {
		return false, 0, errors.New("empty totp secret")
	}
	if !m.looksLikeTOTP(code) {
		return false, 0, nil
	}

	opts := totp.ValidateOpts{
		Period:    m.period,
		Skew:      0,
		Digits:    m.digits,
		Algorithm: otp.AlgorithmSHA1,
	}
	period := time.Duration(m.period) * time.Second
	for offset := -m.skew; offset <= m.skew; offset++ {
		at := now.Add(time.Duration(offset) * period)
		ok, err := totp.ValidateCustom(code, secret, at, opts)
		if err != nil {
			return false, 0, err
		}
		if ok {
			return true, uint64(at.Unix()) / uint64(m.period), nil
		}
	}
	return false, 0, nil
}

// code returns the TOTP code of secret at t.
func (m *totpManager) code(secret string, t time.Time) (string, error) {
	return totp.GenerateCodeCustom(secret, t, totp.ValidateOpts{
		Period:    m.period,
		Digits:    m.digits,
		Algorithm: otp.AlgorithmSHA1,
	})
}
