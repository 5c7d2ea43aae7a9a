package auth

import (
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	totpPeriod     = 30
	totpSkew       = 1
	totpSecretSize = 20 // 160 bits
	totpDigits     = 6
)

var totpValidateOpts = totp.ValidateOpts{
	Period:    totpPeriod,
	Skew:      totpSkew,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// TOTP generates enrollment secrets and checks codes (SHA1, 6 digits, 30s
// step, one step of drift either side).
type TOTP struct {
	issuer string
}

// NewTOTP returns a TOTP helper whose enrollment URIs carry issuer.
func NewTOTP(issuer string) *TOTP {
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		issuer = "Nexa ERP"
	}
	return &TOTP{issuer: issuer}
}

// Generate returns a fresh base32 secret and its otpauth:// enrollment URI.
func (m *TOTP) Generate(account string) (secret, uri string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.issuer,
		AccountName: account,
		Period:      totpPeriod,
		SecretSize:  totpSecretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

// Validate reports whether code is valid for secret at the given instant.
func (m *TOTP) Validate(secret, code string, at time.Time) bool {
	if secret == "" || !isOTPCode(code) {
		return false
	}
	ok, err := totp.ValidateCustom(code, secret, at.UTC(), totpValidateOpts)
	return err == nil && ok
}

func isOTPCode(code string) bool {
	if len(code) != totpDigits {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
