package auth

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

func TestTOTPGenerate(t *testing.T) {
	secret, uri, err := NewTOTP("").Generate("jane@nexa.test")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	// 160 bits in unpadded base32
	if len(secret) != 32 {
		t.Fatalf("unexpected secret length %d", len(secret))
	}
	u, err := url.Parse(uri)
	if err != nil {
		t.Fatalf("parse uri: %v", err)
	}
	if u.Scheme != "otpauth" || u.Host != "totp" {
		t.Fatalf("unexpected uri: %s", uri)
	}
	q := u.Query()
	if q.Get("secret") != secret || q.Get("issuer") != "Nexa ERP" {
		t.Fatalf("unexpected query: %v", q)
	}
	if !strings.Contains(u.Path, "jane@nexa.test") {
		t.Fatalf("account missing from uri path: %s", u.Path)
	}
}

func TestTOTPValidateWindow(t *testing.T) {
	m := NewTOTP("Nexa ERP")
	secret, _, err := m.Generate("jane@nexa.test")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	at := time.Date(2025, 3, 1, 12, 0, 15, 0, time.UTC)
	code := func(offset time.Duration) string {
		c, err := totp.GenerateCodeCustom(secret, at.Add(offset), totp.ValidateOpts{
			Period:    30,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		})
		if err != nil {
			t.Fatalf("GenerateCodeCustom: %v", err)
		}
		return c
	}

	for _, offset := range []time.Duration{0, -30 * time.Second, 30 * time.Second} {
		if !m.Validate(secret, code(offset), at) {
			t.Fatalf("expected code at offset %v to validate", offset)
		}
	}
	for _, offset := range []time.Duration{-90 * time.Second, 90 * time.Second} {
		if m.Validate(secret, code(offset), at) {
			t.Fatalf("expected code at offset %v to be rejected", offset)
		}
	}
	if m.Validate(secret, "12a456", at) || m.Validate(secret, "1234567", at) || m.Validate("", code(0), at) {
		t.Fatal("expected malformed input to be rejected")
	}
}
