// Package signature computes and verifies message authentication codes for the
// payment gateway (legacy MD5 keyed digest) and for webhook payloads
// (HMAC-SHA256 with a timestamp freshness window).
package signature

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/example/ec-settlement/internal/clock"
	"github.com/shopspring/decimal"
)

// DefaultTolerance is the maximum clock skew accepted for webhook timestamps.
const DefaultTolerance = 5 * time.Minute

var (
	ErrSignatureMismatch = errors.New("signature mismatch")
	ErrStaleTimestamp    = errors.New("webhook timestamp outside tolerance window")
	ErrInvalidAmount     = errors.New("invalid amount")
)

// Service is stateless apart from its clock and tolerance.
type Service struct {
	clock     clock.Clock
	tolerance time.Duration
}

func NewService(c clock.Clock) *Service {
	return &Service{clock: c, tolerance: DefaultTolerance}
}

// NormalizeAmount formats amount with exactly two decimals, so "10", "10.0"
// and "10.00" all sign identically.
func NormalizeAmount(amount string) (string, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	return d.StringFixed(2), nil
}

// SignGatewayMessage returns the lowercase hex MD5 of
// secret~merchant~reference~amount~currency, with ~status appended when
// statusCode is set (confirmation callbacks carry it, outbound requests don't).
func (s *Service) SignGatewayMessage(secretKey, merchantID, referenceCode, amount, currency, statusCode string) (string, error) {
	normalized, err := NormalizeAmount(amount)
	if err != nil {
		return "", err
	}
	parts := []string{secretKey, merchantID, referenceCode, normalized, currency}
	if statusCode != "" {
		parts = append(parts, statusCode)
	}
	sum := md5.Sum([]byte(strings.Join(parts, "~")))
	return hex.EncodeToString(sum[:]), nil
}

// VerifyGatewayMessage recomputes the digest and compares in constant time.
func (s *Service) VerifyGatewayMessage(signature, secretKey, merchantID, referenceCode, amount, currency, statusCode string) error {
	expected, err := s.SignGatewayMessage(secretKey, merchantID, referenceCode, amount, currency, statusCode)
	if err != nil {
		return err
	}
	if !equalHex(expected, signature) {
		return ErrSignatureMismatch
	}
	return nil
}

// SignWebhookPayload returns hex(HMAC-SHA256(secret, "<timestampMs>.<payload>")).
func (s *Service) SignWebhookPayload(secret string, timestampMs int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestampMs, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookPayload checks both the MAC and that timestampMs lies within
// the tolerance window around now, in either direction.
func (s *Service) VerifyWebhookPayload(secret, signature string, timestampMs int64, payload []byte) error {
	now := s.clock.Now()
	sent := time.UnixMilli(timestampMs)
	if sent.Before(now.Add(-s.tolerance)) || sent.After(now.Add(s.tolerance)) {
		return fmt.Errorf("%w: sent at %d ms", ErrStaleTimestamp, timestampMs)
	}

	expected := s.SignWebhookPayload(secret, timestampMs, payload)
	if !equalHex(expected, signature) {
		return ErrSignatureMismatch
	}
	return nil
}

func equalHex(expected, given string) bool {
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(given)))) == 1
}
