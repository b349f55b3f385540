package signature

import (
	"crypto/md5"
	"encoding/hex"
	"math"
	"testing"
	"time"

	"github.com/example/ec-settlement/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService() (*Service, *clock.Fake) {
	c := clock.NewFake(time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC))
	return NewService(c), c
}

// ============================================
// Gateway signature Tests
// ============================================

func TestNormalizeAmount(t *testing.T) {
	cases := map[string]string{
		"10":      "10.00",
		"10.0":    "10.00",
		"10.00":   "10.00",
		"243.5":   "243.50",
		" 99.999": "100.00",
	}
	for in, want := range cases {
		got, err := NormalizeAmount(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := NormalizeAmount("ten")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestSignGatewayMessage_NormalizesAmount(t *testing.T) {
	svc, _ := newTestService()

	a, err := svc.SignGatewayMessage("key", "508029", "ORD-000001", "10", "COP", "4")
	require.NoError(t, err)
	b, err := svc.SignGatewayMessage("key", "508029", "ORD-000001", "10.00", "COP", "4")
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestSignGatewayMessage_KnownDigest(t *testing.T) {
	svc, _ := newTestService()

	got, err := svc.SignGatewayMessage("key", "508029", "ORD-000001", "243", "COP", "4")
	require.NoError(t, err)

	sum := md5.Sum([]byte("key~508029~ORD-000001~243.00~COP~4"))
	assert.Equal(t, hex.EncodeToString(sum[:]), got)
}

func TestSignGatewayMessage_WithoutStatus(t *testing.T) {
	svc, _ := newTestService()

	got, err := svc.SignGatewayMessage("key", "508029", "ORD-000001", "243", "COP", "")
	require.NoError(t, err)

	sum := md5.Sum([]byte("key~508029~ORD-000001~243.00~COP"))
	assert.Equal(t, hex.EncodeToString(sum[:]), got)
}

func TestVerifyGatewayMessage(t *testing.T) {
	svc, _ := newTestService()
	sig, err := svc.SignGatewayMessage("key", "508029", "ORD-000001", "243.00", "COP", "4")
	require.NoError(t, err)

	assert.NoError(t, svc.VerifyGatewayMessage(sig, "key", "508029", "ORD-000001", "243", "COP", "4"))
	assert.NoError(t, svc.VerifyGatewayMessage("  "+sig, "key", "508029", "ORD-000001", "243", "COP", "4"))
	assert.ErrorIs(t, svc.VerifyGatewayMessage(sig, "key", "508029", "ORD-000001", "244", "COP", "4"), ErrSignatureMismatch)
	assert.ErrorIs(t, svc.VerifyGatewayMessage(sig, "other", "508029", "ORD-000001", "243", "COP", "4"), ErrSignatureMismatch)
	assert.ErrorIs(t, svc.VerifyGatewayMessage("", "key", "508029", "ORD-000001", "243", "COP", "4"), ErrSignatureMismatch)
}

// ============================================
// Webhook signature Tests
// ============================================

func TestSignWebhookPayload_Deterministic(t *testing.T) {
	svc, _ := newTestService()
	payload := []byte(`{"event":"order.paid"}`)

	a := svc.SignWebhookPayload("whsec", 1700000000000, payload)
	b := svc.SignWebhookPayload("whsec", 1700000000000, payload)
	c := svc.SignWebhookPayload("whsec", 1700000000001, payload)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestVerifyWebhookPayload_FreshnessWindow(t *testing.T) {
	svc, c := newTestService()
	payload := []byte(`{"event":"order.paid"}`)
	signedAt := c.Now()
	ts := signedAt.UnixMilli()
	sig := svc.SignWebhookPayload("whsec", ts, payload)

	c.Set(signedAt.Add(4*time.Minute + 59*time.Second))
	assert.NoError(t, svc.VerifyWebhookPayload("whsec", sig, ts, payload))

	c.Set(signedAt.Add(5*time.Minute + 1*time.Second))
	assert.ErrorIs(t, svc.VerifyWebhookPayload("whsec", sig, ts, payload), ErrStaleTimestamp)
}

func TestVerifyWebhookPayload_RejectsFutureDated(t *testing.T) {
	svc, c := newTestService()
	payload := []byte(`{}`)
	ts := c.Now().Add(5*time.Minute + time.Second).UnixMilli()
	sig := svc.SignWebhookPayload("whsec", ts, payload)

	assert.ErrorIs(t, svc.VerifyWebhookPayload("whsec", sig, ts, payload), ErrStaleTimestamp)

	ts = c.Now().Add(4 * time.Minute).UnixMilli()
	sig = svc.SignWebhookPayload("whsec", ts, payload)
	assert.NoError(t, svc.VerifyWebhookPayload("whsec", sig, ts, payload))
}

func TestVerifyWebhookPayload_RejectsExtremeTimestamps(t *testing.T) {
	svc, _ := newTestService()
	payload := []byte(`{}`)

	for _, ts := range []int64{math.MaxInt64, math.MinInt64} {
		sig := svc.SignWebhookPayload("whsec", ts, payload)
		assert.ErrorIs(t, svc.VerifyWebhookPayload("whsec", sig, ts, payload), ErrStaleTimestamp, "ts=%d", ts)
	}
}

func TestVerifyWebhookPayload_Tampered(t *testing.T) {
	svc, c := newTestService()
	ts := c.Now().UnixMilli()
	sig := svc.SignWebhookPayload("whsec", ts, []byte(`{"a":1}`))

	assert.ErrorIs(t, svc.VerifyWebhookPayload("whsec", sig, ts, []byte(`{"a":2}`)), ErrSignatureMismatch)
	assert.ErrorIs(t, svc.VerifyWebhookPayload("other", sig, ts, []byte(`{"a":1}`)), ErrSignatureMismatch)
}
