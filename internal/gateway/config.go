package gateway

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultLanguage = "es"
)

// DefaultAmountTolerance is how far a confirmed amount may drift from the
// order total, in currency units.
var DefaultAmountTolerance = decimal.NewFromInt(1)

type Config struct {
	MerchantID string
	AccountID  string
	APIKey     string
	APILogin   string
	APIURL     string
	// NotifyURL is where the gateway posts confirmations.
	NotifyURL string
	// ResponsePageURL is the storefront page the browser lands on.
	ResponsePageURL string
	Country         string
	Test            bool
	Timeout         time.Duration
	AmountTolerance decimal.Decimal
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

func (c Config) tolerance() decimal.Decimal {
	if c.AmountTolerance.IsZero() {
		return DefaultAmountTolerance
	}
	return c.AmountTolerance
}
