package gateway

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrMerchantMismatch      = errors.New("confirmation merchant does not match")
	ErrMalformedConfirmation = errors.New("malformed gateway confirmation")
)

// GatewayUnavailableError is a transport failure or a 5xx from the gateway.
// The caller may retry; the client never does so on its own.
type GatewayUnavailableError struct {
	StatusCode int
	Err        error
}

func (e *GatewayUnavailableError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("payment gateway unavailable: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("payment gateway unavailable: %v", e.Err)
}

func (e *GatewayUnavailableError) Unwrap() error { return e.Err }

func (e *GatewayUnavailableError) Retryable() bool { return true }

// GatewayError is a business rejection reported by the gateway API.
type GatewayError struct {
	Code    string
	Message string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("payment gateway error %s: %s", e.Code, e.Message)
}

// SignatureMismatchError is returned when a confirmation signature does not
// verify. No order state is touched.
type SignatureMismatchError struct {
	Reference string
	Err       error
}

func (e *SignatureMismatchError) Error() string {
	return fmt.Sprintf("signature mismatch for reference %s: %v", e.Reference, e.Err)
}

func (e *SignatureMismatchError) Unwrap() error { return e.Err }

// AmountMismatchError means the confirmed value does not match the order total.
type AmountMismatchError struct {
	Reference string
	Expected  decimal.Decimal
	Actual    decimal.Decimal
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("amount mismatch for reference %s: expected %s, got %s",
		e.Reference, e.Expected.StringFixed(2), e.Actual.StringFixed(2))
}

// IsRetryable reports whether err is a transient gateway failure.
func IsRetryable(err error) bool {
	var ue *GatewayUnavailableError
	return errors.As(err, &ue) && ue.Retryable()
}
