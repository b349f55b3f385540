package gateway

import "github.com/example/ec-settlement/internal/domain/order"

// Outcome is the normalized verdict of a gateway report.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeDeclined Outcome = "declined"
	OutcomeExpired  Outcome = "expired"
	OutcomePending  Outcome = "pending"
	OutcomeUnknown  Outcome = "unknown"
)

// Gateway state_pol codes.
const (
	StateApproved = "4"
	StateExpired  = "5"
	StateDeclined = "6"
	StatePending  = "7"
)

// OutcomeFromState maps a confirmation state_pol code.
func OutcomeFromState(code string) Outcome {
	switch code {
	case StateApproved:
		return OutcomeApproved
	case StateDeclined:
		return OutcomeDeclined
	case StateExpired:
		return OutcomeExpired
	case StatePending:
		return OutcomePending
	}
	return OutcomeUnknown
}

// OutcomeFromTransactionState maps the textual state returned by the
// transaction API.
func OutcomeFromTransactionState(state string) Outcome {
	switch state {
	case "APPROVED":
		return OutcomeApproved
	case "DECLINED", "ERROR":
		return OutcomeDeclined
	case "EXPIRED":
		return OutcomeExpired
	case "PENDING":
		return OutcomePending
	}
	return OutcomeUnknown
}

// PaymentStatus returns the payment status an outcome moves the order to.
// Expired and unknown outcomes cause no transition.
func (o Outcome) PaymentStatus() (order.PaymentStatus, bool) {
	switch o {
	case OutcomeApproved:
		return order.PaymentPaid, true
	case OutcomeDeclined:
		return order.PaymentFailed, true
	case OutcomePending:
		return order.PaymentPending, true
	}
	return "", false
}
