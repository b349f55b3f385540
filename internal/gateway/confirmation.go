package gateway

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/example/ec-settlement/internal/domain/order"
	"github.com/shopspring/decimal"
)

// Confirmation is a parsed gateway callback.
type Confirmation struct {
	MerchantID      string
	State           string
	ReferenceSale   string
	ReferencePol    string
	Value           string
	Currency        string
	Sign            string
	TransactionID   string
	TransactionDate string
	ResponseCode    string
	CardNumber      string
	Franchise       string
}

var requiredFields = []string{"merchant_id", "state_pol", "reference_sale", "value", "currency", "sign"}

// ParseConfirmation reads the form fields of a confirmation callback.
func ParseConfirmation(v url.Values) (Confirmation, error) {
	var missing []string
	for _, f := range requiredFields {
		if strings.TrimSpace(v.Get(f)) == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return Confirmation{}, fmt.Errorf("%w: missing %s", ErrMalformedConfirmation, strings.Join(missing, ", "))
	}
	return Confirmation{
		MerchantID:      strings.TrimSpace(v.Get("merchant_id")),
		State:           strings.TrimSpace(v.Get("state_pol")),
		ReferenceSale:   strings.TrimSpace(v.Get("reference_sale")),
		ReferencePol:    strings.TrimSpace(v.Get("reference_pol")),
		Value:           strings.TrimSpace(v.Get("value")),
		Currency:        strings.TrimSpace(v.Get("currency")),
		Sign:            strings.TrimSpace(v.Get("sign")),
		TransactionID:   strings.TrimSpace(v.Get("transaction_id")),
		TransactionDate: strings.TrimSpace(v.Get("transaction_date")),
		ResponseCode:    strings.TrimSpace(v.Get("response_code_pol")),
		CardNumber:      strings.TrimSpace(v.Get("cc_number")),
		Franchise:       strings.TrimSpace(v.Get("franchise")),
	}, nil
}

// Outcome maps the confirmation state.
func (c Confirmation) Outcome() Outcome {
	return OutcomeFromState(c.State)
}

// transactionDateLayout is the gateway's local timestamp format.
const transactionDateLayout = "2006-01-02 15:04:05"

// Details converts the callback into ledger payment details. The card number
// arrives masked and is reduced to its last four digits by the ledger.
func (c Confirmation) Details(amount decimal.Decimal) order.PaymentDetails {
	d := order.PaymentDetails{
		ReferenceCode: order.Ptr(c.ReferenceSale),
		AmountPaid:    order.Ptr(amount),
		Currency:      order.Ptr(c.Currency),
	}
	if c.TransactionID != "" {
		d.TransactionID = order.Ptr(c.TransactionID)
	}
	if c.ReferencePol != "" {
		d.GatewayOrderID = order.Ptr(c.ReferencePol)
	}
	if c.ResponseCode != "" {
		d.ResponseCode = order.Ptr(c.ResponseCode)
	}
	if c.CardNumber != "" {
		d.CardNumber = order.Ptr(c.CardNumber)
	}
	if c.Franchise != "" {
		d.CardBrand = order.Ptr(c.Franchise)
	}
	if c.Outcome() == OutcomeApproved && c.TransactionDate != "" {
		if t, err := time.Parse(transactionDateLayout, c.TransactionDate); err == nil {
			d.PaidAt = order.Ptr(t.UTC())
		}
	}

	detail, _ := json.Marshal(map[string]string{
		"state_pol":         c.State,
		"response_code_pol": c.ResponseCode,
		"reference_pol":     c.ReferencePol,
		"transaction_id":    c.TransactionID,
		"value":             c.Value,
		"currency":          c.Currency,
	})
	d.Detail = detail
	return d
}
