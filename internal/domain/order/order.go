package order

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const AggregateType = "Order"

type FulfillmentStatus string

const (
	FulfillmentPending    FulfillmentStatus = "pending"
	FulfillmentProcessing FulfillmentStatus = "processing"
	FulfillmentShipped    FulfillmentStatus = "shipped"
	FulfillmentDelivered  FulfillmentStatus = "delivered"
	FulfillmentCancelled  FulfillmentStatus = "cancelled"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// PaymentAction labels an entry of the payment event log.
type PaymentAction string

const (
	ActionInitiated       PaymentAction = "initiated"
	ActionApproved        PaymentAction = "approved"
	ActionRejected        PaymentAction = "rejected"
	ActionPending         PaymentAction = "pending"
	ActionRefundInitiated PaymentAction = "refund_initiated"
	ActionRefundCompleted PaymentAction = "refund_completed"
)

// Source records who caused a payment log entry.
type Source string

const (
	SourceGateway Source = "gateway"
	SourceAdmin   Source = "admin"
	SourceSystem  Source = "system"
)

// fulfillmentTransitions is the fulfillment DAG. Delivered and cancelled are terminal.
var fulfillmentTransitions = map[FulfillmentStatus][]FulfillmentStatus{
	FulfillmentPending:    {FulfillmentProcessing, FulfillmentCancelled},
	FulfillmentProcessing: {FulfillmentShipped, FulfillmentCancelled},
	FulfillmentShipped:    {FulfillmentDelivered, FulfillmentCancelled},
	FulfillmentDelivered:  {},
	FulfillmentCancelled:  {},
}

// paymentTransitions includes self-loops: gateways re-report states, and a
// repeated report only merges details.
var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:  {PaymentPending, PaymentPaid, PaymentFailed},
	PaymentFailed:   {PaymentFailed, PaymentPending, PaymentPaid},
	PaymentPaid:     {PaymentPaid, PaymentRefunded},
	PaymentRefunded: {PaymentRefunded},
}

// CentTolerance is the largest difference accepted between computed and
// declared money amounts.
var CentTolerance = decimal.New(1, -2)

// FulfillmentStatuses lists every fulfillment status.
func FulfillmentStatuses() []FulfillmentStatus {
	return []FulfillmentStatus{FulfillmentPending, FulfillmentProcessing, FulfillmentShipped, FulfillmentDelivered, FulfillmentCancelled}
}

// PaymentStatuses lists every payment status.
func PaymentStatuses() []PaymentStatus {
	return []PaymentStatus{PaymentPending, PaymentPaid, PaymentFailed, PaymentRefunded}
}

// AllowedFulfillment returns the legal successors of from.
func AllowedFulfillment(from FulfillmentStatus) []FulfillmentStatus {
	return append([]FulfillmentStatus(nil), fulfillmentTransitions[from]...)
}

func (s FulfillmentStatus) Valid() bool {
	_, ok := fulfillmentTransitions[s]
	return ok
}

func (s PaymentStatus) Valid() bool {
	_, ok := paymentTransitions[s]
	return ok
}

type Item struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name,omitempty"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

type Address struct {
	Name       string `json:"name,omitempty"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

// PaymentRecord holds what the gateway has told us about the payment. Cards are
// only ever kept as last four digits plus brand.
type PaymentRecord struct {
	TransactionID  string          `json:"transaction_id,omitempty"`
	GatewayOrderID string          `json:"gateway_order_id,omitempty"`
	ReferenceCode  string          `json:"reference_code,omitempty"`
	ResponseCode   string          `json:"response_code,omitempty"`
	AmountPaid     decimal.Decimal `json:"amount_paid"`
	Currency       string          `json:"currency,omitempty"`
	PaidAt         *time.Time      `json:"paid_at,omitempty"`
	CardLast4      string          `json:"card_last4,omitempty"`
	CardBrand      string          `json:"card_brand,omitempty"`
}

// PaymentEvent is one entry of the append-only payment log.
type PaymentEvent struct {
	At     time.Time       `json:"at"`
	Action PaymentAction   `json:"action"`
	Detail json.RawMessage `json:"detail,omitempty"`
	Source Source          `json:"source"`
}

type Order struct {
	ID                string            `json:"id"`
	OrderNumber       string            `json:"order_number"`
	CustomerID        string            `json:"customer_id,omitempty"`
	Items             []Item            `json:"items"`
	Subtotal          decimal.Decimal   `json:"subtotal"`
	Tax               decimal.Decimal   `json:"tax"`
	Shipping          decimal.Decimal   `json:"shipping"`
	Total             decimal.Decimal   `json:"total"`
	Currency          string            `json:"currency"`
	FulfillmentStatus FulfillmentStatus `json:"fulfillment_status"`
	PaymentStatus     PaymentStatus     `json:"payment_status"`
	PaymentMethod     string            `json:"payment_method"`
	ShippingAddress   Address           `json:"shipping_address"`
	Payment           PaymentRecord     `json:"payment"`
	PaymentLog        []PaymentEvent    `json:"payment_log"`
	TrackingNumber    string            `json:"tracking_number,omitempty"`
	Carrier           string            `json:"carrier,omitempty"`
	CancelReason      string            `json:"cancel_reason,omitempty"`
	CancelledBy       string            `json:"cancelled_by,omitempty"`
	RefundedAmount    decimal.Decimal   `json:"refunded_amount"`
	AutoDelivered     bool              `json:"auto_delivered"`
	LastActor         string            `json:"last_actor,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	ProcessedAt       *time.Time        `json:"processed_at,omitempty"`
	ShippedAt         *time.Time        `json:"shipped_at,omitempty"`
	DeliveredAt       *time.Time        `json:"delivered_at,omitempty"`
	CancelledAt       *time.Time        `json:"cancelled_at,omitempty"`
	Version           int               `json:"version"`
}

// ItemInput is a line item as supplied by a caller. Subtotal is optional and,
// when present, only cross-checked.
type ItemInput struct {
	ProductID string           `json:"product_id"`
	Name      string           `json:"name,omitempty"`
	Quantity  int              `json:"quantity"`
	Price     decimal.Decimal  `json:"price"`
	Subtotal  *decimal.Decimal `json:"subtotal,omitempty"`
}

// CreateInput describes a new order. Subtotal and Total, when supplied, must
// agree with the recomputed values within one cent.
type CreateInput struct {
	CustomerID      string           `json:"customer_id,omitempty"`
	Items           []ItemInput      `json:"items"`
	Tax             decimal.Decimal  `json:"tax"`
	Shipping        decimal.Decimal  `json:"shipping"`
	Subtotal        *decimal.Decimal `json:"subtotal,omitempty"`
	Total           *decimal.Decimal `json:"total,omitempty"`
	Currency        string           `json:"currency,omitempty"`
	PaymentMethod   string           `json:"payment_method"`
	ShippingAddress Address          `json:"shipping_address"`
}

// PaymentDetails are gateway facts to merge into the PaymentRecord. Nil fields
// leave the stored value untouched.
type PaymentDetails struct {
	TransactionID  *string
	GatewayOrderID *string
	ReferenceCode  *string
	ResponseCode   *string
	AmountPaid     *decimal.Decimal
	Currency       *string
	PaidAt         *time.Time
	CardNumber     *string
	CardBrand      *string
	// Detail is the opaque payload stored with the log entry.
	Detail json.RawMessage
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

// FormatNumber renders a sequence value as a human readable order number.
func FormatNumber(seq int64) string {
	return fmt.Sprintf("ORD-%06d", seq)
}

// New builds a pending order from input, recomputing every money field.
func New(id, number string, in CreateInput, at time.Time) (*Order, error) {
	if len(in.Items) == 0 {
		return nil, invalid("items", "order must have at least one item")
	}
	if in.Tax.IsNegative() {
		return nil, invalid("tax", "must not be negative")
	}
	if in.Shipping.IsNegative() {
		return nil, invalid("shipping", "must not be negative")
	}

	items := make([]Item, 0, len(in.Items))
	subtotal := decimal.Zero
	for i, it := range in.Items {
		field := fmt.Sprintf("items[%d]", i)
		if strings.TrimSpace(it.ProductID) == "" {
			return nil, invalid(field+".product_id", "is required")
		}
		if it.Quantity < 1 {
			return nil, invalid(field+".quantity", "must be at least 1, got %d", it.Quantity)
		}
		if it.Price.IsNegative() {
			return nil, invalid(field+".price", "must not be negative")
		}
		line := it.Price.Mul(decimal.NewFromInt(int64(it.Quantity)))
		if it.Subtotal != nil && !withinCent(*it.Subtotal, line) {
			return nil, invalid(field+".subtotal", "declared %s but price x quantity is %s",
				it.Subtotal.StringFixed(2), line.StringFixed(2))
		}
		items = append(items, Item{
			ProductID: it.ProductID,
			Name:      it.Name,
			Quantity:  it.Quantity,
			Price:     it.Price,
			Subtotal:  line,
		})
		subtotal = subtotal.Add(line)
	}

	total := subtotal.Add(in.Tax).Add(in.Shipping)
	if in.Subtotal != nil && !withinCent(*in.Subtotal, subtotal) {
		return nil, invalid("subtotal", "declared %s but items sum to %s", in.Subtotal.StringFixed(2), subtotal.StringFixed(2))
	}
	if in.Total != nil && !withinCent(*in.Total, total) {
		return nil, invalid("total", "declared %s but computed %s", in.Total.StringFixed(2), total.StringFixed(2))
	}

	return &Order{
		ID:                id,
		OrderNumber:       number,
		CustomerID:        in.CustomerID,
		Items:             items,
		Subtotal:          subtotal,
		Tax:               in.Tax,
		Shipping:          in.Shipping,
		Total:             total,
		Currency:          in.Currency,
		FulfillmentStatus: FulfillmentPending,
		PaymentStatus:     PaymentPending,
		PaymentMethod:     in.PaymentMethod,
		ShippingAddress:   in.ShippingAddress,
		PaymentLog:        []PaymentEvent{},
		CreatedAt:         at,
		UpdatedAt:         at,
	}, nil
}

func withinCent(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(CentTolerance)
}

// CheckIntegrity verifies the money invariants that must hold on every save.
func (o *Order) CheckIntegrity() error {
	for _, f := range []struct {
		name  string
		value decimal.Decimal
	}{
		{"subtotal", o.Subtotal}, {"tax", o.Tax}, {"shipping", o.Shipping}, {"total", o.Total},
	} {
		if f.value.IsNegative() {
			return &DataIntegrityError{Field: f.name, Expected: decimal.Zero, Actual: f.value}
		}
	}

	sum := decimal.Zero
	for i, it := range o.Items {
		line := it.Price.Mul(decimal.NewFromInt(int64(it.Quantity)))
		if !withinCent(line, it.Subtotal) {
			return &DataIntegrityError{Field: fmt.Sprintf("items[%d].subtotal", i), Expected: line, Actual: it.Subtotal}
		}
		sum = sum.Add(it.Subtotal)
	}
	if !withinCent(sum, o.Subtotal) {
		return &DataIntegrityError{Field: "subtotal", Expected: sum, Actual: o.Subtotal}
	}

	expected := o.Subtotal.Add(o.Tax).Add(o.Shipping)
	if !withinCent(expected, o.Total) {
		return &DataIntegrityError{Field: "total", Expected: expected, Actual: o.Total}
	}
	return nil
}

// CanTransitionTo checks the fulfillment graph.
func (o *Order) CanTransitionTo(target FulfillmentStatus) bool {
	for _, s := range fulfillmentTransitions[o.FulfillmentStatus] {
		if s == target {
			return true
		}
	}
	return false
}

func (o *Order) canPay(target PaymentStatus) bool {
	for _, s := range paymentTransitions[o.PaymentStatus] {
		if s == target {
			return true
		}
	}
	return false
}

func (o *Order) fulfillmentError(target FulfillmentStatus) error {
	allowed := make([]string, 0, len(fulfillmentTransitions[o.FulfillmentStatus]))
	for _, s := range fulfillmentTransitions[o.FulfillmentStatus] {
		allowed = append(allowed, string(s))
	}
	return &InvalidTransitionError{Kind: "fulfillment", From: string(o.FulfillmentStatus), To: string(target), Allowed: allowed}
}

func (o *Order) paymentError(target PaymentStatus) error {
	allowed := make([]string, 0, len(paymentTransitions[o.PaymentStatus]))
	for _, s := range paymentTransitions[o.PaymentStatus] {
		allowed = append(allowed, string(s))
	}
	return &InvalidTransitionError{Kind: "payment", From: string(o.PaymentStatus), To: string(target), Allowed: allowed}
}

// ApplyFulfillment moves the order along the fulfillment graph. On error the
// order is left untouched.
func (o *Order) ApplyFulfillment(target FulfillmentStatus, actor string, at time.Time) error {
	if !o.CanTransitionTo(target) {
		return o.fulfillmentError(target)
	}

	o.FulfillmentStatus = target
	o.LastActor = actor
	switch target {
	case FulfillmentProcessing:
		setOnce(&o.ProcessedAt, at)
	case FulfillmentShipped:
		setOnce(&o.ShippedAt, at)
	case FulfillmentDelivered:
		setOnce(&o.DeliveredAt, at)
	case FulfillmentCancelled:
		setOnce(&o.CancelledAt, at)
	}
	return nil
}

func setOnce(field **time.Time, at time.Time) {
	if *field == nil {
		t := at
		*field = &t
	}
}

// ApplyPayment merges gateway details and moves the payment status. It
// reports whether a log entry was appended; re-reporting the current status
// merges details but logs nothing.
func (o *Order) ApplyPayment(target PaymentStatus, d PaymentDetails, src Source, at time.Time) (bool, error) {
	if !o.canPay(target) {
		return false, o.paymentError(target)
	}

	from := o.PaymentStatus
	o.mergePayment(d)
	o.PaymentStatus = target
	if target == PaymentPaid && o.Payment.PaidAt == nil {
		setOnce(&o.Payment.PaidAt, at)
	}

	action, ok := paymentAction(from, target, o.lastAction())
	if !ok {
		return false, nil
	}
	o.appendLog(action, d.Detail, src, at)
	return true, nil
}

// paymentAction derives the log entry for a status change. A pending report is
// logged once: repeats are dropped while the latest entry is still pending.
func paymentAction(from, to PaymentStatus, last PaymentAction) (PaymentAction, bool) {
	if to == PaymentPending {
		return ActionPending, last != ActionPending
	}
	if from == to {
		return "", false
	}
	switch to {
	case PaymentPaid:
		return ActionApproved, true
	case PaymentFailed:
		return ActionRejected, true
	case PaymentRefunded:
		return ActionRefundCompleted, true
	}
	return "", false
}

// ApplyPaymentInitiated records that a gateway transaction was started.
func (o *Order) ApplyPaymentInitiated(d PaymentDetails, src Source, at time.Time) error {
	if o.PaymentStatus != PaymentPending && o.PaymentStatus != PaymentFailed {
		return invalid("payment_status", "cannot initiate payment for a %s order", o.PaymentStatus)
	}
	if o.FulfillmentStatus == FulfillmentCancelled {
		return invalid("fulfillment_status", "cannot initiate payment for a cancelled order")
	}
	o.mergePayment(d)
	o.appendLog(ActionInitiated, d.Detail, src, at)
	return nil
}

func (o *Order) lastAction() PaymentAction {
	if len(o.PaymentLog) == 0 {
		return ""
	}
	return o.PaymentLog[len(o.PaymentLog)-1].Action
}

func (o *Order) appendLog(action PaymentAction, detail json.RawMessage, src Source, at time.Time) {
	o.PaymentLog = append(o.PaymentLog, PaymentEvent{
		At:     at,
		Action: action,
		Detail: append(json.RawMessage(nil), detail...),
		Source: src,
	})
}

func (o *Order) mergePayment(d PaymentDetails) {
	p := &o.Payment
	if d.TransactionID != nil {
		p.TransactionID = *d.TransactionID
	}
	if d.GatewayOrderID != nil {
		p.GatewayOrderID = *d.GatewayOrderID
	}
	if d.ReferenceCode != nil {
		p.ReferenceCode = *d.ReferenceCode
	}
	if d.ResponseCode != nil {
		p.ResponseCode = *d.ResponseCode
	}
	if d.AmountPaid != nil {
		p.AmountPaid = *d.AmountPaid
	}
	if d.Currency != nil {
		p.Currency = *d.Currency
	}
	if d.PaidAt != nil {
		t := *d.PaidAt
		p.PaidAt = &t
	}
	if d.CardNumber != nil {
		p.CardLast4 = LastFour(*d.CardNumber)
	}
	if d.CardBrand != nil {
		p.CardBrand = *d.CardBrand
	}
}

// LastFour keeps only the trailing four digits of a (possibly masked) card number.
func LastFour(card string) string {
	digits := make([]rune, 0, len(card))
	for _, r := range card {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	if len(digits) > 4 {
		digits = digits[len(digits)-4:]
	}
	return string(digits)
}

// ApplyCancel cancels the order. When requireUnpaid is set the payment must
// still be pending, which protects automatic cancellation from racing a
// late gateway approval.
func (o *Order) ApplyCancel(reason, actor string, requireUnpaid bool, at time.Time) error {
	if strings.TrimSpace(reason) == "" {
		return invalid("reason", "is required")
	}
	if requireUnpaid && o.PaymentStatus != PaymentPending {
		return fmt.Errorf("%w: payment is %s", ErrPreconditionFailed, o.PaymentStatus)
	}
	if err := o.ApplyFulfillment(FulfillmentCancelled, actor, at); err != nil {
		return err
	}
	o.CancelReason = reason
	o.CancelledBy = actor
	return nil
}

// ApplyShipped marks a paid, processing order as shipped.
func (o *Order) ApplyShipped(tracking, carrier, actor string, at time.Time) error {
	if strings.TrimSpace(tracking) == "" {
		return invalid("tracking_number", "is required")
	}
	if strings.TrimSpace(carrier) == "" {
		return invalid("carrier", "is required")
	}
	if o.PaymentStatus != PaymentPaid {
		return invalid("payment_status", "order must be paid before shipping")
	}
	if err := o.ApplyFulfillment(FulfillmentShipped, actor, at); err != nil {
		return err
	}
	o.TrackingNumber = tracking
	o.Carrier = carrier
	return nil
}

// ApplyDelivered marks a shipped order as delivered.
func (o *Order) ApplyDelivered(actor string, automatic bool, at time.Time) error {
	if err := o.ApplyFulfillment(FulfillmentDelivered, actor, at); err != nil {
		return err
	}
	o.AutoDelivered = automatic
	return nil
}

// ApplyRefund logs the refund request and moves the payment to refunded.
func (o *Order) ApplyRefund(amount decimal.Decimal, reason, actor string, at time.Time) error {
	if o.PaymentStatus != PaymentPaid {
		return invalid("payment_status", "refund requires a paid order, payment is %s", o.PaymentStatus)
	}
	if !amount.IsPositive() {
		return invalid("amount", "must be positive")
	}
	if amount.GreaterThan(o.Total) {
		return invalid("amount", "%s exceeds order total %s", amount.StringFixed(2), o.Total.StringFixed(2))
	}

	detail, err := json.Marshal(map[string]string{
		"amount": amount.StringFixed(2),
		"reason": reason,
		"actor":  actor,
	})
	if err != nil {
		return err
	}
	o.appendLog(ActionRefundInitiated, detail, SourceAdmin, at)
	if _, err := o.ApplyPayment(PaymentRefunded, PaymentDetails{Detail: detail}, SourceAdmin, at); err != nil {
		return err
	}
	o.RefundedAmount = amount
	o.LastActor = actor
	return nil
}

// Clone returns a deep copy so a failed mutation never leaks into shared state.
func (o *Order) Clone() *Order {
	c := *o
	c.Items = append([]Item(nil), o.Items...)
	c.PaymentLog = make([]PaymentEvent, len(o.PaymentLog))
	for i, e := range o.PaymentLog {
		e.Detail = append(json.RawMessage(nil), e.Detail...)
		c.PaymentLog[i] = e
	}
	c.Payment.PaidAt = cloneTime(o.Payment.PaidAt)
	c.ProcessedAt = cloneTime(o.ProcessedAt)
	c.ShippedAt = cloneTime(o.ShippedAt)
	c.DeliveredAt = cloneTime(o.DeliveredAt)
	c.CancelledAt = cloneTime(o.CancelledAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// LogEntries returns how many entries carry action.
func (o *Order) LogEntries(action PaymentAction) int {
	n := 0
	for _, e := range o.PaymentLog {
		if e.Action == action {
			n++
		}
	}
	return n
}
