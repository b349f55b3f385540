package events

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderCreatedPayload struct {
	OrderID     string          `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	CustomerID  string          `json:"customer_id,omitempty"`
	Total       decimal.Decimal `json:"total"`
	ItemCount   int             `json:"item_count"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (OrderCreatedPayload) EventName() Name { return OrderCreated }

type OrderPaidPayload struct {
	OrderID     string          `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	Total       decimal.Decimal `json:"total"`
	PaidAt      time.Time       `json:"paid_at"`
}

func (OrderPaidPayload) EventName() Name { return OrderPaid }

type OrderShippedPayload struct {
	OrderID        string    `json:"order_id"`
	OrderNumber    string    `json:"order_number"`
	TrackingNumber string    `json:"tracking_number"`
	Carrier        string    `json:"carrier"`
	ShippedAt      time.Time `json:"shipped_at"`
}

func (OrderShippedPayload) EventName() Name { return OrderShipped }

type OrderDeliveredPayload struct {
	OrderID       string    `json:"order_id"`
	OrderNumber   string    `json:"order_number"`
	DeliveredAt   time.Time `json:"delivered_at"`
	AutoDelivered bool      `json:"autoDelivered"`
}

func (OrderDeliveredPayload) EventName() Name { return OrderDelivered }

type OrderCancelledPayload struct {
	OrderID     string    `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	Reason      string    `json:"reason"`
	CancelledBy string    `json:"cancelled_by"`
	CancelledAt time.Time `json:"cancelled_at"`
	Automatic   bool      `json:"automatic"`
}

func (OrderCancelledPayload) EventName() Name { return OrderCancelled }

type PaymentApprovedPayload struct {
	OrderID       string          `json:"order_id"`
	OrderNumber   string          `json:"order_number"`
	TransactionID string          `json:"transaction_id"`
	ReferenceCode string          `json:"reference_code"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
}

func (PaymentApprovedPayload) EventName() Name { return PaymentApproved }

type PaymentRejectedPayload struct {
	OrderID       string `json:"order_id"`
	OrderNumber   string `json:"order_number"`
	TransactionID string `json:"transaction_id"`
	ResponseCode  string `json:"response_code"`
}

func (PaymentRejectedPayload) EventName() Name { return PaymentRejected }

type PaymentRefundedPayload struct {
	OrderID     string          `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	Amount      decimal.Decimal `json:"amount"`
	Reason      string          `json:"reason"`
	RefundedBy  string          `json:"refunded_by"`
}

func (PaymentRefundedPayload) EventName() Name { return PaymentRefunded }

type InventoryLowStockPayload struct {
	ProductID string `json:"product_id"`
	Available int    `json:"available"`
	Threshold int    `json:"threshold"`
}

func (InventoryLowStockPayload) EventName() Name { return InventoryLowStock }

type InventoryOutOfStockPayload struct {
	ProductID string `json:"product_id"`
}

func (InventoryOutOfStockPayload) EventName() Name { return InventoryOutOfStock }

type InventoryRestockedPayload struct {
	ProductID string `json:"product_id"`
	Available int    `json:"available"`
}

func (InventoryRestockedPayload) EventName() Name { return InventoryRestocked }

// AlertPayload reports a condition an operator has to resolve by hand, such as
// a payment captured for an order that was already cancelled.
type AlertPayload struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	OrderID  string `json:"order_id,omitempty"`
	Message  string `json:"message"`
}

func (AlertPayload) EventName() Name { return AlertTriggered }
