package command

import (
	"github.com/example/ec-settlement/internal/domain/order"
	"github.com/example/ec-settlement/internal/gateway"
	"github.com/shopspring/decimal"
)

// Order Commands
type PlaceOrder struct {
	order.CreateInput
}

type PayOrder struct {
	OrderID string `json:"-"`
	gateway.TransactionRequest
}

type ShipOrder struct {
	OrderID        string `json:"-"`
	TrackingNumber string `json:"tracking_number"`
	Carrier        string `json:"carrier"`
	Actor          string `json:"-"`
}

type DeliverOrder struct {
	OrderID string `json:"-"`
	Actor   string `json:"-"`
}

type CancelOrder struct {
	OrderID string `json:"-"`
	Reason  string `json:"reason"`
	Actor   string `json:"-"`
}

type RefundOrder struct {
	OrderID string          `json:"-"`
	Amount  decimal.Decimal `json:"amount"`
	Reason  string          `json:"reason"`
	Actor   string          `json:"-"`
}

// UpdateFulfillment moves an order along the fulfillment graph. Shipping,
// delivery and cancellation carry extra data and have their own commands.
type UpdateFulfillment struct {
	OrderID string                  `json:"-"`
	Status  order.FulfillmentStatus `json:"status"`
	Actor   string                  `json:"-"`
}
