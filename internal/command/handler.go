package command

import (
	"context"
	"fmt"

	"github.com/example/ec-settlement/internal/domain/order"
	"github.com/example/ec-settlement/internal/events"
	"github.com/example/ec-settlement/internal/gateway"
	"github.com/example/ec-settlement/internal/inventory"
	"github.com/example/ec-settlement/internal/reconcile"
	"go.uber.org/zap"
)

// StockUnavailableReason is recorded when a placed order cannot reserve stock.
const StockUnavailableReason = "stock unavailable"

// PaymentInitiator starts a gateway payment for an order.
type PaymentInitiator interface {
	InitiatePayment(ctx context.Context, orderID string, req gateway.TransactionRequest) (*gateway.TransactionResult, error)
}

// Handler runs operator and storefront commands against the ledger. Events go
// to emitter, which is expected to deliver off the request path.
type Handler struct {
	ledger   *order.Ledger
	stock    inventory.Service
	payments PaymentInitiator
	emitter  events.Emitter
	logger   *zap.Logger
}

func NewHandler(
	ledger *order.Ledger,
	stock inventory.Service,
	payments PaymentInitiator,
	emitter events.Emitter,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		ledger:   ledger,
		stock:    stock,
		payments: payments,
		emitter:  emitter,
		logger:   logger.With(zap.String("component", "command")),
	}
}

// PlaceOrder creates an order and reserves its stock. If the reservation
// fails the order is cancelled and the error returned.
func (h *Handler) PlaceOrder(ctx context.Context, cmd PlaceOrder) (*order.Order, error) {
	o, err := h.ledger.Create(ctx, cmd.CreateInput)
	if err != nil {
		return nil, err
	}

	if err := h.stock.Reserve(ctx, o.ID, reconcile.Lines(o)); err != nil {
		if _, cancelErr := h.ledger.Cancel(ctx, o.ID, order.CancelRequest{
			Reason: StockUnavailableReason,
			Actor:  string(order.SourceSystem),
		}); cancelErr != nil {
			h.logger.Error("Failed to cancel order after reservation failure",
				zap.String("order_id", o.ID), zap.Error(cancelErr))
		}
		return nil, fmt.Errorf("failed to reserve stock for %s: %w", o.OrderNumber, err)
	}

	h.emit(ctx, events.OrderCreatedPayload{
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		CustomerID:  o.CustomerID,
		Total:       o.Total,
		ItemCount:   len(o.Items),
		CreatedAt:   o.CreatedAt,
	})
	return o, nil
}

// PayOrder opens a gateway transaction. Settlement of an immediate verdict
// happens inside the payment initiator.
func (h *Handler) PayOrder(ctx context.Context, cmd PayOrder) (*gateway.TransactionResult, error) {
	return h.payments.InitiatePayment(ctx, cmd.OrderID, cmd.TransactionRequest)
}

func (h *Handler) ShipOrder(ctx context.Context, cmd ShipOrder) (*order.Order, error) {
	o, err := h.ledger.MarkShipped(ctx, cmd.OrderID, cmd.TrackingNumber, cmd.Carrier, cmd.Actor)
	if err != nil {
		return nil, err
	}
	h.emit(ctx, events.OrderShippedPayload{
		OrderID:        o.ID,
		OrderNumber:    o.OrderNumber,
		TrackingNumber: o.TrackingNumber,
		Carrier:        o.Carrier,
		ShippedAt:      *o.ShippedAt,
	})
	return o, nil
}

func (h *Handler) DeliverOrder(ctx context.Context, cmd DeliverOrder) (*order.Order, error) {
	o, err := h.ledger.MarkDelivered(ctx, cmd.OrderID, order.DeliveryOptions{Actor: cmd.Actor})
	if err != nil {
		return nil, err
	}
	h.emit(ctx, events.OrderDeliveredPayload{
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		DeliveredAt: *o.DeliveredAt,
	})
	return o, nil
}

// CancelOrder cancels the order and releases its reserved stock.
func (h *Handler) CancelOrder(ctx context.Context, cmd CancelOrder) (*order.Order, error) {
	o, err := h.ledger.Cancel(ctx, cmd.OrderID, order.CancelRequest{Reason: cmd.Reason, Actor: cmd.Actor})
	if err != nil {
		return nil, err
	}
	if err := h.stock.Release(ctx, o.ID, reconcile.Lines(o)); err != nil {
		h.logger.Warn("Failed to release stock", zap.String("order_id", o.ID), zap.Error(err))
	}
	h.emit(ctx, events.OrderCancelledPayload{
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		Reason:      o.CancelReason,
		CancelledBy: o.CancelledBy,
		CancelledAt: *o.CancelledAt,
	})
	return o, nil
}

func (h *Handler) RefundOrder(ctx context.Context, cmd RefundOrder) (*order.Order, error) {
	o, err := h.ledger.Refund(ctx, cmd.OrderID, cmd.Amount, cmd.Reason, cmd.Actor)
	if err != nil {
		return nil, err
	}
	h.emit(ctx, events.PaymentRefundedPayload{
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		Amount:      o.RefundedAmount,
		Reason:      cmd.Reason,
		RefundedBy:  cmd.Actor,
	})
	return o, nil
}

func (h *Handler) UpdateFulfillment(ctx context.Context, cmd UpdateFulfillment) (*order.Order, error) {
	switch cmd.Status {
	case order.FulfillmentShipped, order.FulfillmentDelivered, order.FulfillmentCancelled:
		return nil, &order.ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("use the %s endpoint", cmd.Status),
		}
	}
	return h.ledger.TransitionFulfillment(ctx, cmd.OrderID, cmd.Status, cmd.Actor)
}

func (h *Handler) emit(ctx context.Context, e events.Event) {
	if err := h.emitter.Emit(ctx, e); err != nil {
		h.logger.Error("Failed to emit event",
			zap.String("event", string(e.EventName())), zap.Error(err))
	}
}
