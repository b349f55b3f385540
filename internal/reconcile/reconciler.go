package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/ec-settlement/internal/domain/order"
	"github.com/example/ec-settlement/internal/events"
	"github.com/example/ec-settlement/internal/gateway"
	"github.com/example/ec-settlement/internal/inventory"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// AlertPaidAfterCancel is raised when the gateway captures money for an order
// that was already cancelled. Someone has to refund it by hand.
const AlertPaidAfterCancel = "payment_after_cancellation"

// Ledger is the subset of the order ledger used during settlement.
type Ledger interface {
	Get(ctx context.Context, id string) (*order.Order, error)
	TransitionPayment(ctx context.Context, id string, to order.PaymentStatus, d order.PaymentDetails, src order.Source) (*order.PaymentChange, error)
	TransitionFulfillment(ctx context.Context, id string, to order.FulfillmentStatus, actor string) (*order.Order, error)
	RecordPaymentInitiated(ctx context.Context, id string, d order.PaymentDetails, src order.Source) (*order.Order, error)
}

// TransactionCreator starts a payment at the gateway.
type TransactionCreator interface {
	CreateTransaction(ctx context.Context, req gateway.TransactionRequest) (*gateway.TransactionResult, error)
}

// Hook runs after an order has been settled as paid.
type Hook interface {
	AfterPayment(ctx context.Context, o *order.Order) error
}

// HookFunc adapts a function to Hook.
type HookFunc func(ctx context.Context, o *order.Order) error

func (f HookFunc) AfterPayment(ctx context.Context, o *order.Order) error { return f(ctx, o) }

// Reconciler applies verified gateway verdicts to an order and runs the
// follow-up settlement steps.
type Reconciler struct {
	ledger  Ledger
	stock   inventory.Service
	emitter events.Emitter
	gateway TransactionCreator
	hooks   []Hook
	logger  *zap.Logger
}

func NewReconciler(ledger Ledger, stock inventory.Service, emitter events.Emitter, gw TransactionCreator, logger *zap.Logger, hooks ...Hook) *Reconciler {
	return &Reconciler{
		ledger:  ledger,
		stock:   stock,
		emitter: emitter,
		gateway: gw,
		hooks:   hooks,
		logger:  logger.With(zap.String("component", "reconciler")),
	}
}

// Settle implements gateway.Settler.
func (r *Reconciler) Settle(ctx context.Context, s gateway.Settlement) error {
	log := r.logger.With(
		zap.String("order_id", s.OrderID),
		zap.String("reference", s.ReferenceCode),
		zap.String("outcome", string(s.Outcome)))

	switch s.Outcome {
	case gateway.OutcomeApproved:
		return r.approve(ctx, log, s)
	case gateway.OutcomeDeclined:
		return r.decline(ctx, log, s)
	case gateway.OutcomePending:
		change, err := r.ledger.TransitionPayment(ctx, s.OrderID, order.PaymentPending, s.Details, order.SourceGateway)
		if err != nil {
			return r.staleOrErr(log, err)
		}
		log.Info("Payment pending", zap.Bool("logged", change.Logged))
		return nil
	case gateway.OutcomeExpired:
		// The order stays pending; the sweeper cancels it once it is overdue.
		log.Info("Payment expired at gateway")
		return nil
	}
	log.Warn("Unhandled settlement outcome")
	return nil
}

func (r *Reconciler) approve(ctx context.Context, log *zap.Logger, s gateway.Settlement) error {
	change, err := r.ledger.TransitionPayment(ctx, s.OrderID, order.PaymentPaid, s.Details, order.SourceGateway)
	if err != nil {
		return r.staleOrErr(log, err)
	}
	if change.From == order.PaymentPaid {
		log.Info("Duplicate approval ignored")
		return nil
	}
	o := change.Order

	if o.FulfillmentStatus == order.FulfillmentCancelled {
		log.Error("Payment approved for a cancelled order")
		alert := events.AlertPayload{
			Code:     AlertPaidAfterCancel,
			Severity: "critical",
			OrderID:  o.ID,
			Message:  fmt.Sprintf("order %s was cancelled but payment %s was approved", o.OrderNumber, o.Payment.TransactionID),
		}
		if err := r.emitter.Emit(ctx, alert); err != nil {
			log.Error("Failed to emit alert", zap.Error(err))
		}
		return nil
	}

	// The payment is recorded. Everything below is best effort and never
	// rolls it back.
	var errs error
	if err := r.stock.DecrementAfterSale(ctx, o.ID, Lines(o)); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("inventory settlement: %w", err))
	}
	if o.FulfillmentStatus == order.FulfillmentPending {
		advanced, err := r.ledger.TransitionFulfillment(ctx, o.ID, order.FulfillmentProcessing, string(order.SourceSystem))
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("advance to processing: %w", err))
		} else {
			o = advanced
		}
	}
	if err := r.emitter.Emit(ctx, events.PaymentApprovedPayload{
		OrderID:       o.ID,
		OrderNumber:   o.OrderNumber,
		TransactionID: o.Payment.TransactionID,
		ReferenceCode: s.ReferenceCode,
		Amount:        s.Amount,
		Currency:      o.Currency,
	}); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("emit %s: %w", events.PaymentApproved, err))
	}
	paidAt := o.UpdatedAt
	if o.Payment.PaidAt != nil {
		paidAt = *o.Payment.PaidAt
	}
	if err := r.emitter.Emit(ctx, events.OrderPaidPayload{
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		Total:       o.Total,
		PaidAt:      paidAt,
	}); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("emit %s: %w", events.OrderPaid, err))
	}
	for _, h := range r.hooks {
		if err := h.AfterPayment(ctx, o); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("automation hook: %w", err))
		}
	}

	if errs != nil {
		log.Error("Payment recorded with settlement failures",
			zap.Int("failures", len(multierr.Errors(errs))),
			zap.Error(errs))
		return nil
	}
	log.Info("Payment settled", zap.String("fulfillment_status", string(o.FulfillmentStatus)))
	return nil
}

func (r *Reconciler) decline(ctx context.Context, log *zap.Logger, s gateway.Settlement) error {
	change, err := r.ledger.TransitionPayment(ctx, s.OrderID, order.PaymentFailed, s.Details, order.SourceGateway)
	if err != nil {
		return r.staleOrErr(log, err)
	}
	if change.From == order.PaymentFailed {
		log.Info("Duplicate decline ignored")
		return nil
	}
	o := change.Order
	if err := r.emitter.Emit(ctx, events.PaymentRejectedPayload{
		OrderID:       o.ID,
		OrderNumber:   o.OrderNumber,
		TransactionID: o.Payment.TransactionID,
		ResponseCode:  o.Payment.ResponseCode,
	}); err != nil {
		log.Error("Failed to emit payment rejection", zap.Error(err))
	}
	log.Info("Payment rejected", zap.String("response_code", o.Payment.ResponseCode))
	return nil
}

// staleOrErr swallows verdicts the payment graph no longer accepts, such as a
// decline arriving after an approval.
func (r *Reconciler) staleOrErr(log *zap.Logger, err error) error {
	if order.IsInvalidTransition(err) {
		log.Warn("Stale gateway verdict ignored", zap.Error(err))
		return nil
	}
	return err
}

// InitiatePayment opens a gateway transaction for the order, records it and
// applies the gateway's immediate verdict if it already has one.
// GatewayUnavailableError is returned unchanged so the caller may retry.
func (r *Reconciler) InitiatePayment(ctx context.Context, orderID string, req gateway.TransactionRequest) (*gateway.TransactionResult, error) {
	if r.gateway == nil {
		return nil, errors.New("payment gateway is not configured")
	}
	o, err := r.ledger.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	req.Order = o

	result, err := r.gateway.CreateTransaction(ctx, req)
	if err != nil {
		return nil, err
	}

	details := order.PaymentDetails{
		TransactionID:  order.Ptr(result.TransactionID),
		GatewayOrderID: order.Ptr(result.GatewayOrderID),
		ReferenceCode:  order.Ptr(result.ReferenceCode),
		ResponseCode:   order.Ptr(result.ResponseCode),
		Currency:       order.Ptr(o.Currency),
		Detail:         result.Raw,
	}
	if result.CardLast4 != "" {
		details.CardNumber = order.Ptr(result.CardLast4)
	}
	if result.CardBrand != "" {
		details.CardBrand = order.Ptr(result.CardBrand)
	}
	if _, err := r.ledger.RecordPaymentInitiated(ctx, o.ID, details, order.SourceGateway); err != nil {
		return nil, fmt.Errorf("failed to record initiated payment: %w", err)
	}

	if result.Outcome == gateway.OutcomeUnknown {
		return result, nil
	}
	verdict := details
	verdict.Detail = nil
	if result.Outcome == gateway.OutcomeApproved {
		verdict.AmountPaid = order.Ptr(o.Total)
	}
	if err := r.Settle(ctx, gateway.Settlement{
		OrderID:       o.ID,
		ReferenceCode: result.ReferenceCode,
		Outcome:       result.Outcome,
		Amount:        o.Total,
		Details:       verdict,
	}); err != nil {
		return result, err
	}
	return result, nil
}

// Lines converts order items to inventory lines.
func Lines(o *order.Order) []inventory.Line {
	out := make([]inventory.Line, 0, len(o.Items))
	for _, it := range o.Items {
		out = append(out, inventory.Line{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return out
}
