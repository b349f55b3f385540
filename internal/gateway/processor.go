package gateway

import (
	"context"
	"fmt"

	"github.com/example/ec-settlement/internal/domain/order"
	"github.com/example/ec-settlement/internal/signature"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Settlement is a verified gateway verdict for one order.
type Settlement struct {
	OrderID       string
	ReferenceCode string
	Outcome       Outcome
	Amount        decimal.Decimal
	Details       order.PaymentDetails
}

// Settler applies verified verdicts to the ledger.
type Settler interface {
	Settle(ctx context.Context, s Settlement) error
}

// OrderLookup resolves the order a confirmation refers to.
type OrderLookup interface {
	GetByNumber(ctx context.Context, number string) (*order.Order, error)
}

// Processor is the single entry point for gateway confirmations.
type Processor struct {
	cfg     Config
	signer  *signature.Service
	orders  OrderLookup
	settler Settler
	logger  *zap.Logger
}

func NewProcessor(cfg Config, signer *signature.Service, orders OrderLookup, settler Settler, logger *zap.Logger) *Processor {
	return &Processor{
		cfg:     cfg,
		signer:  signer,
		orders:  orders,
		settler: settler,
		logger:  logger,
	}
}

// ProcessConfirmation verifies merchant, signature and amount, in that order,
// before handing the verdict to the settler. Every failure is logged here;
// the HTTP layer acknowledges the callback regardless.
func (p *Processor) ProcessConfirmation(ctx context.Context, c Confirmation) error {
	log := p.logger.With(
		zap.String("reference_sale", c.ReferenceSale),
		zap.String("state_pol", c.State),
		zap.String("transaction_id", c.TransactionID))

	if c.MerchantID != p.cfg.MerchantID {
		log.Error("Confirmation merchant mismatch", zap.String("merchant_id", c.MerchantID))
		return fmt.Errorf("%w: got %s", ErrMerchantMismatch, c.MerchantID)
	}

	if err := p.signer.VerifyGatewayMessage(c.Sign, p.cfg.APIKey, c.MerchantID, c.ReferenceSale, c.Value, c.Currency, c.State); err != nil {
		log.Error("Confirmation signature rejected", zap.Error(err))
		return &SignatureMismatchError{Reference: c.ReferenceSale, Err: err}
	}

	o, err := p.orders.GetByNumber(ctx, c.ReferenceSale)
	if err != nil {
		log.Error("Confirmation for unknown order", zap.Error(err))
		return fmt.Errorf("failed to resolve order %s: %w", c.ReferenceSale, err)
	}

	amount, err := decimal.NewFromString(c.Value)
	if err != nil {
		log.Error("Confirmation value unreadable", zap.String("value", c.Value))
		return fmt.Errorf("%w: value %q", ErrMalformedConfirmation, c.Value)
	}
	if amount.Sub(o.Total).Abs().GreaterThan(p.cfg.tolerance()) {
		log.Error("Confirmation amount does not match order total",
			zap.String("value", amount.StringFixed(2)),
			zap.String("total", o.Total.StringFixed(2)))
		return &AmountMismatchError{Reference: c.ReferenceSale, Expected: o.Total, Actual: amount}
	}

	outcome := c.Outcome()
	if outcome == OutcomeUnknown {
		log.Warn("Confirmation with unknown state ignored")
		return nil
	}

	if err := p.settler.Settle(ctx, Settlement{
		OrderID:       o.ID,
		ReferenceCode: c.ReferenceSale,
		Outcome:       outcome,
		Amount:        amount,
		Details:       c.Details(amount),
	}); err != nil {
		log.Error("Settlement failed", zap.String("order_id", o.ID), zap.Error(err))
		return err
	}
	return nil
}
