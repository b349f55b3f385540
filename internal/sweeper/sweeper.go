package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/example/ec-settlement/internal/clock"
	"github.com/example/ec-settlement/internal/domain/order"
	"github.com/example/ec-settlement/internal/events"
	"github.com/example/ec-settlement/internal/inventory"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	DefaultDeliverAfter = 7 * 24 * time.Hour
	DefaultUnpaidAfter  = 24 * time.Hour
	DefaultInterval     = time.Hour

	// CancelReason is recorded on orders cancelled for non-payment.
	CancelReason = "payment not completed in time"
	// Actor is recorded as the author of automatic transitions.
	Actor = "system"
)

// Ledger is the subset of the order ledger the sweeper drives.
type Ledger interface {
	Find(ctx context.Context, q order.Query) ([]*order.Order, error)
	MarkDelivered(ctx context.Context, id string, opts order.DeliveryOptions) (*order.Order, error)
	Cancel(ctx context.Context, id string, req order.CancelRequest) (*order.Order, error)
}

// RunGuard prevents overlapping sweeps. Acquire returns acquired=false when
// another run holds the guard.
type RunGuard interface {
	Acquire(ctx context.Context) (release func(), acquired bool, err error)
}

// LocalGuard guards runs within one process.
type LocalGuard struct {
	running atomic.Bool
}

func (g *LocalGuard) Acquire(context.Context) (func(), bool, error) {
	if !g.running.CompareAndSwap(false, true) {
		return func() {}, false, nil
	}
	return func() { g.running.Store(false) }, true, nil
}

type Config struct {
	DeliverAfter time.Duration
	UnpaidAfter  time.Duration
	Interval     time.Duration
}

func (c Config) withDefaults() Config {
	if c.DeliverAfter <= 0 {
		c.DeliverAfter = DefaultDeliverAfter
	}
	if c.UnpaidAfter <= 0 {
		c.UnpaidAfter = DefaultUnpaidAfter
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	return c
}

// Report summarizes one sweep.
type Report struct {
	StartedAt time.Time `json:"started_at"`
	Skipped   bool      `json:"skipped"`
	Delivered []string  `json:"delivered"`
	Cancelled []string  `json:"cancelled"`
	Failed    int       `json:"failed"`
}

// Sweeper enforces the time-based transitions nobody else reports: shipped
// orders are delivered after DeliverAfter and unpaid orders are cancelled
// after UnpaidAfter.
type Sweeper struct {
	ledger  Ledger
	stock   inventory.Service
	emitter events.Emitter
	clock   clock.Clock
	guard   RunGuard
	cfg     Config
	logger  *zap.Logger
}

func New(ledger Ledger, stock inventory.Service, emitter events.Emitter, c clock.Clock, guard RunGuard, cfg Config, logger *zap.Logger) *Sweeper {
	if guard == nil {
		guard = &LocalGuard{}
	}
	return &Sweeper{
		ledger:  ledger,
		stock:   stock,
		emitter: emitter,
		clock:   c,
		guard:   guard,
		cfg:     cfg.withDefaults(),
		logger:  logger.With(zap.String("component", "sweeper")),
	}
}

// Run sweeps every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("Sweeper started", zap.Duration("interval", s.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("Sweep finished with errors", zap.Error(err))
			}
		}
	}
}

// RunOnce executes both rules. A failure on one order does not stop the
// others; all failures are returned together. Finding nothing to do is not
// an error.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	report := Report{StartedAt: s.clock.Now(), Delivered: []string{}, Cancelled: []string{}}

	release, ok, err := s.guard.Acquire(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to acquire sweep guard: %w", err)
	}
	if !ok {
		s.logger.Info("Sweep already running, skipping")
		report.Skipped = true
		return report, nil
	}
	defer release()

	errs := multierr.Combine(
		s.deliverShipped(ctx, &report),
		s.cancelUnpaid(ctx, &report),
	)
	report.Failed = len(multierr.Errors(errs))

	s.logger.Info("Sweep completed",
		zap.Int("delivered", len(report.Delivered)),
		zap.Int("cancelled", len(report.Cancelled)),
		zap.Int("failed", report.Failed))
	return report, errs
}

func (s *Sweeper) deliverShipped(ctx context.Context, report *Report) error {
	cutoff := report.StartedAt.Add(-s.cfg.DeliverAfter)
	orders, err := s.ledger.Find(ctx, order.Query{
		Fulfillment:   order.FulfillmentShipped,
		ShippedBefore: cutoff,
	})
	if err != nil {
		return fmt.Errorf("failed to find shipped orders: %w", err)
	}

	var errs error
	for _, o := range orders {
		delivered, err := s.ledger.MarkDelivered(ctx, o.ID, order.DeliveryOptions{Actor: Actor, Automatic: true})
		if err != nil {
			if order.IsInvalidTransition(err) {
				s.logger.Debug("Order left shipped state before sweep", zap.String("order_id", o.ID))
				continue
			}
			errs = multierr.Append(errs, fmt.Errorf("deliver %s: %w", o.OrderNumber, err))
			continue
		}
		report.Delivered = append(report.Delivered, delivered.OrderNumber)

		at := delivered.UpdatedAt
		if delivered.DeliveredAt != nil {
			at = *delivered.DeliveredAt
		}
		s.emit(ctx, events.OrderDeliveredPayload{
			OrderID:       delivered.ID,
			OrderNumber:   delivered.OrderNumber,
			DeliveredAt:   at,
			AutoDelivered: true,
		})
	}
	return errs
}

func (s *Sweeper) cancelUnpaid(ctx context.Context, report *Report) error {
	cutoff := report.StartedAt.Add(-s.cfg.UnpaidAfter)
	orders, err := s.ledger.Find(ctx, order.Query{
		Fulfillment:   order.FulfillmentPending,
		Payment:       order.PaymentPending,
		CreatedBefore: cutoff,
	})
	if err != nil {
		return fmt.Errorf("failed to find unpaid orders: %w", err)
	}

	var errs error
	for _, o := range orders {
		cancelled, err := s.ledger.Cancel(ctx, o.ID, order.CancelRequest{
			Reason:        CancelReason,
			Actor:         Actor,
			RequireUnpaid: true,
		})
		if err != nil {
			if errors.Is(err, order.ErrPreconditionFailed) || order.IsInvalidTransition(err) {
				s.logger.Info("Order settled before sweep, not cancelled", zap.String("order_id", o.ID))
				continue
			}
			errs = multierr.Append(errs, fmt.Errorf("cancel %s: %w", o.OrderNumber, err))
			continue
		}
		report.Cancelled = append(report.Cancelled, cancelled.OrderNumber)

		if err := s.stock.Release(ctx, cancelled.ID, lines(cancelled)); err != nil {
			s.logger.Warn("Failed to release stock for cancelled order",
				zap.String("order_id", cancelled.ID), zap.Error(err))
		}

		at := cancelled.UpdatedAt
		if cancelled.CancelledAt != nil {
			at = *cancelled.CancelledAt
		}
		s.emit(ctx, events.OrderCancelledPayload{
			OrderID:     cancelled.ID,
			OrderNumber: cancelled.OrderNumber,
			Reason:      CancelReason,
			CancelledBy: Actor,
			CancelledAt: at,
			Automatic:   true,
		})
	}
	return errs
}

func (s *Sweeper) emit(ctx context.Context, e events.Event) {
	if err := s.emitter.Emit(ctx, e); err != nil {
		s.logger.Error("Failed to emit sweep event",
			zap.String("event", string(e.EventName())), zap.Error(err))
	}
}

func lines(o *order.Order) []inventory.Line {
	out := make([]inventory.Line, 0, len(o.Items))
	for _, it := range o.Items {
		out = append(out, inventory.Line{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return out
}
