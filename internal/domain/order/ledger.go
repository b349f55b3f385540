package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/ec-settlement/internal/clock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// maxConflictRetries bounds how often a mutation is replayed after another
// process won the optimistic version check.
const maxConflictRetries = 3

// Ledger owns the order aggregate. Every mutation runs under a per-order lock,
// re-reads the stored order, applies a pure transition to a copy, checks the
// money invariants and saves with an optimistic version check.
type Ledger struct {
	repo   Repository
	clock  clock.Clock
	logger *zap.Logger
	locks  *keyedMutex
}

func NewLedger(repo Repository, c clock.Clock, logger *zap.Logger) *Ledger {
	return &Ledger{
		repo:   repo,
		clock:  c,
		logger: logger,
		locks:  newKeyedMutex(),
	}
}

// PaymentChange describes the outcome of TransitionPayment. From is the status
// observed under the order lock, which is what settlement decisions key off.
type PaymentChange struct {
	Order  *Order
	From   PaymentStatus
	To     PaymentStatus
	Logged bool
}

// CancelRequest parameterizes Cancel.
type CancelRequest struct {
	Reason string
	Actor  string
	// RequireUnpaid makes the cancel fail with ErrPreconditionFailed if the
	// payment is no longer pending when the lock is taken.
	RequireUnpaid bool
}

// DeliveryOptions parameterizes MarkDelivered.
type DeliveryOptions struct {
	Actor     string
	Automatic bool
}

// Create validates input, recomputes totals, assigns an order number and
// persists the order as pending/pending.
func (l *Ledger) Create(ctx context.Context, in CreateInput) (*Order, error) {
	now := l.clock.Now()
	// Validate before consuming a sequence number.
	if _, err := New("", "", in, now); err != nil {
		return nil, err
	}

	seq, err := l.repo.NextOrderNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate order number: %w", err)
	}
	o, err := New(uuid.New().String(), FormatNumber(seq), in, now)
	if err != nil {
		return nil, err
	}
	o.Version = 1
	if err := o.CheckIntegrity(); err != nil {
		l.logger.Error("Refusing to persist order with inconsistent totals", zap.Error(err))
		return nil, err
	}
	if err := l.repo.Insert(ctx, o); err != nil {
		return nil, fmt.Errorf("failed to insert order: %w", err)
	}

	l.logger.Info("Order created",
		zap.String("order_id", o.ID),
		zap.String("order_number", o.OrderNumber),
		zap.String("total", o.Total.StringFixed(2)))
	return o, nil
}

func (l *Ledger) Get(ctx context.Context, id string) (*Order, error) {
	return l.repo.Get(ctx, id)
}

func (l *Ledger) GetByNumber(ctx context.Context, number string) (*Order, error) {
	return l.repo.GetByNumber(ctx, number)
}

func (l *Ledger) Find(ctx context.Context, q Query) ([]*Order, error) {
	return l.repo.Find(ctx, q)
}

// TransitionFulfillment moves the order along the fulfillment DAG.
func (l *Ledger) TransitionFulfillment(ctx context.Context, id string, to FulfillmentStatus, actor string) (*Order, error) {
	if !to.Valid() {
		return nil, invalid("status", "unknown fulfillment status %q", to)
	}
	return l.mutate(ctx, id, func(o *Order, now time.Time) error {
		return o.ApplyFulfillment(to, actor, now)
	})
}

// TransitionPayment merges gateway details, moves the payment status and
// appends at most one log entry.
func (l *Ledger) TransitionPayment(ctx context.Context, id string, to PaymentStatus, d PaymentDetails, src Source) (*PaymentChange, error) {
	if !to.Valid() {
		return nil, invalid("status", "unknown payment status %q", to)
	}
	change := &PaymentChange{To: to}
	o, err := l.mutate(ctx, id, func(o *Order, now time.Time) error {
		change.From = o.PaymentStatus
		logged, err := o.ApplyPayment(to, d, src, now)
		change.Logged = logged
		return err
	})
	if err != nil {
		return nil, err
	}
	change.Order = o
	return change, nil
}

// RecordPaymentInitiated appends an initiated entry after a gateway
// transaction was created.
func (l *Ledger) RecordPaymentInitiated(ctx context.Context, id string, d PaymentDetails, src Source) (*Order, error) {
	return l.mutate(ctx, id, func(o *Order, now time.Time) error {
		return o.ApplyPaymentInitiated(d, src, now)
	})
}

func (l *Ledger) Cancel(ctx context.Context, id string, req CancelRequest) (*Order, error) {
	return l.mutate(ctx, id, func(o *Order, now time.Time) error {
		return o.ApplyCancel(req.Reason, req.Actor, req.RequireUnpaid, now)
	})
}

func (l *Ledger) MarkShipped(ctx context.Context, id, tracking, carrier, actor string) (*Order, error) {
	return l.mutate(ctx, id, func(o *Order, now time.Time) error {
		return o.ApplyShipped(tracking, carrier, actor, now)
	})
}

func (l *Ledger) MarkDelivered(ctx context.Context, id string, opts DeliveryOptions) (*Order, error) {
	return l.mutate(ctx, id, func(o *Order, now time.Time) error {
		return o.ApplyDelivered(opts.Actor, opts.Automatic, now)
	})
}

func (l *Ledger) Refund(ctx context.Context, id string, amount decimal.Decimal, reason, actor string) (*Order, error) {
	return l.mutate(ctx, id, func(o *Order, now time.Time) error {
		return o.ApplyRefund(amount, reason, actor, now)
	})
}

func (l *Ledger) mutate(ctx context.Context, id string, apply func(o *Order, now time.Time) error) (*Order, error) {
	unlock := l.locks.Lock(id)
	defer unlock()

	for attempt := 0; ; attempt++ {
		current, err := l.repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		next := current.Clone()
		now := l.clock.Now()
		if err := apply(next, now); err != nil {
			return nil, err
		}
		next.UpdatedAt = now
		next.Version = current.Version + 1

		if err := next.CheckIntegrity(); err != nil {
			l.logger.Error("Refusing to persist order with inconsistent totals",
				zap.String("order_id", id), zap.Error(err))
			return nil, err
		}

		err = l.repo.Update(ctx, next, current.Version)
		if err == nil {
			return next, nil
		}
		if errors.Is(err, ErrVersionConflict) && attempt < maxConflictRetries {
			l.logger.Warn("Version conflict, retrying order mutation",
				zap.String("order_id", id), zap.Int("attempt", attempt+1))
			continue
		}
		return nil, fmt.Errorf("failed to save order %s: %w", id, err)
	}
}
