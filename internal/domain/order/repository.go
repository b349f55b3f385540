package order

import (
	"context"
	"time"
)

// Repository persists orders. Update must fail with ErrVersionConflict when
// the stored version differs from expectedVersion. Implementations return
// copies; callers never share an *Order with the store.
type Repository interface {
	NextOrderNumber(ctx context.Context) (int64, error)
	Insert(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	GetByNumber(ctx context.Context, number string) (*Order, error)
	Update(ctx context.Context, o *Order, expectedVersion int) error
	Find(ctx context.Context, q Query) ([]*Order, error)
}

// Query filters orders. Zero fields are ignored.
type Query struct {
	Fulfillment   FulfillmentStatus
	Payment       PaymentStatus
	CreatedBefore time.Time
	ShippedBefore time.Time
	Limit         int
}

// Matches applies the filter in memory.
func (q Query) Matches(o *Order) bool {
	if q.Fulfillment != "" && o.FulfillmentStatus != q.Fulfillment {
		return false
	}
	if q.Payment != "" && o.PaymentStatus != q.Payment {
		return false
	}
	if !q.CreatedBefore.IsZero() && !o.CreatedAt.Before(q.CreatedBefore) {
		return false
	}
	if !q.ShippedBefore.IsZero() && (o.ShippedAt == nil || !o.ShippedAt.Before(q.ShippedBefore)) {
		return false
	}
	return true
}
