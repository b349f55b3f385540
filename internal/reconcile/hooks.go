package reconcile

import (
	"context"
	"fmt"

	"github.com/example/ec-settlement/internal/domain/order"
	"github.com/example/ec-settlement/internal/events"
	"github.com/shopspring/decimal"
)

// AlertHighValueOrder flags a paid order whose total reached the review
// threshold.
const AlertHighValueOrder = "high_value_order"

// HighValueAlert raises alert.triggered for every paid order with a total at
// or above threshold.
func HighValueAlert(threshold decimal.Decimal, emitter events.Emitter) Hook {
	return HookFunc(func(ctx context.Context, o *order.Order) error {
		if o.Total.LessThan(threshold) {
			return nil
		}
		return emitter.Emit(ctx, events.AlertPayload{
			Code:     AlertHighValueOrder,
			Severity: "info",
			OrderID:  o.ID,
			Message:  fmt.Sprintf("order %s paid %s %s", o.OrderNumber, o.Total.StringFixed(2), o.Currency),
		})
	})
}
