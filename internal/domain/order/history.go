package order

import (
	"sort"
	"time"
)

// HistoryEntry is one step of the derived status history.
type HistoryEntry struct {
	At     time.Time `json:"at"`
	Kind   string    `json:"kind"`
	Status string    `json:"status"`
	Source string    `json:"source,omitempty"`
	Note   string    `json:"note,omitempty"`
}

// StatusHistory rebuilds a chronological view from the transition timestamps
// and the payment log. Nothing here is stored; the log and timestamps remain
// the only source of truth.
func (o *Order) StatusHistory() []HistoryEntry {
	entries := []HistoryEntry{
		{At: o.CreatedAt, Kind: "fulfillment", Status: string(FulfillmentPending)},
	}
	add := func(t *time.Time, status FulfillmentStatus, note string) {
		if t != nil {
			entries = append(entries, HistoryEntry{At: *t, Kind: "fulfillment", Status: string(status), Note: note})
		}
	}
	add(o.ProcessedAt, FulfillmentProcessing, "")
	add(o.ShippedAt, FulfillmentShipped, o.TrackingNumber)
	deliveredNote := ""
	if o.AutoDelivered {
		deliveredNote = "auto-delivered"
	}
	add(o.DeliveredAt, FulfillmentDelivered, deliveredNote)
	add(o.CancelledAt, FulfillmentCancelled, o.CancelReason)

	for _, e := range o.PaymentLog {
		entries = append(entries, HistoryEntry{
			At:     e.At,
			Kind:   "payment",
			Status: string(e.Action),
			Source: string(e.Source),
		})
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].At.Before(entries[j].At) })
	return entries
}
