package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Name identifies a domain event. The set of names is closed; subscribers may
// only register for names returned by All.
type Name string

const (
	OrderCreated           Name = "order.created"
	OrderPaid              Name = "order.paid"
	OrderShipped           Name = "order.shipped"
	OrderDelivered         Name = "order.delivered"
	OrderCancelled         Name = "order.cancelled"
	PaymentApproved        Name = "payment.approved"
	PaymentRejected        Name = "payment.rejected"
	PaymentRefunded        Name = "payment.refunded"
	InventoryLowStock      Name = "inventory.low_stock"
	InventoryOutOfStock    Name = "inventory.out_of_stock"
	InventoryRestocked     Name = "inventory.restocked"
	UserRegistered         Name = "user.registered"
	CustomerSegmentChanged Name = "customer.segment_changed"
	AlertTriggered         Name = "alert.triggered"
)

var allNames = []Name{
	OrderCreated,
	OrderPaid,
	OrderShipped,
	OrderDelivered,
	OrderCancelled,
	PaymentApproved,
	PaymentRejected,
	PaymentRefunded,
	InventoryLowStock,
	InventoryOutOfStock,
	InventoryRestocked,
	UserRegistered,
	CustomerSegmentChanged,
	AlertTriggered,
}

// All returns every known event name.
func All() []Name {
	out := make([]Name, len(allNames))
	copy(out, allNames)
	return out
}

// Valid reports whether n belongs to the closed event set.
func (n Name) Valid() bool {
	for _, known := range allNames {
		if n == known {
			return true
		}
	}
	return false
}

// ParseName validates s against the closed event set.
func ParseName(s string) (Name, error) {
	n := Name(s)
	if !n.Valid() {
		return "", fmt.Errorf("unknown event name %q", s)
	}
	return n, nil
}

// Event is a domain event payload. Each payload type is bound to exactly one
// Name, so call sites stay typed until the transport boundary.
type Event interface {
	EventName() Name
}

// Envelope is the wire shape of a delivered event.
type Envelope struct {
	Event     Name            `json:"event"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Encode wraps e into an Envelope stamped with at.
func Encode(e Event, at time.Time) (Envelope, error) {
	if raw, ok := e.(Raw); ok {
		return Envelope{Event: raw.Name, Timestamp: at.UTC(), Data: raw.Data}, nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", e.EventName(), err)
	}
	return Envelope{Event: e.EventName(), Timestamp: at.UTC(), Data: data}, nil
}

// Decode turns an Envelope back into an Event. Payloads stay opaque.
func (env Envelope) Decode() (Raw, error) {
	if !env.Event.Valid() {
		return Raw{}, fmt.Errorf("unknown event name %q", env.Event)
	}
	return Raw{Name: env.Event, Data: env.Data}, nil
}

// Raw carries an already-encoded payload. It is used where events cross a
// process boundary (Kafka, Kinesis, inbound webhooks).
type Raw struct {
	Name Name
	Data json.RawMessage
}

func (r Raw) EventName() Name { return r.Name }
