package kafka

import (
	"context"
	"time"

	"github.com/example/ec-settlement/internal/clock"
	"github.com/example/ec-settlement/internal/events"
	"github.com/example/ec-settlement/internal/inventory"
)

// EventPublisher is an events.Emitter that hands domain events to Kafka.
// Webhook fan-out happens in the notifier that consumes the topic.
type EventPublisher struct {
	producer *Producer
	clock    clock.Clock
}

func NewEventPublisher(p *Producer, c clock.Clock) *EventPublisher {
	return &EventPublisher{producer: p, clock: c}
}

func (p *EventPublisher) Emit(ctx context.Context, e events.Event) error {
	env, err := events.Encode(e, p.clock.Now())
	if err != nil {
		return err
	}
	return p.producer.Publish(ctx, string(env.Event), env)
}

type StockAction string

const (
	StockReserve   StockAction = "reserve"
	StockRelease   StockAction = "release"
	StockDecrement StockAction = "decrement"
)

// StockCommand is the message the inventory service consumes. It is keyed
// by order id so the consumer can drop repeats.
type StockCommand struct {
	Action   StockAction      `json:"action"`
	OrderID  string           `json:"order_id"`
	Lines    []inventory.Line `json:"lines"`
	IssuedAt time.Time        `json:"issued_at"`
}

// StockClient implements inventory.Service against an external inventory
// service. Calls succeed once the command is on the topic; availability is
// decided downstream.
type StockClient struct {
	producer *Producer
	clock    clock.Clock
}

func NewStockClient(p *Producer, c clock.Clock) *StockClient {
	return &StockClient{producer: p, clock: c}
}

func (s *StockClient) Reserve(ctx context.Context, orderID string, lines []inventory.Line) error {
	return s.send(ctx, StockReserve, orderID, lines)
}

func (s *StockClient) Release(ctx context.Context, orderID string, lines []inventory.Line) error {
	return s.send(ctx, StockRelease, orderID, lines)
}

func (s *StockClient) DecrementAfterSale(ctx context.Context, orderID string, lines []inventory.Line) error {
	return s.send(ctx, StockDecrement, orderID, lines)
}

func (s *StockClient) send(ctx context.Context, action StockAction, orderID string, lines []inventory.Line) error {
	for _, l := range lines {
		if l.ProductID == "" || l.Quantity <= 0 {
			return inventory.ErrInvalidQuantity
		}
	}
	return s.producer.Publish(ctx, orderID, StockCommand{
		Action:   action,
		OrderID:  orderID,
		Lines:    lines,
		IssuedAt: s.clock.Now(),
	})
}
