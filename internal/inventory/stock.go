package inventory

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/ec-settlement/internal/events"
	"go.uber.org/zap"
)

// DefaultLowStockThreshold triggers inventory.low_stock once available stock
// falls to or below it.
const DefaultLowStockThreshold = 5

type Inventory struct {
	ProductID     string `json:"product_id"`
	TotalStock    int    `json:"total_stock"`
	ReservedStock int    `json:"reserved_stock"`
}

func (i *Inventory) AvailableStock() int {
	return i.TotalStock - i.ReservedStock
}

type orderState int

const (
	stateNone orderState = iota
	stateReserved
	stateReleased
	stateSold
)

// Stock is an in-process Service. It tracks what each order holds so that
// replayed reservations, releases and sales are no-ops.
type Stock struct {
	mu        sync.Mutex
	items     map[string]*Inventory
	orders    map[string]orderState
	threshold int
	emitter   events.Emitter
	logger    *zap.Logger
}

func NewStock(emitter events.Emitter, logger *zap.Logger) *Stock {
	return &Stock{
		items:     make(map[string]*Inventory),
		orders:    make(map[string]orderState),
		threshold: DefaultLowStockThreshold,
		emitter:   emitter,
		logger:    logger,
	}
}

// SetLowStockThreshold overrides DefaultLowStockThreshold.
func (s *Stock) SetLowStockThreshold(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threshold = n
}

func (s *Stock) Get(productID string) (Inventory, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.items[productID]
	if !ok {
		return Inventory{}, false
	}
	return *inv, true
}

func (s *Stock) AddStock(ctx context.Context, productID string, quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	s.mu.Lock()
	inv := s.item(productID)
	wasEmpty := inv.AvailableStock() <= 0
	inv.TotalStock += quantity
	available := inv.AvailableStock()
	s.mu.Unlock()

	if wasEmpty && available > 0 {
		s.emit(ctx, events.InventoryRestockedPayload{ProductID: productID, Available: available})
	}
	return nil
}

// Reserve holds stock for every line or for none of them.
func (s *Stock) Reserve(ctx context.Context, orderID string, lines []Line) error {
	if err := validate(lines); err != nil {
		return err
	}
	s.mu.Lock()
	if s.orders[orderID] != stateNone {
		s.mu.Unlock()
		return nil
	}
	for _, l := range lines {
		inv, ok := s.items[l.ProductID]
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownProduct, l.ProductID)
		}
		if inv.AvailableStock() < l.Quantity {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s has %d, need %d", ErrInsufficientStock, l.ProductID, inv.AvailableStock(), l.Quantity)
		}
	}
	for _, l := range lines {
		s.items[l.ProductID].ReservedStock += l.Quantity
	}
	s.orders[orderID] = stateReserved
	alerts := s.levelAlerts(lines)
	s.mu.Unlock()

	for _, a := range alerts {
		s.emit(ctx, a)
	}
	return nil
}

// Release returns reserved stock. Orders that never reserved, or already sold
// or released, are ignored.
func (s *Stock) Release(ctx context.Context, orderID string, lines []Line) error {
	if err := validate(lines); err != nil {
		return err
	}
	s.mu.Lock()
	if s.orders[orderID] != stateReserved {
		s.mu.Unlock()
		return nil
	}
	var restocked []events.Event
	for _, l := range lines {
		inv := s.item(l.ProductID)
		wasEmpty := inv.AvailableStock() <= 0
		inv.ReservedStock -= l.Quantity
		if inv.ReservedStock < 0 {
			inv.ReservedStock = 0
		}
		if wasEmpty && inv.AvailableStock() > 0 {
			restocked = append(restocked, events.InventoryRestockedPayload{ProductID: l.ProductID, Available: inv.AvailableStock()})
		}
	}
	s.orders[orderID] = stateReleased
	s.mu.Unlock()

	for _, e := range restocked {
		s.emit(ctx, e)
	}
	return nil
}

// DecrementAfterSale removes sold units from stock. Reserved units are
// consumed; an order paid without a reservation takes from available stock.
func (s *Stock) DecrementAfterSale(ctx context.Context, orderID string, lines []Line) error {
	if err := validate(lines); err != nil {
		return err
	}
	s.mu.Lock()
	state := s.orders[orderID]
	if state == stateSold {
		s.mu.Unlock()
		s.logger.Debug("Sale already settled", zap.String("order_id", orderID))
		return nil
	}
	for _, l := range lines {
		inv := s.item(l.ProductID)
		inv.TotalStock -= l.Quantity
		if state == stateReserved {
			inv.ReservedStock -= l.Quantity
		}
		if inv.TotalStock < 0 {
			inv.TotalStock = 0
		}
		if inv.ReservedStock < 0 {
			inv.ReservedStock = 0
		}
	}
	s.orders[orderID] = stateSold
	alerts := s.levelAlerts(lines)
	s.mu.Unlock()

	for _, a := range alerts {
		s.emit(ctx, a)
	}
	return nil
}

func (s *Stock) item(productID string) *Inventory {
	inv, ok := s.items[productID]
	if !ok {
		inv = &Inventory{ProductID: productID}
		s.items[productID] = inv
	}
	return inv
}

// levelAlerts must be called with s.mu held.
func (s *Stock) levelAlerts(lines []Line) []events.Event {
	var out []events.Event
	for _, l := range lines {
		inv := s.items[l.ProductID]
		available := inv.AvailableStock()
		switch {
		case available <= 0:
			out = append(out, events.InventoryOutOfStockPayload{ProductID: l.ProductID})
		case available <= s.threshold:
			out = append(out, events.InventoryLowStockPayload{ProductID: l.ProductID, Available: available, Threshold: s.threshold})
		}
	}
	return out
}

func (s *Stock) emit(ctx context.Context, e events.Event) {
	if err := s.emitter.Emit(ctx, e); err != nil {
		s.logger.Warn("Failed to emit inventory event",
			zap.String("event", string(e.EventName())),
			zap.Error(err))
	}
}
