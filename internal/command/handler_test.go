package command

import (
	"context"
	"testing"
	"time"

	"github.com/example/ec-settlement/internal/clock"
	"github.com/example/ec-settlement/internal/domain/order"
	"github.com/example/ec-settlement/internal/events"
	"github.com/example/ec-settlement/internal/events/eventstest"
	"github.com/example/ec-settlement/internal/gateway"
	"github.com/example/ec-settlement/internal/infrastructure/store/mocks"
	"github.com/example/ec-settlement/internal/inventory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubPayments struct {
	orderID string
	req     gateway.TransactionRequest
}

func (s *stubPayments) InitiatePayment(ctx context.Context, orderID string, req gateway.TransactionRequest) (*gateway.TransactionResult, error) {
	s.orderID = orderID
	s.req = req
	return &gateway.TransactionResult{TransactionID: "tx-1", Outcome: gateway.OutcomePending}, nil
}

type testEnv struct {
	handler  *Handler
	ledger   *order.Ledger
	repo     *mocks.MockOrderRepository
	stock    *inventory.Stock
	recorder *eventstest.Recorder
	payments *stubPayments
}

func newTestHandler(t *testing.T) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	repo := mocks.NewMockOrderRepository()
	ledger := order.NewLedger(repo, clock.NewFake(testNow), logger)
	stock := inventory.NewStock(events.Discard, logger)
	require.NoError(t, stock.AddStock(context.Background(), "prod-1", 10))
	recorder := &eventstest.Recorder{}
	payments := &stubPayments{}

	return &testEnv{
		handler:  NewHandler(ledger, stock, payments, recorder, logger),
		ledger:   ledger,
		repo:     repo,
		stock:    stock,
		recorder: recorder,
		payments: payments,
	}
}

func placeOrder(quantity int) PlaceOrder {
	return PlaceOrder{CreateInput: order.CreateInput{
		CustomerID:    "cust-1",
		Items:         []order.ItemInput{{ProductID: "prod-1", Quantity: quantity, Price: decimal.NewFromInt(80)}},
		Tax:           decimal.NewFromInt(38),
		Shipping:      decimal.NewFromInt(5),
		Currency:      "COP",
		PaymentMethod: "card",
	}}
}

func (e *testEnv) paidOrder(t *testing.T) *order.Order {
	t.Helper()
	o, err := e.handler.PlaceOrder(context.Background(), placeOrder(2))
	require.NoError(t, err)
	_, err = e.ledger.TransitionPayment(context.Background(), o.ID, order.PaymentPaid, order.PaymentDetails{}, order.SourceGateway)
	require.NoError(t, err)
	return o
}

// ============================================
// Place Order Tests
// ============================================

func TestHandler_PlaceOrder_Success(t *testing.T) {
	env := newTestHandler(t)

	o, err := env.handler.PlaceOrder(context.Background(), placeOrder(2))

	require.NoError(t, err)
	assert.Equal(t, "ORD-000001", o.OrderNumber)
	assert.True(t, o.Total.Equal(decimal.NewFromInt(203)))

	inv, _ := env.stock.Get("prod-1")
	assert.Equal(t, 2, inv.ReservedStock)

	require.Equal(t, []events.Name{events.OrderCreated}, env.recorder.Names())
	created := env.recorder.Events()[0].(events.OrderCreatedPayload)
	assert.Equal(t, o.OrderNumber, created.OrderNumber)
	assert.Equal(t, 1, created.ItemCount)
}

func TestHandler_PlaceOrder_InsufficientStockCancels(t *testing.T) {
	env := newTestHandler(t)

	o, err := env.handler.PlaceOrder(context.Background(), placeOrder(11))

	assert.ErrorIs(t, err, inventory.ErrInsufficientStock)
	assert.Nil(t, o)
	require.Len(t, env.repo.InsertCalls, 1)

	stored, err := env.ledger.Get(context.Background(), env.repo.InsertCalls[0].ID)
	require.NoError(t, err)
	assert.Equal(t, order.FulfillmentCancelled, stored.FulfillmentStatus)
	assert.Equal(t, StockUnavailableReason, stored.CancelReason)
	assert.Empty(t, env.recorder.Names())
}

func TestHandler_PlaceOrder_InvalidInput(t *testing.T) {
	env := newTestHandler(t)

	_, err := env.handler.PlaceOrder(context.Background(), PlaceOrder{})

	assert.True(t, order.IsValidation(err))
	assert.Empty(t, env.repo.InsertCalls)
}

// ============================================
// Pay Order Tests
// ============================================

func TestHandler_PayOrder_Delegates(t *testing.T) {
	env := newTestHandler(t)

	res, err := env.handler.PayOrder(context.Background(), PayOrder{
		OrderID:            "o-1",
		TransactionRequest: gateway.TransactionRequest{Method: "VISA", Installments: 1},
	})

	require.NoError(t, err)
	assert.Equal(t, "tx-1", res.TransactionID)
	assert.Equal(t, "o-1", env.payments.orderID)
	assert.Equal(t, "VISA", env.payments.req.Method)
}

// ============================================
// Ship / Deliver Tests
// ============================================

func TestHandler_ShipAndDeliver(t *testing.T) {
	env := newTestHandler(t)
	o := env.paidOrder(t)
	_, err := env.handler.UpdateFulfillment(context.Background(), UpdateFulfillment{OrderID: o.ID, Status: order.FulfillmentProcessing, Actor: "admin"})
	require.NoError(t, err)

	shipped, err := env.handler.ShipOrder(context.Background(), ShipOrder{OrderID: o.ID, TrackingNumber: "TRK-9", Carrier: "DHL", Actor: "admin"})
	require.NoError(t, err)
	assert.Equal(t, order.FulfillmentShipped, shipped.FulfillmentStatus)

	delivered, err := env.handler.DeliverOrder(context.Background(), DeliverOrder{OrderID: o.ID, Actor: "admin"})
	require.NoError(t, err)
	assert.Equal(t, order.FulfillmentDelivered, delivered.FulfillmentStatus)
	assert.False(t, delivered.AutoDelivered)

	assert.Equal(t, []events.Name{events.OrderCreated, events.OrderShipped, events.OrderDelivered}, env.recorder.Names())
	ship := env.recorder.Events()[1].(events.OrderShippedPayload)
	assert.Equal(t, "TRK-9", ship.TrackingNumber)
}

func TestHandler_ShipOrder_UnpaidRejected(t *testing.T) {
	env := newTestHandler(t)
	o, err := env.handler.PlaceOrder(context.Background(), placeOrder(1))
	require.NoError(t, err)

	_, err = env.handler.ShipOrder(context.Background(), ShipOrder{OrderID: o.ID, TrackingNumber: "TRK", Carrier: "DHL"})

	assert.True(t, order.IsValidation(err))
	assert.Equal(t, []events.Name{events.OrderCreated}, env.recorder.Names())
}

// ============================================
// Cancel / Refund Tests
// ============================================

func TestHandler_CancelOrder_ReleasesStock(t *testing.T) {
	env := newTestHandler(t)
	o, err := env.handler.PlaceOrder(context.Background(), placeOrder(3))
	require.NoError(t, err)

	cancelled, err := env.handler.CancelOrder(context.Background(), CancelOrder{OrderID: o.ID, Reason: "customer request", Actor: "admin"})

	require.NoError(t, err)
	assert.Equal(t, order.FulfillmentCancelled, cancelled.FulfillmentStatus)
	inv, _ := env.stock.Get("prod-1")
	assert.Equal(t, 0, inv.ReservedStock)

	payload := env.recorder.Events()[1].(events.OrderCancelledPayload)
	assert.Equal(t, "customer request", payload.Reason)
	assert.Equal(t, "admin", payload.CancelledBy)
	assert.False(t, payload.Automatic)
}

func TestHandler_CancelOrder_NotFound(t *testing.T) {
	env := newTestHandler(t)

	_, err := env.handler.CancelOrder(context.Background(), CancelOrder{OrderID: "missing", Reason: "x"})

	assert.ErrorIs(t, err, order.ErrOrderNotFound)
}

func TestHandler_RefundOrder(t *testing.T) {
	env := newTestHandler(t)
	o := env.paidOrder(t)

	refunded, err := env.handler.RefundOrder(context.Background(), RefundOrder{
		OrderID: o.ID,
		Amount:  decimal.NewFromInt(50),
		Reason:  "damaged",
		Actor:   "admin",
	})

	require.NoError(t, err)
	assert.Equal(t, order.PaymentRefunded, refunded.PaymentStatus)
	payload := env.recorder.Events()[1].(events.PaymentRefundedPayload)
	assert.True(t, payload.Amount.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, "admin", payload.RefundedBy)
}

func TestHandler_UpdateFulfillment_RejectsStatusesWithOwnCommand(t *testing.T) {
	env := newTestHandler(t)
	o := env.paidOrder(t)

	for _, s := range []order.FulfillmentStatus{order.FulfillmentShipped, order.FulfillmentDelivered, order.FulfillmentCancelled} {
		_, err := env.handler.UpdateFulfillment(context.Background(), UpdateFulfillment{OrderID: o.ID, Status: s})
		assert.True(t, order.IsValidation(err), s)
	}
}

func TestHandler_AsyncEmitterDeliversAfterReturn(t *testing.T) {
	env := newTestHandler(t)
	async := events.NewAsyncEmitter(env.recorder, time.Second, zaptest.NewLogger(t))
	env.handler.emitter = async

	_, err := env.handler.PlaceOrder(context.Background(), placeOrder(1))
	require.NoError(t, err)

	async.Wait()
	assert.Equal(t, []events.Name{events.OrderCreated}, env.recorder.Names())
}
