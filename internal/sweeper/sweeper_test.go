package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/ec-settlement/internal/clock"
	"github.com/example/ec-settlement/internal/domain/order"
	"github.com/example/ec-settlement/internal/events"
	"github.com/example/ec-settlement/internal/events/eventstest"
	"github.com/example/ec-settlement/internal/infrastructure/store/mocks"
	"github.com/example/ec-settlement/internal/inventory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap/zaptest"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	sweeper  *Sweeper
	ledger   *order.Ledger
	repo     *mocks.MockOrderRepository
	stock    *inventory.Stock
	recorder *eventstest.Recorder
	clock    *clock.Fake
	guard    *LocalGuard
}

func newTestSweeper(t *testing.T) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	clk := clock.NewFake(testNow)
	repo := mocks.NewMockOrderRepository()
	ledger := order.NewLedger(repo, clk, logger)
	stock := inventory.NewStock(events.Discard, logger)
	require.NoError(t, stock.AddStock(context.Background(), "prod-1", 50))
	recorder := &eventstest.Recorder{}
	guard := &LocalGuard{}

	return &testEnv{
		sweeper:  New(ledger, stock, recorder, clk, guard, Config{}, logger),
		ledger:   ledger,
		repo:     repo,
		stock:    stock,
		recorder: recorder,
		clock:    clk,
		guard:    guard,
	}
}

func (e *testEnv) createOrder(t *testing.T) *order.Order {
	t.Helper()
	o, err := e.ledger.Create(context.Background(), order.CreateInput{
		Items:         []order.ItemInput{{ProductID: "prod-1", Quantity: 2, Price: decimal.NewFromInt(80)}},
		Tax:           decimal.NewFromInt(38),
		Shipping:      decimal.NewFromInt(5),
		Currency:      "COP",
		PaymentMethod: "card",
	})
	require.NoError(t, err)
	return o
}

func (e *testEnv) shipOrder(t *testing.T, o *order.Order) {
	t.Helper()
	ctx := context.Background()
	_, err := e.ledger.TransitionPayment(ctx, o.ID, order.PaymentPaid, order.PaymentDetails{}, order.SourceGateway)
	require.NoError(t, err)
	_, err = e.ledger.TransitionFulfillment(ctx, o.ID, order.FulfillmentProcessing, Actor)
	require.NoError(t, err)
	_, err = e.ledger.MarkShipped(ctx, o.ID, "TRK-1", "DHL", "admin")
	require.NoError(t, err)
}

// ============================================
// Auto-delivery Tests
// ============================================

func TestRunOnce_DeliversOrdersShippedOverAWeekAgo(t *testing.T) {
	env := newTestSweeper(t)
	o := env.createOrder(t)
	env.shipOrder(t, o)
	env.clock.Advance(8 * 24 * time.Hour)

	report, err := env.sweeper.RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{o.OrderNumber}, report.Delivered)
	assert.Empty(t, report.Cancelled)

	got, err := env.ledger.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.FulfillmentDelivered, got.FulfillmentStatus)
	assert.True(t, got.AutoDelivered)
	require.NotNil(t, got.DeliveredAt)
	assert.Equal(t, env.clock.Now(), *got.DeliveredAt)

	require.Equal(t, []events.Name{events.OrderDelivered}, env.recorder.Names())
	delivered := env.recorder.Events()[0].(events.OrderDeliveredPayload)
	assert.True(t, delivered.AutoDelivered)

	second, err := env.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, second.Delivered)
	assert.Len(t, env.recorder.Names(), 1)
}

func TestRunOnce_KeepsRecentlyShippedOrders(t *testing.T) {
	env := newTestSweeper(t)
	o := env.createOrder(t)
	env.shipOrder(t, o)
	env.clock.Advance(6 * 24 * time.Hour)

	report, err := env.sweeper.RunOnce(context.Background())

	require.NoError(t, err)
	assert.Empty(t, report.Delivered)
	got, err := env.ledger.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.FulfillmentShipped, got.FulfillmentStatus)
}

// ============================================
// Unpaid cancellation Tests
// ============================================

func TestRunOnce_CancelsOrdersUnpaidForADay(t *testing.T) {
	env := newTestSweeper(t)
	o := env.createOrder(t)
	require.NoError(t, env.stock.Reserve(context.Background(), o.ID, []inventory.Line{{ProductID: "prod-1", Quantity: 2}}))
	env.clock.Advance(25 * time.Hour)

	report, err := env.sweeper.RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{o.OrderNumber}, report.Cancelled)

	got, err := env.ledger.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.FulfillmentCancelled, got.FulfillmentStatus)
	assert.Equal(t, CancelReason, got.CancelReason)
	assert.Equal(t, Actor, got.CancelledBy)

	require.Equal(t, []events.Name{events.OrderCancelled}, env.recorder.Names())
	cancelled := env.recorder.Events()[0].(events.OrderCancelledPayload)
	assert.Equal(t, CancelReason, cancelled.Reason)
	assert.True(t, cancelled.Automatic)

	inv, _ := env.stock.Get("prod-1")
	assert.Equal(t, 0, inv.ReservedStock)
	assert.Equal(t, 50, inv.AvailableStock())
}

func TestRunOnce_LeavesYoungAndPaidOrders(t *testing.T) {
	env := newTestSweeper(t)
	paid := env.createOrder(t)
	_, err := env.ledger.TransitionPayment(context.Background(), paid.ID, order.PaymentPaid, order.PaymentDetails{}, order.SourceGateway)
	require.NoError(t, err)
	env.clock.Advance(23 * time.Hour)
	young := env.createOrder(t)
	env.clock.Advance(2 * time.Hour)

	report, err := env.sweeper.RunOnce(context.Background())

	require.NoError(t, err)
	assert.Empty(t, report.Cancelled)
	for _, id := range []string{paid.ID, young.ID} {
		got, err := env.ledger.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, order.FulfillmentPending, got.FulfillmentStatus)
	}
	assert.Empty(t, env.recorder.Names())
}

func TestRunOnce_NothingToDo(t *testing.T) {
	env := newTestSweeper(t)

	report, err := env.sweeper.RunOnce(context.Background())

	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Empty(t, report.Delivered)
	assert.Empty(t, report.Cancelled)
	assert.Equal(t, 0, report.Failed)
}

// ============================================
// Guard and isolation Tests
// ============================================

func TestRunOnce_SkipsWhileAnotherRunHoldsTheGuard(t *testing.T) {
	env := newTestSweeper(t)
	env.createOrder(t)
	env.clock.Advance(25 * time.Hour)

	release, ok, err := env.guard.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	report, err := env.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Empty(t, env.repo.FindCalls)

	release()
	report, err = env.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.Len(t, report.Cancelled, 1)
}

func TestRunOnce_OneFailingOrderDoesNotAbortTheSweep(t *testing.T) {
	env := newTestSweeper(t)
	bad := env.createOrder(t)
	good := env.createOrder(t)
	env.clock.Advance(25 * time.Hour)

	env.repo.UpdateCallback = func(ctx context.Context, o *order.Order, expected int) error {
		if o.ID == bad.ID {
			return errors.New("disk full")
		}
		return env.repo.MemoryOrderStore.Update(ctx, o, expected)
	}

	report, err := env.sweeper.RunOnce(context.Background())

	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 1)
	assert.Contains(t, err.Error(), bad.OrderNumber)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []string{good.OrderNumber}, report.Cancelled)
}

func TestRunOnce_FindFailureIsReported(t *testing.T) {
	env := newTestSweeper(t)
	env.repo.FindErr = errors.New("connection reset")

	report, err := env.sweeper.RunOnce(context.Background())

	require.Error(t, err)
	assert.Equal(t, 2, report.Failed)
}

func TestRun_StopsWhenContextEnds(t *testing.T) {
	env := newTestSweeper(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, env.sweeper.Run(ctx))
}

func TestLocalGuard(t *testing.T) {
	var g LocalGuard
	release, ok, _ := g.Acquire(context.Background())
	require.True(t, ok)
	_, ok, _ = g.Acquire(context.Background())
	assert.False(t, ok)
	release()
	_, ok, _ = g.Acquire(context.Background())
	assert.True(t, ok)
}
