package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/ec-settlement/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeRepo is a minimal Repository. The real in-memory store lives in the
// infrastructure package, which imports this one.
type fakeRepo struct {
	mu        sync.Mutex
	seq       int64
	orders    map[string]*Order
	conflicts int
	updates   int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{orders: make(map[string]*Order)}
}

func (r *fakeRepo) NextOrderNumber(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	return r.seq, nil
}

func (r *fakeRepo) Insert(ctx context.Context, o *Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[o.ID] = o.Clone()
	return nil
}

func (r *fakeRepo) Get(ctx context.Context, id string) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (r *fakeRepo) GetByNumber(ctx context.Context, number string) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if o.OrderNumber == number {
			return o.Clone(), nil
		}
	}
	return nil, ErrOrderNotFound
}

func (r *fakeRepo) Update(ctx context.Context, o *Order, expectedVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates++
	if r.conflicts > 0 {
		r.conflicts--
		// Simulate another writer winning the race.
		stored := r.orders[o.ID]
		stored.Version++
		return ErrVersionConflict
	}
	stored, ok := r.orders[o.ID]
	if !ok {
		return ErrOrderNotFound
	}
	if stored.Version != expectedVersion {
		return ErrVersionConflict
	}
	r.orders[o.ID] = o.Clone()
	return nil
}

func (r *fakeRepo) Find(ctx context.Context, q Query) ([]*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Order
	for _, o := range r.orders {
		if q.Matches(o) {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

func newTestLedger(t *testing.T) (*Ledger, *fakeRepo, *clock.Fake) {
	repo := newFakeRepo()
	clk := clock.NewFake(testNow)
	return NewLedger(repo, clk, zaptest.NewLogger(t)), repo, clk
}

func createTestOrder(t *testing.T, l *Ledger) *Order {
	t.Helper()
	o, err := l.Create(context.Background(), newTestInput())
	require.NoError(t, err)
	return o
}

// ============================================
// Create Tests
// ============================================

func TestLedger_Create_AssignsSequentialNumbers(t *testing.T) {
	l, repo, _ := newTestLedger(t)

	first := createTestOrder(t, l)
	second := createTestOrder(t, l)

	assert.Equal(t, "ORD-000001", first.OrderNumber)
	assert.Equal(t, "ORD-000002", second.OrderNumber)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1, first.Version)
	assert.Len(t, repo.orders, 2)
}

func TestLedger_Create_InvalidDoesNotConsumeNumber(t *testing.T) {
	l, repo, _ := newTestLedger(t)
	in := newTestInput()
	in.Total = Ptr(dec("244"))

	_, err := l.Create(context.Background(), in)

	assert.True(t, IsValidation(err))
	assert.Zero(t, repo.seq)
	assert.Empty(t, repo.orders)
}

func TestLedger_GetByNumber(t *testing.T) {
	l, _, _ := newTestLedger(t)
	o := createTestOrder(t, l)

	found, err := l.GetByNumber(context.Background(), o.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, o.ID, found.ID)

	_, err = l.GetByNumber(context.Background(), "ORD-999999")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

// ============================================
// Transition Tests
// ============================================

func TestLedger_TransitionFulfillment_InvalidLeavesStoredState(t *testing.T) {
	l, repo, _ := newTestLedger(t)
	o := createTestOrder(t, l)

	_, err := l.TransitionFulfillment(context.Background(), o.ID, FulfillmentDelivered, "admin")

	assert.True(t, IsInvalidTransition(err))
	stored := repo.orders[o.ID]
	assert.Equal(t, FulfillmentPending, stored.FulfillmentStatus)
	assert.Equal(t, 1, stored.Version)
	assert.Zero(t, repo.updates)
}

func TestLedger_TransitionFulfillment_BumpsVersionAndTimestamp(t *testing.T) {
	l, _, clk := newTestLedger(t)
	o := createTestOrder(t, l)
	clk.Advance(time.Minute)

	updated, err := l.TransitionFulfillment(context.Background(), o.ID, FulfillmentProcessing, "admin")

	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, testNow.Add(time.Minute), updated.UpdatedAt)
	assert.Equal(t, testNow.Add(time.Minute), *updated.ProcessedAt)
	assert.Equal(t, "admin", updated.LastActor)
}

func TestLedger_TransitionFulfillment_UnknownStatus(t *testing.T) {
	l, _, _ := newTestLedger(t)
	o := createTestOrder(t, l)

	_, err := l.TransitionFulfillment(context.Background(), o.ID, "teleported", "admin")

	assert.True(t, IsValidation(err))
}

func TestLedger_TransitionPayment_ReportsFrom(t *testing.T) {
	l, _, _ := newTestLedger(t)
	o := createTestOrder(t, l)
	ctx := context.Background()

	first, err := l.TransitionPayment(ctx, o.ID, PaymentPaid, PaymentDetails{TransactionID: Ptr("tx-1")}, SourceGateway)
	require.NoError(t, err)
	second, err := l.TransitionPayment(ctx, o.ID, PaymentPaid, PaymentDetails{}, SourceGateway)
	require.NoError(t, err)

	assert.Equal(t, PaymentPending, first.From)
	assert.True(t, first.Logged)
	assert.Equal(t, PaymentPaid, second.From)
	assert.False(t, second.Logged)
	assert.Equal(t, 1, second.Order.LogEntries(ActionApproved))
}

func TestLedger_TransitionPayment_ConcurrentApprovalsSettleOnce(t *testing.T) {
	l, repo, _ := newTestLedger(t)
	o := createTestOrder(t, l)

	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		transitions int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			change, err := l.TransitionPayment(context.Background(), o.ID, PaymentPaid, PaymentDetails{}, SourceGateway)
			if err != nil {
				return
			}
			if change.From != PaymentPaid {
				mu.Lock()
				transitions++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, transitions)
	assert.Equal(t, 1, repo.orders[o.ID].LogEntries(ActionApproved))
}

func TestLedger_Mutate_RetriesVersionConflict(t *testing.T) {
	l, repo, _ := newTestLedger(t)
	o := createTestOrder(t, l)
	repo.conflicts = 2

	updated, err := l.TransitionFulfillment(context.Background(), o.ID, FulfillmentProcessing, "admin")

	require.NoError(t, err)
	assert.Equal(t, FulfillmentProcessing, updated.FulfillmentStatus)
	assert.Equal(t, 3, repo.updates)
}

func TestLedger_Mutate_GivesUpAfterRepeatedConflicts(t *testing.T) {
	l, repo, _ := newTestLedger(t)
	o := createTestOrder(t, l)
	repo.conflicts = maxConflictRetries + 1

	_, err := l.TransitionFulfillment(context.Background(), o.ID, FulfillmentProcessing, "admin")

	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestLedger_Mutate_BlocksCorruptTotals(t *testing.T) {
	l, repo, _ := newTestLedger(t)
	o := createTestOrder(t, l)
	repo.orders[o.ID].Total = dec("999")

	_, err := l.TransitionFulfillment(context.Background(), o.ID, FulfillmentProcessing, "admin")

	var de *DataIntegrityError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, FulfillmentPending, repo.orders[o.ID].FulfillmentStatus)
	assert.Zero(t, repo.updates)
}

func TestLedger_NotFound(t *testing.T) {
	l, _, _ := newTestLedger(t)

	_, err := l.Cancel(context.Background(), "missing", CancelRequest{Reason: "x", Actor: "admin"})

	assert.ErrorIs(t, err, ErrOrderNotFound)
}

// ============================================
// Command Tests
// ============================================

func TestLedger_ShipDeliverFlow(t *testing.T) {
	l, _, clk := newTestLedger(t)
	ctx := context.Background()
	o := createTestOrder(t, l)

	_, err := l.TransitionPayment(ctx, o.ID, PaymentPaid, PaymentDetails{}, SourceGateway)
	require.NoError(t, err)
	_, err = l.TransitionFulfillment(ctx, o.ID, FulfillmentProcessing, "admin")
	require.NoError(t, err)
	_, err = l.MarkShipped(ctx, o.ID, "TRK-1", "DHL", "admin")
	require.NoError(t, err)
	clk.Advance(8 * 24 * time.Hour)
	delivered, err := l.MarkDelivered(ctx, o.ID, DeliveryOptions{Actor: "system", Automatic: true})
	require.NoError(t, err)

	assert.Equal(t, FulfillmentDelivered, delivered.FulfillmentStatus)
	assert.True(t, delivered.AutoDelivered)
	assert.Equal(t, 5, delivered.Version)
}

func TestLedger_Cancel_RequireUnpaidAfterApproval(t *testing.T) {
	l, repo, _ := newTestLedger(t)
	ctx := context.Background()
	o := createTestOrder(t, l)
	_, err := l.TransitionPayment(ctx, o.ID, PaymentPaid, PaymentDetails{}, SourceGateway)
	require.NoError(t, err)

	_, err = l.Cancel(ctx, o.ID, CancelRequest{Reason: "payment not completed in time", Actor: "system", RequireUnpaid: true})

	assert.ErrorIs(t, err, ErrPreconditionFailed)
	assert.Equal(t, FulfillmentPending, repo.orders[o.ID].FulfillmentStatus)
}

func TestLedger_Refund(t *testing.T) {
	l, _, _ := newTestLedger(t)
	ctx := context.Background()
	o := createTestOrder(t, l)

	_, err := l.Refund(ctx, o.ID, dec("50"), "changed mind", "admin")
	assert.True(t, IsValidation(err))

	_, err = l.TransitionPayment(ctx, o.ID, PaymentPaid, PaymentDetails{}, SourceGateway)
	require.NoError(t, err)
	refunded, err := l.Refund(ctx, o.ID, dec("50"), "changed mind", "admin")

	require.NoError(t, err)
	assert.Equal(t, PaymentRefunded, refunded.PaymentStatus)
	assert.Equal(t, 1, refunded.LogEntries(ActionRefundInitiated))
	assert.Equal(t, 1, refunded.LogEntries(ActionRefundCompleted))
}

func TestLedger_Find(t *testing.T) {
	l, _, clk := newTestLedger(t)
	ctx := context.Background()
	old := createTestOrder(t, l)
	clk.Advance(48 * time.Hour)
	createTestOrder(t, l)

	found, err := l.Find(ctx, Query{
		Fulfillment:   FulfillmentPending,
		Payment:       PaymentPending,
		CreatedBefore: testNow.Add(24 * time.Hour),
	})

	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, old.ID, found[0].ID)
}
