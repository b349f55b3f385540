package store

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/example/ec-settlement/internal/domain/webhook"
	"github.com/example/ec-settlement/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubscriberDynamo struct {
	*fakeDynamo
}

func (f fakeSubscriberDynamo) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := in.Key["id"].(*types.AttributeValueMemberS).Value
	if _, ok := f.items[id]; !ok {
		return nil, &types.ConditionalCheckFailedException{}
	}
	delete(f.items, id)
	return &dynamodb.DeleteItemOutput{}, nil
}

func newTestDynamoSubscriberStore() *DynamoSubscriberStore {
	return NewDynamoSubscriberStore(fakeSubscriberDynamo{newFakeDynamo()}, "webhook_subscribers")
}

func newTestStoredSubscriber(id string, at time.Time, names ...events.Name) *webhook.Subscriber {
	return &webhook.Subscriber{
		ID:              id,
		Name:            "erp-" + id,
		URL:             "https://erp.example.com/hooks",
		Events:          names,
		EncryptedSecret: []byte{0x01, 0x02, 0x03},
		Status:          webhook.StatusActive,
		CreatedAt:       at,
		UpdatedAt:       at,
	}
}

// =============================================================================
// DynamoSubscriberStore Tests
// =============================================================================

func TestDynamoSubscriberStore_InsertGetDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestDynamoSubscriberStore()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Insert(ctx, newTestStoredSubscriber("s-1", at, events.OrderPaid)))
	assert.ErrorIs(t, s.Insert(ctx, newTestStoredSubscriber("s-1", at, events.OrderPaid)), ErrDuplicate)

	got, err := s.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "erp-s-1", got.Name)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, got.EncryptedSecret)
	assert.Equal(t, []events.Name{events.OrderPaid}, got.Events)

	require.NoError(t, s.Delete(ctx, "s-1"))
	assert.ErrorIs(t, s.Delete(ctx, "s-1"), webhook.ErrSubscriberNotFound)
	_, err = s.Get(ctx, "s-1")
	assert.ErrorIs(t, err, webhook.ErrSubscriberNotFound)
}

func TestDynamoSubscriberStore_FindByEventAndList(t *testing.T) {
	ctx := context.Background()
	s := newTestDynamoSubscriberStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.Insert(ctx, newTestStoredSubscriber("b", base.Add(time.Hour), events.OrderPaid, events.OrderShipped)))
	require.NoError(t, s.Insert(ctx, newTestStoredSubscriber("a", base, events.OrderPaid)))
	require.NoError(t, s.Insert(ctx, newTestStoredSubscriber("c", base, events.InventoryLowStock)))

	paid, err := s.FindByEvent(ctx, events.OrderPaid)
	require.NoError(t, err)
	require.Len(t, paid, 2)
	assert.Equal(t, "a", paid[0].ID)
	assert.Equal(t, "b", paid[1].ID)

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestDynamoSubscriberStore_UpdateKeepsStats(t *testing.T) {
	ctx := context.Background()
	s := newTestDynamoSubscriberStore()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Insert(ctx, newTestStoredSubscriber("s-1", at, events.OrderPaid)))

	updated, err := s.UpdateStats(ctx, "s-1", func(sub *webhook.Subscriber) {
		sub.RecordCall(false, "HTTP 500", at)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.Stats.FailedCalls)

	_, err = s.Update(ctx, "s-1", func(sub *webhook.Subscriber) {
		sub.Name = "renamed"
		sub.Events = []events.Name{events.OrderShipped}
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, []events.Name{events.OrderShipped}, got.Events)
	assert.Equal(t, int64(1), got.Stats.TotalCalls)
	assert.Equal(t, "HTTP 500", got.Stats.LastError)

	_, err = s.Update(ctx, "ghost", func(*webhook.Subscriber) {})
	assert.ErrorIs(t, err, webhook.ErrSubscriberNotFound)
	_, err = s.UpdateStats(ctx, "ghost", func(*webhook.Subscriber) {})
	assert.ErrorIs(t, err, webhook.ErrSubscriberNotFound)
}
