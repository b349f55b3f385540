package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/example/ec-settlement/internal/domain/order"
)

// DynamoAPI is the subset of *dynamodb.Client used by DynamoOrderStore.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

const (
	orderNumberIndex  = "order_number-index"
	orderCounterID    = "counter#order_number"
	orderCounterField = "seq"
)

// DynamoOrderStore stores orders in a single DynamoDB table keyed by id.
// Order numbers come from an atomic counter item in the same table and
// lookups by number go through the order_number GSI.
type DynamoOrderStore struct {
	client    DynamoAPI
	tableName string
}

// dynamoOrder represents the DynamoDB item structure
type dynamoOrder struct {
	ID                string `dynamodbav:"id"`
	OrderNumber       string `dynamodbav:"order_number"`
	FulfillmentStatus string `dynamodbav:"fulfillment_status"`
	PaymentStatus     string `dynamodbav:"payment_status"`
	Version           int    `dynamodbav:"version"`
	CreatedAt         int64  `dynamodbav:"created_at"`
	Document          string `dynamodbav:"document"`
}

func NewDynamoOrderStore(client DynamoAPI, tableName string) *DynamoOrderStore {
	return &DynamoOrderStore{client: client, tableName: tableName}
}

func (s *DynamoOrderStore) NextOrderNumber(ctx context.Context) (int64, error) {
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: orderCounterID},
		},
		UpdateExpression: aws.String("ADD #seq :one"),
		ExpressionAttributeNames: map[string]string{
			"#seq": orderCounterField,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to increment order counter: %w", err)
	}
	n, ok := out.Attributes[orderCounterField].(*types.AttributeValueMemberN)
	if !ok {
		return 0, errors.New("order counter returned no value")
	}
	seq, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse order counter: %w", err)
	}
	return seq, nil
}

func (s *DynamoOrderStore) Insert(ctx context.Context, o *order.Order) error {
	item, err := marshalOrderItem(o)
	if err != nil {
		return err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to put order %s: %w", o.ID, err)
	}
	return nil
}

func (s *DynamoOrderStore) Get(ctx context.Context, id string) (*order.Order, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", id, err)
	}
	if out.Item == nil {
		return nil, order.ErrOrderNotFound
	}
	return unmarshalOrderItem(out.Item)
}

func (s *DynamoOrderStore) GetByNumber(ctx context.Context, number string) (*order.Order, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		IndexName:              aws.String(orderNumberIndex),
		KeyConditionExpression: aws.String("order_number = :num"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":num": &types.AttributeValueMemberS{Value: number},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query order %s: %w", number, err)
	}
	if len(out.Items) == 0 {
		return nil, order.ErrOrderNotFound
	}
	return unmarshalOrderItem(out.Items[0])
}

// Update overwrites the item only while its stored version equals expectedVersion.
func (s *DynamoOrderStore) Update(ctx context.Context, o *order.Order, expectedVersion int) error {
	item, err := marshalOrderItem(o)
	if err != nil {
		return err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_exists(id) AND version = :expected"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.Itoa(expectedVersion)},
		},
	})
	if err == nil {
		return nil
	}
	if !isConditionFailed(err) {
		return fmt.Errorf("failed to update order %s: %w", o.ID, err)
	}
	if _, getErr := s.Get(ctx, o.ID); errors.Is(getErr, order.ErrOrderNotFound) {
		return order.ErrOrderNotFound
	}
	return order.ErrVersionConflict
}

// Find scans the table. Status filters are pushed down; the time filters are
// applied after decoding. Results are ordered oldest first.
func (s *DynamoOrderStore) Find(ctx context.Context, q order.Query) ([]*order.Order, error) {
	filter := "attribute_exists(document)"
	values := map[string]types.AttributeValue{}
	if q.Fulfillment != "" {
		filter += " AND fulfillment_status = :fs"
		values[":fs"] = &types.AttributeValueMemberS{Value: string(q.Fulfillment)}
	}
	if q.Payment != "" {
		filter += " AND payment_status = :ps"
		values[":ps"] = &types.AttributeValueMemberS{Value: string(q.Payment)}
	}

	input := &dynamodb.ScanInput{
		TableName:        aws.String(s.tableName),
		FilterExpression: aws.String(filter),
	}
	if len(values) > 0 {
		input.ExpressionAttributeValues = values
	}

	var out []*order.Order
	for {
		page, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to scan orders: %w", err)
		}
		for _, item := range page.Items {
			if _, ok := item["document"]; !ok {
				continue
			}
			o, err := unmarshalOrderItem(item)
			if err != nil {
				return nil, err
			}
			if q.Matches(o) {
				out = append(out, o)
			}
		}
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
	}

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func marshalOrderItem(o *order.Order) (map[string]types.AttributeValue, error) {
	doc, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order: %w", err)
	}
	item, err := attributevalue.MarshalMap(dynamoOrder{
		ID:                o.ID,
		OrderNumber:       o.OrderNumber,
		FulfillmentStatus: string(o.FulfillmentStatus),
		PaymentStatus:     string(o.PaymentStatus),
		Version:           o.Version,
		CreatedAt:         o.CreatedAt.UnixMilli(),
		Document:          string(doc),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order item: %w", err)
	}
	return item, nil
}

func unmarshalOrderItem(item map[string]types.AttributeValue) (*order.Order, error) {
	var do dynamoOrder
	if err := attributevalue.UnmarshalMap(item, &do); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order item: %w", err)
	}
	return decodeOrder([]byte(do.Document))
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
