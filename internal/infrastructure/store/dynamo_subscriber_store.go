package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/example/ec-settlement/internal/domain/webhook"
	"github.com/example/ec-settlement/internal/events"
)

// DynamoSubscriberAPI adds DeleteItem to DynamoAPI.
type DynamoSubscriberAPI interface {
	DynamoAPI
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

const maxWriteAttempts = 5

// DynamoSubscriberStore keeps one item per subscriber. Every write is a
// conditional put on the item version, retried on contention.
type DynamoSubscriberStore struct {
	client    DynamoSubscriberAPI
	tableName string
}

type dynamoSubscriber struct {
	ID        string   `dynamodbav:"id"`
	Events    []string `dynamodbav:"events"`
	Status    string   `dynamodbav:"status"`
	Version   int      `dynamodbav:"version"`
	CreatedAt int64    `dynamodbav:"created_at"`
	Secret    []byte   `dynamodbav:"secret"`
	Document  string   `dynamodbav:"document"`
}

func NewDynamoSubscriberStore(client DynamoSubscriberAPI, tableName string) *DynamoSubscriberStore {
	return &DynamoSubscriberStore{client: client, tableName: tableName}
}

func (s *DynamoSubscriberStore) Insert(ctx context.Context, sub *webhook.Subscriber) error {
	item, err := marshalSubscriberItem(sub, 1)
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
		return fmt.Errorf("failed to put subscriber %s: %w", sub.ID, err)
	}
	return nil
}

func (s *DynamoSubscriberStore) Get(ctx context.Context, id string) (*webhook.Subscriber, error) {
	sub, _, err := s.get(ctx, id)
	return sub, err
}

func (s *DynamoSubscriberStore) List(ctx context.Context) ([]*webhook.Subscriber, error) {
	return s.scan(ctx, &dynamodb.ScanInput{TableName: aws.String(s.tableName)}, func(*webhook.Subscriber) bool { return true })
}

// FindByEvent pushes the event filter down and checks it again after
// decoding.
func (s *DynamoSubscriberStore) FindByEvent(ctx context.Context, name events.Name) ([]*webhook.Subscriber, error) {
	input := &dynamodb.ScanInput{
		TableName:        aws.String(s.tableName),
		FilterExpression: aws.String("contains(events, :ev)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ev": &types.AttributeValueMemberS{Value: string(name)},
		},
	}
	return s.scan(ctx, input, func(sub *webhook.Subscriber) bool { return sub.Subscribes(name) })
}

// Update writes the definition fields and keeps the stored stats.
func (s *DynamoSubscriberStore) Update(ctx context.Context, id string, fn func(sub *webhook.Subscriber)) (*webhook.Subscriber, error) {
	return s.modify(ctx, id, func(current *webhook.Subscriber) {
		stats := current.Stats
		fn(current)
		current.Stats = stats
	})
}

func (s *DynamoSubscriberStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
		ConditionExpression: aws.String("attribute_exists(id)"),
	})
	if err != nil {
		if isConditionFailed(err) {
			return webhook.ErrSubscriberNotFound
		}
		return fmt.Errorf("failed to delete subscriber %s: %w", id, err)
	}
	return nil
}

func (s *DynamoSubscriberStore) UpdateStats(ctx context.Context, id string, fn func(sub *webhook.Subscriber)) (*webhook.Subscriber, error) {
	return s.modify(ctx, id, fn)
}

func (s *DynamoSubscriberStore) modify(ctx context.Context, id string, fn func(sub *webhook.Subscriber)) (*webhook.Subscriber, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		sub, version, err := s.get(ctx, id)
		if err != nil {
			return nil, err
		}
		fn(sub)

		item, err := marshalSubscriberItem(sub, version+1)
		if err != nil {
			return nil, err
		}
		_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(s.tableName),
			Item:                item,
			ConditionExpression: aws.String("attribute_exists(id) AND version = :expected"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":expected": &types.AttributeValueMemberN{Value: strconv.Itoa(version)},
			},
		})
		if err == nil {
			return sub, nil
		}
		if !isConditionFailed(err) {
			return nil, fmt.Errorf("failed to update subscriber %s: %w", id, err)
		}
	}
	return nil, fmt.Errorf("subscriber %s: %w", id, ErrContention)
}

func (s *DynamoSubscriberStore) get(ctx context.Context, id string) (*webhook.Subscriber, int, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"id": &types.AttributeValueMemberS{Value: id},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get subscriber %s: %w", id, err)
	}
	if out.Item == nil {
		return nil, 0, webhook.ErrSubscriberNotFound
	}
	return unmarshalSubscriberItem(out.Item)
}

func (s *DynamoSubscriberStore) scan(ctx context.Context, input *dynamodb.ScanInput, keep func(*webhook.Subscriber) bool) ([]*webhook.Subscriber, error) {
	out := make([]*webhook.Subscriber, 0)
	for {
		page, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscribers: %w", err)
		}
		for _, item := range page.Items {
			sub, _, err := unmarshalSubscriberItem(item)
			if err != nil {
				return nil, err
			}
			if keep(sub) {
				out = append(out, sub)
			}
		}
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func marshalSubscriberItem(sub *webhook.Subscriber, version int) (map[string]types.AttributeValue, error) {
	doc, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal subscriber: %w", err)
	}
	item, err := attributevalue.MarshalMap(dynamoSubscriber{
		ID:        sub.ID,
		Events:    eventStrings(sub.Events),
		Status:    string(sub.Status),
		Version:   version,
		CreatedAt: sub.CreatedAt.UnixMilli(),
		Secret:    sub.EncryptedSecret,
		Document:  string(doc),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal subscriber item: %w", err)
	}
	return item, nil
}

func unmarshalSubscriberItem(item map[string]types.AttributeValue) (*webhook.Subscriber, int, error) {
	var ds dynamoSubscriber
	if err := attributevalue.UnmarshalMap(item, &ds); err != nil {
		return nil, 0, fmt.Errorf("failed to unmarshal subscriber item: %w", err)
	}
	var sub webhook.Subscriber
	if err := json.Unmarshal([]byte(ds.Document), &sub); err != nil {
		return nil, 0, fmt.Errorf("failed to decode subscriber %s: %w", ds.ID, err)
	}
	sub.EncryptedSecret = ds.Secret
	return &sub, ds.Version, nil
}
