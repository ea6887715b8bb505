package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// unpublishedPartition is the fixed GSI partition holding unpublished rows
// ordered by creation time. Marking a row published removes it from the
// index but never deletes the row itself.
const (
	unpublishedPartition = "UNPUBLISHED"
	unpublishedIndex     = "gsi1"
)

// DynamoStore is the outbox table of a document-store participant. Staging
// happens through StageItem inside the participant's own TransactWriteItems
// call, keeping domain write and outbox row one atomic unit.
type DynamoStore struct {
	client *dynamodb.Client
	table  string
}

func NewDynamoStore(client *dynamodb.Client, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table}
}

type dynamoRecord struct {
	EventID       string `dynamodbav:"event_id"`
	EventType     string `dynamodbav:"event_type"`
	CorrelationID string `dynamodbav:"correlation_id"`
	Payload       string `dynamodbav:"payload"`
	CreatedAt     string `dynamodbav:"created_at"`
	Published     bool   `dynamodbav:"published"`
	GSI1PK        string `dynamodbav:"gsi1pk,omitempty"`
}

// StageItem builds the transact-write item that stages rec.
func (s *DynamoStore) StageItem(rec Record) (types.TransactWriteItem, error) {
	item := dynamoRecord{
		EventID:       rec.EventID,
		EventType:     rec.EventType,
		CorrelationID: rec.CorrelationID,
		Payload:       string(rec.Payload),
		CreatedAt:     rec.CreatedAt.Format(time.RFC3339Nano),
		Published:     false,
		GSI1PK:        unpublishedPartition,
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return types.TransactWriteItem{}, fmt.Errorf("marshal outbox row: %w", err)
	}
	return types.TransactWriteItem{
		Put: &types.Put{
			TableName: aws.String(s.table),
			Item:      av,
		},
	}, nil
}

// Stage inserts a single outbox row outside any domain transaction, for
// events that have no accompanying domain write.
func (s *DynamoStore) Stage(ctx context.Context, rec Record) error {
	item, err := s.StageItem(rec)
	if err != nil {
		return err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: item.Put.TableName,
		Item:      item.Put.Item,
	})
	return err
}

// FetchUnpublished implements Store via the fixed-partition GSI, which
// yields rows in creation order.
func (s *DynamoStore) FetchUnpublished(ctx context.Context, limit int) ([]Record, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(unpublishedIndex),
		KeyConditionExpression: aws.String("gsi1pk = :p"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p": &types.AttributeValueMemberS{Value: unpublishedPartition},
		},
		ScanIndexForward: aws.Bool(true),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(out.Items))
	for _, item := range out.Items {
		var dr dynamoRecord
		if err := attributevalue.UnmarshalMap(item, &dr); err != nil {
			return nil, fmt.Errorf("unmarshal outbox row: %w", err)
		}
		createdAt, err := time.Parse(time.RFC3339Nano, dr.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("parse outbox timestamp: %w", err)
		}
		records = append(records, Record{
			EventID:       dr.EventID,
			EventType:     dr.EventType,
			CorrelationID: dr.CorrelationID,
			Payload:       json.RawMessage(dr.Payload),
			CreatedAt:     createdAt,
			Published:     dr.Published,
		})
	}
	return records, nil
}

// MarkPublished implements Store. Dropping gsi1pk removes the row from the
// unpublished index; the row itself stays for audit and replay.
func (s *DynamoStore) MarkPublished(ctx context.Context, eventID string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"event_id": &types.AttributeValueMemberS{Value: eventID},
		},
		UpdateExpression:    aws.String("SET published = :t REMOVE gsi1pk"),
		ConditionExpression: aws.String("attribute_exists(event_id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":t": &types.AttributeValueMemberBOOL{Value: true},
		},
	})
	return err
}
