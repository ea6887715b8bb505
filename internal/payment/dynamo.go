package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/example/order-saga/internal/outbox"
)

// Store persists payment transactions together with their outbox rows.
type Store interface {
	// CreateTransaction writes the transaction and stages the outbox row in
	// one atomic unit. Returns ErrAlreadyRecorded when a record of the same
	// kind already exists for the order.
	CreateTransaction(ctx context.Context, txn *Transaction, rec outbox.Record) error

	// GetCharge returns the order's charge record, or ErrChargeNotFound.
	GetCharge(ctx context.Context, orderID string) (*Transaction, error)
}

// DynamoStore keys payment records by (order_id, record_key) where the
// charge holds a fixed sort key. A conditional put on that key is what
// enforces at most one charge and one refund per order.
type DynamoStore struct {
	client *dynamodb.Client
	table  string
	outbox *outbox.DynamoStore
}

const (
	chargeKey = "CHARGE"
	refundKey = "REFUND"
)

func NewDynamoStore(client *dynamodb.Client, table string, ob *outbox.DynamoStore) *DynamoStore {
	return &DynamoStore{client: client, table: table, outbox: ob}
}

type dynamoTransaction struct {
	OrderID       string `dynamodbav:"order_id"`
	RecordKey     string `dynamodbav:"record_key"`
	ID            string `dynamodbav:"id"`
	Kind          string `dynamodbav:"kind"`
	Amount        int64  `dynamodbav:"amount"`
	Status        string `dynamodbav:"status"`
	FailureReason string `dynamodbav:"failure_reason,omitempty"`
	RefundOf      string `dynamodbav:"refund_of,omitempty"`
	CreatedAt     string `dynamodbav:"created_at"`
}

func (s *DynamoStore) CreateTransaction(ctx context.Context, txn *Transaction, rec outbox.Record) error {
	recordKey := chargeKey
	if txn.Kind == KindRefund {
		recordKey = refundKey
	}

	item := dynamoTransaction{
		OrderID:       txn.OrderID,
		RecordKey:     recordKey,
		ID:            txn.ID,
		Kind:          string(txn.Kind),
		Amount:        txn.Amount,
		Status:        string(txn.Status),
		FailureReason: txn.FailureReason,
		RefundOf:      txn.RefundOf,
		CreatedAt:     txn.CreatedAt.Format(time.RFC3339Nano),
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshal transaction: %w", err)
	}

	outboxItem, err := s.outbox.StageItem(rec)
	if err != nil {
		return err
	}

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           aws.String(s.table),
					Item:                av,
					ConditionExpression: aws.String("attribute_not_exists(order_id) AND attribute_not_exists(record_key)"),
				},
			},
			outboxItem,
		},
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			for _, reason := range canceled.CancellationReasons {
				if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
					return ErrAlreadyRecorded
				}
			}
		}
		return fmt.Errorf("write transaction: %w", err)
	}
	return nil
}

func (s *DynamoStore) GetCharge(ctx context.Context, orderID string) (*Transaction, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"order_id":   &types.AttributeValueMemberS{Value: orderID},
			"record_key": &types.AttributeValueMemberS{Value: chargeKey},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, ErrChargeNotFound
	}

	var item dynamoTransaction
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal transaction: %w", err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, item.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse transaction timestamp: %w", err)
	}
	return &Transaction{
		ID:            item.ID,
		OrderID:       item.OrderID,
		Kind:          Kind(item.Kind),
		Amount:        item.Amount,
		Status:        Status(item.Status),
		FailureReason: item.FailureReason,
		RefundOf:      item.RefundOf,
		CreatedAt:     createdAt,
	}, nil
}
