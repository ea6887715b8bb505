package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/example/order-saga/internal/event"
	"github.com/example/order-saga/internal/outbox"
)

// DynamoStore implements Store on DynamoDB. Counter CAS rides on condition
// expressions over the version attribute; reservation state transitions are
// guarded on the current status attribute.
type DynamoStore struct {
	client            *dynamodb.Client
	itemsTable        string
	reservationsTable string
	outbox            *outbox.DynamoStore
}

func NewDynamoStore(client *dynamodb.Client, itemsTable, reservationsTable string, ob *outbox.DynamoStore) *DynamoStore {
	return &DynamoStore{
		client:            client,
		itemsTable:        itemsTable,
		reservationsTable: reservationsTable,
		outbox:            ob,
	}
}

type dynamoReservation struct {
	OrderID   string `dynamodbav:"order_id"`
	ID        string `dynamodbav:"id"`
	Items     string `dynamodbav:"items"`
	Status    string `dynamodbav:"status"`
	ExpiresAt string `dynamodbav:"expires_at"`
	CreatedAt string `dynamodbav:"created_at"`
}

func (s *DynamoStore) GetItems(ctx context.Context, productIDs []string) (map[string]*Item, error) {
	items := make(map[string]*Item, len(productIDs))
	for _, id := range productIDs {
		out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(s.itemsTable),
			Key: map[string]types.AttributeValue{
				"product_id": &types.AttributeValueMemberS{Value: id},
			},
			ConsistentRead: aws.Bool(true),
		})
		if err != nil {
			return nil, err
		}
		if out.Item == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownProduct, id)
		}
		var item Item
		if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
			return nil, fmt.Errorf("unmarshal inventory item: %w", err)
		}
		items[id] = &item
	}
	return items, nil
}

func (s *DynamoStore) Restock(ctx context.Context, productID string, quantity int) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.itemsTable),
		Key: map[string]types.AttributeValue{
			"product_id": &types.AttributeValueMemberS{Value: productID},
		},
		UpdateExpression: aws.String(
			"SET available = if_not_exists(available, :zero) + :q, " +
				"reserved = if_not_exists(reserved, :zero), " +
				"allocated = if_not_exists(allocated, :zero), " +
				"version = if_not_exists(version, :zero) + :one"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":q":    &types.AttributeValueMemberN{Value: strconv.Itoa(quantity)},
			":zero": &types.AttributeValueMemberN{Value: "0"},
			":one":  &types.AttributeValueMemberN{Value: "1"},
		},
	})
	return err
}

func (s *DynamoStore) ApplyReservation(ctx context.Context, res *Reservation, updates []CounterUpdate, rec outbox.Record) error {
	itemsJSON, err := json.Marshal(res.Items)
	if err != nil {
		return err
	}
	av, err := attributevalue.MarshalMap(dynamoReservation{
		OrderID:   res.OrderID,
		ID:        res.ID,
		Items:     string(itemsJSON),
		Status:    string(res.Status),
		ExpiresAt: res.ExpiresAt.Format(time.RFC3339Nano),
		CreatedAt: res.CreatedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal reservation: %w", err)
	}

	writes := []types.TransactWriteItem{{
		Put: &types.Put{
			TableName:           aws.String(s.reservationsTable),
			Item:                av,
			ConditionExpression: aws.String("attribute_not_exists(order_id)"),
		},
	}}
	writes = append(writes, s.counterWrites(updates)...)

	outboxItem, err := s.outbox.StageItem(rec)
	if err != nil {
		return err
	}
	writes = append(writes, outboxItem)

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: writes})
	return s.mapCancellation(err, ErrAlreadyReserved)
}

func (s *DynamoStore) GetReservation(ctx context.Context, orderID string) (*Reservation, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.reservationsTable),
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, ErrReservationNotFound
	}
	var dr dynamoReservation
	if err := attributevalue.UnmarshalMap(out.Item, &dr); err != nil {
		return nil, fmt.Errorf("unmarshal reservation: %w", err)
	}
	return dr.toReservation()
}

func (s *DynamoStore) TransitionReservation(ctx context.Context, orderID string, to ReservationStatus, updates []CounterUpdate, rec outbox.Record) error {
	writes := []types.TransactWriteItem{{
		Update: &types.Update{
			TableName: aws.String(s.reservationsTable),
			Key: map[string]types.AttributeValue{
				"order_id": &types.AttributeValueMemberS{Value: orderID},
			},
			UpdateExpression:    aws.String("SET #st = :to"),
			ConditionExpression: aws.String("#st = :from"),
			ExpressionAttributeNames: map[string]string{
				"#st": "status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":to":   &types.AttributeValueMemberS{Value: string(to)},
				":from": &types.AttributeValueMemberS{Value: string(ReservationReserved)},
			},
		},
	}}
	writes = append(writes, s.counterWrites(updates)...)

	outboxItem, err := s.outbox.StageItem(rec)
	if err != nil {
		return err
	}
	writes = append(writes, outboxItem)

	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: writes})
	return s.mapCancellation(err, ErrNotTransitionable)
}

func (s *DynamoStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]Reservation, error) {
	out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
		TableName:        aws.String(s.reservationsTable),
		FilterExpression: aws.String("#st = :reserved AND expires_at < :now"),
		ExpressionAttributeNames: map[string]string{
			"#st": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":reserved": &types.AttributeValueMemberS{Value: string(ReservationReserved)},
			":now":      &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
		Limit: aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, err
	}

	reservations := make([]Reservation, 0, len(out.Items))
	for _, item := range out.Items {
		var dr dynamoReservation
		if err := attributevalue.UnmarshalMap(item, &dr); err != nil {
			return nil, fmt.Errorf("unmarshal reservation: %w", err)
		}
		res, err := dr.toReservation()
		if err != nil {
			return nil, err
		}
		reservations = append(reservations, *res)
	}
	return reservations, nil
}

// counterWrites turns CAS counter updates into conditional transact items.
func (s *DynamoStore) counterWrites(updates []CounterUpdate) []types.TransactWriteItem {
	writes := make([]types.TransactWriteItem, 0, len(updates))
	for _, u := range updates {
		writes = append(writes, types.TransactWriteItem{
			Update: &types.Update{
				TableName: aws.String(s.itemsTable),
				Key: map[string]types.AttributeValue{
					"product_id": &types.AttributeValueMemberS{Value: u.ProductID},
				},
				UpdateExpression:    aws.String("SET available = :a, reserved = :r, allocated = :al, version = :v"),
				ConditionExpression: aws.String("version = :pv"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":a":  &types.AttributeValueMemberN{Value: strconv.Itoa(u.Available)},
					":r":  &types.AttributeValueMemberN{Value: strconv.Itoa(u.Reserved)},
					":al": &types.AttributeValueMemberN{Value: strconv.Itoa(u.Allocated)},
					":v":  &types.AttributeValueMemberN{Value: strconv.FormatInt(u.PriorVersion+1, 10)},
					":pv": &types.AttributeValueMemberN{Value: strconv.FormatInt(u.PriorVersion, 10)},
				},
			},
		})
	}
	return writes
}

// mapCancellation translates a transact cancellation into a domain error:
// the first transact item is always the reservation op, so a conditional
// failure there maps to reservationErr and anywhere else to a counter
// version conflict.
func (s *DynamoStore) mapCancellation(err error, reservationErr error) error {
	if err == nil {
		return nil
	}
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for i, reason := range canceled.CancellationReasons {
			if reason.Code != nil && *reason.Code == "ConditionalCheckFailed" {
				if i == 0 {
					return reservationErr
				}
				return ErrVersionConflict
			}
		}
	}
	return fmt.Errorf("transact write: %w", err)
}

func (dr dynamoReservation) toReservation() (*Reservation, error) {
	var items []event.Item
	if err := json.Unmarshal([]byte(dr.Items), &items); err != nil {
		return nil, fmt.Errorf("unmarshal reservation items: %w", err)
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, dr.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("parse reservation expiry: %w", err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, dr.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse reservation timestamp: %w", err)
	}
	return &Reservation{
		ID:        dr.ID,
		OrderID:   dr.OrderID,
		Items:     items,
		Status:    ReservationStatus(dr.Status),
		ExpiresAt: expiresAt,
		CreatedAt: createdAt,
	}, nil
}
