package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/nevermiss-ai/textback-platform/pkg/logging"
)

// Ledger entries outlive the 6-attempt outbox retry budget by a wide margin,
// then age out via the table's TTL attribute.
const sendLedgerTTL = 30 * 24 * time.Hour

type ledgerDynamoAPI interface {
	PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(context.Context, *dynamodb.UpdateItemInput, ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(context.Context, *dynamodb.DeleteItemInput, ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// LedgerEntry is one claimed dedup key.
type LedgerEntry struct {
	DedupID     string `dynamodbav:"dedupId"`
	TenantID    string `dynamodbav:"tenantId"`
	MessageID   string `dynamodbav:"messageId"`
	ProviderRef string `dynamodbav:"providerRef,omitempty"`
	ReservedAt  string `dynamodbav:"reservedAt"`
	ExpiresAt   int64  `dynamodbav:"expiresAt"`
}

// SendLedger claims outbound dedup keys in DynamoDB so outbox redeliveries
// never reach a provider twice. The outbox guarantees at-least-once
// dispatch; this ledger is what turns that into at-most-one actual SMS.
type SendLedger struct {
	client    ledgerDynamoAPI
	tableName string
	logger    *logging.Logger
}

// NewSendLedger builds a ledger backed by the provided DynamoDB client.
func NewSendLedger(client ledgerDynamoAPI, tableName string, logger *logging.Logger) *SendLedger {
	if client == nil {
		panic("messaging: dynamodb client cannot be nil")
	}
	if tableName == "" {
		panic("messaging: ledger table name cannot be empty")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SendLedger{
		client:    client,
		tableName: tableName,
		logger:    logger,
	}
}

func ledgerKey(tenantID, dedupKey string) string {
	return tenantID + "#" + dedupKey
}

// Reserve claims the dedup key for this send attempt. False means an
// earlier attempt already claimed it and the caller must not send again.
func (l *SendLedger) Reserve(ctx context.Context, tenantID, dedupKey, messageID string) (bool, error) {
	now := time.Now().UTC()
	item, err := attributevalue.MarshalMap(LedgerEntry{
		DedupID:    ledgerKey(tenantID, dedupKey),
		TenantID:   tenantID,
		MessageID:  messageID,
		ReservedAt: now.Format(time.RFC3339Nano),
		ExpiresAt:  now.Add(sendLedgerTTL).Unix(),
	})
	if err != nil {
		return false, fmt.Errorf("messaging: marshal ledger entry: %w", err)
	}

	_, err = l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(l.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(dedupId)"),
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return false, nil
		}
		return false, fmt.Errorf("messaging: reserve send: %w", err)
	}
	return true, nil
}

// RecordResult attaches the provider ref to an existing claim so replayed
// events can finish marking the stored message without resending.
func (l *SendLedger) RecordResult(ctx context.Context, tenantID, dedupKey, providerRef string) error {
	_, err := l.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(l.tableName),
		Key: map[string]types.AttributeValue{
			"dedupId": &types.AttributeValueMemberS{Value: ledgerKey(tenantID, dedupKey)},
		},
		UpdateExpression: aws.String("SET providerRef = :ref"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ref": &types.AttributeValueMemberS{Value: providerRef},
		},
	})
	if err != nil {
		return fmt.Errorf("messaging: record send result: %w", err)
	}
	return nil
}

// Lookup fetches an existing claim. The second return is false when no
// claim exists.
func (l *SendLedger) Lookup(ctx context.Context, tenantID, dedupKey string) (LedgerEntry, bool, error) {
	out, err := l.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(l.tableName),
		Key: map[string]types.AttributeValue{
			"dedupId": &types.AttributeValueMemberS{Value: ledgerKey(tenantID, dedupKey)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return LedgerEntry{}, false, fmt.Errorf("messaging: lookup send claim: %w", err)
	}
	if len(out.Item) == 0 {
		return LedgerEntry{}, false, nil
	}
	var entry LedgerEntry
	if err := attributevalue.UnmarshalMap(out.Item, &entry); err != nil {
		return LedgerEntry{}, false, fmt.Errorf("messaging: unmarshal send claim: %w", err)
	}
	return entry, true, nil
}

// Release frees the key after a failed provider call so a later retry can
// claim it again.
func (l *SendLedger) Release(ctx context.Context, tenantID, dedupKey string) error {
	_, err := l.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(l.tableName),
		Key: map[string]types.AttributeValue{
			"dedupId": &types.AttributeValueMemberS{Value: ledgerKey(tenantID, dedupKey)},
		},
	})
	if err != nil {
		return fmt.Errorf("messaging: release send claim: %w", err)
	}
	return nil
}
