package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type mockDynamo struct {
	putInput    *dynamodb.PutItemInput
	putErr      error
	getInput    *dynamodb.GetItemInput
	getOutput   *dynamodb.GetItemOutput
	updateInput *dynamodb.UpdateItemInput
	deleteInput *dynamodb.DeleteItemInput
}

func (m *mockDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.putInput = in
	if m.putErr != nil {
		return nil, m.putErr
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	m.getInput = in
	if m.getOutput != nil {
		return m.getOutput, nil
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (m *mockDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	m.updateInput = in
	return &dynamodb.UpdateItemOutput{}, nil
}

func (m *mockDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	m.deleteInput = in
	return &dynamodb.DeleteItemOutput{}, nil
}

func TestSendLedgerReserve(t *testing.T) {
	mock := &mockDynamo{}
	ledger := NewSendLedger(mock, "sms_send_ledger", nil)

	fresh, err := ledger.Reserve(context.Background(), "tenant-1", "dk-1", "msg-1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !fresh {
		t.Fatalf("expected fresh claim")
	}
	if mock.putInput == nil {
		t.Fatalf("expected PutItem to be called")
	}
	if expr := mock.putInput.ConditionExpression; expr == nil || *expr != "attribute_not_exists(dedupId)" {
		t.Fatalf("expected condition expression to prevent overwrites, got %v", expr)
	}

	var stored LedgerEntry
	if err := attributevalue.UnmarshalMap(mock.putInput.Item, &stored); err != nil {
		t.Fatalf("unmarshal stored entry: %v", err)
	}
	if stored.DedupID != "tenant-1#dk-1" {
		t.Fatalf("dedup id %q", stored.DedupID)
	}
	if stored.MessageID != "msg-1" {
		t.Fatalf("message id %q", stored.MessageID)
	}
	if stored.ExpiresAt <= time.Now().Unix() {
		t.Fatal("expected TTL to be in the future")
	}
}

func TestSendLedgerReserveDuplicate(t *testing.T) {
	mock := &mockDynamo{putErr: &types.ConditionalCheckFailedException{}}
	ledger := NewSendLedger(mock, "sms_send_ledger", nil)

	fresh, err := ledger.Reserve(context.Background(), "tenant-1", "dk-1", "msg-1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if fresh {
		t.Fatalf("expected duplicate claim to report not fresh")
	}
}

func TestSendLedgerRecordResult(t *testing.T) {
	mock := &mockDynamo{}
	ledger := NewSendLedger(mock, "sms_send_ledger", nil)

	if err := ledger.RecordResult(context.Background(), "tenant-1", "dk-1", "SM99"); err != nil {
		t.Fatalf("record result: %v", err)
	}
	if mock.updateInput == nil {
		t.Fatalf("expected UpdateItem to be called")
	}
	if expr := mock.updateInput.UpdateExpression; expr == nil || *expr != "SET providerRef = :ref" {
		t.Fatalf("update expression %v", expr)
	}
	ref, ok := mock.updateInput.ExpressionAttributeValues[":ref"].(*types.AttributeValueMemberS)
	if !ok || ref.Value != "SM99" {
		t.Fatalf("unexpected :ref value %v", mock.updateInput.ExpressionAttributeValues[":ref"])
	}
}

func TestSendLedgerLookup(t *testing.T) {
	item, err := attributevalue.MarshalMap(LedgerEntry{
		DedupID:     "tenant-1#dk-1",
		TenantID:    "tenant-1",
		MessageID:   "msg-1",
		ProviderRef: "SM99",
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	mock := &mockDynamo{getOutput: &dynamodb.GetItemOutput{Item: item}}
	ledger := NewSendLedger(mock, "sms_send_ledger", nil)

	entry, ok, err := ledger.Lookup(context.Background(), "tenant-1", "dk-1")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !ok {
		t.Fatalf("expected claim to exist")
	}
	if entry.ProviderRef != "SM99" || entry.MessageID != "msg-1" {
		t.Fatalf("unexpected entry %+v", entry)
	}

	mock.getOutput = &dynamodb.GetItemOutput{}
	if _, ok, err := ledger.Lookup(context.Background(), "tenant-1", "dk-2"); err != nil || ok {
		t.Fatalf("expected missing claim, ok=%v err=%v", ok, err)
	}
}

func TestSendLedgerRelease(t *testing.T) {
	mock := &mockDynamo{}
	ledger := NewSendLedger(mock, "sms_send_ledger", nil)

	if err := ledger.Release(context.Background(), "tenant-1", "dk-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if mock.deleteInput == nil {
		t.Fatalf("expected DeleteItem to be called")
	}
	key, ok := mock.deleteInput.Key["dedupId"].(*types.AttributeValueMemberS)
	if !ok || key.Value != "tenant-1#dk-1" {
		t.Fatalf("unexpected delete key %v", mock.deleteInput.Key)
	}
}
