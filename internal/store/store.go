package store

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Key layout within the single table (partition key "pk"):
//
//	tenant#<id>    -> TenantConfig
//	heartbeat#<id> -> RFC3339 timestamp, written by the tenant's own workload
//	activity#<id>  -> RFC3339 timestamp, written on user-facing traffic
//	routing#<key>  -> tenant id (legacy bot-token reverse lookup)
//
// All writes are overwrite-by-key; last-write-wins is acceptable for every
// record type here. Reads may lag writes by the store's propagation delay,
// which is why liveness thresholds are wide (see the heartbeat package).
const (
	tenantPrefix    = "tenant#"
	heartbeatPrefix = "heartbeat#"
	activityPrefix  = "activity#"
	routingPrefix   = "routing#"
)

// TenantConfig is the durable per-tenant configuration blob.
type TenantConfig struct {
	TenantID  string    `dynamodbav:"tenant_id" json:"tenantId"`
	BotToken  string    `dynamodbav:"bot_token,omitempty" json:"botToken,omitempty"`
	UserID    string    `dynamodbav:"user_id,omitempty" json:"userId,omitempty"`
	CreatedAt time.Time `dynamodbav:"created_at" json:"createdAt"`
}

// Store is the interface to the shared tenant store. Missing records are
// (nil, nil) or (zero time, nil), never errors.
type Store interface {
	GetTenant(ctx context.Context, tenantID string) (*TenantConfig, error)
	PutTenant(ctx context.Context, cfg *TenantConfig) error
	// ListTenants returns one page of tenant configs plus the cursor for the
	// next page ("" when the listing is exhausted).
	ListTenants(ctx context.Context, cursor string, limit int32) ([]*TenantConfig, string, error)

	ResolveRoutingKey(ctx context.Context, key string) (string, error)
	PutRoutingKey(ctx context.Context, key, tenantID string) error

	RecordHeartbeat(ctx context.Context, tenantID string, at time.Time) error
	GetHeartbeat(ctx context.Context, tenantID string) (time.Time, error)

	TouchActivity(ctx context.Context, tenantID string, at time.Time) error
	GetActivity(ctx context.Context, tenantID string) (time.Time, error)
}

// DynamoStore implements Store on a single DynamoDB table.
type DynamoStore struct {
	db        *dynamodb.Client
	tableName string
}

// New creates a DynamoDB-backed store.
func New(db *dynamodb.Client, tableName string) *DynamoStore {
	return &DynamoStore{db: db, tableName: tableName}
}

type tenantItem struct {
	PK string `dynamodbav:"pk"`
	TenantConfig
}

type timestampItem struct {
	PK string `dynamodbav:"pk"`
	At string `dynamodbav:"at"`
}

type routingItem struct {
	PK       string `dynamodbav:"pk"`
	TenantID string `dynamodbav:"tenant_id"`
}

// GetTenant fetches a tenant config by ID.
func (s *DynamoStore) GetTenant(ctx context.Context, tenantID string) (*TenantConfig, error) {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       pkKey(tenantPrefix + tenantID),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb GetItem: %w", err)
	}
	if out.Item == nil {
		return nil, nil
	}
	var item tenantItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal tenant: %w", err)
	}
	return &item.TenantConfig, nil
}

// PutTenant stores a tenant config, overwriting any previous version.
func (s *DynamoStore) PutTenant(ctx context.Context, cfg *TenantConfig) error {
	item, err := attributevalue.MarshalMap(tenantItem{
		PK:           tenantPrefix + cfg.TenantID,
		TenantConfig: *cfg,
	})
	if err != nil {
		return fmt.Errorf("marshal tenant: %w", err)
	}
	_, err = s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("dynamodb PutItem: %w", err)
	}
	return nil
}

// ListTenants scans one page of tenant configs. The cursor is the partition
// key of the last item of the previous page.
func (s *DynamoStore) ListTenants(ctx context.Context, cursor string, limit int32) ([]*TenantConfig, string, error) {
	in := &dynamodb.ScanInput{
		TableName:        aws.String(s.tableName),
		FilterExpression: aws.String("begins_with(pk, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prefix": &types.AttributeValueMemberS{Value: tenantPrefix},
		},
	}
	if limit > 0 {
		in.Limit = aws.Int32(limit)
	}
	if cursor != "" {
		in.ExclusiveStartKey = pkKey(cursor)
	}
	out, err := s.db.Scan(ctx, in)
	if err != nil {
		return nil, "", fmt.Errorf("dynamodb Scan: %w", err)
	}
	var configs []*TenantConfig
	for _, raw := range out.Items {
		var item tenantItem
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			continue
		}
		cfg := item.TenantConfig
		configs = append(configs, &cfg)
	}
	next := ""
	if out.LastEvaluatedKey != nil {
		if pk, ok := out.LastEvaluatedKey["pk"].(*types.AttributeValueMemberS); ok {
			next = pk.Value
		}
	}
	return configs, next, nil
}

// ResolveRoutingKey maps a legacy routing key (bot token) to a tenant ID.
// Returns "" if no mapping exists.
func (s *DynamoStore) ResolveRoutingKey(ctx context.Context, key string) (string, error) {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       pkKey(routingPrefix + key),
	})
	if err != nil {
		return "", fmt.Errorf("dynamodb GetItem: %w", err)
	}
	if out.Item == nil {
		return "", nil
	}
	var item routingItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return "", fmt.Errorf("unmarshal routing: %w", err)
	}
	return item.TenantID, nil
}

// PutRoutingKey stores the reverse mapping routing key -> tenant ID.
func (s *DynamoStore) PutRoutingKey(ctx context.Context, key, tenantID string) error {
	item, err := attributevalue.MarshalMap(routingItem{
		PK:       routingPrefix + key,
		TenantID: tenantID,
	})
	if err != nil {
		return fmt.Errorf("marshal routing: %w", err)
	}
	_, err = s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	return err
}

// RecordHeartbeat unconditionally overwrites the heartbeat timestamp.
func (s *DynamoStore) RecordHeartbeat(ctx context.Context, tenantID string, at time.Time) error {
	return s.putTimestamp(ctx, heartbeatPrefix+tenantID, at)
}

// GetHeartbeat returns the stored heartbeat timestamp, zero if none exists.
func (s *DynamoStore) GetHeartbeat(ctx context.Context, tenantID string) (time.Time, error) {
	return s.getTimestamp(ctx, heartbeatPrefix+tenantID)
}

// TouchActivity overwrites the last-activity timestamp.
func (s *DynamoStore) TouchActivity(ctx context.Context, tenantID string, at time.Time) error {
	return s.putTimestamp(ctx, activityPrefix+tenantID, at)
}

// GetActivity returns the last-activity timestamp, zero if none exists.
func (s *DynamoStore) GetActivity(ctx context.Context, tenantID string) (time.Time, error) {
	return s.getTimestamp(ctx, activityPrefix+tenantID)
}

func (s *DynamoStore) putTimestamp(ctx context.Context, pk string, at time.Time) error {
	item, err := attributevalue.MarshalMap(timestampItem{
		PK: pk,
		At: at.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("marshal timestamp: %w", err)
	}
	_, err = s.db.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("dynamodb PutItem: %w", err)
	}
	return nil
}

func (s *DynamoStore) getTimestamp(ctx context.Context, pk string) (time.Time, error) {
	out, err := s.db.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key:       pkKey(pk),
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("dynamodb GetItem: %w", err)
	}
	if out.Item == nil {
		return time.Time{}, nil
	}
	var item timestampItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return time.Time{}, fmt.Errorf("unmarshal timestamp: %w", err)
	}
	ts, err := time.Parse(time.RFC3339, item.At)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", item.At, err)
	}
	return ts, nil
}

func pkKey(pk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: pk},
	}
}
