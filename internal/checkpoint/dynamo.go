package checkpoint

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// dynamoRecord is the single-table item shape for a checkpoint mirror:
// PK=EPISODE#<id>, SK=CHECKPOINT (adapted from the teacher's
// PODCAST#<id>/METADATA job-tracking layout to episode-checkpoint tracking).
type dynamoRecord struct {
	PK               string   `dynamodbav:"PK"`
	SK               string   `dynamodbav:"SK"`
	EpisodeID        string   `dynamodbav:"episodeId"`
	Stage            string   `dynamodbav:"stage"`
	Progress         float64  `dynamodbav:"progress"`
	CommittedUnitIDs []string `dynamodbav:"committedUnitIds"`
	UpdatedAt        string   `dynamodbav:"updatedAt"`
}

// DynamoMirror is an optional, best-effort secondary copy of the local
// checkpoint file, for multi-host deployments where the filesystem isn't
// shared. It is never authoritative and its failures are never fatal.
type DynamoMirror struct {
	client    *dynamodb.Client
	tableName string
}

// NewDynamoMirror constructs a mirror targeting tableName.
func NewDynamoMirror(client *dynamodb.Client, tableName string) *DynamoMirror {
	return &DynamoMirror{client: client, tableName: tableName}
}

// Put writes rec to DynamoDB. Errors are returned for the caller to log;
// Store.Save logs them and treats them as non-fatal.
func (m *DynamoMirror) Put(ctx context.Context, rec *Record) error {
	item := dynamoRecord{
		PK:               "EPISODE#" + rec.EpisodeID,
		SK:               "CHECKPOINT",
		EpisodeID:        rec.EpisodeID,
		Stage:            string(rec.Stage),
		Progress:         rec.Progress,
		CommittedUnitIDs: rec.CommittedUnitIDs,
		UpdatedAt:        rec.UpdatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("checkpoint mirror: marshal: %w", err)
	}
	if _, err := m.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &m.tableName,
		Item:      av,
	}); err != nil {
		return fmt.Errorf("checkpoint mirror: put: %w", err)
	}
	return nil
}

// Get reads a mirrored record back, mainly for operator inspection and
// tests; the pipeline itself always reads from the local file.
func (m *DynamoMirror) Get(ctx context.Context, episodeID string) (*Record, error) {
	result, err := m.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &m.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: "EPISODE#" + episodeID},
			"SK": &types.AttributeValueMemberS{Value: "CHECKPOINT"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint mirror: get: %w", err)
	}
	if result.Item == nil {
		return nil, nil
	}
	var item dynamoRecord
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("checkpoint mirror: unmarshal: %w", err)
	}
	return &Record{
		EpisodeID:        item.EpisodeID,
		Stage:            Stage(item.Stage),
		Progress:         item.Progress,
		CommittedUnitIDs: item.CommittedUnitIDs,
	}, nil
}
