package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	geoconfig "github.com/dbsmedya/geomatch/internal/config"
)

// Head tracks the newest snapshot of each run. Advance must fail with
// ErrHeadConflict unless ref.Sequence is greater than the current one.
type Head interface {
	Get(ctx context.Context, runID string) (Ref, bool, error)
	Advance(ctx context.Context, runID string, ref Ref) error
}

// FileHead keeps a HEAD-<run> file per run next to the snapshots.
type FileHead struct {
	dir string
	mu  sync.Mutex
}

// NewFileHead creates a FileHead in dir.
func NewFileHead(dir string) *FileHead {
	return &FileHead{dir: dir}
}

func (h *FileHead) path(runID string) string {
	return filepath.Join(h.dir, "HEAD-"+runID)
}

// Get implements Head.
func (h *FileHead) Get(ctx context.Context, runID string) (Ref, bool, error) {
	b, err := os.ReadFile(h.path(runID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Ref{}, false, nil
		}
		return Ref{}, false, err
	}
	var ref Ref
	if err := json.Unmarshal(b, &ref); err != nil {
		return Ref{}, false, fmt.Errorf("invalid head for run %s: %w", runID, err)
	}
	return ref, true, nil
}

// Advance implements Head.
func (h *FileHead) Advance(ctx context.Context, runID string, ref Ref) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	cur, found, err := h.Get(ctx, runID)
	if err != nil {
		return err
	}
	if found && cur.Sequence >= ref.Sequence {
		return fmt.Errorf("%w: run %s is at %d", ErrHeadConflict, runID, cur.Sequence)
	}
	b, err := json.Marshal(ref)
	if err != nil {
		return err
	}
	return writeFileAtomic(h.path(runID), b)
}

// DDBClient is the subset of the DynamoDB API the head uses.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoDBHead keeps heads in a DynamoDB table as an append-only log of
// (run_id, sequence) items. A conditional put on a new sequence is the
// compare-and-swap that lets machines share one snapshot chain.
//
// Table schema:
//   - Partition key: run_id (string)
//   - Sort key: sequence (number)
//
//	aws dynamodb create-table \
//	  --table-name geomatch-heads \
//	  --attribute-definitions AttributeName=run_id,AttributeType=S AttributeName=sequence,AttributeType=N \
//	  --key-schema AttributeName=run_id,KeyType=HASH AttributeName=sequence,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type DynamoDBHead struct {
	client DDBClient
	table  string
}

// NewDynamoDBHead wraps a client.
func NewDynamoDBHead(client DDBClient, table string) *DynamoDBHead {
	return &DynamoDBHead{client: client, table: table}
}

// NewDynamoDBHeadFromConfig builds a client from the default AWS credential
// chain.
func NewDynamoDBHeadFromConfig(ctx context.Context, cfg geoconfig.DynamoDBConfig) (*DynamoDBHead, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewDynamoDBHead(client, cfg.Table), nil
}

// Get implements Head.
func (h *DynamoDBHead) Get(ctx context.Context, runID string) (Ref, bool, error) {
	resp, err := h.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(h.table),
		KeyConditionExpression: aws.String("run_id = :run"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":run": &ddbtypes.AttributeValueMemberS{Value: runID},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return Ref{}, false, fmt.Errorf("failed to query DynamoDB: %w", err)
	}
	if len(resp.Items) == 0 {
		return Ref{}, false, nil
	}

	item := resp.Items[0]
	seqAttr, ok := item["sequence"].(*ddbtypes.AttributeValueMemberN)
	if !ok {
		return Ref{}, false, errors.New("invalid sequence attribute in DynamoDB")
	}
	idAttr, ok := item["snapshot_id"].(*ddbtypes.AttributeValueMemberS)
	if !ok {
		return Ref{}, false, errors.New("invalid snapshot_id attribute in DynamoDB")
	}
	seq, err := strconv.Atoi(seqAttr.Value)
	if err != nil {
		return Ref{}, false, fmt.Errorf("failed to parse sequence: %w", err)
	}
	return Ref{ID: idAttr.Value, Sequence: seq}, true, nil
}

// Advance implements Head.
func (h *DynamoDBHead) Advance(ctx context.Context, runID string, ref Ref) error {
	cur, found, err := h.Get(ctx, runID)
	if err != nil {
		return err
	}
	if found && cur.Sequence >= ref.Sequence {
		return fmt.Errorf("%w: run %s is at %d", ErrHeadConflict, runID, cur.Sequence)
	}

	_, err = h.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(h.table),
		Item: map[string]ddbtypes.AttributeValue{
			"run_id":      &ddbtypes.AttributeValueMemberS{Value: runID},
			"sequence":    &ddbtypes.AttributeValueMemberN{Value: strconv.Itoa(ref.Sequence)},
			"snapshot_id": &ddbtypes.AttributeValueMemberS{Value: ref.ID},
		},
		ConditionExpression: aws.String("attribute_not_exists(#seq)"),
		ExpressionAttributeNames: map[string]string{
			"#seq": "sequence",
		},
	})
	if err != nil {
		var condErr *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return fmt.Errorf("%w: run %s sequence %d", ErrHeadConflict, runID, ref.Sequence)
		}
		return fmt.Errorf("failed to advance head in DynamoDB: %w", err)
	}
	return nil
}
