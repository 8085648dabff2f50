package refs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/merkledb/node"
)

// DynamoDBClient is the subset of the DynamoDB API the tracker uses,
// satisfied by *dynamodb.Client.
type DynamoDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoDBTracker persists root references in a DynamoDB table, using
// conditional writes for the compare-and-set advance. This makes the
// tracker safe for writers on different machines sharing a blob store.
//
// Table schema:
//   - Partition key: table_name (S)
//   - Sort key: seq (N)
//
// Create with:
//
//	aws dynamodb create-table \
//	  --table-name merkledb-refs \
//	  --attribute-definitions AttributeName=table_name,AttributeType=S AttributeName=seq,AttributeType=N \
//	  --key-schema AttributeName=table_name,KeyType=HASH AttributeName=seq,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type DynamoDBTracker struct {
	client    DynamoDBClient
	tableName string
}

// NewDynamoDBTracker wraps a DynamoDB client and table name.
func NewDynamoDBTracker(client DynamoDBClient, tableName string) *DynamoDBTracker {
	return &DynamoDBTracker{client: client, tableName: tableName}
}

// latest fetches the newest version row. Seq 0 means never advanced.
func (t *DynamoDBTracker) latest(ctx context.Context, name string) (Version, error) {
	out, err := t.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(t.tableName),
		KeyConditionExpression: aws.String("table_name = :n"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":n": &types.AttributeValueMemberS{Value: name},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
	})
	if err != nil {
		return Version{}, err
	}
	if len(out.Items) == 0 {
		return Version{}, nil
	}
	return itemVersion(out.Items[0])
}

func (t *DynamoDBTracker) Current(ctx context.Context, name string) (node.Digest, bool, error) {
	v, err := t.latest(ctx, name)
	if err != nil {
		return node.Digest{}, false, err
	}
	if v.Seq == 0 {
		return node.Digest{}, false, nil
	}
	return v.Root, true, nil
}

func (t *DynamoDBTracker) Advance(ctx context.Context, name string, old, new node.Digest) error {
	head, err := t.latest(ctx, name)
	if err != nil {
		return err
	}
	if head.Root != old {
		return fmt.Errorf("%w: %q is at %s, not %s", ErrConcurrentAdvance, name, head.Root, old)
	}

	next := head.Seq + 1
	_, err = t.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(t.tableName),
		Item: map[string]types.AttributeValue{
			"table_name": &types.AttributeValueMemberS{Value: name},
			"seq":        &types.AttributeValueMemberN{Value: strconv.FormatInt(next, 10)},
			"root":       &types.AttributeValueMemberS{Value: new.String()},
			"time":       &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
		},
		// The row for this sequence must not exist yet; a losing writer
		// trips this condition instead of overwriting history.
		ConditionExpression: aws.String("attribute_not_exists(table_name)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("%w: %q version %d already written", ErrConcurrentAdvance, name, next)
		}
		return err
	}
	return nil
}

func (t *DynamoDBTracker) History(ctx context.Context, name string) ([]Version, error) {
	var out []Version
	var start map[string]types.AttributeValue
	for {
		page, err := t.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(t.tableName),
			KeyConditionExpression: aws.String("table_name = :n"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":n": &types.AttributeValueMemberS{Value: name},
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			v, err := itemVersion(item)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		if page.LastEvaluatedKey == nil {
			break
		}
		start = page.LastEvaluatedKey
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	return out, nil
}

func itemVersion(item map[string]types.AttributeValue) (Version, error) {
	var v Version

	seqAttr, ok := item["seq"].(*types.AttributeValueMemberN)
	if !ok {
		return Version{}, errors.New("refs: version row missing seq")
	}
	seq, err := strconv.ParseInt(seqAttr.Value, 10, 64)
	if err != nil {
		return Version{}, err
	}
	v.Seq = seq

	rootAttr, ok := item["root"].(*types.AttributeValueMemberS)
	if !ok {
		return Version{}, errors.New("refs: version row missing root")
	}
	if v.Root, err = node.ParseDigest(rootAttr.Value); err != nil {
		return Version{}, err
	}

	if timeAttr, ok := item["time"].(*types.AttributeValueMemberS); ok {
		if ts, err := time.Parse(time.RFC3339Nano, timeAttr.Value); err == nil {
			v.Time = ts
		}
	}
	return v, nil
}
