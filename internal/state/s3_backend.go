package state

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/privacydam/deploy/internal/ir"
	"github.com/privacydam/deploy/internal/logging"
)

const defaultS3Key = "privacydam/state.json"

// ObjectStore is the part of the S3 API the backend uses.
type ObjectStore interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// LockTable is the part of the DynamoDB API the backend uses.
type LockTable interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// S3Backend stores state in S3 with optional DynamoDB locking.
type S3Backend struct {
	cfg    S3BackendConfig
	s3     ObjectStore
	locks  LockTable
	lockID string
}

func newS3Backend(ctx context.Context, cfg *S3BackendConfig) (*S3Backend, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 backend: unable to load AWS config: %w", err)
	}

	var locks LockTable
	if cfg.DynamoDBTable != "" {
		locks = dynamodb.NewFromConfig(awsCfg)
	}
	return NewS3Backend(*cfg, s3.NewFromConfig(awsCfg), locks), nil
}

// NewS3Backend wires a backend to the given clients. locks may be nil when
// cfg names no table.
func NewS3Backend(cfg S3BackendConfig, objects ObjectStore, locks LockTable) *S3Backend {
	if cfg.Key == "" {
		cfg.Key = defaultS3Key
	}
	return &S3Backend{cfg: cfg, s3: objects, locks: locks}
}

func (b *S3Backend) Location() string {
	return fmt.Sprintf("s3://%s/%s", b.cfg.Bucket, b.cfg.Key)
}

func (b *S3Backend) Read(ctx context.Context) (*ir.State, error) {
	result, err := b.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(b.cfg.Key),
	})
	if err != nil {
		if isNotFound(err) {
			return Empty(), nil
		}
		return nil, fmt.Errorf("failed to read state from %s: %w", b.Location(), err)
	}
	defer result.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(result.Body); err != nil {
		return nil, fmt.Errorf("failed to read S3 object body: %w", err)
	}

	state, err := Decode(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to parse remote state: %w", err)
	}
	return state, nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func (b *S3Backend) Write(ctx context.Context, state *ir.State) error {
	content, err := Encode(state)
	if err != nil {
		return err
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(b.cfg.Bucket),
		Key:         aws.String(b.cfg.Key),
		Body:        bytes.NewReader(content),
		ContentType: aws.String("application/json"),
	}
	if b.cfg.Encrypt {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAes256
	}

	if _, err := b.s3.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to write state to %s: %w", b.Location(), err)
	}
	return nil
}

func (b *S3Backend) Lock(ctx context.Context) error {
	if b.locks == nil || b.cfg.DynamoDBTable == "" {
		logging.Debug("state lock skipped, no table configured", "location", b.Location())
		return nil
	}

	info := newLockInfo()
	b.lockID = info.ID

	_, err := b.locks.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.cfg.DynamoDBTable),
		Item: map[string]dbtypes.AttributeValue{
			"LockID":  &dbtypes.AttributeValueMemberS{Value: b.lockKey()},
			"Info":    &dbtypes.AttributeValueMemberS{Value: b.lockID},
			"Holder":  &dbtypes.AttributeValueMemberS{Value: info.Holder},
			"Created": &dbtypes.AttributeValueMemberS{Value: info.Created.Format(time.RFC3339)},
		},
		ConditionExpression: aws.String("attribute_not_exists(LockID)"),
	})
	if err != nil {
		var ccf *dbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return fmt.Errorf("%w: delete the item with LockID=%q from DynamoDB table %q if that run is gone",
				ErrLocked, b.lockKey(), b.cfg.DynamoDBTable)
		}
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	return nil
}

func (b *S3Backend) Unlock(ctx context.Context) error {
	if b.locks == nil || b.cfg.DynamoDBTable == "" {
		return nil
	}

	_, err := b.locks.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(b.cfg.DynamoDBTable),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: b.lockKey()},
		},
		ConditionExpression:       aws.String("Info = :id"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{":id": &dbtypes.AttributeValueMemberS{Value: b.lockID}},
	})
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

func (b *S3Backend) lockKey() string {
	return b.cfg.Bucket + "/" + b.cfg.Key
}
