package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/privacydam/deploy/internal/provider"
)

type BucketConfig struct {
	Bucket            string            `json:"bucket"`
	BlockPublicAccess bool              `json:"blockPublicAccess,omitempty"`
	Tags              map[string]string `json:"tags,omitempty"`
}

type BucketState struct {
	Name string `json:"name"`
	ARN  string `json:"arn"`
}

func bucketARN(name string) string {
	return fmt.Sprintf("arn:aws:s3:::%s", name)
}

func (p *Provider) applyBucket(ctx context.Context, c *clients, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	var prior BucketState
	if _, err := decodePrior(req, &prior); err != nil {
		return nil, err
	}

	if req.DesiredConfigJSON == nil {
		if prior.Name != "" {
			_, err := c.s3.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: &prior.Name})
			if err != nil && !hasCode(err, "NoSuchBucket") {
				return nil, fmt.Errorf("failed to delete bucket %s: %w", prior.Name, err)
			}
		}
		return &provider.ApplyResponse{}, nil
	}

	var desired BucketConfig
	if err := decodeDesired(req, &desired); err != nil {
		return nil, err
	}

	if prior.Name == "" {
		input := &s3.CreateBucketInput{Bucket: &desired.Bucket}
		// us-east-1 rejects an explicit location constraint.
		if p.region != "" && p.region != "us-east-1" {
			input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
				LocationConstraint: types.BucketLocationConstraint(p.region),
			}
		}
		if _, err := c.s3.CreateBucket(ctx, input); err != nil && !hasCode(err, "BucketAlreadyOwnedByYou") {
			return nil, fmt.Errorf("failed to create bucket %s: %w", desired.Bucket, err)
		}
	}

	if desired.BlockPublicAccess {
		if _, err := c.s3.PutPublicAccessBlock(ctx, &s3.PutPublicAccessBlockInput{
			Bucket: &desired.Bucket,
			PublicAccessBlockConfiguration: &types.PublicAccessBlockConfiguration{
				BlockPublicAcls:       aws.Bool(true),
				BlockPublicPolicy:     aws.Bool(true),
				IgnorePublicAcls:      aws.Bool(true),
				RestrictPublicBuckets: aws.Bool(true),
			},
		}); err != nil {
			return nil, fmt.Errorf("failed to block public access on %s: %w", desired.Bucket, err)
		}
	}

	if len(desired.Tags) > 0 {
		tagSet := make([]types.Tag, 0, len(desired.Tags))
		for _, k := range sortedKeys(desired.Tags) {
			tagSet = append(tagSet, types.Tag{Key: aws.String(k), Value: aws.String(desired.Tags[k])})
		}
		if _, err := c.s3.PutBucketTagging(ctx, &s3.PutBucketTaggingInput{
			Bucket:  &desired.Bucket,
			Tagging: &types.Tagging{TagSet: tagSet},
		}); err != nil {
			return nil, fmt.Errorf("failed to tag bucket %s: %w", desired.Bucket, err)
		}
	}

	return respond(BucketState{Name: desired.Bucket, ARN: bucketARN(desired.Bucket)})
}
