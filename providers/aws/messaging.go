package aws

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/privacydam/deploy/internal/provider"
)

type QueueConfig struct {
	QueueName                 string            `json:"queueName"`
	FifoQueue                 bool              `json:"fifoQueue,omitempty"`
	ContentBasedDeduplication bool              `json:"contentBasedDeduplication,omitempty"`
	MessageRetentionPeriod    int32             `json:"messageRetentionPeriod,omitempty"`
	VisibilityTimeout         int32             `json:"visibilityTimeout,omitempty"`
	Tags                      map[string]string `json:"tags,omitempty"`
}

type QueueState struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	ARN  string `json:"arn"`
}

// queueAttributes renders the SQS attribute map. FifoQueue is settable only
// at creation, so it is left out when create is false.
func queueAttributes(q *QueueConfig, create bool) map[string]string {
	attrs := map[string]string{}
	if q.MessageRetentionPeriod > 0 {
		attrs[string(types.QueueAttributeNameMessageRetentionPeriod)] = strconv.Itoa(int(q.MessageRetentionPeriod))
	}
	if q.VisibilityTimeout > 0 {
		attrs[string(types.QueueAttributeNameVisibilityTimeout)] = strconv.Itoa(int(q.VisibilityTimeout))
	}
	if q.FifoQueue {
		if create {
			attrs[string(types.QueueAttributeNameFifoQueue)] = "true"
		}
		attrs[string(types.QueueAttributeNameContentBasedDeduplication)] = strconv.FormatBool(q.ContentBasedDeduplication)
	}
	return attrs
}

func applyQueue(ctx context.Context, c *clients, req *provider.ApplyRequest) (*provider.ApplyResponse, error) {
	var prior QueueState
	if _, err := decodePrior(req, &prior); err != nil {
		return nil, err
	}

	if req.DesiredConfigJSON == nil {
		if prior.URL != "" {
			_, err := c.sqs.DeleteQueue(ctx, &sqs.DeleteQueueInput{QueueUrl: &prior.URL})
			if err != nil && !hasCode(err, "AWS.SimpleQueueService.NonExistentQueue", "QueueDoesNotExist") {
				return nil, fmt.Errorf("failed to delete queue %s: %w", prior.Name, err)
			}
		}
		return &provider.ApplyResponse{}, nil
	}

	var desired QueueConfig
	if err := decodeDesired(req, &desired); err != nil {
		return nil, err
	}

	url := prior.URL
	if url == "" {
		resp, err := c.sqs.CreateQueue(ctx, &sqs.CreateQueueInput{
			QueueName:  &desired.QueueName,
			Attributes: queueAttributes(&desired, true),
			Tags:       desired.Tags,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create queue %s: %w", desired.QueueName, err)
		}
		url = aws.ToString(resp.QueueUrl)
	} else {
		if _, err := c.sqs.SetQueueAttributes(ctx, &sqs.SetQueueAttributesInput{
			QueueUrl:   &url,
			Attributes: queueAttributes(&desired, false),
		}); err != nil {
			return nil, fmt.Errorf("failed to update queue %s: %w", desired.QueueName, err)
		}
		if len(desired.Tags) > 0 {
			if _, err := c.sqs.TagQueue(ctx, &sqs.TagQueueInput{QueueUrl: &url, Tags: desired.Tags}); err != nil {
				return nil, fmt.Errorf("failed to tag queue %s: %w", desired.QueueName, err)
			}
		}
	}

	out, err := c.sqs.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       &url,
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read queue %s: %w", desired.QueueName, err)
	}

	return respond(QueueState{
		Name: desired.QueueName,
		URL:  url,
		ARN:  out.Attributes[string(types.QueueAttributeNameQueueArn)],
	})
}
