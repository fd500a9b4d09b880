package topology

import (
	"github.com/privacydam/deploy/internal/names"
	"github.com/privacydam/deploy/internal/token"
	awsprov "github.com/privacydam/deploy/providers/aws"
)

const (
	queueRetentionSeconds  = 86400
	queueVisibilitySeconds = 60
)

// Queue is the declared process queue.
type Queue struct {
	Name token.Value
	URL  token.Value
	ARN  token.Value
}

func declareQueue(s *Stack) (Queue, error) {
	_, err := s.Add(awsprov.TypeQueue, names.Queue, awsprov.QueueConfig{
		QueueName:                 names.Queue,
		FifoQueue:                 true,
		ContentBasedDeduplication: true,
		MessageRetentionPeriod:    queueRetentionSeconds,
		VisibilityTimeout:         queueVisibilitySeconds,
	})
	if err != nil {
		return Queue{}, err
	}
	return Queue{
		Name: attr(awsprov.TypeQueue, names.Queue, "name"),
		URL:  attr(awsprov.TypeQueue, names.Queue, "url"),
		ARN:  attr(awsprov.TypeQueue, names.Queue, "arn"),
	}, nil
}

// Bucket is the declared archiving bucket.
type Bucket struct {
	Name token.Value
	ARN  token.Value
}

func declareBucket(s *Stack) (Bucket, error) {
	_, err := s.Add(awsprov.TypeBucket, names.Bucket, awsprov.BucketConfig{
		Bucket:            names.Bucket,
		BlockPublicAccess: true,
	})
	if err != nil {
		return Bucket{}, err
	}
	return Bucket{
		Name: attr(awsprov.TypeBucket, names.Bucket, "name"),
		ARN:  attr(awsprov.TypeBucket, names.Bucket, "arn"),
	}, nil
}
