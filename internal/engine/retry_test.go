package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errThrottled = &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}

func quickPolicy(attempts int) *RetryPolicy {
	return &RetryPolicy{Attempts: attempts, Base: time.Millisecond, Cap: 2 * time.Millisecond}
}

func TestRetryPolicyDo(t *testing.T) {
	tests := []struct {
		name      string
		attempts  int
		failures  int
		err       error
		wantCalls int
		wantErr   string
	}{
		{name: "first try", attempts: 3, failures: 0, err: errThrottled, wantCalls: 1},
		{name: "recovers", attempts: 3, failures: 2, err: errThrottled, wantCalls: 3},
		{name: "exhausted", attempts: 3, failures: 5, err: errThrottled, wantCalls: 3, wantErr: "giving up after 3 attempts"},
		{name: "permanent", attempts: 5, failures: 5, err: errors.New("access denied"), wantCalls: 1, wantErr: "access denied"},
		{name: "zero attempts still tries once", attempts: 0, failures: 5, err: errThrottled, wantCalls: 1, wantErr: "giving up after 1 attempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := quickPolicy(tt.attempts).Do(context.Background(), func(context.Context) error {
				calls++
				if calls <= tt.failures {
					return tt.err
				}
				return nil
			})
			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRetryPolicyOnRetry(t *testing.T) {
	p := quickPolicy(4)
	var seen []int
	p.OnRetry = func(attempt int, wait time.Duration, err error) {
		seen = append(seen, attempt)
		assert.Less(t, wait, 2*time.Millisecond)
		assert.ErrorIs(t, err, errThrottled)
	}
	err := p.Do(context.Background(), func(context.Context) error { return errThrottled })
	require.Error(t, err)
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestRetryPolicyCustomClassifier(t *testing.T) {
	p := quickPolicy(2)
	p.Retryable = func(err error) bool { return err.Error() == "again" }
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("again")
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryPolicyStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &RetryPolicy{Attempts: 5, Base: time.Second, Cap: time.Second}
	calls := 0
	err := p.Do(ctx, func(context.Context) error {
		calls++
		return errThrottled
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestBackoffIsCapped(t *testing.T) {
	p := &RetryPolicy{Base: 10 * time.Millisecond, Cap: 40 * time.Millisecond}
	for attempt := 1; attempt <= 40; attempt++ {
		d := p.backoff(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, 40*time.Millisecond)
	}
	assert.Less(t, p.backoff(1), 10*time.Millisecond)
	assert.Zero(t, (&RetryPolicy{}).backoff(3))
}

func TestOperationTimeout(t *testing.T) {
	e := NewEngine(nil)
	assert.Equal(t, DefaultTimeout, e.operationTimeout("aws:SQS.Queue"))

	e.Timeouts = map[string]time.Duration{"aws:ECS.Service": 45 * time.Minute, "aws:S3.Bucket": 0}
	assert.Equal(t, 45*time.Minute, e.operationTimeout("aws:ECS.Service"))
	assert.Equal(t, DefaultTimeout, e.operationTimeout("aws:S3.Bucket"))
}

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"throttling code", errThrottled, true},
		{"request limit", &smithy.GenericAPIError{Code: "RequestLimitExceeded"}, true},
		{"security group not visible yet", &smithy.GenericAPIError{Code: "InvalidGroup.NotFound"}, true},
		{"role propagation", &smithy.GenericAPIError{Code: "InvalidParameterValueException", Message: "The role defined for the function cannot be assumed by Lambda."}, true},
		{"instance profile propagation", &smithy.GenericAPIError{Code: "InvalidParameterValue", Message: "Invalid IamInstanceProfile name: privacyDAM-EC2-InstanceProfile"}, true},
		{"wrapped", fmt.Errorf("create queue: %w", &smithy.GenericAPIError{Code: "AWS.SimpleQueueService.QueueDeletedRecently"}), true},
		{"validation", &smithy.GenericAPIError{Code: "ValidationError", Message: "Rate exceeded is not a valid name"}, false},
		{"connection reset", errors.New("read tcp: connection reset by peer"), true},
		{"plain message", errors.New("throttled"), false},
		{"cancelled", fmt.Errorf("send: %w", context.Canceled), false},
		{"deadline", fmt.Errorf("send: %w", context.DeadlineExceeded), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransientError(tt.err))
		})
	}
}
