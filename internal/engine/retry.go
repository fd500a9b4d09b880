package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/aws/smithy-go"
)

// DefaultTimeout bounds one resource operation, retries included, when its
// type has no timeout of its own.
const DefaultTimeout = 20 * time.Minute

// RetryPolicy retries transient cloud API errors with capped exponential
// backoff and full jitter.
type RetryPolicy struct {
	Attempts int // total tries; below 1 means a single try
	Base     time.Duration
	Cap      time.Duration

	// Retryable decides whether an error is worth another try.
	// IsTransientError when nil.
	Retryable func(error) bool

	// OnRetry, if set, is told about each failed try before the wait.
	OnRetry func(attempt int, wait time.Duration, err error)
}

func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		Attempts: 6,
		Base:     2 * time.Second,
		Cap:      30 * time.Second,
	}
}

// Do runs op until it succeeds, fails permanently, runs out of attempts or
// ctx ends.
func (p *RetryPolicy) Do(ctx context.Context, op func(context.Context) error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTransientError
	}
	attempts := max(p.Attempts, 1)

	var err error
	for attempt := 1; ; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		if attempt == attempts {
			return fmt.Errorf("giving up after %d attempts: %w", attempts, err)
		}

		if ctx.Err() != nil {
			return fmt.Errorf("retry interrupted: %w (last error: %v)", ctx.Err(), err)
		}

		wait := p.backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry interrupted: %w (last error: %v)", ctx.Err(), err)
		case <-timer.C:
		}
	}
}

// backoff picks a wait in [0, min(Cap, Base*2^(attempt-1))).
func (p *RetryPolicy) backoff(attempt int) time.Duration {
	ceiling := p.Cap
	if shift := attempt - 1; shift < 32 {
		if d := p.Base << shift; d > 0 && (ceiling <= 0 || d < ceiling) {
			ceiling = d
		}
	}
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(ceiling)))
}

// operationTimeout returns the deadline budget for one operation on typ.
func (e *Engine) operationTimeout(typ string) time.Duration {
	if d, ok := e.Timeouts[typ]; ok && d > 0 {
		return d
	}
	return DefaultTimeout
}

var transientCodes = map[string]bool{
	"Throttling":                                  true,
	"ThrottlingException":                         true,
	"ThrottledException":                          true,
	"RequestLimitExceeded":                        true,
	"TooManyRequestsException":                    true,
	"ServiceUnavailable":                          true,
	"ServiceUnavailableException":                 true,
	"InternalError":                               true,
	"InternalFailure":                             true,
	"ResourceConflictException":                   true,
	"OperationAbortedException":                   true,
	"ConcurrentModificationException":             true,
	"InvalidGroup.NotFound":                       true, // eventual consistency after create
	"DependencyViolation":                         true, // network interfaces still detaching
	"ResourceInUse":                               true, // target group still attached to a listener
	"AWS.SimpleQueueService.QueueDeletedRecently": true,
}

// Newly created IAM roles take a few seconds before other services accept them.
var propagationMessages = []string{
	"cannot be assumed by lambda",
	"role defined for the function cannot be assumed",
	"unable to assume role",
	"invalid iaminstanceprofile",
	"does not have sufficient permissions",
}

var networkMessages = []string{
	"connection reset",
	"connection refused",
	"tls handshake",
	"i/o timeout",
	"temporary failure in name resolution",
}

// IsTransientError reports whether err is likely to go away on its own.
// AWS API errors are judged by code and propagation messages; other errors
// only count when they look like a network hiccup.
func IsTransientError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if transientCodes[apiErr.ErrorCode()] {
			return true
		}
		msg := strings.ToLower(apiErr.ErrorMessage())
		for _, m := range propagationMessages {
			if strings.Contains(msg, m) {
				return true
			}
		}
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, m := range networkMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
