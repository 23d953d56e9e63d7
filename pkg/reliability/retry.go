package reliability

import (
	"context"
	cryptorand "crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	camerrors "github.com/camflowhq/camflow/pkg/errors"
)

func cryptoRandFloat64() float64 {
	var b [8]byte
	if _, err := cryptorand.Read(b[:]); err != nil {
		return 0.5
	}
	n := binary.BigEndian.Uint64(b[:]) >> 11 // 53 bits
	return float64(n) / float64(uint64(1)<<53)
}

// RetryStrategy implements exponential backoff with jitter for retrying failed
// operations. It retries transient errors (network failures, timeouts) and
// fails fast on permanent ones (authorization rejections, invalid input).
type RetryStrategy struct {
	// MaxRetries is the maximum number of retry attempts after the initial
	// execution. MaxRetries=2 means up to 3 total attempts.
	MaxRetries int

	// BaseDelay is the initial delay before the first retry.
	// Subsequent delays are BaseDelay * (Multiplier ^ attempt) + jitter.
	BaseDelay time.Duration

	// MaxDelay caps the delay between retry attempts.
	MaxDelay time.Duration

	// Multiplier is the exponential backoff multiplier (typically 2.0).
	Multiplier float64
}

// Execute runs the given function with automatic retry on retriable errors.
//
// The function is retried up to MaxRetries times on retriable errors.
// Non-retriable errors cause immediate failure. Context cancellation stops
// the retry loop immediately.
func (s *RetryStrategy) Execute(ctx context.Context, fn func() error) error {
	var lastErr error
	delay := s.BaseDelay

	for attempt := 0; attempt <= s.MaxRetries; attempt++ {
		if attempt > 0 {
			// Jitter of ±25% prevents synchronized retry storms.
			jitterFactor := 0.75 + cryptoRandFloat64()*0.5
			jitter := time.Duration(float64(delay) * jitterFactor)

			select {
			case <-time.After(jitter):
			case <-ctx.Done():
				return ctx.Err()
			}

			delay = time.Duration(float64(delay) * s.Multiplier)
			if delay > s.MaxDelay && s.MaxDelay > 0 {
				delay = s.MaxDelay
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		if !isRetriable(err) {
			return err
		}

		lastErr = err
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", s.MaxRetries, lastErr)
}

// isRetriable determines whether an error should trigger a retry attempt.
//
// Retriable: context deadline, net timeouts, and structured errors explicitly
// marked retryable (refresh timeouts, transient transport failures).
// Not retriable: context cancellation, authorization rejections, and anything
// not positively identified as transient.
func isRetriable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	// Authorization rejections are permanent for the current session.
	if camerrors.IsFatalAuth(err) {
		return false
	}
	if camerrors.IsRetryable(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}
