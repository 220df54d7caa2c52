package download

import (
	"context"
	"errors"
	"time"

	"github.com/dreamware/imagesync/internal/storage"
)

// ErrChecksum is returned when a completed transfer does not match the
// declared hash or size. The corrupt bytes are unlinked first and the
// error is always retried.
var ErrChecksum = errors.New("download: checksum mismatch")

// RetryPolicy is capped exponential backoff. MaxAttempts of zero means
// retry until the context is cancelled.
type RetryPolicy struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int
}

// DefaultRetryPolicy retries forever, starting at one second and backing
// off to at most a minute between attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Initial:    time.Second,
		Max:        time.Minute,
		Multiplier: 2,
	}
}

// Delay returns how long to wait after the given zero-based attempt
// failed.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.Initial <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(p.Initial)
	for i := 0; i < attempt; i++ {
		delay *= mult
		if p.Max > 0 && delay >= float64(p.Max) {
			return p.Max
		}
	}
	if p.Max > 0 && time.Duration(delay) > p.Max {
		return p.Max
	}
	return time.Duration(delay)
}

// Exhausted reports whether no attempt may follow the given zero-based
// attempt.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt+1 >= p.MaxAttempts
}

type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable marks err so that no retry loop attempts it again.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	var nr *nonRetryableError
	if errors.As(err, &nr) {
		return err
	}
	return &nonRetryableError{err: err}
}

// IsRetryable classifies an error at the executor boundary. Disk-full,
// cancellation and explicitly non-retryable errors are final; everything
// else, including checksum failures, is transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var nr *nonRetryableError
	if errors.As(err, &nr) {
		return false
	}
	if storage.IsOutOfSpace(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
