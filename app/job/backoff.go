package job

import (
	"context"
	"fmt"
	"time"

	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
)

// BackoffPolicy defines how retry delay grows with failures
type BackoffPolicy int

// backoff policies, values are persisted
const (
	BackoffLinear      BackoffPolicy = 0
	BackoffExponential BackoffPolicy = 1
)

func (p BackoffPolicy) String() string {
	switch p {
	case BackoffLinear:
		return "linear"
	case BackoffExponential:
		return "exponential"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// service-wide backoff defaults and limits
const (
	DefaultInitialBackoffMillis int64 = 30_000
	DefaultBackoffPolicy              = BackoffExponential
	MaxBackoffDelay                   = 5 * time.Hour
)

// Backoff is the retry delay configuration of a record
type Backoff struct {
	InitialMillis int64
	Policy        BackoffPolicy
}

// DefaultBackoff returns service default backoff
func DefaultBackoff() Backoff {
	return Backoff{InitialMillis: DefaultInitialBackoffMillis, Policy: DefaultBackoffPolicy}
}

// IsDefault is true if b equals service default
func (b Backoff) IsDefault() bool { return b == DefaultBackoff() }

// Validate checks policy and initial delay
func (b Backoff) Validate() error {
	if b.Policy != BackoffLinear && b.Policy != BackoffExponential {
		return fmt.Errorf("unknown backoff policy %d", int(b.Policy))
	}
	if b.InitialMillis <= 0 {
		return fmt.Errorf("initial backoff must be positive, got %d", b.InitialMillis)
	}
	return nil
}

// Initial returns initial delay as duration
func (b Backoff) Initial() time.Duration { return time.Duration(b.InitialMillis) * time.Millisecond }

// Delay returns the wait before the next attempt after given number of failures, capped by MaxBackoffDelay
func (b Backoff) Delay(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	var d time.Duration
	switch b.Policy {
	case BackoffLinear:
		d = b.Initial() * time.Duration(failures)
	default:
		d = b.Initial()
		for i := 1; i < failures && d < MaxBackoffDelay; i++ {
			d *= 2
		}
	}
	if d > MaxBackoffDelay || d < 0 {
		return MaxBackoffDelay
	}
	return d
}

// Repeater makes repeater performing up to attempts calls with delays following the policy
func (b Backoff) Repeater(attempts int) *repeater.Repeater {
	if b.Policy == BackoffLinear {
		return repeater.New(&linearStrategy{backoff: b, repeats: attempts})
	}
	return repeater.New(&strategy.Backoff{Repeats: attempts, Duration: b.Initial(), Factor: 2})
}

// linearStrategy fires immediately, then waits initial*n before n-th retry
type linearStrategy struct {
	backoff Backoff
	repeats int
}

// Start returns a channel firing once per attempt, closed after the last one or on ctx done
func (s *linearStrategy) Start(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		for i := 0; i < s.repeats; i++ {
			if i > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.backoff.Delay(i)):
				}
			}
			select {
			case <-ctx.Done():
				return
			case ch <- struct{}{}:
			}
		}
	}()
	return ch
}
