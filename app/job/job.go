// Package job defines the scheduled job record kept by the store. Records are shared by
// reference between the store and the scheduling engine; persistence works on frozen copies.
package job

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// NoEarliestRuntime marks a record without a minimum latency
	NoEarliestRuntime int64 = 0
	// NoLatestRuntime marks a record without a deadline
	NoLatestRuntime int64 = math.MaxInt64
)

// Client identifies the component executing a job
type Client struct {
	Namespace string
	Handler   string
}

func (c Client) String() string {
	return c.Namespace + "/" + c.Handler
}

// Identity is the full job identity, job id is unique within its client only
type Identity struct {
	Client
	JobID int
}

func (id Identity) String() string {
	return fmt.Sprintf("%s#%d", id.Client, id.JobID)
}

// Record is a scheduled job descriptor
type Record struct {
	Identity

	Periodic     bool
	PeriodMillis int64

	EarliestRunElapsed int64 // min latency, elapsed clock; NoEarliestRuntime if unset
	LatestRunElapsed   int64 // deadline, elapsed clock; NoLatestRuntime if unset

	Constraints Constraints
	Backoff     *Backoff // nil means service default
	Durable     bool     // survives host reboot
	Payload     Payload
}

// NewOneOff makes a one-off record without delay and deadline
func NewOneOff(id Identity) *Record {
	return &Record{Identity: id, EarliestRunElapsed: NoEarliestRuntime, LatestRunElapsed: NoLatestRuntime}
}

// NewPeriodic makes a periodic record running every period
func NewPeriodic(id Identity, period time.Duration) *Record {
	return &Record{Identity: id, Periodic: true, PeriodMillis: period.Milliseconds(),
		EarliestRunElapsed: NoEarliestRuntime, LatestRunElapsed: NoLatestRuntime}
}

// HasDelay is true for records with minimum latency
func (r *Record) HasDelay() bool { return r.EarliestRunElapsed != NoEarliestRuntime }

// HasDeadline is true for records with deadline
func (r *Record) HasDeadline() bool { return r.LatestRunElapsed != NoLatestRuntime }

// Period returns the interval of a periodic record
func (r *Record) Period() time.Duration { return time.Duration(r.PeriodMillis) * time.Millisecond }

// EffectiveBackoff returns the record override or the service default
func (r *Record) EffectiveBackoff() Backoff {
	if r.Backoff == nil {
		return DefaultBackoff()
	}
	return *r.Backoff
}

// Schedule returns the duty cycle of a periodic record, nil for one-off
func (r *Record) Schedule() cron.Schedule {
	if !r.Periodic {
		return nil
	}
	return cron.Every(r.Period())
}

// Validate checks record invariants
func (r *Record) Validate() error {
	if r.Namespace == "" || r.Handler == "" {
		return errors.New("client namespace and handler required")
	}
	if r.Periodic {
		if r.PeriodMillis <= 0 {
			return fmt.Errorf("invalid period %d for %s", r.PeriodMillis, r.Identity)
		}
		if r.HasDelay() || r.HasDeadline() {
			return fmt.Errorf("periodic job %s can't have delay or deadline", r.Identity)
		}
	}
	if r.Backoff != nil {
		if err := r.Backoff.Validate(); err != nil {
			return fmt.Errorf("bad backoff for %s: %w", r.Identity, err)
		}
	}
	return nil
}

// Freeze makes an independent copy sharing nothing mutable with r
func (r *Record) Freeze() Record {
	res := *r
	if r.Backoff != nil {
		b := *r.Backoff
		res.Backoff = &b
	}
	if r.Payload != nil {
		res.Payload = r.Payload.Clone()
	}
	return res
}

// String returns short description
func (r *Record) String() string {
	timing := "one-off"
	if r.Periodic {
		timing = "every " + r.Period().String()
	}
	return fmt.Sprintf("%s %s durable:%v", r.Identity, timing, r.Durable)
}

// Payload is an opaque blob passed through the store
type Payload interface {
	Clone() Payload
}
