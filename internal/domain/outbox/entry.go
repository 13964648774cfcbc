// Package outbox is the device-local durable queue of intents that must reach
// the server exactly once and in order.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
)

// Kind identifies the intent carried by an entry.
type Kind string

const (
	KindSubmitOrder  Kind = "submit_order"
	KindUpdateStatus Kind = "update_status"
)

// State of an entry.
type State string

const (
	StatePending State = "pending"
	// StateFailed entries exhausted their attempts and block the queue until
	// retried or discarded.
	StateFailed State = "failed"
)

// Entry is one queued intent. ID is the idempotency key sent with every
// attempt.
type Entry struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"createdAt"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"lastError,omitempty"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
	State         State           `json:"state"`
}

// Decode unmarshals the payload into v.
func (e Entry) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return errors.Wrapf(err, "decode %s payload", e.Kind)
	}
	return nil
}

// RejectedError marks a business rejection from the server. The entry is
// removed instead of retried.
type RejectedError struct {
	Err error
}

func (e *RejectedError) Error() string { return "rejected: " + e.Err.Error() }

func (e *RejectedError) Unwrap() error { return e.Err }

// Reject wraps err as a business rejection.
func Reject(err error) error {
	if err == nil {
		return nil
	}
	return &RejectedError{Err: err}
}

// IsRejected reports whether err is a business rejection.
func IsRejected(err error) bool {
	var r *RejectedError
	return errors.As(err, &r)
}

// PermanentFailureError is reported when an entry runs out of attempts.
type PermanentFailureError struct {
	EntryID  string
	Kind     Kind
	Attempts int
	Last     string
}

func (e *PermanentFailureError) Error() string {
	return fmt.Sprintf("outbox entry %s (%s) failed after %d attempts: %s", e.EntryID, e.Kind, e.Attempts, e.Last)
}
