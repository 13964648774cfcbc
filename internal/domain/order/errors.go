package order

import (
	"fmt"
	"strings"

	"github.com/go-faster/errors"
)

// Sentinel errors.
var (
	ErrEmptyOrder            = errors.New("order has no items")
	ErrMissingIdempotencyKey = errors.New("idempotency key required")
	ErrNotFound              = errors.New("order not found")
)

// ValidationError rejects a malformed request before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// StatusKeyReused rejects a status change whose idempotency key was already
// applied to another order.
func StatusKeyReused() error {
	return &ValidationError{Field: "idempotency_key", Reason: "key already used for another order"}
}

// Shortfall names one order line that could not be reserved.
type Shortfall struct {
	LineIndex  int
	MenuItemID string
	Name       string
	Requested  int
	Available  int
}

// OutOfStockError is a business conflict: nothing was reserved or created.
// Clients must let the user adjust quantities instead of retrying.
type OutOfStockError struct {
	Lines []Shortfall
}

func (e *OutOfStockError) Error() string {
	parts := make([]string, len(e.Lines))
	for i, l := range e.Lines {
		parts[i] = fmt.Sprintf("%s (requested %d, available %d)", l.Name, l.Requested, l.Available)
	}
	return "out of stock: " + strings.Join(parts, ", ")
}

// IllegalTransitionError rejects a status change the state machine or the
// actor's role does not allow.
type IllegalTransitionError struct {
	From Status
	To   Status
	Role Role
}

func (e *IllegalTransitionError) Error() string {
	if e.Role != "" && legal(e.From, e.To) {
		return fmt.Sprintf("role %s may not move order from %s to %s", e.Role, e.From, e.To)
	}
	return fmt.Sprintf("illegal transition from %s to %s", e.From, e.To)
}

// IsValidation reports whether err is a validation rejection.
func IsValidation(err error) bool {
	var vErr *ValidationError
	return errors.Is(err, ErrEmptyOrder) ||
		errors.Is(err, ErrMissingIdempotencyKey) ||
		errors.As(err, &vErr)
}
