package api

import (
	"github.com/go-faster/errors"

	"github.com/xenking/tableside/internal/domain/menu"
	"github.com/xenking/tableside/internal/domain/order"
)

// Error codes carried in ErrorResponse.Code.
const (
	CodeBadRequest        = "bad_request"
	CodeValidation        = "validation"
	CodeOutOfStock        = "out_of_stock"
	CodeIllegalTransition = "illegal_transition"
	CodeNotFound          = "not_found"
	CodeUnauthorized      = "unauthorized"
	CodeInternal          = "internal"
)

// Shortfall is a line that could not be reserved.
type Shortfall struct {
	LineIndex  int    `json:"lineIndex"`
	MenuItemID string `json:"menuItemId"`
	Name       string `json:"name"`
	Requested  int    `json:"requested"`
	Available  int    `json:"available"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Field   string      `json:"field,omitempty"`
	Lines   []Shortfall `json:"lines,omitempty"`
	From    string      `json:"from,omitempty"`
	To      string      `json:"to,omitempty"`
	Role    string      `json:"role,omitempty"`
}

// FromError maps a domain error to its wire form. Unknown errors become
// CodeInternal without leaking their message.
func FromError(err error) ErrorResponse {
	var (
		vErr  *order.ValidationError
		oosEr *order.OutOfStockError
		itErr *order.IllegalTransitionError
	)
	switch {
	case errors.As(err, &vErr):
		return ErrorResponse{Code: CodeValidation, Message: vErr.Reason, Field: vErr.Field}
	case errors.Is(err, order.ErrEmptyOrder):
		return ErrorResponse{Code: CodeValidation, Message: err.Error(), Field: "items"}
	case errors.Is(err, order.ErrMissingIdempotencyKey):
		return ErrorResponse{Code: CodeValidation, Message: err.Error(), Field: "idempotency_key"}
	case errors.As(err, &oosEr):
		lines := make([]Shortfall, len(oosEr.Lines))
		for i, l := range oosEr.Lines {
			lines[i] = Shortfall(l)
		}
		return ErrorResponse{Code: CodeOutOfStock, Message: "insufficient stock", Lines: lines}
	case errors.As(err, &itErr):
		return ErrorResponse{
			Code:    CodeIllegalTransition,
			Message: itErr.Error(),
			From:    string(itErr.From),
			To:      string(itErr.To),
			Role:    string(itErr.Role),
		}
	case errors.Is(err, order.ErrNotFound), errors.Is(err, menu.ErrNotFound):
		return ErrorResponse{Code: CodeNotFound, Message: err.Error()}
	default:
		return ErrorResponse{Code: CodeInternal, Message: "internal error"}
	}
}

// Err maps the response back to the typed domain error it was built from.
func (r ErrorResponse) Err() error {
	switch r.Code {
	case CodeValidation:
		switch r.Field {
		case "items":
			return order.ErrEmptyOrder
		case "idempotency_key":
			return order.ErrMissingIdempotencyKey
		}
		return &order.ValidationError{Field: r.Field, Reason: r.Message}
	case CodeOutOfStock:
		lines := make([]order.Shortfall, len(r.Lines))
		for i, l := range r.Lines {
			lines[i] = order.Shortfall(l)
		}
		return &order.OutOfStockError{Lines: lines}
	case CodeIllegalTransition:
		return &order.IllegalTransitionError{
			From: order.Status(r.From),
			To:   order.Status(r.To),
			Role: order.Role(r.Role),
		}
	case CodeNotFound:
		return order.ErrNotFound
	default:
		return errors.Errorf("%s: %s", r.Code, r.Message)
	}
}
