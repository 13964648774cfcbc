package httpmiddleware

import (
	"context"
	"net/http"
)

// IdempotencyKeyHeader carries the client-generated key of a mutating request.
const IdempotencyKeyHeader = "Idempotency-Key"

type idempotencyKey struct{}

// IdempotencyKeyFromContext returns the key stored by IdempotencyKey, or "".
func IdempotencyKeyFromContext(ctx context.Context) string {
	k, _ := ctx.Value(idempotencyKey{}).(string)
	return k
}

// IdempotencyKey copies the Idempotency-Key header into the request context.
// A present but malformed key is answered with 400: dropping it would turn
// a retry into a second order.
func IdempotencyKey() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyKeyHeader)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !printable(key, 128) {
				writeError(w, http.StatusBadRequest, "bad_request", "malformed idempotency key")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), idempotencyKey{}, key)))
		})
	}
}
