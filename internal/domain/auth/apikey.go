// Package auth resolves API keys to tenant principals.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/go-faster/errors"

	"github.com/xenking/tableside/internal/domain/order"
)

// ErrKeyNotFound is returned when no active key matches the hash.
var ErrKeyNotFound = errors.New("api key not found")

// APIKeyInfo holds the identity and role bound to an API key.
type APIKeyInfo struct {
	ID       string
	TenantID string
	KeyHash  string
	Name     string
	Role     order.Role
}

// Principal is the authenticated caller of a request.
type Principal struct {
	TenantID string
	KeyID    string
	Name     string
	Role     order.Role
}

// Actor converts the principal into a state machine actor.
func (p Principal) Actor() order.Actor {
	return order.Actor{ID: p.KeyID, Role: p.Role}
}

// Repository provides lookup of API keys by their HMAC hash.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*APIKeyInfo, error)
}

// HashKey returns the hex HMAC-SHA256 of a raw API key under pepper. Only
// hashes are stored.
func HashKey(pepper []byte, key string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored by WithPrincipal.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
