package handler

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/tableside/internal/api"
	"github.com/xenking/tableside/internal/domain/auth"
)

// ErrUnauthorized is returned for a missing, unknown or mismatching key.
var ErrUnauthorized = errors.New("unauthorized")

// SecurityHandler authenticates API requests via HMAC-SHA256 hashed API keys
// and resolves them to a tenant principal.
type SecurityHandler struct {
	apikeys auth.Repository
	pepper  []byte
}

// NewSecurityHandler creates a SecurityHandler with the given API key
// repository and HMAC pepper.
func NewSecurityHandler(apikeys auth.Repository, pepper []byte) *SecurityHandler {
	return &SecurityHandler{
		apikeys: apikeys,
		pepper:  pepper,
	}
}

// Authenticate resolves a raw API key to its principal.
func (s *SecurityHandler) Authenticate(ctx context.Context, key string) (auth.Principal, error) {
	if key == "" {
		return auth.Principal{}, ErrUnauthorized
	}
	hash := auth.HashKey(s.pepper, key)

	info, err := s.apikeys.FindByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, auth.ErrKeyNotFound) {
			return auth.Principal{}, ErrUnauthorized
		}
		return auth.Principal{}, errors.Wrap(err, "find api key")
	}
	// The repository matched on the hash already; the constant-time compare
	// keeps a misbehaving repository from authenticating a different key.
	if subtle.ConstantTimeCompare([]byte(hash), []byte(info.KeyHash)) != 1 {
		return auth.Principal{}, ErrUnauthorized
	}
	if info.TenantID == "" || !info.Role.Valid() {
		return auth.Principal{}, ErrUnauthorized
	}

	return auth.Principal{
		TenantID: info.TenantID,
		KeyID:    info.ID,
		Name:     info.Name,
		Role:     info.Role,
	}, nil
}

// Middleware rejects unauthenticated requests with 401 and stores the
// principal in the request context.
func (s *SecurityHandler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		p, err := s.Authenticate(ctx, r.Header.Get(api.HeaderAPIKey))
		if err != nil {
			if !errors.Is(err, ErrUnauthorized) {
				zctx.From(ctx).Error("Authenticate", zap.Error(err))
				writeJSON(w, http.StatusServiceUnavailable, api.ErrorResponse{
					Code:    api.CodeInternal,
					Message: "authentication unavailable",
				})
				return
			}
			writeJSON(w, http.StatusUnauthorized, api.ErrorResponse{
				Code:    api.CodeUnauthorized,
				Message: "invalid or missing API key",
			})
			return
		}

		ctx = auth.WithPrincipal(ctx, p)
		ctx = zctx.With(ctx,
			zap.String("tenant_id", p.TenantID),
			zap.String("role", string(p.Role)),
		)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
