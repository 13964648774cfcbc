package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/tableside/internal/domain/auth"
	"github.com/xenking/tableside/internal/domain/order"
)

const (
	findAPIKeySQL = `SELECT id, tenant_id, key_hash, name, role FROM api_keys WHERE key_hash = $1 AND active`

	upsertAPIKeySQL = `INSERT INTO api_keys (id, tenant_id, key_hash, name, role)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id, key_hash = EXCLUDED.key_hash,
			name = EXCLUDED.name, role = EXCLUDED.role, active = true`
)

var _ auth.Repository = (*APIKeyRepository)(nil)

// APIKeyRepository provides API key lookups backed by PostgreSQL.
type APIKeyRepository struct {
	pool *pgxpool.Pool
}

// NewAPIKeyRepository returns an APIKeyRepository that uses the given pool.
func NewAPIKeyRepository(pool *pgxpool.Pool) *APIKeyRepository {
	return &APIKeyRepository{pool: pool}
}

// FindByHash looks up an active API key by its HMAC-SHA256 hash.
func (r *APIKeyRepository) FindByHash(ctx context.Context, hash string) (*auth.APIKeyInfo, error) {
	var (
		info auth.APIKeyInfo
		role string
	)
	err := r.pool.QueryRow(ctx, findAPIKeySQL, hash).Scan(&info.ID, &info.TenantID, &info.KeyHash, &info.Name, &role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, auth.ErrKeyNotFound
		}
		return nil, errors.Wrap(err, "find api key by hash")
	}
	info.Role = order.Role(role)
	return &info, nil
}

// Upsert stores a key hash for a tenant.
func (r *APIKeyRepository) Upsert(ctx context.Context, info auth.APIKeyInfo) error {
	if _, err := r.pool.Exec(ctx, upsertAPIKeySQL, info.ID, info.TenantID, info.KeyHash, info.Name, string(info.Role)); err != nil {
		return errors.Wrapf(err, "upsert api key %s", info.ID)
	}
	return nil
}
