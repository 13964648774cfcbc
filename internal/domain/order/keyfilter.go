package order

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
)

// KeyFilter remembers recently committed idempotency keys so that fresh keys
// can skip the lookup before the reservation transaction. It has no false
// negatives for keys added since the last two rotations.
type KeyFilter struct {
	mu       sync.Mutex
	capacity uint
	fpRate   float64
	added    uint
	current  *bloom.BloomFilter
	previous *bloom.BloomFilter
}

// NewKeyFilter creates a filter sized for capacity keys per generation.
func NewKeyFilter(capacity uint, fpRate float64) *KeyFilter {
	return &KeyFilter{
		capacity: capacity,
		fpRate:   fpRate,
		current:  bloom.NewWithEstimates(capacity, fpRate),
	}
}

func filterKey(tenantID, key string) []byte {
	return []byte(TenantKey(tenantID, key))
}

// Add records a committed key.
func (f *KeyFilter) Add(tenantID, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.added >= f.capacity {
		f.previous = f.current
		f.current = bloom.NewWithEstimates(f.capacity, f.fpRate)
		f.added = 0
	}
	f.current.Add(filterKey(tenantID, key))
	f.added++
}

// MayContain reports whether key might have been committed before.
func (f *KeyFilter) MayContain(tenantID, key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := filterKey(tenantID, key)
	if f.current.Test(k) {
		return true
	}
	return f.previous != nil && f.previous.Test(k)
}

// Warm loads keys of orders created after since.
func (f *KeyFilter) Warm(ctx context.Context, store Store, since time.Time) (int, error) {
	keys, err := store.RecentIdempotencyKeys(ctx, since)
	if err != nil {
		return 0, errors.Wrap(err, "recent idempotency keys")
	}
	for _, k := range keys {
		tenantID, key, ok := strings.Cut(k, "/")
		if !ok {
			continue
		}
		f.Add(tenantID, key)
	}
	return len(keys), nil
}

// TenantKey joins tenant and idempotency key the way RecentIdempotencyKeys
// reports them.
func TenantKey(tenantID, key string) string {
	return tenantID + "/" + key
}
