package order

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyFilter(t *testing.T) {
	f := NewKeyFilter(100, 0.001)

	assert.False(t, f.MayContain("t1", "k1"))
	f.Add("t1", "k1")
	assert.True(t, f.MayContain("t1", "k1"))
	assert.False(t, f.MayContain("t2", "k1"), "keys are tenant scoped")
}

func TestKeyFilter_RotationKeepsPreviousGeneration(t *testing.T) {
	f := NewKeyFilter(10, 0.001)
	f.Add("t1", "first")
	for i := range 10 {
		f.Add("t1", fmt.Sprintf("k%d", i))
	}
	assert.True(t, f.MayContain("t1", "first"))
}

func TestKeyFilter_Warm(t *testing.T) {
	store := newMockStore()
	store.recentKeys = []string{TenantKey("t1", "a"), TenantKey("t1", "b"), "malformed"}
	f := NewKeyFilter(100, 0.001)

	n, err := f.Warm(context.Background(), store, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.True(t, f.MayContain("t1", "a"))
	assert.True(t, f.MayContain("t1", "b"))
}
