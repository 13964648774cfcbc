package outbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/tableside/internal/persist"
)

func TestRunner_ReplaysWhenGoingOnline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q, err := Open(ctx, persist.NewMemory(), "device-1", Options{Policy: testPolicy()})
	require.NoError(t, err)
	ids := enqueueN(t, q, 2)

	var (
		mu      sync.Mutex
		results []ReplayResult
	)
	rec := &recorder{}
	r := NewRunner(q, rec, RunnerOptions{
		Interval: time.Hour,
		OnResult: func(res ReplayResult) {
			mu.Lock()
			defer mu.Unlock()
			results = append(results, res)
		},
	})

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// Offline: kicks are ignored.
	r.Kick()
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.IDs())

	r.SetOnline(true)
	require.Eventually(t, func() bool { return q.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, ids, rec.IDs())
	assert.True(t, r.Online())

	mu.Lock()
	require.NotEmpty(t, results)
	mu.Unlock()

	cancel()
	require.NoError(t, <-done)
}

func TestRunner_RetriesWhenBackoffExpires(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	policy := testPolicy()
	policy.InitialInterval = 20 * time.Millisecond
	q, err := Open(ctx, persist.NewMemory(), "device-1", Options{Policy: policy})
	require.NoError(t, err)
	ids := enqueueN(t, q, 1)

	rec := &recorder{plan: map[string][]error{ids[0]: {assert.AnError}}}
	r := NewRunner(q, rec, RunnerOptions{Interval: time.Hour})
	r.SetOnline(true)

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return q.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{ids[0], ids[0]}, rec.IDs())

	cancel()
	require.NoError(t, <-done)
}
