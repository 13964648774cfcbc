package outbox

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/tableside/internal/persist"
	"github.com/xenking/tableside/internal/storage/sqlite"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// recorder records delivered entries and fails according to plan.
type recorder struct {
	mu   sync.Mutex
	sent []Entry
	plan map[string][]error
}

func (r *recorder) Send(_ context.Context, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, e)
	if errs := r.plan[e.ID]; len(errs) > 0 {
		r.plan[e.ID] = errs[1:]
		return errs[0]
	}
	return nil
}

func (r *recorder) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, len(r.sent))
	for i, e := range r.sent {
		ids[i] = e.ID
	}
	return ids
}

func testPolicy() Policy {
	return Policy{
		MaxAttempts:         3,
		InitialInterval:     time.Second,
		MaxInterval:         10 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0,
		AttemptTimeout:      time.Second,
	}
}

func openQueue(t *testing.T, store persist.Store, clock *fakeClock) *Queue {
	t.Helper()
	q, err := Open(context.Background(), store, "device-1", Options{Policy: testPolicy(), Now: clock.Now})
	require.NoError(t, err)
	return q
}

func enqueueN(t *testing.T, q *Queue, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range n {
		id, err := q.Enqueue(context.Background(), KindSubmitOrder, map[string]int{"n": i})
		require.NoError(t, err)
		ids[i] = id
	}
	return ids
}

func TestReplay_FIFOAcrossRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "device.db")
	clock := newClock()

	store, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	ids := enqueueN(t, openQueue(t, store, clock), 3)
	require.NoError(t, store.Close())

	store, err = sqlite.Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	q := openQueue(t, store, clock)
	require.Equal(t, 3, q.Len())

	rec := &recorder{}
	res, err := q.Replay(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, ids, rec.IDs())
	assert.Len(t, res.Sent, 3)
	assert.Equal(t, 0, res.Remaining)

	var n struct{ N int }
	require.NoError(t, res.Sent[2].Decode(&n))
	assert.Equal(t, 2, n.N)
}

func TestReplay_HeadFailureBlocksLaterEntries(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	q := openQueue(t, persist.NewMemory(), clock)
	ids := enqueueN(t, q, 2)

	rec := &recorder{plan: map[string][]error{ids[0]: {errors.New("connection refused")}}}
	res, err := q.Replay(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, []string{ids[0]}, rec.IDs())
	require.Error(t, res.Failure)
	assert.True(t, clock.Now().Add(time.Second).Equal(res.NextAttemptAt), "next attempt: %s", res.NextAttemptAt)
	assert.Equal(t, 2, res.Remaining)

	head, _ := q.Peek()
	assert.Equal(t, 1, head.Attempts)
	assert.Equal(t, "connection refused", head.LastError)

	// Not due yet: nothing is sent.
	res, err = q.Replay(ctx, rec)
	require.NoError(t, err)
	assert.Len(t, rec.IDs(), 1)
	assert.False(t, res.NextAttemptAt.IsZero())

	clock.Advance(time.Second)
	_, err = q.Replay(ctx, rec)
	require.NoError(t, err)
	// The retry reuses the same idempotency key, then the next entry follows.
	assert.Equal(t, []string{ids[0], ids[0], ids[1]}, rec.IDs())
	assert.Equal(t, 0, q.Len())
}

func TestReplay_RejectionRemovesEntry(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t, persist.NewMemory(), newClock())
	ids := enqueueN(t, q, 2)
	conflict := errors.New("out of stock")

	rec := &recorder{plan: map[string][]error{ids[0]: {Reject(conflict)}}}
	res, err := q.Replay(ctx, rec)
	require.NoError(t, err)

	require.Len(t, res.Rejected, 1)
	assert.Equal(t, ids[0], res.Rejected[0].Entry.ID)
	require.ErrorIs(t, res.Rejected[0].Err, conflict)
	require.Len(t, res.Sent, 1)
	assert.Equal(t, ids[1], res.Sent[0].ID)
	assert.Equal(t, 0, q.Len())
}

func TestReplay_PermanentFailureNeedsManualResolution(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	q := openQueue(t, persist.NewMemory(), clock)
	ids := enqueueN(t, q, 2)
	boom := errors.New("502 bad gateway")

	rec := &recorder{plan: map[string][]error{ids[0]: {boom, boom, boom}}}
	var res ReplayResult
	for range 3 {
		var err error
		res, err = q.Replay(ctx, rec)
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}
	require.NotNil(t, res.Blocked)
	assert.Equal(t, ids[0], res.Blocked.EntryID)
	assert.Equal(t, 3, res.Blocked.Attempts)

	failed := q.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, StateFailed, failed[0].State)

	// Blocked: the later entry is never sent past the failed head.
	res, err := q.Replay(ctx, rec)
	require.NoError(t, err)
	require.NotNil(t, res.Blocked)
	assert.NotContains(t, rec.IDs(), ids[1])

	require.NoError(t, q.Retry(ctx, ids[0]))
	res, err = q.Replay(ctx, rec)
	require.NoError(t, err)
	assert.Len(t, res.Sent, 2)
	assert.Equal(t, ids[1], rec.IDs()[len(rec.IDs())-1])
}

func TestDiscard(t *testing.T) {
	ctx := context.Background()
	q := openQueue(t, persist.NewMemory(), newClock())
	ids := enqueueN(t, q, 2)

	require.NoError(t, q.Discard(ctx, ids[0]))
	require.ErrorIs(t, q.Discard(ctx, ids[0]), ErrEntryNotFound)
	head, ok := q.Peek()
	require.True(t, ok)
	assert.Equal(t, ids[1], head.ID)
}

func TestReplay_AttemptTimeoutIsTransient(t *testing.T) {
	ctx := context.Background()
	policy := testPolicy()
	policy.AttemptTimeout = 20 * time.Millisecond
	q, err := Open(ctx, persist.NewMemory(), "device-1", Options{Policy: policy})
	require.NoError(t, err)
	enqueueN(t, q, 1)

	res, err := q.Replay(ctx, SenderFunc(func(ctx context.Context, _ Entry) error {
		<-ctx.Done()
		return ctx.Err()
	}))
	require.NoError(t, err)
	require.ErrorIs(t, res.Failure, context.DeadlineExceeded)
	head, _ := q.Peek()
	assert.Equal(t, 1, head.Attempts)
	assert.Equal(t, StatePending, head.State)
}

func TestMarkFailed_WriteThrough(t *testing.T) {
	ctx := context.Background()
	store := persist.NewMemory()
	clock := newClock()
	q := openQueue(t, store, clock)
	ids := enqueueN(t, q, 1)

	require.NoError(t, q.MarkFailed(ctx, ids[0], errors.New("timeout")))
	reopened := openQueue(t, store, clock)
	head, ok := reopened.Peek()
	require.True(t, ok)
	assert.Equal(t, 1, head.Attempts)
	assert.Equal(t, "timeout", head.LastError)

	require.ErrorIs(t, q.MarkSucceeded(ctx, "missing"), ErrEntryNotFound)
}

func TestPolicyDelay(t *testing.T) {
	p := testPolicy()
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(4))
	assert.Equal(t, 10*time.Second, p.Delay(6))

	p.RandomizationFactor = 0.5
	for range 20 {
		d := p.Delay(2)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 3*time.Second)
	}
}
