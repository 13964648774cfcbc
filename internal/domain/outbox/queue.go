package outbox

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/tableside/internal/persist"
)

// ErrEntryNotFound is returned for an unknown entry id.
var ErrEntryNotFound = errors.New("outbox entry not found")

// Sender delivers one entry to the server. It returns nil only on a
// server-confirmed success, including an idempotent replay. Business
// rejections must be wrapped with Reject.
type Sender interface {
	Send(ctx context.Context, e Entry) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, e Entry) error

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, e Entry) error { return f(ctx, e) }

// Rejection is an entry removed because the server refused it.
type Rejection struct {
	Entry Entry
	Err   error
}

// ReplayResult summarizes one replay pass.
type ReplayResult struct {
	Sent     []Entry
	Rejected []Rejection
	// Failure is the transient error of the head entry, if the pass stopped
	// on one.
	Failure error
	// Blocked is set when the head entry is in the failed state.
	Blocked *PermanentFailureError
	// NextAttemptAt is when the head entry becomes due again. Zero when the
	// queue is empty or blocked.
	NextAttemptAt time.Time
	Remaining     int
}

// Key returns the persistence key of a device's outbox.
func Key(deviceID string) string {
	return "outbox/" + deviceID
}

type state struct {
	Entries []Entry `json:"entries"`
}

// Options configures a Queue.
type Options struct {
	Policy Policy
	Logger *zap.Logger
	Now    func() time.Time
}

// Queue is a durable FIFO of entries. Methods are safe for concurrent use;
// Replay passes are serialized.
type Queue struct {
	mu      sync.Mutex
	entries []Entry

	replayMu sync.Mutex

	store  persist.Store
	doc    persist.Document
	policy Policy
	lg     *zap.Logger
	now    func() time.Time
}

// Open restores the device's queue from store.
func Open(ctx context.Context, store persist.Store, deviceID string, opts Options) (*Queue, error) {
	opts.Policy.setDefaults()
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	q := &Queue{
		store:  store,
		doc:    persist.Document{Key: Key(deviceID), Version: 1},
		policy: opts.Policy,
		lg:     opts.Logger,
		now:    opts.Now,
	}
	var st state
	if _, err := q.doc.Load(ctx, store, &st); err != nil {
		return nil, errors.Wrap(err, "load outbox")
	}
	q.entries = st.Entries
	return q, nil
}

// Enqueue appends an intent and returns its id, which doubles as the
// idempotency key.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrapf(err, "encode %s payload", kind)
	}
	now := q.now().UTC()
	e := Entry{
		ID:            uuid.New().String(),
		Kind:          kind,
		Payload:       data,
		CreatedAt:     now,
		NextAttemptAt: now,
		State:         StatePending,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	next := append(slices.Clone(q.entries), e)
	if err := q.commit(ctx, next); err != nil {
		return "", err
	}
	q.lg.Debug("Enqueued", zap.String("entry_id", e.ID), zap.String("kind", string(kind)))
	return e.ID, nil
}

// Peek returns the oldest entry.
func (q *Queue) Peek() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Entry{}, false
	}
	return q.entries[0], true
}

// Len returns the number of queued entries, failed ones included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Pending returns all entries in order.
func (q *Queue) Pending() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.entries)
}

// Failed returns the entries that need manual resolution.
func (q *Queue) Failed() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Entry
	for _, e := range q.entries {
		if e.State == StateFailed {
			out = append(out, e)
		}
	}
	return out
}

// MarkSucceeded removes an entry after the server acknowledged it.
func (q *Queue) MarkSucceeded(ctx context.Context, id string) error {
	return q.remove(ctx, id)
}

// MarkFailed records a transient failure and schedules the next attempt. It
// returns *PermanentFailureError when the entry ran out of attempts.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.index(id)
	if i < 0 {
		return ErrEntryNotFound
	}
	next := slices.Clone(q.entries)
	e := &next[i]
	e.Attempts++
	e.LastError = cause.Error()
	if e.Attempts >= q.policy.MaxAttempts {
		e.State = StateFailed
	} else {
		e.NextAttemptAt = q.now().Add(q.policy.Delay(e.Attempts)).UTC()
	}
	if err := q.commit(ctx, next); err != nil {
		return err
	}
	if e.State == StateFailed {
		return permanent(*e)
	}
	return nil
}

// Retry moves a failed entry back to pending with a fresh attempt budget.
func (q *Queue) Retry(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.index(id)
	if i < 0 {
		return ErrEntryNotFound
	}
	next := slices.Clone(q.entries)
	next[i].State = StatePending
	next[i].Attempts = 0
	next[i].NextAttemptAt = q.now().UTC()
	return q.commit(ctx, next)
}

// Discard drops an entry without sending it.
func (q *Queue) Discard(ctx context.Context, id string) error {
	return q.remove(ctx, id)
}

// Replay sends due entries oldest first and stops at the first entry that is
// not due, is failed, or fails again. A later entry is never sent before an
// earlier one.
func (q *Queue) Replay(ctx context.Context, sender Sender) (ReplayResult, error) {
	q.replayMu.Lock()
	defer q.replayMu.Unlock()

	var res ReplayResult
	for {
		head, ok := q.Peek()
		if !ok {
			break
		}
		if head.State == StateFailed {
			res.Blocked = permanent(head)
			break
		}
		if q.now().Before(head.NextAttemptAt) {
			res.NextAttemptAt = head.NextAttemptAt
			break
		}

		actx, cancel := context.WithTimeout(ctx, q.policy.AttemptTimeout)
		err := sender.Send(actx, head)
		cancel()

		switch {
		case err == nil:
			if err := q.MarkSucceeded(ctx, head.ID); err != nil {
				return res, errors.Wrap(err, "mark succeeded")
			}
			res.Sent = append(res.Sent, head)
			continue
		case IsRejected(err):
			if err := q.remove(ctx, head.ID); err != nil {
				return res, errors.Wrap(err, "remove rejected")
			}
			q.lg.Info("Entry rejected by server",
				zap.String("entry_id", head.ID),
				zap.String("kind", string(head.Kind)),
				zap.Error(err),
			)
			var rej *RejectedError
			errors.As(err, &rej)
			res.Rejected = append(res.Rejected, Rejection{Entry: head, Err: rej.Err})
			continue
		case ctx.Err() != nil:
			return res, ctx.Err()
		}

		res.Failure = err
		q.lg.Warn("Send failed",
			zap.String("entry_id", head.ID),
			zap.Int("attempt", head.Attempts+1),
			zap.Error(err),
		)
		if merr := q.MarkFailed(ctx, head.ID, err); merr != nil {
			var pf *PermanentFailureError
			if !errors.As(merr, &pf) {
				return res, errors.Wrap(merr, "mark failed")
			}
			res.Blocked = pf
		} else if e, ok := q.Peek(); ok {
			res.NextAttemptAt = e.NextAttemptAt
		}
		break
	}
	res.Remaining = q.Len()
	return res, nil
}

func (q *Queue) remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.index(id)
	if i < 0 {
		return ErrEntryNotFound
	}
	next := slices.Delete(slices.Clone(q.entries), i, i+1)
	return q.commit(ctx, next)
}

// commit persists next and then swaps it in. Callers hold q.mu.
func (q *Queue) commit(ctx context.Context, next []Entry) error {
	if err := q.doc.Save(ctx, q.store, state{Entries: next}); err != nil {
		return errors.Wrap(err, "save outbox")
	}
	q.entries = next
	return nil
}

func (q *Queue) index(id string) int {
	return slices.IndexFunc(q.entries, func(e Entry) bool { return e.ID == id })
}

func permanent(e Entry) *PermanentFailureError {
	return &PermanentFailureError{EntryID: e.ID, Kind: e.Kind, Attempts: e.Attempts, Last: e.LastError}
}
