// Package txnqueue orders ledger writes from a single source account.
// A queue drains strictly sequentially: never more than one operation is
// in flight, because concurrent submissions from one account collide on
// its monotonic sequence counter. All writes for an account must route
// through exactly one Queue instance owned by the application context.
package txnqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/stellance/ledger/history"
	"github.com/stellance/ledger/ledger"
	"github.com/stellance/ledger/retry"
)

var log = logging.Logger("txnqueue")

// Status of a queued operation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Operation is a deferred unit of work. It is invoked once per attempt,
// so work that depends on fresh ledger state (sequence numbers) should be
// performed inside it.
type Operation func(ctx context.Context) (interface{}, error)

// Txn is a snapshot of a queued operation.
type Txn struct {
	ID            string
	Status        Status
	Attempts      int
	CreatedAt     time.Time
	LastAttemptAt time.Time
	Err           error
	Result        interface{}
}

type entry struct {
	Txn
	op Operation
}

// Queue is a sequential, online/offline-aware queue of named operations.
type Queue struct {
	mu       sync.Mutex
	entries  map[string]*entry
	order    []string
	online   bool
	draining bool
	closed   bool
	changed  chan struct{}
	policy   retry.Policy
	journal  *history.Store
	ctx      context.Context
	cancel   context.CancelFunc
}

// Option configures a queue.
type Option func(*Queue)

// WithPolicy sets the retry policy applied to every operation.
func WithPolicy(p retry.Policy) Option {
	return func(q *Queue) {
		q.policy = p
	}
}

// WithJournal records completed and failed operations in a history store.
func WithJournal(j *history.Store) Option {
	return func(q *Queue) {
		q.journal = j
	}
}

// StartOffline creates the queue in the offline state.
func StartOffline() Option {
	return func(q *Queue) {
		q.online = false
	}
}

// New creates a queue. The queue starts online unless StartOffline is given.
func New(opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		entries: make(map[string]*entry),
		online:  true,
		changed: make(chan struct{}),
		policy:  retry.DefaultPolicy(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Close stops the queue. In-flight work is canceled via its context.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.broadcastLocked()
	q.mu.Unlock()
	q.cancel()
}

// Enqueue adds an operation. An empty id is replaced with a generated one.
// If the queue is online, processing is triggered immediately.
func (q *Queue) Enqueue(id string, op Operation) (Txn, error) {
	if op == nil {
		return Txn{}, ledger.Errorf(ledger.KindInvalidParams, "operation is required")
	}
	if id == "" {
		id = uuid.NewString()
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return Txn{}, ledger.Errorf(ledger.KindConflict, "queue is closed")
	}
	if _, ok := q.entries[id]; ok {
		q.mu.Unlock()
		return Txn{}, ledger.Errorf(ledger.KindConflict, "operation %s already queued", id)
	}
	e := &entry{
		Txn: Txn{
			ID:        id,
			Status:    StatusPending,
			CreatedAt: time.Now(),
		},
		op: op,
	}
	q.entries[id] = e
	q.order = append(q.order, id)
	snap := e.Txn
	q.broadcastLocked()
	q.mu.Unlock()

	q.kick()
	return snap, nil
}

// SetOnline toggles the online state. Going offline halts further
// dequeues; in-flight work is not canceled. Going online resumes draining.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	q.online = online
	q.broadcastLocked()
	q.mu.Unlock()
	if online {
		q.kick()
	}
}

// Online reports the queue's online state.
func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// Get returns a snapshot of one operation.
func (q *Queue) Get(id string) (Txn, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return Txn{}, false
	}
	return e.Txn, true
}

// Pending returns snapshots of pending operations in queue order.
func (q *Queue) Pending() []Txn {
	return q.byStatus(StatusPending)
}

// Failed returns snapshots of failed operations in queue order.
func (q *Queue) Failed() []Txn {
	return q.byStatus(StatusFailed)
}

// All returns snapshots of every queued operation in queue order.
func (q *Queue) All() []Txn {
	q.mu.Lock()
	defer q.mu.Unlock()
	txns := make([]Txn, 0, len(q.order))
	for _, id := range q.order {
		txns = append(txns, q.entries[id].Txn)
	}
	return txns
}

func (q *Queue) byStatus(status Status) []Txn {
	q.mu.Lock()
	defer q.mu.Unlock()
	var txns []Txn
	for _, id := range q.order {
		if e := q.entries[id]; e.Status == status {
			txns = append(txns, e.Txn)
		}
	}
	return txns
}

// Retry resets a failed operation to pending and re-triggers processing.
func (q *Queue) Retry(id string) error {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return ledger.Errorf(ledger.KindNotFound, "operation %s not found", id)
	}
	if e.Status != StatusFailed {
		q.mu.Unlock()
		return ledger.Errorf(ledger.KindConflict, "operation %s is %s, not failed", id, e.Status)
	}
	e.Status = StatusPending
	e.Err = nil
	q.broadcastLocked()
	q.mu.Unlock()

	q.kick()
	return nil
}

// RetryAll resets every failed operation to pending and returns how many
// were reset.
func (q *Queue) RetryAll() int {
	q.mu.Lock()
	n := 0
	for _, id := range q.order {
		if e := q.entries[id]; e.Status == StatusFailed {
			e.Status = StatusPending
			e.Err = nil
			n++
		}
	}
	if n > 0 {
		q.broadcastLocked()
	}
	q.mu.Unlock()

	if n > 0 {
		q.kick()
	}
	return n
}

// Dequeue removes an operation that is not currently processing.
func (q *Queue) Dequeue(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return ledger.Errorf(ledger.KindNotFound, "operation %s not found", id)
	}
	if e.Status == StatusProcessing {
		return ledger.Errorf(ledger.KindConflict, "operation %s is in flight", id)
	}
	q.removeLocked(id)
	q.broadcastLocked()
	return nil
}

// ClearCompleted removes all completed operations.
func (q *Queue) ClearCompleted() {
	q.clear(func(e *entry) bool {
		return e.Status == StatusCompleted
	})
}

// ClearAll removes every operation that is not currently processing.
func (q *Queue) ClearAll() {
	q.clear(func(e *entry) bool {
		return e.Status != StatusProcessing
	})
}

func (q *Queue) clear(match func(*entry) bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range append([]string(nil), q.order...) {
		if match(q.entries[id]) {
			q.removeLocked(id)
		}
	}
	q.broadcastLocked()
}

func (q *Queue) removeLocked(id string) {
	delete(q.entries, id)
	for i, oid := range q.order {
		if oid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// Await blocks until the operation completes or fails, returning its
// result. A failed operation returns its recorded error.
func (q *Queue) Await(ctx context.Context, id string) (Txn, error) {
	for {
		q.mu.Lock()
		e, ok := q.entries[id]
		var snap Txn
		if ok {
			snap = e.Txn
		}
		ch := q.changed
		q.mu.Unlock()

		if !ok {
			return Txn{}, ledger.Errorf(ledger.KindNotFound, "operation %s not found", id)
		}
		switch snap.Status {
		case StatusCompleted:
			return snap, nil
		case StatusFailed:
			return snap, snap.Err
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-ch:
		}
	}
}

// broadcastLocked wakes every waiter. Callers must hold q.mu.
func (q *Queue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// kick starts the drain loop if it is not already running.
func (q *Queue) kick() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.draining || q.closed || !q.online {
		return
	}
	q.draining = true
	go q.drain()
}

// drain processes pending operations one at a time, in queue order,
// until none remain or the queue goes offline.
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if q.closed || !q.online {
			q.draining = false
			q.broadcastLocked()
			q.mu.Unlock()
			return
		}
		var e *entry
		for _, id := range q.order {
			if c := q.entries[id]; c.Status == StatusPending {
				e = c
				break
			}
		}
		if e == nil {
			q.draining = false
			q.broadcastLocked()
			q.mu.Unlock()
			return
		}
		e.Status = StatusProcessing
		q.broadcastLocked()
		q.mu.Unlock()

		q.process(e)
	}
}

func (q *Queue) process(e *entry) {
	var result interface{}
	err := retry.Do(q.ctx, q.policy, func(ctx context.Context) error {
		q.mu.Lock()
		e.Attempts++
		e.LastAttemptAt = time.Now()
		q.mu.Unlock()
		res, err := e.op(ctx)
		if err != nil {
			return err
		}
		result = res
		return nil
	})

	q.mu.Lock()
	if err != nil {
		e.Status = StatusFailed
		e.Err = err
		log.Warnf("operation %s failed: %v", e.ID, err)
	} else {
		e.Status = StatusCompleted
		e.Result = result
	}
	snap := e.Txn
	q.broadcastLocked()
	q.mu.Unlock()

	q.journalResult(snap)
}

// journalResult records the outcome. Journal failures are logged and
// swallowed; a successful submission must not be reported as failed
// because bookkeeping glitched.
func (q *Queue) journalResult(t Txn) {
	if q.journal == nil {
		return
	}
	rec := history.Record{
		ID:          t.ID,
		Status:      string(t.Status),
		Attempts:    t.Attempts,
		CreatedAt:   t.CreatedAt,
		CompletedAt: time.Now(),
	}
	if t.Err != nil {
		rec.Error = t.Err.Error()
	}
	if res, ok := t.Result.(*ledger.SubmitResult); ok {
		rec.Hash = res.Hash
	}
	if err := q.journal.Save(rec); err != nil {
		log.Errorf("journaling operation %s: %v", t.ID, err)
	}
}
