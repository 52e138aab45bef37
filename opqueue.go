package main

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type OpKind string

const (
	OpAddBackend        OpKind = "add_backend"
	OpUpdateBackend     OpKind = "update_backend"
	OpRemoveBackend     OpKind = "remove_backend"
	OpConnectBackend    OpKind = "connect_backend"
	OpDisconnectBackend OpKind = "disconnect_backend"
)

type OpStatus string

const (
	OpPending   OpStatus = "pending"
	OpRunning   OpStatus = "running"
	OpCompleted OpStatus = "completed"
	OpFailed    OpStatus = "failed"
	OpCancelled OpStatus = "cancelled"
)

var (
	ErrQueueClosed = errors.New("operation queue closed")
	ErrOpCancelled = errors.New("operation cancelled")
	ErrOpTimeout   = errors.New("operation timed out")
)

const (
	opRetryDelay   = time.Second
	opDoneGrace    = time.Minute
	defaultOpQueue = 64
)

// AdminOperation is one queued administrative mutation. Higher Priority runs
// first; within a priority, submission order wins.
type AdminOperation struct {
	ID       string
	Kind     OpKind
	Target   string
	Priority int
	Status   OpStatus

	attempts   int
	seq        uint64
	createdAt  time.Time
	finishedAt time.Time
	run        func(ctx context.Context) error
	retryTimer *time.Timer
	err        error
	done       chan struct{}
}

// Err blocks until the operation settles, then reports its outcome.
func (op *AdminOperation) Err() error {
	<-op.done
	return op.err
}

// adminQueue serializes mutations per target while letting unrelated targets
// proceed in parallel, bounded by a global worker cap. A pending operation
// whose target is saturated is skipped, not head-of-line blocked.
type adminQueue struct {
	globalLimit    int
	perTargetLimit int
	timeout        time.Duration
	retryLimit     int

	mu        sync.Mutex
	pending   []*AdminOperation
	waiting   map[string]*AdminOperation
	running   map[string]int
	inFlight  int
	finished  map[string]*AdminOperation
	nextSeq   uint64
	closed    bool
	wake      chan struct{}
	drainedWg sync.WaitGroup
}

func newAdminQueue(conf *AdminQueueConfig) *adminQueue {
	if conf == nil {
		conf = &AdminQueueConfig{}
	}
	q := &adminQueue{
		globalLimit:    conf.GlobalLimit,
		perTargetLimit: conf.PerTargetLimit,
		timeout:        time.Duration(conf.TimeoutSeconds) * time.Second,
		retryLimit:     conf.RetryLimit,
		waiting:        make(map[string]*AdminOperation),
		running:        make(map[string]int),
		finished:       make(map[string]*AdminOperation),
		wake:           make(chan struct{}, 1),
	}
	if q.globalLimit <= 0 {
		q.globalLimit = defaultOpQueue
	}
	if q.perTargetLimit <= 0 {
		q.perTargetLimit = 1
	}
	if q.timeout <= 0 {
		q.timeout = 30 * time.Second
	}
	go q.dispatchLoop()
	return q
}

// Submit enqueues an operation and returns immediately. Callers that need
// the result block on op.Err().
func (q *adminQueue) Submit(kind OpKind, target string, priority int, run func(ctx context.Context) error) (*AdminOperation, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	q.nextSeq++
	op := &AdminOperation{
		ID:        uuid.New().String(),
		Kind:      kind,
		Target:    target,
		Priority:  priority,
		Status:    OpPending,
		seq:       q.nextSeq,
		createdAt: time.Now(),
		run:       run,
		done:      make(chan struct{}),
	}
	q.pending = append(q.pending, op)
	q.sortPendingLocked()
	q.pruneFinishedLocked()
	q.mu.Unlock()
	q.kick()
	return op, nil
}

func (q *adminQueue) sortPendingLocked() {
	sort.SliceStable(q.pending, func(i, j int) bool {
		if q.pending[i].Priority != q.pending[j].Priority {
			return q.pending[i].Priority > q.pending[j].Priority
		}
		return q.pending[i].seq < q.pending[j].seq
	})
}

func (q *adminQueue) kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *adminQueue) dispatchLoop() {
	for range q.wake {
		for {
			op := q.takeNext()
			if op == nil {
				break
			}
			q.drainedWg.Add(1)
			go q.execute(op)
		}
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return
		}
	}
}

// takeNext pops the best admissible pending op: highest priority whose target
// still has a free slot, subject to the global cap.
func (q *adminQueue) takeNext() *AdminOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.inFlight >= q.globalLimit {
		return nil
	}
	for i, op := range q.pending {
		if q.running[op.Target] >= q.perTargetLimit {
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		op.Status = OpRunning
		q.running[op.Target]++
		q.inFlight++
		return op
	}
	return nil
}

func (q *adminQueue) execute(op *AdminOperation) {
	defer q.drainedWg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	err := op.run(ctx)
	cancel()
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = ErrOpTimeout
	}

	q.mu.Lock()
	q.running[op.Target]--
	if q.running[op.Target] == 0 {
		delete(q.running, op.Target)
	}
	q.inFlight--

	if err != nil && op.attempts < q.retryLimit && !q.closed {
		op.attempts++
		op.Status = OpPending
		// parked ops stay visible to status() and CancelTarget via waiting
		q.waiting[op.ID] = op
		op.retryTimer = time.AfterFunc(opRetryDelay, func() { q.requeue(op) })
		q.mu.Unlock()
		log.Printf("<queue> op %s (%s %s) attempt %d failed: %v", op.ID, op.Kind, op.Target, op.attempts, err)
		q.kick()
		return
	}
	q.mu.Unlock()

	q.settle(op, err)
	q.kick()
}

// requeue moves an op from its retry wait back into pending. An op no longer
// in waiting was already settled by CancelTarget or Close.
func (q *adminQueue) requeue(op *AdminOperation) {
	q.mu.Lock()
	if _, ok := q.waiting[op.ID]; !ok {
		q.mu.Unlock()
		return
	}
	delete(q.waiting, op.ID)
	if q.closed {
		q.mu.Unlock()
		q.settle(op, ErrQueueClosed)
		return
	}
	q.pending = append(q.pending, op)
	q.sortPendingLocked()
	q.mu.Unlock()
	q.kick()
}

func (q *adminQueue) settle(op *AdminOperation, err error) {
	q.mu.Lock()
	op.err = err
	op.finishedAt = time.Now()
	switch {
	case err == nil:
		op.Status = OpCompleted
	case errors.Is(err, ErrOpCancelled):
		op.Status = OpCancelled
	default:
		op.Status = OpFailed
	}
	q.finished[op.ID] = op
	q.mu.Unlock()
	close(op.done)
}

// CancelTarget drops every queued-but-not-started operation for the target,
// including ops parked in a retry wait. Running operations are not
// interrupted. Returns the number cancelled.
func (q *adminQueue) CancelTarget(target string) int {
	q.mu.Lock()
	kept := q.pending[:0]
	var cancelled []*AdminOperation
	for _, op := range q.pending {
		if op.Target == target {
			cancelled = append(cancelled, op)
			continue
		}
		kept = append(kept, op)
	}
	q.pending = kept
	for id, op := range q.waiting {
		if op.Target != target {
			continue
		}
		if op.retryTimer != nil {
			op.retryTimer.Stop()
		}
		delete(q.waiting, id)
		cancelled = append(cancelled, op)
	}
	q.mu.Unlock()

	for _, op := range cancelled {
		q.settle(op, ErrOpCancelled)
	}
	return len(cancelled)
}

// Close rejects new submissions, settles pending and retry-waiting ops and
// waits for running ones to finish. The wake channel is never closed; the
// dispatch loop exits on the closed flag, so a late kick from a retry timer
// is harmless.
func (q *adminQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := q.pending
	q.pending = nil
	for id, op := range q.waiting {
		if op.retryTimer != nil {
			op.retryTimer.Stop()
		}
		delete(q.waiting, id)
		pending = append(pending, op)
	}
	q.mu.Unlock()

	for _, op := range pending {
		q.settle(op, ErrQueueClosed)
	}
	q.drainedWg.Wait()
	q.kick()
}

func (q *adminQueue) status(id string) (OpStatus, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if op, ok := q.finished[id]; ok {
		return op.Status, true
	}
	if op, ok := q.waiting[id]; ok {
		return op.Status, true
	}
	for _, op := range q.pending {
		if op.ID == id {
			return op.Status, true
		}
	}
	return "", false
}

// finished records are kept for a grace period so status queries on recent
// operations still resolve.
func (q *adminQueue) pruneFinishedLocked() {
	cutoff := time.Now().Add(-opDoneGrace)
	for id, op := range q.finished {
		if op.finishedAt.Before(cutoff) {
			delete(q.finished, id)
		}
	}
}
