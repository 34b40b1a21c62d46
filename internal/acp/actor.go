package acp

import "sync"

// ActorQueue serializes operations per actor key: submissions under the
// same key execute strictly in enqueue order with no overlap, while
// submissions under distinct keys run in parallel. Implemented as a map of
// single-slot channels used as mutexes rather than sync.Mutex, so the
// "tail" for a key can be created lazily and torn down once its queue
// drains back to empty.
type ActorQueue struct {
	mu           sync.Mutex
	lanes        map[string]*chan struct{}
	pendingByKey map[string]int
	pendingCount int
}

// NewActorQueue creates an empty actor queue.
func NewActorQueue() *ActorQueue {
	return &ActorQueue{
		lanes:        make(map[string]*chan struct{}),
		pendingByKey: make(map[string]int),
	}
}

// Run executes fn with exclusive access to actorKey's lane. Failures do not
// poison the lane — the next submission for the same key still runs.
func (q *ActorQueue) Run(actorKey string, fn func() error) error {
	q.mu.Lock()
	lane, ok := q.lanes[actorKey]
	if !ok {
		ch := make(chan struct{}, 1)
		ch <- struct{}{}
		lane = &ch
		q.lanes[actorKey] = lane
	}
	q.pendingByKey[actorKey]++
	q.pendingCount++
	q.mu.Unlock()

	<-(*lane)
	defer func() {
		(*lane) <- struct{}{}

		q.mu.Lock()
		if q.pendingByKey[actorKey] > 0 {
			q.pendingByKey[actorKey]--
		}
		if q.pendingByKey[actorKey] == 0 {
			delete(q.pendingByKey, actorKey)
			delete(q.lanes, actorKey)
		}
		q.pendingCount--
		q.mu.Unlock()
	}()

	return fn()
}

// TotalPendingCount returns the number of operations currently queued or
// executing across all keys — used for observability/backpressure.
func (q *ActorQueue) TotalPendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingCount
}

// PendingCountForKey returns the number of queued/executing operations for
// a single actor key.
func (q *ActorQueue) PendingCountForKey(actorKey string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingByKey[actorKey]
}

// lanesForTesting exposes the internal lane map for white-box tests that
// assert a lane is torn down once its last operation completes.
func (q *ActorQueue) lanesForTesting() map[string]*chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lanes
}
