package workflow

import (
	"container/list"
	"context"
	"sync"

	"opscore/internal/domain"
)

// Queue is the pending-task queue spec §4.4 describes: a single logical FIFO
// that shards internally by agent ID to preserve per-agent ordering while
// letting different agents' tasks be dequeued without head-of-line blocking
// behind one slow/contended agent. Workers suspend on Dequeue when the queue
// is empty rather than busy-polling (spec §5).
type Queue struct {
	mu      sync.Mutex
	shards  map[string]*list.List // agentID -> FIFO list of domain.Task
	order   *list.List            // FIFO of agentIDs with at least one ready task, for round-robin draining
	inOrder map[string]bool       // agentID -> already present in order
	notify  chan struct{}
}

// NewQueue returns an empty Queue.
func NewQueue() *Queue {
	return &Queue{
		shards:  make(map[string]*list.List),
		order:   list.New(),
		inOrder: make(map[string]bool),
		notify:  make(chan struct{}, 1),
	}
}

// Enqueue appends task to the tail of its agent's shard.
func (q *Queue) Enqueue(task domain.Task) {
	q.mu.Lock()
	shard, ok := q.shards[task.AgentID]
	if !ok {
		shard = list.New()
		q.shards[task.AgentID] = shard
	}
	shard.PushBack(task)
	q.markReady(task.AgentID)
	q.mu.Unlock()
	q.wake()
}

// Requeue puts task back at the tail of its agent's shard. It is the same
// operation as Enqueue but named separately at call sites to make contention
// re-queues (spec §4.4 step 3) and explicit requeues read distinctly.
func (q *Queue) Requeue(task domain.Task) {
	q.Enqueue(task)
}

func (q *Queue) markReady(agentID string) {
	if !q.inOrder[agentID] {
		q.inOrder[agentID] = true
		q.order.PushBack(agentID)
	}
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Dequeue blocks until a task is available or ctx is cancelled, draining
// shards round-robin so one agent's backlog cannot starve another's. Returns
// ok=false only when ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (domain.Task, bool) {
	for {
		if task, ok := q.tryDequeue(); ok {
			return task, true
		}
		select {
		case <-ctx.Done():
			return domain.Task{}, false
		case <-q.notify:
		}
	}
}

func (q *Queue) tryDequeue() (domain.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for n := q.order.Len(); n > 0; n-- {
		front := q.order.Front()
		agentID := front.Value.(string)
		shard := q.shards[agentID]
		if shard == nil || shard.Len() == 0 {
			q.order.Remove(front)
			delete(q.inOrder, agentID)
			continue
		}
		el := shard.Front()
		task := el.Value.(domain.Task)
		shard.Remove(el)
		// Rotate this agent to the tail so the next Dequeue call serves a
		// different agent first, implementing the round-robin fairness
		// spec §4.4 asks of per-agent sharding.
		q.order.MoveToBack(front)
		if shard.Len() == 0 {
			q.order.Remove(front)
			delete(q.inOrder, agentID)
		}
		return task, true
	}
	return domain.Task{}, false
}

// Len reports the total number of queued tasks across all shards, for tests
// and diagnostics.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, shard := range q.shards {
		total += shard.Len()
	}
	return total
}
