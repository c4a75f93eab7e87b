// Package command provides the bounded priority queue of pending
// operations the scheduler drains each cycle.
package command

import (
	"container/heap"
	"encoding/json"
	"sync"
	"time"

	"github.com/wulin-online/swarm/pkg/fault"
)

// Type tags a queued operation.
type Type string

const (
	TypeCreate          Type = "create"
	TypeUpdate          Type = "update"
	TypeDelete          Type = "delete"
	TypeBroadcastAction Type = "broadcast_action"
	TypeSystemControl   Type = "system_control"
)

// Priority classes. Higher dequeues first; FIFO within a class.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 5
	PriorityHigh     Priority = 8
	PriorityCritical Priority = 10
)

// Command is one queued operation. Payload stays opaque to the queue.
type Command struct {
	Type       Type
	AgentID    string // optional target
	Payload    json.RawMessage
	Priority   Priority
	EnqueuedAt time.Time

	seq uint64 // assignment order, breaks ties within a priority
}

// DefaultCapacity is the queue bound; overflow is rejected.
const DefaultCapacity = 10000

type cmdHeap []*Command

func (h cmdHeap) Len() int { return len(h) }

func (h cmdHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h cmdHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *cmdHeap) Push(x any) { *h = append(*h, x.(*Command)) }

func (h *cmdHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return c
}

// Queue is a bounded priority queue safe for many producers and many
// consumers.
type Queue struct {
	mu       sync.Mutex
	heap     cmdHeap
	capacity int
	nextSeq  uint64
}

// NewQueue creates a queue with the given capacity (DefaultCapacity
// if <= 0).
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{capacity: capacity}
}

// Enqueue adds a command; a full queue rejects with queue_full.
func (q *Queue) Enqueue(cmd Command) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) >= q.capacity {
		return fault.New(fault.QueueFull, "command.enqueue",
			"queue at capacity %d", q.capacity)
	}
	if cmd.EnqueuedAt.IsZero() {
		cmd.EnqueuedAt = time.Now()
	}
	cmd.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.heap, &cmd)
	return nil
}

// Dequeue removes the highest-priority command; false when empty.
func (q *Queue) Dequeue() (Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return Command{}, false
	}
	c := heap.Pop(&q.heap).(*Command)
	return *c, true
}

// DequeueBatch removes up to max commands in priority order.
func (q *Queue) DequeueBatch(max int) []Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	if max > len(q.heap) {
		max = len(q.heap)
	}
	out := make([]Command, 0, max)
	for i := 0; i < max; i++ {
		c := heap.Pop(&q.heap).(*Command)
		out = append(out, *c)
	}
	return out
}

// Len returns the number of queued commands.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
