package command

import (
	"fmt"
	"sync"
	"testing"

	"github.com/wulin-online/swarm/pkg/fault"
)

func TestPriorityOrdering(t *testing.T) {
	q := NewQueue(10)
	for _, p := range []Priority{PriorityLow, PriorityCritical, PriorityNormal, PriorityHigh} {
		if err := q.Enqueue(Command{Type: TypeUpdate, Priority: p}); err != nil {
			t.Fatalf("Enqueue error = %v", err)
		}
	}

	want := []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}
	for i, wp := range want {
		c, ok := q.Dequeue()
		if !ok {
			t.Fatalf("Dequeue %d: queue empty", i)
		}
		if c.Priority != wp {
			t.Errorf("Dequeue %d priority = %d, want %d", i, c.Priority, wp)
		}
	}
}

func TestFIFOWithinPriority(t *testing.T) {
	q := NewQueue(100)
	for i := 0; i < 20; i++ {
		err := q.Enqueue(Command{Type: TypeUpdate, AgentID: fmt.Sprintf("a%d", i), Priority: PriorityNormal})
		if err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 20; i++ {
		c, ok := q.Dequeue()
		if !ok {
			t.Fatal("queue empty early")
		}
		if want := fmt.Sprintf("a%d", i); c.AgentID != want {
			t.Fatalf("position %d got %s, want %s", i, c.AgentID, want)
		}
	}
}

func TestOverflowRejects(t *testing.T) {
	q := NewQueue(2)
	if err := q.Enqueue(Command{Priority: PriorityNormal}); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(Command{Priority: PriorityNormal}); err != nil {
		t.Fatal(err)
	}
	err := q.Enqueue(Command{Priority: PriorityCritical})
	if fault.KindOf(err) != fault.QueueFull {
		t.Errorf("overflow error kind = %q, want queue_full", fault.KindOf(err))
	}
	if q.Len() != 2 {
		t.Errorf("Len() = %d, want 2", q.Len())
	}
}

func TestDequeueEmpty(t *testing.T) {
	q := NewQueue(1)
	if _, ok := q.Dequeue(); ok {
		t.Error("Dequeue on empty queue reported ok")
	}
}

func TestDequeueBatch(t *testing.T) {
	q := NewQueue(100)
	for i := 0; i < 5; i++ {
		_ = q.Enqueue(Command{Priority: PriorityNormal})
	}
	batch := q.DequeueBatch(3)
	if len(batch) != 3 {
		t.Fatalf("batch size = %d, want 3", len(batch))
	}
	if q.Len() != 2 {
		t.Errorf("Len() = %d, want 2", q.Len())
	}
	if got := q.DequeueBatch(10); len(got) != 2 {
		t.Errorf("second batch size = %d, want 2", len(got))
	}
}

func TestConcurrentProducersConsumers(t *testing.T) {
	q := NewQueue(10000)
	var produced, consumed sync.WaitGroup

	for p := 0; p < 4; p++ {
		produced.Add(1)
		go func() {
			defer produced.Done()
			for i := 0; i < 500; i++ {
				_ = q.Enqueue(Command{Priority: PriorityNormal})
			}
		}()
	}

	var mu sync.Mutex
	total := 0
	for c := 0; c < 4; c++ {
		consumed.Add(1)
		go func() {
			defer consumed.Done()
			for {
				if _, ok := q.Dequeue(); ok {
					mu.Lock()
					total++
					mu.Unlock()
					continue
				}
				mu.Lock()
				done := total == 2000
				mu.Unlock()
				if done {
					return
				}
			}
		}()
	}

	produced.Wait()
	consumed.Wait()
	if total != 2000 {
		t.Errorf("consumed %d commands, want 2000", total)
	}
}
