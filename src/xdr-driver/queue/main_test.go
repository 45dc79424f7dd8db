package queue

import (
	"fmt"
	"sync"
	"testing"
)

func push(q *Queue, value float64) Batch {
	return q.Push(map[string]float64{"observation": value})
}

func TestDrain_FIFOOrder(t *testing.T) {
	q := New(8)
	for i := 1; i <= 3; i++ {
		push(q, float64(i))
	}

	drained := q.Drain(10)
	if len(drained) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(drained))
	}
	for i, batch := range drained {
		if batch.Values["observation"] != float64(i+1) {
			t.Fatalf("batch %d out of order: %+v", i, batch)
		}
		if batch.Seq != uint64(i+1) {
			t.Fatalf("batch %d has seq %d", i, batch.Seq)
		}
	}

	if q.Len() != 0 {
		t.Fatalf("queue should be empty, has %d", q.Len())
	}
}

func TestDrain_RespectsMax(t *testing.T) {
	q := New(8)
	for i := 1; i <= 5; i++ {
		push(q, float64(i))
	}

	drained := q.Drain(2)
	if len(drained) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(drained))
	}
	if drained[0].Values["observation"] != 1 || drained[1].Values["observation"] != 2 {
		t.Fatalf("expected the two oldest batches, got %+v", drained)
	}
	if q.Len() != 3 {
		t.Fatalf("expected 3 left, got %d", q.Len())
	}
}

func TestDrain_ZeroIsNoop(t *testing.T) {
	q := New(8)
	push(q, 1)

	if drained := q.Drain(0); drained != nil {
		t.Fatalf("expected nil, got %+v", drained)
	}
	if q.Len() != 1 {
		t.Fatalf("drain(0) must leave the queue unchanged, len %d", q.Len())
	}
}

func TestDrain_EmptyQueue(t *testing.T) {
	q := New(8)
	if drained := q.Drain(5); drained != nil {
		t.Fatalf("expected nil, got %+v", drained)
	}
}

func TestPush_OverflowEvictsOldest(t *testing.T) {
	const capacity = 4
	const extra = 3

	q := New(capacity)
	for i := 1; i <= capacity+extra; i++ {
		push(q, float64(i))
	}

	if q.Dropped() != extra {
		t.Fatalf("expected %d dropped, got %d", extra, q.Dropped())
	}

	drained := q.Drain(capacity + extra)
	if len(drained) != capacity {
		t.Fatalf("expected %d batches, got %d", capacity, len(drained))
	}
	// The most recent pushes are retained, oldest-retained drains
	// first.
	for i, batch := range drained {
		want := float64(extra + 1 + i)
		if batch.Values["observation"] != want {
			t.Fatalf("batch %d: expected value %v, got %+v", i, want, batch)
		}
	}
}

func TestSeq_MonotonicAcrossEviction(t *testing.T) {
	q := New(1)
	for i := 0; i < 3; i++ {
		push(q, float64(i))
	}
	if q.Seq() != 3 {
		t.Fatalf("expected seq 3, got %d", q.Seq())
	}
	drained := q.Drain(1)
	if len(drained) != 1 || drained[0].Seq != 3 {
		t.Fatalf("expected latest batch to survive, got %+v", drained)
	}
}

func TestPushDrain_Concurrent(t *testing.T) {
	q := New(16)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			q.Push(map[string]float64{fmt.Sprintf("obs%d", i%4): float64(i)})
		}
	}()

	drainedTotal := 0
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			drainedTotal += len(q.Drain(4))
		}
	}()

	wg.Wait()
	drainedTotal += len(q.Drain(16))

	if dropped := q.Dropped(); uint64(drainedTotal)+dropped != 1000 {
		t.Fatalf("lost batches: drained %d + dropped %d != 1000", drainedTotal, dropped)
	}
}
