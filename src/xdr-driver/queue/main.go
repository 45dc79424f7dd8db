package queue

// Bounded hand-off buffer between the serial reader and the polling
// consumer. The reader pushes, the consumer drains; neither ever waits
// for the other.

import (
	"sync"
)

// Batch is the set of mapped observation values produced from one XDR
// sentence, tagged with an arrival sequence number. Immutable once
// enqueued.
type Batch struct {
	Seq    uint64             `json:"seq"`
	Values map[string]float64 `json:"values"`
}

// Queue is a bounded FIFO of batches. When full, pushing evicts the
// oldest batch: for a live feed, recent readings are worth more than
// old ones. Evictions are counted, not reported as errors.
type Queue struct {
	mutex sync.Mutex

	batches  []Batch
	capacity int

	seq     uint64
	dropped uint64
}

func New(capacity int) *Queue {
	return &Queue{capacity: capacity}
}

// Push appends a batch, evicting the oldest one when the queue is at
// capacity. Never blocks. Returns the enqueued batch with its assigned
// sequence number.
func (queue *Queue) Push(values map[string]float64) Batch {
	queue.mutex.Lock()
	defer queue.mutex.Unlock()

	queue.seq++
	batch := Batch{Seq: queue.seq, Values: values}

	if len(queue.batches) > 0 && len(queue.batches) >= queue.capacity {
		queue.batches = queue.batches[1:]
		queue.dropped++
	}
	queue.batches = append(queue.batches, batch)
	return batch
}

// Drain removes and returns up to max of the oldest batches, in FIFO
// order. Never blocks; returns nil when the queue is empty or max is
// not positive.
func (queue *Queue) Drain(max int) []Batch {
	queue.mutex.Lock()
	defer queue.mutex.Unlock()

	if max <= 0 || len(queue.batches) == 0 {
		return nil
	}
	if max > len(queue.batches) {
		max = len(queue.batches)
	}

	drained := make([]Batch, max)
	copy(drained, queue.batches[:max])
	queue.batches = append(queue.batches[:0], queue.batches[max:]...)
	return drained
}

// Len reports the number of queued batches.
func (queue *Queue) Len() int {
	queue.mutex.Lock()
	defer queue.mutex.Unlock()
	return len(queue.batches)
}

// Seq reports the sequence number of the most recently pushed batch.
func (queue *Queue) Seq() uint64 {
	queue.mutex.Lock()
	defer queue.mutex.Unlock()
	return queue.seq
}

// Dropped reports how many batches have been evicted by overflow since
// the queue was created. Monotonically increasing.
func (queue *Queue) Dropped() uint64 {
	queue.mutex.Lock()
	defer queue.mutex.Unlock()
	return queue.dropped
}
