package stream

import "sync"

const (
	defaultAudioQueueCapacity = 200
	defaultAudioDrainBatch    = 5
)

// audioQueue is the bounded per-session buffer decoupling audio producers
// from the outbound queue. When full it evicts the oldest chunk first:
// audio is not authoritative history, so freshness wins over completeness.
type audioQueue struct {
	mu       sync.Mutex
	chunks   [][]byte
	capacity int
	dropped  uint64
}

func newAudioQueue(capacity int) *audioQueue {
	if capacity <= 0 {
		capacity = defaultAudioQueueCapacity
	}
	return &audioQueue{capacity: capacity}
}

// push admits chunk, evicting the oldest buffered chunk when at capacity.
// It reports how many chunks were evicted to admit this one.
func (q *audioQueue) push(chunk []byte) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	evicted := 0
	for len(q.chunks) >= q.capacity {
		q.chunks = q.chunks[1:]
		evicted++
	}
	q.chunks = append(q.chunks, chunk)
	q.dropped += uint64(evicted)
	return evicted
}

// drain removes and returns up to max of the oldest chunks.
func (q *audioQueue) drain(max int) [][]byte {
	if max <= 0 {
		max = defaultAudioDrainBatch
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.chunks) == 0 {
		return nil
	}
	n := max
	if n > len(q.chunks) {
		n = len(q.chunks)
	}
	out := q.chunks[:n]
	q.chunks = append([][]byte(nil), q.chunks[n:]...)
	return out
}

func (q *audioQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chunks)
}

func (q *audioQueue) droppedTotal() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
