package stream

import (
	"fmt"
	"testing"
)

func TestAudioQueueDropOldest(t *testing.T) {
	q := newAudioQueue(3)
	for i := 0; i < 4; i++ {
		q.push([]byte{byte(i)})
	}
	if q.len() != 3 {
		t.Fatalf("len = %d, want 3", q.len())
	}
	got := q.drain(10)
	if len(got) != 3 {
		t.Fatalf("drained %d chunks, want 3", len(got))
	}
	// Chunk 0 was evicted; 1..3 survive in order.
	for i, chunk := range got {
		if chunk[0] != byte(i+1) {
			t.Fatalf("chunk[%d] = %d, want %d", i, chunk[0], i+1)
		}
	}
	if q.droppedTotal() != 1 {
		t.Fatalf("droppedTotal = %d, want 1", q.droppedTotal())
	}
}

func TestAudioQueueOverflowScenario(t *testing.T) {
	q := newAudioQueue(200)
	for i := 0; i < 205; i++ {
		q.push([]byte(fmt.Sprintf("chunk-%d", i)))
	}
	if q.len() != 200 {
		t.Fatalf("len = %d, want 200", q.len())
	}

	var all [][]byte
	for {
		batch := q.drain(defaultAudioDrainBatch)
		if len(batch) == 0 {
			break
		}
		if len(batch) > defaultAudioDrainBatch {
			t.Fatalf("drain batch %d exceeds %d", len(batch), defaultAudioDrainBatch)
		}
		all = append(all, batch...)
	}
	if len(all) != 200 {
		t.Fatalf("drained %d chunks, want 200", len(all))
	}
	// The 5 oldest chunks are gone; the first survivor is chunk-5.
	if string(all[0]) != "chunk-5" {
		t.Fatalf("first surviving chunk = %s, want chunk-5", all[0])
	}
	if string(all[len(all)-1]) != "chunk-204" {
		t.Fatalf("last chunk = %s, want chunk-204", all[len(all)-1])
	}
}

func TestAudioQueueDrainEmpty(t *testing.T) {
	q := newAudioQueue(4)
	if got := q.drain(5); got != nil {
		t.Fatalf("drain on empty queue = %v, want nil", got)
	}
}
