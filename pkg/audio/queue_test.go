package audio

import (
	"bytes"
	"fmt"
	"testing"
)

func frame(i int) []byte {
	return []byte(fmt.Sprintf("frame-%d", i))
}

func TestFrameQueue_FIFO(t *testing.T) {
	q := NewFrameQueue(8)
	for i := 0; i < 3; i++ {
		if dropped := q.Push(frame(i)); dropped {
			t.Fatalf("Push(%d): unexpected drop", i)
		}
	}
	for i := 0; i < 3; i++ {
		got, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop %d: queue unexpectedly empty", i)
		}
		if !bytes.Equal(got, frame(i)) {
			t.Errorf("Pop %d = %q, want %q", i, got, frame(i))
		}
	}
	if _, ok := q.Pop(); ok {
		t.Error("Pop on empty queue should report !ok")
	}
}

func TestFrameQueue_OverflowDropsOldest(t *testing.T) {
	q := NewFrameQueue(3)
	for i := 0; i < 5; i++ {
		q.Push(frame(i))
	}
	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3", q.Len())
	}
	if q.Drops() != 2 {
		t.Errorf("Drops = %d, want 2", q.Drops())
	}
	// Oldest two (0, 1) were dropped; 2, 3, 4 remain in order.
	for _, want := range []int{2, 3, 4} {
		got, ok := q.Pop()
		if !ok || !bytes.Equal(got, frame(want)) {
			t.Errorf("Pop = %q (ok=%v), want %q", got, ok, frame(want))
		}
	}
}

func TestFrameQueue_PopN(t *testing.T) {
	q := NewFrameQueue(16)
	for i := 0; i < 7; i++ {
		q.Push(frame(i))
	}

	batch := q.PopN(5)
	if len(batch) != 5 {
		t.Fatalf("PopN(5) returned %d frames", len(batch))
	}
	for i, f := range batch {
		if !bytes.Equal(f, frame(i)) {
			t.Errorf("batch[%d] = %q, want %q", i, f, frame(i))
		}
	}

	// Asking for more than remains returns just the remainder.
	batch = q.PopN(5)
	if len(batch) != 2 {
		t.Fatalf("second PopN(5) returned %d frames, want 2", len(batch))
	}
	if q.PopN(5) != nil {
		t.Error("PopN on empty queue should return nil")
	}
}

func TestFrameQueue_Drain(t *testing.T) {
	q := NewFrameQueue(4)
	for i := 0; i < 4; i++ {
		q.Push(frame(i))
	}
	if n := q.Drain(); n != 4 {
		t.Errorf("Drain = %d, want 4", n)
	}
	if q.Len() != 0 {
		t.Errorf("Len after Drain = %d, want 0", q.Len())
	}
	// Queue remains usable after a drain.
	q.Push(frame(9))
	if q.Len() != 1 {
		t.Errorf("Len after Push = %d, want 1", q.Len())
	}
}

func TestNewFrameQueue_PanicsOnZeroCapacity(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewFrameQueue(0) should panic")
		}
	}()
	NewFrameQueue(0)
}
