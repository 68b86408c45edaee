package audio

import "sync"

// FrameQueue is a bounded FIFO of audio frames. When a Push would exceed the
// capacity the oldest frame is dropped, so a stalled consumer degrades into
// losing the tail of old audio rather than growing without bound.
//
// All methods are safe for concurrent use. The producer and consumer may run
// on different goroutines (TTS callback vs. the endpoint drain loop).
type FrameQueue struct {
	mu     sync.Mutex
	frames [][]byte
	cap    int
	drops  int
}

// NewFrameQueue creates a queue holding at most capacity frames.
// A capacity of zero or less panics; an unbounded queue is never wanted here.
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity <= 0 {
		panic("audio: FrameQueue capacity must be positive")
	}
	return &FrameQueue{
		frames: make([][]byte, 0, capacity),
		cap:    capacity,
	}
}

// Push appends frame, dropping the oldest entry if the queue is full.
// It reports whether an old frame was dropped to make room.
func (q *FrameQueue) Push(frame []byte) (dropped bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) >= q.cap {
		copy(q.frames, q.frames[1:])
		q.frames = q.frames[:len(q.frames)-1]
		q.drops++
		dropped = true
	}
	q.frames = append(q.frames, frame)
	return dropped
}

// Pop removes and returns the oldest frame, or (nil, false) when empty.
func (q *FrameQueue) Pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.frames) == 0 {
		return nil, false
	}
	frame := q.frames[0]
	copy(q.frames, q.frames[1:])
	q.frames = q.frames[:len(q.frames)-1]
	return frame, true
}

// PopN removes and returns up to max frames in FIFO order.
// Returns nil when the queue is empty.
func (q *FrameQueue) PopN(max int) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := min(max, len(q.frames))
	if n <= 0 {
		return nil
	}
	out := make([][]byte, n)
	copy(out, q.frames[:n])
	copy(q.frames, q.frames[n:])
	q.frames = q.frames[:len(q.frames)-n]
	return out
}

// Len returns the number of queued frames.
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Drain discards all queued frames and returns how many were removed.
func (q *FrameQueue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.frames)
	q.frames = q.frames[:0]
	return n
}

// Drops returns the total number of frames dropped by overflow since creation.
func (q *FrameQueue) Drops() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drops
}
