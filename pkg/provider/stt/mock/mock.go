// Package mock provides a test double for stt.Recognizer.
//
// Tests drive the engine by firing the event callbacks directly through
// EmitSpeechStarted and EmitUtterance, and inspect the audio chunks the
// engine forwarded via Chunks.
package mock

import (
	"context"
	"sync"

	"github.com/outcall-ai/outcall/pkg/provider/stt"
)

// Recognizer is a scripted implementation of stt.Recognizer.
type Recognizer struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned from Start.
	StartErr error

	started bool
	closed  bool
	ev      stt.Events
	chunks  [][]byte
}

var _ stt.Recognizer = (*Recognizer)(nil)

// Start records the event callbacks for later Emit calls.
func (r *Recognizer) Start(_ context.Context, ev stt.Events) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.StartErr != nil {
		return r.StartErr
	}
	r.started = true
	r.ev = ev
	return nil
}

// SendAudio records the chunk. Chunks sent after Close are dropped, matching
// the real recognizer.
func (r *Recognizer) SendAudio(chunk []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	c := make([]byte, len(chunk))
	copy(c, chunk)
	r.chunks = append(r.chunks, c)
	return nil
}

// Close marks the recognizer closed.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Started reports whether Start was called.
func (r *Recognizer) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// Closed reports whether Close was called.
func (r *Recognizer) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Chunks returns the audio chunks received so far.
func (r *Recognizer) Chunks() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.chunks))
	copy(out, r.chunks)
	return out
}

// EmitSpeechStarted fires the SpeechStarted callback as the live API would.
func (r *Recognizer) EmitSpeechStarted() {
	r.mu.Lock()
	cb := r.ev.SpeechStarted
	r.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// EmitUtterance fires the Utterance callback with a consolidated transcript.
// Empty text is dropped, matching the real recognizer.
func (r *Recognizer) EmitUtterance(text string) {
	r.mu.Lock()
	cb := r.ev.Utterance
	r.mu.Unlock()
	if text != "" && cb != nil {
		cb(text)
	}
}
