// Package mock provides a test double for tts.Synthesizer.
//
// Each Speak emits FramesPerSpeak scripted audio chunks through the Audio
// callback; Flush fires Flushed. Cancellation semantics match the real
// synthesizer: sends while cancelled are skipped and recorded nowhere.
package mock

import (
	"context"
	"sync"

	"github.com/outcall-ai/outcall/pkg/provider/tts"
)

// Synthesizer is a scripted implementation of tts.Synthesizer.
type Synthesizer struct {
	mu sync.Mutex

	// StartErr, if non-nil, is returned from Start.
	StartErr error

	// Frame is the audio chunk emitted for each Speak. Defaults to a single
	// 0xFF byte when nil.
	Frame []byte

	// FramesPerSpeak is how many audio chunks each Speak produces. Zero means
	// one.
	FramesPerSpeak int

	started   bool
	closed    bool
	cancelled bool
	ev        tts.Events

	// Spoken records the text of every Speak that was actually sent.
	Spoken []string
	// Flushes counts explicit and implicit Flush calls that were sent.
	Flushes int
	// Cancels counts Cancel calls.
	Cancels int
}

var _ tts.Synthesizer = (*Synthesizer)(nil)

// Start records the event callbacks.
func (s *Synthesizer) Start(_ context.Context, ev tts.Events) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StartErr != nil {
		return s.StartErr
	}
	s.started = true
	s.ev = ev
	return nil
}

// Speak records the text and emits scripted audio chunks.
func (s *Synthesizer) Speak(text string) error {
	s.mu.Lock()
	if s.closed || s.cancelled || text == "" {
		s.mu.Unlock()
		return nil
	}
	s.Spoken = append(s.Spoken, text)
	audio := s.ev.Audio
	frame := s.Frame
	if frame == nil {
		frame = []byte{0xFF}
	}
	n := s.FramesPerSpeak
	if n == 0 {
		n = 1
	}
	s.mu.Unlock()

	if audio != nil {
		for i := 0; i < n; i++ {
			audio(frame)
		}
	}
	return nil
}

// Stream speaks fragments until the channel closes, then flushes.
func (s *Synthesizer) Stream(ctx context.Context, fragments <-chan string) error {
	for {
		select {
		case fragment, ok := <-fragments:
			if !ok {
				return s.Flush()
			}
			if err := s.Speak(fragment); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Flush fires the Flushed callback unless cancelled.
func (s *Synthesizer) Flush() error {
	s.mu.Lock()
	if s.closed || s.cancelled {
		s.mu.Unlock()
		return nil
	}
	s.Flushes++
	flushed := s.ev.Flushed
	s.mu.Unlock()

	if flushed != nil {
		flushed()
	}
	return nil
}

// Cancel marks the synthesizer cancelled.
func (s *Synthesizer) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	s.Cancels++
	return nil
}

// ResetCancel re-arms the synthesizer.
func (s *Synthesizer) ResetCancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = false
}

// Close marks the synthesizer closed.
func (s *Synthesizer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Started reports whether Start was called.
func (s *Synthesizer) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Closed reports whether Close was called.
func (s *Synthesizer) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SpokenTexts returns a copy of the recorded Speak texts.
func (s *Synthesizer) SpokenTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.Spoken))
	copy(out, s.Spoken)
	return out
}
