// Package tts defines the streaming text-to-speech interface used by the
// call engine.
package tts

import "context"

// Events are the callbacks a Synthesizer fires as audio comes back. Callbacks
// run on the synthesizer's read goroutine, so they must return quickly and
// must not call back into the synthesizer.
type Events struct {
	// Audio fires for each synthesized audio chunk. Chunk sizes follow the
	// backend; callers reframe for their transport.
	Audio func(chunk []byte)

	// Flushed fires when the backend confirms all flushed text has been
	// synthesized and delivered. Marks the end of one spoken reply.
	Flushed func()
}

// Synthesizer is a live streaming synthesis session for one call.
//
// Cancellation is sticky: after Cancel, text sends are skipped and audio that
// was already in flight is dropped instead of delivered, until ResetCancel
// arms the synthesizer for the next reply.
type Synthesizer interface {
	// Start connects to the backend and begins the receive loop.
	Start(ctx context.Context, ev Events) error

	// Speak queues text for synthesis. Text ending in sentence-final
	// punctuation is flushed immediately so short replies start playing
	// without waiting for more input.
	Speak(text string) error

	// Stream speaks fragments as they arrive and flushes once the channel
	// closes. Returns early when ctx is cancelled.
	Stream(ctx context.Context, fragments <-chan string) error

	// Flush forces synthesis of any buffered text.
	Flush() error

	// Cancel abandons the current reply: buffered text is cleared on the
	// backend and in-flight audio is dropped on arrival.
	Cancel() error

	// ResetCancel clears the cancelled state before a new reply.
	ResetCancel()

	// Close tears the session down. Safe to call more than once.
	Close() error
}
