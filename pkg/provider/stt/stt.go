// Package stt defines the streaming speech-to-text interface used by the call
// engine.
package stt

import "context"

// Events are the callbacks a Recognizer fires while listening. Callbacks run
// on the recognizer's read goroutine, so they must return quickly and must
// not call back into the recognizer.
type Events struct {
	// SpeechStarted fires when voice activity is first detected in the
	// incoming audio. Used to cut off playback when the caller interrupts.
	SpeechStarted func()

	// Interim fires for provisional transcripts that may still be revised.
	// Optional; the engine only logs them.
	Interim func(text string)

	// Final fires for each finalized transcript segment before it is folded
	// into the consolidated utterance. Optional.
	Final func(text string)

	// Utterance fires once per completed utterance with the consolidated
	// transcript. It never fires with an empty string.
	Utterance func(text string)
}

// Recognizer is a live streaming transcription session over one call's audio.
type Recognizer interface {
	// Start connects to the backend and begins the receive loop. Events may
	// fire any time after Start returns until Close.
	Start(ctx context.Context, ev Events) error

	// SendAudio queues one audio chunk for transcription. Audio sent after
	// Close is silently dropped.
	SendAudio(chunk []byte) error

	// Close flushes pending audio and tears the session down. Safe to call
	// more than once.
	Close() error
}
