// Package llm defines the streaming conversation interface the call engine
// uses to generate replies.
//
// A Generator owns the conversation history for one call: a system prompt
// fixed at construction and an alternating user/assistant message list.
// GenerateStream drives one conversational turn; the fragments it emits are
// paced for direct hand-off to a streaming TTS synthesizer.
package llm

import "context"

// Roles for conversation messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of the conversation history.
type Message struct {
	Role    string
	Content string
}

// Generator is the abstraction over a streaming chat backend.
//
// Implementations must be safe for concurrent use, though callers run at most
// one GenerateStream per Generator at a time (one in-flight turn per call).
type Generator interface {
	// GenerateStream appends userText as a user turn and streams the reply as
	// text fragments chunked at sentence boundaries, so each fragment can be
	// flushed straight into TTS. The channel is closed when the turn ends.
	//
	// GenerateStream never fails the turn outright: backend errors surface as
	// a single canned apology fragment that is recorded as the assistant turn.
	// Cancelling ctx terminates the stream at the next fragment boundary and
	// rolls the conversation back to its state before the call, so an
	// interrupted turn leaves no half-finished history entry.
	GenerateStream(ctx context.Context, userText string) <-chan string

	// History returns a copy of the conversation so far. Completed turns only:
	// strict user/assistant alternation, no partial entries.
	History() []Message
}
