// Package mock provides a scripted test double for llm.Generator.
//
// Set Turns before use to script the fragments each successive turn emits.
// All fields are safe to set before calling any method; mutating them during
// a concurrent call is the caller's responsibility.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/outcall-ai/outcall/pkg/provider/llm"
)

// Generator replays scripted fragment lists in order, one list per turn.
// It mirrors the history semantics of the real client: a completed turn
// records both messages, a cancelled turn records neither.
type Generator struct {
	mu sync.Mutex

	// --- Configurable behavior ---

	// Turns holds the fragments to emit for each successive GenerateStream
	// call. Calls past the end of the script emit Fallback, or nothing when
	// Fallback is empty.
	Turns    [][]string
	Fallback string

	// Delay, if set, is how long to wait before each fragment. Lets tests
	// hold a turn open so it can be interrupted.
	Delay time.Duration

	// --- Call records (read after test) ---

	// Calls records every userText passed to GenerateStream, including
	// cancelled turns.
	Calls []string

	turn     int
	messages []llm.Message
}

var _ llm.Generator = (*Generator)(nil)

// GenerateStream records the call and emits the next scripted turn.
func (g *Generator) GenerateStream(ctx context.Context, userText string) <-chan string {
	g.mu.Lock()
	g.Calls = append(g.Calls, userText)
	var fragments []string
	if g.turn < len(g.Turns) {
		fragments = g.Turns[g.turn]
	} else if g.Fallback != "" {
		fragments = []string{g.Fallback}
	}
	g.turn++
	delay := g.Delay
	g.mu.Unlock()

	out := make(chan string, len(fragments))
	go func() {
		defer close(out)
		var full string
		for _, f := range fragments {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- f:
				full += f
			case <-ctx.Done():
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		g.mu.Lock()
		g.messages = append(g.messages,
			llm.Message{Role: llm.RoleUser, Content: userText},
			llm.Message{Role: llm.RoleAssistant, Content: full},
		)
		g.mu.Unlock()
	}()
	return out
}

// History returns a copy of the completed turns.
func (g *Generator) History() []llm.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]llm.Message, len(g.messages))
	copy(out, g.messages)
	return out
}
