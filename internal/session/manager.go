package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/outcall-ai/outcall/internal/observe"
	"github.com/outcall-ai/outcall/pkg/provider/llm"
	"github.com/outcall-ai/outcall/pkg/provider/stt"
	"github.com/outcall-ai/outcall/pkg/provider/tts"
)

// Factories build fresh provider sessions for each call. Provider WebSocket
// sessions are single-use, so every call gets its own.
type Factories struct {
	STT func() (stt.Recognizer, error)
	TTS func() (tts.Synthesizer, error)
	LLM func() (llm.Generator, error)
}

// Pregenerated holds the call-specific prompt material produced before
// dialing, so the greeting can play the moment the callee answers.
type Pregenerated struct {
	SystemPrompt string
	Greeting     string
}

// Manager owns the live sessions, one per media stream.
type Manager struct {
	factories Factories
	log       *slog.Logger
	metrics   *observe.Metrics

	mu       sync.Mutex
	pre      Pregenerated
	sessions map[string]*Session
}

// NewManager creates a Manager. All three factories must be set.
func NewManager(f Factories, logger *slog.Logger, metrics *observe.Metrics) (*Manager, error) {
	if f.STT == nil || f.TTS == nil || f.LLM == nil {
		return nil, fmt.Errorf("session: all provider factories must be set")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		factories: f,
		log:       logger,
		metrics:   metrics,
		sessions:  make(map[string]*Session),
	}, nil
}

// SetPregenerated stores the prompt material for upcoming calls.
func (m *Manager) SetPregenerated(p Pregenerated) {
	m.mu.Lock()
	m.pre = p
	m.mu.Unlock()
}

// CreateSession builds providers for one call and registers the session under
// id while it is still connecting. The provider WebSockets dial on a
// background goroutine so the media loop keeps absorbing caller audio in the
// meantime; once both sides are up the greeting plays. If the dials fail the
// session stays registered in its connecting phase and the stream's stop
// event (or shutdown) reaps it. Partially-built providers are closed on
// factory failure.
func (m *Manager) CreateSession(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("session: %q already exists", id)
	}
	pre := m.pre
	m.mu.Unlock()

	recognizer, err := m.factories.STT()
	if err != nil {
		return nil, fmt.Errorf("session: build recognizer: %w", err)
	}
	synthesizer, err := m.factories.TTS()
	if err != nil {
		recognizer.Close()
		return nil, fmt.Errorf("session: build synthesizer: %w", err)
	}
	generator, err := m.factories.LLM()
	if err != nil {
		synthesizer.Close()
		recognizer.Close()
		return nil, fmt.Errorf("session: build generator: %w", err)
	}

	sess := New(Config{
		ID:          id,
		STT:         recognizer,
		TTS:         synthesizer,
		LLM:         generator,
		Greeting:    pre.Greeting,
		Logger:      m.log,
		Metrics:     m.metrics,
		OnTerminate: m.remove,
	})
	m.mu.Lock()
	if _, exists := m.sessions[id]; exists {
		m.mu.Unlock()
		synthesizer.Close()
		recognizer.Close()
		return nil, fmt.Errorf("session: %q already exists", id)
	}
	m.sessions[id] = sess
	count := len(m.sessions)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveCalls.Add(ctx, 1)
	}
	m.log.Info("session created", "call", id, "active", count)

	go func() {
		if err := sess.Start(ctx); err != nil {
			m.log.Error("provider connect failed", "call", id, "err", err)
			if m.metrics != nil {
				m.metrics.RecordProviderError(ctx, "deepgram", "connect")
			}
			return
		}
		sess.BeginGreeting()
	}()
	return sess, nil
}

// Get returns the session registered under id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// remove unregisters a terminated session.
func (m *Manager) remove(id string) {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok && m.metrics != nil {
		m.metrics.ActiveCalls.Add(context.Background(), -1)
	}
}

// CloseAll terminates every live session. Used during shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		live = append(live, sess)
	}
	m.mu.Unlock()

	for _, sess := range live {
		sess.Terminate()
	}
}

// Active returns the number of live sessions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
