// Package session implements the per-call engine: the phase state machine
// that routes caller audio to speech recognition, turns transcripts into LLM
// replies, and streams synthesized speech back to the carrier while staying
// interruptible.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/outcall-ai/outcall/internal/observe"
	"github.com/outcall-ai/outcall/pkg/audio"
	"github.com/outcall-ai/outcall/pkg/provider/llm"
	"github.com/outcall-ai/outcall/pkg/provider/stt"
	"github.com/outcall-ai/outcall/pkg/provider/tts"
)

// Phase is the call's position in the conversation loop.
type Phase int

const (
	// PhaseConnecting covers the window between the WebSocket opening and
	// the carrier's start event.
	PhaseConnecting Phase = iota
	// PhaseGreeting plays the opening line. Recognition is gated off so the
	// agent's own voice cannot transcribe itself.
	PhaseGreeting
	// PhaseListening waits for the caller to speak.
	PhaseListening
	// PhaseThinking has a transcript in flight to the LLM, no audio yet.
	PhaseThinking
	// PhaseSpeaking streams synthesized reply audio to the caller.
	PhaseSpeaking
	// PhaseTerminated is final; all provider sessions are closed.
	PhaseTerminated
)

// String returns the lowercase phase name used in logs.
func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseGreeting:
		return "greeting"
	case PhaseListening:
		return "listening"
	case PhaseThinking:
		return "thinking"
	case PhaseSpeaking:
		return "speaking"
	case PhaseTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

const (
	// frameSize is one 20 ms telephone frame of 8 kHz µ-law.
	frameSize = 160

	// preGreetingCap bounds audio absorbed while the providers are still
	// connecting (500 frames = 10 s). The buffer is discarded when the
	// greeting starts; it exists to bound memory, not to preserve speech.
	preGreetingCap = 500

	// outQueueCap bounds synthesized audio awaiting delivery
	// (1000 frames = 20 s).
	outQueueCap = 1000

	// bargeInMinChunks is how many frames of the current reply must have
	// been delivered before a voice-activity event counts as a real
	// interruption. Below this the event is treated as a noise glitch.
	bargeInMinChunks = 10

	// Greeting playout: wait for the queue to fill, then for it to drain,
	// then a settle delay so the carrier-side jitter buffer empties too.
	greetingStartFrames  = 10
	greetingStartTimeout = 1 * time.Second
	drainPollInterval    = 20 * time.Millisecond
	drainMaxPolls        = 500
	settleDelay          = 500 * time.Millisecond
)

// Session drives one call. All state transitions happen under mu; provider
// calls are made outside it so a slow backend can never wedge the event
// handlers.
type Session struct {
	ID string

	log     *slog.Logger
	metrics *observe.Metrics

	stt stt.Recognizer
	tts tts.Synthesizer
	gen llm.Generator

	greeting string

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	phase        Phase
	sttGate      bool
	bargeinArmed bool
	sentChunks   int
	turnCancel   context.CancelFunc

	preGreeting *audio.FrameQueue
	out         *audio.FrameQueue

	frameMu sync.Mutex
	partial []byte

	closeOnce   sync.Once
	onTerminate func(id string)
}

// Config assembles a Session's collaborators.
type Config struct {
	ID       string
	STT      stt.Recognizer
	TTS      tts.Synthesizer
	LLM      llm.Generator
	Greeting string
	Logger   *slog.Logger
	Metrics  *observe.Metrics

	// OnTerminate, if set, runs once after the session has fully shut down.
	OnTerminate func(id string)
}

// New creates a Session in PhaseConnecting. Call Start before feeding it
// events.
func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		ID:          cfg.ID,
		log:         logger.With("call", cfg.ID),
		metrics:     cfg.Metrics,
		stt:         cfg.STT,
		tts:         cfg.TTS,
		gen:         cfg.LLM,
		greeting:    cfg.Greeting,
		phase:       PhaseConnecting,
		preGreeting: audio.NewFrameQueue(preGreetingCap),
		out:         audio.NewFrameQueue(outQueueCap),
		onTerminate: cfg.OnTerminate,
	}
}

// Start connects the recognition and synthesis sessions in parallel. Both
// must come up for the call to proceed; on partial failure whichever side
// connected is closed again. The session stays in PhaseConnecting until the
// carrier's start event arrives.
func (s *Session) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.stt.Start(gctx, stt.Events{
			SpeechStarted: s.handleSpeechStarted,
			Utterance:     s.handleUtterance,
		})
	})
	g.Go(func() error {
		return s.tts.Start(gctx, tts.Events{
			Audio:   s.handleSynthesizedAudio,
			Flushed: s.handleReplyComplete,
		})
	})
	if err := g.Wait(); err != nil {
		_ = s.stt.Close()
		_ = s.tts.Close()
		return err
	}
	s.log.Info("session started")
	return nil
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// BeginGreeting runs the greeting playout protocol and opens recognition once
// the line is quiet again. It blocks for the duration of the greeting, so
// callers run it on its own goroutine.
//
// The three stages exist because delivery is indirect: synthesized audio only
// proves it reached the caller once the outbound queue has both filled and
// drained, and the carrier buffers a little beyond that, hence the settle
// delay. Opening recognition earlier would transcribe the agent's own
// greeting as caller speech.
func (s *Session) BeginGreeting() {
	s.mu.Lock()
	if s.phase != PhaseConnecting {
		s.mu.Unlock()
		return
	}
	s.phase = PhaseGreeting
	s.sttGate = false
	s.mu.Unlock()

	// Whatever the caller said while the providers were connecting was not
	// a reply to anything; transcribing it would race the greeting.
	if discarded := s.preGreeting.Drain(); discarded > 0 {
		s.log.Debug("discarded pre-greeting caller audio", "frames", discarded)
	}

	start := time.Now()
	s.log.Info("greeting started", "text", s.greeting)

	s.tts.ResetCancel()
	if err := s.tts.Speak(s.greeting); err != nil {
		s.log.Error("greeting synthesis failed", "err", err)
		s.metrics.RecordProviderError(s.ctx, "tts", "greeting")
	}
	if err := s.tts.Flush(); err != nil {
		s.log.Error("greeting flush failed", "err", err)
	}

	// Stage 1: wait for synthesis to begin filling the queue.
	deadline := time.Now().Add(greetingStartTimeout)
	for s.out.Len() <= greetingStartFrames && time.Now().Before(deadline) {
		if s.terminated() {
			return
		}
		time.Sleep(drainPollInterval)
	}

	// Stage 2: wait for the queue to play out, bounded so a stalled consumer
	// cannot hold the call mute forever.
	for i := 0; i < drainMaxPolls && s.out.Len() > 0; i++ {
		if s.terminated() {
			return
		}
		time.Sleep(drainPollInterval)
	}

	// Stage 3: let the carrier-side buffer finish.
	time.Sleep(settleDelay)

	s.mu.Lock()
	if s.phase != PhaseGreeting {
		s.mu.Unlock()
		return
	}
	s.phase = PhaseListening
	s.sttGate = true
	s.bargeinArmed = true
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.GreetingDrain.Record(s.ctx, time.Since(start).Seconds())
	}
	s.log.Info("greeting complete, listening", "took", time.Since(start))
}

// AcceptInbound routes one caller audio frame. While the providers connect
// the frame is held in the bounded pre-greeting buffer; while the greeting
// plays it is discarded outright, so the agent's own voice and line noise
// never transcribe. Only once recognition opens do frames reach the backend.
func (s *Session) AcceptInbound(frame []byte) {
	s.mu.Lock()
	if s.phase == PhaseTerminated {
		s.mu.Unlock()
		return
	}
	if !s.sttGate {
		if s.phase != PhaseConnecting {
			s.mu.Unlock()
			return
		}
		dropped := s.preGreeting.Push(frame)
		s.mu.Unlock()
		if dropped {
			s.metrics.RecordDroppedFrames(s.ctx, "pre_greeting", 1)
		}
		return
	}
	s.mu.Unlock()

	_ = s.stt.SendAudio(frame)
}

// PopOutbound removes up to max synthesized frames for delivery and advances
// the delivered-chunk count that arms barge-in.
func (s *Session) PopOutbound(max int) [][]byte {
	frames := s.out.PopN(max)
	if len(frames) > 0 {
		s.mu.Lock()
		s.sentChunks += len(frames)
		s.mu.Unlock()
	}
	return frames
}

// OutboundLen reports how many synthesized frames are waiting for delivery.
func (s *Session) OutboundLen() int {
	return s.out.Len()
}

// handleSpeechStarted decides whether caller voice activity is a real
// interruption. The delivered-chunk threshold filters the recognizer's false
// positives: line noise right after the agent starts talking would otherwise
// cut every reply short.
func (s *Session) handleSpeechStarted() {
	s.mu.Lock()
	if !s.bargeinArmed || (s.phase != PhaseThinking && s.phase != PhaseSpeaking) {
		s.mu.Unlock()
		return
	}
	if s.sentChunks <= bargeInMinChunks {
		s.mu.Unlock()
		s.log.Debug("speech event ignored, reply barely started")
		return
	}
	cancel := s.turnCancel
	s.turnCancel = nil
	s.phase = PhaseListening
	s.sentChunks = 0
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := s.tts.Cancel(); err != nil {
		s.log.Warn("tts cancel failed", "err", err)
	}
	discarded := s.out.Drain()
	s.metrics.RecordBargeIn(s.ctx)
	s.log.Info("caller interrupted, reply cancelled", "discarded_frames", discarded)
}

// handleUtterance starts an LLM turn for a consolidated caller utterance.
// Utterances are only acted on while listening; anything else is leftover
// recognition racing a phase change and gets dropped.
func (s *Session) handleUtterance(text string) {
	s.mu.Lock()
	if s.phase != PhaseListening {
		phase := s.phase
		s.mu.Unlock()
		s.log.Debug("utterance dropped", "phase", phase, "text", text)
		return
	}
	s.phase = PhaseThinking
	s.sentChunks = 0
	turnCtx, cancel := context.WithCancel(s.ctx)
	s.turnCancel = cancel
	s.mu.Unlock()

	s.metrics.RecordUtterance(s.ctx)
	s.log.Info("caller utterance", "text", text)
	go s.runTurn(turnCtx, text)
}

// runTurn streams one LLM reply into synthesis.
func (s *Session) runTurn(ctx context.Context, text string) {
	start := time.Now()
	var firstFragment time.Duration

	s.tts.ResetCancel()
	fragments := s.gen.GenerateStream(ctx, text)
	for fragment := range fragments {
		if ctx.Err() != nil {
			return
		}
		if firstFragment == 0 {
			firstFragment = time.Since(start)
		}
		if err := s.tts.Speak(fragment); err != nil {
			s.log.Error("synthesis failed", "err", err)
			s.metrics.RecordProviderError(s.ctx, "tts", "speak")
			return
		}
	}
	if ctx.Err() != nil {
		return
	}
	if err := s.tts.Flush(); err != nil {
		s.log.Error("flush failed", "err", err)
	}
	s.metrics.RecordTurn(s.ctx, firstFragment, time.Since(start))
}

// handleSynthesizedAudio reframes backend audio chunks into 20 ms telephone
// frames and queues them for delivery. A trailing partial frame is held until
// the next chunk completes it.
//
// The first audio of a turn also moves the call from thinking to speaking:
// text fragments alone prove nothing about what the caller hears, so the
// transition waits for synthesized sound.
func (s *Session) handleSynthesizedAudio(chunk []byte) {
	if len(chunk) > 0 {
		s.mu.Lock()
		if s.phase == PhaseThinking {
			s.phase = PhaseSpeaking
		}
		s.mu.Unlock()
	}

	s.frameMu.Lock()
	s.partial = append(s.partial, chunk...)
	var frames [][]byte
	for len(s.partial) >= frameSize {
		frame := make([]byte, frameSize)
		copy(frame, s.partial[:frameSize])
		s.partial = s.partial[frameSize:]
		frames = append(frames, frame)
	}
	s.frameMu.Unlock()

	var dropped int64
	for _, frame := range frames {
		if s.out.Push(frame) {
			dropped++
		}
	}
	s.metrics.RecordDroppedFrames(s.ctx, "tts_out", dropped)
}

// handleReplyComplete fires when the backend confirms the reply is fully
// synthesized. The remaining partial frame is flushed, and once the outbound
// queue plays out the session returns to listening. During the greeting the
// playout protocol owns the transition, so this is a no-op.
func (s *Session) handleReplyComplete() {
	s.frameMu.Lock()
	if len(s.partial) > 0 {
		tail := make([]byte, len(s.partial))
		copy(tail, s.partial)
		s.partial = s.partial[:0]
		s.frameMu.Unlock()
		s.out.Push(tail)
	} else {
		s.frameMu.Unlock()
	}

	// A reply that produced no audio at all never left thinking; it still
	// returns to listening the same way.
	s.mu.Lock()
	if s.phase != PhaseSpeaking && s.phase != PhaseThinking {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	go func() {
		for i := 0; i < drainMaxPolls && s.out.Len() > 0; i++ {
			if s.terminated() {
				return
			}
			time.Sleep(drainPollInterval)
		}
		s.mu.Lock()
		if s.phase == PhaseSpeaking || s.phase == PhaseThinking {
			s.phase = PhaseListening
			s.turnCancel = nil
		}
		s.mu.Unlock()
		s.log.Debug("reply played out, listening")
	}()
}

// Terminate shuts the session down. Safe to call more than once and from any
// goroutine.
func (s *Session) Terminate() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.phase = PhaseTerminated
		cancel := s.turnCancel
		s.turnCancel = nil
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if s.cancel != nil {
			s.cancel()
		}
		if s.stt != nil {
			_ = s.stt.Close()
		}
		if s.tts != nil {
			_ = s.tts.Close()
		}
		s.preGreeting.Drain()
		s.out.Drain()
		s.log.Info("session terminated")
		if s.onTerminate != nil {
			s.onTerminate(s.ID)
		}
	})
}

// History exposes the completed conversation for post-call inspection.
func (s *Session) History() []llm.Message {
	return s.gen.History()
}

func (s *Session) terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == PhaseTerminated
}
