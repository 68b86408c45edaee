package session

import (
	"bytes"
	"context"
	"testing"
	"time"

	llmmock "github.com/outcall-ai/outcall/pkg/provider/llm/mock"
	sttmock "github.com/outcall-ai/outcall/pkg/provider/stt/mock"
	ttsmock "github.com/outcall-ai/outcall/pkg/provider/tts/mock"
)

// oneFrame is a full 20 ms µ-law frame of silence.
var oneFrame = bytes.Repeat([]byte{0xFF}, frameSize)

type fixture struct {
	sess *Session
	stt  *sttmock.Recognizer
	tts  *ttsmock.Synthesizer
	llm  *llmmock.Generator

	stopDrain chan struct{}
}

func newFixture(t *testing.T, gen *llmmock.Generator) *fixture {
	t.Helper()
	if gen == nil {
		gen = &llmmock.Generator{Fallback: "Okay."}
	}
	f := &fixture{
		stt: &sttmock.Recognizer{},
		tts: &ttsmock.Synthesizer{Frame: oneFrame, FramesPerSpeak: 15},
		llm: gen,
	}
	f.sess = New(Config{
		ID:       "call-1",
		STT:      f.stt,
		TTS:      f.tts,
		LLM:      f.llm,
		Greeting: "Hello, this is a test greeting.",
	})
	if err := f.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(f.sess.Terminate)
	return f
}

// drainInBackground plays the part of the media loop, continuously popping
// outbound frames so queue-drain stages can complete.
func (f *fixture) drainInBackground() {
	f.stopDrain = make(chan struct{})
	stop := f.stopDrain
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				f.sess.PopOutbound(5)
				time.Sleep(2 * time.Millisecond)
			}
		}
	}()
}

func (f *fixture) haltDrain() {
	if f.stopDrain != nil {
		close(f.stopDrain)
		f.stopDrain = nil
	}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// driveToListening runs the greeting protocol to completion.
func (f *fixture) driveToListening(t *testing.T) {
	t.Helper()
	f.drainInBackground()
	go f.sess.BeginGreeting()
	waitFor(t, func() bool { return f.sess.Phase() == PhaseListening }, "listening phase")
}

func TestGreeting_PlaysOutThenListens(t *testing.T) {
	f := newFixture(t, nil)
	defer f.haltDrain()

	if f.sess.Phase() != PhaseConnecting {
		t.Fatalf("initial phase = %v", f.sess.Phase())
	}

	f.driveToListening(t)

	if spoken := f.tts.SpokenTexts(); len(spoken) != 1 || spoken[0] != "Hello, this is a test greeting." {
		t.Errorf("greeting spoken = %q", spoken)
	}
	// Recognition must stay gated until the greeting fully played out.
	f.sess.AcceptInbound(oneFrame)
	waitFor(t, func() bool { return len(f.stt.Chunks()) == 1 }, "inbound frame forwarded")
}

func TestGreeting_EarlyCallerAudioNeverReachesRecognition(t *testing.T) {
	f := newFixture(t, nil)
	defer f.haltDrain()

	// Caller talks over the connection setup. The audio is held while the
	// providers come up, then discarded when the greeting starts; it was not
	// a reply to anything.
	for i := 0; i < 20; i++ {
		f.sess.AcceptInbound(oneFrame)
	}
	if got := f.sess.preGreeting.Len(); got != 20 {
		t.Fatalf("pre-greeting buffer = %d frames, want 20", got)
	}

	f.driveToListening(t)

	if got := f.sess.preGreeting.Len(); got != 0 {
		t.Errorf("pre-greeting buffer = %d frames after greeting, want 0", got)
	}
	if got := len(f.stt.Chunks()); got != 0 {
		t.Fatalf("recognizer got %d early frames, want none", got)
	}

	// Only live audio after the greeting reaches recognition.
	f.sess.AcceptInbound(oneFrame)
	waitFor(t, func() bool { return len(f.stt.Chunks()) == 1 }, "live frame forwarded")
}

func TestGreeting_AudioDuringGreetingDiscarded(t *testing.T) {
	f := newFixture(t, nil)
	defer f.haltDrain()

	go f.sess.BeginGreeting()
	waitFor(t, func() bool { return f.sess.Phase() == PhaseGreeting }, "greeting phase")

	// The agent's own voice echoes back while the greeting plays; it must
	// neither buffer nor transcribe.
	for i := 0; i < 5; i++ {
		f.sess.AcceptInbound(oneFrame)
	}
	if got := f.sess.preGreeting.Len(); got != 0 {
		t.Errorf("pre-greeting buffer = %d frames during greeting, want 0", got)
	}
	if got := len(f.stt.Chunks()); got != 0 {
		t.Errorf("recognizer got %d frames during greeting, want none", got)
	}

	f.drainInBackground()
	waitFor(t, func() bool { return f.sess.Phase() == PhaseListening }, "listening phase")
	if got := len(f.stt.Chunks()); got != 0 {
		t.Errorf("recognizer got %d frames after greeting, want none", got)
	}
}

func TestGreeting_PreBufferBounded(t *testing.T) {
	f := newFixture(t, nil)
	defer f.haltDrain()

	// Overflow the pre-greeting buffer; the oldest frames give way and the
	// buffer never grows past its cap.
	for i := 0; i < preGreetingCap+37; i++ {
		f.sess.AcceptInbound(oneFrame)
	}
	if got := f.sess.preGreeting.Len(); got != preGreetingCap {
		t.Fatalf("pre-greeting buffer = %d frames, want %d", got, preGreetingCap)
	}

	f.driveToListening(t)

	if got := f.sess.preGreeting.Len(); got != 0 {
		t.Errorf("pre-greeting buffer = %d frames after greeting, want 0", got)
	}
	if got := len(f.stt.Chunks()); got != 0 {
		t.Errorf("recognizer got %d buffered frames, want none", got)
	}
}

func TestTurn_UtteranceFlowsThroughLLMToSynthesis(t *testing.T) {
	gen := &llmmock.Generator{Turns: [][]string{{"Sure, ", "I can help with that."}}}
	f := newFixture(t, gen)
	defer f.haltDrain()
	f.driveToListening(t)

	f.stt.EmitUtterance("can you help me")

	waitFor(t, func() bool { return f.sess.Phase() == PhaseSpeaking }, "speaking phase")
	waitFor(t, func() bool { return len(f.tts.SpokenTexts()) == 2 }, "fragments synthesized")

	if calls := gen.Calls; len(calls) != 1 || calls[0] != "can you help me" {
		t.Errorf("llm calls = %q", calls)
	}
	// After the reply plays out the session listens again.
	waitFor(t, func() bool { return f.sess.Phase() == PhaseListening }, "return to listening")
}

func TestTurn_SpeakingStartsOnlyWhenAudioArrives(t *testing.T) {
	f := newFixture(t, nil)

	f.sess.mu.Lock()
	f.sess.phase = PhaseThinking
	f.sess.mu.Unlock()

	// Empty synthesis chunks deliver nothing to the caller, so the call is
	// still thinking.
	f.sess.handleSynthesizedAudio(nil)
	if got := f.sess.Phase(); got != PhaseThinking {
		t.Fatalf("phase after empty chunk = %v, want thinking", got)
	}

	f.sess.handleSynthesizedAudio(oneFrame)
	if got := f.sess.Phase(); got != PhaseSpeaking {
		t.Fatalf("phase after first audio = %v, want speaking", got)
	}
}

func TestTurn_SilentReplyReturnsToListening(t *testing.T) {
	f := newFixture(t, nil)

	// The backend confirms the reply complete without ever producing audio;
	// the call goes straight back to listening.
	f.sess.mu.Lock()
	f.sess.phase = PhaseThinking
	f.sess.mu.Unlock()

	f.sess.handleReplyComplete()
	waitFor(t, func() bool { return f.sess.Phase() == PhaseListening }, "listening after silent reply")
}

func TestTurn_UtteranceDroppedWhileSpeaking(t *testing.T) {
	gen := &llmmock.Generator{
		Turns: [][]string{{"A long reply fragment "}},
		Delay: 30 * time.Millisecond,
	}
	f := newFixture(t, gen)
	defer f.haltDrain()
	f.driveToListening(t)
	f.haltDrain()

	f.stt.EmitUtterance("first")
	waitFor(t, func() bool { return f.sess.Phase() == PhaseSpeaking }, "speaking phase")

	// A stray utterance mid-reply must not start a second turn.
	f.stt.EmitUtterance("second")
	time.Sleep(50 * time.Millisecond)
	if len(gen.Calls) != 1 {
		t.Errorf("llm calls = %q, stray utterance should be dropped", gen.Calls)
	}
}

func TestBargeIn_CutsReplyAfterEnoughAudio(t *testing.T) {
	gen := &llmmock.Generator{Turns: [][]string{{"A very long reply."}}}
	f := newFixture(t, gen)
	f.tts.FramesPerSpeak = 60
	defer f.haltDrain()
	f.driveToListening(t)
	f.haltDrain()

	f.stt.EmitUtterance("tell me everything")
	waitFor(t, func() bool { return f.sess.OutboundLen() >= 60 }, "reply queued")

	// Caller has heard a meaningful amount of the reply.
	if got := len(f.sess.PopOutbound(50)); got != 50 {
		t.Fatalf("PopOutbound = %d frames", got)
	}

	f.stt.EmitSpeechStarted()

	waitFor(t, func() bool { return f.sess.Phase() == PhaseListening }, "listening after interruption")
	if f.tts.Cancels != 1 {
		t.Errorf("tts cancels = %d, want 1", f.tts.Cancels)
	}
	if n := f.sess.OutboundLen(); n != 0 {
		t.Errorf("outbound queue = %d frames after interruption, want 0", n)
	}
}

func TestBargeIn_GlitchSuppressedEarlyInReply(t *testing.T) {
	gen := &llmmock.Generator{Turns: [][]string{{"Another long reply."}}}
	f := newFixture(t, gen)
	f.tts.FramesPerSpeak = 60
	defer f.haltDrain()
	f.driveToListening(t)
	f.haltDrain()

	f.stt.EmitUtterance("go on")
	waitFor(t, func() bool { return f.sess.OutboundLen() >= 60 }, "reply queued")

	// Only a few frames delivered: a speech event now is line noise.
	f.sess.PopOutbound(3)
	f.stt.EmitSpeechStarted()

	time.Sleep(50 * time.Millisecond)
	if f.tts.Cancels != 0 {
		t.Errorf("tts cancels = %d, glitch should be suppressed", f.tts.Cancels)
	}
	if f.sess.Phase() != PhaseSpeaking {
		t.Errorf("phase = %v, want speaking", f.sess.Phase())
	}
}

func TestBargeIn_IgnoredWhileListening(t *testing.T) {
	f := newFixture(t, nil)
	defer f.haltDrain()
	f.driveToListening(t)

	f.stt.EmitSpeechStarted()
	time.Sleep(20 * time.Millisecond)
	if f.tts.Cancels != 0 {
		t.Errorf("tts cancels = %d, speech while listening is normal", f.tts.Cancels)
	}
	if f.sess.Phase() != PhaseListening {
		t.Errorf("phase = %v", f.sess.Phase())
	}
}

func TestTerminate_ClosesProvidersOnce(t *testing.T) {
	terminated := 0
	f := &fixture{
		stt: &sttmock.Recognizer{},
		tts: &ttsmock.Synthesizer{Frame: oneFrame},
		llm: &llmmock.Generator{},
	}
	f.sess = New(Config{
		ID:          "call-t",
		STT:         f.stt,
		TTS:         f.tts,
		LLM:         f.llm,
		Greeting:    "Hi.",
		OnTerminate: func(string) { terminated++ },
	})
	if err := f.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	f.sess.Terminate()
	f.sess.Terminate()

	if f.sess.Phase() != PhaseTerminated {
		t.Errorf("phase = %v", f.sess.Phase())
	}
	if !f.stt.Closed() || !f.tts.Closed() {
		t.Error("providers not closed")
	}
	if terminated != 1 {
		t.Errorf("OnTerminate ran %d times, want 1", terminated)
	}

	// Frames after termination are dropped without touching providers.
	f.sess.AcceptInbound(oneFrame)
	if len(f.stt.Chunks()) != 0 {
		t.Error("frame forwarded after termination")
	}
}

func TestSynthesizedAudio_ReframedToTelephoneFrames(t *testing.T) {
	f := newFixture(t, nil)

	// Backend chunks rarely align with 20 ms frames; 400 bytes is 2.5 frames.
	f.sess.handleSynthesizedAudio(bytes.Repeat([]byte{0x01}, 400))
	if n := f.sess.OutboundLen(); n != 2 {
		t.Fatalf("queued frames = %d, want 2 full frames", n)
	}

	// The next chunk completes the held partial.
	f.sess.handleSynthesizedAudio(bytes.Repeat([]byte{0x02}, 80))
	if n := f.sess.OutboundLen(); n != 3 {
		t.Fatalf("queued frames = %d, want 3", n)
	}

	frames := f.sess.PopOutbound(10)
	for i, frame := range frames {
		if len(frame) != frameSize {
			t.Errorf("frame %d length = %d, want %d", i, len(frame), frameSize)
		}
	}
}
