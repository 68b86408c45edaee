package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/outcall-ai/outcall/pkg/provider/llm"
	llmmock "github.com/outcall-ai/outcall/pkg/provider/llm/mock"
	"github.com/outcall-ai/outcall/pkg/provider/stt"
	sttmock "github.com/outcall-ai/outcall/pkg/provider/stt/mock"
	"github.com/outcall-ai/outcall/pkg/provider/tts"
	ttsmock "github.com/outcall-ai/outcall/pkg/provider/tts/mock"
)

func testFactories() Factories {
	return Factories{
		STT: func() (stt.Recognizer, error) { return &sttmock.Recognizer{}, nil },
		TTS: func() (tts.Synthesizer, error) { return &ttsmock.Synthesizer{}, nil },
		LLM: func() (llm.Generator, error) { return &llmmock.Generator{}, nil },
	}
}

func TestManager_CreateAndRemove(t *testing.T) {
	m, err := NewManager(testFactories(), nil, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.SetPregenerated(Pregenerated{Greeting: "Hi there."})

	sess, err := m.CreateSession(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.greeting != "Hi there." {
		t.Errorf("greeting = %q", sess.greeting)
	}
	if m.Active() != 1 {
		t.Errorf("Active = %d", m.Active())
	}

	got, ok := m.Get("call-1")
	if !ok || got != sess {
		t.Error("Get should return the registered session")
	}

	// Termination unregisters through OnTerminate.
	sess.Terminate()
	if m.Active() != 0 {
		t.Errorf("Active after terminate = %d", m.Active())
	}
	if _, ok := m.Get("call-1"); ok {
		t.Error("terminated session still registered")
	}
}

func TestManager_CreateStartsGreetingInBackground(t *testing.T) {
	synth := &ttsmock.Synthesizer{}
	f := testFactories()
	f.TTS = func() (tts.Synthesizer, error) { return synth, nil }

	m, _ := NewManager(f, nil, nil)
	m.SetPregenerated(Pregenerated{Greeting: "Hi there."})

	if _, err := m.CreateSession(context.Background(), "call-1"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	// Registration is immediate; the providers dial and the greeting plays
	// behind it.
	if m.Active() != 1 {
		t.Fatalf("Active = %d", m.Active())
	}
	waitFor(t, func() bool {
		spoken := synth.SpokenTexts()
		return len(spoken) == 1 && spoken[0] == "Hi there."
	}, "greeting spoken")
}

func TestManager_ConnectFailureLeavesSessionForStop(t *testing.T) {
	synth := &ttsmock.Synthesizer{}
	f := testFactories()
	f.STT = func() (stt.Recognizer, error) {
		return &sttmock.Recognizer{StartErr: errors.New("dial failed")}, nil
	}
	f.TTS = func() (tts.Synthesizer, error) { return synth, nil }

	m, _ := NewManager(f, nil, nil)
	sess, err := m.CreateSession(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// The failed dial never greets and never advances the phase; the session
	// stays registered so the stream's stop event can tear it down.
	time.Sleep(50 * time.Millisecond)
	if got := sess.Phase(); got != PhaseConnecting {
		t.Errorf("phase = %v, want connecting", got)
	}
	if len(synth.SpokenTexts()) != 0 {
		t.Error("greeting played without recognition")
	}
	if m.Active() != 1 {
		t.Errorf("Active = %d, want 1", m.Active())
	}

	sess.Terminate()
	if m.Active() != 0 {
		t.Errorf("Active after terminate = %d", m.Active())
	}
}

func TestManager_DuplicateID(t *testing.T) {
	m, _ := NewManager(testFactories(), nil, nil)
	if _, err := m.CreateSession(context.Background(), "call-1"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := m.CreateSession(context.Background(), "call-1"); err == nil {
		t.Error("duplicate id should fail")
	}
}

func TestManager_FactoryFailureCleansUp(t *testing.T) {
	recognizer := &sttmock.Recognizer{}
	f := testFactories()
	f.STT = func() (stt.Recognizer, error) { return recognizer, nil }
	f.LLM = func() (llm.Generator, error) { return nil, errors.New("llm down") }

	m, _ := NewManager(f, nil, nil)
	if _, err := m.CreateSession(context.Background(), "call-1"); err == nil {
		t.Fatal("CreateSession should fail when a factory fails")
	}
	if !recognizer.Closed() {
		t.Error("recognizer leaked after factory failure")
	}
	if m.Active() != 0 {
		t.Errorf("Active = %d", m.Active())
	}
}

func TestManager_RequiresFactories(t *testing.T) {
	if _, err := NewManager(Factories{}, nil, nil); err == nil {
		t.Error("NewManager without factories should fail")
	}
}

func TestManager_CloseAll(t *testing.T) {
	m, _ := NewManager(testFactories(), nil, nil)
	for _, id := range []string{"a", "b", "c"} {
		if _, err := m.CreateSession(context.Background(), id); err != nil {
			t.Fatalf("CreateSession(%s): %v", id, err)
		}
	}
	m.CloseAll()
	if m.Active() != 0 {
		t.Errorf("Active after CloseAll = %d", m.Active())
	}
}
