package deepgram

import (
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/outcall-ai/outcall/pkg/provider/stt"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	r, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	raw, err := r.buildURL()
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse built URL: %v", err)
	}

	q := u.Query()
	want := map[string]string{
		"model":            "nova-2",
		"language":         "en-US",
		"encoding":         "mulaw",
		"sample_rate":      "8000",
		"channels":         "1",
		"punctuate":        "true",
		"smart_format":     "true",
		"interim_results":  "true",
		"vad_events":       "true",
		"endpointing":      "300",
		"utterance_end_ms": "1000",
	}
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("query %s = %q, want %q", k, got, v)
		}
	}
}

func TestBuildURL_Options(t *testing.T) {
	r, err := New("test-key",
		WithModel("nova-3"),
		WithEndpointing(500*time.Millisecond),
		WithUtteranceEnd(2*time.Second),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	raw, _ := r.buildURL()
	u, _ := url.Parse(raw)
	q := u.Query()
	if q.Get("model") != "nova-3" {
		t.Errorf("model = %q", q.Get("model"))
	}
	if q.Get("endpointing") != "500" {
		t.Errorf("endpointing = %q", q.Get("endpointing"))
	}
	if q.Get("utterance_end_ms") != "2000" {
		t.Errorf("utterance_end_ms = %q", q.Get("utterance_end_ms"))
	}
}

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("New(\"\") should fail")
	}
}

// ---- event handling tests ----

// recorder collects callback invocations for assertion.
type recorder struct {
	mu         sync.Mutex
	started    int
	interims   []string
	finals     []string
	utterances []string
}

func (rec *recorder) events() stt.Events {
	return stt.Events{
		SpeechStarted: func() {
			rec.mu.Lock()
			rec.started++
			rec.mu.Unlock()
		},
		Interim: func(text string) {
			rec.mu.Lock()
			rec.interims = append(rec.interims, text)
			rec.mu.Unlock()
		},
		Final: func(text string) {
			rec.mu.Lock()
			rec.finals = append(rec.finals, text)
			rec.mu.Unlock()
		},
		Utterance: func(text string) {
			rec.mu.Lock()
			rec.utterances = append(rec.utterances, text)
			rec.mu.Unlock()
		},
	}
}

func newHandlerUnderTest(t *testing.T) (*Recognizer, *recorder) {
	t.Helper()
	r, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := &recorder{}
	r.ev = rec.events()
	return r, rec
}

func results(transcript string, isFinal, speechFinal bool) []byte {
	msg := `{"type":"Results","is_final":` + boolJSON(isFinal) +
		`,"speech_final":` + boolJSON(speechFinal) +
		`,"channel":{"alternatives":[{"transcript":"` + transcript + `","confidence":0.98}]}}`
	return []byte(msg)
}

func boolJSON(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func TestHandleMessage_SpeechFinalEmitsConsolidated(t *testing.T) {
	r, rec := newHandlerUnderTest(t)

	r.handleMessage(results("hello there", true, false))
	r.handleMessage(results("how are you", true, true))

	if len(rec.utterances) != 1 {
		t.Fatalf("utterances = %q, want one", rec.utterances)
	}
	if rec.utterances[0] != "hello there how are you" {
		t.Errorf("utterance = %q", rec.utterances[0])
	}
}

func TestHandleMessage_UtteranceEndFlushesPending(t *testing.T) {
	r, rec := newHandlerUnderTest(t)

	r.handleMessage(results("see you later", true, false))
	r.handleMessage([]byte(`{"type":"UtteranceEnd"}`))

	if len(rec.utterances) != 1 || rec.utterances[0] != "see you later" {
		t.Fatalf("utterances = %q", rec.utterances)
	}
}

func TestHandleMessage_DuplicateUtteranceEndIsNoOp(t *testing.T) {
	r, rec := newHandlerUnderTest(t)

	// Deepgram sends UtteranceEnd even after a speech_final result already
	// closed the utterance. The second event must not emit an empty turn.
	r.handleMessage(results("all done", true, true))
	r.handleMessage([]byte(`{"type":"UtteranceEnd"}`))

	if len(rec.utterances) != 1 {
		t.Fatalf("utterances = %q, want exactly one", rec.utterances)
	}
}

func TestHandleMessage_InterimAndEmptyResultsIgnored(t *testing.T) {
	r, rec := newHandlerUnderTest(t)

	r.handleMessage(results("partial gue", false, false))
	r.handleMessage(results("", true, true))
	r.handleMessage([]byte(`{"type":"UtteranceEnd"}`))

	if len(rec.utterances) != 0 {
		t.Errorf("utterances = %q, want none", rec.utterances)
	}
	if len(rec.interims) != 1 || rec.interims[0] != "partial gue" {
		t.Errorf("interims = %q, want the provisional transcript", rec.interims)
	}
}

func TestHandleMessage_FinalCallbackSeesEachSegment(t *testing.T) {
	r, rec := newHandlerUnderTest(t)

	r.handleMessage(results("hello there", true, false))
	r.handleMessage(results("how are you", true, true))

	if len(rec.finals) != 2 || rec.finals[0] != "hello there" || rec.finals[1] != "how are you" {
		t.Errorf("finals = %q", rec.finals)
	}
}

func TestConnected_FalseBeforeStartAndAfterClose(t *testing.T) {
	r, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r.Connected() {
		t.Error("Connected() = true before Start")
	}
	_ = r.Close()
	if r.Connected() {
		t.Error("Connected() = true after Close")
	}
}

func TestHandleMessage_SpeechStarted(t *testing.T) {
	r, rec := newHandlerUnderTest(t)

	r.handleMessage([]byte(`{"type":"SpeechStarted"}`))
	r.handleMessage([]byte(`{"type":"SpeechStarted"}`))

	if rec.started != 2 {
		t.Errorf("SpeechStarted count = %d, want 2", rec.started)
	}
}

func TestHandleMessage_GarbageIgnored(t *testing.T) {
	r, rec := newHandlerUnderTest(t)

	r.handleMessage([]byte(`not json`))
	r.handleMessage([]byte(`{"type":"Metadata"}`))

	if rec.started != 0 || len(rec.utterances) != 0 {
		t.Error("unexpected callbacks for unknown messages")
	}
}
