// Package deepgram implements tts.Synthesizer on the Deepgram speak
// WebSocket API.
//
// Audio comes back as raw 8 kHz µ-law with no container, matching the
// telephone media stream, so synthesized chunks go straight onto the wire.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/outcall-ai/outcall/pkg/provider/tts"
)

const (
	speakEndpoint = "wss://api.deepgram.com/v1/speak"
	defaultVoice  = "aura-2-thalia-en"

	telephonySampleRate = 8000
)

// flushChars are the characters that end a speakable unit. Text ending in one
// of these is flushed immediately after sending.
const flushChars = ".!?:;"

// Option is a functional option for configuring the Synthesizer.
type Option func(*Synthesizer)

// WithVoice sets the Deepgram voice model (e.g., "aura-2-thalia-en").
func WithVoice(voice string) Option {
	return func(s *Synthesizer) { s.voice = voice }
}

// WithEndpoint overrides the speak endpoint URL. Used in tests.
func WithEndpoint(u string) Option {
	return func(s *Synthesizer) { s.endpoint = u }
}

// Synthesizer implements tts.Synthesizer backed by the Deepgram speak API.
type Synthesizer struct {
	apiKey   string
	endpoint string
	voice    string

	conn *websocket.Conn
	ev   tts.Events

	cancelled atomic.Bool
	connected atomic.Bool
	writeMu   sync.Mutex
	done      chan struct{}
	once      sync.Once
	wg        sync.WaitGroup
}

var _ tts.Synthesizer = (*Synthesizer)(nil)

// New creates a Synthesizer. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Synthesizer, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	s := &Synthesizer{
		apiKey:   apiKey,
		endpoint: speakEndpoint,
		voice:    defaultVoice,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Start dials the speak endpoint and begins the read loop.
func (s *Synthesizer) Start(ctx context.Context, ev tts.Events) error {
	wsURL, err := s.buildURL()
	if err != nil {
		return fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+s.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return fmt.Errorf("deepgram: dial: %w", err)
	}
	s.conn = conn
	s.ev = ev
	s.connected.Store(true)

	s.wg.Add(1)
	go s.readLoop()
	return nil
}

// buildURL constructs the speak endpoint URL for telephone output.
func (s *Synthesizer) buildURL() (string, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", s.voice)
	q.Set("encoding", "mulaw")
	q.Set("sample_rate", strconv.Itoa(telephonySampleRate))
	q.Set("container", "none")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// controlMessage is the JSON shape for both directions of the speak control
// channel.
type controlMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Speak sends text for synthesis. Cancelled replies skip the send entirely so
// stale fragments racing with an interruption never reach the voice. Text
// ending a sentence is flushed immediately.
func (s *Synthesizer) Speak(text string) error {
	if text == "" || s.cancelled.Load() {
		return nil
	}
	if err := s.writeControl(controlMessage{Type: "Speak", Text: text}); err != nil {
		return fmt.Errorf("deepgram: speak: %w", err)
	}
	if endsInFlushChar(text) {
		return s.Flush()
	}
	return nil
}

// Stream speaks fragments as they arrive and flushes when the channel closes.
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

// Flush forces synthesis of buffered text. The backend answers with a
// Flushed message once the resulting audio has been delivered.
func (s *Synthesizer) Flush() error {
	if s.cancelled.Load() {
		return nil
	}
	if err := s.writeControl(controlMessage{Type: "Flush"}); err != nil {
		return fmt.Errorf("deepgram: flush: %w", err)
	}
	return nil
}

// Clear discards whatever text the backend has buffered but not yet
// synthesized. Audio already in flight still arrives.
func (s *Synthesizer) Clear() error {
	if err := s.writeControl(controlMessage{Type: "Clear"}); err != nil {
		return fmt.Errorf("deepgram: clear: %w", err)
	}
	return nil
}

// Cancel abandons the current reply. The cancelled flag makes the read loop
// drop audio already in flight; the Clear discards whatever the backend has
// buffered but not yet synthesized.
func (s *Synthesizer) Cancel() error {
	s.cancelled.Store(true)
	return s.Clear()
}

// ResetCancel arms the synthesizer for the next reply.
func (s *Synthesizer) ResetCancel() {
	s.cancelled.Store(false)
}

// Connected reports whether the speak session is live.
func (s *Synthesizer) Connected() bool {
	return s.connected.Load()
}

// Close tears the session down. Safe to call more than once.
func (s *Synthesizer) Close() error {
	s.once.Do(func() {
		s.connected.Store(false)
		if s.conn != nil {
			_ = s.writeControl(controlMessage{Type: "Close"})
		}
		close(s.done)
		if s.conn != nil {
			s.wg.Wait()
			s.conn.Close(websocket.StatusNormalClosure, "session closed")
		}
	})
	return nil
}

// writeControl serializes one control message onto the connection. Writes
// come from the engine goroutine and the interruption path concurrently, so
// they are mutex-guarded.
func (s *Synthesizer) writeControl(msg controlMessage) error {
	select {
	case <-s.done:
		return nil
	default:
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(context.Background(), websocket.MessageText, data)
}

// readLoop receives audio and control messages. While cancelled, both audio
// chunks and the trailing Flushed marker are dropped: they belong to the
// reply the caller already talked over.
func (s *Synthesizer) readLoop() {
	defer s.wg.Done()
	for {
		typ, msg, err := s.conn.Read(context.Background())
		if err != nil {
			s.connected.Store(false)
			select {
			case <-s.done:
			default:
				slog.Warn("deepgram: speak connection lost", "err", err)
			}
			return
		}

		if typ == websocket.MessageBinary {
			if s.cancelled.Load() || s.ev.Audio == nil {
				continue
			}
			s.ev.Audio(msg)
			continue
		}

		var ctl controlMessage
		if err := json.Unmarshal(msg, &ctl); err != nil {
			continue
		}
		if ctl.Type == "Flushed" && !s.cancelled.Load() && s.ev.Flushed != nil {
			s.ev.Flushed()
		}
	}
}

// endsInFlushChar reports whether text, ignoring trailing whitespace, ends in
// a character that closes a speakable unit.
func endsInFlushChar(text string) bool {
	text = strings.TrimRight(text, " \t\n\r")
	if text == "" {
		return false
	}
	return strings.ContainsRune(flushChars, rune(text[len(text)-1]))
}
