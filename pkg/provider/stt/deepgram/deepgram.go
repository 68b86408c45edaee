// Package deepgram implements stt.Recognizer on the Deepgram streaming
// listen API.
//
// Telephone audio arrives as 8 kHz µ-law, which Deepgram accepts natively, so
// frames from the media stream pass through without transcoding. Interim
// results and VAD events are always enabled: the engine needs SpeechStarted
// for interruption handling even though only final transcripts reach the
// conversation.
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
	"time"

	"github.com/coder/websocket"
	"github.com/outcall-ai/outcall/pkg/provider/stt"
)

const (
	listenEndpoint = "wss://api.deepgram.com/v1/listen"

	defaultModel        = "nova-2"
	defaultLanguage     = "en-US"
	defaultEndpointing  = 300 * time.Millisecond
	defaultUtteranceEnd = 1 * time.Second
	keepAliveInterval   = 5 * time.Second
	telephonySampleRate = 8000
)

// Option is a functional option for configuring the Recognizer.
type Option func(*Recognizer)

// WithModel sets the Deepgram model (e.g., "nova-2", "nova-3").
func WithModel(model string) Option {
	return func(r *Recognizer) { r.model = model }
}

// WithLanguage sets the BCP-47 language code for recognition.
func WithLanguage(language string) Option {
	return func(r *Recognizer) { r.language = language }
}

// WithEndpointing sets the silence duration after which Deepgram finalizes
// the current segment.
func WithEndpointing(d time.Duration) Option {
	return func(r *Recognizer) { r.endpointing = d }
}

// WithUtteranceEnd sets the gap after which Deepgram declares the utterance
// finished. Deepgram requires at least one second.
func WithUtteranceEnd(d time.Duration) Option {
	return func(r *Recognizer) { r.utteranceEnd = d }
}

// WithEndpoint overrides the listen endpoint URL. Used in tests.
func WithEndpoint(u string) Option {
	return func(r *Recognizer) { r.endpoint = u }
}

// Recognizer implements stt.Recognizer backed by the Deepgram listen API.
type Recognizer struct {
	apiKey       string
	endpoint     string
	model        string
	language     string
	endpointing  time.Duration
	utteranceEnd time.Duration

	conn      *websocket.Conn
	audio     chan []byte
	done      chan struct{}
	once      sync.Once
	wg        sync.WaitGroup
	connected atomic.Bool

	ev stt.Events

	mu    sync.Mutex
	parts []string
}

var _ stt.Recognizer = (*Recognizer)(nil)

// New creates a Recognizer. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Recognizer, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	r := &Recognizer{
		apiKey:       apiKey,
		endpoint:     listenEndpoint,
		model:        defaultModel,
		language:     defaultLanguage,
		endpointing:  defaultEndpointing,
		utteranceEnd: defaultUtteranceEnd,
		audio:        make(chan []byte, 256),
		done:         make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Start dials Deepgram and begins the read and write loops.
func (r *Recognizer) Start(ctx context.Context, ev stt.Events) error {
	wsURL, err := r.buildURL()
	if err != nil {
		return fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+r.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return fmt.Errorf("deepgram: dial: %w", err)
	}
	r.conn = conn
	r.ev = ev
	r.connected.Store(true)

	r.wg.Add(2)
	go r.readLoop()
	go r.writeLoop()
	return nil
}

// buildURL constructs the listen endpoint URL with the streaming parameters
// for telephone audio.
func (r *Recognizer) buildURL() (string, error) {
	u, err := url.Parse(r.endpoint)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("model", r.model)
	q.Set("language", r.language)
	q.Set("encoding", "mulaw")
	q.Set("sample_rate", strconv.Itoa(telephonySampleRate))
	q.Set("channels", "1")
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("interim_results", "true")
	q.Set("vad_events", "true")
	q.Set("endpointing", strconv.Itoa(int(r.endpointing.Milliseconds())))
	q.Set("utterance_end_ms", strconv.Itoa(int(r.utteranceEnd.Milliseconds())))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SendAudio queues a µ-law chunk for delivery. Chunks sent after Close are
// dropped without error so the media pump never has to care about teardown
// ordering.
func (r *Recognizer) SendAudio(chunk []byte) error {
	select {
	case <-r.done:
		return nil
	default:
	}
	select {
	case r.audio <- chunk:
		return nil
	case <-r.done:
		return nil
	}
}

// Connected reports whether the listen session is live. False before Start,
// after Close, and after the backend drops the connection.
func (r *Recognizer) Connected() bool {
	return r.connected.Load()
}

// Close flushes pending audio and closes the connection. Safe to call more
// than once.
func (r *Recognizer) Close() error {
	r.once.Do(func() {
		r.connected.Store(false)
		close(r.done)
		if r.conn != nil {
			_ = r.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
			r.wg.Wait()
			r.conn.Close(websocket.StatusNormalClosure, "session closed")
		}
	})
	return nil
}

// writeLoop forwards queued audio as binary messages and sends KeepAlive
// while the line is quiet. Deepgram drops connections idle for 10 seconds.
func (r *Recognizer) writeLoop() {
	defer r.wg.Done()
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	ctx := context.Background()
	for {
		select {
		case chunk := <-r.audio:
			if err := r.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-keepAlive.C:
			if err := r.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"KeepAlive"}`)); err != nil {
				return
			}
		case <-r.done:
			// Drain remaining audio so the final segment gets transcribed.
			for {
				select {
				case chunk := <-r.audio:
					_ = r.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives Deepgram events and dispatches callbacks.
func (r *Recognizer) readLoop() {
	defer r.wg.Done()
	for {
		_, msg, err := r.conn.Read(context.Background())
		if err != nil {
			r.connected.Store(false)
			select {
			case <-r.done:
			default:
				slog.Warn("deepgram: listen connection lost", "err", err)
			}
			return
		}
		r.handleMessage(msg)
	}
}

// listenResponse covers the three event shapes the engine cares about.
type listenResponse struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// handleMessage parses one event and updates the utterance aggregation.
//
// Final results accumulate until either the result itself is speech_final or
// a later UtteranceEnd arrives. Both paths emit through emitUtterance, which
// clears the buffer first, so the duplicate UtteranceEnd that Deepgram sends
// after a speech_final result is a harmless no-op.
func (r *Recognizer) handleMessage(msg []byte) {
	var resp listenResponse
	if err := json.Unmarshal(msg, &resp); err != nil {
		return
	}

	switch resp.Type {
	case "SpeechStarted":
		if r.ev.SpeechStarted != nil {
			r.ev.SpeechStarted()
		}
	case "UtteranceEnd":
		r.emitUtterance()
	case "Results":
		if len(resp.Channel.Alternatives) == 0 {
			return
		}
		text := strings.TrimSpace(resp.Channel.Alternatives[0].Transcript)
		if !resp.IsFinal {
			if text != "" && r.ev.Interim != nil {
				r.ev.Interim(text)
			}
			return
		}
		if text != "" {
			if r.ev.Final != nil {
				r.ev.Final(text)
			}
			r.mu.Lock()
			r.parts = append(r.parts, text)
			r.mu.Unlock()
		}
		if resp.SpeechFinal {
			r.emitUtterance()
		}
	}
}

// emitUtterance joins the accumulated parts and fires the Utterance callback.
// Does nothing when the buffer is empty.
func (r *Recognizer) emitUtterance() {
	r.mu.Lock()
	text := strings.Join(r.parts, " ")
	r.parts = r.parts[:0]
	r.mu.Unlock()

	if text == "" {
		return
	}
	if r.ev.Utterance != nil {
		r.ev.Utterance(text)
	}
}
