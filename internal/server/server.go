// Package server exposes the engine over HTTP: the carrier-facing media
// WebSocket, the call-event webhook, and the health and metrics endpoints.
package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/outcall-ai/outcall/internal/health"
	"github.com/outcall-ai/outcall/internal/observe"
	"github.com/outcall-ai/outcall/internal/session"
	"github.com/outcall-ai/outcall/internal/telephony"
	"github.com/outcall-ai/outcall/pkg/audio"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// drainBatch bounds how many outbound frames go out per loop pass so a
	// full queue cannot starve inbound processing.
	drainBatch = 5

	// drainInterval is how long the media loop waits for inbound traffic
	// before taking another outbound pass.
	drainInterval = 50 * time.Millisecond
)

// Server wires the HTTP surface to the session manager and carrier client.
type Server struct {
	manager   *session.Manager
	telnyx    *telephony.Client
	streamURL string
	log       *slog.Logger
	metrics   *observe.Metrics

	// callToStream maps carrier call IDs to media stream IDs so webhook
	// events can reach the right session.
	mu           sync.Mutex
	callToStream map[string]string
}

// New creates a Server. streamURL is the public media WebSocket address handed
// to the carrier when streaming starts. telnyx may be nil in tests that never
// touch the carrier API.
func New(manager *session.Manager, telnyx *telephony.Client, streamURL string, logger *slog.Logger, metrics *observe.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		manager:      manager,
		telnyx:       telnyx,
		streamURL:    streamURL,
		log:          logger,
		metrics:      metrics,
		callToStream: make(map[string]string),
	}
}

// Handler builds the route table. The media WebSocket stays outside the
// observability middleware: the wrapped response writer breaks the
// connection hijack the upgrade needs.
func (s *Server) Handler() http.Handler {
	instrumented := http.NewServeMux()
	h := health.New(health.Checker{
		Name: "sessions",
		Check: func(context.Context) error {
			_ = s.manager.Active()
			return nil
		},
	})
	h.Register(instrumented)
	instrumented.Handle("GET /metrics", promhttp.Handler())
	instrumented.HandleFunc("POST /webhook", s.handleWebhook)

	root := http.NewServeMux()
	root.HandleFunc("GET /telnyx", s.handleMedia)
	if s.metrics != nil {
		root.Handle("/", observe.Middleware(s.metrics)(instrumented))
	} else {
		root.Handle("/", instrumented)
	}
	return root
}

// handleMedia owns one call's media WebSocket. A separate goroutine reads
// frames; the loop below interleaves inbound events with outbound drains.
// Reads must not run directly in the select loop: cancelling a read context
// on this WebSocket implementation closes the whole connection.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Error("media upgrade failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	msgs := make(chan []byte, 64)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	var (
		sess     *session.Session
		streamID string
	)
	defer func() {
		if sess != nil {
			sess.Terminate()
		}
	}()

	s.log.Info("media stream connected", "remote", r.RemoteAddr)
	for {
		select {
		case data := <-msgs:
			done, err := s.handleStreamMessage(ctx, data, &sess, &streamID)
			if err != nil {
				s.log.Error("media event failed", "err", err)
			}
			if done {
				return
			}
		case err := <-readErr:
			s.log.Info("media stream closed", "call", streamID, "err", err)
			return
		case <-time.After(drainInterval):
		}

		if sess == nil {
			continue
		}
		for _, frame := range sess.PopOutbound(drainBatch) {
			msg, err := telephony.EncodeOutboundMedia(streamID, audio.EncodeBase64(frame))
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
				s.log.Warn("outbound media write failed", "call", streamID, "err", err)
				return
			}
			if s.metrics != nil {
				s.metrics.MediaFramesOut.Add(ctx, 1)
			}
		}
	}
}

// handleStreamMessage dispatches one inbound media-stream event. Returns
// done=true when the stream is over.
func (s *Server) handleStreamMessage(ctx context.Context, data []byte, sess **session.Session, streamID *string) (bool, error) {
	ev, err := telephony.ParseStreamEvent(data)
	if err != nil {
		return false, err
	}

	switch ev.Event {
	case telephony.EventConnected:
		s.log.Debug("carrier handshake received")

	case telephony.EventStart:
		if *sess != nil {
			return false, nil
		}
		*streamID = ev.StreamID
		// The manager dials providers in the background and plays the
		// greeting once they are up; media keeps flowing here meanwhile.
		created, err := s.manager.CreateSession(ctx, ev.StreamID)
		if err != nil {
			return false, err
		}
		*sess = created
		if ev.Start != nil && ev.Start.CallControlID != "" {
			s.mu.Lock()
			s.callToStream[ev.Start.CallControlID] = ev.StreamID
			s.mu.Unlock()
		}

	case telephony.EventMedia:
		if *sess == nil || ev.Media == nil {
			return false, nil
		}
		// Bidirectional streams echo our own audio on the outbound track.
		if ev.Media.Track == telephony.TrackOutbound {
			return false, nil
		}
		frame, err := audio.DecodeBase64(ev.Media.Payload)
		if err != nil {
			return false, err
		}
		(*sess).AcceptInbound(frame)
		if s.metrics != nil {
			s.metrics.MediaFramesIn.Add(ctx, 1)
		}

	case telephony.EventMark:
		s.log.Debug("media mark", "call", *streamID)

	case telephony.EventStop:
		s.log.Info("media stream stopped", "call", *streamID)
		return true, nil
	}
	return false, nil
}

// handleWebhook reacts to carrier call events. Answer and hangup steer the
// session lifecycle; machine detection hangs up on voicemail so the agent
// never talks to a beep.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	ev, err := telephony.ParseWebhookEvent(body)
	if err != nil {
		http.Error(w, "bad event", http.StatusBadRequest)
		return
	}

	callID := ev.Data.Payload.CallControlID
	switch ev.Data.EventType {
	case telephony.WebhookCallInitiated:
		s.log.Info("call initiated", "call_control_id", callID, "to", ev.Data.Payload.To)

	case telephony.WebhookCallAnswered:
		s.log.Info("call answered", "call_control_id", callID)
		// Attach the media stream. Calls dialed with a stream URL start
		// streaming on their own; for those this request is a harmless repeat.
		if s.telnyx != nil && s.streamURL != "" {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := s.telnyx.StartStreaming(ctx, callID, s.streamURL); err != nil {
					s.log.Warn("streaming start failed", "call_control_id", callID, "err", err)
				}
			}()
		}

	case telephony.WebhookCallHangup:
		s.log.Info("call hung up", "call_control_id", callID, "cause", ev.Data.Payload.HangupCause)
		s.terminateByCallID(callID)

	case telephony.WebhookMachineDetection:
		s.log.Info("machine detection result", "call_control_id", callID, "result", ev.Data.Payload.Result)
		if ev.Data.Payload.Result == "machine" && s.telnyx != nil {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := s.telnyx.Hangup(ctx, callID); err != nil {
					s.log.Error("voicemail hangup failed", "call_control_id", callID, "err", err)
				}
			}()
		}

	default:
		s.log.Debug("webhook event ignored", "type", ev.Data.EventType)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// terminateByCallID ends the session tied to a carrier call ID, if any.
func (s *Server) terminateByCallID(callID string) {
	s.mu.Lock()
	streamID, ok := s.callToStream[callID]
	if ok {
		delete(s.callToStream, callID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if sess, ok := s.manager.Get(streamID); ok {
		sess.Terminate()
	}
}
