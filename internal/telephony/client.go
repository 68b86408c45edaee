package telephony

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const (
	defaultBaseURL = "https://api.telnyx.com/v2"
	requestTimeout = 10 * time.Second
)

// Webhook event types the engine reacts to.
const (
	WebhookCallInitiated    = "call.initiated"
	WebhookCallAnswered     = "call.answered"
	WebhookCallHangup       = "call.hangup"
	WebhookMachineDetection = "call.machine.detection.ended"
)

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL. Used in tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Client calls the Telnyx Call Control API.
type Client struct {
	apiKey       string
	connectionID string
	baseURL      string
	httpClient   *http.Client
}

// New creates a Client. apiKey and connectionID must be non-empty.
func New(apiKey, connectionID string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("telephony: apiKey must not be empty")
	}
	if connectionID == "" {
		return nil, errors.New("telephony: connectionID must not be empty")
	}
	c := &Client{
		apiKey:       apiKey,
		connectionID: connectionID,
		baseURL:      defaultBaseURL,
		httpClient:   &http.Client{Timeout: requestTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ---- wire types ----

// dialRequest starts an outbound call with media streaming attached at
// answer time. Bidirectional RTP with PCMU keeps the stream in the same
// µ-law format the rest of the engine speaks.
type dialRequest struct {
	To                        string `json:"to"`
	From                      string `json:"from"`
	ConnectionID              string `json:"connection_id"`
	StreamURL                 string `json:"stream_url,omitempty"`
	StreamTrack               string `json:"stream_track,omitempty"`
	StreamBidirectionalMode   string `json:"stream_bidirectional_mode,omitempty"`
	StreamBidirectionalCodec  string `json:"stream_bidirectional_codec,omitempty"`
	AnsweringMachineDetection string `json:"answering_machine_detection,omitempty"`
}

type streamingStartRequest struct {
	StreamURL                string `json:"stream_url"`
	StreamTrack              string `json:"stream_track"`
	StreamBidirectionalMode  string `json:"stream_bidirectional_mode"`
	StreamBidirectionalCodec string `json:"stream_bidirectional_codec"`
}

// Call identifies one leg placed through the API.
type Call struct {
	CallControlID string `json:"call_control_id"`
	CallLegID     string `json:"call_leg_id"`
	CallSessionID string `json:"call_session_id"`
}

type callResponse struct {
	Data Call `json:"data"`
}

// WebhookEvent is the envelope Telnyx posts to the webhook endpoint.
type WebhookEvent struct {
	Data struct {
		EventType string `json:"event_type"`
		Payload   struct {
			CallControlID string `json:"call_control_id"`
			To            string `json:"to,omitempty"`
			From          string `json:"from,omitempty"`
			HangupCause   string `json:"hangup_cause,omitempty"`
			Result        string `json:"result,omitempty"` // machine detection: human, machine, not_sure
		} `json:"payload"`
	} `json:"data"`
}

// ParseWebhookEvent decodes a webhook request body.
func ParseWebhookEvent(body []byte) (WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return WebhookEvent{}, fmt.Errorf("telephony: parse webhook: %w", err)
	}
	if ev.Data.EventType == "" {
		return WebhookEvent{}, errors.New("telephony: webhook missing event_type")
	}
	return ev, nil
}

// ---- API operations ----

// Dial places an outbound call. The carrier opens the media WebSocket at
// streamURL once the callee answers. Premium answering machine detection is
// requested so voicemail pickups can be reported before the agent talks to a
// beep.
func (c *Client) Dial(ctx context.Context, to, from, streamURL string) (Call, error) {
	req := dialRequest{
		To:                        to,
		From:                      from,
		ConnectionID:              c.connectionID,
		StreamURL:                 streamURL,
		StreamTrack:               "both_tracks",
		StreamBidirectionalMode:   "rtp",
		StreamBidirectionalCodec:  "PCMU",
		AnsweringMachineDetection: "premium",
	}
	var resp callResponse
	if err := c.post(ctx, "/calls", req, &resp); err != nil {
		return Call{}, err
	}
	slog.Info("telephony: call placed", "to", to, "call_control_id", resp.Data.CallControlID)
	return resp.Data, nil
}

// StartStreaming attaches the media WebSocket to an already-answered call.
// Used when a call was placed without a stream URL.
func (c *Client) StartStreaming(ctx context.Context, callControlID, streamURL string) error {
	req := streamingStartRequest{
		StreamURL:                streamURL,
		StreamTrack:              "both_tracks",
		StreamBidirectionalMode:  "rtp",
		StreamBidirectionalCodec: "PCMU",
	}
	return c.post(ctx, "/calls/"+callControlID+"/actions/streaming_start", req, nil)
}

// Hangup terminates the call.
func (c *Client) Hangup(ctx context.Context, callControlID string) error {
	err := c.post(ctx, "/calls/"+callControlID+"/actions/hangup", struct{}{}, nil)
	if err != nil {
		return err
	}
	slog.Info("telephony: hangup requested", "call_control_id", callControlID)
	return nil
}

// post sends a JSON request and optionally decodes the response into out.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("telephony: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("telephony: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telephony: request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("telephony: %s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(detail))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("telephony: decode response: %w", err)
		}
	}
	return nil
}
