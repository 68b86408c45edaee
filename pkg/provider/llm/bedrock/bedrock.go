// Package bedrock implements llm.Generator on the Amazon Bedrock Converse
// API using bearer-token authentication.
//
// Streaming replies use the /converse-stream endpoint. The response framing
// embeds JSON event fragments verbatim, so the client scans the raw byte
// stream for "text":"…" matches rather than decoding the event envelope;
// malformed matches are skipped and the scan continues.
package bedrock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/outcall-ai/outcall/pkg/provider/llm"
	"golang.org/x/sync/errgroup"
)

// DefaultSystemPrompt is used when no tailored prompt was generated for the
// call.
const DefaultSystemPrompt = `You are a helpful AI assistant on a phone call. Follow these guidelines:

1. Keep responses concise and natural - speak as you would in a real conversation
2. Use short sentences that are easy to speak and understand
3. Avoid lists, bullet points, or complex formatting - use flowing speech
4. Don't use special characters, emojis, or markdown
5. If you don't understand something, ask for clarification naturally
6. Be friendly, warm, and conversational
7. Acknowledge what the caller said before responding
8. End responses naturally without asking unnecessary follow-up questions

You're here to help the caller with their request.`

const (
	defaultRegion      = "us-east-1"
	defaultModelID     = "us.amazon.nova-pro-v1:0"
	defaultMaxTokens   = 50
	defaultTemperature = 0.7

	// defaultTimeout bounds a full streaming turn; greetingTimeout bounds the
	// short pre-call greeting generation.
	defaultTimeout  = 30 * time.Second
	greetingTimeout = 15 * time.Second

	// yieldLength is the buffer size beyond which a fragment ending in a space
	// is yielded even without a sentence boundary, keeping TTS fed during long
	// sentences.
	yieldLength = 40
)

// Canned fallback replies. Each is recorded as a real assistant turn so the
// conversation stays well-formed even when the backend misbehaves.
const (
	apologyRequestFailed = "I'm sorry, I'm having trouble responding right now."
	apologyStreamBroke   = "I'm sorry, I'm having trouble connecting."
	apologyEmptyReply    = "I'm sorry, could you repeat that?"
)

// textPattern extracts text fragments from the raw converse-stream body.
var textPattern = regexp.MustCompile(`"text":"((?:[^"\\]|\\.)*)"`)

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithRegion sets the AWS region (default "us-east-1").
func WithRegion(region string) Option {
	return func(c *Client) { c.region = region }
}

// WithModel sets the Bedrock model ID (e.g., "us.amazon.nova-pro-v1:0").
func WithModel(modelID string) Option {
	return func(c *Client) { c.modelID = modelID }
}

// WithSystemPrompt overrides the default system prompt for the call.
func WithSystemPrompt(prompt string) Option {
	return func(c *Client) {
		if prompt != "" {
			c.system = prompt
		}
	}
}

// WithPurpose appends the call purpose to the system prompt.
func WithPurpose(purpose string) Option {
	return func(c *Client) { c.purpose = purpose }
}

// WithMaxTokens caps completion length for conversational turns.
func WithMaxTokens(n int) Option {
	return func(c *Client) { c.maxTokens = n }
}

// WithTemperature sets the sampling temperature for conversational turns.
func WithTemperature(t float64) Option {
	return func(c *Client) { c.temperature = t }
}

// WithTimeout overrides the total per-turn request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithBaseURL overrides the computed Bedrock endpoint. Used in tests to point
// the client at a local server.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// Client implements llm.Generator backed by the Bedrock Converse API.
type Client struct {
	apiKey      string
	region      string
	modelID     string
	baseURL     string
	maxTokens   int
	temperature float64
	timeout     time.Duration
	httpClient  *http.Client

	mu       sync.Mutex
	system   string
	purpose  string
	greeting string // spoken opener not yet represented in history
	messages []llm.Message
}

var _ llm.Generator = (*Client)(nil)

// New creates a Bedrock client. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("bedrock: apiKey must not be empty")
	}
	c := &Client{
		apiKey:      apiKey,
		region:      defaultRegion,
		modelID:     defaultModelID,
		maxTokens:   defaultMaxTokens,
		temperature: defaultTemperature,
		timeout:     defaultTimeout,
		httpClient:  &http.Client{},
		system:      DefaultSystemPrompt,
	}
	for _, o := range opts {
		o(c)
	}
	if c.baseURL == "" {
		c.baseURL = fmt.Sprintf("https://bedrock-runtime.%s.amazonaws.com/model/%s", c.region, c.modelID)
	}
	if c.purpose != "" {
		c.system += "\n\nCall purpose: " + c.purpose
	}
	return c, nil
}

// ---- wire types ----

type contentBlock struct {
	Text string `json:"text"`
}

type apiMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type inferenceConfig struct {
	MaxTokens   int     `json:"maxTokens"`
	Temperature float64 `json:"temperature"`
}

type converseRequest struct {
	Messages        []apiMessage    `json:"messages"`
	InferenceConfig inferenceConfig `json:"inferenceConfig"`
	System          []contentBlock  `json:"system,omitempty"`
}

type converseResponse struct {
	Output struct {
		Message struct {
			Content []contentBlock `json:"content"`
		} `json:"message"`
	} `json:"output"`
}

// ---- llm.Generator ----

// GenerateStream runs one conversational turn against /converse-stream.
// See llm.Generator for the chunking and cancellation contract.
func (c *Client) GenerateStream(ctx context.Context, userText string) <-chan string {
	out := make(chan string, 16)
	go c.streamTurn(ctx, userText, out)
	return out
}

// History returns a copy of the completed conversation turns.
func (c *Client) History() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	history := make([]llm.Message, len(c.messages))
	copy(history, c.messages)
	return history
}

// SetGreeting records the opener that was (or will be) spoken before the
// first user turn. The Bedrock Converse API requires the first message to be
// a user message, so the greeting cannot live in history as an assistant
// turn; instead the first turn's system prompt is augmented with it.
func (c *Client) SetGreeting(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.greeting = text
}

// streamTurn issues the streaming request and pumps fragments into out.
func (c *Client) streamTurn(ctx context.Context, userText string, out chan<- string) {
	defer close(out)
	start := time.Now()

	c.mu.Lock()
	system := c.system
	usedGreeting := ""
	if c.greeting != "" && len(c.messages) == 0 {
		system = fmt.Sprintf("%s\n\nYou just said to the caller: %q\nNow respond to their reply.", c.system, c.greeting)
		usedGreeting = c.greeting
		c.greeting = ""
	}
	c.messages = append(c.messages, llm.Message{Role: llm.RoleUser, Content: userText})
	msgs := toAPIMessages(c.messages)
	c.mu.Unlock()

	rollback := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if n := len(c.messages); n > 0 && c.messages[n-1].Role == llm.RoleUser {
			c.messages = c.messages[:n-1]
		}
		if usedGreeting != "" {
			c.greeting = usedGreeting
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.post(reqCtx, "/converse-stream", converseRequest{
		Messages:        msgs,
		InferenceConfig: inferenceConfig{MaxTokens: c.maxTokens, Temperature: c.temperature},
		System:          []contentBlock{{Text: system}},
	})
	if err != nil {
		if ctx.Err() != nil {
			rollback()
			return
		}
		slog.Error("bedrock: converse-stream request failed", "err", err)
		c.apologise(ctx, out, apologyRequestFailed)
		return
	}
	defer resp.Body.Close()

	var (
		full       strings.Builder
		textBuffer strings.Builder
		buf        []byte
		scanned    int
		firstAt    time.Time
		chunk      = make([]byte, 4096)
	)

	emit := func(s string) bool {
		select {
		case out <- s:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		n, readErr := resp.Body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			for {
				loc := textPattern.FindSubmatchIndex(buf[scanned:])
				if loc == nil {
					break
				}
				raw := buf[scanned+loc[2] : scanned+loc[3]]
				scanned += loc[1]

				text, ok := decodeFragment(raw)
				if !ok || text == "" {
					continue
				}
				if firstAt.IsZero() {
					firstAt = time.Now()
					slog.Debug("bedrock: first fragment", "latency", firstAt.Sub(start))
				}
				full.WriteString(text)
				textBuffer.WriteString(text)

				// Yield at sentence boundaries for natural TTS pacing, or once
				// the buffer is long enough and ends on a word boundary.
				buffered := textBuffer.String()
				if endsWithSentence(buffered) ||
					(len(buffered) > yieldLength && strings.HasSuffix(text, " ")) {
					if !emit(buffered) {
						rollback()
						return
					}
					textBuffer.Reset()
				}
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			if ctx.Err() != nil {
				rollback()
				return
			}
			slog.Error("bedrock: stream read failed", "err", readErr)
			c.apologise(ctx, out, apologyStreamBroke)
			return
		}
	}

	if textBuffer.Len() > 0 {
		if !emit(textBuffer.String()) {
			rollback()
			return
		}
	}

	if full.Len() == 0 {
		c.apologise(ctx, out, apologyEmptyReply)
		return
	}

	c.mu.Lock()
	c.messages = append(c.messages, llm.Message{Role: llm.RoleAssistant, Content: full.String()})
	c.mu.Unlock()
	slog.Debug("bedrock: turn complete", "duration", time.Since(start), "chars", full.Len())
}

// apologise records fallback as the assistant turn and emits it, keeping the
// conversation alternating even on backend failure. If ctx was cancelled the
// turn is rolled back instead.
func (c *Client) apologise(ctx context.Context, out chan<- string, fallback string) {
	c.mu.Lock()
	c.messages = append(c.messages, llm.Message{Role: llm.RoleAssistant, Content: fallback})
	c.mu.Unlock()
	select {
	case out <- fallback:
	case <-ctx.Done():
	}
}

// ---- greeting bootstrap ----

// InitializeForCall generates a tailored system prompt and an opening
// greeting for the given purpose, in parallel. Both have canned fallbacks, so
// the returned values are always usable. The generated system prompt replaces
// the client's prompt and the greeting is stored via SetGreeting.
func (c *Client) InitializeForCall(ctx context.Context, purpose string) (systemPrompt, greeting string) {
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		systemPrompt = c.GenerateSystemPrompt(ctx, purpose)
		return nil
	})
	g.Go(func() error {
		greeting = c.GenerateGreeting(ctx, purpose)
		return nil
	})
	_ = g.Wait()

	c.mu.Lock()
	c.system = systemPrompt
	c.purpose = purpose
	c.greeting = greeting
	c.mu.Unlock()
	return systemPrompt, greeting
}

// GenerateSystemPrompt asks the model for a call-specific system prompt.
// Falls back to DefaultSystemPrompt plus the purpose on any failure.
func (c *Client) GenerateSystemPrompt(ctx context.Context, purpose string) string {
	meta := fmt.Sprintf(`You are creating a system prompt for a voice AI agent that will make a phone call.

The purpose of this call is: %s

Generate a concise system prompt (max 200 words) that:
1. Defines the agent's role and goal for THIS specific call
2. Sets appropriate guardrails for professional conduct
3. Instructs the agent to be conversational and natural
4. Reminds the agent to keep responses short (suitable for voice)
5. Includes any relevant context for the call purpose

Output ONLY the system prompt text, nothing else. Do not include any meta-commentary.`, purpose)

	text, err := c.converse(ctx, meta, 500, c.temperature, c.timeout)
	if err != nil || text == "" {
		slog.Warn("bedrock: system prompt generation failed, using default", "err", err)
		return DefaultSystemPrompt + "\n\nCall purpose: " + purpose
	}
	return text
}

// GenerateGreeting asks the model for a short opening line. Falls back to a
// fixed greeting on any failure.
func (c *Client) GenerateGreeting(ctx context.Context, purpose string) string {
	meta := fmt.Sprintf(`Generate a brief, natural opening greeting for a phone call.

The purpose of this call is: %s

Requirements:
- Keep it under 20 words
- Be friendly and professional
- Introduce yourself as an AI assistant
- Naturally lead into the call purpose
- Do NOT ask "how can I help you" - you know why you're calling

Output ONLY the greeting text, nothing else.`, purpose)

	text, err := c.converse(ctx, meta, 50, 0.8, greetingTimeout)
	if err != nil || text == "" {
		slog.Warn("bedrock: greeting generation failed, using fallback", "err", err)
		return fmt.Sprintf("Hello, this is an AI assistant calling about %s.", purpose)
	}
	return strings.Trim(strings.TrimSpace(text), `"'`)
}

// converse issues a single-user-message non-streaming request and returns the
// first content block of the reply.
func (c *Client) converse(ctx context.Context, prompt string, maxTokens int, temperature float64, timeout time.Duration) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.post(reqCtx, "/converse", converseRequest{
		Messages:        []apiMessage{{Role: llm.RoleUser, Content: []contentBlock{{Text: prompt}}}},
		InferenceConfig: inferenceConfig{MaxTokens: maxTokens, Temperature: temperature},
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var cr converseResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("bedrock: decode response: %w", err)
	}
	if len(cr.Output.Message.Content) == 0 {
		return "", errors.New("bedrock: empty completion")
	}
	return cr.Output.Message.Content[0].Text, nil
}

// post sends the request body to baseURL+path and returns the response for
// bodies with status 200. Any other status is drained and reported as an
// error.
func (c *Client) post(ctx context.Context, path string, body converseRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("bedrock: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("bedrock: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bedrock: request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		return nil, fmt.Errorf("bedrock: status %d: %s", resp.StatusCode, bytes.TrimSpace(detail))
	}
	return resp, nil
}

// ---- helpers ----

// toAPIMessages converts history entries to the Converse wire shape.
func toAPIMessages(msgs []llm.Message) []apiMessage {
	out := make([]apiMessage, len(msgs))
	for i, m := range msgs {
		out[i] = apiMessage{Role: m.Role, Content: []contentBlock{{Text: m.Content}}}
	}
	return out
}

// decodeFragment resolves JSON escape sequences in a raw "text" match.
// Returns ok=false for fragments that fail to decode; the caller skips them.
func decodeFragment(raw []byte) (string, bool) {
	s, err := strconv.Unquote(`"` + string(raw) + `"`)
	if err != nil {
		return "", false
	}
	return s, true
}

// endsWithSentence reports whether s, ignoring trailing whitespace, ends with
// sentence-final punctuation.
func endsWithSentence(s string) bool {
	s = strings.TrimRight(s, " \t\n\r")
	if s == "" {
		return false
	}
	switch s[len(s)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}
