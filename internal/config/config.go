// Package config provides the configuration schema and loader for the
// Outcall engine.
//
// Configuration is environment-first: every value maps to an environment
// variable (a .env file is honored during development), and an optional YAML
// file can pre-fill the same fields for deployments that prefer files.
// Environment variables always win over YAML.
package config

import "fmt"

// LogLevel controls log verbosity for the Outcall server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Outcall.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Telnyx   TelnyxConfig   `yaml:"telnyx"`
	Deepgram DeepgramConfig `yaml:"deepgram"`
	Bedrock  BedrockConfig  `yaml:"bedrock"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// Host is the interface the HTTP/WebSocket server binds to.
	Host string `yaml:"host"`

	// Port is the TCP port the server listens on.
	Port int `yaml:"port"`

	// PublicWSURL is the externally reachable wss:// URL of the media
	// endpoint, handed to the carrier when placing calls. The carrier dials
	// back to this address, so it must resolve from the public internet.
	PublicWSURL string `yaml:"public_ws_url"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// TelnyxConfig holds Call Control API credentials.
type TelnyxConfig struct {
	// APIKey authenticates against the Telnyx API.
	APIKey string `yaml:"api_key"`

	// ConnectionID is the Call Control connection calls are placed through.
	ConnectionID string `yaml:"connection_id"`

	// PhoneNumber is the caller ID for outbound calls, in E.164 form.
	PhoneNumber string `yaml:"phone_number"`
}

// DeepgramConfig holds speech recognition and synthesis settings.
type DeepgramConfig struct {
	// APIKey authenticates both the listen and speak sessions.
	APIKey string `yaml:"api_key"`

	// STTModel selects the recognition model (e.g., "nova-2").
	STTModel string `yaml:"stt_model"`

	// TTSModel selects the voice (e.g., "aura-2-thalia-en").
	TTSModel string `yaml:"tts_model"`

	// EndpointingMS is the silence in milliseconds after which the current
	// segment is finalized.
	EndpointingMS int `yaml:"endpointing_ms"`

	// UtteranceEndMS is the gap in milliseconds after which the utterance is
	// declared finished. Deepgram requires at least 1000.
	UtteranceEndMS int `yaml:"utterance_end_ms"`
}

// BedrockConfig holds LLM settings.
type BedrockConfig struct {
	// APIKey is the Bedrock bearer token.
	APIKey string `yaml:"api_key"`

	// Region is the AWS region the runtime endpoint lives in.
	Region string `yaml:"region"`

	// ModelID selects the model (e.g., "us.amazon.nova-pro-v1:0").
	ModelID string `yaml:"model_id"`

	// MaxTokens caps each conversational reply. Kept small: long replies
	// read badly over the phone and invite interruptions.
	MaxTokens int `yaml:"max_tokens"`

	// Temperature is the sampling temperature for conversational turns.
	Temperature float64 `yaml:"temperature"`
}

// ListenAddr returns the host:port the server binds to.
func (s ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
