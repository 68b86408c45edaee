package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults applied when neither YAML nor environment provides a value.
const (
	defaultHost           = "0.0.0.0"
	defaultPort           = 8765
	defaultSTTModel       = "nova-2"
	defaultTTSModel       = "aura-2-thalia-en"
	defaultEndpointingMS  = 300
	defaultUtteranceEndMS = 1000
	defaultRegion         = "us-east-1"
	defaultModelID        = "us.amazon.nova-pro-v1:0"
	defaultMaxTokens      = 50
	defaultTemperature    = 0.7
)

// Load assembles the configuration: defaults, then the optional YAML file at
// path (empty path skips it), then environment variables. A .env file in the
// working directory is loaded into the environment first when present.
func Load(path string) (*Config, error) {
	// Missing .env is the normal case outside development.
	_ = godotenv.Load()

	cfg := defaultConfig()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()
		if err := decodeYAML(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies the environment, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := defaultConfig()
	if err := decodeYAML(r, cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     defaultHost,
			Port:     defaultPort,
			LogLevel: LogInfo,
		},
		Deepgram: DeepgramConfig{
			STTModel:       defaultSTTModel,
			TTSModel:       defaultTTSModel,
			EndpointingMS:  defaultEndpointingMS,
			UtteranceEndMS: defaultUtteranceEndMS,
		},
		Bedrock: BedrockConfig{
			Region:      defaultRegion,
			ModelID:     defaultModelID,
			MaxTokens:   defaultMaxTokens,
			Temperature: defaultTemperature,
		},
	}
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// applyEnv overlays environment variables onto cfg. Set variables always win.
func applyEnv(cfg *Config) {
	setString(&cfg.Server.Host, "SERVER_HOST")
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setString(&cfg.Server.PublicWSURL, "PUBLIC_WS_URL")
	if v, ok := lookup("LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}

	setString(&cfg.Telnyx.APIKey, "TELNYX_API_KEY")
	setString(&cfg.Telnyx.ConnectionID, "TELNYX_CONNECTION_ID")
	setString(&cfg.Telnyx.PhoneNumber, "TELNYX_PHONE_NUMBER")

	setString(&cfg.Deepgram.APIKey, "DEEPGRAM_API_KEY")
	setString(&cfg.Deepgram.STTModel, "DEEPGRAM_STT_MODEL")
	setString(&cfg.Deepgram.TTSModel, "DEEPGRAM_TTS_MODEL")
	setInt(&cfg.Deepgram.EndpointingMS, "DEEPGRAM_ENDPOINTING_MS")
	setInt(&cfg.Deepgram.UtteranceEndMS, "DEEPGRAM_UTTERANCE_END_MS")

	setString(&cfg.Bedrock.APIKey, "BEDROCK_API_KEY")
	setString(&cfg.Bedrock.Region, "AWS_REGION")
	setString(&cfg.Bedrock.ModelID, "BEDROCK_MODEL_ID")
	setInt(&cfg.Bedrock.MaxTokens, "BEDROCK_MAX_TOKENS")
	setFloat(&cfg.Bedrock.Temperature, "BEDROCK_TEMPERATURE")
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", cfg.Server.Port))
	}
	if cfg.Server.PublicWSURL == "" {
		errs = append(errs, errors.New("server.public_ws_url (PUBLIC_WS_URL) is required"))
	} else if !strings.HasPrefix(cfg.Server.PublicWSURL, "wss://") && !strings.HasPrefix(cfg.Server.PublicWSURL, "ws://") {
		errs = append(errs, fmt.Errorf("server.public_ws_url %q must be a ws:// or wss:// URL", cfg.Server.PublicWSURL))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Telnyx.APIKey == "" {
		errs = append(errs, errors.New("telnyx.api_key (TELNYX_API_KEY) is required"))
	}
	if cfg.Telnyx.ConnectionID == "" {
		errs = append(errs, errors.New("telnyx.connection_id (TELNYX_CONNECTION_ID) is required"))
	}
	if cfg.Telnyx.PhoneNumber == "" {
		errs = append(errs, errors.New("telnyx.phone_number (TELNYX_PHONE_NUMBER) is required"))
	} else if !strings.HasPrefix(cfg.Telnyx.PhoneNumber, "+") {
		errs = append(errs, fmt.Errorf("telnyx.phone_number %q must be in E.164 form", cfg.Telnyx.PhoneNumber))
	}

	if cfg.Deepgram.APIKey == "" {
		errs = append(errs, errors.New("deepgram.api_key (DEEPGRAM_API_KEY) is required"))
	}
	if cfg.Deepgram.EndpointingMS <= 0 {
		errs = append(errs, fmt.Errorf("deepgram.endpointing_ms %d must be positive", cfg.Deepgram.EndpointingMS))
	}
	if cfg.Deepgram.UtteranceEndMS < 1000 {
		errs = append(errs, fmt.Errorf("deepgram.utterance_end_ms %d must be at least 1000", cfg.Deepgram.UtteranceEndMS))
	}

	if cfg.Bedrock.APIKey == "" {
		errs = append(errs, errors.New("bedrock.api_key (BEDROCK_API_KEY) is required"))
	}
	if cfg.Bedrock.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("bedrock.max_tokens %d must be positive", cfg.Bedrock.MaxTokens))
	}
	if cfg.Bedrock.Temperature < 0 || cfg.Bedrock.Temperature > 2 {
		errs = append(errs, fmt.Errorf("bedrock.temperature %.2f is out of range [0, 2]", cfg.Bedrock.Temperature))
	}

	return errors.Join(errs...)
}

// ---- env helpers ----

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

func setString(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := lookup(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v, ok := lookup(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
