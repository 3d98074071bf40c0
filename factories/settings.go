package factories

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	geminillm "voicetutor/services/gemini/llm"
)

// HTTPSettings configures the public listener.
type HTTPSettings struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
	// AllowedOrigins feeds CORS for the REST endpoints. Empty allows all.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type LogSettings struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
	// SessionDir, when set, receives one <session>.jsonl file per connection.
	SessionDir string `yaml:"session_dir"`
}

// SessionSettings shape every conversation.
type SessionSettings struct {
	SystemPrompt string `yaml:"system_prompt"`
	HistoryLimit int    `yaml:"history_limit"`
	// AudioEncoding of client audio: pcm, mulaw or alaw.
	AudioEncoding string `yaml:"audio_encoding"`
	// IdleSilence sends silent frames while nothing plays.
	IdleSilence bool `yaml:"idle_silence"`
	// Timeout caps a single connection; zero means unlimited.
	Timeout time.Duration `yaml:"timeout"`
}

type StorageSettings struct {
	MistakesPath string `yaml:"mistakes_path"`
	// NatsURL enables announcing mistakes on NatsSubject.
	NatsURL     string `yaml:"nats_url"`
	NatsSubject string `yaml:"nats_subject"`
}

// Settings is the complete service configuration.
type Settings struct {
	ServiceName   string           `yaml:"service_name"`
	Environment   string           `yaml:"environment"`
	HTTP          HTTPSettings     `yaml:"http"`
	Log           LogSettings      `yaml:"log"`
	Session       SessionSettings  `yaml:"session"`
	Storage       StorageSettings  `yaml:"storage"`
	STT           STTFactoryConfig `yaml:"stt"`
	TTS           TTSFactoryConfig `yaml:"tts"`
	LLM           LLMFactoryConfig `yaml:"llm"`
	ShutdownGrace time.Duration    `yaml:"shutdown_grace"`
}

// DefaultSettings returns settings with every provider at its default.
// API keys come from the environment.
func DefaultSettings() Settings {
	return Settings{
		ServiceName: "voicetutor",
		Environment: "development",
		HTTP: HTTPSettings{
			Bind: "0.0.0.0",
			Port: 4000,
		},
		Log: LogSettings{
			Level:  "info",
			Format: "console",
		},
		Session: SessionSettings{
			HistoryLimit:  10,
			AudioEncoding: "pcm",
		},
		Storage: StorageSettings{
			MistakesPath: "./data/mistakes.db",
			NatsSubject:  "tutor.mistakes",
		},
		STT: DefaultSTTFactoryConfig(),
		TTS: DefaultTTSFactoryConfig(),
		LLM: LLMFactoryConfig{
			Gemini: &geminillm.Config{Model: geminillm.DefaultModel, Temperature: 0.8},
		},
		ShutdownGrace: 15 * time.Second,
	}
}

// LoadSettings reads the optional YAML file at path, then applies
// environment overrides and validates the result.
func LoadSettings(path string) (Settings, error) {
	defaults := DefaultSettings()
	cfg := defaults
	// providers come from the file when it names any
	cfg.STT, cfg.TTS, cfg.LLM = STTFactoryConfig{}, TTSFactoryConfig{}, LLMFactoryConfig{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("settings: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("settings: parse %q: %w", path, err)
		}
	}

	if cfg.STT == (STTFactoryConfig{}) {
		cfg.STT = defaults.STT
	}
	if cfg.TTS == (TTSFactoryConfig{}) {
		cfg.TTS = defaults.TTS
	}
	if cfg.LLM == (LLMFactoryConfig{}) {
		cfg.LLM = defaults.LLM
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Settings) {
	overrideString(&cfg.Environment, "APP_ENV")
	overrideString(&cfg.HTTP.Bind, "HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "PORT")
	overrideString(&cfg.Log.Level, "LOG_LEVEL")
	overrideString(&cfg.Log.Format, "LOG_FORMAT")
	overrideString(&cfg.Log.SessionDir, "SESSION_LOG_DIR")
	overrideString(&cfg.Session.AudioEncoding, "AUDIO_ENCODING")
	overrideString(&cfg.Storage.MistakesPath, "MISTAKES_DB_PATH")
	overrideString(&cfg.Storage.NatsURL, "NATS_URL")
	overrideSeconds(&cfg.ShutdownGrace, "SHUTDOWN_GRACE_SECONDS")

	if cfg.STT.Deepgram != nil {
		overrideString(&cfg.STT.Deepgram.APIKey, "DEEPGRAM_API_KEY")
	}
	if cfg.TTS.Cartesia != nil {
		overrideString(&cfg.TTS.Cartesia.APIKey, "CARTESIA_API_KEY")
		overrideString(&cfg.TTS.Cartesia.APIVersion, "CARTESIA_VERSION")
	}
	if cfg.TTS.Deepgram != nil {
		overrideString(&cfg.TTS.Deepgram.APIKey, "DEEPGRAM_API_KEY")
	}
	if cfg.LLM.Gemini != nil {
		overrideString(&cfg.LLM.Gemini.APIKey, "GEMINI_API_KEY")
	}
	if cfg.LLM.OpenAI != nil {
		overrideString(&cfg.LLM.OpenAI.APIKey, "OPENAI_API_KEY")
		overrideString(&cfg.LLM.OpenAI.BaseURL, "OPENAI_BASE_URL")
	}
	if cfg.LLM.Groq != nil {
		overrideString(&cfg.LLM.Groq.APIKey, "GROQ_API_KEY")
	}
	if cfg.LLM.OpenRouter != nil {
		overrideString(&cfg.LLM.OpenRouter.APIKey, "OPENROUTER_API_KEY")
	}
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideSeconds(target *time.Duration, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil && parsed >= 0 {
			*target = time.Duration(parsed) * time.Second
		}
	}
}

// Validate checks that exactly one provider is chosen per concern.
func (s Settings) Validate() error {
	if s.HTTP.Port <= 0 || s.HTTP.Port > 65535 {
		return errors.New("settings: http.port must be between 1 and 65535")
	}
	if s.Session.HistoryLimit < 0 {
		return errors.New("settings: session.history_limit must not be negative")
	}
	switch strings.ToLower(s.Session.AudioEncoding) {
	case "", "pcm", "mulaw", "ulaw", "mu-law", "alaw", "a-law":
	default:
		return fmt.Errorf("settings: unknown audio encoding %q", s.Session.AudioEncoding)
	}
	if n := countSet(s.STT.Deepgram != nil); n != 1 {
		return fmt.Errorf("settings: stt needs exactly one provider, got %d", n)
	}
	if n := countSet(s.TTS.Cartesia != nil, s.TTS.Deepgram != nil); n != 1 {
		return fmt.Errorf("settings: tts needs exactly one provider, got %d", n)
	}
	if n := countSet(s.LLM.Gemini != nil, s.LLM.OpenAI != nil, s.LLM.Groq != nil, s.LLM.OpenRouter != nil); n != 1 {
		return fmt.Errorf("settings: llm needs exactly one provider, got %d", n)
	}
	return nil
}

func countSet(flags ...bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}
