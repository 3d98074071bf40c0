package factories

import (
	"context"
	"errors"

	"voicetutor/core"
	cartesia "voicetutor/services/cartesia/tts"
	deepgramtts "voicetutor/services/deepgram/tts"
)

// TTSService is a speech synthesis session.
type TTSService interface {
	core.IService
	VoiceStream(ctx context.Context, fragments core.Stream[string]) core.Stream[core.AudioChunk]
}

// TTSFactoryConfig holds provider-specific configs for TTS service construction.
// Set exactly one provider config; the rest should be left nil.
type TTSFactoryConfig struct {
	Cartesia *cartesia.CartesiaTTSConfig   `yaml:"cartesia,omitempty"`
	Deepgram *deepgramtts.DeepgramTTSConfig `yaml:"deepgram,omitempty"`
}

func DefaultTTSFactoryConfig() TTSFactoryConfig {
	return TTSFactoryConfig{Cartesia: &cartesia.CartesiaTTSConfig{}}
}

// BuildTTSService constructs a TTSService from the given factory config.
// Exactly one provider config must be non-nil.
func BuildTTSService(config TTSFactoryConfig, logger *core.Logger) (TTSService, error) {
	if config.Cartesia != nil {
		return cartesia.NewCartesiaTTS(*config.Cartesia, logger), nil
	}
	if config.Deepgram != nil {
		return deepgramtts.NewDeepgramTTS(*config.Deepgram, logger), nil
	}
	return nil, errors.New("TTSFactoryConfig: no provider config specified")
}
