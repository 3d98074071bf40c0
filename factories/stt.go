package factories

import (
	"errors"

	"voicetutor/core"
	deepgramstt "voicetutor/services/deepgram/stt"
)

// STTService is a live transcription session.
type STTService interface {
	core.IService
	OnTranscription(cb deepgramstt.Callbacks)
	OnFault(fn func(error))
	Transcript(audio []byte) error
	Finalize() error
}

// STTFactoryConfig holds provider-specific configs for STT service construction.
// Set exactly one provider config; the rest should be left nil.
type STTFactoryConfig struct {
	Deepgram *deepgramstt.DeepgramConfig `yaml:"deepgram,omitempty"`
}

func DefaultSTTFactoryConfig() STTFactoryConfig {
	return STTFactoryConfig{Deepgram: deepgramstt.DefaultConfig()}
}

// BuildSTTService constructs a fresh session from the given factory config.
// Exactly one provider config must be non-nil.
func BuildSTTService(config STTFactoryConfig, logger *core.Logger) (STTService, error) {
	if config.Deepgram != nil {
		// each session gets its own copy
		cfg := *config.Deepgram
		return deepgramstt.NewDeepgramSTTService(&cfg, logger), nil
	}
	return nil, errors.New("STTFactoryConfig: no provider config specified")
}

var _ STTService = (*deepgramstt.DeepgramSTTService)(nil)
