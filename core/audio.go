package core

import "time"

type AudioEncodingFormat int

const (
	PCM  AudioEncodingFormat = iota // 16-bit little-endian linear PCM.
	ULAW                            // G.711 mu-law.
	ALAW                            // G.711 A-law.
)

// ParseAudioEncoding maps config names to formats; anything unknown is PCM.
func ParseAudioEncoding(s string) AudioEncodingFormat {
	switch s {
	case "mulaw", "ulaw", "mu-law":
		return ULAW
	case "alaw", "a-law":
		return ALAW
	default:
		return PCM
	}
}

func (f AudioEncodingFormat) String() string {
	switch f {
	case ULAW:
		return "mulaw"
	case ALAW:
		return "alaw"
	default:
		return "pcm"
	}
}

// Pipeline audio is mono PCM16 at 16 kHz end to end.
const (
	SampleRate     = 16000
	BytesPerSample = 2
	Channels       = 1

	// FrameDuration is the nominal pacing frame; FrameBytes is its PCM size.
	FrameDuration = 20 * time.Millisecond
	FrameBytes    = SampleRate * BytesPerSample * int(FrameDuration/time.Millisecond) / 1000
)

type AudioChunk struct {
	Data       []byte
	SampleRate int
	Channels   int
	Format     AudioEncodingFormat
}

// NewPCMChunk wraps data as pipeline-format audio.
func NewPCMChunk(data []byte) AudioChunk {
	return AudioChunk{Data: data, SampleRate: SampleRate, Channels: Channels, Format: PCM}
}

// SilenceFrame returns one nominal frame of PCM silence.
func SilenceFrame() AudioChunk {
	return NewPCMChunk(make([]byte, FrameBytes))
}

// Duration is the playback time of the chunk, assuming 16-bit samples.
func (ac AudioChunk) Duration() time.Duration {
	sampleRate, channels := ac.SampleRate, ac.Channels
	if sampleRate == 0 {
		sampleRate = SampleRate
	}
	if channels == 0 {
		channels = Channels
	}
	samples := len(ac.Data) / (BytesPerSample * channels)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
