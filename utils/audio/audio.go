// Package audio converts between the pipeline's PCM16 and the encodings a
// client may speak on the wire.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/zaf/g711"

	"voicetutor/core"
)

var wavHeaderPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 64))
	},
}

// PCMBytesToULaw converts PCM bytes to µ-law
func PCMBytesToULaw(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, errors.New("PCM byte slice length must be even (16-bit samples)")
	}
	return g711.EncodeUlaw(pcm), nil
}

// ULawBytesToPCM converts µ-law bytes to PCM bytes
func ULawBytesToPCM(uBytes []byte) []byte {
	return g711.DecodeUlaw(uBytes)
}

// PCMBytesToALaw converts PCM bytes to A-law
func PCMBytesToALaw(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, errors.New("PCM byte slice length must be even (16-bit samples)")
	}
	return g711.EncodeAlaw(pcm), nil
}

// ALawBytesToPCM converts A-law bytes to PCM bytes
func ALawBytesToPCM(aBytes []byte) []byte {
	return g711.DecodeAlaw(aBytes)
}

// Decode turns client audio in format into pipeline PCM16. WAV input has
// its header stripped.
func Decode(data []byte, format core.AudioEncodingFormat) ([]byte, error) {
	switch format {
	case core.ULAW:
		return ULawBytesToPCM(data), nil
	case core.ALAW:
		return ALawBytesToPCM(data), nil
	case core.PCM:
		pcm, err := StripWAVHeaderIfPresent(data)
		if err != nil {
			return nil, err
		}
		if err := ValidatePCMData(pcm, core.Channels); err != nil {
			return nil, err
		}
		return pcm, nil
	default:
		return nil, fmt.Errorf("unsupported input format %s", format)
	}
}

// Encode renders a pipeline chunk in the client's format.
func Encode(chunk core.AudioChunk, format core.AudioEncodingFormat) ([]byte, error) {
	if chunk.Format == format && chunk.Channels != 2 {
		return chunk.Data, nil
	}
	pcm := chunk.Data
	switch chunk.Format {
	case core.PCM:
	case core.ULAW:
		pcm = ULawBytesToPCM(chunk.Data)
	case core.ALAW:
		pcm = ALawBytesToPCM(chunk.Data)
	default:
		return nil, fmt.Errorf("unsupported chunk format %s", chunk.Format)
	}
	if chunk.Channels == 2 {
		pcm = stereoToMono(pcm)
	}
	switch format {
	case core.PCM:
		return pcm, nil
	case core.ULAW:
		return PCMBytesToULaw(pcm)
	case core.ALAW:
		return PCMBytesToALaw(pcm)
	default:
		return nil, fmt.Errorf("unsupported target format %s", format)
	}
}

// PCMBytesToWavBytes wraps PCM []byte into WAV []byte (16-bit little endian)
func PCMBytesToWavBytes(pcm []byte, numChannels, sampleRate int) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, errors.New("PCM data is empty")
	}
	if numChannels <= 0 || numChannels > 2 {
		return nil, errors.New("only mono (1) or stereo (2) channels supported")
	}
	if sampleRate <= 0 {
		return nil, errors.New("sample rate must be positive")
	}
	if len(pcm)%(2*numChannels) != 0 {
		return nil, errors.New("PCM data length doesn't match channel count")
	}

	buf := wavHeaderPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer wavHeaderPool.Put(buf)

	const (
		bitsPerSample  = 16
		audioFormatPCM = 1
		subchunk1Size  = 16
	)

	blockAlign := numChannels * bitsPerSample / 8
	byteRate := sampleRate * blockAlign
	dataSize := len(pcm)

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(subchunk1Size))
	binary.Write(buf, binary.LittleEndian, uint16(audioFormatPCM))
	binary.Write(buf, binary.LittleEndian, uint16(numChannels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(dataSize))

	result := make([]byte, buf.Len()+len(pcm))
	copy(result, buf.Bytes())
	copy(result[buf.Len():], pcm)
	return result, nil
}

// ValidatePCMData validates PCM byte array for basic integrity
func ValidatePCMData(pcm []byte, numChannels int) error {
	if len(pcm) == 0 {
		return errors.New("PCM data is empty")
	}
	if len(pcm)%2 != 0 {
		return errors.New("PCM data must have even length (16-bit samples)")
	}
	if numChannels <= 0 {
		return errors.New("invalid number of channels")
	}
	if len(pcm)%(2*numChannels) != 0 {
		return errors.New("PCM data length doesn't match channel count")
	}
	return nil
}

// StripWAVHeaderIfPresent returns raw PCM bytes if input starts with a RIFF/WAVE header.
// If the input is not a WAV file, it returns the input unchanged.
func StripWAVHeaderIfPresent(chunk []byte) ([]byte, error) {
	if len(chunk) < 12 {
		return chunk, nil
	}
	if !bytes.HasPrefix(chunk, []byte("RIFF")) || !bytes.Equal(chunk[8:12], []byte("WAVE")) {
		return chunk, nil
	}

	i := 12
	for i+8 <= len(chunk) {
		chunkID := string(chunk[i : i+4])
		chunkSize := binary.LittleEndian.Uint32(chunk[i+4 : i+8])
		next := i + 8 + int(chunkSize)

		if chunkID == "data" {
			if next > len(chunk) {
				return nil, errors.New("invalid WAV: data chunk exceeds buffer length")
			}
			return chunk[i+8 : next], nil
		}

		// subchunks are padded to even length
		if chunkSize%2 != 0 {
			next++
		}
		if next > len(chunk) {
			break
		}
		i = next
	}

	return nil, errors.New("invalid WAV: data chunk not found")
}

// stereoToMono averages the two channels of each frame.
func stereoToMono(stereoPCM []byte) []byte {
	samples := len(stereoPCM) / 4
	result := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		left := int32(int16(binary.LittleEndian.Uint16(stereoPCM[i*4:])))
		right := int32(int16(binary.LittleEndian.Uint16(stereoPCM[i*4+2:])))
		binary.LittleEndian.PutUint16(result[i*2:], uint16(int16((left+right)/2)))
	}
	return result
}
