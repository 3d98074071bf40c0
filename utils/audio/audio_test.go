package audio

import (
	"bytes"
	"encoding/binary"
	"testing"

	"voicetutor/core"
)

func pcmOf(samples ...int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	return b
}

func TestG711RoundTripStaysClose(t *testing.T) {
	pcm := pcmOf(0, 1000, -1000, 12000, -12000)
	for _, format := range []core.AudioEncodingFormat{core.ULAW, core.ALAW} {
		encoded, err := Encode(core.NewPCMChunk(pcm), format)
		if err != nil {
			t.Fatalf("%s encode: %v", format, err)
		}
		if len(encoded) != len(pcm)/2 {
			t.Fatalf("%s encoded %d bytes", format, len(encoded))
		}
		decoded, err := Decode(encoded, format)
		if err != nil {
			t.Fatalf("%s decode: %v", format, err)
		}
		for i := 0; i < len(pcm)/2; i++ {
			want := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
			got := int16(binary.LittleEndian.Uint16(decoded[i*2:]))
			diff := int(want) - int(got)
			if diff < 0 {
				diff = -diff
			}
			if diff > 600 {
				t.Fatalf("%s sample %d: %d -> %d", format, i, want, got)
			}
		}
	}
}

func TestDecodePCMStripsWAVHeader(t *testing.T) {
	pcm := pcmOf(1, 2, 3, 4)
	wav, err := PCMBytesToWavBytes(pcm, 1, core.SampleRate)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Decode(wav, core.PCM)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, pcm) {
		t.Fatalf("got %v", got)
	}
}

func TestDecodeRejectsOddPCM(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}, core.PCM); err == nil {
		t.Fatal("expected error for odd length")
	}
	if _, err := Decode(nil, core.PCM); err == nil {
		t.Fatal("expected error for empty input")
	}
}

func TestEncodeDownmixesStereo(t *testing.T) {
	chunk := core.AudioChunk{Data: pcmOf(100, 300, -50, -150), Channels: 2, SampleRate: core.SampleRate}
	got, err := Encode(chunk, core.PCM)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, pcmOf(200, -100)) {
		t.Fatalf("got %v", got)
	}
}

func TestEncodePassesThroughMatchingFormat(t *testing.T) {
	pcm := pcmOf(5, 6)
	got, err := Encode(core.NewPCMChunk(pcm), core.PCM)
	if err != nil || !bytes.Equal(got, pcm) {
		t.Fatalf("got %v, %v", got, err)
	}
}
