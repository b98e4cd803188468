// Package audio holds PCM helpers for the speech byte streams that cross
// the service boundary: microphone input toward the model and synthesized
// output back to clients.
package audio

import (
	"bytes"
	"encoding/binary"
	"io"
)

// Sample rates used on the two legs of a session.
const (
	InputSampleRate  = 16000
	OutputSampleRate = 24000
)

// wavHeader is the 44-byte RIFF/WAVE header for PCM16LE mono audio.
type wavHeader struct {
	RIFF          [4]byte
	ChunkSize     uint32
	WAVE          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	DataSize      uint32
}

// EncodeWAV wraps raw PCM16LE mono bytes in a WAV container.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	var buf bytes.Buffer
	// bytes.Buffer writes never fail.
	_ = WriteWAV(&buf, pcm, sampleRate)
	return buf.Bytes()
}

// WriteWAV writes raw PCM16LE mono bytes to out as a WAV stream.
func WriteWAV(out io.Writer, pcm []byte, sampleRate int) error {
	const (
		numChannels   = 1
		bitsPerSample = 16
	)
	if sampleRate <= 0 {
		sampleRate = InputSampleRate
	}

	hdr := wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + len(pcm)),
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1, // PCM
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * numChannels * bitsPerSample / 8),
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(len(pcm)),
	}
	if err := binary.Write(out, binary.LittleEndian, hdr); err != nil {
		return err
	}
	_, err := out.Write(pcm)
	return err
}

// SplitFrames slices pcm into frames of at most frameBytes each. The final
// frame may be short. Frame boundaries stay aligned to whole 16-bit samples.
func SplitFrames(pcm []byte, frameBytes int) [][]byte {
	if frameBytes <= 0 {
		frameBytes = 1024
	}
	if frameBytes%2 != 0 {
		frameBytes++
	}
	if len(pcm) == 0 {
		return nil
	}
	frames := make([][]byte, 0, (len(pcm)+frameBytes-1)/frameBytes)
	for len(pcm) > 0 {
		n := frameBytes
		if n > len(pcm) {
			n = len(pcm)
		}
		frames = append(frames, pcm[:n])
		pcm = pcm[n:]
	}
	return frames
}
