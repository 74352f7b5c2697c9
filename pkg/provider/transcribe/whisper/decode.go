package whisper

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// decodeWAV extracts float32 mono samples from a RIFF/WAVE payload carrying
// 16-bit signed little-endian PCM. Multi-channel audio is down-mixed by
// averaging all channels per frame.
func decodeWAV(data []byte) ([]float32, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, errors.New("not a RIFF/WAVE payload")
	}

	var (
		channels      int
		bitsPerSample int
		pcm           []byte
	)

	// Walk the chunk list. Chunks are 8 bytes of header (id + size) followed
	// by size bytes of payload, padded to an even offset.
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if body+size > len(data) {
			size = len(data) - body
		}

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, errors.New("truncated fmt chunk")
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			if format != 1 { // PCM
				return nil, fmt.Errorf("unsupported WAVE format code %d", format)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			bitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
		case "data":
			pcm = data[body : body+size]
		}

		off = body + size
		if size%2 == 1 {
			off++
		}
	}

	if pcm == nil {
		return nil, errors.New("missing data chunk")
	}
	if bitsPerSample != 16 {
		return nil, fmt.Errorf("unsupported bit depth %d (want 16)", bitsPerSample)
	}
	if channels <= 0 {
		channels = 1
	}

	return pcmToFloat32Mono(pcm, channels), nil
}

// pcmToFloat32Mono down-mixes multi-channel 16-bit PCM to mono float32 by
// averaging all channels per frame, normalised to the range [-1.0, 1.0].
func pcmToFloat32Mono(pcm []byte, channels int) []float32 {
	if channels == 1 {
		n := len(pcm) / 2
		samples := make([]float32, n)
		for i := range n {
			sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
			samples[i] = float32(sample) / 32768.0
		}
		return samples
	}

	samplesPerFrame := len(pcm) / (2 * channels)
	mono := make([]float32, samplesPerFrame)
	for i := range samplesPerFrame {
		var sum float32
		for ch := range channels {
			idx := (i*channels + ch) * 2
			sample := int16(binary.LittleEndian.Uint16(pcm[idx : idx+2]))
			sum += float32(sample) / 32768.0
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}
