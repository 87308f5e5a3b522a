package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrNotWAV is returned by [DecodeWAV] when the input lacks a RIFF/WAVE header.
var ErrNotWAV = errors.New("audio: not a RIFF/WAVE stream")

// wavHeader is the canonical 44-byte PCM WAV header.
type wavHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // file size - 8
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16 // NumChannels * BitsPerSample / 8
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // data length in bytes
}

// WAVFormat describes the PCM layout of a WAV stream.
type WAVFormat struct {
	SampleRate int
	Channels   int
}

// EncodeWAV writes mono 16-bit PCM samples as a complete WAV file.
func EncodeWAV(w io.Writer, samples []int16, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("audio: wav sample rate must be positive, got %d", sampleRate)
	}
	const channels, bits = 1, 16
	dataSize := uint32(len(samples) * 2)
	h := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   channels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * channels * bits / 8,
		BlockAlign:    channels * bits / 8,
		BitsPerSample: bits,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(samples)*2))
	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("audio: write wav header: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return fmt.Errorf("audio: write wav data: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// DecodeWAV reads the header of a 16-bit PCM WAV stream and returns its format
// and a reader positioned at the start of the sample data, limited to the
// data chunk. Chunks other than "fmt " and "data" (LIST, fact, …) are skipped.
func DecodeWAV(r io.Reader) (WAVFormat, io.Reader, error) {
	var riff struct {
		ID     [4]byte
		Size   uint32
		Format [4]byte
	}
	if err := binary.Read(r, binary.LittleEndian, &riff); err != nil {
		return WAVFormat{}, nil, fmt.Errorf("%w: %w", ErrNotWAV, err)
	}
	if string(riff.ID[:]) != "RIFF" || string(riff.Format[:]) != "WAVE" {
		return WAVFormat{}, nil, ErrNotWAV
	}

	var (
		format  WAVFormat
		haveFmt bool
	)
	for {
		var chunk struct {
			ID   [4]byte
			Size uint32
		}
		if err := binary.Read(r, binary.LittleEndian, &chunk); err != nil {
			return WAVFormat{}, nil, fmt.Errorf("audio: wav: missing data chunk: %w", err)
		}

		switch string(chunk.ID[:]) {
		case "fmt ":
			var f struct {
				AudioFormat   uint16
				NumChannels   uint16
				SampleRate    uint32
				ByteRate      uint32
				BlockAlign    uint16
				BitsPerSample uint16
			}
			if chunk.Size < 16 {
				return WAVFormat{}, nil, fmt.Errorf("audio: wav: fmt chunk too short (%d bytes)", chunk.Size)
			}
			if err := binary.Read(r, binary.LittleEndian, &f); err != nil {
				return WAVFormat{}, nil, fmt.Errorf("audio: wav: read fmt chunk: %w", err)
			}
			if f.AudioFormat != 1 {
				return WAVFormat{}, nil, fmt.Errorf("audio: wav: unsupported audio format %d (only PCM)", f.AudioFormat)
			}
			if f.BitsPerSample != 16 {
				return WAVFormat{}, nil, fmt.Errorf("audio: wav: unsupported bit depth %d (only 16-bit)", f.BitsPerSample)
			}
			if f.NumChannels == 0 || f.NumChannels > 2 || f.SampleRate == 0 {
				return WAVFormat{}, nil, fmt.Errorf("audio: wav: unsupported layout %d ch @ %d Hz", f.NumChannels, f.SampleRate)
			}
			format = WAVFormat{SampleRate: int(f.SampleRate), Channels: int(f.NumChannels)}
			haveFmt = true
			if err := skip(r, int64(chunk.Size)-16+int64(chunk.Size%2)); err != nil {
				return WAVFormat{}, nil, err
			}
		case "data":
			if !haveFmt {
				return WAVFormat{}, nil, errors.New("audio: wav: data chunk before fmt chunk")
			}
			return format, io.LimitReader(r, int64(chunk.Size)), nil
		default:
			// Chunks are word-aligned.
			if err := skip(r, int64(chunk.Size)+int64(chunk.Size%2)); err != nil {
				return WAVFormat{}, nil, err
			}
		}
	}
}

func skip(r io.Reader, n int64) error {
	if n <= 0 {
		return nil
	}
	if _, err := io.CopyN(io.Discard, r, n); err != nil {
		return fmt.Errorf("audio: wav: skip chunk: %w", err)
	}
	return nil
}
