package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// WAVHeaderSize is the size of the canonical PCM RIFF header
const WAVHeaderSize = 44

// WAVHeader represents the header structure of a WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// NewWAVHeader builds a mono 16-bit PCM header for dataSize payload bytes
func NewWAVHeader(sampleRate int, dataSize uint32) WAVHeader {
	const (
		numChannels   = uint16(1)
		bitsPerSample = uint16(16)
	)

	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(numChannels) * uint32(bitsPerSample) / 8,
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// Bytes encodes the header as its 44-byte little-endian form
func (h WAVHeader) Bytes() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, WAVHeaderSize))
	// Writing a fixed-size struct into a bytes.Buffer cannot fail
	_ = binary.Write(buf, binary.LittleEndian, h)
	return buf.Bytes()
}

// File is the subset of *os.File a WAVWriter needs
type File interface {
	io.Writer
	io.WriterAt
	Truncate(size int64) error
	Sync() error
	Close() error
	Name() string
}

// WAVWriter streams PCM payload into a WAV file. The header is written as a
// placeholder on creation and rewritten with the final sizes by Finalize, so
// the payload written so far is always valid audio even if the process dies.
type WAVWriter struct {
	file       File
	sampleRate int
	dataSize   int64
	finalized  bool
}

// NewWAVWriter writes a placeholder header to f and returns a writer positioned at the payload
func NewWAVWriter(f File, sampleRate int) (*WAVWriter, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	if _, err := f.Write(NewWAVHeader(sampleRate, 0).Bytes()); err != nil {
		return nil, fmt.Errorf("failed to write WAV placeholder header: %w", err)
	}

	return &WAVWriter{file: f, sampleRate: sampleRate}, nil
}

// Write appends PCM payload bytes. A failed write is not counted in the
// payload size; any bytes it left behind are truncated away when possible and
// otherwise fall outside the data chunk declared by Finalize.
func (w *WAVWriter) Write(p []byte) (int, error) {
	if w.finalized {
		return 0, fmt.Errorf("write to finalized WAV file %s", w.file.Name())
	}
	if w.dataSize+int64(len(p)) > math.MaxUint32-36 {
		return 0, fmt.Errorf("WAV payload would exceed the 4 GiB RIFF limit")
	}

	n, err := w.file.Write(p)
	if err != nil {
		if n > 0 {
			_ = w.file.Truncate(int64(WAVHeaderSize) + w.dataSize)
		}
		return n, fmt.Errorf("failed to write WAV payload: %w", err)
	}

	w.dataSize += int64(n)
	return n, nil
}

// DataSize returns the payload bytes written so far
func (w *WAVWriter) DataSize() int64 {
	return w.dataSize
}

// Finalize rewrites the header with the exact payload size, syncs and closes the file.
// The file is closed even when the header rewrite fails.
func (w *WAVWriter) Finalize() error {
	if w.finalized {
		return nil
	}
	w.finalized = true

	header := NewWAVHeader(w.sampleRate, uint32(w.dataSize))
	if _, err := w.file.WriteAt(header.Bytes(), 0); err != nil {
		_ = w.file.Close()
		return fmt.Errorf("failed to rewrite WAV header: %w", err)
	}

	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		return fmt.Errorf("failed to sync WAV file: %w", err)
	}

	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close WAV file: %w", err)
	}

	return nil
}

// DecodeWAV parses a mono 16-bit WAV file and returns its header and raw payload
func DecodeWAV(data []byte) (*WAVHeader, []byte, error) {
	if err := ValidateWAV(data); err != nil {
		return nil, nil, err
	}

	var header WAVHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return nil, nil, fmt.Errorf("failed to read WAV header: %w", err)
	}

	if header.AudioFormat != 1 {
		return nil, nil, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", header.AudioFormat)
	}

	if header.BitsPerSample != 16 {
		return nil, nil, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", header.BitsPerSample)
	}

	if header.NumChannels != 1 {
		return nil, nil, fmt.Errorf("unsupported channel count: %d (only mono is supported)", header.NumChannels)
	}

	payload := data[WAVHeaderSize:]
	if int64(header.Subchunk2Size) != int64(len(payload)) {
		return nil, nil, fmt.Errorf("data chunk size %d does not match payload length %d", header.Subchunk2Size, len(payload))
	}

	if header.ChunkSize != 36+header.Subchunk2Size {
		return nil, nil, fmt.Errorf("RIFF chunk size %d does not match data size %d", header.ChunkSize, header.Subchunk2Size)
	}

	return &header, payload, nil
}

// ReadWAVFile reads and decodes a WAV file from disk
func ReadWAVFile(path string) (*WAVHeader, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read WAV file %s: %w", path, err)
	}
	return DecodeWAV(data)
}

// ValidateWAV validates a WAV file format without decoding the entire audio data
func ValidateWAV(data []byte) error {
	if len(data) < WAVHeaderSize {
		return fmt.Errorf("WAV data too short: need at least %d bytes, got %d", WAVHeaderSize, len(data))
	}

	if string(data[0:4]) != "RIFF" {
		return fmt.Errorf("invalid WAV file: missing RIFF header")
	}

	if string(data[8:12]) != "WAVE" {
		return fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	if string(data[12:16]) != "fmt " {
		return fmt.Errorf("invalid WAV file: missing fmt chunk")
	}

	if string(data[36:40]) != "data" {
		return fmt.Errorf("invalid WAV file: missing data chunk")
	}

	return nil
}

// WAVInfo holds basic information about a WAV file
type WAVInfo struct {
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
	NumSamples    uint32  `json:"num_samples"`
}

// Info derives the summary of a decoded header
func (h WAVHeader) Info() WAVInfo {
	var numSamples uint32
	if h.BitsPerSample >= 8 {
		numSamples = h.Subchunk2Size / (uint32(h.BitsPerSample) / 8)
	}

	var duration float64
	if h.SampleRate > 0 {
		duration = float64(numSamples) / float64(h.SampleRate)
	}

	return WAVInfo{
		SampleRate:    h.SampleRate,
		Channels:      h.NumChannels,
		BitsPerSample: h.BitsPerSample,
		Duration:      duration,
		DataSize:      h.Subchunk2Size,
		NumSamples:    numSamples,
	}
}
