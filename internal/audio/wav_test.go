package audio

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func TestWAVHeaderLayout(t *testing.T) {
	h := NewWAVHeader(16000, 3200)
	b := h.Bytes()

	if len(b) != WAVHeaderSize {
		t.Fatalf("Expected %d header bytes, got %d", WAVHeaderSize, len(b))
	}
	if err := ValidateWAV(b); err != nil {
		t.Errorf("Header failed validation: %v", err)
	}

	checks := []struct {
		name   string
		offset int
		want   uint32
		size   int
	}{
		{"riff chunk size", 4, 36 + 3200, 4},
		{"fmt size", 16, 16, 4},
		{"audio format", 20, 1, 2},
		{"channels", 22, 1, 2},
		{"sample rate", 24, 16000, 4},
		{"byte rate", 28, 32000, 4},
		{"block align", 32, 2, 2},
		{"bits per sample", 34, 16, 2},
		{"data size", 40, 3200, 4},
	}

	for _, c := range checks {
		var got uint32
		if c.size == 2 {
			got = uint32(binary.LittleEndian.Uint16(b[c.offset:]))
		} else {
			got = binary.LittleEndian.Uint32(b[c.offset:])
		}
		if got != c.want {
			t.Errorf("%s: expected %d, got %d", c.name, c.want, got)
		}
	}
}

func TestWAVWriterFinalize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}

	w, err := NewWAVWriter(f, 16000)
	if err != nil {
		t.Fatalf("Failed to create WAV writer: %v", err)
	}

	payload := make([]byte, 3000)
	for i := range payload {
		payload[i] = byte(i)
	}
	for off := 0; off < len(payload); off += 1000 {
		if _, err := w.Write(payload[off : off+1000]); err != nil {
			t.Fatalf("Failed to write payload: %v", err)
		}
	}

	// Before finalize the placeholder header advertises no data
	raw, _ := os.ReadFile(path)
	if got := binary.LittleEndian.Uint32(raw[40:44]); got != 0 {
		t.Errorf("Expected placeholder data size 0, got %d", got)
	}
	if !bytes.Equal(raw[WAVHeaderSize:], payload) {
		t.Errorf("In-progress payload should already be on disk")
	}

	if err := w.Finalize(); err != nil {
		t.Fatalf("Failed to finalize: %v", err)
	}
	if err := w.Finalize(); err != nil {
		t.Errorf("Second finalize should be a no-op, got %v", err)
	}
	if _, err := w.Write([]byte{0}); err == nil {
		t.Errorf("Expected write after finalize to fail")
	}

	header, data, err := ReadWAVFile(path)
	if err != nil {
		t.Fatalf("Failed to decode WAV: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Errorf("Decoded payload differs from written payload")
	}

	info := header.Info()
	if info.NumSamples != 1500 {
		t.Errorf("Expected 1500 samples, got %d", info.NumSamples)
	}
	if info.Duration != 1500.0/16000.0 {
		t.Errorf("Expected duration %f, got %f", 1500.0/16000.0, info.Duration)
	}
}

func TestDecodeWAVRejectsMismatchedSizes(t *testing.T) {
	good := append(NewWAVHeader(16000, 4).Bytes(), 1, 2, 3, 4)
	if _, _, err := DecodeWAV(good); err != nil {
		t.Fatalf("Expected valid WAV, got %v", err)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"too short", []byte("RIFF")},
		{"payload longer than header says", append(NewWAVHeader(16000, 2).Bytes(), 1, 2, 3, 4)},
		{"bad riff tag", append([]byte("RIFX"), good[4:]...)},
		{"stereo", func() []byte {
			b := append([]byte{}, good...)
			binary.LittleEndian.PutUint16(b[22:], 2)
			return b
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := DecodeWAV(tt.data); err == nil {
				t.Errorf("Expected error but got none")
			}
		})
	}
}
