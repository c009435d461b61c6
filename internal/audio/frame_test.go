package audio

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/skypro1111/pcm-capture-service/internal/errs"
)

func newTestAssembler(t *testing.T, frameSamples int, policy TrailingPolicy) *FrameAssembler {
	t.Helper()
	a, err := NewFrameAssembler(FrameConfig{SampleRate: 16000, FrameSamples: frameSamples, Trailing: policy})
	if err != nil {
		t.Fatalf("Failed to create assembler: %v", err)
	}
	return a
}

func TestNewFrameAssemblerValidation(t *testing.T) {
	tests := []struct {
		name        string
		cfg         FrameConfig
		expectError bool
	}{
		{"valid", FrameConfig{SampleRate: 16000, FrameSamples: 512, Trailing: PadPartial}, false},
		{"zero frame", FrameConfig{SampleRate: 16000, FrameSamples: 0, Trailing: PadPartial}, true},
		{"zero rate", FrameConfig{SampleRate: 0, FrameSamples: 512, Trailing: DropPartial}, true},
		{"unknown policy", FrameConfig{SampleRate: 16000, FrameSamples: 512, Trailing: "truncate"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFrameAssembler(tt.cfg)
			if tt.expectError {
				if !errors.Is(err, errs.ErrConfig) {
					t.Errorf("Expected ErrConfig, got %v", err)
				}
			} else if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestFeedDecodesLittleEndian(t *testing.T) {
	a := newTestAssembler(t, 4, PadPartial)

	frames := a.Feed([]byte{0x01, 0x00, 0xFF, 0xFF, 0x00, 0x80, 0xFF, 0x7F})
	if len(frames) != 1 {
		t.Fatalf("Expected 1 frame, got %d", len(frames))
	}

	expected := []int16{1, -1, -32768, 32767}
	for i, s := range frames[0].Samples {
		if s != expected[i] {
			t.Errorf("Sample %d: expected %d, got %d", i, expected[i], s)
		}
	}
}

func TestFeedRetainsLeftovers(t *testing.T) {
	a := newTestAssembler(t, 4, PadPartial)

	// 3 bytes: not even a full frame, and an odd split inside a sample
	if frames := a.Feed([]byte{1, 2, 3}); len(frames) != 0 {
		t.Fatalf("Expected no frames from 3 bytes, got %d", len(frames))
	}
	if stats := a.GetStats(); stats.PendingBytes != 3 {
		t.Errorf("Expected 3 pending bytes, got %d", stats.PendingBytes)
	}

	frames := a.Feed([]byte{4, 5, 6, 7, 8, 9})
	if len(frames) != 1 {
		t.Fatalf("Expected 1 frame, got %d", len(frames))
	}
	if !bytes.Equal(frames[0].Data, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("Unexpected frame data %v", frames[0].Data)
	}
	if stats := a.GetStats(); stats.PendingBytes != 1 {
		t.Errorf("Expected 1 pending byte, got %d", stats.PendingBytes)
	}
}

func TestFrameIntegrityRandomChunks(t *testing.T) {
	const frameSamples = 512
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 20; trial++ {
		a := newTestAssembler(t, frameSamples, PadPartial)

		input := make([]byte, rng.Intn(40000)*2)
		rng.Read(input)

		var out []byte
		var frames []AudioFrame
		for off := 0; off < len(input); {
			n := rng.Intn(3000) + 1
			if off+n > len(input) {
				n = len(input) - off
			}
			frames = append(frames, a.Feed(input[off:off+n])...)
			off += n
		}

		tail, err := a.Finish()
		if err != nil {
			t.Fatalf("Unexpected error for even input: %v", err)
		}
		if tail != nil {
			if !tail.Partial {
				t.Errorf("Trailing frame should be marked partial")
			}
			frames = append(frames, *tail)
		}

		var samples int
		for i, f := range frames {
			if len(f.Samples) != frameSamples {
				t.Fatalf("Frame %d has %d samples, expected %d", i, len(f.Samples), frameSamples)
			}
			if f.Seq != uint64(i) {
				t.Fatalf("Frame %d has seq %d", i, f.Seq)
			}
			samples += f.SampleCount()
			out = append(out, f.Data...)
		}

		if samples != len(input)/2 {
			t.Errorf("Expected %d samples, got %d", len(input)/2, samples)
		}
		if !bytes.Equal(out, input) {
			t.Errorf("Trial %d: reassembled bytes differ from input", trial)
		}
	}
}

func TestFinishPadPolicy(t *testing.T) {
	a := newTestAssembler(t, 4, PadPartial)
	a.Feed([]byte{1, 0, 2, 0, 3, 0, 4, 0, 5, 0})

	tail, err := a.Finish()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if tail == nil || !tail.Partial {
		t.Fatalf("Expected padded partial frame, got %+v", tail)
	}
	if len(tail.Samples) != 4 || tail.Samples[0] != 5 || tail.Samples[1] != 0 {
		t.Errorf("Unexpected padded samples %v", tail.Samples)
	}
	if !bytes.Equal(tail.Data, []byte{5, 0}) {
		t.Errorf("Partial frame data should hold only real bytes, got %v", tail.Data)
	}
	if tail.Seq != 1 {
		t.Errorf("Expected seq 1, got %d", tail.Seq)
	}

	stats := a.GetStats()
	if stats.PartialFrames != 1 || stats.DroppedBytes != 0 {
		t.Errorf("Unexpected stats %+v", stats)
	}

	// A second finish has nothing left
	if tail, err := a.Finish(); tail != nil || err != nil {
		t.Errorf("Expected nothing after second Finish, got %v, %v", tail, err)
	}
}

func TestFinishDropPolicy(t *testing.T) {
	a := newTestAssembler(t, 4, DropPartial)
	a.Feed([]byte{1, 0, 2, 0, 3, 0, 4, 0, 5, 0, 6})

	tail, err := a.Finish()
	if tail != nil {
		t.Errorf("Expected no frame under drop policy")
	}
	if !errors.Is(err, errs.ErrFraming) {
		t.Errorf("Expected ErrFraming, got %v", err)
	}
	if stats := a.GetStats(); stats.DroppedBytes != 3 {
		t.Errorf("Expected 3 dropped bytes, got %d", stats.DroppedBytes)
	}
	if a.Policy() != DropPartial {
		t.Errorf("Expected drop policy, got %s", a.Policy())
	}
}

func TestFinishOddByteIsReported(t *testing.T) {
	a := newTestAssembler(t, 4, PadPartial)
	a.Feed([]byte{1, 0, 2})

	tail, err := a.Finish()
	if !errors.Is(err, errs.ErrFraming) {
		t.Errorf("Expected ErrFraming for half sample, got %v", err)
	}
	if tail == nil || !bytes.Equal(tail.Data, []byte{1, 0}) {
		t.Errorf("Expected partial frame with one sample, got %+v", tail)
	}
}

func TestResyncDropsHalfSample(t *testing.T) {
	a := newTestAssembler(t, 4, PadPartial)
	a.Feed([]byte{1, 0, 2})

	if dropped := a.Resync(); dropped != 1 {
		t.Errorf("Expected 1 byte dropped, got %d", dropped)
	}
	if dropped := a.Resync(); dropped != 0 {
		t.Errorf("Expected aligned buffer to be untouched, got %d", dropped)
	}

	frames := a.Feed([]byte{3, 0, 4, 0, 5, 0})
	if len(frames) != 1 {
		t.Fatalf("Expected 1 frame, got %d", len(frames))
	}
	expected := []int16{1, 3, 4, 5}
	for i, s := range frames[0].Samples {
		if s != expected[i] {
			t.Errorf("Sample %d: expected %d, got %d", i, expected[i], s)
		}
	}
}

func TestFrameTimestamps(t *testing.T) {
	a := newTestAssembler(t, 512, PadPartial)
	frames := a.Feed(make([]byte, 1024*3))

	for i, f := range frames {
		want := time.Duration(i) * 32 * time.Millisecond
		if f.Timestamp != want {
			t.Errorf("Frame %d: expected timestamp %v, got %v", i, want, f.Timestamp)
		}
	}

	// 10 days of samples at 16 kHz must not overflow
	tenDays := uint64(10*24*3600) * 16000
	if got := SampleOffset(tenDays, 16000); got != 240*time.Hour {
		t.Errorf("Expected 240h, got %v", got)
	}
}
