package audio

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/skypro1111/pcm-capture-service/internal/errs"
)

// BytesPerSample is the width of one mono 16-bit PCM sample
const BytesPerSample = 2

// TrailingPolicy decides what happens to a partial frame at stream end
type TrailingPolicy string

const (
	// PadPartial zero-pads the trailing frame and marks it Partial
	PadPartial TrailingPolicy = "pad"
	// DropPartial discards the trailing bytes and counts them
	DropPartial TrailingPolicy = "drop"
)

// AudioFrame is an immutable fixed-length slice of the stream.
// Samples always holds exactly the configured sample count. Data holds the
// bytes as received; for a padded partial frame it holds only the real bytes.
type AudioFrame struct {
	Seq       uint64        // monotonically increasing from 0
	Samples   []int16       // decoded little-endian samples
	Data      []byte        // original PCM bytes for persistence
	Timestamp time.Duration // Seq * frame samples / sample rate
	Partial   bool          // zero-padded trailing frame
}

// SampleCount returns the number of real (non-padding) samples in the frame.
func (f AudioFrame) SampleCount() int {
	return len(f.Data) / BytesPerSample
}

// SampleOffset converts a sample count into stream time without overflowing
// on long captures.
func SampleOffset(samples uint64, sampleRate int) time.Duration {
	rate := uint64(sampleRate)
	whole := samples / rate
	rem := samples % rate
	return time.Duration(whole)*time.Second + time.Duration(rem)*time.Second/time.Duration(rate)
}

// FrameConfig holds frame assembly parameters
type FrameConfig struct {
	SampleRate   int
	FrameSamples int
	Trailing     TrailingPolicy
}

// Validate checks the frame configuration
func (c FrameConfig) Validate() error {
	if c.SampleRate <= 0 {
		return errs.Configf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.FrameSamples <= 0 {
		return errs.Configf("frame samples must be positive, got %d", c.FrameSamples)
	}
	if c.Trailing != PadPartial && c.Trailing != DropPartial {
		return errs.Configf("unknown trailing policy %q", c.Trailing)
	}
	return nil
}

// FrameDuration returns the duration of one frame
func (c FrameConfig) FrameDuration() time.Duration {
	return time.Duration(c.FrameSamples) * time.Second / time.Duration(c.SampleRate)
}

// FrameBytes returns the byte length of one full frame
func (c FrameConfig) FrameBytes() int {
	return c.FrameSamples * BytesPerSample
}

// AssemblerStats contains frame assembly statistics
type AssemblerStats struct {
	BytesFed      uint64 `json:"bytes_fed"`
	FramesEmitted uint64 `json:"frames_emitted"`
	SamplesOut    uint64 `json:"samples_out"`
	PendingBytes  int    `json:"pending_bytes"`
	PartialFrames uint64 `json:"partial_frames"`
	DroppedBytes  uint64 `json:"dropped_bytes"`
	ResyncDrops   uint64 `json:"resync_drops"`
	Policy        string `json:"trailing_policy"`
}

// FrameAssembler slices the byte stream into AudioFrames
type FrameAssembler struct {
	cfg     FrameConfig
	pending []byte
	nextSeq uint64
	stats   AssemblerStats
	mu      sync.Mutex
}

// NewFrameAssembler creates a new assembler
func NewFrameAssembler(cfg FrameConfig) (*FrameAssembler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &FrameAssembler{
		cfg:     cfg,
		pending: make([]byte, 0, cfg.FrameBytes()*2),
		stats:   AssemblerStats{Policy: string(cfg.Trailing)},
	}, nil
}

// Policy returns the trailing partial frame policy in effect.
func (a *FrameAssembler) Policy() TrailingPolicy {
	return a.cfg.Trailing
}

// Config returns the frame configuration.
func (a *FrameAssembler) Config() FrameConfig {
	return a.cfg
}

// Feed appends b and returns every full frame now available.
// Leftover bytes stay buffered for the next call.
func (a *FrameAssembler) Feed(b []byte) []AudioFrame {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pending = append(a.pending, b...)
	a.stats.BytesFed += uint64(len(b))

	frameBytes := a.cfg.FrameBytes()
	count := len(a.pending) / frameBytes
	if count == 0 {
		a.stats.PendingBytes = len(a.pending)
		return nil
	}

	frames := make([]AudioFrame, 0, count)
	consumed := 0
	for i := 0; i < count; i++ {
		frames = append(frames, a.newFrame(a.pending[consumed:consumed+frameBytes], false))
		consumed += frameBytes
	}

	// Keep the leftover verbatim at the front of the buffer
	n := copy(a.pending, a.pending[consumed:])
	a.pending = a.pending[:n]
	a.stats.PendingBytes = n

	return frames
}

// Finish finalizes the stream. Under PadPartial a trailing partial frame is
// zero-padded and returned with Partial set; under DropPartial it is counted
// and nil is returned. A dangling half sample cannot be represented in either
// case; it is counted and reported with an ErrFraming error alongside the frame.
func (a *FrameAssembler) Finish() (*AudioFrame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.pending) == 0 {
		return nil, nil
	}

	var framingErr error
	if odd := len(a.pending) % BytesPerSample; odd != 0 {
		a.stats.DroppedBytes += uint64(odd)
		a.pending = a.pending[:len(a.pending)-odd]
		framingErr = fmt.Errorf("%w: dropped %d byte(s) of an incomplete sample", errs.ErrFraming, odd)
	}

	defer func() {
		a.pending = a.pending[:0]
		a.stats.PendingBytes = 0
	}()

	if len(a.pending) == 0 {
		return nil, framingErr
	}

	if a.cfg.Trailing == DropPartial {
		a.stats.DroppedBytes += uint64(len(a.pending))
		err := fmt.Errorf("%w: dropped trailing partial frame of %d bytes", errs.ErrFraming, len(a.pending))
		if framingErr != nil {
			err = fmt.Errorf("%w; %w", err, framingErr)
		}
		return nil, err
	}

	frame := a.newFrame(a.pending, true)
	a.stats.PartialFrames++
	return &frame, framingErr
}

// Resync drops a dangling half sample so that bytes arriving after a
// reconnect start on a sample boundary. Whole samples are kept.
func (a *FrameAssembler) Resync() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	odd := len(a.pending) % BytesPerSample
	if odd == 0 {
		return 0
	}

	a.pending = a.pending[:len(a.pending)-odd]
	a.stats.ResyncDrops += uint64(odd)
	a.stats.DroppedBytes += uint64(odd)
	a.stats.PendingBytes = len(a.pending)
	return odd
}

// GetStats returns a copy of the assembler statistics
func (a *FrameAssembler) GetStats() AssemblerStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// newFrame copies raw into a new frame. raw must hold whole samples.
func (a *FrameAssembler) newFrame(raw []byte, partial bool) AudioFrame {
	data := make([]byte, len(raw))
	copy(data, raw)

	samples := make([]int16, a.cfg.FrameSamples)
	for i := 0; i+1 < len(data); i += BytesPerSample {
		samples[i/BytesPerSample] = int16(binary.LittleEndian.Uint16(data[i:]))
	}

	seq := a.nextSeq
	a.nextSeq++
	a.stats.FramesEmitted++
	a.stats.SamplesOut += uint64(len(data) / BytesPerSample)

	return AudioFrame{
		Seq:       seq,
		Samples:   samples,
		Data:      data,
		Timestamp: SampleOffset(seq*uint64(a.cfg.FrameSamples), a.cfg.SampleRate),
		Partial:   partial,
	}
}
