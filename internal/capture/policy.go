package capture

import (
	"time"

	"github.com/skypro1111/pcm-capture-service/internal/audio"
	"github.com/skypro1111/pcm-capture-service/internal/errs"
)

// Rotation modes
const (
	ModeTime    = "time"
	ModeSize    = "size"
	ModeSegment = "vad"
)

// Container labels used by segment rotation
const (
	LabelSpeech  = "speech"
	LabelSilence = "silence"
)

// rotationPolicy decides whether the open container must be closed before
// the next frame is written. Rotation only ever happens between frames.
type rotationPolicy interface {
	name() string
	shouldRotate(c *container, frame audio.AudioFrame) bool
}

// timePolicy rotates once the container holds at least limit samples
type timePolicy struct {
	limitSamples uint64
}

func newTimePolicy(d time.Duration, sampleRate int) (*timePolicy, error) {
	if d <= 0 {
		return nil, errs.Configf("time rotation needs a positive duration, got %v", d)
	}
	// Round up so a 2s limit means at least 2s of audio per container
	samples := (uint64(d)*uint64(sampleRate) + uint64(time.Second) - 1) / uint64(time.Second)
	return &timePolicy{limitSamples: samples}, nil
}

func (p *timePolicy) name() string { return ModeTime }

func (p *timePolicy) shouldRotate(c *container, _ audio.AudioFrame) bool {
	return c.samples >= p.limitSamples
}

// sizePolicy rotates before a frame that would push the file past maxBytes
type sizePolicy struct {
	maxBytes int64
}

func newSizePolicy(maxBytes int64, frameBytes int) (*sizePolicy, error) {
	if maxBytes < int64(audio.WAVHeaderSize+frameBytes) {
		return nil, errs.Configf("max size %d cannot hold a single %d byte frame", maxBytes, frameBytes)
	}
	return &sizePolicy{maxBytes: maxBytes}, nil
}

func (p *sizePolicy) name() string { return ModeSize }

func (p *sizePolicy) shouldRotate(c *container, frame audio.AudioFrame) bool {
	return c.frames > 0 && c.fileSize()+int64(len(frame.Data)) > p.maxBytes
}

// segmentPolicy never rotates on its own; label changes drive rotation
type segmentPolicy struct{}

func (segmentPolicy) name() string { return ModeSegment }

func (segmentPolicy) shouldRotate(*container, audio.AudioFrame) bool { return false }
