package vad

import (
	"fmt"
	"math"

	"github.com/josharian/fvad"

	"github.com/skypro1111/pcm-capture-service/internal/errs"
)

// Model is a speech-probability function over one frame of samples
type Model interface {
	Name() string
	Probability(samples []int16) (float64, error)
	Close() error
}

// Resetter is implemented by models that adapt to the signal. The scorer
// resets them before every frame so a score depends on that frame alone.
type Resetter interface {
	Reset() error
}

// ModelFactory creates a Model; a failure makes the scorer run degraded
type ModelFactory func() (Model, error)

// EnergyModel is the deterministic RMS fallback.
// It returns 1 when the normalized RMS of the frame reaches the threshold and 0 otherwise.
type EnergyModel struct {
	threshold float64
}

// NewEnergyModel creates an energy model; threshold is relative to full scale (0..1)
func NewEnergyModel(threshold float64) (*EnergyModel, error) {
	if threshold <= 0 || threshold >= 1 || math.IsNaN(threshold) {
		return nil, errs.Configf("energy threshold must be between 0 and 1 (exclusive), got %f", threshold)
	}
	return &EnergyModel{threshold: threshold}, nil
}

// Name returns the model name
func (m *EnergyModel) Name() string { return "energy" }

// Close is a no-op
func (m *EnergyModel) Close() error { return nil }

// Probability returns 1.0 above the energy threshold and 0.0 below
func (m *EnergyModel) Probability(samples []int16) (float64, error) {
	if RMS(samples) >= m.threshold {
		return 1, nil
	}
	return 0, nil
}

// RMS returns the root-mean-square level of samples relative to full scale
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}

	var energy float64
	for _, s := range samples {
		v := float64(s)
		energy += v * v
	}
	return math.Sqrt(energy/float64(len(samples))) / 32768.0
}

// FVADModel scores frames with the WebRTC voice activity detector.
// libfvad accepts only 10, 20 or 30 ms pieces, so a frame is split greedily
// into the largest pieces that fit and the probability is the voiced share of
// the analyzed duration. A tail shorter than 10 ms is not analyzed.
type FVADModel struct {
	detector   *fvad.Detector
	sampleRate int
	mode       int
	piece10ms  int
}

// NewFVADModel creates a detector for sampleRate with aggressiveness mode 0..3
func NewFVADModel(sampleRate, mode int) (*FVADModel, error) {
	detector := fvad.NewDetector()
	if detector == nil {
		return nil, fmt.Errorf("%w: failed to allocate fvad detector", errs.ErrModel)
	}

	m := &FVADModel{
		detector:   detector,
		sampleRate: sampleRate,
		mode:       mode,
		piece10ms:  sampleRate / 100,
	}
	if err := m.configure(); err != nil {
		detector.Close()
		return nil, err
	}
	return m, nil
}

// configure applies the sample rate and mode; fvad_reset clears both
func (m *FVADModel) configure() error {
	if err := m.detector.SetSampleRate(m.sampleRate); err != nil {
		return errs.Wrap(errs.ErrModel, "unable to set the sample rate", err)
	}
	if err := m.detector.SetMode(m.mode); err != nil {
		return errs.Wrap(errs.ErrModel, "unable to set the sensitivity mode", err)
	}
	return nil
}

// FVADFactory returns a ModelFactory for NewFVADModel
func FVADFactory(sampleRate, mode int) ModelFactory {
	return func() (Model, error) {
		return NewFVADModel(sampleRate, mode)
	}
}

// Name returns the model name
func (m *FVADModel) Name() string { return "fvad" }

// Close releases the detector
func (m *FVADModel) Close() error {
	m.detector.Close()
	return nil
}

// Probability returns the voiced fraction of the frame. The detector's noise
// estimate and hangover are cleared first, so pieces of one frame share state
// but frames do not.
func (m *FVADModel) Probability(samples []int16) (float64, error) {
	if len(samples) < m.piece10ms {
		return 0, fmt.Errorf("%w: frame of %d samples is shorter than 10 ms", errs.ErrModel, len(samples))
	}

	m.detector.Reset()
	if err := m.configure(); err != nil {
		return 0, err
	}

	var analyzed, voiced int
	for rest := samples; len(rest) >= m.piece10ms; {
		n := m.piece10ms * 3
		for n > len(rest) {
			n -= m.piece10ms
		}

		active, err := m.detector.Process(rest[:n])
		if err != nil {
			return 0, errs.Wrap(errs.ErrModel, "fvad process failed", err)
		}

		analyzed += n
		if active {
			voiced += n
		}
		rest = rest[n:]
	}

	return float64(voiced) / float64(analyzed), nil
}
