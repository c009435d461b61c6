package vad

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/skypro1111/pcm-capture-service/internal/audio"
	"github.com/skypro1111/pcm-capture-service/internal/errs"
)

// ActivityScore is the speech probability of one frame
type ActivityScore struct {
	Seq         uint64  `json:"seq"`
	Probability float64 `json:"probability"`
	Source      string  `json:"source"` // name of the model that produced the score
}

// ScorerConfig holds activity scoring parameters
type ScorerConfig struct {
	FrameSamples    int
	EnergyThreshold float64
}

// ScorerStats represents activity scorer statistics
type ScorerStats struct {
	Source         string  `json:"source"`
	Degraded       bool    `json:"degraded"`
	DegradedReason string  `json:"degraded_reason,omitempty"`
	Frames         uint64  `json:"frames"`
	ModelFrames    uint64  `json:"model_frames"`
	FallbackFrames uint64  `json:"fallback_frames"`
	ModelErrors    uint64  `json:"model_errors"`
	MeanScore      float64 `json:"mean_score"`
}

// Scorer maps frames to ActivityScores. It holds no state between frames.
type Scorer struct {
	cfg      ScorerConfig
	model    Model
	fallback *EnergyModel
	logger   *slog.Logger

	degraded       bool
	degradedReason string
	runtimeWarned  bool
	scoreSum       float64
	stats          ScorerStats

	mu sync.Mutex
}

// NewScorer creates a scorer. A nil factory selects the energy model outright;
// a factory error is not fatal: the scorer logs it once and runs degraded.
func NewScorer(cfg ScorerConfig, factory ModelFactory, logger *slog.Logger) (*Scorer, error) {
	if cfg.FrameSamples <= 0 {
		return nil, errs.Configf("frame samples must be positive, got %d", cfg.FrameSamples)
	}

	fallback, err := NewEnergyModel(cfg.EnergyThreshold)
	if err != nil {
		return nil, err
	}

	s := &Scorer{
		cfg:      cfg,
		fallback: fallback,
		logger:   logger.With("component", "scorer"),
	}

	if factory != nil {
		model, err := factory()
		if err != nil {
			s.degraded = true
			s.degradedReason = err.Error()
			s.logger.Warn("Activity model unavailable, falling back to energy heuristic",
				slog.String("error", err.Error()),
				slog.Bool("model_error", errors.Is(err, errs.ErrModel)),
			)
		} else {
			s.model = model
		}
	}

	s.stats.Source = s.Source()
	s.stats.Degraded = s.degraded
	s.stats.DegradedReason = s.degradedReason

	return s, nil
}

// Degraded reports whether the configured model failed to initialize.
func (s *Scorer) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Source returns the name of the model producing scores.
func (s *Scorer) Source() string {
	if s.model != nil {
		return s.model.Name()
	}
	return s.fallback.Name()
}

// Score returns the activity score of frame
func (s *Scorer) Score(frame audio.AudioFrame) (ActivityScore, error) {
	if len(frame.Samples) != s.cfg.FrameSamples {
		return ActivityScore{}, errs.Configf("expected %d samples, got %d", s.cfg.FrameSamples, len(frame.Samples))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	score := ActivityScore{Seq: frame.Seq}

	if s.model != nil {
		p, err := s.probability(frame.Samples)
		if err == nil && (math.IsNaN(p) || p < 0 || p > 1) {
			err = fmt.Errorf("%w: model returned out-of-range probability %f", errs.ErrModel, p)
		}

		if err == nil {
			score.Probability = p
			score.Source = s.model.Name()
			s.stats.ModelFrames++
			s.record(score)
			return score, nil
		}

		s.stats.ModelErrors++
		if !s.runtimeWarned {
			s.runtimeWarned = true
			s.logger.Warn("Activity model failed on frame, using energy heuristic for it",
				slog.Uint64("seq", frame.Seq),
				slog.String("error", err.Error()),
			)
		}
	}

	// The energy model cannot fail
	p, _ := s.fallback.Probability(frame.Samples)
	score.Probability = p
	score.Source = s.fallback.Name()
	s.stats.FallbackFrames++
	s.record(score)
	return score, nil
}

// probability resets an adaptive model and scores samples; caller holds mu
func (s *Scorer) probability(samples []int16) (float64, error) {
	if r, ok := s.model.(Resetter); ok {
		if err := r.Reset(); err != nil {
			return 0, errs.Wrap(errs.ErrModel, "failed to reset "+s.model.Name(), err)
		}
	}
	return s.model.Probability(samples)
}

// record updates running statistics; caller holds mu
func (s *Scorer) record(score ActivityScore) {
	s.stats.Frames++
	s.scoreSum += score.Probability
	s.stats.MeanScore = s.scoreSum / float64(s.stats.Frames)
}

// GetStats returns a copy of the scorer statistics
func (s *Scorer) GetStats() ScorerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Close releases the underlying model
func (s *Scorer) Close() error {
	if s.model != nil {
		return s.model.Close()
	}
	return nil
}
