package vad

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/skypro1111/pcm-capture-service/internal/errs"
)

// SegmentState is the tracker state. It is one of Silence, Speech or GraceSilence.
type SegmentState interface {
	isSegmentState()
	String() string
}

// Silence means no candidate segment is open
type Silence struct{}

// Speech means a candidate segment is open and the last frame was speech
type Speech struct {
	StartedAt uint64
}

// GraceSilence means a candidate segment is open but trailing frames are silent
type GraceSilence struct {
	SpeechStartedAt  uint64
	SilenceStartedAt uint64
}

func (Silence) isSegmentState()      {}
func (Speech) isSegmentState()       {}
func (GraceSilence) isSegmentState() {}

func (Silence) String() string { return "silence" }
func (s Speech) String() string {
	return fmt.Sprintf("speech(since=%d)", s.StartedAt)
}
func (g GraceSilence) String() string {
	return fmt.Sprintf("grace_silence(speech=%d, silence=%d)", g.SpeechStartedAt, g.SilenceStartedAt)
}

// EventKind distinguishes segment boundaries
type EventKind int

const (
	// EventStart marks the first frame of an accepted segment
	EventStart EventKind = iota
	// EventEnd marks the frame at which the segment was closed
	EventEnd
)

// String returns the wire name of the kind
func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "speech_start"
	case EventEnd:
		return "speech_end"
	default:
		return "unknown"
	}
}

// SegmentEvent is a segment boundary in frame units
type SegmentEvent struct {
	Kind     EventKind `json:"kind"`
	At       uint64    `json:"at"`                 // frame sequence number
	Duration uint64    `json:"duration,omitempty"` // frames from Start to End, End only
	Forced   bool      `json:"forced,omitempty"`   // closed by shutdown
}

// Offset returns the stream time of the boundary
func (e SegmentEvent) Offset(frameDuration time.Duration) time.Duration {
	return time.Duration(e.At) * frameDuration
}

// Length returns the segment duration as time; zero for Start events
func (e SegmentEvent) Length(frameDuration time.Duration) time.Duration {
	return time.Duration(e.Duration) * frameDuration
}

// TrackerConfig holds the hysteresis parameters, durations in frames
type TrackerConfig struct {
	Threshold  float64
	MinSilence uint64 // grace period
	MinSpeech  uint64 // shortest accepted segment
}

// FramesFor converts a duration into whole frames, rounding up
func FramesFor(d, frameDuration time.Duration) uint64 {
	if d <= 0 || frameDuration <= 0 {
		return 0
	}
	return uint64((d + frameDuration - 1) / frameDuration)
}

// TrackerStats represents segment tracker statistics
type TrackerStats struct {
	State             string `json:"state"`
	FramesObserved    uint64 `json:"frames_observed"`
	SpeechFrames      uint64 `json:"speech_frames"`
	SegmentsAccepted  uint64 `json:"segments_accepted"`
	SegmentsDiscarded uint64 `json:"segments_discarded"`
	SegmentFrames     uint64 `json:"segment_frames"`
	LongestSegment    uint64 `json:"longest_segment_frames"`
}

// SegmentTracker converts ActivityScores into SegmentEvents.
// A candidate segment is only reported once its closing silence has lasted
// MinSilence frames, and only if its speech span reached MinSpeech frames; the
// Start and End events of an accepted segment are therefore emitted together.
type SegmentTracker struct {
	cfg      TrackerConfig
	state    SegmentState
	last     uint64
	observed bool
	stats    TrackerStats
	mu       sync.Mutex
}

// NewSegmentTracker creates a tracker in the Silence state
func NewSegmentTracker(cfg TrackerConfig) (*SegmentTracker, error) {
	if math.IsNaN(cfg.Threshold) || cfg.Threshold < 0 || cfg.Threshold > 1 {
		return nil, errs.Configf("threshold must be between 0 and 1, got %f", cfg.Threshold)
	}

	return &SegmentTracker{
		cfg:   cfg,
		state: Silence{},
		stats: TrackerStats{State: Silence{}.String()},
	}, nil
}

// Observe advances the state machine by one score and returns the events it produced
func (t *SegmentTracker) Observe(score ActivityScore) ([]SegmentEvent, error) {
	if math.IsNaN(score.Probability) || score.Probability < 0 || score.Probability > 1 {
		return nil, errs.Configf("score for frame %d out of range: %f", score.Seq, score.Probability)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.observed && score.Seq <= t.last {
		return nil, errs.Configf("frame %d observed after frame %d", score.Seq, t.last)
	}
	t.last = score.Seq
	t.observed = true
	t.stats.FramesObserved++

	seq := score.Seq
	isSpeech := score.Probability >= t.cfg.Threshold
	if isSpeech {
		t.stats.SpeechFrames++
	}

	var events []SegmentEvent

	switch st := t.state.(type) {
	case Silence:
		if isSpeech {
			t.state = Speech{StartedAt: seq}
		}

	case Speech:
		if !isSpeech {
			t.state = GraceSilence{SpeechStartedAt: st.StartedAt, SilenceStartedAt: seq}
		}

	case GraceSilence:
		switch {
		case isSpeech:
			t.state = Speech{StartedAt: st.SpeechStartedAt}
		case seq-st.SilenceStartedAt >= t.cfg.MinSilence:
			events = t.closeSegment(st.SpeechStartedAt, st.SilenceStartedAt-st.SpeechStartedAt, seq, false)
			t.state = Silence{}
		}
	}

	t.stats.State = t.state.String()
	return events, nil
}

// Close force-closes an open candidate using the last processed frame as the
// boundary. The minimum speech filter still applies.
func (t *SegmentTracker) Close() []SegmentEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	var events []SegmentEvent

	switch st := t.state.(type) {
	case Speech:
		events = t.closeSegment(st.StartedAt, t.last-st.StartedAt+1, t.last, true)
	case GraceSilence:
		events = t.closeSegment(st.SpeechStartedAt, st.SilenceStartedAt-st.SpeechStartedAt, t.last, true)
	}

	t.state = Silence{}
	t.stats.State = t.state.String()
	return events
}

// closeSegment applies the minimum speech filter; caller holds mu
func (t *SegmentTracker) closeSegment(start, speechSpan, end uint64, forced bool) []SegmentEvent {
	if speechSpan < t.cfg.MinSpeech {
		t.stats.SegmentsDiscarded++
		return nil
	}

	duration := end - start
	t.stats.SegmentsAccepted++
	t.stats.SegmentFrames += duration
	if duration > t.stats.LongestSegment {
		t.stats.LongestSegment = duration
	}

	return []SegmentEvent{
		{Kind: EventStart, At: start, Forced: forced},
		{Kind: EventEnd, At: end, Duration: duration, Forced: forced},
	}
}

// State returns the current state
func (t *SegmentTracker) State() SegmentState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Pending returns the first frame of the open candidate segment, if any
func (t *SegmentTracker) Pending() (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch st := t.state.(type) {
	case Speech:
		return st.StartedAt, true
	case GraceSilence:
		return st.SpeechStartedAt, true
	default:
		return 0, false
	}
}

// GetStats returns a copy of the tracker statistics
func (t *SegmentTracker) GetStats() TrackerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}
