package capture

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/skypro1111/pcm-capture-service/internal/audio"
	"github.com/skypro1111/pcm-capture-service/internal/errs"
	"github.com/skypro1111/pcm-capture-service/internal/metrics"
	"github.com/skypro1111/pcm-capture-service/internal/vad"
)

// StateSource exposes the open candidate segment of a SegmentTracker
type StateSource interface {
	Pending() (start uint64, ok bool)
}

// SinkConfig holds capture sink parameters
type SinkConfig struct {
	Mode         string
	OutputDir    string
	Prefix       string
	SampleRate   int
	FrameSamples int
	Duration     time.Duration // time mode
	MaxBytes     int64         // size mode, whole file including header
	Sidecars     bool
	SessionID    string
	Now          func() time.Time
	Open         OpenFunc
}

// SinkStats represents capture sink statistics
type SinkStats struct {
	Mode              string  `json:"mode"`
	ContainersClosed  int     `json:"containers_closed"`
	ContainersAborted int     `json:"containers_aborted"`
	FramesWritten     uint64  `json:"frames_written"`
	SamplesWritten    uint64  `json:"samples_written"`
	BytesWritten      int64   `json:"bytes_written"`
	DurationSeconds   float64 `json:"duration_seconds"`
	WriteErrors       uint64  `json:"write_errors"`
	DroppedFrames     uint64  `json:"dropped_frames"`
	HeldFrames        int     `json:"held_frames"`
	CurrentFile       string  `json:"current_file,omitempty"`
}

// Sink writes frames into rotating WAV containers
type Sink struct {
	cfg     SinkConfig
	policy  rotationPolicy
	states  StateSource
	logger  *slog.Logger
	metrics *metrics.Metrics

	started   time.Time
	nextIndex int
	current   *container
	held      []audio.AudioFrame // frames of an undecided candidate segment
	lastSeq   uint64
	seen      bool
	closedSet []ContainerInfo
	stats     SinkStats
	closed    bool

	mu sync.Mutex
}

// NewSink creates the output directory and a sink for the selected mode.
// Segment mode requires states to tell which frames belong to a candidate segment.
func NewSink(cfg SinkConfig, states StateSource, logger *slog.Logger, m *metrics.Metrics) (*Sink, error) {
	if cfg.SampleRate <= 0 || cfg.FrameSamples <= 0 {
		return nil, errs.Configf("sample rate and frame samples must be positive")
	}
	if cfg.Prefix == "" || strings.ContainsAny(cfg.Prefix, `/\`) {
		return nil, errs.Configf("invalid file prefix %q", cfg.Prefix)
	}

	var policy rotationPolicy
	switch cfg.Mode {
	case ModeTime:
		p, err := newTimePolicy(cfg.Duration, cfg.SampleRate)
		if err != nil {
			return nil, err
		}
		policy = p
	case ModeSize:
		p, err := newSizePolicy(cfg.MaxBytes, cfg.FrameSamples*audio.BytesPerSample)
		if err != nil {
			return nil, err
		}
		policy = p
	case ModeSegment:
		if states == nil {
			return nil, errs.Configf("segment rotation requires a segment state source")
		}
		policy = segmentPolicy{}
	default:
		return nil, errs.Configf("unknown rotation mode %q", cfg.Mode)
	}

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.ErrIO, "failed to create output directory "+cfg.OutputDir, err)
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Open == nil {
		cfg.Open = openFile
	}

	return &Sink{
		cfg:       cfg,
		policy:    policy,
		states:    states,
		logger:    logger.With("component", "capture"),
		metrics:   m,
		started:   cfg.Now(),
		nextIndex: 1,
		stats:     SinkStats{Mode: cfg.Mode},
	}, nil
}

// OnFrame persists one frame. In segment mode frames of an open candidate
// segment are held until the tracker accepts or discards it. The returned
// error is an ErrIO when the frame could not be written even into a fresh
// container; the sink stays usable.
func (s *Sink) OnFrame(frame audio.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errs.Configf("frame %d after sink was closed", frame.Seq)
	}
	if s.seen && frame.Seq <= s.lastSeq {
		return errs.Configf("frame %d arrived after frame %d", frame.Seq, s.lastSeq)
	}
	s.seen = true
	s.lastSeq = frame.Seq

	if s.cfg.Mode != ModeSegment {
		return s.writeFrame(frame, "")
	}

	if start, ok := s.states.Pending(); ok && frame.Seq >= start {
		s.held = append(s.held, frame)
		s.stats.HeldFrames = len(s.held)
		return nil
	}

	// No candidate: anything still held was discarded as noise
	var result *multierror.Error
	if err := s.writeHeld(LabelSilence, ^uint64(0)); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.writeFrame(frame, LabelSilence); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// OnSegmentEvent drives segment rotation. An End event turns the held frames
// from the segment start up to and including End.At into a speech container;
// the frames before it close the preceding silence container. Other modes
// ignore segment events.
func (s *Sink) OnSegmentEvent(ev vad.SegmentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Mode != ModeSegment || ev.Kind != vad.EventEnd || s.closed {
		return nil
	}

	start := ev.At - ev.Duration
	var result *multierror.Error

	if start > 0 {
		if err := s.writeHeld(LabelSilence, start-1); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := s.closeCurrent(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.writeHeld(LabelSpeech, ev.At); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.closeCurrent(); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

// FlushAndClose writes any held frames and closes the open container
func (s *Sink) FlushAndClose() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var result *multierror.Error
	if err := s.writeHeld(LabelSilence, ^uint64(0)); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.closeCurrent(); err != nil {
		result = multierror.Append(result, err)
	}

	s.logger.Info("Capture sink closed",
		slog.Int("files", s.stats.ContainersClosed),
		slog.Int("aborted", s.stats.ContainersAborted),
		slog.Uint64("samples", s.stats.SamplesWritten),
		slog.Float64("duration_seconds", s.stats.DurationSeconds),
		slog.Int64("bytes", s.stats.BytesWritten),
	)

	return result.ErrorOrNil()
}

// Containers returns the containers closed so far, in order
func (s *Sink) Containers() []ContainerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ContainerInfo, len(s.closedSet))
	copy(out, s.closedSet)
	return out
}

// GetStats returns a copy of the sink statistics
func (s *Sink) GetStats() SinkStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stats
	stats.HeldFrames = len(s.held)
	if s.current != nil {
		stats.CurrentFile = s.current.partPath
	}
	return stats
}

// writeHeld writes held frames with Seq <= upTo under label and keeps the rest; caller holds mu
func (s *Sink) writeHeld(label string, upTo uint64) error {
	if len(s.held) == 0 {
		return nil
	}

	var result *multierror.Error
	keep := make([]audio.AudioFrame, 0, len(s.held))
	for _, f := range s.held {
		if f.Seq > upTo {
			keep = append(keep, f)
			continue
		}
		if err := s.writeFrame(f, label); err != nil {
			result = multierror.Append(result, err)
		}
	}

	s.held = keep
	s.stats.HeldFrames = len(keep)
	return result.ErrorOrNil()
}

// writeFrame writes frame into the open container, rotating first when the
// policy or the label demands it. A failed write aborts the container and the
// frame is retried once in a fresh one; caller holds mu.
func (s *Sink) writeFrame(frame audio.AudioFrame, label string) error {
	if s.current != nil && (s.current.label != label || s.policy.shouldRotate(s.current, frame)) {
		if err := s.closeCurrent(); err != nil {
			s.logger.Error("Failed to close container on rotation", slog.String("error", err.Error()))
		}
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if s.current == nil {
			if err := s.openContainer(label); err != nil {
				lastErr = err
				continue
			}
		}

		if err := s.current.append(frame); err != nil {
			lastErr = err
			s.stats.WriteErrors++
			s.metrics.RecordWriteError()
			s.logger.Error("Container write failed, aborting container",
				slog.String("file", s.current.partPath),
				slog.Uint64("seq", frame.Seq),
				slog.String("error", err.Error()),
			)
			s.current.aborted = true
			_ = s.closeCurrent()
			continue
		}

		s.stats.FramesWritten++
		s.stats.SamplesWritten += uint64(frame.SampleCount())
		s.stats.BytesWritten += int64(len(frame.Data))
		s.stats.DurationSeconds = audio.SampleOffset(s.stats.SamplesWritten, s.cfg.SampleRate).Seconds()
		s.metrics.RecordBytesWritten(len(frame.Data))
		return nil
	}

	s.stats.DroppedFrames++
	return fmt.Errorf("%w: frame %d could not be persisted: %w", errs.ErrIO, frame.Seq, lastErr)
}

// openContainer opens the next container; caller holds mu
func (s *Sink) openContainer(label string) error {
	path, index := finalPathFor(s.cfg.OutputDir, s.cfg.Prefix, s.started, s.nextIndex, label)
	s.nextIndex = index + 1
	partPath := path + partSuffix

	f, err := s.cfg.Open(partPath)
	if err != nil {
		s.stats.WriteErrors++
		s.metrics.RecordWriteError()
		return errs.Wrap(errs.ErrIO, "failed to open container "+partPath, err)
	}

	w, err := audio.NewWAVWriter(f, s.cfg.SampleRate)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(partPath)
		s.stats.WriteErrors++
		s.metrics.RecordWriteError()
		return errs.Wrap(errs.ErrIO, "failed to start container "+partPath, err)
	}

	s.current = &container{
		index:    index,
		label:    label,
		path:     path,
		partPath: partPath,
		writer:   w,
	}

	s.logger.Debug("Container opened",
		slog.String("file", partPath),
		slog.String("label", label),
	)
	return nil
}

// closeCurrent finalizes the open container and renames it into place; caller holds mu
func (s *Sink) closeCurrent() error {
	c := s.current
	if c == nil {
		return nil
	}
	s.current = nil

	err := c.writer.Finalize()

	// A container that never received a frame is not worth keeping
	if c.frames == 0 {
		_ = os.Remove(c.partPath)
		if err != nil {
			return errs.Wrap(errs.ErrIO, "failed to finalize empty container "+c.partPath, err)
		}
		return nil
	}

	if err == nil {
		if rerr := os.Rename(c.partPath, c.path); rerr != nil {
			err = fmt.Errorf("failed to rename %s: %w", c.partPath, rerr)
		}
	}

	info := c.info(s.cfg.SampleRate, s.cfg.Now())
	if err != nil {
		c.aborted = true
		info.Aborted = true
		info.Path = c.partPath
		s.stats.WriteErrors++
		s.metrics.RecordWriteError()
		err = errs.Wrap(errs.ErrIO, "failed to finalize container", err)
		s.logger.Error("Failed to finalize container",
			slog.String("file", c.partPath),
			slog.String("error", err.Error()),
		)
	}

	s.closedSet = append(s.closedSet, info)
	s.stats.ContainersClosed++
	if info.Aborted {
		s.stats.ContainersAborted++
	}

	label := c.label
	if label == "" {
		label = s.policy.name()
	}
	s.metrics.RecordContainerClosed(label, info.Aborted, info.Bytes)

	if s.cfg.Sidecars {
		if serr := writeSidecar(info.Path, s.sidecarFor(info)); serr != nil {
			s.logger.Warn("Failed to write sidecar", slog.String("file", info.Path), slog.String("error", serr.Error()))
		}
	}

	s.logger.Info("Container closed",
		slog.String("file", info.Path),
		slog.String("label", label),
		slog.Uint64("frames", info.Frames),
		slog.Float64("duration_seconds", info.Duration.Seconds()),
		slog.Bool("aborted", info.Aborted),
	)

	return err
}

func (s *Sink) sidecarFor(info ContainerInfo) sidecar {
	return sidecar{
		SessionID:     s.cfg.SessionID,
		Mode:          s.cfg.Mode,
		File:          info.Path,
		Label:         info.Label,
		Index:         info.Index,
		FirstSeq:      info.FirstSeq,
		LastSeq:       info.LastSeq,
		Frames:        info.Frames,
		Samples:       info.Samples,
		Bytes:         info.Bytes,
		SampleRate:    s.cfg.SampleRate,
		StartOffsetMs: info.StartOffset.Milliseconds(),
		DurationSec:   info.Duration.Seconds(),
		Aborted:       info.Aborted,
		ClosedAt:      info.ClosedAt.UTC().Format(time.RFC3339Nano),
	}
}
