package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/pcm-capture-service/internal/audio"
	"github.com/skypro1111/pcm-capture-service/internal/capture"
	"github.com/skypro1111/pcm-capture-service/internal/effects"
	"github.com/skypro1111/pcm-capture-service/internal/errs"
	"github.com/skypro1111/pcm-capture-service/internal/link"
	"github.com/skypro1111/pcm-capture-service/internal/metrics"
	"github.com/skypro1111/pcm-capture-service/internal/vad"
)

// Source produces raw stream bytes, normally a *link.Link
type Source interface {
	ReadAvailable(ctx context.Context, maxBytes int) ([]byte, error)
	OnDisconnect(fn func(err error))
	Close() error
}

type gainSetter interface {
	SetGain(ctx context.Context, level int) (string, error)
}

type linkStats interface {
	GetStats() link.Stats
	Session() *link.Session
}

// Config holds pipeline parameters
type Config struct {
	QueueCapacity   int // chunks
	StallTimeout    time.Duration
	ReadSize        int
	DataTimeout     time.Duration // 0 disables the watchdog
	ShutdownTimeout time.Duration
	InitialGain     int // -1 leaves the device gain alone
}

// QueueCapacityFor sizes the queue to hold about d of audio in readSize chunks
func QueueCapacityFor(d time.Duration, byteRate, readSize int) int {
	bytes := int(d.Seconds() * float64(byteRate))
	n := (bytes + readSize - 1) / readSize
	if n < 2 {
		n = 2
	}
	return n
}

// Components are the stages a Pipeline drives
type Components struct {
	Source    Source
	Assembler *audio.FrameAssembler
	Scorer    *vad.Scorer
	Tracker   *vad.SegmentTracker
	Sink      *capture.Sink
	Effects   *effects.Dispatcher // optional
}

// Stats aggregates statistics of every stage
type Stats struct {
	Running          bool                     `json:"running"`
	Uptime           string                   `json:"uptime"`
	QueueDepth       int                      `json:"queue_depth"`
	QueueCapacity    int                      `json:"queue_capacity"`
	ChunksQueued     uint64                   `json:"chunks_queued"`
	BytesQueued      uint64                   `json:"bytes_queued"`
	Resyncs          uint64                   `json:"resyncs"`
	FramesProcessed  uint64                   `json:"frames_processed"`
	SegmentsAccepted uint64                   `json:"segments_accepted"`
	SinkErrors       uint64                   `json:"sink_errors"`
	DataStalled      bool                     `json:"data_stalled"`
	Link             *link.Stats              `json:"link,omitempty"`
	Session          *link.SessionInfo        `json:"session,omitempty"`
	Assembler        audio.AssemblerStats     `json:"assembler"`
	Scorer           vad.ScorerStats          `json:"scorer"`
	Tracker          vad.TrackerStats         `json:"tracker"`
	Sink             capture.SinkStats        `json:"sink"`
	Effects          *effects.DispatcherStats `json:"effects,omitempty"`
}

// item is one queue entry: a chunk of payload or a resync marker
type item struct {
	data   []byte
	resync bool
}

// Pipeline runs the capture stages for one session
type Pipeline struct {
	cfg     Config
	c       Components
	logger  *slog.Logger
	metrics *metrics.Metrics

	queue        chan item
	consumerDone chan struct{}
	resync       atomic.Bool

	startedAt   time.Time
	running     atomic.Bool
	lastData    atomic.Int64 // unix nanos of the last payload byte
	dataStalled atomic.Bool

	chunksQueued     atomic.Uint64
	bytesQueued      atomic.Uint64
	resyncs          atomic.Uint64
	framesProcessed  atomic.Uint64
	segmentsAccepted atomic.Uint64
	sinkErrors       atomic.Uint64
	lastDiscarded    uint64 // consumer only

	runOnce sync.Once
}

// New validates the configuration and components
func New(cfg Config, c Components, logger *slog.Logger, m *metrics.Metrics) (*Pipeline, error) {
	if c.Source == nil || c.Assembler == nil || c.Scorer == nil || c.Tracker == nil || c.Sink == nil {
		return nil, errs.Configf("pipeline is missing a required stage")
	}
	if cfg.QueueCapacity <= 0 {
		return nil, errs.Configf("queue capacity must be positive, got %d", cfg.QueueCapacity)
	}
	if cfg.StallTimeout <= 0 {
		return nil, errs.Configf("stall timeout must be positive, got %v", cfg.StallTimeout)
	}
	if cfg.ReadSize <= 0 {
		return nil, errs.Configf("read size must be positive, got %d", cfg.ReadSize)
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	return &Pipeline{
		cfg:          cfg,
		c:            c,
		logger:       logger.With("component", "pipeline"),
		metrics:      m,
		queue:        make(chan item, cfg.QueueCapacity),
		consumerDone: make(chan struct{}),
	}, nil
}

// Run processes the stream until ctx is cancelled or a stage fails fatally.
// A graceful stop returns nil. Every stage is closed before Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	started := false
	p.runOnce.Do(func() { started = true })
	if !started {
		return errs.Configf("pipeline already ran")
	}

	p.startedAt = time.Now()
	p.lastData.Store(p.startedAt.UnixNano())
	p.running.Store(true)
	defer p.running.Store(false)

	p.metrics.SetScorerDegraded(p.c.Scorer.Degraded())
	p.c.Source.OnDisconnect(func(err error) {
		p.resync.Store(true)
	})

	p.logger.Info("Pipeline started",
		slog.Int("queue_capacity", p.cfg.QueueCapacity),
		slog.Duration("stall_timeout", p.cfg.StallTimeout),
		slog.String("scorer", p.c.Scorer.Source()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(p.queue)
		return p.produce(gctx)
	})

	g.Go(func() error {
		defer close(p.consumerDone)
		err := p.consume()
		if ferr := p.finish(); ferr != nil {
			err = multierror.Append(err, ferr).ErrorOrNil()
		}
		return err
	})

	if p.cfg.DataTimeout > 0 {
		g.Go(func() error {
			p.watch(gctx)
			return nil
		})
	}

	if gs, ok := p.c.Source.(gainSetter); ok && p.cfg.InitialGain >= 0 {
		g.Go(func() error {
			if _, err := gs.SetGain(gctx, p.cfg.InitialGain); err != nil && gctx.Err() == nil {
				p.logger.Warn("Initial gain not confirmed", slog.Int("level", p.cfg.InitialGain), slog.String("error", err.Error()))
			}
			return nil
		})
	}

	runErr := g.Wait()

	var result *multierror.Error
	if runErr != nil {
		result = multierror.Append(result, runErr)
	}
	if err := p.closeStages(); err != nil {
		result = multierror.Append(result, err)
	}

	stats := p.GetStats()
	p.logger.Info("Pipeline stopped",
		slog.Uint64("frames", stats.FramesProcessed),
		slog.Uint64("segments", stats.SegmentsAccepted),
		slog.Int("files", stats.Sink.ContainersClosed),
		slog.Float64("seconds", stats.Sink.DurationSeconds),
		slog.Int64("bytes", stats.Sink.BytesWritten),
		slog.Uint64("resyncs", stats.Resyncs),
	)

	return result.ErrorOrNil()
}

// produce polls the source until ctx is cancelled
func (p *Pipeline) produce(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		data, err := p.c.Source.ReadAvailable(ctx, p.cfg.ReadSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("link read failed: %w", err)
		}

		if p.resync.Swap(false) {
			if err := p.enqueue(item{resync: true}); err != nil {
				return err
			}
		}

		if len(data) == 0 {
			continue
		}

		p.markData()
		if err := p.enqueue(item{data: data}); err != nil {
			return err
		}
		p.chunksQueued.Add(1)
		p.bytesQueued.Add(uint64(len(data)))
	}
}

// enqueue waits at most the stall timeout for queue space. Data already read
// is still queued after cancellation so that it is drained with the rest.
func (p *Pipeline) enqueue(it item) error {
	select {
	case p.queue <- it:
		p.metrics.SetQueueDepth(len(p.queue))
		return nil
	default:
	}

	timer := time.NewTimer(p.cfg.StallTimeout)
	defer timer.Stop()

	select {
	case p.queue <- it:
		p.metrics.SetQueueDepth(len(p.queue))
		return nil
	case <-p.consumerDone:
		return nil
	case <-timer.C:
		p.metrics.RecordStall()
		return fmt.Errorf("%w: consumer blocked for %v with %d chunks queued", errs.ErrPipelineStall, p.cfg.StallTimeout, len(p.queue))
	}
}

// consume runs every queued item through the stages in order
func (p *Pipeline) consume() error {
	for it := range p.queue {
		p.metrics.SetQueueDepth(len(p.queue))

		if it.resync {
			p.resyncs.Add(1)
			dropped := p.c.Assembler.Resync()
			p.metrics.RecordFramingDropped(dropped)
			p.logger.Info("Stream resynchronized after reconnect", slog.Int("dropped_bytes", dropped))
			continue
		}

		for _, frame := range p.c.Assembler.Feed(it.data) {
			if err := p.processFrame(frame); err != nil {
				return err
			}
		}
	}
	return nil
}

// processFrame is the per-frame path: score, track, events, then persist
func (p *Pipeline) processFrame(frame audio.AudioFrame) error {
	score, err := p.c.Scorer.Score(frame)
	if err != nil {
		return fmt.Errorf("scoring frame %d: %w", frame.Seq, err)
	}

	events, err := p.c.Tracker.Observe(score)
	if err != nil {
		return fmt.Errorf("tracking frame %d: %w", frame.Seq, err)
	}
	p.dispatch(events)

	if err := p.c.Sink.OnFrame(frame); err != nil {
		if !errors.Is(err, errs.ErrIO) {
			return err
		}
		p.sinkErrors.Add(1)
		p.logger.Error("Frame not persisted", slog.Uint64("seq", frame.Seq), slog.String("error", err.Error()))
	}

	p.framesProcessed.Add(1)
	p.metrics.RecordFrame(frame.Partial, score.Probability)
	p.recordDiscards()
	return nil
}

// dispatch delivers segment events to the sink, then the effect dispatcher
func (p *Pipeline) dispatch(events []vad.SegmentEvent) {
	for _, ev := range events {
		if err := p.c.Sink.OnSegmentEvent(ev); err != nil {
			p.sinkErrors.Add(1)
			p.logger.Error("Segment not persisted", slog.Uint64("at", ev.At), slog.String("error", err.Error()))
		}

		if p.c.Effects != nil {
			p.c.Effects.OnSegmentEvent(ev)
		}

		frameDuration := p.c.Assembler.Config().FrameDuration()
		if ev.Kind == vad.EventEnd {
			p.segmentsAccepted.Add(1)
			p.metrics.RecordSegmentAccepted(ev.Length(frameDuration).Seconds())
			p.logger.Info("Speech segment",
				slog.Uint64("start", ev.At-ev.Duration),
				slog.Uint64("end", ev.At),
				slog.Duration("offset", ev.Offset(frameDuration)-ev.Length(frameDuration)),
				slog.Duration("duration", ev.Length(frameDuration)),
				slog.Bool("forced", ev.Forced),
			)
		}
	}
}

func (p *Pipeline) recordDiscards() {
	discarded := p.c.Tracker.GetStats().SegmentsDiscarded
	if discarded > p.lastDiscarded {
		p.metrics.RecordSegmentsDiscarded(int(discarded - p.lastDiscarded))
		p.lastDiscarded = discarded
	}
}

// finish flushes the trailing frame, force-closes the tracker and closes the sink
func (p *Pipeline) finish() error {
	var result *multierror.Error

	tail, ferr := p.c.Assembler.Finish()
	if ferr != nil {
		p.logger.Warn("Trailing bytes dropped", slog.String("error", ferr.Error()))
	}
	if tail != nil {
		if err := p.processFrame(*tail); err != nil {
			result = multierror.Append(result, err)
		}
	}

	p.dispatch(p.c.Tracker.Close())
	p.recordDiscards()

	if err := p.c.Sink.FlushAndClose(); err != nil {
		result = multierror.Append(result, fmt.Errorf("closing capture sink: %w", err))
	}

	return result.ErrorOrNil()
}

// closeStages releases the stages that outlive the consumer
func (p *Pipeline) closeStages() error {
	var result *multierror.Error

	if p.c.Effects != nil {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ShutdownTimeout)
		if err := p.c.Effects.Close(ctx); err != nil {
			result = multierror.Append(result, err)
		}
		cancel()
	}

	if err := p.c.Scorer.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("closing scorer: %w", err))
	}

	if err := p.c.Source.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

func (p *Pipeline) markData() {
	p.lastData.Store(time.Now().UnixNano())
	if p.dataStalled.Swap(false) {
		p.logger.Info("Audio data resumed")
	}
}

// watch warns once per gap when no payload arrives for the data timeout
func (p *Pipeline) watch(ctx context.Context) {
	interval := p.cfg.DataTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			idle := now.Sub(time.Unix(0, p.lastData.Load()))
			if idle >= p.cfg.DataTimeout && !p.dataStalled.Swap(true) {
				p.logger.Warn("No audio data received",
					slog.Duration("idle", idle.Truncate(time.Millisecond)),
					slog.Duration("timeout", p.cfg.DataTimeout),
				)
			}
		}
	}
}

// Healthy reports whether data is flowing and the link is up
func (p *Pipeline) Healthy() (bool, map[string]any) {
	healthy := p.running.Load() && !p.dataStalled.Load()
	components := map[string]any{
		"running":      p.running.Load(),
		"data_stalled": p.dataStalled.Load(),
		"scorer":       p.c.Scorer.Source(),
		"degraded":     p.c.Scorer.Degraded(),
	}

	if ls, ok := p.c.Source.(linkStats); ok {
		connected := ls.GetStats().Connected
		components["link_connected"] = connected
		healthy = healthy && connected
	}
	return healthy, components
}

// GetStats returns a snapshot of every stage
func (p *Pipeline) GetStats() Stats {
	stats := Stats{
		Running:          p.running.Load(),
		QueueDepth:       len(p.queue),
		QueueCapacity:    p.cfg.QueueCapacity,
		ChunksQueued:     p.chunksQueued.Load(),
		BytesQueued:      p.bytesQueued.Load(),
		Resyncs:          p.resyncs.Load(),
		FramesProcessed:  p.framesProcessed.Load(),
		SegmentsAccepted: p.segmentsAccepted.Load(),
		SinkErrors:       p.sinkErrors.Load(),
		DataStalled:      p.dataStalled.Load(),
		Assembler:        p.c.Assembler.GetStats(),
		Scorer:           p.c.Scorer.GetStats(),
		Tracker:          p.c.Tracker.GetStats(),
		Sink:             p.c.Sink.GetStats(),
	}
	if !p.startedAt.IsZero() {
		stats.Uptime = time.Since(p.startedAt).Truncate(time.Second).String()
	}

	if ls, ok := p.c.Source.(linkStats); ok {
		l := ls.GetStats()
		stats.Link = &l
		info := ls.Session().Info()
		stats.Session = &info
	}
	if p.c.Effects != nil {
		e := p.c.Effects.GetStats()
		stats.Effects = &e
	}
	return stats
}
