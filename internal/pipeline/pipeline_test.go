package pipeline

import (
	"context"
	"encoding/binary"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/pcm-capture-service/internal/audio"
	"github.com/skypro1111/pcm-capture-service/internal/capture"
	"github.com/skypro1111/pcm-capture-service/internal/effects"
	"github.com/skypro1111/pcm-capture-service/internal/errs"
	"github.com/skypro1111/pcm-capture-service/internal/vad"
)

const (
	testRate   = 16000
	testFrame  = 512
	frameBytes = testFrame * 2
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type step struct {
	data       []byte
	disconnect bool // report a link loss before returning data
}

// fakeSource serves scripted reads, then idles until cancelled
type fakeSource struct {
	mu           sync.Mutex
	steps        []step
	endless      []byte // returned forever once steps run out
	onDisconnect func(error)
	closed       bool
	gains        []int
	exhausted    chan struct{}
	exhaustOnce  sync.Once
}

func newFakeSource(steps ...step) *fakeSource {
	return &fakeSource{steps: steps, exhausted: make(chan struct{})}
}

func (f *fakeSource) ReadAvailable(ctx context.Context, maxBytes int) ([]byte, error) {
	f.mu.Lock()
	if len(f.steps) > 0 {
		s := f.steps[0]
		f.steps = f.steps[1:]
		cb := f.onDisconnect
		f.mu.Unlock()
		if s.disconnect && cb != nil {
			cb(errs.ErrConnection)
		}
		return s.data, nil
	}
	endless := f.endless
	f.mu.Unlock()

	if endless != nil {
		return endless, nil
	}

	f.exhaustOnce.Do(func() { close(f.exhausted) })
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Millisecond):
		return nil, nil
	}
}

func (f *fakeSource) OnDisconnect(fn func(err error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDisconnect = fn
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSource) SetGain(ctx context.Context, level int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gains = append(f.gains, level)
	return "GAIN OK", nil
}

// recorder is an effect action that keeps every event it sees
type recorder struct {
	mu     sync.Mutex
	events []effects.Event
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Handle(ctx context.Context, ev effects.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) seen() []effects.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]effects.Event(nil), r.events...)
}

// pcm builds n frames; frames for which loud returns true carry a strong tone
func pcm(n int, loud func(seq int) bool) []byte {
	out := make([]byte, n*frameBytes)
	for seq := 0; seq < n; seq++ {
		if !loud(seq) {
			continue
		}
		for i := 0; i < testFrame; i++ {
			v := int16(8000)
			if i%2 == 1 {
				v = -8000
			}
			binary.LittleEndian.PutUint16(out[seq*frameBytes+i*2:], uint16(v))
		}
	}
	return out
}

// chunked splits b into reads of the given size
func chunked(b []byte, size int) []step {
	var steps []step
	for len(b) > 0 {
		n := size
		if n > len(b) {
			n = len(b)
		}
		steps = append(steps, step{data: b[:n]})
		b = b[n:]
	}
	return steps
}

type harness struct {
	source   *fakeSource
	sink     *capture.Sink
	tracker  *vad.SegmentTracker
	recorder *recorder
	pipeline *Pipeline
}

func newHarness(t *testing.T, source *fakeSource, sinkCfg capture.SinkConfig, cfg Config) *harness {
	t.Helper()

	fc := audio.FrameConfig{SampleRate: testRate, FrameSamples: testFrame, Trailing: audio.PadPartial}
	assembler, err := audio.NewFrameAssembler(fc)
	require.NoError(t, err)

	scorer, err := vad.NewScorer(vad.ScorerConfig{FrameSamples: testFrame, EnergyThreshold: 0.02}, nil, testLogger())
	require.NoError(t, err)

	tracker, err := vad.NewSegmentTracker(vad.TrackerConfig{Threshold: 0.5, MinSilence: 16, MinSpeech: 4})
	require.NoError(t, err)

	if sinkCfg.OutputDir == "" {
		sinkCfg.OutputDir = t.TempDir()
	}
	sinkCfg.Prefix = "recording"
	sinkCfg.SampleRate = testRate
	sinkCfg.FrameSamples = testFrame
	sink, err := capture.NewSink(sinkCfg, tracker, testLogger(), nil)
	require.NoError(t, err)

	rec := &recorder{}
	dispatcher, err := effects.NewDispatcher(effects.DispatcherConfig{
		Workers:       2,
		QueueSize:     16,
		Timeout:       time.Second,
		FrameDuration: fc.FrameDuration(),
		DeviceID:      "test",
	}, []effects.Action{rec}, testLogger(), nil)
	require.NoError(t, err)

	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = 16
	}
	if cfg.StallTimeout == 0 {
		cfg.StallTimeout = time.Second
	}
	if cfg.ReadSize == 0 {
		cfg.ReadSize = 4096
	}
	if cfg.InitialGain == 0 {
		cfg.InitialGain = -1
	}
	cfg.ShutdownTimeout = time.Second

	p, err := New(cfg, Components{
		Source:    source,
		Assembler: assembler,
		Scorer:    scorer,
		Tracker:   tracker,
		Sink:      sink,
		Effects:   dispatcher,
	}, testLogger(), nil)
	require.NoError(t, err)

	return &harness{source: source, sink: sink, tracker: tracker, recorder: rec, pipeline: p}
}

// runUntilExhausted runs the pipeline and cancels it once the source has served every step
func (h *harness) runUntilExhausted(t *testing.T) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h.pipeline.Run(ctx) }()

	select {
	case <-h.source.exhausted:
	case <-time.After(5 * time.Second):
		t.Fatal("source was never drained")
	}
	cancel()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
		return nil
	}
}

func payloadOf(t *testing.T, containers []capture.ContainerInfo) []byte {
	t.Helper()
	var out []byte
	for _, c := range containers {
		_, data, err := audio.ReadWAVFile(c.Path)
		require.NoError(t, err)
		out = append(out, data...)
	}
	return out
}

func TestSegmentCaptureEndToEnd(t *testing.T) {
	input := pcm(100, func(seq int) bool { return seq >= 10 && seq < 40 })
	source := newFakeSource(chunked(input, 1000)...)
	h := newHarness(t, source, capture.SinkConfig{Mode: capture.ModeSegment}, Config{})

	require.NoError(t, h.runUntilExhausted(t))

	containers := h.sink.Containers()
	require.Len(t, containers, 3)
	assert.Equal(t, capture.LabelSilence, containers[0].Label)
	assert.Equal(t, uint64(9), containers[0].LastSeq)
	assert.Equal(t, capture.LabelSpeech, containers[1].Label)
	assert.Equal(t, uint64(10), containers[1].FirstSeq)
	assert.Equal(t, uint64(55), containers[1].LastSeq)
	assert.Equal(t, capture.LabelSilence, containers[2].Label)
	assert.Equal(t, input, payloadOf(t, containers))

	stats := h.pipeline.GetStats()
	assert.False(t, stats.Running)
	assert.Equal(t, uint64(100), stats.FramesProcessed)
	assert.Equal(t, uint64(1), stats.SegmentsAccepted)
	assert.Equal(t, uint64(len(input)), stats.BytesQueued)
	require.NotNil(t, stats.Effects)

	events := h.recorder.seen()
	require.Len(t, events, 2)
	assert.Equal(t, "speech_start", events[0].Event)
	assert.Equal(t, int64(320), events[0].StartMs)
	assert.Equal(t, "speech_end", events[1].Event)
	require.NotNil(t, events[1].DurationMs)
	assert.Equal(t, int64(46*32), *events[1].DurationMs)

	assert.True(t, source.closed)
}

func TestTrailingPartialFrameFlushedOnCancel(t *testing.T) {
	input := pcm(10, func(int) bool { return false })
	input = append(input, make([]byte, 300)...)
	source := newFakeSource(chunked(input, 777)...)
	h := newHarness(t, source, capture.SinkConfig{Mode: capture.ModeTime, Duration: time.Minute}, Config{})

	require.NoError(t, h.runUntilExhausted(t))

	stats := h.pipeline.GetStats()
	assert.Equal(t, uint64(11), stats.FramesProcessed)
	assert.Equal(t, uint64(1), stats.Assembler.PartialFrames)

	containers := h.sink.Containers()
	require.Len(t, containers, 1)
	assert.Equal(t, input, payloadOf(t, containers))
}

func TestOpenSegmentForcedClosedAtShutdown(t *testing.T) {
	input := pcm(40, func(seq int) bool { return seq >= 20 })
	source := newFakeSource(chunked(input, frameBytes)...)
	h := newHarness(t, source, capture.SinkConfig{Mode: capture.ModeSegment}, Config{})

	require.NoError(t, h.runUntilExhausted(t))

	events := h.recorder.seen()
	require.Len(t, events, 2)
	assert.True(t, events[0].Forced)
	assert.True(t, events[1].Forced)
	assert.Equal(t, "speech_end", events[1].Event)

	containers := h.sink.Containers()
	require.Len(t, containers, 2)
	assert.Equal(t, capture.LabelSpeech, containers[1].Label)
	assert.Equal(t, uint64(20), containers[1].FirstSeq)
	assert.Equal(t, uint64(39), containers[1].LastSeq)
	assert.Equal(t, input, payloadOf(t, containers))
}

func TestResyncFollowsPreLossPayload(t *testing.T) {
	first := pcm(1, func(int) bool { return false })
	first = append(first, 0x7f) // half a sample, lost with the link
	second := pcm(1, func(int) bool { return false })

	source := newFakeSource(
		step{data: first},
		step{data: second, disconnect: true},
	)
	h := newHarness(t, source, capture.SinkConfig{Mode: capture.ModeTime, Duration: time.Minute}, Config{})

	require.NoError(t, h.runUntilExhausted(t))

	stats := h.pipeline.GetStats()
	assert.Equal(t, uint64(1), stats.Resyncs)
	assert.Equal(t, uint64(1), stats.Assembler.ResyncDrops)
	assert.Equal(t, uint64(2), stats.FramesProcessed)
	assert.Equal(t, uint64(0), stats.Assembler.PartialFrames)

	containers := h.sink.Containers()
	require.Len(t, containers, 1)
	assert.Equal(t, append(pcm(1, func(int) bool { return false }), second...), payloadOf(t, containers))
}

func TestConsumerStallIsFatal(t *testing.T) {
	release := make(chan struct{})
	dir := t.TempDir()
	blockingOpen := func(path string) (audio.File, error) {
		<-release
		return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	}

	source := newFakeSource()
	source.endless = make([]byte, frameBytes)
	h := newHarness(t, source,
		capture.SinkConfig{Mode: capture.ModeTime, Duration: time.Minute, OutputDir: dir, Open: blockingOpen},
		Config{QueueCapacity: 2, StallTimeout: 20 * time.Millisecond},
	)

	done := make(chan error, 1)
	go func() { done <- h.pipeline.Run(context.Background()) }()

	time.Sleep(200 * time.Millisecond)
	close(release)

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, errs.ErrPipelineStall)
		assert.Equal(t, 2, errs.ExitCode(err))
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop after stall")
	}

	assert.True(t, source.closed)
}

func TestInitialGainApplied(t *testing.T) {
	source := newFakeSource(chunked(pcm(2, func(int) bool { return false }), frameBytes)...)
	h := newHarness(t, source, capture.SinkConfig{Mode: capture.ModeTime, Duration: time.Minute}, Config{InitialGain: 3})

	require.NoError(t, h.runUntilExhausted(t))

	source.mu.Lock()
	defer source.mu.Unlock()
	assert.Equal(t, []int{3}, source.gains)
}

func TestRunOnlyOnce(t *testing.T) {
	source := newFakeSource()
	h := newHarness(t, source, capture.SinkConfig{Mode: capture.ModeTime, Duration: time.Minute}, Config{})

	require.NoError(t, h.runUntilExhausted(t))
	assert.ErrorIs(t, h.pipeline.Run(context.Background()), errs.ErrConfig)
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{QueueCapacity: 1, StallTimeout: time.Second, ReadSize: 1}, Components{}, testLogger(), nil)
	assert.ErrorIs(t, err, errs.ErrConfig)
}

func TestQueueCapacityFor(t *testing.T) {
	// 500ms of 16 kHz mono s16le in 4 KiB reads
	assert.Equal(t, 4, QueueCapacityFor(500*time.Millisecond, 32000, 4096))
	assert.Equal(t, 2, QueueCapacityFor(time.Millisecond, 32000, 4096))
}
