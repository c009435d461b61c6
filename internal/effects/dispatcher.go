package effects

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/pcm-capture-service/internal/errs"
	"github.com/skypro1111/pcm-capture-service/internal/metrics"
	"github.com/skypro1111/pcm-capture-service/internal/vad"
)

// Action is a side effect run for every segment boundary
type Action interface {
	Name() string
	Handle(ctx context.Context, ev Event) error
}

// DispatcherConfig holds dispatcher parameters
type DispatcherConfig struct {
	Workers       int
	QueueSize     int           // per worker
	Timeout       time.Duration // per action call
	FrameDuration time.Duration
	DeviceID      string
	SessionID     string
	Source        func() string // scoring backend reported in events
	Now           func() time.Time
}

// DispatcherStats represents dispatcher statistics
type DispatcherStats struct {
	Received   uint64 `json:"received"`
	Dispatched uint64 `json:"dispatched"`
	Succeeded  uint64 `json:"succeeded"`
	Failed     uint64 `json:"failed"`
	TimedOut   uint64 `json:"timed_out"`
	Dropped    uint64 `json:"dropped"`
	Pending    int    `json:"pending"`
	Workers    int    `json:"workers"`
}

type job struct {
	action Action
	event  Event
}

// Dispatcher fans segment events out to actions on a worker pool. Each action
// is pinned to one worker so its events are handled in the order they were
// emitted; distinct actions run concurrently.
type Dispatcher struct {
	cfg     DispatcherConfig
	actions []Action
	lanes   []chan job
	laneOf  map[string]int
	logger  *slog.Logger
	metrics *metrics.Metrics

	received   atomic.Uint64
	dispatched atomic.Uint64
	succeeded  atomic.Uint64
	failed     atomic.Uint64
	timedOut   atomic.Uint64
	dropped    atomic.Uint64

	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts the worker pool
func NewDispatcher(cfg DispatcherConfig, actions []Action, logger *slog.Logger, m *metrics.Metrics) (*Dispatcher, error) {
	if cfg.Workers <= 0 {
		return nil, errs.Configf("effects workers must be positive, got %d", cfg.Workers)
	}
	if cfg.QueueSize <= 0 {
		return nil, errs.Configf("effects queue size must be positive, got %d", cfg.QueueSize)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.FrameDuration <= 0 {
		return nil, errs.Configf("frame duration must be positive")
	}
	if cfg.Source == nil {
		cfg.Source = func() string { return "vad" }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	d := &Dispatcher{
		cfg:     cfg,
		actions: actions,
		lanes:   make([]chan job, cfg.Workers),
		laneOf:  make(map[string]int, len(actions)),
		logger:  logger.With("component", "effects"),
		metrics: m,
	}

	for _, a := range actions {
		if _, dup := d.laneOf[a.Name()]; dup {
			return nil, errs.Configf("duplicate effect action %q", a.Name())
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(a.Name()))
		d.laneOf[a.Name()] = int(h.Sum32() % uint32(cfg.Workers))
	}

	for i := range d.lanes {
		d.lanes[i] = make(chan job, cfg.QueueSize)
		d.wg.Add(1)
		go d.worker(i, d.lanes[i])
	}

	names := make([]string, 0, len(actions))
	for _, a := range actions {
		names = append(names, a.Name())
	}
	d.logger.Info("Effect dispatcher started",
		slog.Int("workers", cfg.Workers),
		slog.Any("actions", names),
		slog.Duration("timeout", cfg.Timeout),
	)

	return d, nil
}

// OnSegmentEvent queues ev for every action and returns immediately. When an
// action's lane is full the job is dropped and counted.
func (d *Dispatcher) OnSegmentEvent(ev vad.SegmentEvent) {
	d.received.Add(1)

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(uint64(len(d.actions)))
		return
	}

	event := newEvent(ev, d.cfg.FrameDuration, d.cfg.DeviceID, d.cfg.SessionID, d.cfg.Source(), d.cfg.Now())
	for _, a := range d.actions {
		select {
		case d.lanes[d.laneOf[a.Name()]] <- job{action: a, event: event}:
			d.dispatched.Add(1)
		default:
			d.dropped.Add(1)
			d.metrics.RecordEffectDropped()
			d.logger.Warn("Effect queue full, dropping event",
				slog.String("action", a.Name()),
				slog.String("event", event.Event),
				slog.Uint64("at", ev.At),
			)
		}
	}
}

func (d *Dispatcher) worker(id int, lane <-chan job) {
	defer d.wg.Done()

	for j := range lane {
		d.run(id, j)
	}
}

// run executes one action call under the configured timeout
func (d *Dispatcher) run(worker int, j job) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()

	start := time.Now()
	err := j.action.Handle(ctx, j.event)
	elapsed := time.Since(start)

	result := "ok"
	switch {
	case err == nil:
		d.succeeded.Add(1)
	case ctx.Err() == context.DeadlineExceeded:
		result = "timeout"
		d.timedOut.Add(1)
	default:
		result = "error"
		d.failed.Add(1)
	}
	d.metrics.RecordEffect(j.action.Name(), result, elapsed.Seconds())

	if err != nil {
		d.logger.Warn("Effect action failed",
			slog.String("action", j.action.Name()),
			slog.String("event", j.event.Event),
			slog.String("result", result),
			slog.Int("worker", worker),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
		return
	}

	d.logger.Debug("Effect action completed",
		slog.String("action", j.action.Name()),
		slog.String("event", j.event.Event),
		slog.Duration("elapsed", elapsed),
	)
}

// Close stops intake and waits for queued jobs to finish, bounded by ctx
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, lane := range d.lanes {
		close(lane)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Effect dispatcher stopped",
			slog.Uint64("succeeded", d.succeeded.Load()),
			slog.Uint64("failed", d.failed.Load()+d.timedOut.Load()),
			slog.Uint64("dropped", d.dropped.Load()),
		)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("effect workers did not finish: %w", ctx.Err())
	}
}

// GetStats returns dispatcher statistics
func (d *Dispatcher) GetStats() DispatcherStats {
	d.mu.RLock()
	pending := 0
	if !d.closed {
		for _, lane := range d.lanes {
			pending += len(lane)
		}
	}
	d.mu.RUnlock()

	return DispatcherStats{
		Received:   d.received.Load(),
		Dispatched: d.dispatched.Load(),
		Succeeded:  d.succeeded.Load(),
		Failed:     d.failed.Load(),
		TimedOut:   d.timedOut.Load(),
		Dropped:    d.dropped.Load(),
		Pending:    pending,
		Workers:    d.cfg.Workers,
	}
}
