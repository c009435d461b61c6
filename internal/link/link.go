package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/pcm-capture-service/internal/errs"
	"github.com/skypro1111/pcm-capture-service/internal/metrics"
	"github.com/skypro1111/pcm-capture-service/internal/protocol"
)

// ErrBusy is returned when a command expecting a response is sent while
// another response is still outstanding
var ErrBusy = errors.New("a control response is already pending")

// maxDrainReads bounds the pre-trigger drain
const maxDrainReads = 64

// Config holds link parameters
type Config struct {
	Address         string
	Baud            int
	Poll            time.Duration
	Trigger         byte
	BootDelay       time.Duration
	TriggerSettle   time.Duration
	ResponseTimeout time.Duration
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	MaxAttempts     int // 0 retries forever
}

// Stats represents link statistics
type Stats struct {
	Address         string `json:"address"`
	Connected       bool   `json:"connected"`
	ConnectAttempts uint64 `json:"connect_attempts"`
	BytesRead       uint64 `json:"bytes_read"`
	PayloadBytes    uint64 `json:"payload_bytes"`
	ControlBytes    uint64 `json:"control_bytes"`
	DiscardedBytes  uint64 `json:"discarded_bytes"`
	Disconnects     uint64 `json:"disconnects"`
	Reconnects      uint64 `json:"reconnects"`
	PendingResponse string `json:"pending_response,omitempty"`
	LastError       string `json:"last_error,omitempty"`
}

type response struct {
	text    string
	matched bool
}

// pending is an armed expectation for one device response
type pending struct {
	name    string
	matcher *protocol.ResponseMatcher
	result  chan response
}

// Link is the connection to one sensor
type Link struct {
	cfg          Config
	dial         Dialer
	session      *Session
	logger       *slog.Logger
	metrics      *metrics.Metrics
	onDisconnect func(error)

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	readMu sync.Mutex // serializes reads and (re)connects

	mu        sync.Mutex
	transport Transport
	pending   *pending
	lost      error // read error deferred until pending payload was returned
	closed    bool
	stats     Stats
}

// New creates a Link; nothing is dialed until Connect
func New(cfg Config, dial Dialer, session *Session, logger *slog.Logger, m *metrics.Metrics) (*Link, error) {
	if cfg.Address == "" {
		return nil, errs.Configf("device address cannot be empty")
	}
	if cfg.Baud <= 0 {
		return nil, errs.Configf("baud rate must be positive, got %d", cfg.Baud)
	}
	if cfg.Poll <= 0 {
		return nil, errs.Configf("poll interval must be positive, got %v", cfg.Poll)
	}
	if cfg.InitialBackoff <= 0 || cfg.MaxBackoff < cfg.InitialBackoff {
		return nil, errs.Configf("invalid backoff %v..%v", cfg.InitialBackoff, cfg.MaxBackoff)
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 500 * time.Millisecond
	}
	if cfg.Trigger == 0 {
		cfg.Trigger = protocol.DefaultTrigger
	}
	if dial == nil {
		dial = DialerFor(cfg.Address)
	}
	if session == nil {
		session = NewSession()
	}

	return &Link{
		cfg:     cfg,
		dial:    dial,
		session: session,
		logger:  logger.With("component", "link", "address", cfg.Address),
		metrics: m,
		sleep:   sleepContext,
		now:     time.Now,
		stats:   Stats{Address: cfg.Address},
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnDisconnect registers the ConnectionLost callback. It runs on the reading
// goroutine before reconnecting, after all payload read before the loss was
// returned. Set it before the first read.
func (l *Link) OnDisconnect(fn func(err error)) {
	l.onDisconnect = fn
}

// Session returns the session the link updates
func (l *Link) Session() *Session {
	return l.session
}

// Connect opens the transport with bounded exponential backoff, settles the
// device and starts streaming
func (l *Link) Connect(ctx context.Context) error {
	l.readMu.Lock()
	defer l.readMu.Unlock()
	return l.connect(ctx)
}

func (l *Link) connect(ctx context.Context) error {
	backoff := l.cfg.InitialBackoff

	for attempt := 1; ; attempt++ {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return fmt.Errorf("%w: link closed", errs.ErrConnection)
		}
		l.stats.ConnectAttempts++
		l.mu.Unlock()

		err := l.dialAndStart(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		l.mu.Lock()
		l.stats.LastError = err.Error()
		l.mu.Unlock()

		if l.cfg.MaxAttempts > 0 && attempt >= l.cfg.MaxAttempts {
			return errs.Wrap(errs.ErrConnection, fmt.Sprintf("failed to connect to %s after %d attempts", l.cfg.Address, attempt), err)
		}

		l.logger.Warn("Link connect failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", backoff),
			slog.String("error", err.Error()),
		)

		if err := l.sleep(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		if backoff > l.cfg.MaxBackoff {
			backoff = l.cfg.MaxBackoff
		}
	}
}

// dialAndStart opens one transport and brings the device into streaming
func (l *Link) dialAndStart(ctx context.Context) error {
	t, err := l.dial(ctx, l.cfg.Address, l.cfg.Baud, l.cfg.Poll)
	if err != nil {
		return err
	}

	discarded, err := l.start(ctx, t)
	if err != nil {
		_ = t.Close()
		return err
	}

	l.mu.Lock()
	l.transport = t
	l.stats.Connected = true
	l.stats.DiscardedBytes += uint64(discarded)
	l.mu.Unlock()

	l.session.SetStreaming(true)
	l.metrics.SetLinkConnected(true)
	l.metrics.RecordLinkBytes("discarded", discarded)

	l.logger.Info("Link connected, streaming started",
		slog.Int("baud", l.cfg.Baud),
		slog.Int("discarded_bytes", discarded),
		slog.String("session_id", l.session.ID),
	)
	return nil
}

// start waits for the device to boot, drops stale input, sends the trigger and
// drops whatever arrives while the trigger takes effect
func (l *Link) start(ctx context.Context, t Transport) (int, error) {
	if l.cfg.BootDelay > 0 {
		if err := l.sleep(ctx, l.cfg.BootDelay); err != nil {
			return 0, err
		}
	}

	discarded := 0
	if r, ok := t.(inputResetter); ok {
		if err := r.ResetInputBuffer(); err != nil {
			return 0, fmt.Errorf("failed to reset input buffer: %w", err)
		}
	}

	buf := make([]byte, 4096)
	for i := 0; i < maxDrainReads; i++ {
		n, err := t.Read(buf)
		if err != nil {
			return discarded, fmt.Errorf("failed to drain input: %w", err)
		}
		if n == 0 {
			break
		}
		discarded += n
	}

	trigger := protocol.Trigger(l.cfg.Trigger)
	if _, err := t.Write(trigger.Bytes); err != nil {
		l.metrics.RecordControlCommand(trigger.Name, false)
		return discarded, fmt.Errorf("failed to send trigger: %w", err)
	}
	l.metrics.RecordControlCommand(trigger.Name, true)

	deadline := l.now().Add(l.cfg.TriggerSettle)
	for l.now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return discarded, err
		}
		n, err := t.Read(buf)
		if err != nil {
			return discarded, fmt.Errorf("failed to read after trigger: %w", err)
		}
		discarded += n
	}

	return discarded, nil
}

// SendControl writes a control command. A command that expects an answer arms
// response stripping until the answer is seen or times out.
func (l *Link) SendControl(cmd protocol.Command) error {
	_, err := l.send(cmd)
	return err
}

func (l *Link) send(cmd protocol.Command) (*pending, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.transport == nil {
		return nil, fmt.Errorf("%w: link not connected", errs.ErrConnection)
	}
	if cmd.Response != nil && l.pending != nil {
		return nil, fmt.Errorf("cannot send %s: %w (%s)", cmd.Name, ErrBusy, l.pending.name)
	}

	if _, err := l.transport.Write(cmd.Bytes); err != nil {
		l.metrics.RecordControlCommand(cmd.Name, false)
		return nil, errs.Wrap(errs.ErrConnection, "failed to send "+cmd.Name+" command", err)
	}
	l.metrics.RecordControlCommand(cmd.Name, true)

	if cmd.Response == nil {
		return nil, nil
	}

	p := &pending{
		name:    cmd.Name,
		matcher: protocol.NewResponseMatcher(*cmd.Response, l.now().Add(l.cfg.ResponseTimeout)),
		result:  make(chan response, 1),
	}
	l.pending = p
	return p, nil
}

// await waits for the reading goroutine to resolve p
func (l *Link) await(ctx context.Context, p *pending) (string, error) {
	timer := time.NewTimer(l.cfg.ResponseTimeout + 2*l.cfg.Poll)
	defer timer.Stop()

	select {
	case r := <-p.result:
		if !r.matched {
			return "", fmt.Errorf("no %s response within %v", p.name, l.cfg.ResponseTimeout)
		}
		return r.text, nil

	case <-timer.C:
		// Nobody is reading; disarm unless bytes are held for the reader
		l.mu.Lock()
		if l.pending == p && p.matcher.Pending() == 0 {
			l.pending = nil
		}
		l.mu.Unlock()
		return "", fmt.Errorf("no %s response within %v", p.name, l.cfg.ResponseTimeout)

	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SetGain selects input gain level 0..4 and returns the device acknowledgement.
// The session records the level once the command was written.
func (l *Link) SetGain(ctx context.Context, level int) (string, error) {
	cmd, err := protocol.Gain(level)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errs.ErrConfig, err)
	}

	p, err := l.send(cmd)
	if err != nil {
		return "", err
	}
	l.session.SetGain(level)

	ack, err := l.await(ctx, p)
	if err != nil {
		l.logger.Warn("Gain command not acknowledged", slog.Int("level", level), slog.String("error", err.Error()))
		return "", err
	}

	l.logger.Info("Gain set",
		slog.Int("level", level),
		slog.Int("multiplier", protocol.GainMultiplier(level)),
		slog.String("ack", ack),
	)
	return ack, nil
}

// QueryStatus asks the device for its status block
func (l *Link) QueryStatus(ctx context.Context) (string, error) {
	p, err := l.send(protocol.Status())
	if err != nil {
		return "", err
	}

	block, err := l.await(ctx, p)
	if err != nil {
		return "", err
	}

	l.session.SetStatus(block, l.now())
	return block, nil
}

// ReadAvailable performs one bounded poll and returns the audio payload read.
// A transport error is reported through OnDisconnect and followed by a
// reconnect; the error is returned only when reconnecting fails.
func (l *Link) ReadAvailable(ctx context.Context, maxBytes int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.readMu.Lock()
	defer l.readMu.Unlock()

	l.mu.Lock()
	t, lost, closed := l.transport, l.lost, l.closed
	l.lost = nil
	l.mu.Unlock()

	if closed {
		return nil, fmt.Errorf("%w: link closed", errs.ErrConnection)
	}
	if lost != nil || t == nil {
		if lost == nil {
			lost = errors.New("not connected")
		}
		if err := l.recover(ctx, lost); err != nil {
			return nil, err
		}
		return nil, nil
	}

	buf := make([]byte, maxBytes)
	n, readErr := t.Read(buf)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.stats.BytesRead += uint64(n)
	payload := l.filter(buf[:n], now)

	if readErr != nil {
		payload = append(payload, l.releasePending()...)
		l.lost = readErr
		l.logger.Warn("Link read failed", slog.String("error", readErr.Error()))
	}

	l.stats.PayloadBytes += uint64(len(payload))
	l.metrics.RecordLinkBytes("payload", len(payload))
	return payload, nil
}

// filter strips an expected device response from chunk; caller holds mu
func (l *Link) filter(chunk []byte, now time.Time) []byte {
	p := l.pending
	if p == nil {
		return chunk
	}

	before := p.matcher.Pending()
	var res protocol.MatchResult
	if len(chunk) > 0 {
		res = p.matcher.Feed(chunk, now)
	} else {
		res.Payload, res.Done = p.matcher.Expire(now)
	}

	if stripped := before + len(chunk) - len(res.Payload) - p.matcher.Pending(); stripped > 0 && res.Matched {
		l.stats.ControlBytes += uint64(stripped)
		l.metrics.RecordLinkBytes("control", stripped)
	}

	if res.Done {
		p.result <- response{text: res.Response, matched: res.Matched}
		l.pending = nil
		l.logger.Debug("Control response resolved", slog.String("command", p.name), slog.Bool("matched", res.Matched))
	}

	return res.Payload
}

// releasePending gives up on an outstanding response; caller holds mu
func (l *Link) releasePending() []byte {
	p := l.pending
	if p == nil {
		return nil
	}
	l.pending = nil
	p.result <- response{}
	return p.matcher.Release()
}

// recover tears down the lost connection and reconnects
func (l *Link) recover(ctx context.Context, cause error) error {
	l.mu.Lock()
	wasConnected := l.transport != nil
	if l.transport != nil {
		_ = l.transport.Close()
		l.transport = nil
	}
	l.stats.Connected = false
	l.stats.LastError = cause.Error()
	if wasConnected {
		l.stats.Disconnects++
	}
	l.mu.Unlock()

	if wasConnected {
		l.session.SetStreaming(false)
		l.metrics.SetLinkConnected(false)
		l.metrics.RecordDisconnect()
		l.logger.Warn("Connection lost, reconnecting", slog.String("error", cause.Error()))
		if l.onDisconnect != nil {
			l.onDisconnect(cause)
		}
	}

	if err := l.connect(ctx); err != nil {
		return err
	}

	if wasConnected {
		l.mu.Lock()
		l.stats.Reconnects++
		l.mu.Unlock()
		l.metrics.RecordReconnect()
	}
	return nil
}

// Close releases the transport; later reads fail with ErrConnection
func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if held := l.releasePending(); len(held) > 0 {
		l.stats.DiscardedBytes += uint64(len(held))
		l.metrics.RecordLinkBytes("discarded", len(held))
		l.logger.Warn("Dropped bytes held for an unanswered response at close",
			slog.Int("bytes", len(held)),
		)
	}

	var err error
	if l.transport != nil {
		err = l.transport.Close()
		l.transport = nil
	}
	l.stats.Connected = false
	l.session.SetStreaming(false)
	l.metrics.SetLinkConnected(false)

	if err != nil {
		return fmt.Errorf("failed to close link: %w", err)
	}
	return nil
}

// GetStats returns a copy of the link statistics
func (l *Link) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := l.stats
	if l.pending != nil {
		stats.PendingResponse = l.pending.name
	}
	return stats
}
