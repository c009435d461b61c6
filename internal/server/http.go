package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/pcm-capture-service/internal/config"
	"github.com/skypro1111/pcm-capture-service/internal/errs"
	"github.com/skypro1111/pcm-capture-service/internal/link"
	"github.com/skypro1111/pcm-capture-service/internal/metrics"
)

// DeviceControl is the part of the link the API drives
type DeviceControl interface {
	SetGain(ctx context.Context, level int) (string, error)
	QueryStatus(ctx context.Context) (string, error)
	Session() *link.Session
}

// Health describes service health for /health
type Health struct {
	Healthy    bool           `json:"healthy"`
	Components map[string]any `json:"components,omitempty"`
}

// Deps are the components the API reports on
type Deps struct {
	Config  *config.Config
	Stats   func() any
	Health  func() Health
	Device  DeviceControl // nil disables device endpoints
	Hub     *Hub          // nil disables /events
	Metrics *metrics.Metrics
}

// HTTPServer provides HTTP API endpoints for monitoring and management
type HTTPServer struct {
	server   *http.Server
	listener net.Listener
	logger   *slog.Logger
	deps     Deps

	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, deps Deps, logger *slog.Logger) *HTTPServer {
	h := &HTTPServer{
		logger:    logger.With("component", "http"),
		deps:      deps,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// Handler returns the route multiplexer
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	mux.HandleFunc("/device", h.withMetrics("/device", h.handleDevice))
	mux.HandleFunc("/device/gain", h.withMetrics("/device/gain", h.handleGain))
	mux.HandleFunc("/device/status", h.withMetrics("/device/status", h.handleStatus))

	// Websocket connections outlive the metrics wrapper and the write timeout
	if h.deps.Hub != nil {
		mux.Handle("/events", h.deps.Hub)
	}

	if h.deps.Metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.deps.Metrics.Registry, promhttp.HandlerOpts{}))
	}

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		h.deps.Metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(ww.statusCode), time.Since(startTime).Seconds())
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start binds the listen address and serves in the background
func (h *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return errs.Wrap(errs.ErrConfig, "failed to listen on "+h.server.Addr, err)
	}
	h.listener = ln

	h.logger.Info("Starting HTTP API server", slog.String("address", ln.Addr().String()))

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the bound address once started
func (h *HTTPServer) Addr() string {
	if h.listener == nil {
		return h.server.Addr
	}
	return h.listener.Addr().String()
}

// Stop gracefully stops the HTTP server and disconnects event subscribers
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	if h.deps.Hub != nil {
		h.deps.Hub.Close()
	}
	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	health := Health{Healthy: true}
	if h.deps.Health != nil {
		health = h.deps.Health()
	}

	status := "healthy"
	code := http.StatusOK
	if !health.Healthy {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":     status,
		"timestamp":  time.Now().UTC(),
		"uptime":     time.Since(h.startTime).String(),
		"components": health.Components,
		"service": map[string]any{
			"name":    "pcm-capture-service",
			"version": "1.0.0",
		},
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var stats any
	if h.deps.Stats != nil {
		stats = h.deps.Stats()
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"pipeline":  stats,
	})
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.deps.Config == nil {
		writeError(w, http.StatusNotFound, errors.New("configuration not available"))
		return
	}

	c := h.deps.Config
	webhook := ""
	if c.Effects.WebhookURL != "" {
		// Webhook URLs often carry tokens
		webhook = "configured"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"link": map[string]any{
			"address":          c.Link.Address,
			"baud":             c.Link.Baud,
			"poll_interval_ms": c.Link.PollInterval,
			"trigger":          c.Link.Trigger,
			"gain":             c.Link.Gain,
		},
		"audio": map[string]any{
			"sample_rate":     c.Audio.SampleRate,
			"frame_samples":   c.Audio.FrameSamples,
			"trailing_policy": c.Audio.TrailingPolicy,
		},
		"vad": map[string]any{
			"backend":        c.VAD.Backend,
			"threshold":      c.VAD.Threshold,
			"fvad_mode":      c.VAD.FVADMode,
			"min_silence_ms": c.VAD.MinSilence,
			"min_speech_ms":  c.VAD.MinSpeech,
		},
		"capture": map[string]any{
			"mode":       c.Capture.Mode,
			"output_dir": c.Capture.OutputDir,
			"prefix":     c.Capture.Prefix,
			"duration":   c.Capture.Duration,
			"max_size":   c.Capture.MaxSize,
			"sidecars":   c.Capture.Sidecars,
		},
		"effects": map[string]any{
			"volume_control": c.Effects.VolumeControl,
			"speech_volume":  c.Effects.SpeechVolume,
			"silence_volume": c.Effects.SilenceVolume,
			"webhook":        webhook,
			"device_id":      c.Effects.DeviceID,
		},
		"logging": map[string]any{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
			"output": c.Logging.Output,
		},
	})
}

// handleDevice implements GET /device
func (h *HTTPServer) handleDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.deps.Device == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("device control not available"))
		return
	}

	writeJSON(w, http.StatusOK, h.deps.Device.Session().Info())
}

// handleGain implements POST /device/gain?level=N
func (h *HTTPServer) handleGain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.deps.Device == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("device control not available"))
		return
	}

	level, err := strconv.Atoi(r.URL.Query().Get("level"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid level: %w", err))
		return
	}

	ack, err := h.deps.Device.SetGain(r.Context(), level)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"level": level, "ack": ack})
}

// handleStatus implements POST /device/status
func (h *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.deps.Device == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("device control not available"))
		return
	}

	if _, err := h.deps.Device.QueryStatus(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, h.deps.Device.Session().Info())
}

// statusFor maps error kinds onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrConfig):
		return http.StatusBadRequest
	case errors.Is(err, link.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, errs.ErrConnection):
		return http.StatusServiceUnavailable
	default:
		return http.StatusGatewayTimeout
	}
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"service": "PCM Capture Service",
		"version": "1.0.0",
		"endpoints": map[string]any{
			"GET /":               "API documentation",
			"GET /health":         "Service health check",
			"GET /stats":          "Pipeline statistics",
			"GET /config":         "Service configuration",
			"GET /device":         "Device session state",
			"POST /device/gain":   "Select input gain (?level=0..4)",
			"POST /device/status": "Query the device status block",
			"GET /events":         "Websocket feed of speech segment events",
			"GET /metrics":        "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
