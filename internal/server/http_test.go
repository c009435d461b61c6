package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/pcm-capture-service/internal/config"
	"github.com/skypro1111/pcm-capture-service/internal/errs"
	"github.com/skypro1111/pcm-capture-service/internal/link"
	"github.com/skypro1111/pcm-capture-service/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeDevice struct {
	session *link.Session
	gainErr error
	levels  []int
}

func (d *fakeDevice) SetGain(ctx context.Context, level int) (string, error) {
	if d.gainErr != nil {
		return "", d.gainErr
	}
	d.levels = append(d.levels, level)
	d.session.SetGain(level)
	return fmt.Sprintf("GAIN %d", level), nil
}

func (d *fakeDevice) QueryStatus(ctx context.Context) (string, error) {
	block := "STATUS\ngain: 1\nEND"
	d.session.SetStatus(block, time.Now())
	return block, nil
}

func (d *fakeDevice) Session() *link.Session { return d.session }

func newTestServer(t *testing.T, deps Deps) *httptest.Server {
	t.Helper()
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewMetrics()
	}
	h := NewHTTPServer(config.HTTPConfig{Address: "127.0.0.1", Port: 0}, deps, testLogger())
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestHealthReflectsComponents(t *testing.T) {
	healthy := true
	srv := newTestServer(t, Deps{Health: func() Health {
		return Health{Healthy: healthy, Components: map[string]any{"link": map[string]any{"connected": healthy}}}
	}})

	code, body := getJSON(t, srv.URL+"/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])

	healthy = false
	code, body = getJSON(t, srv.URL+"/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body["status"])
}

func TestStatsAndConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Effects.WebhookURL = "https://hooks.example.com/secret-token"

	srv := newTestServer(t, Deps{
		Config: cfg,
		Stats:  func() any { return map[string]int{"frames": 42} },
	})

	code, body := getJSON(t, srv.URL+"/stats")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(42), body["pipeline"].(map[string]any)["frames"])

	resp, err := http.Get(srv.URL + "/config")
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(raw), "secret-token")
	assert.Contains(t, string(raw), `"mode":"time"`)
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.NewMetrics()
	m.RecordFrame(false, 0.7)
	srv := newTestServer(t, Deps{Metrics: m})

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "capture_frames_total")
}

func TestDeviceEndpoints(t *testing.T) {
	dev := &fakeDevice{session: link.NewSession()}
	srv := newTestServer(t, Deps{Device: dev})

	resp, err := http.Post(srv.URL+"/device/gain?level=3", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []int{3}, dev.levels)

	resp, err = http.Post(srv.URL+"/device/gain?level=x", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/device/status", "", nil)
	require.NoError(t, err)
	var info link.SessionInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	resp.Body.Close()
	assert.Equal(t, "1", info.Status["gain"])
	assert.Equal(t, 3, info.GainLevel)

	resp, err = http.Get(srv.URL + "/device/gain")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestDeviceErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: bad level", errs.ErrConfig), http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", link.ErrBusy), http.StatusConflict},
		{fmt.Errorf("%w: not connected", errs.ErrConnection), http.StatusServiceUnavailable},
		{errors.New("no gain response"), http.StatusGatewayTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			dev := &fakeDevice{session: link.NewSession(), gainErr: tt.err}
			srv := newTestServer(t, Deps{Device: dev})

			resp, err := http.Post(srv.URL+"/device/gain?level=1", "", nil)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestDeviceUnavailable(t *testing.T) {
	srv := newTestServer(t, Deps{})

	code, _ := getJSON(t, srv.URL+"/device")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestRootAndNotFound(t *testing.T) {
	srv := newTestServer(t, Deps{})

	code, body := getJSON(t, srv.URL+"/")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body["endpoints"], "GET /events")

	resp, err := http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsWebsocket(t *testing.T) {
	hub := NewHub(testLogger())
	srv := newTestServer(t, Deps{Hub: hub})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, hub.Broadcast([]byte(`{"event":"speech_start"}`)))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"speech_start"}`, string(msg))

	hub.Close()
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "hub close must disconnect subscribers")
	assert.Zero(t, hub.Clients())
}

func TestStartReportsBindErrors(t *testing.T) {
	first := NewHTTPServer(config.HTTPConfig{Address: "127.0.0.1", Port: 0}, Deps{}, testLogger())
	require.NoError(t, first.Start())
	defer first.Stop(context.Background())

	_, port, err := splitPort(first.Addr())
	require.NoError(t, err)

	second := NewHTTPServer(config.HTTPConfig{Address: "127.0.0.1", Port: port}, Deps{}, testLogger())
	assert.ErrorIs(t, second.Start(), errs.ErrConfig)
}

func splitPort(addr string) (string, int, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	n, err := strconv.Atoi(port)
	return host, n, err
}
