package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/smartscale/internal/appstate"
	"github.com/sweeney/smartscale/internal/kv"
	"github.com/sweeney/smartscale/internal/metrics"
	"github.com/sweeney/smartscale/internal/status"
)

type fixture struct {
	srv     *Server
	tracker *status.Tracker
	state   *appstate.Register
	store   *kv.MemStore
	saved   atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	f := &fixture{
		tracker: status.NewTracker(clock, status.Config{
			DeviceName: "Kitchen Scale",
			APIBase:    "https://example.net",
			Broker:     "tcp://192.168.1.200:1883",
			HTTPAddr:   ":80",
			SpoolMax:   500,
		}),
		state: appstate.New(),
		store: kv.NewMemStore(),
	}
	f.srv = New(":0", Options{
		Tracker:    f.tracker,
		State:      f.state,
		Store:      f.store,
		Metrics:    metrics.New().Handler(),
		Clock:      clock,
		PortalSSID: "SmartScale-Setup",
		OnSaved:    func() { f.saved.Add(1) },
	})
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestJSONEndpoint(t *testing.T) {
	f := newFixture(t)
	f.tracker.SetState(appstate.ModeOnline, appstate.NetUp|appstate.Ready)
	f.tracker.SetDeviceID("srv-7")
	f.tracker.SetSession("abc")
	f.tracker.SetSpoolDepth(3)
	f.tracker.SetMQTTConnected(true)

	rec := f.do(http.MethodGet, "/index.json", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var sj status.StatusJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sj))
	assert.Equal(t, "ONLINE", sj.Status.Mode)
	assert.Equal(t, []string{"NET_UP", "READY"}, sj.Status.Bits)
	assert.Equal(t, "srv-7", sj.Status.Device)
	assert.True(t, sj.Status.Ready)
	assert.Equal(t, "abc", sj.Status.Session)
	assert.Equal(t, 3, sj.Status.Spool.Depth)
	assert.Equal(t, 500, sj.Status.Spool.Max)
	assert.True(t, sj.Status.MQTT.Connected)
	assert.Empty(t, sj.Status.Event)
}

func TestIndexHTML(t *testing.T) {
	f := newFixture(t)
	f.tracker.SetReading(123.4, true)
	f.tracker.RecordWeight(status.Weight{
		Time: time.Date(2026, 1, 1, 0, 0, 5, 0, time.UTC), Value: 250, Diff: 125, Direction: "ADD", Delivered: true,
	}, false)

	for _, path := range []string{"/", "/index.html"} {
		rec := f.do(http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
		body := rec.Body.String()
		assert.Contains(t, body, "<title>Kitchen Scale</title>")
		assert.Contains(t, body, "123.4")
		assert.Contains(t, body, "250.00")
		assert.Contains(t, body, "ADD +125.00")
		assert.Contains(t, body, "0 / 500")
		assert.NotContains(t, body, `action="/portal/save"`)
	}
}

func TestIndexServesPortalInAPMode(t *testing.T) {
	f := newFixture(t)
	f.state.SetBits(appstate.APMode)

	rec := f.do(http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `action="/portal/save"`)
	assert.Contains(t, body, "SmartScale-Setup Wi-Fi Setup")
}

func TestPortalForm(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/portal", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `name="ssid"`)
	assert.Contains(t, rec.Body.String(), `name="pass"`)
}

func TestSaveRejectsBadSSID(t *testing.T) {
	cases := map[string]string{
		"pass=secret":       "Missing ssid",
		"ssid=&pass=secret": "SSID empty",
	}
	for body, want := range cases {
		f := newFixture(t)
		rec := f.do(http.MethodPost, "/portal/save", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Contains(t, rec.Body.String(), want)
		assert.Zero(t, f.store.Saves())
		assert.Zero(t, f.saved.Load())
	}
}

func TestSaveStoreFailure(t *testing.T) {
	f := newFixture(t)
	f.store.FailSaves(true)

	rec := f.do(http.MethodPost, "/portal/save", "ssid=home&pass=secret")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Save failed")
	assert.Zero(t, f.saved.Load())
}

func TestSaveStoresCredentials(t *testing.T) {
	for _, path := range []string{"/portal/save", "/save"} {
		f := newFixture(t)
		rec := f.do(http.MethodPost, path, "ssid=home+net&pass=")
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Contains(t, rec.Body.String(), "Saved. Reconnecting...")

		ssid, ok := f.store.Load(kv.KeyWiFiSSID)
		assert.True(t, ok)
		assert.Equal(t, "home net", ssid)
		_, ok = f.store.Load(kv.KeyWiFiPass)
		assert.False(t, ok, "open network keeps an empty password")
		assert.Equal(t, int32(1), f.saved.Load())
	}
}

func TestCaptiveProbes(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		path string
		code int
		body string
	}{
		{"/generate_204", http.StatusNoContent, ""},
		{"/gen_204", http.StatusNoContent, ""},
		{"/ncsi.txt", http.StatusOK, "Microsoft NCSI"},
		{"/connecttest.txt", http.StatusOK, "OK"},
		{"/success.txt", http.StatusOK, "success"},
	}
	for _, tt := range tests {
		rec := f.do(http.MethodGet, tt.path, "")
		assert.Equal(t, tt.code, rec.Code, tt.path)
		assert.Equal(t, tt.body, rec.Body.String(), tt.path)
	}

	rec := f.do(http.MethodGet, "/hotspot-detect.html", "")
	assert.Contains(t, rec.Body.String(), `action="/portal/save"`)

	rec = f.do(http.MethodGet, "/fwlink", "")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "http://example.com/", rec.Header().Get("Location"))
}

func TestNotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.state.SetBits(appstate.APMode)
	rec = f.do(http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "http://example.com/", rec.Header().Get("Location"))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "smartscale_reading")
}

func TestMetricsEndpointOptional(t *testing.T) {
	srv := New(":0", Options{
		Tracker: status.NewTracker(clockwork.NewRealClock(), status.Config{}),
		State:   appstate.New(),
		Store:   kv.NewMemStore(),
	})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWatchPortalLeavesWhenIdle(t *testing.T) {
	state := appstate.New()
	srv := New(":0", Options{
		Tracker:    status.NewTracker(clockwork.NewRealClock(), status.Config{}),
		State:      state,
		Store:      kv.NewMemStore(),
		PortalIdle: 50 * time.Millisecond,
	})
	state.SetBits(appstate.APMode)
	state.SetMode(appstate.ModeAPPortal)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.WatchPortal(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return !state.Has(appstate.APMode) }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, appstate.ModeWiFiConnecting, state.Mode())

	cancel()
	<-done
}

func TestWatchPortalDisabled(t *testing.T) {
	srv := New(":0", Options{
		Tracker: status.NewTracker(clockwork.NewRealClock(), status.Config{}),
		State:   appstate.New(),
		Store:   kv.NewMemStore(),
	})
	done := make(chan struct{})
	go func() {
		srv.WatchPortal(context.Background(), time.Millisecond)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WatchPortal should return at once without an idle timeout")
	}
}
