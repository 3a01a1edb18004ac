package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/JHOFER-Cloud/deyecloud-exporter/internal/coordinator"
	"github.com/JHOFER-Cloud/deyecloud-exporter/internal/deyecloud"
)

type staticSource struct{}

func (staticSource) Connect(context.Context) error { return nil }

func (staticSource) FetchFleet(context.Context) (*deyecloud.FleetData, error) {
	snap := testSnapshot()
	return &deyecloud.FleetData{Stations: snap.Stations, Devices: snap.Devices, Failures: snap.Failures}, nil
}

type recordWriter struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (w *recordWriter) record(format string, args ...any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, fmt.Sprintf(format, args...))
	return w.err
}

func (w *recordWriter) last() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.calls) == 0 {
		return ""
	}
	return w.calls[len(w.calls)-1]
}

func (w *recordWriter) SetSolarSell(_ context.Context, sn string, on bool) error {
	return w.record("solarSell %s %v", sn, on)
}
func (w *recordWriter) SetWorkMode(_ context.Context, sn string, m deyecloud.WorkMode) error {
	return w.record("workMode %s %s", sn, m)
}
func (w *recordWriter) SetEnergyPattern(_ context.Context, sn string, p deyecloud.EnergyPattern) error {
	return w.record("energyPattern %s %s", sn, p)
}
func (w *recordWriter) SetMaxSellPower(_ context.Context, sn string, watts int) error {
	return w.record("maxSellPower %s %d", sn, watts)
}
func (w *recordWriter) SetBatteryChargeCurrent(_ context.Context, sn string, amps int) error {
	return w.record("chargeCurrent %s %d", sn, amps)
}
func (w *recordWriter) SetBatteryDischargeCurrent(_ context.Context, sn string, amps int) error {
	return w.record("dischargeCurrent %s %d", sn, amps)
}
func (w *recordWriter) SetBatteryChargeMode(_ context.Context, sn string, on bool) error {
	return w.record("chargeMode %s %v", sn, on)
}
func (w *recordWriter) SetTimeOfUse(_ context.Context, sn string, items []deyecloud.TOUItem, timeout time.Duration) error {
	return w.record("timeOfUse %s %d %s", sn, len(items), timeout)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestRoutes returns routes over a coordinator. With refresh set, the
// coordinator already holds a snapshot.
func newTestRoutes(t *testing.T, w coordinator.Writer, secret string, refresh bool) (*RouteManager, *coordinator.Coordinator) {
	t.Helper()
	opts := []coordinator.Option{coordinator.WithLogger(discardLogger())}
	if w != nil {
		opts = append(opts, coordinator.WithWriter(w))
	}
	coord := coordinator.New(staticSource{}, opts...)
	if refresh {
		if _, err := coord.Refresh(context.Background()); err != nil {
			t.Fatalf("Refresh() error = %v", err)
		}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(NewCollector(coord))
	rm := NewRouteManager(coord, registry, secret, discardLogger())
	rm.Setup()
	return rm, coord
}

func serve(rm *RouteManager, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	rm.Router.ServeHTTP(rec, req)
	return rec
}

func TestRoutes_NoSnapshot(t *testing.T) {
	rm, _ := newTestRoutes(t, nil, "", false)

	for _, path := range []string{"/api/v1/snapshot", "/api/v1/stations", "/api/v1/devices", "/api/v1/devices/SN1"} {
		if rec := serve(rm, http.MethodGet, path, "", nil); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("GET %s status = %d, want %d", path, rec.Code, http.StatusServiceUnavailable)
		}
	}

	rec := serve(rm, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health status = %d, want %d", rec.Code, http.StatusOK)
	}
	var health map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("health body: %v", err)
	}
	if health["ready"] != false {
		t.Errorf("health ready = %v, want false", health["ready"])
	}
	if health["state"] != "idle" {
		t.Errorf("health state = %v, want idle", health["state"])
	}
}

func TestRoutes_Read(t *testing.T) {
	rm, _ := newTestRoutes(t, nil, "", true)

	tests := []struct {
		name     string
		path     string
		wantCode int
		wantBody string
	}{
		{"index", "/", http.StatusOK, "Deye Cloud Exporter"},
		{"health", "/health", http.StatusOK, `"ready":true`},
		{"metrics", "/metrics", http.StatusOK, "deyecloud_up 1"},
		{"snapshot", "/api/v1/snapshot", http.StatusOK, `"cycleId"`},
		{"stations", "/api/v1/stations", http.StatusOK, `"name":"Home"`},
		{"station", "/api/v1/stations/1", http.StatusOK, `"batterySOC":80`},
		{"unknown station", "/api/v1/stations/9", http.StatusNotFound, "Station not found"},
		{"devices", "/api/v1/devices", http.StatusOK, `"deviceSn":"SN1"`},
		{"devices of station", "/api/v1/devices?station=1", http.StatusOK, `"deviceSn":"SN1"`},
		{"devices of other station", "/api/v1/devices?station=2", http.StatusOK, "[]"},
		{"device", "/api/v1/devices/SN1", http.StatusOK, `"generationPower":1200`},
		{"unknown device", "/api/v1/devices/SN9", http.StatusNotFound, "Device not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(rm, http.MethodGet, tt.path, "", nil)
			if rec.Code != tt.wantCode {
				t.Errorf("GET %s status = %d, want %d", tt.path, rec.Code, tt.wantCode)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("GET %s body = %q, want it to contain %q", tt.path, rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestRoutes_Control(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
		wantCall string
	}{
		{"work mode", "/api/v1/devices/SN1/work-mode", `{"value":"selling_first"}`, http.StatusOK, "workMode SN1 SELLING_FIRST"},
		{"solar sell", "/api/v1/devices/SN1/solar-sell", `{"value":true}`, http.StatusOK, "solarSell SN1 true"},
		{"max sell power", "/api/v1/devices/SN1/max-sell-power", `{"value":5000}`, http.StatusOK, "maxSellPower SN1 5000"},
		{"time of use", "/api/v1/devices/SN1/time-of-use", `{"value":[{"time":"00:00","power":5000,"soc":100}]}`, http.StatusOK, "timeOfUse SN1 1 0s"},
		{"unknown work mode", "/api/v1/devices/SN1/work-mode", `{"value":"TURBO"}`, http.StatusBadRequest, ""},
		{"wrong value type", "/api/v1/devices/SN1/max-sell-power", `{"value":"lots"}`, http.StatusBadRequest, ""},
		{"missing value", "/api/v1/devices/SN1/solar-sell", `{}`, http.StatusBadRequest, ""},
		{"malformed body", "/api/v1/devices/SN1/solar-sell", `{"value":`, http.StatusBadRequest, ""},
		{"unknown control", "/api/v1/devices/SN1/turbo", `{"value":true}`, http.StatusNotFound, ""},
		{"unknown device", "/api/v1/devices/SN9/solar-sell", `{"value":true}`, http.StatusNotFound, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &recordWriter{}
			rm, _ := newTestRoutes(t, w, "", true)

			rec := serve(rm, http.MethodPut, tt.path, tt.body, nil)
			if rec.Code != tt.wantCode {
				t.Errorf("PUT %s status = %d, want %d (body %q)", tt.path, rec.Code, tt.wantCode, rec.Body.String())
			}
			if got := w.last(); got != tt.wantCall {
				t.Errorf("writer call = %q, want %q", got, tt.wantCall)
			}
		})
	}
}

func TestRoutes_ControlPatchesSnapshot(t *testing.T) {
	rm, coord := newTestRoutes(t, &recordWriter{}, "", true)

	rec := serve(rm, http.MethodPut, "/api/v1/devices/SN1/work-mode", `{"value":"ZERO_EXPORT_TO_CT"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, want %d", rec.Code, http.StatusOK)
	}
	dev, _ := coord.Snapshot().Device("SN1")
	if got := dev.Telemetry[deyecloud.KeyWorkMode]; got != "ZERO_EXPORT_TO_CT" {
		t.Errorf("workMode after write = %v, want ZERO_EXPORT_TO_CT", got)
	}
}

func TestRoutes_ControlUpstreamFailure(t *testing.T) {
	w := &recordWriter{err: &deyecloud.APIError{Kind: deyecloud.ErrAPI, Code: "2101019", Msg: "device offline"}}
	rm, _ := newTestRoutes(t, w, "", true)

	rec := serve(rm, http.MethodPut, "/api/v1/devices/SN1/solar-sell", `{"value":false}`, nil)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("PUT status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
}

func TestRoutes_ReadOnly(t *testing.T) {
	rm, _ := newTestRoutes(t, nil, "", true)

	rec := serve(rm, http.MethodPut, "/api/v1/devices/SN1/solar-sell", `{"value":true}`, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("PUT status = %d, want %d", rec.Code, http.StatusForbidden)
	}
}

func TestRoutes_Refresh(t *testing.T) {
	rm, _ := newTestRoutes(t, nil, "", true)

	if rec := serve(rm, http.MethodPost, "/api/v1/refresh", "", nil); rec.Code != http.StatusAccepted {
		t.Errorf("POST /api/v1/refresh status = %d, want %d", rec.Code, http.StatusAccepted)
	}
}

func TestRoutes_WriteAuth(t *testing.T) {
	const secret = "test-secret"
	valid, _, err := generateToken(secret, "ops", time.Hour)
	if err != nil {
		t.Fatalf("generateToken() error = %v", err)
	}
	forged, _, err := generateToken("other-secret", "ops", time.Hour)
	if err != nil {
		t.Fatalf("generateToken() error = %v", err)
	}

	tests := []struct {
		name     string
		auth     string
		wantCode int
	}{
		{"no header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + forged, http.StatusUnauthorized},
		{"garbage", "Bearer not-a-token", http.StatusUnauthorized},
		{"valid", "Bearer " + valid, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &recordWriter{}
			rm, _ := newTestRoutes(t, w, secret, true)
			header := http.Header{}
			if tt.auth != "" {
				header.Set("Authorization", tt.auth)
			}

			rec := serve(rm, http.MethodPut, "/api/v1/devices/SN1/charge-mode", `{"value":true}`, header)
			if rec.Code != tt.wantCode {
				t.Errorf("PUT status = %d, want %d", rec.Code, tt.wantCode)
			}
			if tt.wantCode != http.StatusOK && w.last() != "" {
				t.Errorf("writer called without authorization: %q", w.last())
			}
		})
	}

	t.Run("reads stay open", func(t *testing.T) {
		rm, _ := newTestRoutes(t, nil, secret, true)
		if rec := serve(rm, http.MethodGet, "/api/v1/snapshot", "", nil); rec.Code != http.StatusOK {
			t.Errorf("GET /api/v1/snapshot status = %d, want %d", rec.Code, http.StatusOK)
		}
	})
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", fmt.Errorf("%w: bad", deyecloud.ErrValidation), http.StatusBadRequest},
		{"unknown device", fmt.Errorf("%w: SN9", coordinator.ErrUnknownDevice), http.StatusNotFound},
		{"read only", coordinator.ErrReadOnly, http.StatusForbidden},
		{"auth", &deyecloud.APIError{Kind: deyecloud.ErrAuth}, http.StatusBadGateway},
		{"api", &deyecloud.APIError{Kind: deyecloud.ErrAPI}, http.StatusBadGateway},
		{"transport", fmt.Errorf("%w: timeout", deyecloud.ErrTransport), http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusFor(tt.err); got != tt.want {
				t.Errorf("statusFor() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestStream(t *testing.T) {
	rm, coord := newTestRoutes(t, nil, "", true)
	srv := httptest.NewServer(rm.Router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first coordinator.Snapshot
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if first.CycleID != coord.Snapshot().CycleID {
		t.Errorf("first cycleId = %q, want %q", first.CycleID, coord.Snapshot().CycleID)
	}

	next, err := coord.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	var second coordinator.Snapshot
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if second.CycleID != next.CycleID {
		t.Errorf("second cycleId = %q, want %q", second.CycleID, next.CycleID)
	}
}
