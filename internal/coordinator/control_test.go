package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/JHOFER-Cloud/deyecloud-exporter/internal/deyecloud"
)

type fakeWriter struct {
	err   error
	calls []string
	// gate, when set, blocks every command until closed.
	gate chan struct{}
}

func (w *fakeWriter) do(name string) error {
	if w.gate != nil {
		<-w.gate
	}
	w.calls = append(w.calls, name)
	return w.err
}

func (w *fakeWriter) SetSolarSell(context.Context, string, bool) error { return w.do("solarSell") }
func (w *fakeWriter) SetWorkMode(context.Context, string, deyecloud.WorkMode) error {
	return w.do("workMode")
}
func (w *fakeWriter) SetEnergyPattern(context.Context, string, deyecloud.EnergyPattern) error {
	return w.do("energyPattern")
}
func (w *fakeWriter) SetMaxSellPower(context.Context, string, int) error { return w.do("maxSellPower") }
func (w *fakeWriter) SetBatteryChargeCurrent(context.Context, string, int) error {
	return w.do("chargeCurrent")
}
func (w *fakeWriter) SetBatteryDischargeCurrent(context.Context, string, int) error {
	return w.do("dischargeCurrent")
}
func (w *fakeWriter) SetBatteryChargeMode(context.Context, string, bool) error {
	return w.do("chargeMode")
}
func (w *fakeWriter) SetTimeOfUse(context.Context, string, []deyecloud.TOUItem, time.Duration) error {
	return w.do("tou")
}

func TestWrite_Optimistic(t *testing.T) {
	w := &fakeWriter{}
	c := newTestCoordinator(&fakeSource{build: fleet()}, WithWriter(w))
	base, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		call func() error
		key  string
		want any
	}{
		{name: "work mode", call: func() error {
			return c.SetWorkMode(context.Background(), "SN1", deyecloud.WorkModeSellingFirst)
		}, key: deyecloud.KeyWorkMode, want: "SELLING_FIRST"},
		{name: "solar sell", call: func() error {
			return c.SetSolarSell(context.Background(), "SN1", true)
		}, key: deyecloud.KeySolarSell, want: true},
		{name: "max sell power", call: func() error {
			return c.SetMaxSellPower(context.Background(), "SN1", 4000)
		}, key: deyecloud.KeyMaxSellPower, want: 4000},
		{name: "charge current", call: func() error {
			return c.SetBatteryChargeCurrent(context.Background(), "SN1", 80)
		}, key: deyecloud.KeyChargeCurrentLimit, want: 80},
		{name: "discharge current", call: func() error {
			return c.SetBatteryDischargeCurrent(context.Background(), "SN1", 90)
		}, key: deyecloud.KeyDischargeCurrentLimit, want: 90},
		{name: "energy pattern", call: func() error {
			return c.SetEnergyPattern(context.Background(), "SN1", deyecloud.EnergyPatternBatteryFirst)
		}, key: deyecloud.KeyEnergyPattern, want: "BATTERY_FIRST"},
		{name: "charge mode", call: func() error {
			return c.SetBatteryChargeMode(context.Background(), "SN1", false)
		}, key: deyecloud.KeyChargeMode, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); err != nil {
				t.Fatalf("write error = %v", err)
			}
			dev, _ := c.Snapshot().Device("SN1")
			if dev.Telemetry[tt.key] != tt.want {
				t.Errorf("telemetry[%s] = %v, want %v", tt.key, dev.Telemetry[tt.key], tt.want)
			}
			if len(c.requests) != 1 {
				t.Error("successful write did not request a refresh")
			}
		})
	}

	if dev, _ := base.Device("SN1"); dev.Telemetry["workMode"] != "ZERO_EXPORT_TO_LOAD" {
		t.Errorf("published snapshot was mutated in place: %v", dev.Telemetry)
	}
}

func TestWrite_RollbackOnFailure(t *testing.T) {
	w := &fakeWriter{err: deyecloud.ErrAPI, gate: make(chan struct{})}
	c := newTestCoordinator(&fakeSource{build: fleet()}, WithWriter(w))
	base, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- c.SetWorkMode(context.Background(), "SN1", deyecloud.WorkModeSellingFirst)
	}()

	// While the command is in flight the expected value is visible.
	deadline := time.After(2 * time.Second)
	for c.Snapshot() == base {
		select {
		case <-deadline:
			t.Fatal("optimistic value never published")
		case <-time.After(time.Millisecond):
		}
	}
	if dev, _ := c.Snapshot().Device("SN1"); dev.Telemetry["workMode"] != "SELLING_FIRST" {
		t.Errorf("in-flight workMode = %v, want SELLING_FIRST", dev.Telemetry["workMode"])
	}

	close(w.gate)
	if err := <-done; !errors.Is(err, deyecloud.ErrAPI) {
		t.Fatalf("SetWorkMode() error = %v, want ErrAPI", err)
	}
	if c.Snapshot() != base {
		t.Error("failed write was not rolled back")
	}
	if len(c.requests) != 0 {
		t.Error("rolled-back write requested a refresh")
	}
}

func TestWrite_RejectedUpFront(t *testing.T) {
	tests := []struct {
		name    string
		writer  Writer
		refresh bool
		serial  string
		wantErr error
	}{
		{name: "read only", refresh: true, serial: "SN1", wantErr: ErrReadOnly},
		{name: "no snapshot", writer: &fakeWriter{}, serial: "SN1", wantErr: ErrUnknownDevice},
		{name: "unknown serial", writer: &fakeWriter{}, refresh: true, serial: "SN9", wantErr: ErrUnknownDevice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []Option
			if tt.writer != nil {
				opts = append(opts, WithWriter(tt.writer))
			}
			c := newTestCoordinator(&fakeSource{build: fleet()}, opts...)
			if tt.refresh {
				if _, err := c.Refresh(context.Background()); err != nil {
					t.Fatal(err)
				}
			}
			err := c.SetSolarSell(context.Background(), tt.serial, true)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("SetSolarSell() error = %v, want %v", err, tt.wantErr)
			}
			if fw, ok := tt.writer.(*fakeWriter); ok && len(fw.calls) != 0 {
				t.Errorf("writer called %v", fw.calls)
			}
		})
	}
}

func TestWrite_InvalidValueNeverPublished(t *testing.T) {
	tests := []struct {
		name string
		call func(c *Coordinator) error
	}{
		{name: "max sell power", call: func(c *Coordinator) error {
			return c.SetMaxSellPower(context.Background(), "SN1", 99999)
		}},
		{name: "negative sell power", call: func(c *Coordinator) error {
			return c.SetMaxSellPower(context.Background(), "SN1", -1)
		}},
		{name: "charge current", call: func(c *Coordinator) error {
			return c.SetBatteryChargeCurrent(context.Background(), "SN1", 151)
		}},
		{name: "discharge current", call: func(c *Coordinator) error {
			return c.SetBatteryDischargeCurrent(context.Background(), "SN1", 200)
		}},
		{name: "work mode", call: func(c *Coordinator) error {
			return c.SetWorkMode(context.Background(), "SN1", "TURBO")
		}},
		{name: "energy pattern", call: func(c *Coordinator) error {
			return c.SetEnergyPattern(context.Background(), "SN1", "GRID_FIRST")
		}},
		{name: "time of use", call: func(c *Coordinator) error {
			return c.SetTimeOfUse(context.Background(), "SN1", []deyecloud.TOUItem{{Time: "25:00"}}, 0)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &fakeWriter{}
			c := newTestCoordinator(&fakeSource{build: fleet()}, WithWriter(w))
			base, err := c.Refresh(context.Background())
			if err != nil {
				t.Fatal(err)
			}
			sub := c.Subscribe(4)
			defer sub.Close()

			if err := tt.call(c); !errors.Is(err, deyecloud.ErrValidation) {
				t.Fatalf("write error = %v, want ErrValidation", err)
			}
			select {
			case s := <-sub.C():
				dev, _ := s.Device("SN1")
				t.Errorf("subscriber received a snapshot for a rejected value: %v", dev.Telemetry)
			default:
			}
			if c.Snapshot() != base {
				t.Error("rejected value changed the published snapshot")
			}
			if len(w.calls) != 0 || len(c.requests) != 0 {
				t.Errorf("calls = %v, pending refreshes = %d", w.calls, len(c.requests))
			}
		})
	}
}

func TestWrite_NormalizesEnumValues(t *testing.T) {
	w := &fakeWriter{}
	c := newTestCoordinator(&fakeSource{build: fleet()}, WithWriter(w))
	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := c.SetWorkMode(context.Background(), "SN1", "zero_export_to_ct"); err != nil {
		t.Fatalf("SetWorkMode() error = %v", err)
	}
	if err := c.SetEnergyPattern(context.Background(), "SN1", "load_first"); err != nil {
		t.Fatalf("SetEnergyPattern() error = %v", err)
	}
	dev, _ := c.Snapshot().Device("SN1")
	if got := dev.Telemetry[deyecloud.KeyWorkMode]; got != "ZERO_EXPORT_TO_CT" {
		t.Errorf("workMode = %v, want ZERO_EXPORT_TO_CT", got)
	}
	if got := dev.Telemetry[deyecloud.KeyEnergyPattern]; got != "LOAD_FIRST" {
		t.Errorf("energyPattern = %v, want LOAD_FIRST", got)
	}
}

func TestWrite_TimeOfUseNotPatched(t *testing.T) {
	w := &fakeWriter{}
	c := newTestCoordinator(&fakeSource{build: fleet()}, WithWriter(w))
	base, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	items := []deyecloud.TOUItem{{Time: "00:00", SOC: 100}}
	if err := c.SetTimeOfUse(context.Background(), "SN1", items, 0); err != nil {
		t.Fatalf("SetTimeOfUse() error = %v", err)
	}
	if c.Snapshot() != base {
		t.Error("time-of-use write patched the snapshot")
	}
	if len(w.calls) != 1 || len(c.requests) != 1 {
		t.Errorf("calls = %v, pending refreshes = %d", w.calls, len(c.requests))
	}
}

// echoAPI is a minimal Deye Cloud API that remembers the last work mode it was sent.
type echoAPI struct {
	mu       sync.Mutex
	workMode string
}

func (a *echoAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	var data any
	switch r.URL.Path {
	case "/account/token":
		data = map[string]any{"accessToken": "tok", "expiresIn": 3600}
	case "/station/listWithDevice":
		data = map[string]any{"total": 1, "stationList": []any{
			map[string]any{"id": 7, "name": "Home", "deviceListItems": []any{map[string]any{"deviceSn": "SN1"}}},
		}}
	case "/station/latest":
		data = map[string]any{"generationPower": 100}
	case "/device/latest":
		a.mu.Lock()
		data = map[string]any{"SN1": map[string]any{"workMode": a.workMode}}
		a.mu.Unlock()
	case "/order/sys/workMode/update":
		a.mu.Lock()
		a.workMode, _ = body["workMode"].(string)
		a.mu.Unlock()
		data = map[string]any{"orderId": 1}
	default:
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"code": "1000000", "msg": "success", "data": data})
}

func TestSetWorkMode_RoundTrip(t *testing.T) {
	srv := httptest.NewServer(&echoAPI{workMode: "ZERO_EXPORT_TO_LOAD"})
	defer srv.Close()

	client := deyecloud.NewClient(srv.URL, deyecloud.Credentials{AppID: "a", AppSecret: "s", Email: "e", Password: "p"},
		deyecloud.WithLogger(discardLogger()))
	c := newTestCoordinator(deyecloud.NewFetcher(client, deyecloud.WithConfigFetch(false)), WithWriter(client))
	ctx := context.Background()

	if err := c.Setup(ctx); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if dev, _ := c.Snapshot().Device("SN1"); dev.Telemetry["workMode"] != "ZERO_EXPORT_TO_LOAD" {
		t.Fatalf("initial workMode = %v", dev.Telemetry["workMode"])
	}

	if err := c.SetWorkMode(ctx, "SN1", deyecloud.WorkModeSellingFirst); err != nil {
		t.Fatalf("SetWorkMode() error = %v", err)
	}
	select {
	case <-c.requests:
	default:
		t.Fatal("SetWorkMode() did not request a refresh")
	}
	snap, err := c.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if dev, _ := snap.Device("SN1"); dev.Telemetry["workMode"] != "SELLING_FIRST" {
		t.Errorf("workMode after refresh = %v, want SELLING_FIRST", dev.Telemetry["workMode"])
	}
}
