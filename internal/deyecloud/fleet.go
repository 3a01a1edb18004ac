package deyecloud

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

const (
	// MaxBatchSize is the API cap on serials per latest-telemetry request.
	MaxBatchSize = 10

	stationPageSize    = 100
	maxStationPages    = 50
	defaultConcurrency = 4
)

// DefaultExcludedStations are name fragments of demo stations the API lists for every account.
var DefaultExcludedStations = []string{"demo"}

// Config sections fetched per device.
const (
	SectionSystem  = "system"
	SectionBattery = "battery"
	SectionTOU     = "tou"
)

var configPaths = map[string]string{
	SectionSystem:  "/config/system",
	SectionBattery: "/config/battery",
	SectionTOU:     "/config/tou",
}

// Fetcher discovers stations and devices and collects their latest readings.
type Fetcher struct {
	client      *Client
	logger      *slog.Logger
	exclude     []string
	fetchConfig bool
	concurrency int
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithExcludedStations replaces the station name fragments that are filtered out.
func WithExcludedStations(fragments ...string) FetcherOption {
	return func(f *Fetcher) { f.exclude = fragments }
}

// WithConfigFetch toggles the auxiliary per-device configuration reads.
func WithConfigFetch(enabled bool) FetcherOption {
	return func(f *Fetcher) { f.fetchConfig = enabled }
}

// WithConcurrency bounds concurrent sub-fetches per stage.
func WithConcurrency(n int) FetcherOption {
	return func(f *Fetcher) {
		if n > 0 {
			f.concurrency = n
		}
	}
}

// NewFetcher creates a Fetcher using the client's logger.
func NewFetcher(c *Client, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		client:      c,
		logger:      c.logger,
		exclude:     DefaultExcludedStations,
		fetchConfig: true,
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Client returns the underlying API client.
func (f *Fetcher) Client() *Client { return f.client }

// Connect runs the client's connection test.
func (f *Fetcher) Connect(ctx context.Context) error { return f.client.Connect(ctx) }

// DiscoverStations lists stations with their nested devices, demo stations removed.
func (f *Fetcher) DiscoverStations(ctx context.Context) ([]Station, error) {
	stations, err := f.listStations(ctx, "/station/listWithDevice")
	if err != nil {
		return nil, err
	}
	kept := stations[:0]
	for _, s := range stations {
		if f.excluded(s.Name) {
			f.logger.DebugContext(ctx, "skipping excluded station", slog.String("station", s.ID), slog.String("name", s.Name))
			continue
		}
		kept = append(kept, s)
	}
	return kept, nil
}

// ListStations lists stations without their devices.
func (f *Fetcher) ListStations(ctx context.Context) ([]Station, error) {
	return f.listStations(ctx, "/station/list")
}

// ListDevices lists every device of the account.
func (f *Fetcher) ListDevices(ctx context.Context) ([]DeviceSummary, error) {
	var raw json.RawMessage
	if err := f.client.call(ctx, http.MethodPost, "/device/list", map[string]any{"page": 1, "size": stationPageSize}, &raw); err != nil {
		return nil, err
	}
	var page struct {
		DeviceList json.RawMessage `json:"deviceList"`
	}
	list := raw
	if !isJSONArray(raw) {
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, transportError("/device/list", err)
		}
		list = page.DeviceList
	}
	if len(list) == 0 {
		return nil, nil
	}
	devices, err := decodeDeviceSummaries(list, "")
	if err != nil {
		return nil, transportError("/device/list", err)
	}
	return devices, nil
}

func (f *Fetcher) excluded(name string) bool {
	name = strings.ToLower(name)
	for _, fragment := range f.exclude {
		fragment = strings.ToLower(strings.TrimSpace(fragment))
		if fragment != "" && strings.Contains(name, fragment) {
			return true
		}
	}
	return false
}

func (f *Fetcher) listStations(ctx context.Context, path string) ([]Station, error) {
	var all []Station
	for page := 1; page <= maxStationPages; page++ {
		var raw json.RawMessage
		if err := f.client.call(ctx, http.MethodPost, path, map[string]any{"page": page, "size": stationPageSize}, &raw); err != nil {
			return nil, err
		}

		if isJSONArray(raw) {
			var stations []Station
			if err := json.Unmarshal(raw, &stations); err != nil {
				return nil, transportError(path, err)
			}
			return append(all, stations...), nil
		}

		var resp struct {
			Total       flexInt   `json:"total"`
			StationList []Station `json:"stationList"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, transportError(path, err)
		}
		all = append(all, resp.StationList...)
		if len(resp.StationList) == 0 || len(all) >= int(resp.Total) {
			break
		}
	}
	return all, nil
}

// FetchStationDetail returns the latest station-level telemetry.
func (f *Fetcher) FetchStationDetail(ctx context.Context, stationID string) (Telemetry, error) {
	var t Telemetry
	if err := f.client.call(ctx, http.MethodPost, "/station/latest", map[string]any{"stationId": idValue(stationID)}, &t); err != nil {
		return nil, err
	}
	if t == nil {
		t = Telemetry{}
	}
	return t, nil
}

// FetchDeviceBatch returns the latest telemetry for at most MaxBatchSize serials.
// Devices missing from the response are absent from the result.
func (f *Fetcher) FetchDeviceBatch(ctx context.Context, serials []string) (map[string]DeviceLatest, error) {
	if len(serials) > MaxBatchSize {
		return nil, validationErrorf("batch of %d serials exceeds the limit of %d", len(serials), MaxBatchSize)
	}
	if len(serials) == 0 {
		return map[string]DeviceLatest{}, nil
	}

	var raw json.RawMessage
	if err := f.client.call(ctx, http.MethodPost, "/device/latest", map[string]any{"deviceList": serials}, &raw); err != nil {
		return nil, err
	}
	latest, err := decodeLatest(raw)
	if err != nil {
		return nil, transportError("/device/latest", err)
	}
	return latest, nil
}

// FetchConfigSection reads one configuration section of a device.
func (f *Fetcher) FetchConfigSection(ctx context.Context, section, serial string) (map[string]any, error) {
	path, ok := configPaths[section]
	if !ok {
		return nil, validationErrorf("unknown config section %q", section)
	}
	var cfg map[string]any
	if err := f.client.call(ctx, http.MethodPost, path, map[string]any{"deviceSn": serial}, &cfg); err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	return cfg, nil
}

// FetchDeviceConfig reads every configuration section. Each section is best
// effort; the returned config is nil only if all of them failed.
func (f *Fetcher) FetchDeviceConfig(ctx context.Context, serial string) (*DeviceConfig, []Failure) {
	var (
		cfg      DeviceConfig
		got      bool
		failures []Failure
	)
	for _, section := range []string{SectionSystem, SectionBattery, SectionTOU} {
		values, err := f.FetchConfigSection(ctx, section, serial)
		if err != nil {
			f.logger.WarnContext(ctx, "failed to get device config", slog.String("serial", serial), slog.String("config", section), slog.Any("error", err))
			failures = append(failures, Failure{Scope: "config/" + section, Key: serial, Err: err.Error()})
			continue
		}
		got = true
		switch section {
		case SectionSystem:
			cfg.System = values
		case SectionBattery:
			cfg.Battery = values
		case SectionTOU:
			cfg.TOU = values
		}
	}
	if !got {
		return nil, failures
	}
	return &cfg, failures
}

type batch struct {
	station string
	serials []string
}

// FetchFleet runs one full fetch: discovery, then station telemetry and device
// batches, then per-device configuration. Only a discovery failure is returned
// as an error, as is a cancelled ctx, so a cut-short cycle never replaces a
// complete one; every other failure is recorded in FleetData.Failures.
func (f *Fetcher) FetchFleet(ctx context.Context) (*FleetData, error) {
	stations, err := f.DiscoverStations(ctx)
	if err != nil {
		return nil, fmt.Errorf("station discovery: %w", err)
	}

	data := &FleetData{
		Stations: make(map[string]StationState, len(stations)),
		Devices:  make(map[string]DeviceState),
	}
	summaries := make(map[string]DeviceSummary)
	var (
		stationIDs []string
		batches    []batch
	)
	for _, s := range stations {
		if s.ID == "" {
			continue
		}
		if _, dup := data.Stations[s.ID]; dup {
			continue
		}
		data.Stations[s.ID] = StationState{Station: s}
		stationIDs = append(stationIDs, s.ID)

		var serials []string
		for _, d := range s.Devices {
			if d.Serial == "" {
				continue
			}
			if _, dup := summaries[d.Serial]; dup {
				continue
			}
			summaries[d.Serial] = d
			serials = append(serials, d.Serial)
		}
		for chunk := range slices.Chunk(serials, MaxBatchSize) {
			batches = append(batches, batch{station: s.ID, serials: chunk})
		}
	}

	var mu sync.Mutex
	fail := func(scope, key string, err error) {
		mu.Lock()
		defer mu.Unlock()
		data.Failures = append(data.Failures, Failure{Scope: scope, Key: key, Err: err.Error()})
	}

	g := new(errgroup.Group)
	g.SetLimit(f.concurrency)
	for _, id := range stationIDs {
		g.Go(func() error {
			t, err := f.FetchStationDetail(ctx, id)
			if err != nil {
				f.logger.WarnContext(ctx, "failed to get data for station", slog.String("station", id), slog.Any("error", err))
				fail("station", id, err)
				return nil
			}
			mu.Lock()
			st := data.Stations[id]
			st.Telemetry = t
			data.Stations[id] = st
			mu.Unlock()
			return nil
		})
	}
	for _, b := range batches {
		g.Go(func() error {
			latest, err := f.FetchDeviceBatch(ctx, b.serials)
			if err != nil {
				f.logger.WarnContext(ctx, "failed to get data for devices", slog.String("station", b.station), slog.Any("serials", b.serials), slog.Any("error", err))
				fail("batch", strings.Join(b.serials, ","), err)
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			for _, sn := range b.serials {
				l, ok := latest[sn]
				if !ok {
					continue
				}
				if l.Telemetry == nil {
					l.Telemetry = Telemetry{}
				}
				data.Devices[sn] = DeviceState{Info: summaries[sn], Telemetry: l.Telemetry, Units: l.Units}
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, transportError("fleet fetch", err)
	}

	if f.fetchConfig {
		serials := slices.Sorted(maps.Keys(data.Devices))
		for _, sn := range serials {
			g.Go(func() error {
				cfg, failures := f.FetchDeviceConfig(ctx, sn)
				mu.Lock()
				defer mu.Unlock()
				data.Failures = append(data.Failures, failures...)
				if cfg != nil {
					dev := data.Devices[sn]
					dev.Config = cfg
					data.Devices[sn] = dev
				}
				return nil
			})
		}
		_ = g.Wait()
		if err := ctx.Err(); err != nil {
			return nil, transportError("fleet fetch", err)
		}
	}

	slices.SortFunc(data.Failures, func(a, b Failure) int {
		return cmp.Or(cmp.Compare(a.Scope, b.Scope), cmp.Compare(a.Key, b.Key))
	})
	return data, nil
}

// idValue sends numeric ids as numbers, which is what the API expects.
func idValue(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

func isJSONArray(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '['
}
