package main

import (
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JHOFER-Cloud/deyecloud-exporter/internal/coordinator"
	"github.com/JHOFER-Cloud/deyecloud-exporter/internal/deyecloud"
)

// fleetState is the read side of the coordinator.
type fleetState interface {
	Snapshot() *coordinator.Snapshot
	Status() coordinator.Status
}

// Collector implements prometheus.Collector over the latest published snapshot.
// It never calls the cloud API itself.
type Collector struct {
	state fleetState

	// Metrics
	up              *prometheus.Desc
	refreshing      *prometheus.Desc
	cycles          *prometheus.Desc
	failedCycles    *prometheus.Desc
	lastDuration    *prometheus.Desc
	lastAttempt     *prometheus.Desc
	lastUpdate      *prometheus.Desc
	subFailures     *prometheus.Desc
	stationInfo     *prometheus.Desc
	stationValue    *prometheus.Desc
	deviceInfo      *prometheus.Desc
	deviceValue     *prometheus.Desc
	deviceConfigVal *prometheus.Desc
}

// NewCollector creates a new Deye Cloud collector
func NewCollector(state fleetState) *Collector {
	return &Collector{
		state: state,
		up: prometheus.NewDesc(
			"deyecloud_up",
			"Whether the last refresh cycle succeeded",
			nil, nil,
		),
		refreshing: prometheus.NewDesc(
			"deyecloud_refresh_in_progress",
			"Whether a refresh cycle is running (1=yes, 0=no)",
			nil, nil,
		),
		cycles: prometheus.NewDesc(
			"deyecloud_refresh_cycles_total",
			"Refresh cycles run since start",
			nil, nil,
		),
		failedCycles: prometheus.NewDesc(
			"deyecloud_refresh_failures_total",
			"Refresh cycles that failed at station discovery",
			nil, nil,
		),
		lastDuration: prometheus.NewDesc(
			"deyecloud_refresh_duration_seconds",
			"Duration of the last refresh cycle",
			nil, nil,
		),
		lastAttempt: prometheus.NewDesc(
			"deyecloud_last_refresh_attempt_timestamp_seconds",
			"Start of the last refresh cycle as a Unix timestamp",
			nil, nil,
		),
		lastUpdate: prometheus.NewDesc(
			"deyecloud_snapshot_timestamp_seconds",
			"Publication time of the current snapshot as a Unix timestamp",
			nil, nil,
		),
		subFailures: prometheus.NewDesc(
			"deyecloud_snapshot_fetch_failures",
			"Sub-fetches missing from the current snapshot",
			[]string{"scope"},
			nil,
		),
		stationInfo: prometheus.NewDesc(
			"deyecloud_station_info",
			"Deye Cloud station information",
			[]string{"station_id", "station_name"},
			nil,
		),
		stationValue: prometheus.NewDesc(
			"deyecloud_station_value",
			"Latest numeric station reading",
			[]string{"station_id", "key"},
			nil,
		),
		deviceInfo: prometheus.NewDesc(
			"deyecloud_device_info",
			"Deye Cloud device information",
			[]string{"serial", "station_id", "device_type"},
			nil,
		),
		deviceValue: prometheus.NewDesc(
			"deyecloud_device_value",
			"Latest numeric device reading",
			[]string{"serial", "station_id", "key", "unit"},
			nil,
		),
		deviceConfigVal: prometheus.NewDesc(
			"deyecloud_device_config_value",
			"Numeric device configuration value",
			[]string{"serial", "section", "key"},
			nil,
		),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.up
	ch <- c.refreshing
	ch <- c.cycles
	ch <- c.failedCycles
	ch <- c.lastDuration
	ch <- c.lastAttempt
	ch <- c.lastUpdate
	ch <- c.subFailures
	ch <- c.stationInfo
	ch <- c.stationValue
	ch <- c.deviceInfo
	ch <- c.deviceValue
	ch <- c.deviceConfigVal
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.state.Status()

	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, boolValue(st.LastSuccess))
	ch <- prometheus.MustNewConstMetric(c.refreshing, prometheus.GaugeValue, boolValue(st.State == coordinator.StateRefreshing))
	ch <- prometheus.MustNewConstMetric(c.cycles, prometheus.CounterValue, float64(st.Cycles))
	ch <- prometheus.MustNewConstMetric(c.failedCycles, prometheus.CounterValue, float64(st.FailedCycles))
	ch <- prometheus.MustNewConstMetric(c.lastDuration, prometheus.GaugeValue, st.LastDuration.Seconds())
	if !st.LastAttempt.IsZero() {
		ch <- prometheus.MustNewConstMetric(c.lastAttempt, prometheus.GaugeValue, float64(st.LastAttempt.Unix()))
	}

	snap := c.state.Snapshot()
	if snap == nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.lastUpdate, prometheus.GaugeValue, float64(snap.UpdatedAt.Unix()))

	failures := map[string]int{}
	for _, f := range snap.Failures {
		failures[f.Scope]++
	}
	for _, scope := range slices.Sorted(maps.Keys(failures)) {
		ch <- prometheus.MustNewConstMetric(c.subFailures, prometheus.GaugeValue, float64(failures[scope]), scope)
	}

	for _, id := range snap.StationIDs() {
		station, _ := snap.Station(id)
		ch <- prometheus.MustNewConstMetric(c.stationInfo, prometheus.GaugeValue, 1, id, station.Station.Name)
		for key, v := range station.Telemetry {
			if f, ok := numericValue(v); ok {
				ch <- prometheus.MustNewConstMetric(c.stationValue, prometheus.GaugeValue, f, id, key)
			}
		}
	}

	for _, sn := range snap.DeviceSerials() {
		dev, _ := snap.Device(sn)
		ch <- prometheus.MustNewConstMetric(c.deviceInfo, prometheus.GaugeValue, 1, sn, dev.Info.StationID, dev.Info.Type)
		for key, v := range dev.Telemetry {
			if f, ok := numericValue(v); ok {
				ch <- prometheus.MustNewConstMetric(c.deviceValue, prometheus.GaugeValue, f, sn, dev.Info.StationID, key, dev.Units[key])
			}
		}
		c.collectConfig(ch, sn, dev.Config)
	}
}

func (c *Collector) collectConfig(ch chan<- prometheus.Metric, serial string, cfg *deyecloud.DeviceConfig) {
	if cfg == nil {
		return
	}
	for section, values := range map[string]map[string]any{
		deyecloud.SectionSystem:  cfg.System,
		deyecloud.SectionBattery: cfg.Battery,
	} {
		for key, v := range values {
			if f, ok := numericValue(v); ok {
				ch <- prometheus.MustNewConstMetric(c.deviceConfigVal, prometheus.GaugeValue, f, serial, section, key)
			}
		}
	}
}

// numericValue converts readings the API sends as numbers, numeric strings or booleans.
func numericValue(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case bool:
		return boolValue(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
