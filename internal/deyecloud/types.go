package deyecloud

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Telemetry is the latest key/value readings of a station or device. Values
// keep the types the API sent (numbers, strings, booleans).
type Telemetry map[string]any

// DeviceSummary is a device as listed under its station.
type DeviceSummary struct {
	Serial    string         `json:"deviceSn"`
	Type      string         `json:"deviceType,omitempty"`
	StationID string         `json:"stationId"`
	Info      map[string]any `json:"info,omitempty"`
}

// Station is a physical site grouping inverters.
type Station struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Devices []DeviceSummary `json:"devices,omitempty"`
	Info    map[string]any  `json:"info,omitempty"`
}

// stationDeviceKeys are the names the nested device list has carried over time.
var stationDeviceKeys = []string{"deviceListItems", "deviceList"}

func (s *Station) UnmarshalJSON(b []byte) error {
	var head struct {
		ID   flexString `json:"id"`
		Name string     `json:"name"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return err
	}

	s.ID = string(head.ID)
	s.Name = head.Name
	s.Devices = nil
	for _, key := range stationDeviceKeys {
		raw, ok := fields[key]
		delete(fields, key)
		if !ok || s.Devices != nil {
			continue
		}
		devices, err := decodeDeviceSummaries(raw, s.ID)
		if err != nil {
			return fmt.Errorf("station %s %s: %w", s.ID, key, err)
		}
		s.Devices = devices
	}

	s.Info = make(map[string]any, len(fields))
	for k, raw := range fields {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		s.Info[k] = v
	}
	return nil
}

func decodeDeviceSummaries(raw json.RawMessage, stationID string) ([]DeviceSummary, error) {
	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}
	devices := make([]DeviceSummary, 0, len(items))
	for _, item := range items {
		devices = append(devices, DeviceSummary{
			Serial:    stringField(item, "deviceSn"),
			Type:      stringField(item, "deviceType"),
			StationID: stationID,
			Info:      item,
		})
	}
	return devices, nil
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}

// DeviceConfig holds the auxiliary configuration reads; a nil section was not
// retrieved this cycle.
type DeviceConfig struct {
	System  map[string]any `json:"system,omitempty"`
	Battery map[string]any `json:"battery,omitempty"`
	TOU     map[string]any `json:"tou,omitempty"`
}

// StationState is a station and its latest station-level telemetry. Telemetry
// is nil when the station fetch failed this cycle.
type StationState struct {
	Station   Station   `json:"station"`
	Telemetry Telemetry `json:"telemetry,omitempty"`
}

// DeviceState is a device with its latest readings and configuration.
type DeviceState struct {
	Info      DeviceSummary     `json:"info"`
	Telemetry Telemetry         `json:"telemetry"`
	Units     map[string]string `json:"units,omitempty"`
	Config    *DeviceConfig     `json:"config,omitempty"`
}

// Failure records one sub-fetch that was dropped from a cycle.
type Failure struct {
	Scope string `json:"scope"` // station, batch or config/<section>
	Key   string `json:"key"`
	Err   string `json:"error"`
}

// FleetData is the merged result of one fetch cycle.
type FleetData struct {
	Stations map[string]StationState `json:"stations"`
	Devices  map[string]DeviceState  `json:"devices"`
	Failures []Failure               `json:"failures,omitempty"`
}

// DeviceLatest is one device entry of a batch telemetry response.
type DeviceLatest struct {
	Telemetry Telemetry
	Units     map[string]string
}

type dataPoint struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
	Unit  string `json:"unit"`
}

// decodeLatest accepts both batch response shapes: an object keyed by serial,
// or a deviceDataList of entries carrying key/value/unit data points.
func decodeLatest(payload json.RawMessage) (map[string]DeviceLatest, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, err
	}

	out := make(map[string]DeviceLatest)
	if list, ok := fields["deviceDataList"]; ok {
		var entries []map[string]json.RawMessage
		if err := json.Unmarshal(list, &entries); err != nil {
			return nil, fmt.Errorf("deviceDataList: %w", err)
		}
		for _, entry := range entries {
			var sn flexString
			if err := json.Unmarshal(entry["deviceSn"], &sn); err != nil || sn == "" {
				continue
			}
			latest := DeviceLatest{Telemetry: Telemetry{}}
			for k, raw := range entry {
				switch k {
				case "deviceSn":
				case "dataList":
					var points []dataPoint
					if err := json.Unmarshal(raw, &points); err != nil {
						return nil, fmt.Errorf("device %s dataList: %w", sn, err)
					}
					for _, p := range points {
						if p.Key == "" {
							continue
						}
						latest.Telemetry[p.Key] = p.Value
						if p.Unit != "" {
							if latest.Units == nil {
								latest.Units = make(map[string]string)
							}
							latest.Units[p.Key] = p.Unit
						}
					}
				default:
					var v any
					if err := json.Unmarshal(raw, &v); err == nil {
						latest.Telemetry[k] = v
					}
				}
			}
			out[string(sn)] = latest
		}
		return out, nil
	}

	for sn, raw := range fields {
		var t Telemetry
		if err := json.Unmarshal(raw, &t); err != nil {
			// Not a per-device object.
			continue
		}
		out[sn] = DeviceLatest{Telemetry: t}
	}
	return out, nil
}
