package coordinator

import (
	"encoding/json"
	"maps"
	"slices"
	"time"

	"github.com/JHOFER-Cloud/deyecloud-exporter/internal/deyecloud"
)

// Snapshot is the state published by one completed refresh cycle. It is never
// mutated after publication; changes produce a new Snapshot.
type Snapshot struct {
	CycleID   string                            `json:"cycleId"`
	UpdatedAt time.Time                         `json:"updatedAt"`
	Stations  map[string]deyecloud.StationState `json:"stations"`
	Devices   map[string]deyecloud.DeviceState  `json:"devices"`
	Failures  []deyecloud.Failure               `json:"failures,omitempty"`
}

func newSnapshot(cycleID string, at time.Time, data *deyecloud.FleetData) *Snapshot {
	s := &Snapshot{
		CycleID:   cycleID,
		UpdatedAt: at,
		Stations:  data.Stations,
		Devices:   data.Devices,
		Failures:  data.Failures,
	}
	if s.Stations == nil {
		s.Stations = map[string]deyecloud.StationState{}
	}
	if s.Devices == nil {
		s.Devices = map[string]deyecloud.DeviceState{}
	}
	return s
}

// StationIDs returns the discovered station ids in order.
func (s *Snapshot) StationIDs() []string {
	return slices.Sorted(maps.Keys(s.Stations))
}

// DeviceSerials returns the serials of every device with telemetry, in order.
func (s *Snapshot) DeviceSerials() []string {
	return slices.Sorted(maps.Keys(s.Devices))
}

// Station looks up a station by id.
func (s *Snapshot) Station(id string) (deyecloud.StationState, bool) {
	st, ok := s.Stations[id]
	return st, ok
}

// Device looks up a device by serial.
func (s *Snapshot) Device(serial string) (deyecloud.DeviceState, bool) {
	d, ok := s.Devices[serial]
	return d, ok
}

// Content encodes the snapshot without its cycle id and timestamp. Two cycles
// over identical upstream data produce identical bytes.
func (s *Snapshot) Content() ([]byte, error) {
	return json.Marshal(struct {
		Stations map[string]deyecloud.StationState `json:"stations"`
		Devices  map[string]deyecloud.DeviceState  `json:"devices"`
		Failures []deyecloud.Failure               `json:"failures,omitempty"`
	}{s.Stations, s.Devices, s.Failures})
}

// withTelemetry returns a copy with one device reading replaced. Only the
// touched device's telemetry map is copied.
func (s *Snapshot) withTelemetry(serial, key string, value any) *Snapshot {
	next := *s
	next.Devices = maps.Clone(s.Devices)
	dev := next.Devices[serial]
	dev.Telemetry = maps.Clone(dev.Telemetry)
	if dev.Telemetry == nil {
		dev.Telemetry = deyecloud.Telemetry{}
	}
	dev.Telemetry[key] = value
	next.Devices[serial] = dev
	return &next
}
