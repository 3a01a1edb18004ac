package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/JHOFER-Cloud/deyecloud-exporter/internal/coordinator"
	"github.com/JHOFER-Cloud/deyecloud-exporter/internal/deyecloud"
)

// control is one write-control point, applied with a JSON value.
type control struct {
	Name  string
	Usage string
	apply func(ctx context.Context, w coordinator.Writer, serial string, value json.RawMessage) error
}

// touRequest is the value of the time-of-use control. A bare item array is accepted too.
type touRequest struct {
	Items          []deyecloud.TOUItem `json:"items"`
	TimeoutSeconds int                 `json:"timeoutSeconds"`
}

var controls = []control{
	{
		Name:  "solar-sell",
		Usage: "true|false",
		apply: func(ctx context.Context, w coordinator.Writer, serial string, v json.RawMessage) error {
			var on bool
			if err := decodeValue(v, &on); err != nil {
				return err
			}
			return w.SetSolarSell(ctx, serial, on)
		},
	},
	{
		Name:  "work-mode",
		Usage: "SELLING_FIRST|ZERO_EXPORT_TO_LOAD|ZERO_EXPORT_TO_CT",
		apply: func(ctx context.Context, w coordinator.Writer, serial string, v json.RawMessage) error {
			var s string
			if err := decodeValue(v, &s); err != nil {
				return err
			}
			mode, err := deyecloud.ParseWorkMode(s)
			if err != nil {
				return err
			}
			return w.SetWorkMode(ctx, serial, mode)
		},
	},
	{
		Name:  "energy-pattern",
		Usage: "BATTERY_FIRST|LOAD_FIRST",
		apply: func(ctx context.Context, w coordinator.Writer, serial string, v json.RawMessage) error {
			var s string
			if err := decodeValue(v, &s); err != nil {
				return err
			}
			pattern, err := deyecloud.ParseEnergyPattern(s)
			if err != nil {
				return err
			}
			return w.SetEnergyPattern(ctx, serial, pattern)
		},
	},
	{
		Name:  "max-sell-power",
		Usage: fmt.Sprintf("watts, 0..%d", deyecloud.MaxSellPowerWatts),
		apply: func(ctx context.Context, w coordinator.Writer, serial string, v json.RawMessage) error {
			var watts int
			if err := decodeValue(v, &watts); err != nil {
				return err
			}
			return w.SetMaxSellPower(ctx, serial, watts)
		},
	},
	{
		Name:  "charge-current",
		Usage: fmt.Sprintf("amps, 0..%d", deyecloud.MaxBatteryCurrentA),
		apply: func(ctx context.Context, w coordinator.Writer, serial string, v json.RawMessage) error {
			var amps int
			if err := decodeValue(v, &amps); err != nil {
				return err
			}
			return w.SetBatteryChargeCurrent(ctx, serial, amps)
		},
	},
	{
		Name:  "discharge-current",
		Usage: fmt.Sprintf("amps, 0..%d", deyecloud.MaxBatteryCurrentA),
		apply: func(ctx context.Context, w coordinator.Writer, serial string, v json.RawMessage) error {
			var amps int
			if err := decodeValue(v, &amps); err != nil {
				return err
			}
			return w.SetBatteryDischargeCurrent(ctx, serial, amps)
		},
	},
	{
		Name:  "charge-mode",
		Usage: "true|false",
		apply: func(ctx context.Context, w coordinator.Writer, serial string, v json.RawMessage) error {
			var on bool
			if err := decodeValue(v, &on); err != nil {
				return err
			}
			return w.SetBatteryChargeMode(ctx, serial, on)
		},
	},
	{
		Name:  "time-of-use",
		Usage: `'{"items":[{"time":"00:00","power":5000,"soc":100,"enableGridCharge":true}],"timeoutSeconds":30}'`,
		apply: func(ctx context.Context, w coordinator.Writer, serial string, v json.RawMessage) error {
			var req touRequest
			if trimmed := bytes.TrimSpace(v); len(trimmed) > 0 && trimmed[0] == '[' {
				if err := decodeValue(v, &req.Items); err != nil {
					return err
				}
			} else if err := decodeValue(v, &req); err != nil {
				return err
			}
			return w.SetTimeOfUse(ctx, serial, req.Items, time.Duration(req.TimeoutSeconds)*time.Second)
		},
	},
}

func lookupControl(name string) (control, bool) {
	for _, c := range controls {
		if c.Name == name {
			return c, true
		}
	}
	return control{}, false
}

// cliValue turns a command-line argument into a JSON value. Bare words become strings.
func cliValue(arg string) json.RawMessage {
	if json.Valid([]byte(arg)) {
		return json.RawMessage(arg)
	}
	b, _ := json.Marshal(arg)
	return b
}

func decodeValue(v json.RawMessage, out any) error {
	if len(bytes.TrimSpace(v)) == 0 {
		return fmt.Errorf("%w: value is required", deyecloud.ErrValidation)
	}
	dec := json.NewDecoder(bytes.NewReader(v))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%w: invalid value %s: %v", deyecloud.ErrValidation, v, err)
	}
	return nil
}
