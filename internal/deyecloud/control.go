package deyecloud

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// WorkMode is the inverter's system work mode.
type WorkMode string

const (
	WorkModeSellingFirst     WorkMode = "SELLING_FIRST"
	WorkModeZeroExportToLoad WorkMode = "ZERO_EXPORT_TO_LOAD"
	WorkModeZeroExportToCT   WorkMode = "ZERO_EXPORT_TO_CT"
)

// WorkModes lists every accepted work mode.
var WorkModes = []WorkMode{WorkModeSellingFirst, WorkModeZeroExportToLoad, WorkModeZeroExportToCT}

// EnergyPattern decides whether the battery or the load is served first.
type EnergyPattern string

const (
	EnergyPatternBatteryFirst EnergyPattern = "BATTERY_FIRST"
	EnergyPatternLoadFirst    EnergyPattern = "LOAD_FIRST"
)

// EnergyPatterns lists every accepted energy pattern.
var EnergyPatterns = []EnergyPattern{EnergyPatternBatteryFirst, EnergyPatternLoadFirst}

// Limits of the numeric write controls.
const (
	MaxSellPowerWatts  = 20000
	MaxBatteryCurrentA = 150
	MaxTOUItems        = 6
	DefaultTOUTimeout  = 30 * time.Second
)

// Telemetry keys a successful write is expected to change.
const (
	KeySolarSell             = "solarSell"
	KeyWorkMode              = "workMode"
	KeyEnergyPattern         = "energyPattern"
	KeyMaxSellPower          = "maxSellPower"
	KeyChargeCurrentLimit    = "chargeCurrentLimit"
	KeyDischargeCurrentLimit = "dischargeCurrentLimit"
	KeyChargeMode            = "chargeMode"
)

// TOUItem is one time-of-use window.
type TOUItem struct {
	Time             string `json:"time"`
	Power            int    `json:"power"`
	SOC              int    `json:"soc"`
	EnableGridCharge bool   `json:"enableGridCharge"`
	EnableGeneration bool   `json:"enableGeneration"`
}

// ParseWorkMode accepts a work mode in any case.
func ParseWorkMode(s string) (WorkMode, error) {
	m := WorkMode(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range WorkModes {
		if m == known {
			return m, nil
		}
	}
	return "", validationErrorf("unknown work mode %q", s)
}

// ParseEnergyPattern accepts an energy pattern in any case.
func ParseEnergyPattern(s string) (EnergyPattern, error) {
	p := EnergyPattern(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range EnergyPatterns {
		if p == known {
			return p, nil
		}
	}
	return "", validationErrorf("unknown energy pattern %q", s)
}

// ValidateMaxSellPower checks a grid export limit without sending it.
func ValidateMaxSellPower(watts int) error {
	if watts < 0 || watts > MaxSellPowerWatts {
		return validationErrorf("max sell power %d W out of range 0..%d", watts, MaxSellPowerWatts)
	}
	return nil
}

// ValidateBatteryCurrent checks a charge or discharge current limit without sending it.
func ValidateBatteryCurrent(amps int) error {
	if amps < 0 || amps > MaxBatteryCurrentA {
		return validationErrorf("battery current %d A out of range 0..%d", amps, MaxBatteryCurrentA)
	}
	return nil
}

// SetSolarSell enables or disables selling surplus solar power to the grid.
func (c *Client) SetSolarSell(ctx context.Context, serial string, enabled bool) error {
	action := "off"
	if enabled {
		action = "on"
	}
	return c.order(ctx, serial, "/order/sys/solarSell/control", map[string]any{"action": action})
}

// SetWorkMode changes the system work mode.
func (c *Client) SetWorkMode(ctx context.Context, serial string, mode WorkMode) error {
	mode, err := ParseWorkMode(string(mode))
	if err != nil {
		return err
	}
	return c.order(ctx, serial, "/order/sys/workMode/update", map[string]any{"workMode": string(mode)})
}

// SetEnergyPattern changes the energy pattern.
func (c *Client) SetEnergyPattern(ctx context.Context, serial string, pattern EnergyPattern) error {
	pattern, err := ParseEnergyPattern(string(pattern))
	if err != nil {
		return err
	}
	return c.order(ctx, serial, "/order/sys/energyPattern/update", map[string]any{"energyPattern": string(pattern)})
}

// SetMaxSellPower sets the grid export limit in watts.
func (c *Client) SetMaxSellPower(ctx context.Context, serial string, watts int) error {
	if err := ValidateMaxSellPower(watts); err != nil {
		return err
	}
	return c.order(ctx, serial, "/order/sys/power/update", map[string]any{"powerType": "MAX_SELL_POWER", "value": watts})
}

// SetBatteryChargeCurrent sets the maximum battery charge current in amps.
func (c *Client) SetBatteryChargeCurrent(ctx context.Context, serial string, amps int) error {
	return c.batteryParameter(ctx, serial, "MAX_CHARGE_CURRENT", amps)
}

// SetBatteryDischargeCurrent sets the maximum battery discharge current in amps.
func (c *Client) SetBatteryDischargeCurrent(ctx context.Context, serial string, amps int) error {
	return c.batteryParameter(ctx, serial, "MAX_DISCHARGE_CURRENT", amps)
}

func (c *Client) batteryParameter(ctx context.Context, serial, parameter string, amps int) error {
	if err := ValidateBatteryCurrent(amps); err != nil {
		return err
	}
	return c.order(ctx, serial, "/order/battery/parameter/update", map[string]any{"parameterType": parameter, "value": amps})
}

// SetBatteryChargeMode toggles the battery charge mode.
func (c *Client) SetBatteryChargeMode(ctx context.Context, serial string, charge bool) error {
	return c.order(ctx, serial, "/order/battery/modeControl", map[string]any{"chargeMode": charge})
}

// SetTimeOfUse replaces the time-of-use schedule. A zero timeout means DefaultTOUTimeout.
func (c *Client) SetTimeOfUse(ctx context.Context, serial string, items []TOUItem, timeout time.Duration) error {
	if err := ValidateTOU(items); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = DefaultTOUTimeout
	}
	return c.order(ctx, serial, "/order/sys/tou/update", map[string]any{
		"timeUseSettingItems": items,
		"timeoutSeconds":      int(timeout / time.Second),
	})
}

// ValidateTOU checks a schedule without sending it.
func ValidateTOU(items []TOUItem) error {
	if len(items) == 0 {
		return validationErrorf("time-of-use schedule is empty")
	}
	if len(items) > MaxTOUItems {
		return validationErrorf("time-of-use schedule has %d items, at most %d allowed", len(items), MaxTOUItems)
	}
	for i, item := range items {
		if _, err := time.Parse("15:04", item.Time); err != nil || len(item.Time) != 5 {
			return validationErrorf("time-of-use item %d: time %q is not HH:MM", i, item.Time)
		}
		if item.SOC < 0 || item.SOC > 100 {
			return validationErrorf("time-of-use item %d: soc %d out of range 0..100", i, item.SOC)
		}
		if item.Power < 0 || item.Power > MaxSellPowerWatts {
			return validationErrorf("time-of-use item %d: power %d W out of range 0..%d", i, item.Power, MaxSellPowerWatts)
		}
	}
	return nil
}

func (c *Client) order(ctx context.Context, serial, path string, body map[string]any) error {
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return validationErrorf("device serial is required")
	}
	body["deviceSn"] = serial
	if err := c.call(ctx, http.MethodPost, path, body, nil); err != nil {
		return err
	}
	c.logger.InfoContext(ctx, "write command accepted", slog.String("serial", serial), slog.String("path", path))
	return nil
}
