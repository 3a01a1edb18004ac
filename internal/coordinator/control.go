package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/JHOFER-Cloud/deyecloud-exporter/internal/deyecloud"
)

// ErrReadOnly is returned for writes on a coordinator without a Writer.
var ErrReadOnly = errors.New("write controls are not configured")

// Writer sends write-control commands. *deyecloud.Client implements it.
type Writer interface {
	SetSolarSell(ctx context.Context, serial string, enabled bool) error
	SetWorkMode(ctx context.Context, serial string, mode deyecloud.WorkMode) error
	SetEnergyPattern(ctx context.Context, serial string, pattern deyecloud.EnergyPattern) error
	SetMaxSellPower(ctx context.Context, serial string, watts int) error
	SetBatteryChargeCurrent(ctx context.Context, serial string, amps int) error
	SetBatteryDischargeCurrent(ctx context.Context, serial string, amps int) error
	SetBatteryChargeMode(ctx context.Context, serial string, charge bool) error
	SetTimeOfUse(ctx context.Context, serial string, items []deyecloud.TOUItem, timeout time.Duration) error
}

// SetSolarSell enables or disables solar selling on a device.
func (c *Coordinator) SetSolarSell(ctx context.Context, serial string, enabled bool) error {
	return c.write(ctx, serial, deyecloud.KeySolarSell, enabled, func(w Writer) error {
		return w.SetSolarSell(ctx, serial, enabled)
	})
}

// SetWorkMode changes a device's work mode.
func (c *Coordinator) SetWorkMode(ctx context.Context, serial string, mode deyecloud.WorkMode) error {
	mode, err := deyecloud.ParseWorkMode(string(mode))
	if err != nil {
		return err
	}
	return c.write(ctx, serial, deyecloud.KeyWorkMode, string(mode), func(w Writer) error {
		return w.SetWorkMode(ctx, serial, mode)
	})
}

// SetEnergyPattern changes a device's energy pattern.
func (c *Coordinator) SetEnergyPattern(ctx context.Context, serial string, pattern deyecloud.EnergyPattern) error {
	pattern, err := deyecloud.ParseEnergyPattern(string(pattern))
	if err != nil {
		return err
	}
	return c.write(ctx, serial, deyecloud.KeyEnergyPattern, string(pattern), func(w Writer) error {
		return w.SetEnergyPattern(ctx, serial, pattern)
	})
}

// SetMaxSellPower sets a device's grid export limit in watts.
func (c *Coordinator) SetMaxSellPower(ctx context.Context, serial string, watts int) error {
	if err := deyecloud.ValidateMaxSellPower(watts); err != nil {
		return err
	}
	return c.write(ctx, serial, deyecloud.KeyMaxSellPower, watts, func(w Writer) error {
		return w.SetMaxSellPower(ctx, serial, watts)
	})
}

// SetBatteryChargeCurrent sets a device's battery charge current limit.
func (c *Coordinator) SetBatteryChargeCurrent(ctx context.Context, serial string, amps int) error {
	if err := deyecloud.ValidateBatteryCurrent(amps); err != nil {
		return err
	}
	return c.write(ctx, serial, deyecloud.KeyChargeCurrentLimit, amps, func(w Writer) error {
		return w.SetBatteryChargeCurrent(ctx, serial, amps)
	})
}

// SetBatteryDischargeCurrent sets a device's battery discharge current limit.
func (c *Coordinator) SetBatteryDischargeCurrent(ctx context.Context, serial string, amps int) error {
	if err := deyecloud.ValidateBatteryCurrent(amps); err != nil {
		return err
	}
	return c.write(ctx, serial, deyecloud.KeyDischargeCurrentLimit, amps, func(w Writer) error {
		return w.SetBatteryDischargeCurrent(ctx, serial, amps)
	})
}

// SetBatteryChargeMode toggles a device's battery charge mode.
func (c *Coordinator) SetBatteryChargeMode(ctx context.Context, serial string, charge bool) error {
	return c.write(ctx, serial, deyecloud.KeyChargeMode, charge, func(w Writer) error {
		return w.SetBatteryChargeMode(ctx, serial, charge)
	})
}

// SetTimeOfUse replaces a device's time-of-use schedule. The schedule lives in
// device config, so nothing is patched optimistically.
func (c *Coordinator) SetTimeOfUse(ctx context.Context, serial string, items []deyecloud.TOUItem, timeout time.Duration) error {
	if err := deyecloud.ValidateTOU(items); err != nil {
		return err
	}
	return c.write(ctx, serial, "", nil, func(w Writer) error {
		return w.SetTimeOfUse(ctx, serial, items, timeout)
	})
}

// write publishes the expected reading before sending the command and rolls it
// back if the command fails and no refresh has replaced the patched snapshot.
// A successful command schedules a refresh to confirm the change. Callers
// validate value first; nothing is published for a rejected value.
func (c *Coordinator) write(ctx context.Context, serial, key string, value any, send func(Writer) error) error {
	if c.writer == nil {
		return ErrReadOnly
	}
	base := c.snapshot.Load()
	if base == nil {
		return fmt.Errorf("%w: %s (no snapshot yet)", ErrUnknownDevice, serial)
	}
	if _, ok := base.Device(serial); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, serial)
	}

	var patched *Snapshot
	if key != "" {
		patched = base.withTelemetry(serial, key, value)
		if c.snapshot.CompareAndSwap(base, patched) {
			c.notify(patched)
		} else {
			patched = nil
		}
	}

	if err := send(c.writer); err != nil {
		c.logger.WarnContext(ctx, "write command failed", slog.String("serial", serial), slog.String("key", key), slog.Any("error", err))
		if patched != nil {
			if c.snapshot.CompareAndSwap(patched, base) {
				c.notify(base)
			} else {
				c.RequestRefresh()
			}
		}
		return err
	}

	c.RequestRefresh()
	return nil
}
