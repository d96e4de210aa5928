package modem

import (
	"context"
	"fmt"

	"github.com/oem5g/gatewayd/pkg/bus"
)

// technologyPreferences is the cellular daemon's index-stable
// TechnologyPreference string enum (spec.md §4.2); the index is significant
// and must never be reordered.
var technologyPreferences = [11]string{
	"WCDMA preferred",
	"GSM only",
	"WCDMA only",
	"GSM/WCDMA auto",
	"LTE/GSM/WCDMA auto",
	"LTE only",
	"LTE/WCDMA auto",
	"NR 5G/LTE/GSM/WCDMA auto",
	"NR 5G only",
	"NR 5G/LTE auto",
	"NSA only",
}

// modeToIndex maps the appliance-facing NetworkMode onto a
// TechnologyPreference index. "auto" picks the broadest auto-negotiating
// preference (index 7) so the modem is free to fall back to any generation;
// the other three pin a single generation.
var modeToIndex = map[NetworkMode]int{
	ModeAuto:     7,
	ModeNR5GOnly: 8,
	ModeLTEOnly:  5,
	ModeNSAOnly:  10,
}

func indexToMode(idx int) (NetworkMode, bool) {
	for mode, i := range modeToIndex {
		if i == idx {
			return mode, true
		}
	}
	return "", false
}

// SetNetworkMode maps mode onto a TechnologyPreference index and sets it on
// the modem identified by slot (nil = currently active slot).
func (m *Modem) SetNetworkMode(ctx context.Context, slot *Slot, mode NetworkMode) error {
	idx, ok := modeToIndex[mode]
	if !ok {
		return fmt.Errorf("modem: unknown network mode %q", mode)
	}

	path := m.currentModemPath()
	if slot != nil {
		m.pathMu.RLock()
		p, ok := m.slotPaths[*slot]
		m.pathMu.RUnlock()
		if !ok {
			return fmt.Errorf("modem: unknown slot %q", *slot)
		}
		path = p
	}

	ctx, cancel := context.WithTimeout(ctx, bus.DefaultTimeout)
	defer cancel()
	return m.bus.SetProperty(ctx, path, ifaceRadioSettings, "TechnologyPreference", technologyPreferences[idx])
}

// GetNetworkMode reads back the currently active TechnologyPreference and
// maps it to an appliance-facing NetworkMode; an oFono preference outside
// the four the appliance exposes is reported as its raw oFono string.
func (m *Modem) GetNetworkMode(ctx context.Context) (NetworkMode, error) {
	ctx, cancel := context.WithTimeout(ctx, bus.DefaultTimeout)
	defer cancel()
	props, err := m.bus.GetProperties(ctx, m.currentModemPath(), ifaceRadioSettings)
	if err != nil {
		return "", err
	}
	v, ok := props["TechnologyPreference"]
	if !ok {
		return "", fmt.Errorf("modem: TechnologyPreference not present")
	}
	raw, _ := v.Value().(string)
	for idx, name := range technologyPreferences {
		if name == raw {
			if mode, ok := indexToMode(idx); ok {
				return mode, nil
			}
			return NetworkMode(raw), nil
		}
	}
	return NetworkMode(raw), nil
}
