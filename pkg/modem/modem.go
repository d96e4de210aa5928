// Package modem wraps the cellular daemon's modem-facing interfaces:
// raw AT execution, network-mode selection, SIM-slot switching, and signal
// strength/cell-table queries (spec.md §4.2).
package modem

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/oem5g/gatewayd/pkg/bus"
)

const (
	ofonoService        = "org.ofono"
	ifaceModem          = "org.ofono.Modem"
	ifaceRadioSettings  = "org.ofono.RadioSettings"
	ifaceNetworkReg     = "org.ofono.NetworkRegistration"
	ifaceNetworkMonitor = "org.ofono.NetworkMonitor"
	ifaceManager        = "org.ofono.Manager"
	ifaceSimManager     = "org.ofono.SimManager"

	atTimeout   = 8 * time.Second
	busyBackoff = 500 * time.Millisecond
	cacheTTL    = 1 * time.Second
)

// Slot identifies one of the two SIM front-ends sharing a baseband.
type Slot string

const (
	Slot1 Slot = "slot1"
	Slot2 Slot = "slot2"
)

// NetworkMode is the appliance-facing mode name; it maps onto one of the 11
// index-stable oFono TechnologyPreference strings (see networkmode.go).
type NetworkMode string

const (
	ModeAuto     NetworkMode = "auto"
	ModeNR5GOnly NetworkMode = "nr5g_only"
	ModeLTEOnly  NetworkMode = "lte_only"
	ModeNSAOnly  NetworkMode = "nsa_only"
)

// State is a live snapshot of ModemState (spec.md §3), cached for at most
// cacheTTL so that several HTTP handlers resolving /api/info in the same
// burst share one bus round trip.
type State struct {
	Slot           Slot        `json:"slot"`
	ModePreference NetworkMode `json:"mode_preference"`
	SignalPct      int         `json:"signal_pct"`
	SignalDbm      int         `json:"signal_dbm"`
	NetworkStatus  string      `json:"network_status"`
	Technology     string      `json:"technology"`
	Band           string      `json:"band"`
	ICCID          string      `json:"iccid"`
	IMEI           string      `json:"imei"`
	IMSI           string      `json:"imsi"`
}

// Modem is the component instance; one per process, owned by main and
// injected into every handler that needs it (spec.md §9).
type Modem struct {
	bus *bus.Client

	pathMu      sync.RWMutex
	currentPath dbus.ObjectPath
	slotPaths   map[Slot]dbus.ObjectPath

	atMu sync.Mutex // serializes every AT command, spec.md §5

	cacheMu  sync.RWMutex
	cache    State
	cachedAt time.Time
}

// New constructs a Modem bound to the given bus client. slot1Path/slot2Path
// are the oFono modem object paths for each SIM front-end; the appliance
// starts on slot1.
func New(b *bus.Client, slot1Path, slot2Path dbus.ObjectPath) *Modem {
	m := &Modem{
		bus:         b,
		currentPath: slot1Path,
		slotPaths:   map[Slot]dbus.ObjectPath{Slot1: slot1Path, Slot2: slot2Path},
	}
	return m
}

func (m *Modem) currentModemPath() dbus.ObjectPath {
	m.pathMu.RLock()
	defer m.pathMu.RUnlock()
	return m.currentPath
}

// ExecuteAT sends a raw AT command, serialised across every caller via atMu.
// It enforces the "AT" prefix case-insensitively, applies an 8s timeout,
// retries once, reconnecting the bus first if the failure looks like a
// dropped connection, and backs off 500ms before retrying a modem that
// reports an operation already in progress.
func (m *Modem) ExecuteAT(ctx context.Context, cmd string) (string, error) {
	if !strings.HasPrefix(strings.ToUpper(cmd), "AT") {
		return "", fmt.Errorf("modem: command must start with AT")
	}

	m.atMu.Lock()
	defer m.atMu.Unlock()

	result, err := m.executeATOnce(ctx, cmd)
	if err == nil {
		return result, nil
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection closed"):
		if rerr := m.bus.Connect(); rerr != nil {
			return "", fmt.Errorf("modem: reconnect after closed connection: %w", rerr)
		}
	case strings.Contains(msg, "operation already in progress"):
		select {
		case <-time.After(busyBackoff):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	return m.executeATOnce(ctx, cmd)
}

func (m *Modem) executeATOnce(ctx context.Context, cmd string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, atTimeout)
	defer cancel()

	var result string
	err := m.bus.Call(ctx, m.currentModemPath(), ifaceModem, "SendAtcmd", []interface{}{cmd}, &result)
	if err != nil {
		return "", err
	}
	return result, nil
}

// SwitchSlot changes which SIM front-end is active.
func (m *Modem) SwitchSlot(ctx context.Context, slot Slot) error {
	m.pathMu.Lock()
	path, ok := m.slotPaths[slot]
	if !ok {
		m.pathMu.Unlock()
		return fmt.Errorf("modem: unknown slot %q", slot)
	}
	m.currentPath = path
	m.pathMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, bus.DefaultTimeout)
	defer cancel()
	return m.bus.Call(ctx, dbus.ObjectPath("/"), ifaceManager, "SetDataCard", []interface{}{path})
}

// SetAirplane toggles radio power across the whole modem.
func (m *Modem) SetAirplane(ctx context.Context, on bool) error {
	ctx, cancel := context.WithTimeout(ctx, bus.DefaultTimeout)
	defer cancel()
	return m.bus.SetProperty(ctx, m.currentModemPath(), ifaceModem, "Online", !on)
}

// dBmFromSignalPct implements the 3GPP RSSI mapping chosen in spec.md §9's
// Open Question resolution: dBm = -113 + 2*S.
func dBmFromSignalPct(pct int) int {
	return -113 + 2*pct
}

// GetInfo returns a live ModemState snapshot, reusing the last one if it is
// younger than cacheTTL so that several handlers resolving /api/info in the
// same burst share one round trip to the daemon.
func (m *Modem) GetInfo(ctx context.Context) (State, error) {
	m.cacheMu.RLock()
	if time.Since(m.cachedAt) < cacheTTL {
		cached := m.cache
		m.cacheMu.RUnlock()
		return cached, nil
	}
	m.cacheMu.RUnlock()

	path := m.currentModemPath()

	ctx, cancel := context.WithTimeout(ctx, bus.DefaultTimeout)
	defer cancel()

	st := State{Slot: m.slotOf(path)}

	if regProps, err := m.bus.GetProperties(ctx, path, ifaceNetworkReg); err == nil {
		if v, ok := regProps["Status"]; ok {
			st.NetworkStatus, _ = v.Value().(string)
		}
		if v, ok := regProps["Technology"]; ok {
			st.Technology, _ = v.Value().(string)
		}
		if v, ok := regProps["Strength"]; ok {
			if pct, ok := asInt(v.Value()); ok {
				st.SignalPct = pct
				st.SignalDbm = dBmFromSignalPct(pct)
			}
		}
	}

	if radioProps, err := m.bus.GetProperties(ctx, path, ifaceRadioSettings); err == nil {
		if v, ok := radioProps["TechnologyPreference"]; ok {
			if raw, ok := v.Value().(string); ok {
				for idx, name := range technologyPreferences {
					if name == raw {
						if mode, ok := indexToMode(idx); ok {
							st.ModePreference = mode
						}
						break
					}
				}
			}
		}
	}

	if modemProps, err := m.bus.GetProperties(ctx, path, ifaceModem); err == nil {
		if v, ok := modemProps["Serial"]; ok {
			st.IMEI, _ = v.Value().(string)
		}
	}

	if simProps, err := m.bus.GetProperties(ctx, path, ifaceSimManager); err == nil {
		if v, ok := simProps["CardIdentifier"]; ok {
			st.ICCID, _ = v.Value().(string)
		}
		if v, ok := simProps["SubscriberIdentity"]; ok {
			st.IMSI, _ = v.Value().(string)
		}
	}

	if band, ok := m.currentBand(ctx, path, st.Technology); ok {
		st.Band = band
	}

	m.cacheMu.Lock()
	m.cache = st
	m.cachedAt = time.Now()
	m.cacheMu.Unlock()

	return st, nil
}

func (m *Modem) slotOf(path dbus.ObjectPath) Slot {
	m.pathMu.RLock()
	defer m.pathMu.RUnlock()
	for slot, p := range m.slotPaths {
		if p == path {
			return slot
		}
	}
	return Slot1
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case byte:
		return int(n), true
	case int16:
		return int(n), true
	case uint16:
		return int(n), true
	case int32:
		return int(n), true
	case uint32:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

// currentBand decides whether the serving cell is 5G NR or 4G LTE from the
// NetworkRegistration.Technology string (oFono reports "nr" for 5G), then
// runs the matching +SPENGMD query and decodes it with cellparser.go. It
// backs /api/current_band; GetInfo folds the decoded band string into Band.
func (m *Modem) currentBand(ctx context.Context, path dbus.ObjectPath, technology string) (string, bool) {
	var cmd string
	switch technology {
	case "nr":
		cmd = "AT+SPENGMD=0,14,1"
	default:
		cmd = "AT+SPENGMD=0,6,0"
	}

	var raw string
	if err := m.bus.Call(ctx, path, ifaceModem, "SendAtcmd", []interface{}{cmd}, &raw); err != nil {
		return "", false
	}

	table := ParseCellTable(raw)
	if technology == "nr" {
		if info, ok := table.Decode5G(); ok {
			return info.Band, true
		}
		return "", false
	}
	if info, ok := table.Decode4G(); ok {
		return info.Band, true
	}
	return "", false
}

// CurrentBand is the full decoded cell-info snapshot for /api/current_band,
// independent of GetInfo's cache (callers that need RSRP/RSRQ/SINR call this
// directly rather than through the cached State).
func (m *Modem) CurrentBand(ctx context.Context) (CellInfo, error) {
	path := m.currentModemPath()
	ctx, cancel := context.WithTimeout(ctx, bus.DefaultTimeout)
	defer cancel()

	regProps, err := m.bus.GetProperties(ctx, path, ifaceNetworkReg)
	if err != nil {
		return CellInfo{}, fmt.Errorf("modem: read NetworkRegistration properties: %w", err)
	}
	technology, _ := regProps["Technology"].Value().(string)

	var cmd string
	if technology == "nr" {
		cmd = "AT+SPENGMD=0,14,1"
	} else {
		cmd = "AT+SPENGMD=0,6,0"
	}

	var raw string
	if err := m.bus.Call(ctx, path, ifaceModem, "SendAtcmd", []interface{}{cmd}, &raw); err != nil {
		return CellInfo{}, fmt.Errorf("modem: %s: %w", cmd, err)
	}

	table := ParseCellTable(raw)
	if technology == "nr" {
		if info, ok := table.Decode5G(); ok {
			return info, nil
		}
		return CellInfo{}, fmt.Errorf("modem: incomplete 5G cell table (%d rows)", len(table))
	}
	if info, ok := table.Decode4G(); ok {
		return info, nil
	}
	return CellInfo{}, fmt.Errorf("modem: incomplete 4G cell table (%d rows)", len(table))
}
