// Package databearer implements DataBearer (spec.md §4.3): data-context
// active/roaming control plus a bus-event Monitor and an independent
// polling Watchdog that both converge on the same checkAndRestore logic,
// grounded on system/ofono.c's ofono_get_data_status/ofono_set_data_status/
// ofono_get_roaming_status/ofono_set_roaming_allowed.
package databearer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/oem5g/gatewayd/pkg/apn"
	"github.com/oem5g/gatewayd/pkg/bus"
)

const (
	ifaceConnectionContext = "org.ofono.ConnectionContext"
	ifaceConnectionManager = "org.ofono.ConnectionManager"
	ifaceNetworkReg        = "org.ofono.NetworkRegistration"
	ifaceManager           = "org.ofono.Manager"

	coalesceWindow   = 2 * time.Second
	defaultInterval  = 10 * time.Second
	ofonoServiceName = "org.ofono"
)

// DataBearer owns the Monitor (bus-event-driven) and Watchdog
// (poll-driven) tasks that keep the data context active whenever the modem
// is registered and an APN is configured.
type DataBearer struct {
	bus *bus.Client
	apn *apn.Manager

	modemPath dbus.ObjectPath

	mu             sync.Mutex
	restoreTimer   *time.Timer
	lastStatus     string
	contextSub     *bus.Subscription
	netRegSub      *bus.Subscription
	managerSub     *bus.Subscription
	nameCh         <-chan bool
	monitorCancel  context.CancelFunc
	monitorRunning bool
	rootCtx        context.Context
	watchdogStop   chan struct{}
	interval       time.Duration
}

// New constructs a DataBearer bound to the shared bus client, APN manager
// and the modem's oFono object path.
func New(b *bus.Client, a *apn.Manager, modemPath dbus.ObjectPath) *DataBearer {
	return &DataBearer{bus: b, apn: a, modemPath: modemPath, interval: defaultInterval}
}

// StartMonitor subscribes to the three PropertyChanged signals spec.md §4.3
// names and arms the daemon name watch; call once at startup. It is also
// re-entrant: SetDataStatus(true) calls it again as a side effect after the
// Monitor was stopped by SetDataStatus(false), in which case the existing
// name watch is reused rather than registering a second one.
func (d *DataBearer) StartMonitor(ctx context.Context) error {
	d.mu.Lock()
	if d.monitorRunning {
		d.mu.Unlock()
		return nil
	}
	d.rootCtx = ctx
	monitorCtx, cancel := context.WithCancel(ctx)
	d.monitorCancel = cancel
	nameCh := d.nameCh
	d.mu.Unlock()

	if err := d.resubscribe(); err != nil {
		d.mu.Lock()
		d.monitorCancel = nil
		d.mu.Unlock()
		cancel()
		return err
	}

	if nameCh == nil {
		var err error
		nameCh, err = d.bus.WatchName(ofonoServiceName)
		if err != nil {
			d.mu.Lock()
			d.monitorCancel = nil
			d.mu.Unlock()
			cancel()
			return fmt.Errorf("databearer: watch daemon name: %w", err)
		}
		d.nameCh = nameCh
	}

	d.mu.Lock()
	d.monitorRunning = true
	d.mu.Unlock()

	go d.monitorLoop(monitorCtx)
	return nil
}

// StopMonitor cancels the Monitor's goroutine and drops its subscriptions.
// SetDataStatus(false) calls this as the side effect spec.md §4.3 describes.
func (d *DataBearer) StopMonitor() {
	d.mu.Lock()
	cancel := d.monitorCancel
	d.monitorCancel = nil
	d.monitorRunning = false
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.unsubscribeAll()
}

func (d *DataBearer) resubscribe() error {
	ctxSub, err := d.bus.Subscribe(ifaceConnectionContext, "PropertyChanged", "")
	if err != nil {
		return fmt.Errorf("databearer: subscribe ConnectionContext: %w", err)
	}
	regSub, err := d.bus.Subscribe(ifaceNetworkReg, "PropertyChanged", d.modemPath)
	if err != nil {
		return fmt.Errorf("databearer: subscribe NetworkRegistration: %w", err)
	}
	mgrSub, err := d.bus.Subscribe(ifaceManager, "PropertyChanged", dbus.ObjectPath("/"))
	if err != nil {
		return fmt.Errorf("databearer: subscribe Manager: %w", err)
	}

	d.mu.Lock()
	d.contextSub, d.netRegSub, d.managerSub = ctxSub, regSub, mgrSub
	d.mu.Unlock()
	return nil
}

func (d *DataBearer) unsubscribeAll() {
	d.mu.Lock()
	subs := []*bus.Subscription{d.contextSub, d.netRegSub, d.managerSub}
	d.contextSub, d.netRegSub, d.managerSub = nil, nil, nil
	if d.restoreTimer != nil {
		d.restoreTimer.Stop()
		d.restoreTimer = nil
	}
	d.mu.Unlock()
	for _, s := range subs {
		if s != nil {
			d.bus.Unsubscribe(s)
		}
	}
}

// subChan returns s.C, or a nil channel (which blocks forever in a select)
// when s is nil, so the Monitor keeps watching d.nameCh across a daemon
// vanish/reappear cycle instead of exiting.
func subChan(s *bus.Subscription) <-chan *bus.Signal {
	if s == nil {
		return nil
	}
	return s.C
}

func (d *DataBearer) monitorLoop(ctx context.Context) {
	for {
		d.mu.Lock()
		ctxSub, regSub, mgrSub := d.contextSub, d.netRegSub, d.managerSub
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return

		case appeared, ok := <-d.nameCh:
			if !ok {
				return
			}
			if appeared {
				if err := d.resubscribe(); err != nil {
					log.Printf("[databearer] resubscribe after daemon appear: %v", err)
				}
			} else {
				d.unsubscribeAll()
			}

		case sig, ok := <-subChan(ctxSub):
			if !ok {
				continue
			}
			if propertyChangedIs(sig, "Active", false) {
				d.scheduleCoalescedRestore(ctx)
			}

		case sig, ok := <-subChan(regSub):
			if !ok {
				continue
			}
			if status, isStatus := propertyChangedString(sig, "Status"); isStatus {
				if status == "registered" || status == "roaming" {
					d.runRestore(ctx)
				}
			}

		case sig, ok := <-subChan(mgrSub):
			if !ok {
				continue
			}
			if newCard, isCard := propertyChangedString(sig, "DataCard"); isCard {
				d.modemPath = dbus.ObjectPath(newCard)
				d.mu.Lock()
				old := d.netRegSub
				d.mu.Unlock()
				if old != nil {
					d.bus.Unsubscribe(old)
				}
				if sub, err := d.bus.Subscribe(ifaceNetworkReg, "PropertyChanged", d.modemPath); err == nil {
					d.mu.Lock()
					d.netRegSub = sub
					d.mu.Unlock()
				}
				d.runRestore(ctx)
			}
		}
	}
}

func (d *DataBearer) scheduleCoalescedRestore(ctx context.Context) {
	d.mu.Lock()
	if d.restoreTimer != nil {
		d.restoreTimer.Stop()
	}
	d.restoreTimer = time.AfterFunc(coalesceWindow, func() { d.runRestore(ctx) })
	d.mu.Unlock()
}

func (d *DataBearer) runRestore(ctx context.Context) {
	status, err := d.CheckAndRestore(ctx)
	if err != nil {
		status = "error: " + err.Error()
	}
	d.mu.Lock()
	changed := status != d.lastStatus
	d.lastStatus = status
	d.mu.Unlock()
	if changed {
		log.Printf("[databearer] %s", status)
	}
}

// StartWatchdog launches the independent polling task that calls
// CheckAndRestore every interval seconds (default 10), logging only on
// status change, per spec.md §4.3.
func (d *DataBearer) StartWatchdog(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultInterval
	}
	d.mu.Lock()
	d.interval = interval
	d.watchdogStop = make(chan struct{})
	stop := d.watchdogStop
	d.mu.Unlock()

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-t.C:
				d.runRestore(ctx)
			}
		}
	}()
}

// StopWatchdog stops the polling task.
func (d *DataBearer) StopWatchdog() {
	d.mu.Lock()
	stop := d.watchdogStop
	d.watchdogStop = nil
	d.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

// CheckAndRestore implements spec.md §4.3's five-step decision: not
// registered → wait; no APN → skip; active → connected; otherwise activate
// and report the outcome.
func (d *DataBearer) CheckAndRestore(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, bus.DefaultTimeout)
	defer cancel()

	regProps, err := d.bus.GetProperties(ctx, d.modemPath, ifaceNetworkReg)
	if err != nil {
		return "", fmt.Errorf("read NetworkRegistration: %w", err)
	}
	status, _ := regProps["Status"].Value().(string)
	if status != "registered" && status != "roaming" {
		return "waiting for registration", nil
	}

	cc, err := d.apn.CurrentContext(ctx)
	if err != nil {
		return "APN not configured, skipping", nil
	}
	if cc.APN == "" {
		return "APN not configured, skipping", nil
	}
	if cc.Active {
		return "connected", nil
	}

	if err := d.SetDataStatus(ctx, true); err != nil {
		return "", fmt.Errorf("activate context: %w", err)
	}
	return "connected", nil
}

// GetDataStatus reports whether the data context is currently active.
func (d *DataBearer) GetDataStatus(ctx context.Context) (bool, error) {
	cc, err := d.apn.CurrentContext(ctx)
	if err != nil {
		return false, err
	}
	return cc.Active, nil
}

// SetDataStatus activates or deactivates the internet ConnectionContext,
// starting or stopping the background Monitor as a side effect (spec.md
// §4.3).
func (d *DataBearer) SetDataStatus(ctx context.Context, active bool) error {
	cc, err := d.apn.CurrentContext(ctx)
	if err != nil {
		return err
	}
	setCtx, cancel := context.WithTimeout(ctx, bus.DefaultTimeout)
	defer cancel()
	if err := d.bus.SetProperty(setCtx, cc.Path, ifaceConnectionContext, "Active", active); err != nil {
		return err
	}

	if active {
		d.mu.Lock()
		rootCtx := d.rootCtx
		d.mu.Unlock()
		if rootCtx != nil {
			if err := d.StartMonitor(rootCtx); err != nil {
				log.Printf("[databearer] restart monitor after data on: %v", err)
			}
		}
	} else {
		d.StopMonitor()
	}
	return nil
}

// GetRoaming returns (roamingAllowed, isRoaming).
func (d *DataBearer) GetRoaming(ctx context.Context) (allowed, roaming bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, bus.DefaultTimeout)
	defer cancel()

	mgrProps, err := d.bus.GetProperties(ctx, dbus.ObjectPath("/"), ifaceConnectionManager)
	if err == nil {
		allowed, _ = mgrProps["RoamingAllowed"].Value().(bool)
	}
	regProps, rerr := d.bus.GetProperties(ctx, d.modemPath, ifaceNetworkReg)
	if rerr != nil {
		return allowed, roaming, fmt.Errorf("read NetworkRegistration: %w", rerr)
	}
	status, _ := regProps["Status"].Value().(string)
	roaming = status == "roaming"
	return allowed, roaming, nil
}

// SetRoamingAllowed toggles whether the data context may activate while
// roaming.
func (d *DataBearer) SetRoamingAllowed(ctx context.Context, allowed bool) error {
	ctx, cancel := context.WithTimeout(ctx, bus.DefaultTimeout)
	defer cancel()
	return d.bus.SetProperty(ctx, dbus.ObjectPath("/"), ifaceConnectionManager, "RoamingAllowed", allowed)
}

func propertyChangedIs(sig *dbus.Signal, name string, want bool) bool {
	if len(sig.Body) != 2 {
		return false
	}
	key, _ := sig.Body[0].(string)
	if key != name {
		return false
	}
	v, ok := sig.Body[1].(dbus.Variant)
	if !ok {
		return false
	}
	b, _ := v.Value().(bool)
	return b == want
}

func propertyChangedString(sig *dbus.Signal, name string) (string, bool) {
	if len(sig.Body) != 2 {
		return "", false
	}
	key, _ := sig.Body[0].(string)
	if key != name {
		return "", false
	}
	v, ok := sig.Body[1].(dbus.Variant)
	if !ok {
		return "", false
	}
	s, ok := v.Value().(string)
	return s, ok
}
