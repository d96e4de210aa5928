package databearer

import (
	"context"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oem5g/gatewayd/pkg/apn"
	"github.com/oem5g/gatewayd/pkg/bus"
)

func TestPropertyChangedIsMatchesNameAndValue(t *testing.T) {
	sig := &dbus.Signal{Body: []interface{}{"Active", dbus.MakeVariant(false)}}
	assert.True(t, propertyChangedIs(sig, "Active", false))
	assert.False(t, propertyChangedIs(sig, "Active", true))
}

func TestPropertyChangedIsRejectsWrongKey(t *testing.T) {
	sig := &dbus.Signal{Body: []interface{}{"Status", dbus.MakeVariant(false)}}
	assert.False(t, propertyChangedIs(sig, "Active", false))
}

func TestPropertyChangedIsRejectsMalformedBody(t *testing.T) {
	assert.False(t, propertyChangedIs(&dbus.Signal{Body: []interface{}{"Active"}}, "Active", false))
	assert.False(t, propertyChangedIs(&dbus.Signal{Body: []interface{}{"Active", "not-a-variant"}}, "Active", false))
}

func TestPropertyChangedStringExtractsValue(t *testing.T) {
	sig := &dbus.Signal{Body: []interface{}{"Status", dbus.MakeVariant("registered")}}
	s, ok := propertyChangedString(sig, "Status")
	assert.True(t, ok)
	assert.Equal(t, "registered", s)
}

func TestPropertyChangedStringRejectsWrongKey(t *testing.T) {
	sig := &dbus.Signal{Body: []interface{}{"Other", dbus.MakeVariant("registered")}}
	_, ok := propertyChangedString(sig, "Status")
	assert.False(t, ok)
}

func TestPropertyChangedStringRejectsNonStringValue(t *testing.T) {
	sig := &dbus.Signal{Body: []interface{}{"Status", dbus.MakeVariant(42)}}
	_, ok := propertyChangedString(sig, "Status")
	assert.False(t, ok)
}

func newTestDataBearer() *DataBearer {
	b := bus.New()
	return New(b, apn.New(nil, b), dbus.ObjectPath("/modem_0"))
}

// TestMonitorLoopSurvivesDaemonVanishAndReappear is the regression test for
// the bug where monitorLoop returned as soon as unsubscribeAll nilled the
// three subscriptions, instead of staying in select to watch for the daemon
// coming back on d.nameCh.
func TestMonitorLoopSurvivesDaemonVanishAndReappear(t *testing.T) {
	d := newTestDataBearer()
	d.contextSub = &bus.Subscription{C: make(chan *bus.Signal, 1)}
	d.netRegSub = &bus.Subscription{C: make(chan *bus.Signal, 1)}
	d.managerSub = &bus.Subscription{C: make(chan *bus.Signal, 1)}

	nameCh := make(chan bool, 2)
	d.nameCh = nameCh

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.monitorLoop(ctx)
		close(done)
	}()

	nameCh <- false // daemon vanish: unsubscribeAll nils the three subs
	nameCh <- true  // daemon reappear: must still be consumed, not dropped

	select {
	case <-done:
		t.Fatal("monitorLoop exited after a vanish/reappear cycle instead of continuing to watch d.nameCh")
	case <-time.After(200 * time.Millisecond):
	}

	d.mu.Lock()
	nilSubs := d.contextSub == nil && d.netRegSub == nil && d.managerSub == nil
	d.mu.Unlock()
	assert.True(t, nilSubs, "vanish must still clear the subscriptions")

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitorLoop did not exit after ctx cancellation")
	}
}

// TestStartMonitorIsReentrant covers the SetDataStatus side effect: calling
// StartMonitor while the Monitor is already running must be a no-op that
// reuses the existing name watch rather than re-subscribing or leaking a
// second cancel func.
func TestStartMonitorIsReentrant(t *testing.T) {
	d := newTestDataBearer()
	existingCh := make(chan bool)
	d.mu.Lock()
	d.monitorRunning = true
	d.nameCh = existingCh
	d.mu.Unlock()

	err := d.StartMonitor(context.Background())
	require.NoError(t, err, "StartMonitor must be a no-op when the Monitor is already running")

	d.mu.Lock()
	sameCh := d.nameCh
	cancel := d.monitorCancel
	d.mu.Unlock()
	assert.Equal(t, (<-chan bool)(existingCh), sameCh, "a no-op StartMonitor must not touch the name watch")
	assert.Nil(t, cancel, "a no-op StartMonitor must not install a new cancel func")
}

// TestStopMonitorClearsRunningFlag covers the SetDataStatus(false) side
// effect: StopMonitor must cancel the Monitor's context and clear the
// running flag so a later SetDataStatus(true) can re-arm it.
func TestStopMonitorClearsRunningFlag(t *testing.T) {
	d := newTestDataBearer()
	monitorCtx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	d.monitorRunning = true
	d.monitorCancel = cancel
	d.mu.Unlock()

	d.StopMonitor()

	d.mu.Lock()
	running := d.monitorRunning
	d.mu.Unlock()
	assert.False(t, running)

	select {
	case <-monitorCtx.Done():
	default:
		t.Fatal("StopMonitor must cancel the Monitor's context")
	}
}

// TestScheduleCoalescedRestoreCancelsPreviousTimer is the behavioral test for
// the 2s coalescing invariant: a second schedule before the window elapses
// must cancel the first timer rather than letting both fire.
func TestScheduleCoalescedRestoreCancelsPreviousTimer(t *testing.T) {
	d := newTestDataBearer()
	ctx := context.Background()

	d.scheduleCoalescedRestore(ctx)
	d.mu.Lock()
	first := d.restoreTimer
	d.mu.Unlock()
	require.NotNil(t, first)

	d.scheduleCoalescedRestore(ctx)
	d.mu.Lock()
	second := d.restoreTimer
	d.mu.Unlock()
	require.NotNil(t, second)

	assert.NotSame(t, first, second, "re-arming must install a new timer")
	assert.False(t, first.Stop(), "the previous timer must already have been stopped when re-armed")
}

// TestCheckAndRestoreSurfacesNetworkRegistrationError exercises the first of
// CheckAndRestore's decision steps: it must not swallow a bus read failure.
func TestCheckAndRestoreSurfacesNetworkRegistrationError(t *testing.T) {
	d := newTestDataBearer()
	_, err := d.CheckAndRestore(context.Background())
	assert.Error(t, err)
}
