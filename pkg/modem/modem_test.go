package modem

import (
	"context"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"

	"github.com/oem5g/gatewayd/pkg/bus"
)

func TestDBmFromSignalPct(t *testing.T) {
	assert.Equal(t, -113, dBmFromSignalPct(0))
	assert.Equal(t, -13, dBmFromSignalPct(50))
	assert.Equal(t, 87, dBmFromSignalPct(100))
}

func TestAsInt(t *testing.T) {
	cases := []struct {
		in   interface{}
		want int
		ok   bool
	}{
		{byte(5), 5, true},
		{int16(-3), -3, true},
		{uint16(7), 7, true},
		{int32(9), 9, true},
		{uint32(11), 11, true},
		{int(42), 42, true},
		{"not a number", 0, false},
		{3.14, 0, false},
	}
	for _, c := range cases {
		got, ok := asInt(c.in)
		assert.Equal(t, c.ok, ok)
		if c.ok {
			assert.Equal(t, c.want, got)
		}
	}
}

func TestSlotOfReturnsMatchingSlot(t *testing.T) {
	m := New(bus.New(), "/modem_0", "/modem_1")
	assert.Equal(t, Slot1, m.slotOf("/modem_0"))
	assert.Equal(t, Slot2, m.slotOf("/modem_1"))
}

func TestSlotOfDefaultsToSlot1ForUnknownPath(t *testing.T) {
	m := New(bus.New(), "/modem_0", "/modem_1")
	assert.Equal(t, Slot1, m.slotOf("/modem_99"))
}

func TestSwitchSlotRejectsUnknownSlot(t *testing.T) {
	m := New(bus.New(), "/modem_0", "/modem_1")
	err := m.SwitchSlot(context.Background(), Slot("slot3"))
	assert.Error(t, err)
}

func TestCurrentModemPathStartsOnSlot1(t *testing.T) {
	m := New(bus.New(), "/modem_0", "/modem_1")
	assert.Equal(t, dbus.ObjectPath("/modem_0"), m.currentModemPath())
}
