package bus

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
)

func TestSplitSignalName(t *testing.T) {
	iface, member := splitSignalName("org.ofono.Modem.PropertyChanged")
	assert.Equal(t, "org.ofono.Modem", iface)
	assert.Equal(t, "PropertyChanged", member)
}

func TestSplitSignalNameWithNoDot(t *testing.T) {
	iface, member := splitSignalName("PropertyChanged")
	assert.Equal(t, "", iface)
	assert.Equal(t, "PropertyChanged", member)
}

func TestMatchRuleMatchesOnIfaceAndMember(t *testing.T) {
	rule := matchRule{iface: "org.ofono.Modem", member: "PropertyChanged"}
	sig := &dbus.Signal{Name: "org.ofono.Modem.PropertyChanged", Path: "/modem_0"}
	assert.True(t, rule.matches(sig))
}

func TestMatchRuleRejectsWrongMember(t *testing.T) {
	rule := matchRule{iface: "org.ofono.Modem", member: "PropertyChanged"}
	sig := &dbus.Signal{Name: "org.ofono.Modem.Other", Path: "/modem_0"}
	assert.False(t, rule.matches(sig))
}

func TestMatchRuleRejectsWrongPath(t *testing.T) {
	rule := matchRule{iface: "org.ofono.Modem", path: dbus.ObjectPath("/modem_0")}
	sig := &dbus.Signal{Name: "org.ofono.Modem.PropertyChanged", Path: dbus.ObjectPath("/modem_1")}
	assert.False(t, rule.matches(sig))
}

func TestMatchRuleEmptyFieldsMatchAnything(t *testing.T) {
	rule := matchRule{}
	sig := &dbus.Signal{Name: "anything.at.all", Path: dbus.ObjectPath("/x")}
	assert.True(t, rule.matches(sig))
}

func TestServiceForReturnsOfono(t *testing.T) {
	assert.Equal(t, "org.ofono", serviceFor("org.ofono.Modem"))
	assert.Equal(t, "org.ofono", serviceFor("org.ofono.SimManager"))
}

func TestUnsubscribeOnClientWithNoSuchSubscriptionIsSafe(t *testing.T) {
	c := New()
	sub := &Subscription{id: 1, C: make(chan *Signal, 1)}
	assert.NotPanics(t, func() { c.Unsubscribe(sub) })
}

func TestCallWithoutConnectionErrors(t *testing.T) {
	c := New()
	err := c.Call(nil, "/modem_0", "org.ofono.Modem", "GetProperties", nil)
	assert.Error(t, err)
}
