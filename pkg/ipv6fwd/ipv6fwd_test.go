package ipv6fwd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oem5g/gatewayd/pkg/store"
)

func newTestManager(t *testing.T) *Manager {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st)
}

func TestAddAndListRules(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id, err := m.AddRule(ctx, 8443, 443, true)
	require.NoError(t, err)
	assert.NotZero(t, id)

	rules, err := m.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, 8443, rules[0].LocalPort)
	assert.Equal(t, 443, rules[0].IPv6Port)
	assert.True(t, rules[0].Enabled)
}

func TestAddRuleEnforcesCap(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < maxRules; i++ {
		_, err := m.AddRule(ctx, 9000+i, 443, true)
		require.NoError(t, err)
	}
	_, err := m.AddRule(ctx, 19999, 443, true)
	assert.Error(t, err)
}

func TestDeleteRule(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id, err := m.AddRule(ctx, 8443, 443, true)
	require.NoError(t, err)

	require.NoError(t, m.DeleteRule(ctx, id))
	rules, err := m.ListRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestDeleteUnknownRuleIsError(t *testing.T) {
	m := newTestManager(t)
	err := m.DeleteRule(context.Background(), 42)
	assert.Error(t, err)
}

func TestSetRuleEnabledWhileStopped(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id, err := m.AddRule(ctx, 8443, 443, true)
	require.NoError(t, err)

	require.NoError(t, m.SetRuleEnabled(ctx, id, false))

	rules, err := m.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.False(t, rules[0].Enabled)
}

func TestGetConfigDefaultsSendInterval(t *testing.T) {
	m := newTestManager(t)
	cfg, err := m.GetConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.SendIntervalMinutes)
}

func TestSaveConfigRoundTrips(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	want := Config{
		Enabled: true, AutoStart: true, SendEnabled: true,
		SendIntervalMinutes: 15, WebhookURL: "https://example.test/hook",
		WebhookBodyTemplate: "addr=#{ipv6}", WebhookHeaders: "X-Test: 1",
	}
	require.NoError(t, m.SaveConfig(ctx, want))

	got, err := m.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestStatusReportsActiveRuleCount(t *testing.T) {
	m := newTestManager(t)
	running, active := m.Status()
	assert.False(t, running)
	assert.Zero(t, active)
}
