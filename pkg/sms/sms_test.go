package sms

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oem5g/gatewayd/pkg/store"
)

type fakeATExecutor struct {
	lastCmd string
}

func (f *fakeATExecutor) ExecuteAT(ctx context.Context, cmd string) (string, error) {
	f.lastCmd = cmd
	return "OK", nil
}

func newTestEngine(t *testing.T) (*Engine, *fakeATExecutor) {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	fake := &fakeATExecutor{}
	return New(st, nil, fake, ""), fake
}

func TestGetConfigDefaults(t *testing.T) {
	e, _ := newTestEngine(t)
	cfg, err := e.GetConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.MaxInbox)
	assert.Equal(t, 10, cfg.MaxSent)
}

func TestSaveConfigClampsMaxInbox(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.SaveConfig(ctx, 3, 5))
	cfg, err := e.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.MaxInbox, "below the floor must clamp to 10")

	require.NoError(t, e.SaveConfig(ctx, 500, 5))
	cfg, err = e.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, 150, cfg.MaxInbox, "above the ceiling must clamp to 150")
}

func TestSaveConfigClampsMaxSent(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.SaveConfig(ctx, 50, 0))
	cfg, err := e.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.MaxSent, "below the floor must clamp to 1")

	require.NoError(t, e.SaveConfig(ctx, 50, 999))
	cfg, err = e.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.MaxSent, "above the ceiling must clamp to 50")
}

func TestSetFixEnabledAppliesCNMIAndPersists(t *testing.T) {
	e, fake := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.SetFixEnabled(ctx, true))
	assert.Equal(t, cnmiEnable, fake.lastCmd)

	cfg, err := e.GetConfig(ctx)
	require.NoError(t, err)
	assert.True(t, cfg.FixEnabled)

	require.NoError(t, e.SetFixEnabled(ctx, false))
	assert.Equal(t, cnmiDisable, fake.lastCmd)
}

func TestListSentEmptyByDefault(t *testing.T) {
	e, _ := newTestEngine(t)
	sent, err := e.ListSent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, sent)
}

func TestInboxMessageMarshalsContentAsPlainString(t *testing.T) {
	raw, err := json.Marshal(InboxMessage{ID: 1, Sender: "+1", Content: "hello"})
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "hello", m["content"])
	assert.Contains(t, m, "sender")
}

func TestDeleteInboxOnUnknownIDIsNotFound(t *testing.T) {
	e, _ := newTestEngine(t)
	err := e.DeleteInbox(context.Background(), 999)
	assert.Error(t, err)
}
