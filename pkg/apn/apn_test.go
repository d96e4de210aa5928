package apn

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oem5g/gatewayd/pkg/store"
)

func newTestManager(t *testing.T) *Manager {
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, nil)
}

func TestSaveAndListTemplates(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id, err := m.SaveTemplate(ctx, Template{Name: "carrier-a", APN: "internet", Protocol: "ip", AuthType: "chap"})
	require.NoError(t, err)
	assert.NotZero(t, id)

	list, err := m.ListTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "carrier-a", list[0].Name)
}

func TestSaveTemplateWithIDReplaces(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id, err := m.SaveTemplate(ctx, Template{Name: "carrier-a", APN: "internet", Protocol: "ip", AuthType: "chap"})
	require.NoError(t, err)

	_, err = m.SaveTemplate(ctx, Template{ID: id, Name: "carrier-a-renamed", APN: "internet", Protocol: "ip", AuthType: "chap"})
	require.NoError(t, err)

	list, err := m.ListTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "carrier-a-renamed", list[0].Name)
}

func TestDeleteTemplate(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id, err := m.SaveTemplate(ctx, Template{Name: "carrier-a", APN: "internet", Protocol: "ip", AuthType: "chap"})
	require.NoError(t, err)

	require.NoError(t, m.DeleteTemplate(ctx, id))

	list, err := m.ListTemplates(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestTemplateMarshalsSnakeCaseFields(t *testing.T) {
	raw, err := json.Marshal(Template{ID: 1, Name: "carrier-a", APN: "internet", Protocol: "ip", AuthType: "chap"})
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &m))
	for _, key := range []string{"id", "name", "apn", "protocol", "username", "password", "auth_type"} {
		assert.Contains(t, m, key)
	}
}

func TestGetConfigDefaultsOnFirstAccess(t *testing.T) {
	m := newTestManager(t)
	cfg, err := m.GetConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Mode)
	assert.False(t, cfg.AutoStart)
}

func TestSaveConfigPersists(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.SaveConfig(ctx, Config{Mode: 1, BoundTemplateID: 7, AutoStart: true}))

	cfg, err := m.GetConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Mode)
	assert.Equal(t, int64(7), cfg.BoundTemplateID)
	assert.True(t, cfg.AutoStart)
}
