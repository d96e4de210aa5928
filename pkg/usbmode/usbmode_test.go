package usbmode

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModeString(t *testing.T) {
	assert.Equal(t, "cdc_ncm", ModeNCM.String())
	assert.Equal(t, "cdc_ecm", ModeECM.String())
	assert.Equal(t, "rndis", ModeRNDIS.String())
	assert.Equal(t, "unknown", Mode(99).String())
}

func TestParseMode(t *testing.T) {
	cases := []struct {
		in   string
		want Mode
		ok   bool
	}{
		{"cdc_ncm", ModeNCM, true},
		{"ncm", ModeNCM, true},
		{"cdc_ecm", ModeECM, true},
		{"ecm", ModeECM, true},
		{"rndis", ModeRNDIS, true},
		{"bogus", 0, false},
	}
	for _, c := range cases {
		got, ok := ParseMode(c.in)
		assert.Equal(t, c.ok, ok, c.in)
		if c.ok {
			assert.Equal(t, c.want, got, c.in)
		}
	}
}

func newFakeController(t *testing.T) *Controller {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "mnt", "data"), 0o755))
	return &Controller{Root: root}
}

func TestCurrentModeEmptyWhenNoFiles(t *testing.T) {
	c := newFakeController(t)
	_, ok := c.CurrentMode()
	assert.False(t, ok)
}

func TestSetPersistentModePersists(t *testing.T) {
	c := newFakeController(t)
	require.NoError(t, c.SetPersistentMode(ModeRNDIS))

	mode, ok := c.CurrentMode()
	require.True(t, ok)
	assert.Equal(t, ModeRNDIS, mode)
}

func TestTransientModeTakesPrecedenceOverPersistent(t *testing.T) {
	c := newFakeController(t)
	require.NoError(t, c.SetPersistentMode(ModeNCM))
	require.NoError(t, c.SetTransientMode(ModeECM))

	mode, ok := c.CurrentMode()
	require.True(t, ok)
	assert.Equal(t, ModeECM, mode)
}

func TestSetPersistentModeClearsTransientOverride(t *testing.T) {
	c := newFakeController(t)
	require.NoError(t, c.SetTransientMode(ModeECM))
	require.NoError(t, c.SetPersistentMode(ModeRNDIS))

	mode, ok := c.CurrentMode()
	require.True(t, ok)
	assert.Equal(t, ModeRNDIS, mode, "persistent write must delete the transient override")
}

func TestSwitchAdvancedRejectsUnknownMode(t *testing.T) {
	c := newFakeController(t)
	err := c.SwitchAdvanced(Mode(42))
	assert.Error(t, err)
}
