package modem

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModeToIndexCoversEveryExposedMode(t *testing.T) {
	for _, mode := range []NetworkMode{ModeAuto, ModeNR5GOnly, ModeLTEOnly, ModeNSAOnly} {
		idx, ok := modeToIndex[mode]
		assert.True(t, ok, mode)
		assert.GreaterOrEqual(t, idx, 0)
		assert.Less(t, idx, len(technologyPreferences))
	}
}

func TestIndexToModeRoundTrips(t *testing.T) {
	for mode, idx := range modeToIndex {
		got, ok := indexToMode(idx)
		assert.True(t, ok)
		assert.Equal(t, mode, got)
	}
}

func TestIndexToModeUnknownIndex(t *testing.T) {
	_, ok := indexToMode(999)
	assert.False(t, ok)
}

func TestTechnologyPreferencesIsIndexStable(t *testing.T) {
	assert.Equal(t, "NR 5G/LTE/GSM/WCDMA auto", technologyPreferences[7])
	assert.Equal(t, "NR 5G only", technologyPreferences[8])
	assert.Equal(t, "LTE only", technologyPreferences[5])
	assert.Equal(t, "NSA only", technologyPreferences[10])
}
