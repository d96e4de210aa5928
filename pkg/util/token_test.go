package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomTokenLength(t *testing.T) {
	tok, err := RandomToken(32)
	require.NoError(t, err)
	assert.Len(t, tok, 64)
}

func TestRandomTokenIsUnpredictable(t *testing.T) {
	a, err := RandomToken(32)
	require.NoError(t, err)
	b, err := RandomToken(32)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestSHA256HexIsDeterministic(t *testing.T) {
	assert.Equal(t, SHA256Hex("admin123"), SHA256Hex("admin123"))
	assert.NotEqual(t, SHA256Hex("admin123"), SHA256Hex("admin124"))
}

func TestIsHex64(t *testing.T) {
	assert.True(t, IsHex64(SHA256Hex("anything")))
	assert.False(t, IsHex64(""))
	assert.False(t, IsHex64("not-hex-and-too-short"))
	assert.False(t, IsHex64("zz"+SHA256Hex("x")[2:]))
}
