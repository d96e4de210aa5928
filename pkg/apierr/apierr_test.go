package apierr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfClassifiesWrappedErrors(t *testing.T) {
	err := NotFound("apn template not found")
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Internal("save apn config failed", cause)
	require.EqualError(t, err, "save apn config failed: disk full")
}

func TestErrorUnwrapsToCause(t *testing.T) {
	cause := errors.New("timeout")
	err := UpstreamFailed("at command failed", cause)
	assert.Same(t, cause, errors.Unwrap(err))
}

func TestConflictHasNoCause(t *testing.T) {
	err := Conflict("auth: security questions already set")
	assert.Equal(t, "auth: security questions already set", err.Error())
}
