package httpcore

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oem5g/gatewayd/pkg/apierr"
)

func TestWriteOKLegacyEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteOK(w, EnvelopeLegacy, map[string]string{"mode": "rndis"})

	var body legacyBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 0, body.Code)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWriteOKModernEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteOK(w, EnvelopeModern, nil)

	var body modernBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
}

func TestWriteErrorMapsKindToStatus(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, EnvelopeLegacy, apierr.Unauthenticated("auth: missing token"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	var body legacyBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Code)
	assert.Equal(t, "auth: missing token", body.Error)
}

func TestWriteErrorUnclassifiedFallsBackToInternal(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, EnvelopeModern, assertError{"boom"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }

func TestWrapWritesSuccessPayload(t *testing.T) {
	h := Wrap(EnvelopeLegacy, func(r *http.Request) (interface{}, error) {
		return map[string]int{"id": 7}, nil
	})
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/api/apn/templates", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWrapWritesErrorPayload(t *testing.T) {
	h := Wrap(EnvelopeLegacy, func(r *http.Request) (interface{}, error) {
		return nil, apierr.InvalidArgument("mode is required")
	})
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodPost, "/api/set_network", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDecodeJSONRejectsMalformedBody(t *testing.T) {
	var v map[string]string
	err := DecodeJSON(httptest.NewRequest(http.MethodPost, "/api/auth/login", nil), &v)
	assert.Error(t, err)
	assert.Equal(t, apierr.KindInvalidArgument, apierr.KindOf(err))
}
