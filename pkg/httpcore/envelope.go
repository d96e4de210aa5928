// Package httpcore provides the shared HTTP plumbing every API handler
// rides on: the two response envelope shapes spec.md §6 prescribes, the
// auth middleware, and the static-asset middleware. CORS and proxy-header
// wiring live in pkg/api.
package httpcore

import (
	"encoding/json"
	"net/http"

	"github.com/oem5g/gatewayd/pkg/apierr"
)

// Envelope selects which of the two response shapes an endpoint uses.
type Envelope int

const (
	// EnvelopeLegacy renders {"Code": 0|1, "Error": "", "Data": ...}.
	EnvelopeLegacy Envelope = iota
	// EnvelopeModern renders {"status": "ok"|"error", "message": "", "data": ...}.
	EnvelopeModern
)

type legacyBody struct {
	Code  int         `json:"Code"`
	Error string      `json:"Error"`
	Data  interface{} `json:"Data,omitempty"`
}

type modernBody struct {
	Status  string      `json:"status"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// WriteOK writes a successful response in the given envelope shape.
func WriteOK(w http.ResponseWriter, env Envelope, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	switch env {
	case EnvelopeModern:
		json.NewEncoder(w).Encode(modernBody{Status: "ok", Data: data})
	default:
		json.NewEncoder(w).Encode(legacyBody{Code: 0, Data: data})
	}
}

// WriteError classifies err via apierr.KindOf, picks the matching HTTP
// status, and writes it in the given envelope shape.
func WriteError(w http.ResponseWriter, env Envelope, err error) {
	status, msg := statusAndMessage(err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	switch env {
	case EnvelopeModern:
		json.NewEncoder(w).Encode(modernBody{Status: "error", Message: msg})
	default:
		json.NewEncoder(w).Encode(legacyBody{Code: 1, Error: msg})
	}
}

func statusAndMessage(err error) (int, string) {
	msg := err.Error()
	switch apierr.KindOf(err) {
	case apierr.KindInvalidArgument:
		return http.StatusBadRequest, msg
	case apierr.KindUnauthenticated:
		return http.StatusUnauthorized, msg
	case apierr.KindNotFound:
		return http.StatusNotFound, msg
	case apierr.KindMethodNotAllowed:
		return http.StatusMethodNotAllowed, msg
	case apierr.KindConflict:
		return http.StatusBadRequest, msg
	case apierr.KindUnavailable, apierr.KindUpstreamFailed, apierr.KindInternal:
		return http.StatusInternalServerError, msg
	default:
		return http.StatusInternalServerError, msg
	}
}

// Handler is the shape every pkg/api endpoint implements: decode the
// request, call into a component, return the payload or an apierr.
type Handler func(r *http.Request) (interface{}, error)

// Wrap adapts a Handler into an http.HandlerFunc that writes the result in
// the given envelope shape.
func Wrap(env Envelope, h Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := h(r)
		if err != nil {
			WriteError(w, env, err)
			return
		}
		WriteOK(w, env, data)
	}
}

// DecodeJSON decodes the request body into v, wrapping failures as
// apierr.InvalidArgument so handlers don't each repeat the classification.
func DecodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apierr.InvalidArgument("invalid JSON body: " + err.Error())
	}
	return nil
}
