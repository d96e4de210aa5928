package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/oem5g/gatewayd/pkg/apierr"
	"github.com/oem5g/gatewayd/pkg/httpcore"
)

func (s *Surface) registerDataRoutes(r *mux.Router) {
	handle(r, "/api/data", http.MethodGet, httpcore.EnvelopeLegacy, s.handleGetData)
	handle(r, "/api/data", http.MethodPost, httpcore.EnvelopeLegacy, s.handleSetData)
	handle(r, "/api/roaming", http.MethodGet, httpcore.EnvelopeLegacy, s.handleGetRoaming)
	handle(r, "/api/roaming", http.MethodPost, httpcore.EnvelopeLegacy, s.handleSetRoaming)
}

func (s *Surface) handleGetData(r *http.Request) (interface{}, error) {
	active, err := s.Bearer.GetDataStatus(r.Context())
	if err != nil {
		return nil, apierr.Unavailable("data status unreachable", err)
	}
	return map[string]bool{"active": active}, nil
}

type dataToggleRequest struct {
	Active bool `json:"active"`
}

func (s *Surface) handleSetData(r *http.Request) (interface{}, error) {
	var req dataToggleRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		return nil, err
	}
	if err := s.Bearer.SetDataStatus(r.Context(), req.Active); err != nil {
		return nil, apierr.UpstreamFailed("set data status failed", err)
	}
	return nil, nil
}

func (s *Surface) handleGetRoaming(r *http.Request) (interface{}, error) {
	allowed, roaming, err := s.Bearer.GetRoaming(r.Context())
	if err != nil {
		return nil, apierr.Unavailable("roaming status unreachable", err)
	}
	return map[string]bool{"allowed": allowed, "roaming": roaming}, nil
}

type roamingRequest struct {
	Allowed bool `json:"allowed"`
}

func (s *Surface) handleSetRoaming(r *http.Request) (interface{}, error) {
	var req roamingRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		return nil, err
	}
	if err := s.Bearer.SetRoamingAllowed(r.Context(), req.Allowed); err != nil {
		return nil, apierr.UpstreamFailed("set roaming failed", err)
	}
	return nil, nil
}
