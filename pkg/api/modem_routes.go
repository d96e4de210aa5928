package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/oem5g/gatewayd/pkg/apierr"
	"github.com/oem5g/gatewayd/pkg/httpcore"
	"github.com/oem5g/gatewayd/pkg/modem"
)

func (s *Surface) registerModemRoutes(r *mux.Router) {
	handle(r, "/api/info", http.MethodGet, httpcore.EnvelopeLegacy, s.handleInfo)
	handle(r, "/api/at", http.MethodPost, httpcore.EnvelopeLegacy, s.handleAT)
	handle(r, "/api/set_network", http.MethodPost, httpcore.EnvelopeLegacy, s.handleSetNetwork)
	handle(r, "/api/switch", http.MethodPost, httpcore.EnvelopeLegacy, s.handleSwitch)
	handle(r, "/api/airplane_mode", http.MethodPost, httpcore.EnvelopeLegacy, s.handleAirplaneMode)
	handle(r, "/api/current_band", http.MethodGet, httpcore.EnvelopeLegacy, s.handleCurrentBand)
}

func (s *Surface) handleInfo(r *http.Request) (interface{}, error) {
	state, err := s.Modem.GetInfo(r.Context())
	if err != nil {
		return nil, apierr.Unavailable("modem unreachable", err)
	}
	return state, nil
}

type atRequest struct {
	Command string `json:"command"`
}

func (s *Surface) handleAT(r *http.Request) (interface{}, error) {
	var req atRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		return nil, err
	}
	out, err := s.Modem.ExecuteAT(r.Context(), req.Command)
	if err != nil {
		return nil, apierr.UpstreamFailed("AT command failed", err)
	}
	return map[string]string{"response": out}, nil
}

type setNetworkRequest struct {
	Mode string  `json:"mode"`
	Slot *string `json:"slot,omitempty"`
}

func (s *Surface) handleSetNetwork(r *http.Request) (interface{}, error) {
	var req setNetworkRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		return nil, err
	}
	if req.Mode == "" {
		return nil, apierr.InvalidArgument("mode is required")
	}
	var slot *modem.Slot
	if req.Slot != nil {
		sv := modem.Slot(*req.Slot)
		slot = &sv
	}
	if err := s.Modem.SetNetworkMode(r.Context(), slot, modem.NetworkMode(req.Mode)); err != nil {
		return nil, apierr.UpstreamFailed("set network mode failed", err)
	}
	return nil, nil
}

type switchRequest struct {
	Slot string `json:"slot"`
}

func (s *Surface) handleSwitch(r *http.Request) (interface{}, error) {
	var req switchRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		return nil, err
	}
	if req.Slot != string(modem.Slot1) && req.Slot != string(modem.Slot2) {
		return nil, apierr.InvalidArgument("slot must be slot1 or slot2")
	}
	if err := s.Modem.SwitchSlot(r.Context(), modem.Slot(req.Slot)); err != nil {
		return nil, apierr.UpstreamFailed("switch slot failed", err)
	}
	return nil, nil
}

type airplaneRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Surface) handleAirplaneMode(r *http.Request) (interface{}, error) {
	var req airplaneRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		return nil, err
	}
	if err := s.Modem.SetAirplane(r.Context(), req.Enabled); err != nil {
		return nil, apierr.UpstreamFailed("set airplane mode failed", err)
	}
	return nil, nil
}

func (s *Surface) handleCurrentBand(r *http.Request) (interface{}, error) {
	info, err := s.Modem.CurrentBand(r.Context())
	if err != nil {
		return nil, apierr.Unavailable("current band unreachable", err)
	}
	return info, nil
}
