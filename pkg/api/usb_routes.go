package api

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/oem5g/gatewayd/pkg/apierr"
	"github.com/oem5g/gatewayd/pkg/httpcore"
	"github.com/oem5g/gatewayd/pkg/usbmode"
)

// respondBeforeSwitchDelay gives the response time to reach the client's
// TCP stack before the USB link itself is torn down and rebuilt.
const respondBeforeSwitchDelay = 200 * time.Millisecond

func (s *Surface) registerUsbRoutes(r *mux.Router) {
	handle(r, "/api/usb/mode", http.MethodGet, httpcore.EnvelopeLegacy, s.handleGetUsbMode)
	handle(r, "/api/usb/mode", http.MethodPost, httpcore.EnvelopeLegacy, s.handleSetUsbMode)
	r.HandleFunc("/api/usb-advance", s.handleUsbAdvance).Methods(http.MethodPost)
	r.HandleFunc("/api/usb-advance", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodOptions)
}

func (s *Surface) handleGetUsbMode(r *http.Request) (interface{}, error) {
	mode, ok := s.USB.CurrentMode()
	if !ok {
		return map[string]interface{}{"mode": nil}, nil
	}
	return map[string]interface{}{"mode": mode.String()}, nil
}

type usbModeRequest struct {
	Mode      string `json:"mode"`
	Permanent bool   `json:"permanent"`
}

func (s *Surface) handleSetUsbMode(r *http.Request) (interface{}, error) {
	var req usbModeRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		return nil, err
	}
	mode, ok := usbmode.ParseMode(req.Mode)
	if !ok {
		return nil, apierr.InvalidArgument("mode must be one of cdc_ncm, cdc_ecm, rndis")
	}
	var err error
	if req.Permanent {
		err = s.USB.SetPersistentMode(mode)
	} else {
		err = s.USB.SetTransientMode(mode)
	}
	if err != nil {
		return nil, apierr.Internal("persist usb mode failed", err)
	}
	return nil, nil
}

// usbAdvanceRequest maps the integer mode values (1,2,3) spec.md §6
// documents for the hot-switch endpoint.
type usbAdvanceRequest struct {
	Mode int `json:"mode"`
}

// handleUsbAdvance writes its response, flushes it to the client, waits
// respondBeforeSwitchDelay, and only then performs the hot USB switch —
// the switch tears down the gadget that is carrying this very HTTP
// connection, so the client must have the response in hand first.
func (s *Surface) handleUsbAdvance(w http.ResponseWriter, r *http.Request) {
	var req usbAdvanceRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		httpcore.WriteError(w, httpcore.EnvelopeLegacy, err)
		return
	}
	mode := usbmode.Mode(req.Mode)
	if mode != usbmode.ModeNCM && mode != usbmode.ModeECM && mode != usbmode.ModeRNDIS {
		httpcore.WriteError(w, httpcore.EnvelopeLegacy, apierr.InvalidArgument("mode must be 1, 2 or 3"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{"Code": 0, "Data": map[string]string{"mode": mode.String()}})
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	go func() {
		time.Sleep(respondBeforeSwitchDelay)
		if err := s.USB.SwitchAdvanced(mode); err != nil {
			log.Printf("[api] usb-advance switch to %s failed: %v", mode, err)
		}
	}()
}
