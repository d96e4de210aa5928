package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/oem5g/gatewayd/pkg/apierr"
	"github.com/oem5g/gatewayd/pkg/apn"
	"github.com/oem5g/gatewayd/pkg/httpcore"
)

func (s *Surface) registerApnRoutes(r *mux.Router) {
	handle(r, "/api/apn/templates", http.MethodGet, httpcore.EnvelopeLegacy, s.handleListApnTemplates)
	handle(r, "/api/apn/templates", http.MethodPost, httpcore.EnvelopeLegacy, s.handleSaveApnTemplate)
	handle(r, "/api/apn/templates/{id}", http.MethodPut, httpcore.EnvelopeLegacy, s.handleSaveApnTemplate)
	handle(r, "/api/apn/templates/{id}", http.MethodDelete, httpcore.EnvelopeLegacy, s.handleDeleteApnTemplate)
	handle(r, "/api/apn/config", http.MethodGet, httpcore.EnvelopeLegacy, s.handleGetApnConfig)
	handle(r, "/api/apn/config", http.MethodPost, httpcore.EnvelopeLegacy, s.handleSaveApnConfig)
	handle(r, "/api/apn/apply", http.MethodPost, httpcore.EnvelopeLegacy, s.handleApplyApn)
	handle(r, "/api/apn/clear", http.MethodPost, httpcore.EnvelopeLegacy, s.handleClearApn)
}

func (s *Surface) handleListApnTemplates(r *http.Request) (interface{}, error) {
	list, err := s.APN.ListTemplates(r.Context())
	if err != nil {
		return nil, apierr.Internal("list apn templates failed", err)
	}
	return list, nil
}

func (s *Surface) handleSaveApnTemplate(r *http.Request) (interface{}, error) {
	var t apn.Template
	if err := httpcore.DecodeJSON(r, &t); err != nil {
		return nil, err
	}
	if id, ok := mux.Vars(r)["id"]; ok {
		parsed, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return nil, apierr.InvalidArgument("invalid id")
		}
		t.ID = parsed
	}
	if t.Name == "" || t.APN == "" {
		return nil, apierr.InvalidArgument("name and apn are required")
	}
	id, err := s.APN.SaveTemplate(r.Context(), t)
	if err != nil {
		return nil, apierr.Internal("save apn template failed", err)
	}
	return map[string]int64{"id": id}, nil
}

func (s *Surface) handleDeleteApnTemplate(r *http.Request) (interface{}, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return nil, apierr.InvalidArgument("invalid id")
	}
	if err := s.APN.DeleteTemplate(r.Context(), id); err != nil {
		return nil, apierr.NotFound("apn template not found")
	}
	return nil, nil
}

func (s *Surface) handleGetApnConfig(r *http.Request) (interface{}, error) {
	cfg, err := s.APN.GetConfig(r.Context())
	if err != nil {
		return nil, apierr.Internal("read apn config failed", err)
	}
	return cfg, nil
}

func (s *Surface) handleSaveApnConfig(r *http.Request) (interface{}, error) {
	var cfg apn.Config
	if err := httpcore.DecodeJSON(r, &cfg); err != nil {
		return nil, err
	}
	if err := s.APN.SaveConfig(r.Context(), cfg); err != nil {
		return nil, apierr.Internal("save apn config failed", err)
	}
	return nil, nil
}

type applyApnRequest struct {
	TemplateID int64 `json:"template_id"`
}

func (s *Surface) handleApplyApn(r *http.Request) (interface{}, error) {
	var req applyApnRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		return nil, err
	}
	if req.TemplateID == 0 {
		return nil, apierr.InvalidArgument("template_id is required")
	}
	if err := s.APN.ApplyTemplate(r.Context(), req.TemplateID); err != nil {
		return nil, apierr.UpstreamFailed("apply apn template failed", err)
	}
	return nil, nil
}

func (s *Surface) handleClearApn(r *http.Request) (interface{}, error) {
	if err := s.APN.Clear(r.Context()); err != nil {
		return nil, apierr.UpstreamFailed("clear apn failed", err)
	}
	return nil, nil
}
