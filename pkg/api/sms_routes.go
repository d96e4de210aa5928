package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/oem5g/gatewayd/pkg/apierr"
	"github.com/oem5g/gatewayd/pkg/httpcore"
	"github.com/oem5g/gatewayd/pkg/sms"
)

func (s *Surface) registerSmsRoutes(r *mux.Router) {
	handle(r, "/api/sms", http.MethodGet, httpcore.EnvelopeLegacy, s.handleListSms)
	handle(r, "/api/sms", http.MethodPost, httpcore.EnvelopeLegacy, s.handleSendSms)
	handle(r, "/api/sms/{id}", http.MethodDelete, httpcore.EnvelopeLegacy, s.handleDeleteSms)
	handle(r, "/api/sms/webhook", http.MethodGet, httpcore.EnvelopeLegacy, s.handleGetSmsWebhook)
	handle(r, "/api/sms/webhook", http.MethodPost, httpcore.EnvelopeLegacy, s.handleSaveSmsWebhook)
	handle(r, "/api/sms/webhook/test", http.MethodPost, httpcore.EnvelopeLegacy, s.handleTestSmsWebhook)
	handle(r, "/api/sms/config", http.MethodGet, httpcore.EnvelopeLegacy, s.handleGetSmsConfig)
	handle(r, "/api/sms/config", http.MethodPost, httpcore.EnvelopeLegacy, s.handleSaveSmsConfig)
	handle(r, "/api/sms/fix", http.MethodGet, httpcore.EnvelopeLegacy, s.handleGetSmsFix)
	handle(r, "/api/sms/fix", http.MethodPost, httpcore.EnvelopeLegacy, s.handleSetSmsFix)
}

func (s *Surface) handleListSms(r *http.Request) (interface{}, error) {
	inbox, err := s.SMS.ListInbox(r.Context(), 200)
	if err != nil {
		return nil, apierr.Internal("list inbox failed", err)
	}
	sent, err := s.SMS.ListSent(r.Context(), 200)
	if err != nil {
		return nil, apierr.Internal("list sent failed", err)
	}
	return map[string]interface{}{"inbox": inbox, "sent": sent}, nil
}

type sendSmsRequest struct {
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
}

func (s *Surface) handleSendSms(r *http.Request) (interface{}, error) {
	var req sendSmsRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		return nil, err
	}
	if req.Recipient == "" || req.Content == "" {
		return nil, apierr.InvalidArgument("recipient and content are required")
	}
	msg, err := s.SMS.Send(r.Context(), req.Recipient, req.Content)
	if err != nil {
		return nil, apierr.UpstreamFailed("send sms failed", err)
	}
	return msg, nil
}

func (s *Surface) handleDeleteSms(r *http.Request) (interface{}, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return nil, apierr.InvalidArgument("invalid id")
	}
	if err := s.SMS.DeleteInbox(r.Context(), id); err != nil {
		return nil, apierr.NotFound("sms not found")
	}
	return nil, nil
}

func (s *Surface) handleGetSmsWebhook(r *http.Request) (interface{}, error) {
	cfg, err := s.SMS.WebhookConfig(r.Context())
	if err != nil {
		return nil, apierr.Internal("read sms webhook config failed", err)
	}
	return cfg, nil
}

func (s *Surface) handleSaveSmsWebhook(r *http.Request) (interface{}, error) {
	var cfg sms.WebhookConfig
	if err := httpcore.DecodeJSON(r, &cfg); err != nil {
		return nil, err
	}
	if err := s.SMS.SaveWebhookConfig(r.Context(), cfg); err != nil {
		return nil, apierr.Internal("save sms webhook config failed", err)
	}
	return nil, nil
}

func (s *Surface) handleTestSmsWebhook(r *http.Request) (interface{}, error) {
	entry, err := s.SMS.TestWebhook(r.Context())
	if err != nil {
		return nil, apierr.UpstreamFailed("test webhook dispatch failed", err)
	}
	return entry, nil
}

func (s *Surface) handleGetSmsConfig(r *http.Request) (interface{}, error) {
	cfg, err := s.SMS.GetConfig(r.Context())
	if err != nil {
		return nil, apierr.Internal("read sms config failed", err)
	}
	return cfg, nil
}

type smsConfigRequest struct {
	MaxInbox int `json:"max_inbox"`
	MaxSent  int `json:"max_sent"`
}

func (s *Surface) handleSaveSmsConfig(r *http.Request) (interface{}, error) {
	var req smsConfigRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		return nil, err
	}
	if err := s.SMS.SaveConfig(r.Context(), req.MaxInbox, req.MaxSent); err != nil {
		return nil, apierr.Internal("save sms config failed", err)
	}
	return nil, nil
}

func (s *Surface) handleGetSmsFix(r *http.Request) (interface{}, error) {
	cfg, err := s.SMS.GetConfig(r.Context())
	if err != nil {
		return nil, apierr.Internal("read sms config failed", err)
	}
	return map[string]bool{"enabled": cfg.FixEnabled}, nil
}

type smsFixRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Surface) handleSetSmsFix(r *http.Request) (interface{}, error) {
	var req smsFixRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		return nil, err
	}
	if err := s.SMS.SetFixEnabled(r.Context(), req.Enabled); err != nil {
		return nil, apierr.UpstreamFailed("set sms fix failed", err)
	}
	return nil, nil
}
