package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/oem5g/gatewayd/pkg/apierr"
	"github.com/oem5g/gatewayd/pkg/httpcore"
	"github.com/oem5g/gatewayd/pkg/ipv6fwd"
)

func (s *Surface) registerIpv6Routes(r *mux.Router) {
	handle(r, "/api/ipv6-proxy/config", http.MethodGet, httpcore.EnvelopeLegacy, s.handleGetIpv6Config)
	handle(r, "/api/ipv6-proxy/config", http.MethodPost, httpcore.EnvelopeLegacy, s.handleSaveIpv6Config)
	handle(r, "/api/ipv6-proxy/rules", http.MethodGet, httpcore.EnvelopeLegacy, s.handleListIpv6Rules)
	handle(r, "/api/ipv6-proxy/rules", http.MethodPost, httpcore.EnvelopeLegacy, s.handleAddIpv6Rule)
	handle(r, "/api/ipv6-proxy/rules/{id}", http.MethodPut, httpcore.EnvelopeLegacy, s.handleUpdateIpv6Rule)
	handle(r, "/api/ipv6-proxy/rules/{id}", http.MethodDelete, httpcore.EnvelopeLegacy, s.handleDeleteIpv6Rule)
	handle(r, "/api/ipv6-proxy/start", http.MethodPost, httpcore.EnvelopeLegacy, s.handleStartIpv6)
	handle(r, "/api/ipv6-proxy/stop", http.MethodPost, httpcore.EnvelopeLegacy, s.handleStopIpv6)
	handle(r, "/api/ipv6-proxy/restart", http.MethodPost, httpcore.EnvelopeLegacy, s.handleRestartIpv6)
	handle(r, "/api/ipv6-proxy/send", http.MethodPost, httpcore.EnvelopeLegacy, s.handleSendIpv6)
	handle(r, "/api/ipv6-proxy/test", http.MethodPost, httpcore.EnvelopeLegacy, s.handleTestIpv6)
	handle(r, "/api/ipv6-proxy/status", http.MethodGet, httpcore.EnvelopeLegacy, s.handleIpv6Status)
	handle(r, "/api/ipv6-proxy/send-logs", http.MethodGet, httpcore.EnvelopeLegacy, s.handleIpv6SendLogs)
}

func (s *Surface) handleGetIpv6Config(r *http.Request) (interface{}, error) {
	cfg, err := s.IPv6.GetConfig(r.Context())
	if err != nil {
		return nil, apierr.Internal("read ipv6 config failed", err)
	}
	return cfg, nil
}

func (s *Surface) handleSaveIpv6Config(r *http.Request) (interface{}, error) {
	var cfg ipv6fwd.Config
	if err := httpcore.DecodeJSON(r, &cfg); err != nil {
		return nil, err
	}
	if cfg.SendIntervalMinutes < 1 || cfg.SendIntervalMinutes > 1440 {
		return nil, apierr.InvalidArgument("send_interval_minutes must be in 1..1440")
	}
	if err := s.IPv6.SaveConfig(r.Context(), cfg); err != nil {
		return nil, apierr.Internal("save ipv6 config failed", err)
	}
	return nil, nil
}

func (s *Surface) handleListIpv6Rules(r *http.Request) (interface{}, error) {
	rules, err := s.IPv6.ListRules(r.Context())
	if err != nil {
		return nil, apierr.Internal("list ipv6 rules failed", err)
	}
	return rules, nil
}

type ipv6RuleRequest struct {
	LocalPort int  `json:"local_port"`
	IPv6Port  int  `json:"ipv6_port"`
	Enabled   bool `json:"enabled"`
}

func (s *Surface) handleAddIpv6Rule(r *http.Request) (interface{}, error) {
	var req ipv6RuleRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		return nil, err
	}
	if req.LocalPort < 1 || req.LocalPort > 65535 || req.IPv6Port < 1 || req.IPv6Port > 65535 {
		return nil, apierr.InvalidArgument("ports must be in 1..65535")
	}
	id, err := s.IPv6.AddRule(r.Context(), req.LocalPort, req.IPv6Port, req.Enabled)
	if err != nil {
		return nil, apierr.Internal("add ipv6 rule failed", err)
	}
	return map[string]int64{"id": id}, nil
}

func (s *Surface) handleUpdateIpv6Rule(r *http.Request) (interface{}, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return nil, apierr.InvalidArgument("invalid id")
	}
	var req ipv6RuleRequest
	if err := httpcore.DecodeJSON(r, &req); err != nil {
		return nil, err
	}
	if err := s.IPv6.SetRuleEnabled(r.Context(), id, req.Enabled); err != nil {
		return nil, apierr.NotFound("ipv6 rule not found")
	}
	return nil, nil
}

func (s *Surface) handleDeleteIpv6Rule(r *http.Request) (interface{}, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return nil, apierr.InvalidArgument("invalid id")
	}
	if err := s.IPv6.DeleteRule(r.Context(), id); err != nil {
		return nil, apierr.NotFound("ipv6 rule not found")
	}
	return nil, nil
}

func (s *Surface) handleStartIpv6(r *http.Request) (interface{}, error) {
	if err := s.IPv6.Start(r.Context()); err != nil {
		return nil, apierr.Internal("start ipv6 proxy failed", err)
	}
	return nil, nil
}

func (s *Surface) handleStopIpv6(r *http.Request) (interface{}, error) {
	s.IPv6.Stop()
	return nil, nil
}

func (s *Surface) handleRestartIpv6(r *http.Request) (interface{}, error) {
	s.IPv6.Stop()
	if err := s.IPv6.Start(r.Context()); err != nil {
		return nil, apierr.Internal("restart ipv6 proxy failed", err)
	}
	return nil, nil
}

func (s *Surface) handleSendIpv6(r *http.Request) (interface{}, error) {
	if err := s.IPv6.StartReporter(r.Context()); err != nil {
		return nil, apierr.Internal("start ipv6 address reporter failed", err)
	}
	return nil, nil
}

func (s *Surface) handleTestIpv6(r *http.Request) (interface{}, error) {
	if err := s.IPv6.StartReporter(r.Context()); err != nil {
		return nil, apierr.Internal("test ipv6 webhook failed", err)
	}
	return nil, nil
}

func (s *Surface) handleIpv6Status(r *http.Request) (interface{}, error) {
	running, active := s.IPv6.Status()
	return map[string]interface{}{"running": running, "active_rules": active}, nil
}

func (s *Surface) handleIpv6SendLogs(r *http.Request) (interface{}, error) {
	return s.IPv6.SendLogs(), nil
}
