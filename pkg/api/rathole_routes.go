package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/oem5g/gatewayd/pkg/apierr"
	"github.com/oem5g/gatewayd/pkg/httpcore"
	"github.com/oem5g/gatewayd/pkg/rathole"
)

func (s *Surface) registerRatholeRoutes(r *mux.Router) {
	handle(r, "/api/rathole/config", http.MethodGet, httpcore.EnvelopeLegacy, s.handleGetRatholeConfig)
	handle(r, "/api/rathole/config", http.MethodPost, httpcore.EnvelopeLegacy, s.handleSaveRatholeConfig)
	handle(r, "/api/rathole/services", http.MethodGet, httpcore.EnvelopeLegacy, s.handleListRatholeServices)
	handle(r, "/api/rathole/services", http.MethodPost, httpcore.EnvelopeLegacy, s.handleAddRatholeService)
	handle(r, "/api/rathole/services/{id}", http.MethodPut, httpcore.EnvelopeLegacy, s.handleAddRatholeService)
	handle(r, "/api/rathole/services/{id}", http.MethodDelete, httpcore.EnvelopeLegacy, s.handleDeleteRatholeService)
	handle(r, "/api/rathole/start", http.MethodPost, httpcore.EnvelopeLegacy, s.handleStartRathole)
	handle(r, "/api/rathole/stop", http.MethodPost, httpcore.EnvelopeLegacy, s.handleStopRathole)
	handle(r, "/api/rathole/status", http.MethodGet, httpcore.EnvelopeLegacy, s.handleRatholeStatus)
	handle(r, "/api/rathole/logs", http.MethodGet, httpcore.EnvelopeLegacy, s.handleRatholeLogs)
	handle(r, "/api/rathole/server-config", http.MethodGet, httpcore.EnvelopeLegacy, s.handleRatholeServerConfig)
}

func (s *Surface) handleGetRatholeConfig(r *http.Request) (interface{}, error) {
	cfg, err := s.Rathole.GetConfig(r.Context())
	if err != nil {
		return nil, apierr.Internal("read rathole config failed", err)
	}
	return cfg, nil
}

func (s *Surface) handleSaveRatholeConfig(r *http.Request) (interface{}, error) {
	var cfg rathole.Config
	if err := httpcore.DecodeJSON(r, &cfg); err != nil {
		return nil, err
	}
	if err := s.Rathole.SaveConfig(r.Context(), cfg); err != nil {
		return nil, apierr.InvalidArgument(err.Error())
	}
	return nil, nil
}

func (s *Surface) handleListRatholeServices(r *http.Request) (interface{}, error) {
	list, err := s.Rathole.ListServices(r.Context())
	if err != nil {
		return nil, apierr.Internal("list rathole services failed", err)
	}
	return list, nil
}

func (s *Surface) handleAddRatholeService(r *http.Request) (interface{}, error) {
	var svc rathole.Service
	if err := httpcore.DecodeJSON(r, &svc); err != nil {
		return nil, err
	}
	if id, ok := mux.Vars(r)["id"]; ok {
		parsed, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return nil, apierr.InvalidArgument("invalid id")
		}
		svc.ID = parsed
	}
	id, err := s.Rathole.AddService(r.Context(), svc)
	if err != nil {
		return nil, apierr.InvalidArgument(err.Error())
	}
	return map[string]int64{"id": id}, nil
}

func (s *Surface) handleDeleteRatholeService(r *http.Request) (interface{}, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return nil, apierr.InvalidArgument("invalid id")
	}
	if err := s.Rathole.DeleteService(r.Context(), id); err != nil {
		return nil, apierr.NotFound("rathole service not found")
	}
	return nil, nil
}

func (s *Surface) handleStartRathole(r *http.Request) (interface{}, error) {
	if err := s.Rathole.Start(r.Context()); err != nil {
		return nil, apierr.Internal("start rathole failed", err)
	}
	return nil, nil
}

func (s *Surface) handleStopRathole(r *http.Request) (interface{}, error) {
	if err := s.Rathole.Stop(); err != nil {
		return nil, apierr.Internal("stop rathole failed", err)
	}
	return nil, nil
}

func (s *Surface) handleRatholeStatus(r *http.Request) (interface{}, error) {
	return s.Rathole.Status(r.Context()), nil
}

func (s *Surface) handleRatholeLogs(r *http.Request) (interface{}, error) {
	n := 100
	if v := r.URL.Query().Get("n"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			n = parsed
		}
	}
	logs, err := s.Rathole.Logs(n)
	if err != nil {
		return nil, apierr.Internal("read rathole logs failed", err)
	}
	return map[string]string{"logs": logs}, nil
}

func (s *Surface) handleRatholeServerConfig(r *http.Request) (interface{}, error) {
	skeleton, err := s.Rathole.ServerSkeleton(r.Context())
	if err != nil {
		return nil, apierr.Internal("generate server skeleton failed", err)
	}
	script, err := s.Rathole.InstallScript(r.Context())
	if err != nil {
		return nil, apierr.Internal("generate install script failed", err)
	}
	return map[string]string{"server_toml": skeleton, "install_script": script}, nil
}
