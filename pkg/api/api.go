// Package api wires every component onto the HTTP surface spec.md §6
// names, following the teacher's pkg/server/rest.go route-registration
// style but splitting handlers into one file per component.
package api

import (
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/oem5g/gatewayd/pkg/apn"
	"github.com/oem5g/gatewayd/pkg/auth"
	"github.com/oem5g/gatewayd/pkg/databearer"
	"github.com/oem5g/gatewayd/pkg/httpcore"
	"github.com/oem5g/gatewayd/pkg/ipv6fwd"
	"github.com/oem5g/gatewayd/pkg/modem"
	"github.com/oem5g/gatewayd/pkg/rathole"
	"github.com/oem5g/gatewayd/pkg/sms"
	"github.com/oem5g/gatewayd/pkg/usbmode"
)

// Surface holds every component the API dispatches into.
type Surface struct {
	Modem   *modem.Modem
	Bearer  *databearer.DataBearer
	SMS     *sms.Engine
	APN     *apn.Manager
	IPv6    *ipv6fwd.Manager
	Rathole *rathole.Manager
	USB     *usbmode.Controller
	Auth    *auth.Auth

	AssetResolver httpcore.AssetResolver
}

// Handler builds the full http.Handler stack: proxy headers -> CORS ->
// static-asset fallthrough -> mux router, with the auth middleware applied
// by the router to matched routes only, so an unknown path is a 404 rather
// than a 401.
func (s *Surface) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(httpcore.AuthMiddleware(s.Auth))
	s.registerModemRoutes(router)
	s.registerApnRoutes(router)
	s.registerDataRoutes(router)
	s.registerSmsRoutes(router)
	s.registerIpv6Routes(router)
	s.registerRatholeRoutes(router)
	s.registerUsbRoutes(router)
	s.registerAuthRoutes(router)
	router.NotFoundHandler = http.HandlerFunc(http.NotFound)

	c := cors.New(cors.Options{
		AllowCredentials: true,
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		MaxAge:           31,
	})

	assetResolver := s.AssetResolver
	if assetResolver == nil {
		assetResolver = httpcore.NoAssets
	}

	var h http.Handler = router
	h = httpcore.StaticAssetMiddleware(assetResolver)(h)
	h = c.Handler(h)
	h = handlers.ProxyHeaders(h)
	return h
}

// handle registers a route supporting OPTIONS automatically, per spec.md
// §4.9's "every endpoint handles OPTIONS".
func handle(r *mux.Router, path, method string, env httpcore.Envelope, h httpcore.Handler) {
	r.HandleFunc(path, httpcore.Wrap(env, h)).Methods(method)
	r.HandleFunc(path, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodOptions)
}
