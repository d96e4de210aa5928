// Package server wires the HTTP listener to the API router, following the
// shape of the teacher's pkg/server/server.go: a thin Server struct owning
// a cancellable context and start/stop WaitGroups around the listener
// goroutine.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Config configures the HTTP listener.
type Config struct {
	HTTPListenAddr string
	Handler        http.Handler
}

// Server takes care of starting and stopping the embedded HTTP listener.
type Server struct {
	httpListenAddr string
	handler        http.Handler
	httpServer     *http.Server
	httpStarted    *sync.WaitGroup
	httpStopped    *sync.WaitGroup
	ctx            context.Context
	cancel         context.CancelFunc
}

// New constructs a Server from c. Start must be called to actually listen.
func New(c Config) *Server {
	return &Server{
		httpListenAddr: c.HTTPListenAddr,
		handler:        c.Handler,
		httpStarted:    &sync.WaitGroup{},
		httpStopped:    &sync.WaitGroup{},
	}
}

// Start begins listening; it returns once the listener goroutine has been
// launched (not once it is actually accepting — matching the teacher's
// documented race-condition caveat in rest.go).
func (s *Server) Start() error {
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.httpServer = &http.Server{
		Addr:              s.httpListenAddr,
		Handler:           s.handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 8 * time.Second,
		WriteTimeout:      45 * time.Second,
	}

	s.httpStarted.Add(1)
	s.httpStopped.Add(1)
	return s.startHTTP()
}

// Shutdown cancels the server's context and waits for the listener
// goroutine to fully stop.
func (s *Server) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	s.httpStopped.Wait()
}
