package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
)

func (s *Server) startHTTP() error {
	s.httpServer.Handler = handlers.ProxyHeaders(s.handler)

	go func() {
		<-s.ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("[server] shutting down HTTP interface %q: %v", s.httpListenAddr, err)
		}
	}()

	go func() {
		log.Printf("[server] starting HTTP interface %q", s.httpListenAddr)
		s.httpStarted.Done()

		err := s.httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if err != nil {
			log.Printf("[server] HTTP interface %q down: %v", s.httpListenAddr, err)
		}
		s.httpStopped.Done()
	}()

	s.httpStarted.Wait()
	return nil
}
