package server

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartAndShutdown(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := New(Config{HTTPListenAddr: "127.0.0.1:0", Handler: mux})
	require.NoError(t, srv.Start())

	// Shutdown must return once the listener goroutine has actually stopped,
	// even though the address never had a client connect to it.
	done := make(chan struct{})
	go func() {
		srv.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return in time")
	}
}

func TestShutdownIsSafeBeforeStart(t *testing.T) {
	srv := New(Config{HTTPListenAddr: "127.0.0.1:0", Handler: http.NotFoundHandler()})
	assert.NotPanics(t, srv.Shutdown)
}
