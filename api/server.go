package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"p2p-chunkcast/pkg/directory"
	"p2p-chunkcast/pkg/logger"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusFunc supplies the node-level fields of the /status response.
type StatusFunc func() map[string]any

// Server exposes the node's observable state over HTTP: JSON status, the
// live content directory, and Prometheus metrics.
type Server struct {
	dir    *directory.Directory
	status StatusFunc
	srv    *http.Server

	stopOnce sync.Once
}

func New(addr string, status StatusFunc, dir *directory.Directory) *Server {
	s := &Server{dir: dir, status: status}

	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/directory", s.handleDirectory).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves in the background until Stop.
func (s *Server) Start() {
	go func() {
		logger.Sugar.Infof("[API] status server listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Sugar.Errorf("[API] server error: %v", err)
		}
	}()
}

// Stop shuts the HTTP server down.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() { err = s.srv.Close() })
	return err
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.status())
}

func (s *Server) handleDirectory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.dir.ContentDir())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Sugar.Errorf("[API] failed to encode response: %v", err)
	}
}
