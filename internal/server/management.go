package server

import (
	"net/http"
)

// handleManagement routes requests under the management prefix to the
// appropriate endpoint. A nil handler answers 404.
func (s *Server) handleManagement(w http.ResponseWriter, r *http.Request) {
	var h http.HandlerFunc
	switch r.URL.Path {
	case s.managementPrefix + "/heartbeat":
		h = s.heartbeatHandler
	case s.managementPrefix + "/stats":
		h = s.statsHandler
	case s.managementPrefix + "/logs":
		h = s.logsHandler
	case s.managementPrefix + "/logs/ws":
		h = s.logStreamHandler
	}
	if h == nil {
		http.NotFound(w, r)
		return
	}
	h(w, r)
}
