package loopback

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Metrics counts server activity.
type Metrics struct {
	ConnectionsTotal atomic.Int64
	SessionsTotal    atomic.Int64
	ResumesTotal     atomic.Int64
	HeartbeatsTotal  atomic.Int64
	DispatchesTotal  atomic.Int64
	CommandsTotal    atomic.Int64
}

// Status is the JSON body of GET /status.
type Status struct {
	UptimeSeconds    int64 `json:"uptime_seconds"`
	Connections      int   `json:"connections"`
	Sessions         int   `json:"sessions"`
	ConnectionsTotal int64 `json:"connections_total"`
	HeartbeatsTotal  int64 `json:"heartbeats_total"`
	DispatchesTotal  int64 `json:"dispatches_total"`
	CommandsTotal    int64 `json:"commands_total"`
}

func (s *Server) status() Status {
	s.mu.Lock()
	conns, sessions := len(s.conns), len(s.sessions)
	s.mu.Unlock()
	return Status{
		UptimeSeconds:    int64(time.Since(s.started).Seconds()),
		Connections:      conns,
		Sessions:         sessions,
		ConnectionsTotal: s.metrics.ConnectionsTotal.Load(),
		HeartbeatsTotal:  s.metrics.HeartbeatsTotal.Load(),
		DispatchesTotal:  s.metrics.DispatchesTotal.Load(),
		CommandsTotal:    s.metrics.CommandsTotal.Load(),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.status())
}

// handleMetrics writes counters in the Prometheus text format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	st := s.status()

	gauge := func(name, help string, v int64) {
		fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %d\n", name, help, name, name, v)
	}
	counter := func(name, help string, v int64) {
		fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", name, help, name, name, v)
	}

	gauge("loopback_connections", "Open client connections.", int64(st.Connections))
	gauge("loopback_sessions", "Sessions that can be resumed.", int64(st.Sessions))
	counter("loopback_connections_total", "Accepted client connections.", st.ConnectionsTotal)
	counter("loopback_sessions_total", "Sessions created by Identify.", s.metrics.SessionsTotal.Load())
	counter("loopback_resumes_total", "Successful resumes.", s.metrics.ResumesTotal.Load())
	counter("loopback_heartbeats_total", "Heartbeats received.", st.HeartbeatsTotal)
	counter("loopback_dispatches_total", "Dispatches sent.", st.DispatchesTotal)
	counter("loopback_commands_total", "Client commands received.", st.CommandsTotal)
	gauge("loopback_uptime_seconds", "Seconds since the server started.", st.UptimeSeconds)
}
